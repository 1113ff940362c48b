// Package bridge exposes the sync engine to a local presentation process over HTTP, with
// change notifications streamed as server-sent events.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/memories/internal/engine"
	"github.com/MarcoPoloResearchLab/memories/internal/events"
	"github.com/MarcoPoloResearchLab/memories/internal/memos"
	"github.com/MarcoPoloResearchLab/memories/internal/metrics"
	"github.com/MarcoPoloResearchLab/memories/internal/mutations"
	"github.com/MarcoPoloResearchLab/memories/internal/pager"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultHeartbeat = 15 * time.Second

var errMissingEngine = errors.New("engine dependency required")

// Engine is the part of the sync engine the bridge serves.
type Engine interface {
	View() []memos.MemoRecord
	Get(id memos.MemoID) (memos.MemoRecord, bool)
	Search(query string) []memos.MemoRecord
	SubmitMutation(kind memos.MutationKind, target memos.MemoID, delta memos.Delta) (*mutations.Handle, error)
	Mutation(mutationID string) (*mutations.Handle, bool)
	LoadMore(ctx context.Context) (pager.Result, error)
	Refresh(ctx context.Context) error
	Status() engine.Status
	Subscribe(ctx context.Context) (<-chan events.Change, func())
}

// Dependencies wires the bridge.
type Dependencies struct {
	Engine         Engine
	Metrics        *metrics.Collector
	AllowedOrigins []string
	Heartbeat      time.Duration
	Logger         *zap.Logger
}

// NewHTTPHandler builds the bridge router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		engine:    deps.Engine,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/memos", handler.handleListMemos)
	router.GET("/memos/search", handler.handleSearch)
	router.GET("/memos/:id", handler.handleGetMemo)
	router.POST("/memos/more", handler.handleLoadMore)
	router.POST("/mutations", handler.handleSubmitMutation)
	router.GET("/mutations/:id", handler.handleGetMutation)
	router.POST("/refresh", handler.handleRefresh)
	router.GET("/status", handler.handleStatus)
	router.GET("/events", handler.handleEvents)
	if registry := deps.Metrics.Registry(); registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	engine    Engine
	heartbeat time.Duration
	logger    *zap.Logger
}

type memoListPayload struct {
	Query string             `json:"query,omitempty"`
	Memos []memos.MemoRecord `json:"memos"`
}

type loadMorePayload struct {
	Loaded     int    `json:"loaded"`
	Exhausted  bool   `json:"exhausted"`
	Stale      bool   `json:"stale"`
	Generation uint64 `json:"generation"`
}

type mutationRequestPayload struct {
	Kind   string      `json:"kind"`
	Target string      `json:"target"`
	Delta  memos.Delta `json:"delta"`
}

type mutationPayload struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Target      string    `json:"target"`
	State       string    `json:"state"`
	Attempts    int       `json:"attempts"`
	SubmittedAt time.Time `json:"submitted_at"`
	Category    string    `json:"category,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func newMutationPayload(handle *mutations.Handle) mutationPayload {
	mutation := handle.Mutation()
	payload := mutationPayload{
		ID:          mutation.ID,
		Kind:        string(mutation.Kind),
		Target:      mutation.Target.String(),
		State:       string(mutation.State),
		Attempts:    mutation.Attempts,
		SubmittedAt: mutation.SubmittedAt,
	}
	if mutation.Err != nil {
		payload.Category = memos.Category(mutation.Err)
		payload.Error = mutation.Err.Error()
	}
	return payload
}

func (h *httpHandler) handleListMemos(c *gin.Context) {
	c.JSON(http.StatusOK, memoListPayload{Memos: nonNil(h.engine.View())})
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	c.JSON(http.StatusOK, memoListPayload{Query: query, Memos: nonNil(h.engine.Search(query))})
}

func (h *httpHandler) handleGetMemo(c *gin.Context) {
	id, err := memos.ParseMemoID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_memo_id"})
		return
	}
	record, ok := h.engine.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "memo_not_found"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleLoadMore(c *gin.Context) {
	result, err := h.engine.LoadMore(c.Request.Context())
	if err != nil {
		h.respondError(c, "load more failed", err)
		return
	}
	c.JSON(http.StatusOK, loadMorePayload{
		Loaded:     len(result.Entries),
		Exhausted:  result.Exhausted,
		Stale:      result.Stale,
		Generation: result.Generation,
	})
}

func (h *httpHandler) handleSubmitMutation(c *gin.Context) {
	var request mutationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	kind, err := memos.ParseMutationKind(request.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}
	var target memos.MemoID
	if kind != memos.MutationCreate {
		target, err = memos.ParseMemoID(request.Target)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_memo_id"})
			return
		}
	}

	handle, err := h.engine.SubmitMutation(kind, target, request.Delta)
	if err != nil {
		h.respondError(c, "mutation rejected", err)
		return
	}
	c.JSON(http.StatusAccepted, newMutationPayload(handle))
}

func (h *httpHandler) handleGetMutation(c *gin.Context) {
	handle, ok := h.engine.Mutation(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "mutation_not_found"})
		return
	}
	c.JSON(http.StatusOK, newMutationPayload(handle))
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	if err := h.engine.Refresh(c.Request.Context()); err != nil {
		h.respondError(c, "refresh failed", err)
		return
	}
	c.JSON(http.StatusOK, h.engine.Status())
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Status())
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn(message, zap.String("category", memos.Category(err)), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": memos.Category(err)})
}

func statusForError(err error) int {
	switch {
	case memos.IsAuth(err):
		return http.StatusUnauthorized
	case errors.Is(err, memos.ErrUnknownTarget):
		return http.StatusNotFound
	case errors.Is(err, memos.ErrInvalidDelta), errors.Is(err, memos.ErrInvalidMemoID):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrClosed), errors.Is(err, memos.ErrQueueClosed), memos.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func nonNil(records []memos.MemoRecord) []memos.MemoRecord {
	if records == nil {
		return []memos.MemoRecord{}
	}
	return records
}
