// Package memostest runs an in-memory Memos server speaking the REST v1 subset the sync
// engine uses. Requests must carry a bearer token minted by the server's issuer.
package memostest

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/memories/internal/auth"
	"github.com/MarcoPoloResearchLab/memories/internal/memos"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	subjectContextKey = "memostest_subject"
	defaultPageSize   = 50
	defaultSubject    = "users/1"
	tokenIssuerName   = "memos"
)

// Options configures a Server.
type Options struct {
	Secret []byte
	Clock  func() time.Time
	Logger *zap.Logger
}

// Server is a fake Memos deployment.
type Server struct {
	mu          sync.Mutex
	memos       map[string]*memoPayload
	attachments map[string][]attachmentPayload
	failures    []failure
	requests    map[string]int
	lastWrite   time.Time

	issuer     *auth.TokenIssuer
	clock      func() time.Time
	logger     *zap.Logger
	handler    http.Handler
	httpServer *httptest.Server
}

type failure struct {
	method    string
	status    int
	remaining int
}

// Start launches a Server on a loopback port.
func Start(opts Options) (*Server, error) {
	server, err := New(opts)
	if err != nil {
		return nil, err
	}
	server.httpServer = httptest.NewServer(server.handler)
	return server, nil
}

// New builds a Server without listening, for use with Handler.
func New(opts Options) (*Server, error) {
	secret := opts.Secret
	if len(secret) == 0 {
		secret = []byte("memostest-secret")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: secret,
		Issuer:        tokenIssuerName,
		TokenTTL:      24 * time.Hour,
		Clock:         clock,
	})
	if err != nil {
		return nil, err
	}

	server := &Server{
		memos:       make(map[string]*memoPayload),
		attachments: make(map[string][]attachmentPayload),
		requests:    make(map[string]int),
		issuer:      issuer,
		clock:       clock,
		logger:      logger,
	}
	server.handler = server.routes()
	return server, nil
}

// URL returns the base address of a started server.
func (s *Server) URL() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.URL
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Close stops a started server.
func (s *Server) Close() {
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

// Token mints a valid access token for the default user.
func (s *Server) Token() string {
	token, _, err := s.issuer.Issue(defaultSubject)
	if err != nil {
		s.logger.Error("failed to issue token", zap.Error(err))
		return ""
	}
	return token
}

// Put inserts or replaces a memo as if another client had written it. A zero update time
// is replaced with the server clock.
func (s *Server) Put(record memos.MemoRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := payloadFromRecord(record)
	if record.UpdateTime.IsZero() {
		now := s.nextWriteTimeLocked()
		payload.UpdateTime = now
		if record.CreateTime.IsZero() {
			payload.CreateTime = now
		}
	}
	s.memos[record.ID.UID()] = &payload
}

// Remove deletes a memo behind the client's back.
func (s *Server) Remove(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memos, uid)
	delete(s.attachments, uid)
}

// Memo returns the server copy of a memo.
func (s *Server) Memo(uid string) (memos.MemoRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.memos[uid]
	if !ok {
		return memos.MemoRecord{}, false
	}
	return payload.toRecord(), true
}

// Count returns the number of stored memos.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.memos)
}

// SetAttachments replaces the attachments of a memo.
func (s *Server) SetAttachments(uid string, refs []memos.AttachmentRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payloads := make([]attachmentPayload, 0, len(refs))
	for _, ref := range refs {
		payloads = append(payloads, attachmentPayload{
			Name:     "attachments/" + ref.ID,
			Filename: ref.Filename,
			Type:     ref.MimeType,
			Size:     strconv.FormatInt(ref.Size, 10),
			Memo:     "memos/" + uid,
		})
	}
	s.attachments[uid] = payloads
}

// FailNext makes the next count requests with method answer with status.
func (s *Server) FailNext(method string, status, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{method: method, status: status, remaining: count})
}

// Requests returns how many authorized requests used method.
func (s *Server) Requests(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method]
}

func (s *Server) routes() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	api.Use(s.authorizeRequest, s.injectFailures)
	api.GET("/memos", s.handleList)
	api.POST("/memos", s.handleCreate)
	api.GET("/memos/:uid", s.handleGet)
	api.PATCH("/memos/:uid", s.handleUpdate)
	api.DELETE("/memos/:uid", s.handleDelete)
	api.GET("/memos/:uid/attachments", s.handleAttachments)
	api.GET("/user/me", s.handleCurrentUser)
	return router
}

func (s *Server) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		abortWithError(c, http.StatusUnauthorized, "authorization header missing or invalid")
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	subject, err := s.issuer.Validate(token)
	if err != nil {
		s.logger.Warn("token validation failed", zap.Error(err))
		abortWithError(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	c.Set(subjectContextKey, subject)

	s.mu.Lock()
	s.requests[c.Request.Method]++
	s.mu.Unlock()
	c.Next()
}

func (s *Server) injectFailures(c *gin.Context) {
	s.mu.Lock()
	status := 0
	for index := range s.failures {
		if s.failures[index].method == c.Request.Method && s.failures[index].remaining > 0 {
			s.failures[index].remaining--
			status = s.failures[index].status
			break
		}
	}
	s.failures = slices.DeleteFunc(s.failures, func(entry failure) bool { return entry.remaining == 0 })
	s.mu.Unlock()

	if status != 0 {
		abortWithError(c, status, "injected failure")
		return
	}
	c.Next()
}

func (s *Server) handleList(c *gin.Context) {
	pageSize := defaultPageSize
	if raw := c.Query("pageSize"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			abortWithError(c, http.StatusBadRequest, "invalid page size")
			return
		}
		pageSize = parsed
	}
	offset := 0
	if raw := c.Query("pageToken"); raw != "" {
		parsed, err := strconv.Atoi(strings.TrimPrefix(raw, "offset-"))
		if err != nil || parsed < 0 {
			abortWithError(c, http.StatusBadRequest, "invalid page token")
			return
		}
		offset = parsed
	}
	state := c.DefaultQuery("state", string(memos.StateNormal))

	s.mu.Lock()
	listed := make([]memoPayload, 0, len(s.memos))
	for _, payload := range s.memos {
		if payload.State == state {
			listed = append(listed, *payload)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(listed, func(left, right memoPayload) int {
		if cmp := right.CreateTime.Compare(left.CreateTime); cmp != 0 {
			return cmp
		}
		return strings.Compare(left.Name, right.Name)
	})

	response := listResponse{Memos: []memoPayload{}}
	if offset < len(listed) {
		end := min(offset+pageSize, len(listed))
		response.Memos = listed[offset:end]
		if end < len(listed) {
			response.NextPageToken = "offset-" + strconv.Itoa(end)
		}
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleCreate(c *gin.Context) {
	var request patchPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Content == nil || strings.TrimSpace(*request.Content) == "" {
		abortWithError(c, http.StatusBadRequest, "content is required")
		return
	}

	s.mu.Lock()
	now := s.nextWriteTimeLocked()
	payload := memoPayload{
		Name:       "memos/" + strings.ReplaceAll(uuid.NewString(), "-", "")[:22],
		State:      string(memos.StateNormal),
		CreateTime: now,
		UpdateTime: now,
		Visibility: string(memos.VisibilityPrivate),
	}
	payload.apply(request, []string{"content", "pinned", "visibility"})
	s.memos[strings.TrimPrefix(payload.Name, "memos/")] = &payload
	s.mu.Unlock()

	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleGet(c *gin.Context) {
	s.mu.Lock()
	payload, ok := s.memos[c.Param("uid")]
	var response memoPayload
	if ok {
		response = *payload
	}
	s.mu.Unlock()

	if !ok {
		abortWithError(c, http.StatusNotFound, "memo not found")
		return
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleUpdate(c *gin.Context) {
	var request patchPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid payload")
		return
	}
	mask := strings.Split(c.Query("updateMask"), ",")
	if c.Query("updateMask") == "" {
		abortWithError(c, http.StatusBadRequest, "update mask is required")
		return
	}

	s.mu.Lock()
	payload, ok := s.memos[c.Param("uid")]
	var response memoPayload
	if ok {
		payload.apply(request, mask)
		payload.UpdateTime = s.nextWriteTimeLocked()
		response = *payload
	}
	s.mu.Unlock()

	if !ok {
		abortWithError(c, http.StatusNotFound, "memo not found")
		return
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleDelete(c *gin.Context) {
	uid := c.Param("uid")
	s.mu.Lock()
	_, ok := s.memos[uid]
	delete(s.memos, uid)
	delete(s.attachments, uid)
	s.mu.Unlock()

	if !ok {
		abortWithError(c, http.StatusNotFound, "memo not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) handleAttachments(c *gin.Context) {
	uid := c.Param("uid")
	s.mu.Lock()
	_, ok := s.memos[uid]
	attachments := slices.Clone(s.attachments[uid])
	s.mu.Unlock()

	if !ok {
		abortWithError(c, http.StatusNotFound, "memo not found")
		return
	}
	if attachments == nil {
		attachments = []attachmentPayload{}
	}
	c.JSON(http.StatusOK, gin.H{"attachments": attachments})
}

func (s *Server) handleCurrentUser(c *gin.Context) {
	subject := c.GetString(subjectContextKey)
	c.JSON(http.StatusOK, gin.H{
		"name":        subject,
		"username":    "memostest",
		"displayName": "Memos Test",
		"role":        "HOST",
	})
}

// nextWriteTimeLocked returns a strictly increasing write time so last-writer-wins
// comparisons never tie within one server.
func (s *Server) nextWriteTimeLocked() time.Time {
	now := s.clock().UTC().Truncate(time.Millisecond)
	if !now.After(s.lastWrite) {
		now = s.lastWrite.Add(time.Millisecond)
	}
	s.lastWrite = now
	return now
}

func abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": status, "message": message})
}
