// Package engine assembles the gateway, page fetcher, reconciliation store, mutation queue
// and search index into the single object a presentation layer talks to.
package engine

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/memories/internal/auth"
	"github.com/MarcoPoloResearchLab/memories/internal/cache"
	"github.com/MarcoPoloResearchLab/memories/internal/events"
	"github.com/MarcoPoloResearchLab/memories/internal/gateway"
	"github.com/MarcoPoloResearchLab/memories/internal/memos"
	"github.com/MarcoPoloResearchLab/memories/internal/metrics"
	"github.com/MarcoPoloResearchLab/memories/internal/mutations"
	"github.com/MarcoPoloResearchLab/memories/internal/pager"
	"github.com/MarcoPoloResearchLab/memories/internal/retry"
	"github.com/MarcoPoloResearchLab/memories/internal/search"
	"github.com/MarcoPoloResearchLab/memories/internal/store"
	"go.uber.org/zap"
)

const (
	defaultRefreshInterval = 5 * time.Minute
	defaultCacheFlush      = 30 * time.Second
	minCollectInterval     = time.Second
)

// Config wires an Engine to one Memos server.
type Config struct {
	BaseURL         string
	Token           string
	PageSize        int
	RefreshInterval time.Duration
	TombstoneTTL    time.Duration
	CacheFlush      time.Duration
	SearchDebounce  time.Duration
	Retry           retry.Policy
	HTTPClient      *http.Client
	Breaker         gateway.BreakerConfig
	Snapshots       *cache.Snapshots
	OnSearch        func(query string)
	Clock           func() time.Time
	Logger          *zap.Logger
	Metrics         *metrics.Collector
}

// Status summarizes the sync state for display.
type Status struct {
	Server           string           `json:"server"`
	Cursor           memos.PageCursor `json:"cursor"`
	Exhausted        bool             `json:"exhausted"`
	Generation       uint64           `json:"generation"`
	ViewSize         int              `json:"view_size"`
	PendingMutations int              `json:"pending_mutations"`
	Breaker          string           `json:"breaker"`
	Query            string           `json:"query,omitempty"`
	Subject          string           `json:"subject,omitempty"`
	TokenExpiresAt   *time.Time       `json:"token_expires_at,omitempty"`
	LastRefresh      *time.Time       `json:"last_refresh,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
	LastErrorKind    string           `json:"last_error_category,omitempty"`
}

// Engine is the sync engine of one server connection.
type Engine struct {
	cfg       Config
	client    *gateway.Client
	store     *store.Store
	fetcher   *pager.Fetcher
	queue     *mutations.Queue
	index     *search.Index
	snapshots *cache.Snapshots
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Collector

	// syncMu owns the page cursor: LoadMore, Reload and Refresh never interleave.
	syncMu     sync.Mutex
	loadMu     sync.Mutex
	loadCancel context.CancelFunc

	stateMu     sync.Mutex
	tokenInfo   auth.TokenInfo
	lastRefresh time.Time
	lastErr     error
	closed      bool
}

// Open connects to the server, seeds the view from the snapshot cache when one is
// configured, and loads the first page. A seeded engine tolerates an unreachable server.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, newEngineError(opEngineOpen, "missing_base_url", errMissingBaseURL)
	}
	tokenInfo, err := auth.InspectToken(cfg.Token)
	if err != nil {
		return nil, newEngineError(opEngineOpen, "invalid_token", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.CacheFlush <= 0 {
		cfg.CacheFlush = defaultCacheFlush
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = store.DefaultTombstoneTTL
	}

	client, err := gateway.New(gateway.Config{
		BaseURL:    cfg.BaseURL,
		Token:      cfg.Token,
		HTTPClient: cfg.HTTPClient,
		Breaker:    cfg.Breaker,
		Clock:      clock,
		Logger:     logger.Named("gateway"),
		Metrics:    cfg.Metrics,
	})
	if err != nil {
		return nil, newEngineError(opEngineOpen, "gateway", err)
	}

	reconciler := store.New(store.Config{
		Clock:        clock,
		TombstoneTTL: cfg.TombstoneTTL,
		Logger:       logger.Named("store"),
		Metrics:      cfg.Metrics,
	})
	fetcher, err := pager.New(pager.Config{
		Lister:   client,
		PageSize: cfg.PageSize,
		Retry:    cfg.Retry,
		Logger:   logger.Named("pager"),
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		client.Close()
		return nil, newEngineError(opEngineOpen, "pager", err)
	}
	queue, err := mutations.New(mutations.Config{
		Gateway: client,
		Store:   reconciler,
		Retry:   cfg.Retry,
		Clock:   clock,
		Logger:  logger.Named("mutations"),
		Metrics: cfg.Metrics,
	})
	if err != nil {
		client.Close()
		return nil, newEngineError(opEngineOpen, "queue", err)
	}

	engine := &Engine{
		cfg:       cfg,
		client:    client,
		store:     reconciler,
		fetcher:   fetcher,
		queue:     queue,
		index:     search.New(search.Config{Source: reconciler, Debounce: cfg.SearchDebounce, Logger: logger.Named("search")}),
		snapshots: cfg.Snapshots,
		clock:     clock,
		logger:    logger,
		metrics:   cfg.Metrics,
		tokenInfo: tokenInfo,
	}

	seeded := engine.seedFromSnapshot(ctx)
	if _, err := engine.LoadMore(ctx); err != nil {
		if !seeded || memos.IsAuth(err) {
			engine.shutdown(false)
			return nil, newEngineError(opEngineOpen, "first_page", err)
		}
		logger.Warn("serving cached snapshot while server is unreachable",
			zap.String("server", client.BaseURL()),
			zap.String("category", memos.Category(err)),
			zap.Error(err))
	}
	return engine, nil
}

func (e *Engine) seedFromSnapshot(ctx context.Context) bool {
	if e.snapshots == nil {
		return false
	}
	if !e.snapshotBelongsToToken(ctx) {
		return false
	}
	records, err := e.snapshots.Load(ctx, e.client.BaseURL())
	if err != nil {
		e.logger.Warn("snapshot load failed", zap.Error(err))
		return false
	}
	if len(records) == 0 {
		return false
	}
	e.store.IngestPage(records)
	e.logger.Info("seeded view from snapshot", zap.Int("records", len(records)))
	return true
}

// snapshotBelongsToToken rejects a snapshot remembered for a different account than the
// one the token names. Opaque tokens name nobody and are trusted.
func (e *Engine) snapshotBelongsToToken(ctx context.Context) bool {
	account, ok, err := e.snapshots.Account(ctx, e.client.BaseURL())
	if err != nil || !ok || e.tokenInfo.Subject == "" {
		return err == nil
	}
	if lastSegment(account.Name) != lastSegment(e.tokenInfo.Subject) {
		e.logger.Info("ignoring snapshot of another account",
			zap.String("cached_account", account.Name),
			zap.String("token_subject", e.tokenInfo.Subject))
		return false
	}
	return true
}

func lastSegment(name string) string {
	return name[strings.LastIndex(name, "/")+1:]
}

// View returns the reconciled list in display order.
func (e *Engine) View() []memos.MemoRecord {
	return e.store.View()
}

// Snapshot exports the server-confirmed records for external caches.
func (e *Engine) Snapshot() []memos.MemoRecord {
	return e.store.Snapshot()
}

// Get returns one visible memo. Provisional ids keep working after their CREATE is confirmed.
func (e *Engine) Get(id memos.MemoID) (memos.MemoRecord, bool) {
	return e.store.Get(id)
}

// ActivityCounts returns the memos created per day across the view.
func (e *Engine) ActivityCounts() map[string]int {
	return e.store.ActivityCounts()
}

// Subscribe streams the changes of every store transition until ctx ends.
func (e *Engine) Subscribe(ctx context.Context) (<-chan events.Change, func()) {
	return e.store.Subscribe(ctx)
}

// SubmitMutation applies an edit optimistically and queues it for the server.
func (e *Engine) SubmitMutation(kind memos.MutationKind, target memos.MemoID, delta memos.Delta) (*mutations.Handle, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	return e.queue.Submit(kind, target, delta)
}

// Mutation looks up a submitted mutation by id.
func (e *Engine) Mutation(mutationID string) (*mutations.Handle, bool) {
	return e.queue.Lookup(mutationID)
}

// SetSearchQuery replaces the active search query. An empty query shows the full view.
func (e *Engine) SetSearchQuery(query string) {
	e.index.SetQuery(query)
}

// SearchResults lazily yields the view records matching the active query.
func (e *Engine) SearchResults() iter.Seq[memos.MemoRecord] {
	return e.index.Results()
}

// Search yields the view records matching query without touching the active query.
func (e *Engine) Search(query string) []memos.MemoRecord {
	return search.Filter(e.store.View(), query)
}

// Attachments lists the files of a memo. Memos not yet created on the server only have
// the attachments held locally.
func (e *Engine) Attachments(ctx context.Context, id memos.MemoID) ([]memos.AttachmentRef, error) {
	resolved := e.store.Resolve(id)
	if resolved.IsProvisional() {
		record, ok := e.store.Get(resolved)
		if !ok {
			return nil, memos.ErrUnknownTarget
		}
		return record.Attachments, nil
	}
	return e.client.ListAttachments(ctx, resolved)
}

// CurrentUser returns the account behind the access token.
func (e *Engine) CurrentUser(ctx context.Context) (gateway.User, error) {
	user, err := e.client.CurrentUser(ctx)
	e.recordOutcome(err, false)
	if err != nil || e.snapshots == nil {
		return user, err
	}
	account := cache.Account{
		Name:        user.Name,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		AvatarURL:   user.AvatarURL,
	}
	if rememberErr := e.snapshots.RememberAccount(ctx, e.client.BaseURL(), account); rememberErr != nil {
		e.logger.Warn("account not remembered", zap.Error(rememberErr))
	}
	return user, nil
}

// Ping runs the connection test.
func (e *Engine) Ping(ctx context.Context) error {
	err := e.client.Ping(ctx)
	e.recordOutcome(err, false)
	return err
}

// Reauthenticate swaps the access token after an auth failure and reloads the first page.
func (e *Engine) Reauthenticate(ctx context.Context, token string) error {
	info, err := auth.InspectToken(token)
	if err != nil {
		return newEngineError(opEngineReauthenticate, "invalid_token", err)
	}
	if info.Expired(e.clock()) {
		return newEngineError(opEngineReauthenticate, "expired_token", errors.New("token already expired"))
	}
	e.client.SetToken(token)
	e.stateMu.Lock()
	e.tokenInfo = info
	e.stateMu.Unlock()
	e.logger.Info("access token replaced", zap.String("subject", info.Subject))
	return e.Reload(ctx)
}

// Status reports the cursor position, queue depth and last sync outcome.
func (e *Engine) Status() Status {
	cursor := e.fetcher.Cursor()
	status := Status{
		Server:           e.client.BaseURL(),
		Cursor:           cursor,
		Exhausted:        e.fetcher.Exhausted(),
		Generation:       e.fetcher.Generation(),
		ViewSize:         e.store.Len(),
		PendingMutations: e.queue.PendingCount(),
		Breaker:          e.client.BreakerState(),
		Query:            e.index.Query(),
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	status.Subject = e.tokenInfo.Subject
	if !e.tokenInfo.ExpiresAt.IsZero() {
		expiresAt := e.tokenInfo.ExpiresAt
		status.TokenExpiresAt = &expiresAt
	}
	if !e.lastRefresh.IsZero() {
		lastRefresh := e.lastRefresh
		status.LastRefresh = &lastRefresh
	}
	if e.lastErr != nil {
		status.LastError = e.lastErr.Error()
		status.LastErrorKind = memos.Category(e.lastErr)
	}
	return status
}

// Close tears the engine down: queued mutations are rolled back, in-flight ones finish,
// and the view is written to the snapshot cache one last time.
func (e *Engine) Close() {
	e.shutdown(true)
}

func (e *Engine) shutdown(persist bool) {
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return
	}
	e.closed = true
	e.stateMu.Unlock()

	e.cancelLoad()
	e.queue.Close()
	if persist {
		e.saveSnapshot(context.Background())
	}
	e.store.Close()
	e.client.Close()
}

func (e *Engine) isClosed() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.closed
}

func (e *Engine) recordOutcome(err error, refreshed bool) {
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.lastErr = err
	if refreshed && err == nil {
		e.lastRefresh = e.clock()
	}
}

func (e *Engine) saveSnapshot(ctx context.Context) {
	if e.snapshots == nil {
		return
	}
	if err := e.snapshots.Save(ctx, e.client.BaseURL(), e.store.Snapshot()); err != nil {
		e.logger.Warn("snapshot save failed", zap.Error(err))
	}
}
