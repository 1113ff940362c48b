package pager

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/memories/internal/memos"
	"github.com/MarcoPoloResearchLab/memories/internal/metrics"
	"github.com/MarcoPoloResearchLab/memories/internal/retry"
	"go.uber.org/zap"
)

// DefaultPageSize matches the page size the desktop client requests.
const DefaultPageSize = 50

var errMissingLister = errors.New("pager: lister is required")

// Lister retrieves one page of memos.
type Lister interface {
	ListPage(ctx context.Context, token string, pageSize int) (memos.Page, error)
}

// Config describes the dependencies of a Fetcher.
type Config struct {
	Lister   Lister
	PageSize int
	Retry    retry.Policy
	Logger   *zap.Logger
	Metrics  *metrics.Collector
}

// Result is the outcome of one FetchNext call. A Stale result was issued against a cursor
// that has since been reset and carries no entries.
type Result struct {
	Entries    []memos.MemoRecord
	Cursor     memos.PageCursor
	Exhausted  bool
	Stale      bool
	Generation uint64
}

// Fetcher walks the server's memo list forward one page at a time.
type Fetcher struct {
	fetchMu sync.Mutex

	mu         sync.Mutex
	cursor     memos.PageCursor
	exhausted  bool
	generation uint64

	lister   Lister
	pageSize int
	policy   retry.Policy
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// New constructs a Fetcher positioned at the first page.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Lister == nil {
		return nil, errMissingLister
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		lister:   cfg.Lister,
		pageSize: pageSize,
		policy:   cfg.Retry,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

// FetchNext retrieves the page after the current cursor. Once the list is exhausted it
// returns immediately without contacting the server. Transient failures are retried with
// backoff; any error leaves the cursor where it was.
func (f *Fetcher) FetchNext(ctx context.Context) (Result, error) {
	f.fetchMu.Lock()
	defer f.fetchMu.Unlock()

	f.mu.Lock()
	issued := f.cursor
	generation := f.generation
	if f.exhausted {
		f.mu.Unlock()
		return Result{Cursor: issued, Exhausted: true, Generation: generation}, nil
	}
	f.mu.Unlock()

	var page memos.Page
	err := retry.Do(ctx, f.policy, memos.IsTransient, func(ctx context.Context) error {
		fetched, listErr := f.lister.ListPage(ctx, issued.Token, f.pageSize)
		if listErr != nil {
			f.logger.Debug("page fetch attempt failed",
				zap.String("page_token", issued.Token),
				zap.String("category", memos.Category(listErr)),
				zap.Error(listErr))
			return listErr
		}
		page = fetched
		return nil
	})
	if err != nil {
		f.metrics.PageFailed(memos.Category(err))
		return Result{Cursor: issued, Generation: generation}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursor.Seq != issued.Seq {
		f.logger.Debug("discarding stale page",
			zap.Uint64("issued_seq", issued.Seq),
			zap.Uint64("current_seq", f.cursor.Seq))
		return Result{Cursor: f.cursor, Stale: true, Generation: f.generation}, nil
	}
	f.cursor = memos.PageCursor{Token: page.NextToken, Seq: issued.Seq + 1}
	f.exhausted = page.IsLast()
	f.metrics.PageFetched()
	return Result{
		Entries:    page.Entries,
		Cursor:     f.cursor,
		Exhausted:  f.exhausted,
		Generation: f.generation,
	}, nil
}

// Reset rewinds to the first page. Any fetch still in flight completes as Stale.
func (f *Fetcher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = memos.PageCursor{Seq: f.cursor.Seq + 1}
	f.exhausted = false
	f.generation++
}

// Cursor returns the current cursor.
func (f *Fetcher) Cursor() memos.PageCursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// Exhausted reports whether the last page has been delivered.
func (f *Fetcher) Exhausted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exhausted
}

// Generation changes on every Reset.
func (f *Fetcher) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

// PageSize returns the configured page size.
func (f *Fetcher) PageSize() int {
	return f.pageSize
}
