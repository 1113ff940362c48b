package engine

import (
	"context"

	"github.com/MarcoPoloResearchLab/memories/internal/memos"
	"github.com/MarcoPoloResearchLab/memories/internal/pager"
	"go.uber.org/zap"
)

// LoadMore fetches the page after the cursor and merges it into the view. While a refresh
// or reload owns the cursor the call returns a Stale result without fetching.
func (e *Engine) LoadMore(ctx context.Context) (pager.Result, error) {
	if e.isClosed() {
		return pager.Result{}, ErrClosed
	}
	if !e.syncMu.TryLock() {
		return pager.Result{Cursor: e.fetcher.Cursor(), Stale: true, Generation: e.fetcher.Generation()}, nil
	}
	defer e.syncMu.Unlock()

	loadCtx, cancel := context.WithCancel(ctx)
	e.loadMu.Lock()
	e.loadCancel = cancel
	e.loadMu.Unlock()
	defer func() {
		e.loadMu.Lock()
		e.loadCancel = nil
		e.loadMu.Unlock()
		cancel()
	}()

	result, err := e.fetcher.FetchNext(loadCtx)
	if err != nil {
		e.recordOutcome(err, false)
		return result, err
	}
	if !result.Stale && len(result.Entries) > 0 {
		e.store.IngestPage(result.Entries)
	}
	e.recordOutcome(nil, false)
	return result, nil
}

// Reload rewinds the cursor and loads the first page again.
func (e *Engine) Reload(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.cancelLoad()
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	e.fetcher.Reset()
	result, err := e.fetcher.FetchNext(ctx)
	if err != nil {
		e.recordOutcome(err, false)
		return err
	}
	e.store.IngestPage(result.Entries)
	e.recordOutcome(nil, false)
	return nil
}

// Refresh walks the whole feed from the first page and removes records the server no
// longer lists. An in-flight LoadMore is abandoned. On failure the sweep is aborted and
// nothing is removed.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.cancelLoad()
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	e.fetcher.Reset()
	generation := e.fetcher.Generation()
	e.store.BeginSweep()
	pages := 0
	for {
		result, err := e.fetcher.FetchNext(ctx)
		if err != nil {
			e.store.AbortSweep()
			e.recordOutcome(err, false)
			e.logger.Warn("refresh aborted",
				zap.Int("pages", pages),
				zap.String("category", memos.Category(err)),
				zap.Error(err))
			return err
		}
		if result.Stale || result.Generation != generation {
			e.store.AbortSweep()
			e.logger.Debug("refresh superseded by cursor reset", zap.Int("pages", pages))
			return nil
		}
		e.store.IngestPage(result.Entries)
		pages++
		if result.Exhausted {
			break
		}
	}

	change := e.store.CompleteSweep()
	e.recordOutcome(nil, true)
	e.logger.Info("refresh completed",
		zap.Int("pages", pages),
		zap.Int("removed", len(change.Removed)),
		zap.Int("view_size", e.store.Len()))
	return nil
}

func (e *Engine) cancelLoad() {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if e.loadCancel != nil {
		e.loadCancel()
	}
}
