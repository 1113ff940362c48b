package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Run drives the background work until ctx ends: periodic refresh, tombstone collection,
// snapshot writes and search notifications.
func (e *Engine) Run(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	var wg sync.WaitGroup
	if e.cfg.OnSearch != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.index.Run(ctx, e.cfg.OnSearch); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warn("search notifications stopped", zap.Error(err))
			}
		}()
	}
	if e.snapshots != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runSnapshots(ctx)
		}()
	}

	refreshTicker := time.NewTicker(e.cfg.RefreshInterval)
	defer refreshTicker.Stop()
	collectTicker := time.NewTicker(max(e.cfg.TombstoneTTL/2, minCollectInterval))
	defer collectTicker.Stop()

	e.logger.Info("sync loop started",
		zap.Duration("refresh_interval", e.cfg.RefreshInterval),
		zap.Duration("tombstone_ttl", e.cfg.TombstoneTTL))
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-refreshTicker.C:
			if err := e.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Debug("scheduled refresh failed", zap.Error(err))
			}
		case <-collectTicker.C:
			e.store.CollectTombstones()
		}
	}
}

func (e *Engine) runSnapshots(ctx context.Context) {
	changes, cleanup := e.store.Subscribe(ctx)
	defer cleanup()
	ticker := time.NewTicker(e.cfg.CacheFlush)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			if dirty {
				e.saveSnapshot(context.WithoutCancel(ctx))
			}
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			dirty = true
		case <-ticker.C:
			if dirty {
				e.saveSnapshot(ctx)
				dirty = false
			}
		}
	}
}
