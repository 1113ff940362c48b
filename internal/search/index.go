// Package search filters the reconciled view by a free-text query.
package search

import (
	"context"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/memories/internal/events"
	"github.com/MarcoPoloResearchLab/memories/internal/memos"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces bursts of store changes into one notification.
const DefaultDebounce = 300 * time.Millisecond

// Source is the store surface the index reads.
type Source interface {
	View() []memos.MemoRecord
	Subscribe(ctx context.Context) (<-chan events.Change, func())
}

// Config describes the dependencies of an Index.
type Config struct {
	Source   Source
	Debounce time.Duration
	Logger   *zap.Logger
}

// Index holds the active query. Results are always derived from the current view, so
// there is no separate index state to keep consistent.
type Index struct {
	mu       sync.RWMutex
	query    string
	source   Source
	debounce time.Duration
	logger   *zap.Logger
	changed  chan struct{}
}

// New constructs an Index over source.
func New(cfg Config) *Index {
	debounce := cfg.Debounce
	if debounce < 0 {
		debounce = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{source: cfg.Source, debounce: debounce, logger: logger, changed: make(chan struct{}, 1)}
}

// SetQuery replaces the active query. Surrounding whitespace is ignored. A different
// query wakes Run so the new results are announced.
func (i *Index) SetQuery(query string) {
	query = strings.TrimSpace(query)
	i.mu.Lock()
	if i.query == query {
		i.mu.Unlock()
		return
	}
	i.query = query
	i.mu.Unlock()

	select {
	case i.changed <- struct{}{}:
	default:
	}
}

// Query returns the active query.
func (i *Index) Query() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.query
}

// Active reports whether a non-empty query is set.
func (i *Index) Active() bool {
	return i.Query() != ""
}

// Results yields the view records matching the active query in view order. Each range
// over the sequence reads the store afresh.
func (i *Index) Results() iter.Seq[memos.MemoRecord] {
	return func(yield func(memos.MemoRecord) bool) {
		needle := normalize(i.Query())
		for _, record := range i.source.View() {
			if !matches(record, needle) {
				continue
			}
			if !yield(record) {
				return
			}
		}
	}
}

// Run calls notify with the active query whenever the store changes while a query is
// set, and whenever the query itself changes (including to empty), until ctx ends or the
// store closes. Triggers arriving within the debounce window produce one call.
func (i *Index) Run(ctx context.Context, notify func(query string)) error {
	changes, cancel := i.source.Subscribe(ctx)
	defer cancel()

	var timer *time.Timer
	var fire <-chan time.Time
	queryChanged := false
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	announce := func() {
		query := i.Query()
		if query == "" && !queryChanged {
			return
		}
		queryChanged = false
		i.logger.Debug("search results changed", zap.String("query", query))
		notify(query)
	}
	schedule := func() {
		if i.debounce == 0 {
			announce()
			return
		}
		if timer == nil {
			timer = time.NewTimer(i.debounce)
			fire = timer.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if i.Active() {
				schedule()
			}
		case <-i.changed:
			queryChanged = true
			schedule()
		case <-fire:
			timer, fire = nil, nil
			announce()
		}
	}
}

// Filter returns the records matching query, preserving order. An empty query matches
// everything.
func Filter(records []memos.MemoRecord, query string) []memos.MemoRecord {
	needle := normalize(query)
	matched := make([]memos.MemoRecord, 0, len(records))
	for _, record := range records {
		if matches(record, needle) {
			matched = append(matched, record)
		}
	}
	return matched
}

// Matches reports whether record matches query, case-insensitively, in content or tags.
func Matches(record memos.MemoRecord, query string) bool {
	return matches(record, normalize(query))
}

func matches(record memos.MemoRecord, needle string) bool {
	if needle == "" {
		return true
	}
	if strings.Contains(strings.ToLower(record.Content), needle) {
		return true
	}
	tagNeedle := strings.TrimPrefix(needle, "#")
	if tagNeedle == "" {
		return false
	}
	for _, tag := range record.Tags {
		if strings.Contains(strings.ToLower(tag), tagNeedle) {
			return true
		}
	}
	return false
}

func normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}
