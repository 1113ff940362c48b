package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/memories/internal/memos"
)

const defaultBufferSize = 64

// Reason names the store transition that produced a Change.
type Reason string

const (
	ReasonIngest     Reason = "ingest"
	ReasonSweep      Reason = "sweep"
	ReasonOptimistic Reason = "optimistic"
	ReasonConfirm    Reason = "confirm"
	ReasonRollback   Reason = "rollback"
)

// MutationFailure is attached to rollback changes so the caller can surface the failure.
type MutationFailure struct {
	MutationID string
	Kind       memos.MutationKind
	Target     memos.MemoID
	Category   string
	Err        error
}

// Change is the minimal diff produced by one store transition. Seq increases by one per
// published change, so a subscriber that sees a gap knows it dropped events and should
// re-read the full view.
type Change struct {
	Seq       uint64
	Reason    Reason
	Inserted  []memos.MemoID
	Updated   []memos.MemoID
	Removed   []memos.MemoID
	Remapped  map[memos.MemoID]memos.MemoID
	Failure   *MutationFailure
	Timestamp time.Time
}

// IsEmpty reports whether the change carries no diff and no failure.
func (c Change) IsEmpty() bool {
	return len(c.Inserted) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0 &&
		len(c.Remapped) == 0 && c.Failure == nil
}

// Dispatcher fans changes out to subscribers without ever blocking the publisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	dropped     atomic.Uint64
}

type subscriber struct {
	id     int64
	stream chan Change
	once   sync.Once
}

// NewDispatcher builds a dispatcher whose subscriber channels hold bufferSize changes.
func NewDispatcher(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a listener until ctx ends or the returned cleanup runs.
// The channel is closed on cleanup.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Change, func()) {
	sub := &subscriber{stream: make(chan Change, d.bufferSize)}
	d.mu.Lock()
	d.nextID++
	sub.id = d.nextID
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		d.unregister(sub)
	})
	cleanup := func() {
		stop()
		d.unregister(sub)
	}
	return sub.stream, cleanup
}

// Publish delivers change to every subscriber whose buffer has room.
func (d *Dispatcher) Publish(change Change) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers {
		select {
		case sub.stream <- change:
		default:
			d.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of registered listeners.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close unregisters every subscriber and closes their channels.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	subs := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		subs = append(subs, sub)
	}
	d.mu.Unlock()
	for _, sub := range subs {
		d.unregister(sub)
	}
}

func (d *Dispatcher) unregister(sub *subscriber) {
	sub.once.Do(func() {
		d.mu.Lock()
		delete(d.subscribers, sub.id)
		close(sub.stream)
		d.mu.Unlock()
	})
}
