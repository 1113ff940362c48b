package mutations

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/memories/internal/memos"
)

// Handle tracks one submitted mutation until it is confirmed or rolled back.
type Handle struct {
	mu       sync.Mutex
	mutation memos.PendingMutation
	done     chan struct{}
}

func newHandle(mutation memos.PendingMutation) *Handle {
	return &Handle{mutation: mutation, done: make(chan struct{})}
}

// ID returns the mutation id.
func (h *Handle) ID() string {
	return h.mutation.ID
}

// Kind returns the mutation kind.
func (h *Handle) Kind() memos.MutationKind {
	return h.mutation.Kind
}

// Target returns the memo id the mutation currently addresses. It changes from the
// provisional to the canonical id once a preceding CREATE is confirmed.
func (h *Handle) Target() memos.MemoID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mutation.Target
}

// Status returns the current lifecycle state.
func (h *Handle) Status() memos.MutationState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mutation.State
}

// Err returns the failure cause once the mutation has failed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mutation.Err
}

// Mutation returns a snapshot of the mutation.
func (h *Handle) Mutation() memos.PendingMutation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mutation
}

// Done is closed when the mutation reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the mutation resolves or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.Err()
	}
}

func (h *Handle) begin(target memos.MemoID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mutation.Target = target
	h.mutation.State = memos.MutationInFlight
}

func (h *Handle) attempt() memos.PendingMutation {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mutation.Attempts++
	return h.mutation
}

func (h *Handle) retarget(target memos.MemoID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mutation.Target = target
}

func (h *Handle) finish(state memos.MutationState, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mutation.State.Terminal() {
		return
	}
	h.mutation.State = state
	h.mutation.Err = cause
	close(h.done)
}
