package mutations

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/memories/internal/events"
	"github.com/MarcoPoloResearchLab/memories/internal/memos"
	"github.com/MarcoPoloResearchLab/memories/internal/metrics"
	"github.com/MarcoPoloResearchLab/memories/internal/retry"
	"go.uber.org/zap"
)

const maxRetainedHandles = 512

// Gateway performs the remote side of a mutation.
type Gateway interface {
	Create(ctx context.Context, delta memos.Delta) (memos.MemoRecord, error)
	Update(ctx context.Context, id memos.MemoID, delta memos.Delta) (memos.MemoRecord, error)
	Delete(ctx context.Context, id memos.MemoID) error
	Get(ctx context.Context, id memos.MemoID) (memos.MemoRecord, error)
}

// Reconciler is the store surface the queue drives.
type Reconciler interface {
	NewProvisionalID() memos.MemoID
	ApplyOptimistic(mutation memos.PendingMutation) error
	Confirm(mutation memos.PendingMutation, server memos.MemoRecord) memos.MemoID
	Rollback(mutation memos.PendingMutation, cause error)
	IngestPage(records []memos.MemoRecord) events.Change
}

// Config describes the dependencies of a Queue.
type Config struct {
	Gateway    Gateway
	Store      Reconciler
	Retry      retry.Policy
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Collector
}

// Queue sends optimistic mutations to the server. Mutations of one memo run strictly in
// submission order; mutations of different memos run concurrently.
type Queue struct {
	mu       sync.Mutex
	lanes    map[memos.MemoID]*lane
	aliases  map[memos.MemoID]memos.MemoID
	handles  map[string]*Handle
	finished []string
	pending  int
	closed   bool
	stop     chan struct{}
	workers  sync.WaitGroup

	gateway    Gateway
	store      Reconciler
	policy     retry.Policy
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Collector
}

type lane struct {
	queue []*Handle
}

// New constructs a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Gateway == nil {
		return nil, newQueueError(opQueueNew, "missing_gateway", errMissingGateway)
	}
	if cfg.Store == nil {
		return nil, newQueueError(opQueueNew, "missing_store", errMissingStore)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		lanes:      make(map[memos.MemoID]*lane),
		aliases:    make(map[memos.MemoID]memos.MemoID),
		handles:    make(map[string]*Handle),
		stop:       make(chan struct{}),
		gateway:    cfg.Gateway,
		store:      cfg.Store,
		policy:     cfg.Retry,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Submit validates the mutation, applies it optimistically and queues it for the server.
// CREATE ignores target and allocates a provisional id.
func (q *Queue) Submit(kind memos.MutationKind, target memos.MemoID, delta memos.Delta) (*Handle, error) {
	if err := validatePayload(kind, target, delta); err != nil {
		return nil, newQueueError(opQueueSubmit, "invalid_payload", err)
	}
	mutationID, err := q.idProvider.NewID()
	if err != nil {
		return nil, newQueueError(opQueueSubmit, "id_generation", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, newQueueError(opQueueSubmit, "closed", memos.ErrQueueClosed)
	}

	if kind == memos.MutationCreate {
		target = q.store.NewProvisionalID()
	} else {
		target = q.resolveLocked(target)
	}
	if kind == memos.MutationDelete {
		delta = memos.Delta{}
	}
	mutation := memos.PendingMutation{
		ID:          mutationID,
		Kind:        kind,
		Target:      target,
		Delta:       delta,
		SubmittedAt: q.clock(),
		State:       memos.MutationPending,
	}
	if err := q.store.ApplyOptimistic(mutation); err != nil {
		return nil, newQueueError(opQueueSubmit, "rejected", err)
	}

	handle := newHandle(mutation)
	q.handles[mutationID] = handle
	q.pending++
	q.metrics.SetPendingMutations(q.pending)

	current, running := q.lanes[target]
	if !running {
		current = &lane{}
		q.lanes[target] = current
	}
	current.queue = append(current.queue, handle)
	if !running {
		q.workers.Add(1)
		go q.drain(target)
	}

	q.logger.Debug("mutation queued",
		zap.String("mutation_id", mutationID),
		zap.String("kind", string(kind)),
		zap.String("memo_id", target.String()))
	return handle, nil
}

// PendingCount returns the number of mutations not yet confirmed or failed.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Lookup returns the handle of a recent mutation.
func (q *Queue) Lookup(mutationID string) (*Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	handle, ok := q.handles[mutationID]
	return handle, ok
}

// Close stops accepting mutations, rolls back the ones still waiting for their turn and
// waits for in-flight requests to finish. In-flight requests are never cancelled.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.stop)
		for _, waiting := range q.lanes {
			for _, handle := range waiting.queue {
				q.failLocked(handle, newQueueError(opQueueSubmit, "closed", memos.ErrQueueClosed))
			}
			waiting.queue = nil
		}
	}
	q.mu.Unlock()
	q.workers.Wait()
}

func (q *Queue) drain(key memos.MemoID) {
	defer q.workers.Done()
	createFailed := false
	for {
		q.mu.Lock()
		current := q.lanes[key]
		if len(current.queue) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		handle := current.queue[0]
		current.queue = current.queue[1:]
		target := q.resolveLocked(handle.Target())
		if createFailed {
			q.failLocked(handle, fmt.Errorf("%w: %s", memos.ErrDependencyFailed, target))
			q.mu.Unlock()
			continue
		}
		q.mu.Unlock()

		result := q.execute(handle, target)
		if handle.Kind() == memos.MutationCreate {
			if result.err != nil {
				createFailed = true
				continue
			}
			key = q.rekeyLane(key, result.canonical)
		}
	}
}

// rekeyLane moves the rest of a provisional lane under the canonical id once the CREATE is
// confirmed, so later submissions naming either id join the same lane.
func (q *Queue) rekeyLane(provisional, canonical memos.MemoID) memos.MemoID {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aliases[provisional] = canonical
	current := q.lanes[provisional]
	for _, handle := range current.queue {
		handle.retarget(canonical)
	}
	if existing, ok := q.lanes[canonical]; ok {
		existing.queue = append(existing.queue, current.queue...)
		current.queue = nil
		return provisional
	}
	delete(q.lanes, provisional)
	q.lanes[canonical] = current
	return canonical
}

type outcome struct {
	canonical memos.MemoID
	err       error
}

func (q *Queue) execute(handle *Handle, target memos.MemoID) outcome {
	handle.begin(target)
	schedule := q.policy.Schedule()
	for {
		mutation := handle.attempt()
		record, err := q.send(mutation)
		if err == nil {
			canonical := q.store.Confirm(mutation, record)
			handle.retarget(canonical)
			q.settle(handle, memos.MutationConfirmed, nil)
			q.logger.Debug("mutation confirmed",
				zap.String("mutation_id", mutation.ID),
				zap.String("memo_id", canonical.String()))
			return outcome{canonical: canonical}
		}

		retryable := memos.IsTransient(err)
		if memos.IsConflict(err) && mutation.Kind == memos.MutationUpdate {
			retryable = q.refetch(mutation.Target)
		}
		if !retryable {
			q.fail(handle, err)
			return outcome{err: err}
		}
		delay, ok := schedule.Next()
		if !ok {
			q.fail(handle, err)
			return outcome{err: err}
		}
		if memos.IsConflict(err) {
			delay = 0
		}
		q.logger.Debug("retrying mutation",
			zap.String("mutation_id", mutation.ID),
			zap.String("category", memos.Category(err)),
			zap.Duration("delay", delay))
		if !q.wait(delay) {
			closedErr := fmt.Errorf("%w: %w", memos.ErrQueueClosed, err)
			q.fail(handle, closedErr)
			return outcome{err: closedErr}
		}
	}
}

// send issues one request. Requests run detached from any caller context.
func (q *Queue) send(mutation memos.PendingMutation) (memos.MemoRecord, error) {
	ctx := context.Background()
	switch mutation.Kind {
	case memos.MutationCreate:
		return q.gateway.Create(ctx, mutation.Delta)
	case memos.MutationUpdate:
		return q.gateway.Update(ctx, mutation.Target, mutation.Delta)
	case memos.MutationDelete:
		err := q.gateway.Delete(ctx, mutation.Target)
		var remoteErr *memos.RemoteError
		if errors.As(err, &remoteErr) && remoteErr.StatusCode == http.StatusNotFound {
			return memos.MemoRecord{ID: mutation.Target}, nil
		}
		return memos.MemoRecord{ID: mutation.Target}, err
	default:
		return memos.MemoRecord{}, fmt.Errorf("mutations: unsupported kind %q", mutation.Kind)
	}
}

// refetch replaces the confirmed baseline after a conflict and reports whether the
// update is worth retrying.
func (q *Queue) refetch(target memos.MemoID) bool {
	fresh, err := q.gateway.Get(context.Background(), target)
	if err != nil {
		q.logger.Warn("conflict refetch failed", zap.String("memo_id", target.String()), zap.Error(err))
		return false
	}
	q.store.IngestPage([]memos.MemoRecord{fresh})
	return true
}

func (q *Queue) wait(delay time.Duration) bool {
	if delay <= 0 {
		select {
		case <-q.stop:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-q.stop:
		return false
	case <-timer.C:
		return true
	}
}

func (q *Queue) fail(handle *Handle, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failLocked(handle, cause)
}

func (q *Queue) failLocked(handle *Handle, cause error) {
	mutation := handle.Mutation()
	q.store.Rollback(mutation, cause)
	q.logger.Warn("mutation failed",
		zap.String("mutation_id", mutation.ID),
		zap.String("kind", string(mutation.Kind)),
		zap.String("memo_id", mutation.Target.String()),
		zap.String("category", memos.Category(cause)),
		zap.Error(cause))
	q.settleLocked(handle, memos.MutationFailed, cause)
}

func (q *Queue) settle(handle *Handle, state memos.MutationState, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.settleLocked(handle, state, cause)
}

func (q *Queue) settleLocked(handle *Handle, state memos.MutationState, cause error) {
	handle.finish(state, cause)
	q.pending--
	q.metrics.SetPendingMutations(q.pending)
	outcomeLabel := "confirmed"
	if state == memos.MutationFailed {
		outcomeLabel = memos.Category(cause)
	}
	q.metrics.MutationResolved(string(handle.Kind()), outcomeLabel)

	q.finished = append(q.finished, handle.ID())
	if len(q.finished) > maxRetainedHandles {
		delete(q.handles, q.finished[0])
		q.finished = q.finished[1:]
	}
}

func (q *Queue) resolveLocked(id memos.MemoID) memos.MemoID {
	if canonical, ok := q.aliases[id]; ok {
		return canonical
	}
	return id
}

func validatePayload(kind memos.MutationKind, target memos.MemoID, delta memos.Delta) error {
	switch kind {
	case memos.MutationCreate:
		return delta.ValidateCreate()
	case memos.MutationUpdate:
		if target.IsZero() {
			return fmt.Errorf("%w: update requires a target", memos.ErrUnknownTarget)
		}
		return delta.Validate()
	case memos.MutationDelete:
		if target.IsZero() {
			return fmt.Errorf("%w: delete requires a target", memos.ErrUnknownTarget)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported kind %q", memos.ErrInvalidDelta, kind)
	}
}
