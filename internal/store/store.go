package store

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/memories/internal/events"
	"github.com/MarcoPoloResearchLab/memories/internal/memos"
	"github.com/MarcoPoloResearchLab/memories/internal/metrics"
	"go.uber.org/zap"
)

// DefaultTombstoneTTL is how long a confirmed delete keeps absorbing stale pages.
const DefaultTombstoneTTL = 2 * time.Minute

var noOpLogger = zap.NewNop()

// Config describes the dependencies of a Store.
type Config struct {
	Clock        func() time.Time
	TombstoneTTL time.Duration
	EventBuffer  int
	Logger       *zap.Logger
	Metrics      *metrics.Collector
}

// Store is the single owner of the id to record mapping. Every read and write goes
// through its methods, which serialize on one mutex.
type Store struct {
	mu             sync.Mutex
	entries        map[memos.MemoID]*entry
	tombstones     map[memos.MemoID]*tombstone
	applied        map[string]appliedMutation
	aliases        map[memos.MemoID]memos.MemoID
	sweep          *sweepState
	ordered        []*entry
	needsSort      bool
	insertSeq      uint64
	provisionalSeq uint64
	changeSeq      uint64

	dispatcher   *events.Dispatcher
	clock        func() time.Time
	tombstoneTTL time.Duration
	logger       *zap.Logger
	metrics      *metrics.Collector
}

// entry keeps the last server-confirmed record (or the local CREATE payload) and the
// optimistic deltas still awaiting resolution. view is always base plus deltas.
type entry struct {
	id        memos.MemoID
	confirmed *memos.MemoRecord
	local     *memos.MemoRecord
	deltas    []pendingDelta
	view      memos.MemoRecord
	inserted  uint64
}

type pendingDelta struct {
	mutationID  string
	delta       memos.Delta
	submittedAt time.Time
}

// tombstone hides a deleted id from ingestion. While the DELETE is unresolved it keeps
// the entry for rollback; once confirmed it expires after the tombstone TTL.
type tombstone struct {
	mutationID string
	pending    bool
	entry      *entry
	expiresAt  time.Time
}

type appliedMutation struct {
	kind   memos.MutationKind
	target memos.MemoID
}

type sweepState struct {
	known map[memos.MemoID]struct{}
	seen  map[memos.MemoID]struct{}
}

// New constructs an empty Store.
func New(cfg Config) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.TombstoneTTL
	if ttl <= 0 {
		ttl = DefaultTombstoneTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		entries:      make(map[memos.MemoID]*entry),
		tombstones:   make(map[memos.MemoID]*tombstone),
		applied:      make(map[string]appliedMutation),
		aliases:      make(map[memos.MemoID]memos.MemoID),
		dispatcher:   events.NewDispatcher(cfg.EventBuffer),
		clock:        clock,
		tombstoneTTL: ttl,
		logger:       logger,
		metrics:      cfg.Metrics,
	}
}

// NewProvisionalID allocates the placeholder id for a local CREATE.
func (s *Store) NewProvisionalID() memos.MemoID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisionalSeq++
	return memos.ProvisionalID(s.provisionalSeq)
}

// Subscribe streams the change events of every transition.
func (s *Store) Subscribe(ctx context.Context) (<-chan events.Change, func()) {
	return s.dispatcher.Subscribe(ctx)
}

// Close releases every subscriber.
func (s *Store) Close() {
	s.dispatcher.Close()
}

// IngestPage merges server-confirmed entries using last-writer-wins on update time.
// Equal update times favor the incoming entry.
func (s *Store) IngestPage(records []memos.MemoRecord) events.Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireTombstonesLocked(s.clock())
	change := events.Change{Reason: events.ReasonIngest}
	for _, incoming := range records {
		id := incoming.ID
		if !id.IsCanonical() {
			s.logger.Warn("ingest skipped entry without canonical id", zap.String("memo_id", id.String()))
			continue
		}
		if s.sweep != nil {
			s.sweep.seen[id] = struct{}{}
		}

		if stone, ok := s.tombstones[id]; ok {
			if stone.pending && stone.entry != nil {
				stone.entry.adoptConfirmed(incoming)
			}
			continue
		}

		existing, ok := s.entries[id]
		if !ok {
			created := &entry{id: id, inserted: s.nextInsertSeqLocked()}
			record := incoming.Clone()
			created.confirmed = &record
			created.recompute()
			s.entries[id] = created
			change.Inserted = append(change.Inserted, id)
			s.needsSort = true
			continue
		}

		before := existing.view
		if !existing.adoptConfirmed(incoming) {
			s.logger.Debug("ingest ignored stale entry",
				zap.String("memo_id", id.String()),
				zap.Time("incoming_update_time", incoming.UpdateTime))
			continue
		}
		existing.recompute()
		if !reflect.DeepEqual(before, existing.view) {
			change.Updated = append(change.Updated, id)
			s.needsSort = true
		}
	}
	return s.publishLocked(change)
}

// BeginSweep starts an authoritative full refresh. Ids known now and absent from every
// page ingested before CompleteSweep are removed unless a mutation still covers them.
func (s *Store) BeginSweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[memos.MemoID]struct{}, len(s.entries))
	for id := range s.entries {
		if id.IsCanonical() {
			known[id] = struct{}{}
		}
	}
	s.sweep = &sweepState{known: known, seen: make(map[memos.MemoID]struct{})}
}

// CompleteSweep ends the sweep and removes records the server no longer lists.
func (s *Store) CompleteSweep() events.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	change := events.Change{Reason: events.ReasonSweep}
	if s.sweep == nil {
		return change
	}
	sweep := s.sweep
	s.sweep = nil

	covered := make(map[memos.MemoID]struct{}, len(s.applied))
	for _, mutation := range s.applied {
		covered[mutation.target] = struct{}{}
	}
	for id := range sweep.known {
		if _, ok := sweep.seen[id]; ok {
			continue
		}
		if _, ok := covered[id]; ok {
			continue
		}
		if _, ok := s.entries[id]; !ok {
			continue
		}
		delete(s.entries, id)
		change.Removed = append(change.Removed, id)
		s.needsSort = true
	}
	return s.publishLocked(change)
}

// AbortSweep discards an unfinished sweep without removing anything.
func (s *Store) AbortSweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep = nil
}

// Sweeping reports whether a full refresh is in progress.
func (s *Store) Sweeping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweep != nil
}

// ApplyOptimistic reflects a submitted mutation in the view before the server confirms it.
func (s *Store) ApplyOptimistic(mutation memos.PendingMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.applied[mutation.ID]; exists {
		return fmt.Errorf("store: mutation %s already applied", mutation.ID)
	}
	target := s.resolveLocked(mutation.Target)
	submittedAt := mutation.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = s.clock()
	}

	change := events.Change{Reason: events.ReasonOptimistic}
	switch mutation.Kind {
	case memos.MutationCreate:
		if !target.IsProvisional() {
			return fmt.Errorf("%w: create requires a provisional id, got %q", memos.ErrUnknownTarget, target)
		}
		if _, exists := s.entries[target]; exists {
			return fmt.Errorf("store: provisional id %s already in use", target)
		}
		local := memos.MemoRecord{
			ID:         target,
			CreateTime: submittedAt,
			UpdateTime: submittedAt,
			State:      memos.StateNormal,
			Visibility: memos.VisibilityPrivate,
		}
		mutation.Delta.Apply(&local)
		created := &entry{id: target, local: &local, inserted: s.nextInsertSeqLocked()}
		created.recompute()
		s.entries[target] = created
		change.Inserted = []memos.MemoID{target}
	case memos.MutationUpdate:
		existing, ok := s.entries[target]
		if !ok {
			return fmt.Errorf("%w: %s", memos.ErrUnknownTarget, target)
		}
		existing.deltas = append(existing.deltas, pendingDelta{
			mutationID:  mutation.ID,
			delta:       mutation.Delta,
			submittedAt: submittedAt,
		})
		existing.recompute()
		change.Updated = []memos.MemoID{target}
	case memos.MutationDelete:
		existing, ok := s.entries[target]
		if !ok {
			return fmt.Errorf("%w: %s", memos.ErrUnknownTarget, target)
		}
		delete(s.entries, target)
		s.tombstones[target] = &tombstone{mutationID: mutation.ID, pending: true, entry: existing}
		change.Removed = []memos.MemoID{target}
	default:
		return fmt.Errorf("store: unsupported mutation kind %q", mutation.Kind)
	}

	s.applied[mutation.ID] = appliedMutation{kind: mutation.Kind, target: target}
	s.needsSort = true
	s.publishLocked(change)
	return nil
}

// Confirm folds the server's answer for an optimistic mutation into the store and returns
// the memo's canonical id. Confirming a mutation the store never applied panics.
func (s *Store) Confirm(mutation memos.PendingMutation, server memos.MemoRecord) memos.MemoID {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := s.takeAppliedLocked(mutation.ID, "confirm")
	change := events.Change{Reason: events.ReasonConfirm}
	resolved := applied.target

	switch applied.kind {
	case memos.MutationCreate:
		resolved = s.remapLocked(applied.target, server, &change)
	case memos.MutationUpdate:
		if existing := s.lookupLocked(applied.target); existing != nil {
			existing.dropDelta(mutation.ID)
			if server.ID == applied.target {
				existing.adoptConfirmed(server)
			}
			existing.recompute()
			if _, visible := s.entries[applied.target]; visible {
				change.Updated = []memos.MemoID{applied.target}
			}
			s.needsSort = true
		}
	case memos.MutationDelete:
		stone, ok := s.tombstones[applied.target]
		if !ok || !stone.pending || stone.mutationID != mutation.ID {
			invariantViolation("delete %s confirmed without its pending tombstone", mutation.ID)
		}
		stone.pending = false
		stone.entry = nil
		stone.expiresAt = s.clock().Add(s.tombstoneTTL)
	}
	s.publishLocked(change)
	return resolved
}

// Rollback reverts an optimistic mutation after a terminal failure and publishes the failure.
func (s *Store) Rollback(mutation memos.PendingMutation, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := s.takeAppliedLocked(mutation.ID, "rollback")
	change := events.Change{
		Reason: events.ReasonRollback,
		Failure: &events.MutationFailure{
			MutationID: mutation.ID,
			Kind:       applied.kind,
			Target:     applied.target,
			Category:   memos.Category(cause),
			Err:        cause,
		},
	}

	switch applied.kind {
	case memos.MutationCreate:
		if _, ok := s.entries[applied.target]; ok {
			delete(s.entries, applied.target)
			change.Removed = []memos.MemoID{applied.target}
			s.needsSort = true
		}
		delete(s.tombstones, applied.target)
	case memos.MutationUpdate:
		if existing := s.lookupLocked(applied.target); existing != nil {
			existing.dropDelta(mutation.ID)
			existing.recompute()
			if _, visible := s.entries[applied.target]; visible {
				change.Updated = []memos.MemoID{applied.target}
				s.needsSort = true
			}
		}
	case memos.MutationDelete:
		stone, ok := s.tombstones[applied.target]
		if ok && stone.pending && stone.mutationID == mutation.ID {
			delete(s.tombstones, applied.target)
			stone.entry.recompute()
			s.entries[applied.target] = stone.entry
			change.Inserted = []memos.MemoID{applied.target}
			s.needsSort = true
		}
	}
	s.publishLocked(change)
}

// CollectTombstones drops confirmed tombstones whose window has passed and returns how many remain.
func (s *Store) CollectTombstones() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireTombstonesLocked(s.clock())
	s.metrics.SetTombstones(len(s.tombstones))
	return len(s.tombstones)
}

// View returns the reconciled view: pinned first, then newest update, then insertion order.
func (s *Store) View() []memos.MemoRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sortLocked()
	view := make([]memos.MemoRecord, 0, len(s.ordered))
	for _, item := range s.ordered {
		view = append(view, item.view.Clone())
	}
	return view
}

// Snapshot exports the server-confirmed records in display order for external caches.
// Pending deltas are left out and records that exist only locally are skipped, so a
// reloaded snapshot never outranks the server. Memos hidden by an unresolved delete are
// still confirmed and are kept.
func (s *Store) Snapshot() []memos.MemoRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	confirmed := make([]*entry, 0, len(s.entries)+len(s.tombstones))
	for _, item := range s.entries {
		if item.confirmed != nil {
			confirmed = append(confirmed, &entry{view: *item.confirmed, inserted: item.inserted})
		}
	}
	for _, stone := range s.tombstones {
		if stone.pending && stone.entry.confirmed != nil {
			confirmed = append(confirmed, &entry{view: *stone.entry.confirmed, inserted: stone.entry.inserted})
		}
	}
	slices.SortFunc(confirmed, compareEntries)
	records := make([]memos.MemoRecord, 0, len(confirmed))
	for _, item := range confirmed {
		records = append(records, item.view.Clone())
	}
	return records
}

// Get returns the visible record for id, following provisional-to-canonical remaps.
func (s *Store) Get(id memos.MemoID) (memos.MemoRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.entries[s.resolveLocked(id)]
	if !ok {
		return memos.MemoRecord{}, false
	}
	return existing.view.Clone(), true
}

// Resolve maps a provisional id to its canonical replacement once the CREATE is confirmed.
func (s *Store) Resolve(id memos.MemoID) memos.MemoID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(id)
}

// Len returns the number of visible records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ActivityCounts returns the memos created per day across the visible records.
func (s *Store) ActivityCounts() map[string]int {
	return memos.ActivityCounts(s.View())
}

func (s *Store) remapLocked(provisional memos.MemoID, server memos.MemoRecord, change *events.Change) memos.MemoID {
	canonical := server.ID
	if !canonical.IsCanonical() {
		invariantViolation("create of %s confirmed without a canonical id", provisional)
	}
	created := s.lookupLocked(provisional)
	if created == nil {
		invariantViolation("create of %s confirmed after its record vanished", provisional)
	}

	record := server.Clone()
	if duplicate, ok := s.entries[canonical]; ok && duplicate != created {
		// A page delivered the new memo before the create response did.
		if duplicate.confirmed != nil && duplicate.confirmed.UpdateTime.After(record.UpdateTime) {
			record = duplicate.confirmed.Clone()
		}
		delete(s.entries, canonical)
	}
	created.id = canonical
	created.local = nil
	created.confirmed = &record
	created.recompute()

	if _, visible := s.entries[provisional]; visible {
		delete(s.entries, provisional)
		s.entries[canonical] = created
		change.Updated = []memos.MemoID{canonical}
	} else if stone, ok := s.tombstones[provisional]; ok {
		delete(s.tombstones, provisional)
		s.tombstones[canonical] = stone
	}
	if s.sweep != nil {
		s.sweep.seen[canonical] = struct{}{}
	}

	s.aliases[provisional] = canonical
	for mutationID, applied := range s.applied {
		if applied.target == provisional {
			applied.target = canonical
			s.applied[mutationID] = applied
		}
	}
	change.Remapped = map[memos.MemoID]memos.MemoID{provisional: canonical}
	s.needsSort = true
	return canonical
}

func (s *Store) takeAppliedLocked(mutationID, operation string) appliedMutation {
	applied, ok := s.applied[mutationID]
	if !ok {
		invariantViolation("%s of unknown mutation %q", operation, mutationID)
	}
	delete(s.applied, mutationID)
	return applied
}

// lookupLocked finds an entry whether visible or hidden behind a pending delete.
func (s *Store) lookupLocked(id memos.MemoID) *entry {
	if existing, ok := s.entries[id]; ok {
		return existing
	}
	if stone, ok := s.tombstones[id]; ok && stone.pending {
		return stone.entry
	}
	return nil
}

func (s *Store) resolveLocked(id memos.MemoID) memos.MemoID {
	if canonical, ok := s.aliases[id]; ok {
		return canonical
	}
	return id
}

func (s *Store) expireTombstonesLocked(now time.Time) {
	for id, stone := range s.tombstones {
		if !stone.pending && !now.Before(stone.expiresAt) {
			delete(s.tombstones, id)
		}
	}
}

func (s *Store) nextInsertSeqLocked() uint64 {
	s.insertSeq++
	return s.insertSeq
}

func (s *Store) sortLocked() {
	if !s.needsSort && len(s.ordered) == len(s.entries) {
		return
	}
	ordered := make([]*entry, 0, len(s.entries))
	for _, item := range s.entries {
		ordered = append(ordered, item)
	}
	slices.SortFunc(ordered, compareEntries)
	s.ordered = ordered
	s.needsSort = false
}

func (s *Store) publishLocked(change events.Change) events.Change {
	s.metrics.SetViewSize(len(s.entries))
	s.metrics.SetTombstones(len(s.tombstones))
	if change.IsEmpty() && change.Reason != events.ReasonConfirm {
		return change
	}
	s.changeSeq++
	change.Seq = s.changeSeq
	change.Timestamp = s.clock()
	s.dispatcher.Publish(change)
	return change
}

func compareEntries(left, right *entry) int {
	if left.view.Pinned != right.view.Pinned {
		if left.view.Pinned {
			return -1
		}
		return 1
	}
	if cmp := right.view.UpdateTime.Compare(left.view.UpdateTime); cmp != 0 {
		return cmp
	}
	switch {
	case left.inserted < right.inserted:
		return -1
	case left.inserted > right.inserted:
		return 1
	default:
		return 0
	}
}

// adoptConfirmed replaces the confirmed baseline unless incoming is older. It reports
// whether the baseline changed.
func (e *entry) adoptConfirmed(incoming memos.MemoRecord) bool {
	if e.confirmed != nil && incoming.UpdateTime.Before(e.confirmed.UpdateTime) {
		return false
	}
	record := incoming.Clone()
	e.confirmed = &record
	return true
}

func (e *entry) dropDelta(mutationID string) {
	e.deltas = slices.DeleteFunc(e.deltas, func(pending pendingDelta) bool {
		return pending.mutationID == mutationID
	})
}

func (e *entry) recompute() {
	base := e.confirmed
	if base == nil {
		base = e.local
	}
	view := base.Clone()
	for _, pending := range e.deltas {
		pending.delta.Apply(&view)
		if pending.submittedAt.After(view.UpdateTime) {
			view.UpdateTime = pending.submittedAt
		}
	}
	view.ID = e.id
	e.view = view
}

func invariantViolation(format string, args ...any) {
	panic(fmt.Sprintf("store: invariant violation: "+format, args...))
}
