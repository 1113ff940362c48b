package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/memories/internal/events"
	"github.com/MarcoPoloResearchLab/memories/internal/memos"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: baseTime}
	st := New(Config{Clock: clock.Now, TombstoneTTL: time.Minute})
	t.Cleanup(st.Close)
	return st, clock
}

func record(uid, content string, updated int) memos.MemoRecord {
	return memos.MemoRecord{
		ID:         memos.MustCanonicalID(uid),
		Content:    content,
		CreateTime: baseTime,
		UpdateTime: baseTime.Add(time.Duration(updated) * time.Second),
		State:      memos.StateNormal,
		Visibility: memos.VisibilityPrivate,
	}
}

func viewIDs(st *Store) []string {
	view := st.View()
	ids := make([]string, 0, len(view))
	for _, item := range view {
		ids = append(ids, item.ID.String())
	}
	return ids
}

func sameIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for index := range got {
		if got[index] != want[index] {
			return false
		}
	}
	return true
}

func mutation(id string, kind memos.MutationKind, target memos.MemoID, delta memos.Delta) memos.PendingMutation {
	return memos.PendingMutation{ID: id, Kind: kind, Target: target, Delta: delta, SubmittedAt: baseTime}
}

func TestIngestPageOrdersByUpdateTimeThenInsertion(t *testing.T) {
	st, _ := newTestStore(t)
	change := st.IngestPage([]memos.MemoRecord{record("a", "x", 1), record("b", "y", 1)})
	if len(change.Inserted) != 2 {
		t.Fatalf("expected two inserted ids, got %+v", change)
	}
	if ids := viewIDs(st); !sameIDs(ids, "a", "b") {
		t.Fatalf("expected stable insertion tie-break, got %v", ids)
	}

	st.IngestPage([]memos.MemoRecord{record("c", "z", 5)})
	if ids := viewIDs(st); !sameIDs(ids, "c", "a", "b") {
		t.Fatalf("expected newest first, got %v", ids)
	}
}

func TestPinnedRecordsSortFirst(t *testing.T) {
	st, _ := newTestStore(t)
	pinned := record("old", "pinned", 1)
	pinned.Pinned = true
	st.IngestPage([]memos.MemoRecord{record("new", "fresh", 9), pinned})
	if ids := viewIDs(st); !sameIDs(ids, "old", "new") {
		t.Fatalf("expected pinned record first, got %v", ids)
	}
}

func TestIngestPageLastWriterWins(t *testing.T) {
	tests := []struct {
		name        string
		incoming    int
		wantContent string
		wantUpdated bool
	}{
		{name: "older-ignored", incoming: 1, wantContent: "current", wantUpdated: false},
		{name: "equal-favors-incoming", incoming: 5, wantContent: "incoming", wantUpdated: true},
		{name: "newer-replaces", incoming: 9, wantContent: "incoming", wantUpdated: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, _ := newTestStore(t)
			st.IngestPage([]memos.MemoRecord{record("a", "current", 5)})
			change := st.IngestPage([]memos.MemoRecord{record("a", "incoming", tt.incoming)})
			got, ok := st.Get(memos.MustCanonicalID("a"))
			if !ok {
				t.Fatalf("expected record to stay visible")
			}
			if got.Content != tt.wantContent {
				t.Fatalf("expected content %q, got %q", tt.wantContent, got.Content)
			}
			if (len(change.Updated) == 1) != tt.wantUpdated {
				t.Fatalf("unexpected change %+v", change)
			}
		})
	}
}

func TestIngestingSamePageTwiceIsIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	page := []memos.MemoRecord{record("a", "x", 1), record("b", "y", 2)}
	st.IngestPage(page)
	before := viewIDs(st)
	change := st.IngestPage(page)
	if !change.IsEmpty() {
		t.Fatalf("expected no diff for repeated page, got %+v", change)
	}
	if after := viewIDs(st); !sameIDs(after, before...) {
		t.Fatalf("view changed on re-ingest: %v vs %v", before, after)
	}
}

func TestCreateConfirmReplacesProvisionalWithoutDuplicate(t *testing.T) {
	st, _ := newTestStore(t)
	st.IngestPage([]memos.MemoRecord{record("a", "first", 1)})
	provisional := st.NewProvisionalID()
	create := mutation("m1", memos.MutationCreate, provisional, memos.ContentDelta("draft #idea"))
	if err := st.ApplyOptimistic(create); err != nil {
		t.Fatalf("apply create: %v", err)
	}
	if got, ok := st.Get(provisional); !ok || got.Content != "draft #idea" || len(got.Tags) != 1 {
		t.Fatalf("expected optimistic record, got %+v ok=%v", got, ok)
	}

	updates, cancel := st.Subscribe(context.Background())
	defer cancel()

	server := record("srv1", "draft #idea", 100)
	canonical := st.Confirm(create, server)
	if canonical != server.ID {
		t.Fatalf("expected canonical id %s, got %s", server.ID, canonical)
	}
	if _, ok := st.Get(provisional); !ok {
		t.Fatalf("expected provisional id to resolve to canonical record")
	}
	if st.Resolve(provisional) != server.ID {
		t.Fatalf("expected alias to canonical id")
	}
	if st.Len() != 2 {
		t.Fatalf("expected two records, got %d", st.Len())
	}

	select {
	case change := <-updates:
		if change.Remapped[provisional] != server.ID {
			t.Fatalf("expected remap in change, got %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected confirm change")
	}

	st.IngestPage([]memos.MemoRecord{server})
	if st.Len() != 2 {
		t.Fatalf("page containing the created memo duplicated it: %v", viewIDs(st))
	}
}

func TestCreateConfirmCollapsesRecordIngestedFirst(t *testing.T) {
	st, _ := newTestStore(t)
	provisional := st.NewProvisionalID()
	create := mutation("m1", memos.MutationCreate, provisional, memos.ContentDelta("hello"))
	if err := st.ApplyOptimistic(create); err != nil {
		t.Fatalf("apply create: %v", err)
	}
	server := record("srv1", "hello", 10)
	st.IngestPage([]memos.MemoRecord{server})
	if st.Len() != 2 {
		t.Fatalf("expected provisional and ingested records before confirm, got %d", st.Len())
	}
	st.Confirm(create, server)
	if ids := viewIDs(st); !sameIDs(ids, "srv1") {
		t.Fatalf("expected a single canonical record, got %v", ids)
	}
}

func TestUpdateConfirmIsNotRevertedByStalePage(t *testing.T) {
	st, _ := newTestStore(t)
	st.IngestPage([]memos.MemoRecord{record("a", "v1", 1)})
	update := mutation("m1", memos.MutationUpdate, memos.MustCanonicalID("a"), memos.ContentDelta("v2"))
	if err := st.ApplyOptimistic(update); err != nil {
		t.Fatalf("apply update: %v", err)
	}
	if got, _ := st.Get(memos.MustCanonicalID("a")); got.Content != "v2" {
		t.Fatalf("expected optimistic content, got %q", got.Content)
	}

	st.Confirm(update, record("a", "v2", 2))
	st.IngestPage([]memos.MemoRecord{record("a", "v1", 1)})
	if got, _ := st.Get(memos.MustCanonicalID("a")); got.Content != "v2" {
		t.Fatalf("stale page reverted confirmed update: %q", got.Content)
	}
}

func TestPendingUpdateSurvivesNewerPage(t *testing.T) {
	st, _ := newTestStore(t)
	st.IngestPage([]memos.MemoRecord{record("a", "v1", 1)})
	update := mutation("m1", memos.MutationUpdate, memos.MustCanonicalID("a"), memos.PinnedDelta(true))
	if err := st.ApplyOptimistic(update); err != nil {
		t.Fatalf("apply update: %v", err)
	}
	st.IngestPage([]memos.MemoRecord{record("a", "from-server", 3)})
	got, _ := st.Get(memos.MustCanonicalID("a"))
	if got.Content != "from-server" || !got.Pinned {
		t.Fatalf("expected server baseline with pending delta applied, got %+v", got)
	}
}

func TestRollbackRestoresConfirmedBaseline(t *testing.T) {
	st, _ := newTestStore(t)
	st.IngestPage([]memos.MemoRecord{record("a", "v1", 1)})
	updates, cancel := st.Subscribe(context.Background())
	defer cancel()

	update := mutation("m1", memos.MutationUpdate, memos.MustCanonicalID("a"), memos.ContentDelta("v2"))
	if err := st.ApplyOptimistic(update); err != nil {
		t.Fatalf("apply update: %v", err)
	}
	<-updates

	cause := &memos.RemoteError{Op: "update", StatusCode: 400, Message: "bad"}
	st.Rollback(update, cause)
	if got, _ := st.Get(memos.MustCanonicalID("a")); got.Content != "v1" {
		t.Fatalf("expected rollback to v1, got %q", got.Content)
	}
	change := <-updates
	if change.Failure == nil || change.Failure.MutationID != "m1" || change.Failure.Category != memos.CategoryRemote {
		t.Fatalf("expected failure on rollback change, got %+v", change)
	}
}

func TestDeleteTombstoneBlocksStalePage(t *testing.T) {
	st, clock := newTestStore(t)
	st.IngestPage([]memos.MemoRecord{record("a", "v1", 1), record("b", "v1", 1)})
	target := memos.MustCanonicalID("a")
	remove := mutation("m1", memos.MutationDelete, target, memos.Delta{})
	if err := st.ApplyOptimistic(remove); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	if _, ok := st.Get(target); ok {
		t.Fatalf("expected record hidden while delete pending")
	}

	st.IngestPage([]memos.MemoRecord{record("a", "v1", 1)})
	if _, ok := st.Get(target); ok {
		t.Fatalf("stale page resurrected pending delete")
	}

	st.Confirm(remove, memos.MemoRecord{})
	clock.Advance(30 * time.Second)
	st.IngestPage([]memos.MemoRecord{record("a", "v1", 1)})
	if _, ok := st.Get(target); ok {
		t.Fatalf("stale page resurrected confirmed delete within tombstone window")
	}
	if remaining := st.CollectTombstones(); remaining != 1 {
		t.Fatalf("expected live tombstone, got %d", remaining)
	}

	clock.Advance(time.Minute)
	if remaining := st.CollectTombstones(); remaining != 0 {
		t.Fatalf("expected tombstone to expire, got %d", remaining)
	}
}

func TestDeleteRollbackRestoresRecord(t *testing.T) {
	st, _ := newTestStore(t)
	st.IngestPage([]memos.MemoRecord{record("a", "v1", 1), record("b", "v1", 1)})
	target := memos.MustCanonicalID("a")
	remove := mutation("m1", memos.MutationDelete, target, memos.Delta{})
	if err := st.ApplyOptimistic(remove); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	st.IngestPage([]memos.MemoRecord{record("a", "v3", 3)})
	st.Rollback(remove, errors.New("boom"))
	got, ok := st.Get(target)
	if !ok {
		t.Fatalf("expected record restored")
	}
	if got.Content != "v3" {
		t.Fatalf("expected freshest confirmed content after rollback, got %q", got.Content)
	}
}

func TestSnapshotHoldsOnlyConfirmedRecords(t *testing.T) {
	st, _ := newTestStore(t)
	st.IngestPage([]memos.MemoRecord{record("a", "server-v1", 0), record("b", "keep", 0)})

	draft := mutation("m1", memos.MutationUpdate, memos.MustCanonicalID("a"), memos.ContentDelta("draft"))
	draft.SubmittedAt = baseTime.Add(time.Hour)
	if err := st.ApplyOptimistic(draft); err != nil {
		t.Fatalf("apply update: %v", err)
	}
	if err := st.ApplyOptimistic(mutation("m2", memos.MutationDelete, memos.MustCanonicalID("b"), memos.Delta{})); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	provisional := st.NewProvisionalID()
	if err := st.ApplyOptimistic(mutation("m3", memos.MutationCreate, provisional, memos.ContentDelta("unsent"))); err != nil {
		t.Fatalf("apply create: %v", err)
	}

	snapshot := st.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected two confirmed records, got %+v", snapshot)
	}
	for _, item := range snapshot {
		if !item.ID.IsCanonical() {
			t.Fatalf("local-only record %s leaked into snapshot", item.ID)
		}
		if item.ID == memos.MustCanonicalID("a") && (item.Content != "server-v1" || !item.UpdateTime.Equal(baseTime)) {
			t.Fatalf("expected confirmed baseline for a, got %+v", item)
		}
	}

	reloaded, _ := newTestStore(t)
	reloaded.IngestPage(snapshot)
	newer := record("a", "server-v2", 0)
	newer.UpdateTime = baseTime.Add(30 * time.Minute)
	reloaded.IngestPage([]memos.MemoRecord{newer})
	if got, _ := reloaded.Get(memos.MustCanonicalID("a")); got.Content != "server-v2" {
		t.Fatalf("expected newer server record to win after reload, got %q", got.Content)
	}
	if _, ok := reloaded.Get(memos.MustCanonicalID("b")); !ok {
		t.Fatalf("expected record behind an unresolved delete to survive reload")
	}
}

func TestOptimisticMutationOnUnknownTargetFails(t *testing.T) {
	st, _ := newTestStore(t)
	err := st.ApplyOptimistic(mutation("m1", memos.MutationUpdate, memos.MustCanonicalID("missing"), memos.PinnedDelta(true)))
	if !errors.Is(err, memos.ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
	if st.Len() != 0 {
		t.Fatalf("failed mutation must not change the view")
	}
}

func TestSweepRemovesAbsentRecordsExceptCovered(t *testing.T) {
	st, _ := newTestStore(t)
	st.IngestPage([]memos.MemoRecord{record("a", "x", 1), record("b", "y", 1), record("c", "z", 1)})
	update := mutation("m1", memos.MutationUpdate, memos.MustCanonicalID("c"), memos.PinnedDelta(true))
	if err := st.ApplyOptimistic(update); err != nil {
		t.Fatalf("apply update: %v", err)
	}

	st.BeginSweep()
	st.IngestPage([]memos.MemoRecord{record("a", "x", 1)})
	change := st.CompleteSweep()
	if len(change.Removed) != 1 || change.Removed[0] != memos.MustCanonicalID("b") {
		t.Fatalf("expected only b removed, got %+v", change)
	}
	if ids := viewIDs(st); !sameIDs(ids, "c", "a") {
		t.Fatalf("unexpected view after sweep: %v", ids)
	}
}

func TestAbortedSweepRemovesNothing(t *testing.T) {
	st, _ := newTestStore(t)
	st.IngestPage([]memos.MemoRecord{record("a", "x", 1), record("b", "y", 1)})
	st.BeginSweep()
	st.IngestPage([]memos.MemoRecord{record("a", "x", 1)})
	st.AbortSweep()
	if change := st.CompleteSweep(); !change.IsEmpty() {
		t.Fatalf("expected no-op completion after abort, got %+v", change)
	}
	if st.Len() != 2 {
		t.Fatalf("expected both records kept, got %d", st.Len())
	}
}

func TestConfirmUnknownMutationPanics(t *testing.T) {
	st, _ := newTestStore(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for unknown mutation")
		}
	}()
	st.Confirm(mutation("ghost", memos.MutationUpdate, memos.MustCanonicalID("a"), memos.PinnedDelta(true)), memos.MemoRecord{})
}

func TestChangeSequenceIsContiguous(t *testing.T) {
	st, _ := newTestStore(t)
	updates, cancel := st.Subscribe(context.Background())
	defer cancel()
	st.IngestPage([]memos.MemoRecord{record("a", "x", 1)})
	st.IngestPage([]memos.MemoRecord{record("b", "y", 1)})

	var previous uint64
	for range 2 {
		var change events.Change
		select {
		case change = <-updates:
		case <-time.After(time.Second):
			t.Fatalf("expected change")
		}
		if change.Seq != previous+1 {
			t.Fatalf("expected seq %d, got %d", previous+1, change.Seq)
		}
		previous = change.Seq
	}
}
