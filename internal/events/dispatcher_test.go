package events

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/memories/internal/memos"
)

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(Change{
		Seq:      1,
		Reason:   ReasonIngest,
		Inserted: []memos.MemoID{memos.MustCanonicalID("a"), memos.MustCanonicalID("b")},
	})

	select {
	case received := <-stream:
		if received.Reason != ReasonIngest {
			t.Fatalf("expected reason %s, got %s", ReasonIngest, received.Reason)
		}
		if len(received.Inserted) != 2 {
			t.Fatalf("expected 2 inserted ids, got %d", len(received.Inserted))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected change within deadline")
	}
}

func TestDispatcherDropsWhenSubscriberIsFull(t *testing.T) {
	dispatcher := NewDispatcher(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(Change{Seq: 1})
	dispatcher.Publish(Change{Seq: 2})

	if dispatcher.Dropped() != 1 {
		t.Fatalf("expected one dropped delivery, got %d", dispatcher.Dropped())
	}
}

func TestDispatcherUnsubscribesOnContextCancel(t *testing.T) {
	dispatcher := NewDispatcher(1)
	ctx, cancel := context.WithCancel(context.Background())

	stream, _ := dispatcher.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("expected closed stream")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected stream to close after cancellation")
	}
	if dispatcher.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", dispatcher.Subscribers())
	}
}

func TestDispatcherCleanupIsIdempotent(t *testing.T) {
	dispatcher := NewDispatcher(1)
	_, cleanup := dispatcher.Subscribe(context.Background())
	cleanup()
	cleanup()
	dispatcher.Close()
	dispatcher.Publish(Change{Seq: 1})
	if dispatcher.Subscribers() != 0 {
		t.Fatalf("expected no subscribers after cleanup")
	}
}

func TestDispatcherCleanupReleasesWatchers(t *testing.T) {
	dispatcher := NewDispatcher(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	before := runtime.NumGoroutine()
	for range 100 {
		_, cleanupBackground := dispatcher.Subscribe(context.Background())
		_, cleanupCancelable := dispatcher.Subscribe(ctx)
		cleanupBackground()
		cleanupCancelable()
	}
	if dispatcher.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", dispatcher.Subscribers())
	}
	if after := runtime.NumGoroutine(); after > before+5 {
		t.Fatalf("expected no watcher goroutines after cleanup, before=%d after=%d", before, after)
	}
}
