package memos

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"
)

func TestCanonicalIDStripsResourcePrefix(t *testing.T) {
	id, err := CanonicalID("  memos/abc123 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.UID() != "abc123" || id.Name() != "memos/abc123" {
		t.Fatalf("unexpected id rendering uid=%q name=%q", id.UID(), id.Name())
	}
	if !id.IsCanonical() || id.IsProvisional() {
		t.Fatalf("expected canonical id")
	}
}

func TestCanonicalIDRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: "  "},
		{name: "prefix-only", input: "memos/"},
		{name: "nested", input: "memos/a/b"},
		{name: "provisional-form", input: "local:3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CanonicalID(tt.input); !errors.Is(err, ErrInvalidMemoID) {
				t.Fatalf("expected ErrInvalidMemoID, got %v", err)
			}
		})
	}
}

func TestParseMemoIDReversesString(t *testing.T) {
	for _, id := range []MemoID{ProvisionalID(7), MustCanonicalID("xyz")} {
		parsed, err := ParseMemoID(id.String())
		if err != nil {
			t.Fatalf("parse %q: %v", id.String(), err)
		}
		if parsed != id {
			t.Fatalf("round trip mismatch: %#v vs %#v", parsed, id)
		}
	}
	if _, err := ParseMemoID("local:0"); !errors.Is(err, ErrInvalidMemoID) {
		t.Fatalf("expected zero provisional sequence to be rejected, got %v", err)
	}
}

func TestProvisionalAndCanonicalNeverCollide(t *testing.T) {
	provisional := ProvisionalID(1)
	canonical := MustCanonicalID("1")
	if provisional == canonical {
		t.Fatalf("variants must not compare equal")
	}
	if provisional.Name() != "" {
		t.Fatalf("provisional ids have no resource name")
	}
}

func TestExtractTags(t *testing.T) {
	tags := ExtractTags("# Heading\nbuy milk #groceries #home/kitchen, #groceries again ##nope #")
	expected := []string{"groceries", "home/kitchen"}
	if !slices.Equal(tags, expected) {
		t.Fatalf("unexpected tags %v", tags)
	}
}

func TestDeltaApplyUpdatesTagsWithContent(t *testing.T) {
	record := MemoRecord{Content: "old #a", Tags: []string{"a"}}
	delta := ContentDelta("new #b")
	delta.Pinned = new(bool)
	*delta.Pinned = true
	delta.Apply(&record)
	if record.Content != "new #b" || !record.Pinned {
		t.Fatalf("delta not applied: %#v", record)
	}
	if !slices.Equal(record.Tags, []string{"b"}) {
		t.Fatalf("expected tags to follow content, got %v", record.Tags)
	}
	if fields := delta.Fields(); !slices.Equal(fields, []string{"content", "pinned"}) {
		t.Fatalf("unexpected update mask %v", fields)
	}
}

func TestDeltaValidation(t *testing.T) {
	bogusState := State("GONE")
	bogusVisibility := Visibility("SECRET")
	tests := []struct {
		name      string
		delta     Delta
		create    bool
		expectErr bool
	}{
		{name: "empty-update", delta: Delta{}, expectErr: true},
		{name: "content-update", delta: ContentDelta("x")},
		{name: "bad-state", delta: Delta{State: &bogusState}, expectErr: true},
		{name: "bad-visibility", delta: Delta{Visibility: &bogusVisibility}, expectErr: true},
		{name: "archive", delta: StateDelta(StateArchived)},
		{name: "create-blank", delta: ContentDelta("   "), create: true, expectErr: true},
		{name: "create-pinned-only", delta: PinnedDelta(true), create: true, expectErr: true},
		{name: "create-ok", delta: ContentDelta("hello"), create: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.create {
				err = tt.delta.ValidateCreate()
			} else {
				err = tt.delta.Validate()
			}
			if tt.expectErr && !errors.Is(err, ErrInvalidDelta) {
				t.Fatalf("expected ErrInvalidDelta, got %v", err)
			}
			if !tt.expectErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCategoryClassification(t *testing.T) {
	conflict := &ConflictError{RemoteError: RemoteError{Op: "update", StatusCode: 409}}
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "auth", err: fmt.Errorf("wrapped: %w", &AuthError{Op: "list", StatusCode: 401}), expected: CategoryAuth},
		{name: "transient", err: &TransientError{Op: "list", Category: CategoryTimeout}, expected: CategoryTimeout},
		{name: "conflict", err: conflict, expected: CategoryConflict},
		{name: "remote", err: &RemoteError{Op: "create", StatusCode: 500}, expected: CategoryRemote},
		{name: "dependency", err: ErrDependencyFailed, expected: CategoryDependency},
		{name: "unknown", err: errors.New("boom"), expected: CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Category(tt.err); got != tt.expected {
				t.Fatalf("expected %q, got %q", tt.expected, got)
			}
		})
	}

	var remoteErr *RemoteError
	if !errors.As(conflict, &remoteErr) || remoteErr.StatusCode != 409 {
		t.Fatalf("conflict errors must unwrap to RemoteError")
	}
}

func TestActivityCounts(t *testing.T) {
	day := time.Date(2025, 3, 4, 23, 30, 0, 0, time.UTC)
	records := []MemoRecord{
		{CreateTime: day},
		{CreateTime: day.Add(10 * time.Minute)},
		{CreateTime: day.Add(2 * time.Hour)},
		{},
	}
	counts := ActivityCounts(records)
	if counts["2025-03-04"] != 2 || counts["2025-03-05"] != 1 || len(counts) != 2 {
		t.Fatalf("unexpected counts %v", counts)
	}
}
