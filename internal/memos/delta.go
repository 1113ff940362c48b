package memos

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxContentLength = 8192

// ErrInvalidDelta indicates that a mutation payload failed validation.
var ErrInvalidDelta = errors.New("memos: invalid delta")

var deltaValidator = validator.New()

// Delta is a partial memo payload. Nil fields are left untouched.
type Delta struct {
	Content    *string     `json:"content,omitempty" validate:"omitempty,max=8192"`
	Pinned     *bool       `json:"pinned,omitempty"`
	State      *State      `json:"state,omitempty" validate:"omitempty,oneof=NORMAL ARCHIVED"`
	Visibility *Visibility `json:"visibility,omitempty" validate:"omitempty,oneof=PRIVATE PROTECTED PUBLIC"`
}

// ContentDelta builds a delta replacing the memo content.
func ContentDelta(content string) Delta {
	return Delta{Content: &content}
}

// PinnedDelta builds a delta toggling the pinned flag.
func PinnedDelta(pinned bool) Delta {
	return Delta{Pinned: &pinned}
}

// StateDelta builds a delta moving the memo to the given state.
func StateDelta(state State) Delta {
	return Delta{State: &state}
}

// IsEmpty reports whether the delta changes nothing.
func (d Delta) IsEmpty() bool {
	return d.Content == nil && d.Pinned == nil && d.State == nil && d.Visibility == nil
}

// Fields lists the remote field names the delta touches, in update-mask form.
func (d Delta) Fields() []string {
	fields := make([]string, 0, 4)
	if d.Content != nil {
		fields = append(fields, "content")
	}
	if d.Pinned != nil {
		fields = append(fields, "pinned")
	}
	if d.State != nil {
		fields = append(fields, "state")
	}
	if d.Visibility != nil {
		fields = append(fields, "visibility")
	}
	return fields
}

// Apply writes the delta onto record. Tags follow content since the server derives them from it.
func (d Delta) Apply(record *MemoRecord) {
	if d.Content != nil {
		record.Content = *d.Content
		record.Tags = ExtractTags(*d.Content)
	}
	if d.Pinned != nil {
		record.Pinned = *d.Pinned
	}
	if d.State != nil {
		record.State = *d.State
	}
	if d.Visibility != nil {
		record.Visibility = *d.Visibility
	}
}

// Validate checks the delta for an UPDATE.
func (d Delta) Validate() error {
	if d.IsEmpty() {
		return fmt.Errorf("%w: no fields", ErrInvalidDelta)
	}
	if err := deltaValidator.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	return nil
}

// ValidateCreate checks the delta for a CREATE, which requires non-blank content.
func (d Delta) ValidateCreate() error {
	if d.Content == nil || strings.TrimSpace(*d.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidDelta)
	}
	if len(*d.Content) > maxContentLength {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidDelta, maxContentLength)
	}
	return d.Validate()
}
