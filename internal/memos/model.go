package memos

import (
	"slices"
	"strings"
	"time"
	"unicode"
)

// State enumerates the lifecycle states of a memo.
type State string

const (
	// StateNormal is a visible, active memo.
	StateNormal State = "NORMAL"
	// StateArchived is a memo moved to the archive.
	StateArchived State = "ARCHIVED"
	// StateDeleted marks a memo removed on the server.
	StateDeleted State = "DELETED"
)

// Visibility enumerates who can read a memo.
type Visibility string

const (
	// VisibilityPrivate restricts a memo to its creator.
	VisibilityPrivate Visibility = "PRIVATE"
	// VisibilityProtected shares a memo with signed-in users.
	VisibilityProtected Visibility = "PROTECTED"
	// VisibilityPublic shares a memo with everyone.
	VisibilityPublic Visibility = "PUBLIC"
)

// AttachmentRef describes a file attached to a memo. It is owned by exactly one MemoRecord.
type AttachmentRef struct {
	ID           string `json:"id"`
	MemoID       MemoID `json:"memo_id"`
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	HasThumbnail bool   `json:"has_thumbnail"`
}

// IsImage reports whether the attachment carries an image payload.
func (a AttachmentRef) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// Reaction is an emoji reaction left on a memo.
type Reaction struct {
	ID      string `json:"id"`
	Creator string `json:"creator"`
	Type    string `json:"type"`
}

// MemoRecord is the client-side representation of a memo.
type MemoRecord struct {
	ID          MemoID          `json:"id"`
	Content     string          `json:"content"`
	CreateTime  time.Time       `json:"create_time"`
	UpdateTime  time.Time       `json:"update_time"`
	Pinned      bool            `json:"pinned"`
	Tags        []string        `json:"tags"`
	Attachments []AttachmentRef `json:"attachments"`
	Reactions   []Reaction      `json:"reactions"`
	Comments    []MemoID        `json:"comments"`
	State       State           `json:"state"`
	Visibility  Visibility      `json:"visibility"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (r MemoRecord) Clone() MemoRecord {
	clone := r
	clone.Tags = slices.Clone(r.Tags)
	clone.Attachments = slices.Clone(r.Attachments)
	clone.Reactions = slices.Clone(r.Reactions)
	clone.Comments = slices.Clone(r.Comments)
	return clone
}

// ExtractTags returns the distinct "#tag" tokens of content in order of appearance.
// Headings ("# title", "## title") are not tags.
func ExtractTags(content string) []string {
	var tags []string
	seen := make(map[string]struct{})
	for _, token := range strings.FieldsFunc(content, unicode.IsSpace) {
		if len(token) < 2 || token[0] != '#' || token[1] == '#' {
			continue
		}
		tag := strings.TrimRightFunc(token[1:], func(r rune) bool {
			return unicode.IsPunct(r) && r != '_' && r != '-' && r != '/'
		})
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}
