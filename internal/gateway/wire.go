package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/memories/internal/memos"
)

const relationTypeComment = "COMMENT"

type listMemosResponse struct {
	Memos         []wireMemo `json:"memos"`
	NextPageToken string     `json:"nextPageToken"`
}

type listAttachmentsResponse struct {
	Attachments []wireAttachment `json:"attachments"`
}

type wireMemo struct {
	Name        string           `json:"name,omitempty"`
	State       string           `json:"state,omitempty"`
	CreateTime  *time.Time       `json:"createTime,omitempty"`
	UpdateTime  *time.Time       `json:"updateTime,omitempty"`
	Content     *string          `json:"content,omitempty"`
	Visibility  string           `json:"visibility,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
	Pinned      *bool            `json:"pinned,omitempty"`
	Attachments []wireAttachment `json:"attachments,omitempty"`
	Reactions   []wireReaction   `json:"reactions,omitempty"`
	Relations   []wireRelation   `json:"relations,omitempty"`
}

type wireAttachment struct {
	Name         string    `json:"name"`
	Filename     string    `json:"filename"`
	Type         string    `json:"type"`
	Size         flexInt64 `json:"size"`
	Memo         string    `json:"memo,omitempty"`
	ExternalLink string    `json:"externalLink,omitempty"`
}

type wireReaction struct {
	Name         string `json:"name"`
	Creator      string `json:"creator"`
	ContentID    string `json:"contentId"`
	ReactionType string `json:"reactionType"`
}

type wireRelation struct {
	Memo        memoRef `json:"memo"`
	RelatedMemo memoRef `json:"relatedMemo"`
	Type        string  `json:"type"`
}

// memoRef accepts both the bare resource name and the {"name": ...} object form.
type memoRef struct {
	Name string
}

func (r *memoRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &r.Name)
	}
	var object struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &object); err != nil {
		return err
	}
	r.Name = object.Name
	return nil
}

// flexInt64 decodes int64 values that protojson renders as strings.
type flexInt64 int64

func (v *flexInt64) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if raw == "" || raw == "null" {
		*v = 0
		return nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("gateway: invalid integer %q: %w", raw, err)
	}
	*v = flexInt64(parsed)
	return nil
}

type wireUser struct {
	Name        string `json:"name"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	AvatarURL   string `json:"avatarUrl"`
}

type currentUserResponse struct {
	wireUser
	User *wireUser `json:"user,omitempty"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// User is the account behind the access token.
type User struct {
	Name        string `json:"name"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	AvatarURL   string `json:"avatar_url"`
}

func (u wireUser) toUser() User {
	return User{
		Name:        u.Name,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Role:        u.Role,
		AvatarURL:   u.AvatarURL,
	}
}

func (m wireMemo) toRecord() (memos.MemoRecord, error) {
	id, err := memos.CanonicalID(m.Name)
	if err != nil {
		return memos.MemoRecord{}, err
	}
	record := memos.MemoRecord{
		ID:         id,
		Tags:       m.Tags,
		State:      memos.State(m.State),
		Visibility: memos.Visibility(m.Visibility),
	}
	if m.Content != nil {
		record.Content = *m.Content
	}
	if m.Pinned != nil {
		record.Pinned = *m.Pinned
	}
	if m.CreateTime != nil {
		record.CreateTime = m.CreateTime.UTC()
	}
	if m.UpdateTime != nil {
		record.UpdateTime = m.UpdateTime.UTC()
	}
	if record.State == "" {
		record.State = memos.StateNormal
	}
	if record.Visibility == "" {
		record.Visibility = memos.VisibilityPrivate
	}
	if record.Tags == nil {
		record.Tags = memos.ExtractTags(record.Content)
	}
	for _, attachment := range m.Attachments {
		record.Attachments = append(record.Attachments, attachment.toRef(id))
	}
	for _, reaction := range m.Reactions {
		record.Reactions = append(record.Reactions, memos.Reaction{
			ID:      lastSegment(reaction.Name),
			Creator: reaction.Creator,
			Type:    reaction.ReactionType,
		})
	}
	for _, relation := range m.Relations {
		if relation.Type != relationTypeComment || relation.RelatedMemo.Name != id.Name() {
			continue
		}
		comment, err := memos.CanonicalID(relation.Memo.Name)
		if err != nil || comment == id {
			continue
		}
		record.Comments = append(record.Comments, comment)
	}
	return record, nil
}

func (a wireAttachment) toRef(owner memos.MemoID) memos.AttachmentRef {
	if a.Memo != "" {
		if parsed, err := memos.CanonicalID(a.Memo); err == nil {
			owner = parsed
		}
	}
	ref := memos.AttachmentRef{
		ID:       lastSegment(a.Name),
		MemoID:   owner,
		Filename: a.Filename,
		MimeType: a.Type,
		Size:     int64(a.Size),
	}
	ref.HasThumbnail = ref.IsImage() && a.ExternalLink == ""
	return ref
}

func deltaToWire(id memos.MemoID, delta memos.Delta) wireMemo {
	payload := wireMemo{Content: delta.Content, Pinned: delta.Pinned}
	if !id.IsZero() {
		payload.Name = id.Name()
	}
	if delta.State != nil {
		payload.State = string(*delta.State)
	}
	if delta.Visibility != nil {
		payload.Visibility = string(*delta.Visibility)
	}
	return payload
}

func lastSegment(name string) string {
	if index := strings.LastIndex(name, "/"); index >= 0 {
		return name[index+1:]
	}
	return name
}
