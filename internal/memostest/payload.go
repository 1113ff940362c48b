package memostest

import (
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/memories/internal/memos"
)

type listResponse struct {
	Memos         []memoPayload `json:"memos"`
	NextPageToken string        `json:"nextPageToken,omitempty"`
}

type memoPayload struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	CreateTime time.Time `json:"createTime"`
	UpdateTime time.Time `json:"updateTime"`
	Content    string    `json:"content"`
	Visibility string    `json:"visibility"`
	Tags       []string  `json:"tags"`
	Pinned     bool      `json:"pinned"`
}

type attachmentPayload struct {
	Name     string `json:"name"`
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Size     string `json:"size"`
	Memo     string `json:"memo"`
}

type patchPayload struct {
	Content    *string `json:"content"`
	Pinned     *bool   `json:"pinned"`
	State      *string `json:"state"`
	Visibility *string `json:"visibility"`
}

func (p *memoPayload) apply(patch patchPayload, mask []string) {
	for _, field := range mask {
		switch field {
		case "content":
			if patch.Content != nil {
				p.Content = *patch.Content
				p.Tags = memos.ExtractTags(p.Content)
			}
		case "pinned":
			if patch.Pinned != nil {
				p.Pinned = *patch.Pinned
			}
		case "state":
			if patch.State != nil {
				p.State = *patch.State
			}
		case "visibility":
			if patch.Visibility != nil {
				p.Visibility = *patch.Visibility
			}
		}
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
}

func (p memoPayload) toRecord() memos.MemoRecord {
	return memos.MemoRecord{
		ID:         memos.MustCanonicalID(p.Name),
		Content:    p.Content,
		CreateTime: p.CreateTime,
		UpdateTime: p.UpdateTime,
		Pinned:     p.Pinned,
		Tags:       slices.Clone(p.Tags),
		State:      memos.State(p.State),
		Visibility: memos.Visibility(p.Visibility),
	}
}

func payloadFromRecord(record memos.MemoRecord) memoPayload {
	state := record.State
	if state == "" {
		state = memos.StateNormal
	}
	visibility := record.Visibility
	if visibility == "" {
		visibility = memos.VisibilityPrivate
	}
	tags := record.Tags
	if tags == nil {
		tags = memos.ExtractTags(record.Content)
	}
	return memoPayload{
		Name:       record.ID.Name(),
		State:      string(state),
		CreateTime: record.CreateTime.UTC(),
		UpdateTime: record.UpdateTime.UTC(),
		Content:    record.Content,
		Visibility: string(visibility),
		Tags:       slices.Clone(tags),
		Pinned:     record.Pinned,
	}
}
