package bridge

import (
	"io"
	"maps"
	"time"

	"github.com/MarcoPoloResearchLab/memories/internal/events"
	"github.com/MarcoPoloResearchLab/memories/internal/memos"
	"github.com/gin-gonic/gin"
)

const (
	eventReady     = "ready"
	eventChange    = "change"
	eventHeartbeat = "heartbeat"
)

type changePayload struct {
	Seq       uint64                        `json:"seq"`
	Reason    string                        `json:"reason"`
	Inserted  []memos.MemoID                `json:"inserted,omitempty"`
	Updated   []memos.MemoID                `json:"updated,omitempty"`
	Removed   []memos.MemoID                `json:"removed,omitempty"`
	Remapped  map[memos.MemoID]memos.MemoID `json:"remapped,omitempty"`
	Failure   *failurePayload               `json:"failure,omitempty"`
	Timestamp time.Time                     `json:"timestamp"`
}

type failurePayload struct {
	MutationID string `json:"mutation_id"`
	Kind       string `json:"kind"`
	Target     string `json:"target"`
	Category   string `json:"category"`
}

func newChangePayload(change events.Change) changePayload {
	payload := changePayload{
		Seq:       change.Seq,
		Reason:    string(change.Reason),
		Inserted:  change.Inserted,
		Updated:   change.Updated,
		Removed:   change.Removed,
		Remapped:  maps.Clone(change.Remapped),
		Timestamp: change.Timestamp,
	}
	if change.Failure != nil {
		payload.Failure = &failurePayload{
			MutationID: change.Failure.MutationID,
			Kind:       string(change.Failure.Kind),
			Target:     change.Failure.Target.String(),
			Category:   change.Failure.Category,
		}
	}
	return payload
}

// handleEvents streams store changes until the client disconnects. A gap in seq tells
// the client it missed events and should re-read /memos.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	changes, cleanup := h.engine.Subscribe(ctx)
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent(eventReady, h.engine.Status())
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case change, ok := <-changes:
			if !ok {
				return false
			}
			c.SSEvent(eventChange, newChangePayload(change))
			return true
		case now := <-heartbeat.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": now.UTC()})
			return true
		}
	})
}
