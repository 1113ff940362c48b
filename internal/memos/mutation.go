package memos

import (
	"fmt"
	"strings"
	"time"
)

// MutationKind enumerates supported local edits.
type MutationKind string

const (
	// MutationCreate inserts a new memo.
	MutationCreate MutationKind = "create"
	// MutationUpdate changes fields of an existing memo.
	MutationUpdate MutationKind = "update"
	// MutationDelete removes a memo.
	MutationDelete MutationKind = "delete"
)

// ParseMutationKind normalizes raw input into a MutationKind.
func ParseMutationKind(rawInput string) (MutationKind, error) {
	switch kind := MutationKind(strings.ToLower(strings.TrimSpace(rawInput))); kind {
	case MutationCreate, MutationUpdate, MutationDelete:
		return kind, nil
	default:
		return "", fmt.Errorf("memos: unknown mutation kind %q", rawInput)
	}
}

// MutationState tracks a mutation from submission to resolution.
type MutationState string

const (
	// MutationPending is queued behind another mutation for the same memo.
	MutationPending MutationState = "pending"
	// MutationInFlight has been handed to the remote gateway.
	MutationInFlight MutationState = "in_flight"
	// MutationConfirmed was accepted by the server.
	MutationConfirmed MutationState = "confirmed"
	// MutationFailed was rejected or exhausted its retries and has been rolled back.
	MutationFailed MutationState = "failed"
)

// Terminal reports whether the state is final.
func (s MutationState) Terminal() bool {
	return s == MutationConfirmed || s == MutationFailed
}

// PendingMutation is a user-initiated edit awaiting server confirmation.
type PendingMutation struct {
	ID          string
	Kind        MutationKind
	Target      MemoID
	Delta       Delta
	SubmittedAt time.Time
	State       MutationState
	Attempts    int
	Err         error
}
