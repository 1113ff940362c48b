package memos

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	maxIdentifierLength = 190
	memoNamePrefix      = "memos/"
	provisionalPrefix   = "local:"
)

// ErrInvalidMemoID indicates that a memo identifier is empty, malformed or exceeds storage bounds.
var ErrInvalidMemoID = errors.New("memos: invalid memo id")

type idKind uint8

const (
	idKindInvalid idKind = iota
	idKindProvisional
	idKindCanonical
)

// MemoID identifies a memo either by a locally generated provisional sequence or by the
// server-assigned uid. The zero value is invalid. MemoID is comparable and safe as a map key.
type MemoID struct {
	kind idKind
	seq  uint64
	uid  string
}

// CanonicalID validates a server uid (optionally in "memos/<uid>" form) and returns a canonical MemoID.
func CanonicalID(rawInput string) (MemoID, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(rawInput), memoNamePrefix)
	if trimmed == "" {
		return MemoID{}, fmt.Errorf("%w: empty", ErrInvalidMemoID)
	}
	if len(trimmed) > maxIdentifierLength {
		return MemoID{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidMemoID, maxIdentifierLength)
	}
	if strings.ContainsAny(trimmed, "/ ") || strings.HasPrefix(trimmed, provisionalPrefix) {
		return MemoID{}, fmt.Errorf("%w: %q", ErrInvalidMemoID, trimmed)
	}
	return MemoID{kind: idKindCanonical, uid: trimmed}, nil
}

// MustCanonicalID is CanonicalID for identifiers known to be valid. It panics otherwise.
func MustCanonicalID(rawInput string) MemoID {
	id, err := CanonicalID(rawInput)
	if err != nil {
		panic(err)
	}
	return id
}

// ProvisionalID returns the placeholder identifier for the local sequence number.
func ProvisionalID(seq uint64) MemoID {
	return MemoID{kind: idKindProvisional, seq: seq}
}

// ParseMemoID accepts the String form of either identifier variant.
func ParseMemoID(rawInput string) (MemoID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if rest, ok := strings.CutPrefix(trimmed, provisionalPrefix); ok {
		seq, err := strconv.ParseUint(rest, 10, 64)
		if err != nil || seq == 0 {
			return MemoID{}, fmt.Errorf("%w: bad provisional sequence %q", ErrInvalidMemoID, rest)
		}
		return ProvisionalID(seq), nil
	}
	return CanonicalID(trimmed)
}

// IsZero reports whether the identifier is unset.
func (id MemoID) IsZero() bool {
	return id.kind == idKindInvalid
}

// IsProvisional reports whether the identifier is a local placeholder awaiting confirmation.
func (id MemoID) IsProvisional() bool {
	return id.kind == idKindProvisional
}

// IsCanonical reports whether the identifier was assigned by the server.
func (id MemoID) IsCanonical() bool {
	return id.kind == idKindCanonical
}

// UID returns the server uid, empty for provisional identifiers.
func (id MemoID) UID() string {
	return id.uid
}

// Name returns the resource name used by the remote API.
func (id MemoID) Name() string {
	if id.kind != idKindCanonical {
		return ""
	}
	return memoNamePrefix + id.uid
}

// String renders the identifier; ParseMemoID reverses it.
func (id MemoID) String() string {
	switch id.kind {
	case idKindCanonical:
		return id.uid
	case idKindProvisional:
		return provisionalPrefix + strconv.FormatUint(id.seq, 10)
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler.
func (id MemoID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *MemoID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = MemoID{}
		return nil
	}
	parsed, err := ParseMemoID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
