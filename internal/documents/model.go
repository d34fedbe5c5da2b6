package documents

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind enumerates update record kinds.
type Kind string

const (
	// KindUpdate carries a CRDT delta.
	KindUpdate Kind = "UPDATE"
	// KindVector carries a state vector, optionally with the sender's missing ops.
	KindVector Kind = "VECTOR"
	// KindAwareness carries ephemeral presence metadata.
	KindAwareness Kind = "AWARENESS"
	// KindHeartbeat carries liveness only.
	KindHeartbeat Kind = "HEARTBEAT"
)

// Persistent reports whether records of this kind belong in the update log.
func (kind Kind) Persistent() bool {
	return kind == KindUpdate || kind == KindVector
}

// Valid reports whether kind is one of the known kinds.
func (kind Kind) Valid() bool {
	switch kind {
	case KindUpdate, KindVector, KindAwareness, KindHeartbeat:
		return true
	}
	return false
}

// State enumerates document lifecycle states.
type State string

const (
	StateActive  State = "ACTIVE"
	StateDeleted State = "DELETED"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("documents: invalid user id")
	// ErrInvalidKind indicates an unknown record kind.
	ErrInvalidKind = errors.New("documents: invalid record kind")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Document is the logical collaborative entity.
type Document struct {
	ID               DocumentID
	OwnerID          UserID
	SiteID           string
	State            State
	OrderKey         string
	UpdatedAt        time.Time
	CompactedAt      time.Time
	CompactedThrough int64
	LastSequence     int64
	CharacterCount   int64
	BlobSize         int64
}

// Deleted reports whether the document has been soft-deleted.
func (document Document) Deleted() bool {
	return document.State == StateDeleted
}

// UpdateRecord is one persisted CRDT fragment.
type UpdateRecord struct {
	DocumentID DocumentID
	Sequence   int64
	Kind       Kind
	// AuthorID is the user whose session appended the record, when known.
	AuthorID  UserID
	Payload   []byte
	CreatedAt time.Time
}

// AppendResult reports the outcome of an append.
type AppendResult struct {
	Sequence int64
	// Persisted is false for ephemeral kinds, which are never written.
	Persisted bool
	// Duplicate is true when an identical payload was already stored; Sequence
	// then refers to the earlier record.
	Duplicate bool
}

// Snapshot is compacted document state.
type Snapshot struct {
	DocumentID       DocumentID
	State            []byte
	CompactedAt      time.Time
	CompactedThrough int64
}

// SnapshotWrite describes a snapshot put.
type SnapshotWrite struct {
	DocumentID       DocumentID
	State            []byte
	CompactedThrough int64
	CharacterCount   int64
	// Contributors are recorded with the history entry written when the
	// state changes.
	Contributors []UserID
}

// PutResult reports the outcome of a snapshot put.
type PutResult struct {
	Written bool
	// Regressed is set when the incoming snapshot was behind the stored one.
	Regressed bool
	// HistoryID identifies the history entry recorded with the write, or is
	// zero when the state did not change.
	HistoryID int64
	Snapshot  Snapshot
}

// HistoryEntry is one recorded version of a document's compacted state.
type HistoryEntry struct {
	ID               int64
	DocumentID       DocumentID
	State            []byte
	CompactedThrough int64
	CreatedAt        time.Time
	Contributors     []UserID
}
