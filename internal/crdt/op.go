package crdt

import (
	"errors"
	"fmt"
)

// Kind names the three operations the store replicates.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// OpID identifies an operation by its origin peer and the origin's
// contiguous sequence number. Digests are expressed in these sequences.
type OpID struct {
	Peer string `json:"peer"`
	Seq  uint64 `json:"seq"`
}

func (id OpID) String() string {
	return fmt.Sprintf("%s#%d", id.Peer, id.Seq)
}

// Op is a single replicated change. Inserts carry the anchor marker they
// were placed after (zero for the head) and the initial field values.
// Author is the profile id credited in createdBy/updatedBy; the stamp's
// peer is the replica that produced the op.
type Op struct {
	Kind   Kind   `json:"kind"`
	ID     OpID   `json:"id"`
	Stamp  Stamp  `json:"stamp"`
	Author string `json:"author,omitempty"`
	Record string `json:"record"`
	After  Stamp  `json:"after"`
	Patch  Patch  `json:"patch"`
}

func (op Op) author() string {
	if op.Author != "" {
		return op.Author
	}
	return op.Stamp.PeerID
}

var (
	// ErrMalformedOp marks a remote op that was dropped without touching state.
	ErrMalformedOp = errors.New("malformed op")
	// ErrNotFound is returned for local changes to unknown or deleted records.
	ErrNotFound = errors.New("record not found")
	// ErrUnknownPosition is returned when an insert anchor does not exist.
	ErrUnknownPosition = errors.New("unknown position")
	// ErrDuplicateID is returned when a local insert reuses a known record id.
	ErrDuplicateID = errors.New("duplicate record id")
	// ErrInvalidRecord is returned when local input fails validation.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrEmptyPatch is returned for updates that change nothing.
	ErrEmptyPatch = errors.New("empty patch")
)

// OpError describes why an op was rejected. It unwraps to ErrMalformedOp.
type OpError struct {
	ID     OpID
	Record string
	Reason string
}

func (e *OpError) Error() string {
	if e.ID.Peer != "" {
		return fmt.Sprintf("%s: %s (op=%s, record=%q)", ErrMalformedOp, e.Reason, e.ID, e.Record)
	}
	return fmt.Sprintf("%s: %s", ErrMalformedOp, e.Reason)
}

func (e *OpError) Unwrap() error { return ErrMalformedOp }

// IsMalformed reports whether err marks a dropped op.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedOp)
}

// Validate checks op shape without consulting replica state.
func (op Op) Validate() error {
	reason := op.check()
	if reason == "" {
		return nil
	}
	return &OpError{ID: op.ID, Record: op.Record, Reason: reason}
}

func (op Op) check() string {
	switch op.Kind {
	case KindInsert, KindUpdate, KindDelete:
	default:
		return fmt.Sprintf("unknown kind %q", op.Kind)
	}
	if op.ID.Peer == "" || op.ID.Seq == 0 {
		return "missing op id"
	}
	if op.Record == "" {
		return "missing record id"
	}
	if op.Stamp.Clock == 0 || op.Stamp.PeerID == "" {
		return "missing stamp"
	}
	if op.Stamp.PeerID != op.ID.Peer {
		return "stamp peer does not match origin"
	}
	if reason := op.Patch.validate(); reason != "" {
		return reason
	}
	switch op.Kind {
	case KindInsert:
		// An anchor is always created before anything placed after it, so
		// its clock must be strictly lower. This also keeps the marker
		// tree acyclic.
		if op.After.Clock == 0 && op.After.PeerID != "" {
			return "position reference out of range"
		}
		if !op.After.IsZero() && op.After.Clock >= op.Stamp.Clock {
			return "position reference out of range"
		}
	case KindUpdate:
		if op.Patch.IsEmpty() {
			return "empty patch"
		}
	}
	return ""
}
