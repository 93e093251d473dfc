// Package crdt implements the replicated character sequence behind document keys.
//
// The structure is a Replicated Growable Array (RGA): every character is an
// element identified by a Lamport id and anchored to the element it was typed
// after (its origin). Deleted characters stay in the sequence as tombstones.
// Applying the same set of operations in any order yields the same text.
package crdt

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict signals that an operation reused an existing id with different content.
	// It is an internal invariant violation and never expected between honest replicas.
	ErrConflict = errors.New("crdt: conflicting operation")

	// ErrInvalidOp is returned for structurally invalid operations.
	ErrInvalidOp = errors.New("crdt: invalid operation")

	// ErrOutOfRange is returned when a local edit addresses a position past the end of the text.
	ErrOutOfRange = errors.New("crdt: position out of range")
)

// ID identifies a single character element across all replicas.
type ID struct {
	Counter uint64 `json:"c"`
	Site    string `json:"s"`
}

// IsZero reports whether id is the virtual head of the sequence.
func (id ID) IsZero() bool {
	return id.Counter == 0 && id.Site == ""
}

// Less orders ids by counter, then by site.
func (id ID) Less(other ID) bool {
	if id.Counter != other.Counter {
		return id.Counter < other.Counter
	}
	return id.Site < other.Site
}

func (id ID) String() string {
	if id.IsZero() {
		return "head"
	}
	return fmt.Sprintf("%d@%s", id.Counter, id.Site)
}

// OpKind discriminates insert and delete operations.
type OpKind string

const (
	OpInsert OpKind = "ins"
	OpDelete OpKind = "del"
)

// Op is one replicated edit.
// For inserts, ID is the new element and Origin the element it follows (zero for the head).
// For deletes, ID is the element being removed.
type Op struct {
	Kind   OpKind `json:"k"`
	ID     ID     `json:"id"`
	Origin ID     `json:"o,omitzero"`
	Char   string `json:"ch,omitempty"`
}

func (op Op) validate() error {
	if op.ID.IsZero() {
		return fmt.Errorf("%w: missing id", ErrInvalidOp)
	}
	switch op.Kind {
	case OpInsert:
		if len([]rune(op.Char)) != 1 {
			return fmt.Errorf("%w: insert %s must carry exactly one character", ErrInvalidOp, op.ID)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
	}
	return nil
}
