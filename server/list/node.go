// Package list implements the shared linked-list core: the node entity, the
// storage adapter contract, the mutation engine, and the retry driver that
// runs mutations against concurrent writers.
package list

import "github.com/google/uuid"

// Node is a record in the persisted list. It carries structural pointers and
// an optimistic-lock version only; there is no payload. Prev and Next are
// foreign keys into the same collection, never in-memory references: nil
// marks the head (Prev) or the tail (Next).
type Node struct {
	Id      string
	Prev    *string
	Next    *string
	Version int64
}

// NewNode returns a detached node at version 0 with a fresh id.
func NewNode(prev, next *string) *Node {
	return &Node{
		Id:   uuid.NewString(),
		Prev: prev,
		Next: next,
	}
}

// Pointer field names used in deltas and predicates.
const (
	FieldPrev = "prev"
	FieldNext = "next"
)

// PointerDelta records the structural fields a committed mutation changed on
// an existing node, keyed by FieldPrev/FieldNext. A present key with a nil
// value means the pointer was cleared.
type PointerDelta map[string]*string

// InsertResult is the record returned by a successful insert-after.
type InsertResult struct {
	Created *Node
	Updated map[string]PointerDelta
}

// DeleteResult is the record returned by a successful delete.
type DeleteResult struct {
	DeletedId string
	Updated   map[string]PointerDelta
}
