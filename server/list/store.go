package list

import "context"

// Session is an open transactional session handed to the mutation engine by
// the retry driver. Adapters attach whatever per-transaction state they need
// behind this interface; the engine treats it as opaque.
type Session interface{}

// Predicate is a conjunction of field-equals checks evaluated against the
// persisted row at write time. Version is always checked. Prev and Next are
// checked only when the corresponding flag is set; the pointer value itself
// may be nil, which matches a cleared pointer.
type Predicate struct {
	Version   int64
	CheckPrev bool
	Prev      *string
	CheckNext bool
	Next      *string
}

// VersionIs returns a predicate checking only the version.
func VersionIs(version int64) Predicate {
	return Predicate{Version: version}
}

// PrevIs adds a prev-pointer check.
func (p Predicate) PrevIs(id *string) Predicate {
	p.CheckPrev = true
	p.Prev = id
	return p
}

// NextIs adds a next-pointer check.
func (p Predicate) NextIs(id *string) Predicate {
	p.CheckNext = true
	p.Next = id
	return p
}

// Mutation sets structural pointers on a row. Every applied mutation also
// increments the row's version by one; adapters apply the whole mutation
// atomically or not at all.
type Mutation struct {
	SetPrev bool
	Prev    *string
	SetNext bool
	Next    *string
}

// SetPrev returns a mutation assigning the prev pointer.
func SetPrev(id *string) Mutation {
	return Mutation{SetPrev: true, Prev: id}
}

// SetNext returns a mutation assigning the next pointer.
func SetNext(id *string) Mutation {
	return Mutation{SetNext: true, Next: id}
}

// Store is the storage adapter contract consumed by the mutation engine and
// the retry driver. Begin opens a session with at least snapshot-isolation
// semantics and commit-time write-conflict detection; Commit may return
// *ConditionFailedError for a serialization abort, which the retry driver
// treats like a failed predicate.
type Store interface {
	Begin(ctx context.Context) (Session, error)
	Commit(ctx context.Context, s Session) error
	Rollback(ctx context.Context, s Session) error
	End(ctx context.Context, s Session)

	// Find returns the node with the given id, or nil if absent.
	Find(ctx context.Context, s Session, id string) (*Node, error)
	// FindHead returns the node with prev = nil, or nil if the list is empty.
	FindHead(ctx context.Context, s Session) (*Node, error)
	// Insert stores a freshly constructed node.
	Insert(ctx context.Context, s Session, n *Node) error
	// ConditionalUpdate applies mut iff the persisted row matches pred,
	// returning the post-mutation node, or nil if the predicate failed.
	ConditionalUpdate(ctx context.Context, s Session, id string, pred Predicate, mut Mutation) (*Node, error)
	// ConditionalDelete removes the row iff it matches pred.
	ConditionalDelete(ctx context.Context, s Session, id string, pred Predicate) (bool, error)

	// Snapshot returns all persisted nodes outside any session, in no
	// particular order. Callers reconstruct list order by walking prev/next.
	Snapshot(ctx context.Context) ([]*Node, error)
}
