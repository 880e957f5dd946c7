package list

import (
	"context"
	"fmt"
)

// Engine executes structural mutations against the shared list. Both
// operations run inside a session provided by the caller (normally the retry
// driver); the engine never begins or commits a transaction itself.
//
// Every write re-validates what was read: predicates carry the version and
// the pointer whose continuity the operation depends on, so a concurrently
// committed writer turns the write into a *ConditionFailedError and the whole
// attempt re-runs with fresh reads. A missing anchor, by contrast, is a
// *ConflictError: no retry can bring the named node back.
type Engine struct {
	store Store
	retry RetryOptions
}

// NewEngine returns an engine over the given store.
func NewEngine(store Store, retry RetryOptions) *Engine {
	return &Engine{store: store, retry: retry}
}

// Store returns the engine's storage adapter.
func (e *Engine) Store() Store {
	return e.store
}

// AddNode runs insert-after under the retry driver.
func (e *Engine) AddNode(ctx context.Context, prevId *string) (*InsertResult, error) {
	return WithRetry(ctx, e.store, e.retry, func(ctx context.Context, s Session) (*InsertResult, error) {
		return e.InsertAfter(ctx, s, prevId)
	})
}

// RemoveNode runs delete under the retry driver.
func (e *Engine) RemoveNode(ctx context.Context, id string) (*DeleteResult, error) {
	return WithRetry(ctx, e.store, e.retry, func(ctx context.Context, s Session) (*DeleteResult, error) {
		return e.Delete(ctx, s, id)
	})
}

// InsertAfter creates a new node after prevId, or at the head when prevId is
// nil, splicing neighbour pointers with conditional updates. Runs inside s.
func (e *Engine) InsertAfter(ctx context.Context, s Session, prevId *string) (*InsertResult, error) {
	if prevId == nil {
		return e.insertAtHead(ctx, s)
	}

	p, err := e.store.Find(ctx, s, *prevId)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &ConflictError{Msg: "reference node was deleted"}
	}

	nextId := p.Next
	n := NewNode(&p.Id, nextId)
	updated := map[string]PointerDelta{}

	// The predicate pins p.next in addition to the version: a stale read must
	// not splice the new node after a predecessor that already points
	// elsewhere.
	upd, err := e.store.ConditionalUpdate(ctx, s, p.Id, VersionIs(p.Version).NextIs(nextId), SetNext(&n.Id))
	if err != nil {
		return nil, err
	}
	if upd == nil {
		return nil, &ConditionFailedError{Msg: fmt.Sprintf("node %s moved during insert", p.Id)}
	}
	updated[p.Id] = PointerDelta{FieldNext: &n.Id}

	if nextId != nil {
		q, err := e.store.Find(ctx, s, *nextId)
		if err != nil {
			return nil, err
		}
		if q == nil {
			return nil, &ConflictError{Msg: "next node deleted concurrently"}
		}
		upd, err := e.store.ConditionalUpdate(ctx, s, q.Id, VersionIs(q.Version).PrevIs(&p.Id), SetPrev(&n.Id))
		if err != nil {
			return nil, err
		}
		if upd == nil {
			return nil, &ConditionFailedError{Msg: fmt.Sprintf("node %s moved during insert", q.Id)}
		}
		updated[q.Id] = PointerDelta{FieldPrev: &n.Id}
	}

	if err := e.store.Insert(ctx, s, n); err != nil {
		return nil, err
	}
	return &InsertResult{Created: n, Updated: updated}, nil
}

func (e *Engine) insertAtHead(ctx context.Context, s Session) (*InsertResult, error) {
	head, err := e.store.FindHead(ctx, s)
	if err != nil {
		return nil, err
	}

	updated := map[string]PointerDelta{}
	var n *Node
	if head == nil {
		n = NewNode(nil, nil)
	} else {
		n = NewNode(nil, &head.Id)
		upd, err := e.store.ConditionalUpdate(ctx, s, head.Id, VersionIs(head.Version).PrevIs(nil), SetPrev(&n.Id))
		if err != nil {
			return nil, err
		}
		if upd == nil {
			return nil, &ConditionFailedError{Msg: fmt.Sprintf("head %s moved during insert", head.Id)}
		}
		updated[head.Id] = PointerDelta{FieldPrev: &n.Id}
	}

	if err := e.store.Insert(ctx, s, n); err != nil {
		return nil, err
	}
	return &InsertResult{Created: n, Updated: updated}, nil
}

// Delete removes the node with the given id, splicing its neighbours
// together with conditional updates. Runs inside s. Deleting the sole node
// of a single-node list touches no neighbours.
func (e *Engine) Delete(ctx context.Context, s Session, id string) (*DeleteResult, error) {
	d, err := e.store.Find(ctx, s, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, &ConflictError{Msg: "node not found or already deleted"}
	}

	prevId, nextId := d.Prev, d.Next
	updated := map[string]PointerDelta{}

	if prevId != nil {
		p, err := e.store.Find(ctx, s, *prevId)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, &ConflictError{Msg: "previous node deleted concurrently"}
		}
		upd, err := e.store.ConditionalUpdate(ctx, s, p.Id, VersionIs(p.Version).NextIs(&id), SetNext(nextId))
		if err != nil {
			return nil, err
		}
		if upd == nil {
			return nil, &ConditionFailedError{Msg: fmt.Sprintf("node %s moved during delete", p.Id)}
		}
		updated[p.Id] = PointerDelta{FieldNext: nextId}
	}

	if nextId != nil {
		q, err := e.store.Find(ctx, s, *nextId)
		if err != nil {
			return nil, err
		}
		if q == nil {
			return nil, &ConflictError{Msg: "next node deleted concurrently"}
		}
		upd, err := e.store.ConditionalUpdate(ctx, s, q.Id, VersionIs(q.Version).PrevIs(&id), SetPrev(prevId))
		if err != nil {
			return nil, err
		}
		if upd == nil {
			return nil, &ConditionFailedError{Msg: fmt.Sprintf("node %s moved during delete", q.Id)}
		}
		updated[q.Id] = PointerDelta{FieldPrev: prevId}
	}

	okDel, err := e.store.ConditionalDelete(ctx, s, id, VersionIs(d.Version))
	if err != nil {
		return nil, err
	}
	if !okDel {
		return nil, &ConditionFailedError{Msg: fmt.Sprintf("node %s changed during delete", id)}
	}
	return &DeleteResult{DeletedId: id, Updated: updated}, nil
}
