// Package memstore provides an in-memory implementation of the list storage
// contract with optimistic transactional sessions: reads record the version
// they observed, writes stage in a per-session overlay, and commit
// re-validates every observed version against committed state before applying
// the overlay atomically. A session whose reads went stale fails commit with
// a condition-failed error, mirroring commit-time conflict detection in a
// real transactional backend.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/asadovsky/nodelist/server/list"
)

const versionAbsent = int64(-1)

// Store holds the committed node set.
type Store struct {
	mu    sync.Mutex
	nodes map[string]list.Node
}

var _ list.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{nodes: make(map[string]list.Node)}
}

type session struct {
	store *Store
	// reads maps node id to the committed version first observed by this
	// session (versionAbsent if the row did not exist). Commit re-checks
	// every entry.
	reads   map[string]int64
	inserts map[string]list.Node
	writes  map[string]list.Node
	deletes map[string]struct{}
	ended   bool
}

// Begin opens a fresh optimistic session.
func (st *Store) Begin(ctx context.Context) (list.Session, error) {
	return &session{
		store:   st,
		reads:   make(map[string]int64),
		inserts: make(map[string]list.Node),
		writes:  make(map[string]list.Node),
		deletes: make(map[string]struct{}),
	}, nil
}

func (st *Store) session(s list.Session) (*session, error) {
	ms, ok := s.(*session)
	if !ok || ms.store != st {
		return nil, errors.New("memstore: session belongs to a different store")
	}
	if ms.ended {
		return nil, errors.New("memstore: session already ended")
	}
	return ms, nil
}

// recordRead notes the committed version of id as first observed. Later
// observations keep the original entry so commit validates against the state
// the session actually based its writes on.
func (st *Store) recordRead(ms *session, id string, version int64) {
	if _, ok := ms.reads[id]; !ok {
		ms.reads[id] = version
	}
}

// read returns the session's effective view of id: staged overlay first,
// committed state otherwise. Committed observations are recorded.
func (st *Store) read(ms *session, id string) *list.Node {
	if _, ok := ms.deletes[id]; ok {
		return nil
	}
	if n, ok := ms.writes[id]; ok {
		cp := n
		return &cp
	}
	if n, ok := ms.inserts[id]; ok {
		cp := n
		return &cp
	}
	st.mu.Lock()
	n, ok := st.nodes[id]
	st.mu.Unlock()
	if !ok {
		st.recordRead(ms, id, versionAbsent)
		return nil
	}
	st.recordRead(ms, id, n.Version)
	cp := n
	return &cp
}

func (st *Store) Find(ctx context.Context, s list.Session, id string) (*list.Node, error) {
	ms, err := st.session(s)
	if err != nil {
		return nil, err
	}
	return st.read(ms, id), nil
}

func (st *Store) FindHead(ctx context.Context, s list.Session) (*list.Node, error) {
	ms, err := st.session(s)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	var headId string
	var found bool
	for id, n := range st.nodes {
		if n.Prev == nil {
			headId, found = id, true
			break
		}
	}
	st.mu.Unlock()
	if found {
		// Re-read through the overlay in case this session already moved it.
		if n := st.read(ms, headId); n != nil && n.Prev == nil {
			return n, nil
		}
	}
	for id := range ms.inserts {
		if n := st.read(ms, id); n != nil && n.Prev == nil {
			return n, nil
		}
	}
	for id := range ms.writes {
		if n := st.read(ms, id); n != nil && n.Prev == nil {
			return n, nil
		}
	}
	return nil, nil
}

func (st *Store) Insert(ctx context.Context, s list.Session, n *list.Node) error {
	ms, err := st.session(s)
	if err != nil {
		return err
	}
	if st.read(ms, n.Id) != nil {
		return &list.ConditionFailedError{Msg: fmt.Sprintf("node %s already exists", n.Id)}
	}
	ms.inserts[n.Id] = *n
	return nil
}

func matches(n *list.Node, pred list.Predicate) bool {
	if n.Version != pred.Version {
		return false
	}
	if pred.CheckPrev && !idEq(n.Prev, pred.Prev) {
		return false
	}
	if pred.CheckNext && !idEq(n.Next, pred.Next) {
		return false
	}
	return true
}

func idEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (st *Store) ConditionalUpdate(ctx context.Context, s list.Session, id string, pred list.Predicate, mut list.Mutation) (*list.Node, error) {
	ms, err := st.session(s)
	if err != nil {
		return nil, err
	}
	n := st.read(ms, id)
	if n == nil || !matches(n, pred) {
		return nil, nil
	}
	if mut.SetPrev {
		n.Prev = mut.Prev
	}
	if mut.SetNext {
		n.Next = mut.Next
	}
	n.Version++
	if _, ok := ms.inserts[id]; ok {
		ms.inserts[id] = *n
	} else {
		ms.writes[id] = *n
	}
	cp := *n
	return &cp, nil
}

func (st *Store) ConditionalDelete(ctx context.Context, s list.Session, id string, pred list.Predicate) (bool, error) {
	ms, err := st.session(s)
	if err != nil {
		return false, err
	}
	n := st.read(ms, id)
	if n == nil || !matches(n, pred) {
		return false, nil
	}
	if _, ok := ms.inserts[id]; ok {
		delete(ms.inserts, id)
		return true, nil
	}
	delete(ms.writes, id)
	ms.deletes[id] = struct{}{}
	return true, nil
}

func (st *Store) Commit(ctx context.Context, s list.Session) error {
	ms, err := st.session(s)
	if err != nil {
		return err
	}
	ms.ended = true

	st.mu.Lock()
	defer st.mu.Unlock()
	for id, observed := range ms.reads {
		current := versionAbsent
		if n, ok := st.nodes[id]; ok {
			current = n.Version
		}
		if current != observed {
			return &list.ConditionFailedError{Msg: fmt.Sprintf("node %s modified by a concurrent transaction", id)}
		}
	}
	for id := range ms.inserts {
		if _, ok := st.nodes[id]; ok {
			return &list.ConditionFailedError{Msg: fmt.Sprintf("node %s inserted by a concurrent transaction", id)}
		}
	}
	for id := range ms.deletes {
		delete(st.nodes, id)
	}
	for id, n := range ms.writes {
		st.nodes[id] = n
	}
	for id, n := range ms.inserts {
		st.nodes[id] = n
	}
	return nil
}

func (st *Store) Rollback(ctx context.Context, s list.Session) error {
	ms, err := st.session(s)
	if err != nil {
		return err
	}
	ms.ended = true
	return nil
}

func (st *Store) End(ctx context.Context, s list.Session) {
	if ms, ok := s.(*session); ok {
		ms.ended = true
	}
}

func (st *Store) Snapshot(ctx context.Context) ([]*list.Node, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	nodes := make([]*list.Node, 0, len(st.nodes))
	for _, n := range st.nodes {
		cp := n
		nodes = append(nodes, &cp)
	}
	return nodes, nil
}
