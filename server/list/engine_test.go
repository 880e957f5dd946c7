package list_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/asadovsky/nodelist/server/list"
	"github.com/asadovsky/nodelist/server/store/memstore"
)

func newEngine() (*list.Engine, *memstore.Store) {
	st := memstore.New()
	return list.NewEngine(st, list.RetryOptions{}), st
}

// requireInvariants checks the list-wide invariants against the committed
// state: head and tail uniqueness, pointer symmetry in both directions, and
// that the walk from the head visits every persisted node exactly once.
// Returns the nodes by id for further assertions.
func requireInvariants(t *testing.T, st *memstore.Store) map[string]*list.Node {
	t.Helper()
	ctx := context.Background()
	nodes, err := st.Snapshot(ctx)
	require.NoError(t, err)

	byId := make(map[string]*list.Node, len(nodes))
	var head, tail *list.Node
	for _, n := range nodes {
		require.GreaterOrEqual(t, n.Version, int64(0))
		byId[n.Id] = n
		if n.Prev == nil {
			require.Nil(t, head, "two heads: %s and %s", headId(head), n.Id)
			head = n
		}
		if n.Next == nil {
			require.Nil(t, tail, "two tails: %s and %s", headId(tail), n.Id)
			tail = n
		}
	}
	for _, n := range nodes {
		if n.Next != nil {
			m, ok := byId[*n.Next]
			require.True(t, ok, "node %s points to missing next %s", n.Id, *n.Next)
			require.NotNil(t, m.Prev)
			require.Equal(t, n.Id, *m.Prev, "asymmetric link %s -> %s", n.Id, m.Id)
		}
		if n.Prev != nil {
			m, ok := byId[*n.Prev]
			require.True(t, ok, "node %s points to missing prev %s", n.Id, *n.Prev)
			require.NotNil(t, m.Next)
			require.Equal(t, n.Id, *m.Next, "asymmetric link %s <- %s", n.Id, m.Id)
		}
	}
	if len(nodes) > 0 {
		require.NotNil(t, head, "non-empty list has no head")
		require.NotNil(t, tail, "non-empty list has no tail")
		visited := 0
		for n := head; n != nil; {
			visited++
			require.LessOrEqual(t, visited, len(nodes), "cycle reachable from head")
			if n.Next == nil {
				n = nil
			} else {
				n = byId[*n.Next]
			}
		}
		require.Equal(t, len(nodes), visited, "walk from head misses nodes")
	}
	return byId
}

func headId(n *list.Node) string {
	if n == nil {
		return "<nil>"
	}
	return n.Id
}

// chain builds an n-node list through the engine and returns ids in order.
func chain(t *testing.T, e *list.Engine, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	var prev *string
	for i := 0; i < n; i++ {
		res, err := e.AddNode(ctx, prev)
		require.NoError(t, err)
		ids = append(ids, res.Created.Id)
		prev = &res.Created.Id
	}
	return ids
}

func TestInsertIntoEmpty(t *testing.T) {
	e, st := newEngine()
	ctx := context.Background()

	res, err := e.AddNode(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, res.Created.Prev)
	require.Nil(t, res.Created.Next)
	require.Equal(t, int64(0), res.Created.Version)
	require.Empty(t, res.Updated)

	byId := requireInvariants(t, st)
	require.Len(t, byId, 1)
}

func TestAppendAfterTail(t *testing.T) {
	e, st := newEngine()
	ctx := context.Background()
	ids := chain(t, e, 1)
	a := ids[0]

	res, err := e.AddNode(ctx, &a)
	require.NoError(t, err)
	b := res.Created
	require.Equal(t, a, *b.Prev)
	require.Nil(t, b.Next)
	require.Equal(t, int64(0), b.Version)
	require.Equal(t, map[string]list.PointerDelta{
		a: {list.FieldNext: &b.Id},
	}, res.Updated)

	byId := requireInvariants(t, st)
	require.Equal(t, b.Id, *byId[a].Next)
	require.Equal(t, int64(1), byId[a].Version)
	require.Equal(t, int64(0), byId[b.Id].Version)
}

func TestInsertInMiddle(t *testing.T) {
	e, st := newEngine()
	ctx := context.Background()
	ids := chain(t, e, 2)
	a, b := ids[0], ids[1]

	res, err := e.AddNode(ctx, &a)
	require.NoError(t, err)
	c := res.Created
	require.Equal(t, a, *c.Prev)
	require.Equal(t, b, *c.Next)
	require.Equal(t, map[string]list.PointerDelta{
		a: {list.FieldNext: &c.Id},
		b: {list.FieldPrev: &c.Id},
	}, res.Updated)

	byId := requireInvariants(t, st)
	require.Equal(t, c.Id, *byId[a].Next)
	require.Equal(t, c.Id, *byId[b].Prev)
	require.Equal(t, int64(2), byId[a].Version) // bumped by append and by this insert
	require.Equal(t, int64(1), byId[b].Version)
	require.Equal(t, int64(0), byId[c.Id].Version)
}

func TestInsertAtHeadOfNonEmptyList(t *testing.T) {
	e, st := newEngine()
	ctx := context.Background()
	ids := chain(t, e, 1)
	a := ids[0]

	res, err := e.AddNode(ctx, nil)
	require.NoError(t, err)
	n := res.Created
	require.Nil(t, n.Prev)
	require.Equal(t, a, *n.Next)
	require.Equal(t, map[string]list.PointerDelta{
		a: {list.FieldPrev: &n.Id},
	}, res.Updated)

	byId := requireInvariants(t, st)
	require.Equal(t, n.Id, *byId[a].Prev)
	require.Equal(t, int64(1), byId[a].Version)
}

func TestDeleteMiddle(t *testing.T) {
	e, st := newEngine()
	ctx := context.Background()
	ids := chain(t, e, 3)
	a, b, c := ids[0], ids[1], ids[2]

	res, err := e.RemoveNode(ctx, b)
	require.NoError(t, err)
	require.Equal(t, b, res.DeletedId)
	require.Equal(t, map[string]list.PointerDelta{
		a: {list.FieldNext: &c},
		c: {list.FieldPrev: &a},
	}, res.Updated)

	byId := requireInvariants(t, st)
	require.Len(t, byId, 2)
	require.Equal(t, c, *byId[a].Next)
	require.Equal(t, a, *byId[c].Prev)
}

func TestDeleteHead(t *testing.T) {
	e, st := newEngine()
	ctx := context.Background()
	ids := chain(t, e, 2)
	a, b := ids[0], ids[1]

	res, err := e.RemoveNode(ctx, a)
	require.NoError(t, err)
	require.Equal(t, map[string]list.PointerDelta{
		b: {list.FieldPrev: nil},
	}, res.Updated)

	byId := requireInvariants(t, st)
	require.Len(t, byId, 1)
	require.Nil(t, byId[b].Prev)
}

func TestDeleteSoleNode(t *testing.T) {
	e, st := newEngine()
	ctx := context.Background()
	ids := chain(t, e, 1)

	res, err := e.RemoveNode(ctx, ids[0])
	require.NoError(t, err)
	require.Empty(t, res.Updated)
	require.Empty(t, requireInvariants(t, st))
}

func TestDeleteMissing(t *testing.T) {
	e, st := newEngine()
	ctx := context.Background()
	ids := chain(t, e, 2)

	_, err := e.RemoveNode(ctx, "no-such-node")
	require.Error(t, err)
	require.True(t, list.IsConflict(err))
	require.Contains(t, err.Error(), "not found")

	byId := requireInvariants(t, st)
	require.Len(t, byId, len(ids))
}

func TestInsertAfterDeletedAnchor(t *testing.T) {
	e, st := newEngine()
	ctx := context.Background()
	ids := chain(t, e, 1)
	a := ids[0]

	_, err := e.RemoveNode(ctx, a)
	require.NoError(t, err)

	_, err = e.AddNode(ctx, &a)
	require.True(t, list.IsConflict(err))
	require.Contains(t, err.Error(), "reference node was deleted")
	require.Empty(t, requireInvariants(t, st))
}

// TestOverlappingInsertVsDelete pins the single-attempt semantics: two
// transactions that both read node A before either commits cannot both win.
// The first commit succeeds; the second fails with the retryable signal.
func TestOverlappingInsertVsDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("insert commits first", func(t *testing.T) {
		e, st := newEngine()
		a := chain(t, e, 1)[0]

		s1, err := st.Begin(ctx)
		require.NoError(t, err)
		s2, err := st.Begin(ctx)
		require.NoError(t, err)

		_, err = e.InsertAfter(ctx, s1, &a)
		require.NoError(t, err)
		_, err = e.Delete(ctx, s2, a)
		require.NoError(t, err)

		require.NoError(t, st.Commit(ctx, s1))
		err = st.Commit(ctx, s2)
		require.True(t, list.IsConditionFailed(err))
		st.End(ctx, s1)
		st.End(ctx, s2)

		byId := requireInvariants(t, st)
		require.Len(t, byId, 2)
		require.Contains(t, byId, a)
	})

	t.Run("delete commits first", func(t *testing.T) {
		e, st := newEngine()
		a := chain(t, e, 1)[0]

		s1, err := st.Begin(ctx)
		require.NoError(t, err)
		s2, err := st.Begin(ctx)
		require.NoError(t, err)

		_, err = e.InsertAfter(ctx, s1, &a)
		require.NoError(t, err)
		_, err = e.Delete(ctx, s2, a)
		require.NoError(t, err)

		require.NoError(t, st.Commit(ctx, s2))
		err = st.Commit(ctx, s1)
		require.True(t, list.IsConditionFailed(err))
		st.End(ctx, s1)
		st.End(ctx, s2)

		require.Empty(t, requireInvariants(t, st))
	})
}

func TestConcurrentSameTargetAdd(t *testing.T) {
	e, st := newEngine()
	ctx := context.Background()
	a := chain(t, e, 1)[0]

	var g errgroup.Group
	results := make([]*list.InsertResult, 2)
	for i := range results {
		i := i
		g.Go(func() error {
			res, err := e.AddNode(ctx, &a)
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	byId := requireInvariants(t, st)
	require.Len(t, byId, 3)
	head := byId[a]
	require.Nil(t, head.Prev, "anchor is still the head")
	created := map[string]bool{results[0].Created.Id: true, results[1].Created.Id: true}
	require.True(t, created[*head.Next], "head links to one of the inserted nodes")
}

func TestConcurrentSameTargetDelete(t *testing.T) {
	e, st := newEngine()
	ctx := context.Background()
	ids := chain(t, e, 3)
	a, b, c := ids[0], ids[1], ids[2]

	var g errgroup.Group
	errs := make([]error, 2)
	for i := range errs {
		i := i
		g.Go(func() error {
			_, err := e.RemoveNode(ctx, b)
			errs[i] = err
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var successes, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case list.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, conflicts)

	byId := requireInvariants(t, st)
	require.Len(t, byId, 2)
	require.Equal(t, c, *byId[a].Next)
	require.Equal(t, a, *byId[c].Prev)
}

func TestStress(t *testing.T) {
	e, st := newEngine()
	ctx := context.Background()
	ids := chain(t, e, 5)

	before, err := st.Snapshot(ctx)
	require.NoError(t, err)
	beforeVersions := make(map[string]int64, len(before))
	for _, n := range before {
		beforeVersions[n.Id] = n.Version
	}

	ops := []func() error{
		func() error { _, err := e.AddNode(ctx, nil); return err },
		func() error { _, err := e.AddNode(ctx, &ids[0]); return err },
		func() error { _, err := e.AddNode(ctx, &ids[2]); return err },
		func() error { _, err := e.AddNode(ctx, &ids[4]); return err },
		func() error { _, err := e.RemoveNode(ctx, ids[1]); return err },
		func() error { _, err := e.RemoveNode(ctx, ids[3]); return err },
		func() error { _, err := e.RemoveNode(ctx, ids[2]); return err },
		func() error { _, err := e.AddNode(ctx, &ids[1]); return err },
	}
	var g errgroup.Group
	for _, op := range ops {
		op := op
		g.Go(func() error {
			if err := op(); err != nil && !list.IsConflict(err) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	byId := requireInvariants(t, st)
	for id, n := range byId {
		if v, ok := beforeVersions[id]; ok {
			require.GreaterOrEqual(t, n.Version, v, "version of %s went backwards", id)
		}
	}
}
