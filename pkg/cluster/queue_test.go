package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopTask() UpdateTask {
	return TaskFunc(func(s *ClusterState) (*ClusterState, error) { return s, nil })
}

func TestTaskQueue_OrdersByPriorityThenInsertion(t *testing.T) {
	q := newTaskQueue()
	require.NoError(t, q.push("n1", PriorityNormal, noopTask()))
	require.NoError(t, q.push("l1", PriorityLanguid, noopTask()))
	require.NoError(t, q.push("u1", PriorityUrgent, noopTask()))
	require.NoError(t, q.push("n2", PriorityNormal, noopTask()))
	require.NoError(t, q.push("h1", PriorityHigh, noopTask()))
	require.NoError(t, q.push("u2", PriorityUrgent, noopTask()))
	assert.Equal(t, 6, q.len())

	var got []string
	for task := q.next(); task != nil; task = q.next() {
		got = append(got, task.source)
		q.done()
	}
	assert.Equal(t, []string{"u1", "u2", "h1", "n1", "n2", "l1"}, got)
	assert.Zero(t, q.len())
}

func TestTaskQueue_PendingIncludesExecuting(t *testing.T) {
	q := newTaskQueue()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	q.now = func() time.Time { return now }

	require.NoError(t, q.push("first", PriorityHigh, noopTask()))
	now = now.Add(time.Second)
	require.NoError(t, q.push("second", PriorityLow, noopTask()))
	require.NoError(t, q.push("third", PriorityUrgent, noopTask()))

	running := q.next()
	require.Equal(t, "third", running.source)
	now = now.Add(2 * time.Second)

	pending := q.pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "third", pending[0].Source)
	assert.True(t, pending[0].Executing)
	assert.Equal(t, "first", pending[1].Source)
	assert.Equal(t, 3*time.Second, pending[1].TimeInQueue)
	assert.Equal(t, start, pending[1].InsertedAt)
	assert.Equal(t, "second", pending[2].Source)
	assert.Equal(t, PriorityLow, pending[2].Priority)
	assert.Equal(t, 2, q.len())

	q.done()
	assert.Len(t, q.pending(), 2)
}

func TestTaskQueue_CloseDrainsAndRejects(t *testing.T) {
	q := newTaskQueue()
	require.NoError(t, q.push("b", PriorityLow, noopTask()))
	require.NoError(t, q.push("a", PriorityHigh, noopTask()))

	drained := q.close()
	require.Len(t, drained, 2)
	assert.Equal(t, "a", drained[0].source)
	assert.Equal(t, "b", drained[1].source)
	assert.ErrorIs(t, q.push("late", PriorityUrgent, noopTask()), ErrServiceClosed)
	assert.Nil(t, q.next())
}

func TestTaskQueue_PushNeverBlocks(t *testing.T) {
	q := newTaskQueue()
	for i := 0; i < 100; i++ {
		require.NoError(t, q.push("t", PriorityNormal, noopTask()))
	}
	assert.Len(t, q.wake, 1)
}

func TestStateHolder_ReplaceBumpsVersion(t *testing.T) {
	initial := NewBuilder("c").PutNode(DiscoveryNode{ID: "local"}).LocalNodeID("local").Build()
	h := newStateHolder(initial)
	require.NoError(t, h.addInitialBlock(ClusterBlock{ID: 7}))

	snap := h.load()
	assert.False(t, snap.real)

	next := initial.ToBuilder().LocalNodeID("").Build()
	committed, previous := h.replace(next)
	assert.Same(t, initial, previous)
	assert.Equal(t, int64(1), committed.Version())
	assert.Equal(t, "local", committed.Nodes().LocalNodeID())
	assert.True(t, committed.Blocks().Has(7))
	assert.NotEmpty(t, committed.StateUUID())

	select {
	case <-snap.changed:
	default:
		t.Fatal("previous snapshot not signalled")
	}
	assert.ErrorIs(t, h.addInitialBlock(ClusterBlock{ID: 8}), ErrIllegalState)

	second, _ := h.replace(committed.ToBuilder().AddBlock(ClusterBlock{ID: 9}).Build())
	assert.Equal(t, int64(2), second.Version())
	assert.True(t, second.Blocks().Has(9))
}
