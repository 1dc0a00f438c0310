package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterd/pkg/cluster"
)

func hasNode(id string) func(*cluster.ClusterState) bool {
	return func(s *cluster.ClusterState) bool {
		_, ok := s.Nodes().Get(id)
		return ok
	}
}

func TestObserver_WaitsForMatchingState(t *testing.T) {
	svc := startService(t)
	obs := cluster.NewObserver(svc)

	type result struct {
		state *cluster.ClusterState
		err   error
	}
	out := make(chan result, 1)
	go func() {
		s, err := obs.WaitForNextChange(context.Background(), time.Minute, hasNode("node-3"))
		out <- result{s, err}
	}()

	// Give the observer time to register before the non-matching change.
	time.Sleep(20 * time.Millisecond)
	submitAndWait(t, svc, "t1", putNode(cluster.DiscoveryNode{ID: "node-2"}))
	submitAndWait(t, svc, "t2", putNode(cluster.DiscoveryNode{ID: "node-3"}))

	select {
	case res := <-out:
		require.NoError(t, res.err)
		assert.Equal(t, int64(2), res.state.Version())
		assert.Same(t, res.state, obs.ObservedState())
	case <-time.After(waitTimeout):
		t.Fatal("observer did not return")
	}
}

func TestObserver_ReturnsAlreadyCommittedChange(t *testing.T) {
	svc := startService(t)
	obs := cluster.NewObserver(svc)
	submitAndWait(t, svc, "t1", putNode(cluster.DiscoveryNode{ID: "node-2"}))

	state, err := obs.WaitForNextChange(context.Background(), time.Second, nil)
	require.NoError(t, err)
	assert.Same(t, svc.State(), state)
}

func TestObserver_TimesOut(t *testing.T) {
	svc := startService(t)
	obs := cluster.NewObserver(svc)

	_, err := obs.WaitForNextChange(context.Background(), 30*time.Millisecond, hasNode("never"))
	assert.ErrorIs(t, err, cluster.ErrObserverTimedOut)
}

func TestObserver_HonorsContext(t *testing.T) {
	svc := startService(t)
	obs := cluster.NewObserver(svc)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := obs.WaitForNextChange(ctx, 0, hasNode("never"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestObserver_ServiceClose(t *testing.T) {
	svc := startService(t)
	obs := cluster.NewObserver(svc)

	out := make(chan error, 1)
	go func() {
		_, err := obs.WaitForNextChange(context.Background(), 0, hasNode("never"))
		out <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, svc.Close())

	select {
	case err := <-out:
		assert.ErrorIs(t, err, cluster.ErrServiceClosed)
	case <-time.After(waitTimeout):
		t.Fatal("observer not released on close")
	}
}
