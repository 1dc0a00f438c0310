package etcd

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"clusterd/pkg/cluster"
	"clusterd/pkg/coordination"
	"clusterd/pkg/storage"
)

// newTestCoordinator connects to TEST_ETCD_ENDPOINTS, skipping otherwise.
func newTestCoordinator(t *testing.T) *EtcdCoordinator {
	t.Helper()
	endpoints := os.Getenv("TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("TEST_ETCD_ENDPOINTS not set, skipping etcd integration test")
	}
	c, err := NewEtcdCoordinator(Config{
		Endpoints:  strings.Split(endpoints, ","),
		SessionTTL: 5,
		Namespace:  "/clusterd-test/" + uuid.NewString(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = c.client.Delete(ctx, c.namespace, clientv3.WithPrefix())
		_ = c.Close()
	})
	return c
}

func TestEtcdCoordinator_RegisterAndList(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	node := cluster.DiscoveryNode{ID: "node-1", Name: "one", Address: "10.0.0.1:9300"}
	require.NoError(t, c.RegisterNode(ctx, node, 5*time.Second))
	require.NoError(t, c.RegisterNode(ctx, node, 5*time.Second))

	nodes, err := c.ActiveNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, node.Address, nodes[0].Address)
}

func TestEtcdElection_CampaignAndObserve(t *testing.T) {
	c := newTestCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	election := c.NewElection("master")
	_, err := election.Leader(ctx)
	assert.ErrorIs(t, err, coordination.ErrNoLeader)

	require.NoError(t, election.Campaign(ctx, "node-1"))
	leader, err := election.Leader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-1", leader)

	select {
	case observed := <-election.Observe(ctx):
		assert.Equal(t, "node-1", observed)
	case <-ctx.Done():
		t.Fatal("no leader observed")
	}
	require.NoError(t, election.Resign(ctx))
}

func TestShardStateStore_RoundTrip(t *testing.T) {
	c := newTestCoordinator(t)
	store := NewShardStateStore(c)
	ctx := context.Background()

	_, err := store.GetShardState(ctx, "10.0.0.1:9300", "logs")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.PutShardState(ctx, "10.0.0.1:9300", "logs", []byte(`{"state":"STARTED"}`)))
	value, err := store.GetShardState(ctx, "10.0.0.1:9300", "logs")
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"STARTED"}`, string(value))

	all, err := store.ListShardStates(ctx, "10.0.0.1:9300")
	require.NoError(t, err)
	assert.Contains(t, all, "logs")
}
