package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterd/pkg/storage"
)

// newTestStore connects to the Redis at TEST_REDIS_ADDR, skipping otherwise.
func newTestStore(t *testing.T) *ShardStateStore {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping redis integration test")
	}
	store, err := NewShardStateStore("test-"+uuid.NewString(), DefaultConfig(addr))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := store.client.Keys(ctx, KeyPrefix+store.cluster+":*").Result()
		if len(keys) > 0 {
			store.client.Del(ctx, keys...)
		}
		_ = store.Close()
	})
	return store
}

func TestShardStateStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetShardState(context.Background(), "10.0.0.1:9300", "logs")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestShardStateStore_PutOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutShardState(ctx, "10.0.0.1:9300", "logs", []byte(`{"state":"INITIALIZING"}`)))
	require.NoError(t, store.PutShardState(ctx, "10.0.0.1:9300", "logs", []byte(`{"state":"STARTED"}`)))
	require.NoError(t, store.PutShardState(ctx, "10.0.0.1:9300", "metrics", []byte(`{"state":"STARTED"}`)))
	require.NoError(t, store.PutShardState(ctx, "10.0.0.2:9300", "logs", []byte(`{"state":"UNASSIGNED"}`)))

	value, err := store.GetShardState(ctx, "10.0.0.1:9300", "logs")
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"STARTED"}`, string(value))

	all, err := store.ListShardStates(ctx, "10.0.0.1:9300")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, "metrics")
}
