package etcd

import (
	"context"
	"fmt"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"

	"clusterd/pkg/storage"
)

// ShardStateStore keeps gossip entries as plain etcd keys:
// <namespace>/shard_state/<address>/<index>.
type ShardStateStore struct {
	client    *clientv3.Client
	namespace string
}

// NewShardStateStore shares the coordinator's client. Closing the store
// leaves the client open.
func NewShardStateStore(c *EtcdCoordinator) *ShardStateStore {
	return &ShardStateStore{client: c.Client(), namespace: c.Namespace()}
}

func (s *ShardStateStore) prefix(address string) string {
	return s.namespace + "/shard_state/" + address + "/"
}

func (s *ShardStateStore) GetShardState(ctx context.Context, address, index string) ([]byte, error) {
	resp, err := s.client.Get(ctx, s.prefix(address)+index)
	if err != nil {
		return nil, fmt.Errorf("failed to read shard state: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, storage.ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (s *ShardStateStore) PutShardState(ctx context.Context, address, index string, value []byte) error {
	if _, err := s.client.Put(ctx, s.prefix(address)+index, string(value)); err != nil {
		return fmt.Errorf("failed to write shard state: %w", err)
	}
	return nil
}

func (s *ShardStateStore) ListShardStates(ctx context.Context, address string) (map[string][]byte, error) {
	prefix := s.prefix(address)
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list shard states: %w", err)
	}
	out := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[strings.TrimPrefix(string(kv.Key), prefix)] = kv.Value
	}
	return out, nil
}

// Close is a no-op; the coordinator owns the client.
func (s *ShardStateStore) Close() error {
	return nil
}
