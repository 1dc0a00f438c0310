package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"clusterd/pkg/storage"
)

// KeyPrefix namespaces the per-address hashes. Each node address owns one
// hash whose fields are index names.
const KeyPrefix = "clusterd:shard_state:"

type ShardStateStore struct {
	client  *redis.Client
	cluster string
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

// DefaultConfig returns connection defaults sized for small metadata traffic.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolTimeout:  2 * time.Second,
	}
}

// NewShardStateStore connects to Redis and verifies the connection.
// clusterName scopes keys so several clusters can share one Redis.
func NewShardStateStore(clusterName string, cfg Config) (*ShardStateStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  cfg.PoolTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewShardStateStoreWithClient(clusterName, client), nil
}

// NewShardStateStoreWithClient wraps an existing client.
func NewShardStateStoreWithClient(clusterName string, client *redis.Client) *ShardStateStore {
	return &ShardStateStore{client: client, cluster: clusterName}
}

func (s *ShardStateStore) key(address string) string {
	return KeyPrefix + s.cluster + ":" + address
}

func (s *ShardStateStore) GetShardState(ctx context.Context, address, index string) ([]byte, error) {
	value, err := s.client.HGet(ctx, s.key(address), index).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read shard state: %w", err)
	}
	return value, nil
}

func (s *ShardStateStore) PutShardState(ctx context.Context, address, index string, value []byte) error {
	if err := s.client.HSet(ctx, s.key(address), index, value).Err(); err != nil {
		return fmt.Errorf("failed to write shard state: %w", err)
	}
	return nil
}

func (s *ShardStateStore) ListShardStates(ctx context.Context, address string) (map[string][]byte, error) {
	fields, err := s.client.HGetAll(ctx, s.key(address)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list shard states: %w", err)
	}
	out := make(map[string][]byte, len(fields))
	for index, value := range fields {
		out[index] = []byte(value)
	}
	return out, nil
}

func (s *ShardStateStore) Close() error {
	return s.client.Close()
}
