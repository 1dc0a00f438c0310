package storage

import (
	"context"
	"errors"

	"clusterd/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrClosed   = errors.New("store closed")
)

// ShardStateStore is the shared map behind the gossip exchange. Values are
// opaque encoded entries keyed by (node address, index name); a put
// overwrites whatever the key held.
type ShardStateStore interface {
	// GetShardState returns ErrNotFound when the key was never written.
	GetShardState(ctx context.Context, address, index string) ([]byte, error)

	PutShardState(ctx context.Context, address, index string, value []byte) error

	// ListShardStates returns every entry published under address, keyed by index.
	ListShardStates(ctx context.Context, address string) (map[string][]byte, error)

	Close() error
}

// TaskJournal persists a history of processed update tasks.
type TaskJournal interface {
	Append(ctx context.Context, records ...*models.TaskRecord) error

	// ListRecent returns up to limit records, newest first.
	ListRecent(ctx context.Context, limit int) ([]models.TaskRecord, error)

	Close() error
}
