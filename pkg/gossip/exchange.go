// Package gossip shares per-index shard states between nodes out of band.
//
// Every node publishes only under its own address, so a key has exactly one
// writer. Reads never fail: anything that keeps a value from being read
// and decoded yields the caller's default.
package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"clusterd/pkg/cluster"
	"clusterd/pkg/logger"
	"clusterd/pkg/metrics"
	"clusterd/pkg/resilience"
	"clusterd/pkg/storage"
)

// Entry is the wire form of one published shard state.
type Entry struct {
	State     cluster.ShardRoutingState `json:"state"`
	Version   int64                     `json:"version"`
	Timestamp time.Time                 `json:"timestamp"`
}

// Encode renders e as JSON.
func (e Entry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEntry parses a published entry. Unknown state names are an error.
func DecodeEntry(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("invalid shard state entry: %w", err)
	}
	return e, nil
}

// Option configures an Exchange.
type Option func(*Exchange)

func WithLogger(l *zap.Logger) Option {
	return func(e *Exchange) { e.logger = l }
}

func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(e *Exchange) { e.breaker = cb }
}

func WithTimeout(d time.Duration) Option {
	return func(e *Exchange) { e.timeout = d }
}

// Exchange reads and writes shard states through a ShardStateStore.
type Exchange struct {
	address string
	store   storage.ShardStateStore
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	version atomic.Int64

	mu         sync.RWMutex
	local      map[string]Entry
	writeLocks map[string]*sync.Mutex
}

// NewExchange publishes under localAddress. Versions start at the current
// Unix time in milliseconds so a restarted writer still moves forward.
func NewExchange(localAddress string, store storage.ShardStateStore, opts ...Option) *Exchange {
	e := &Exchange{
		address: localAddress,
		store:   store,
		timeout: 2 * time.Second,
		now:     time.Now,
		local:   make(map[string]Entry),

		writeLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Named("gossip")
	}
	if e.breaker == nil {
		cfg := resilience.DefaultCircuitBreakerConfig()
		cfg.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, context.Canceled)
		}
		e.breaker = resilience.NewCircuitBreaker("gossip", cfg)
	}
	e.version.Store(e.now().UnixMilli())
	return e
}

func (e *Exchange) LocalAddress() string { return e.address }

func (e *Exchange) Breaker() *resilience.CircuitBreaker { return e.breaker }

// ReadIndexShardState returns the state address last published for index,
// or def when there is none or it cannot be read.
func (e *Exchange) ReadIndexShardState(ctx context.Context, address, index string, def cluster.ShardRoutingState) cluster.ShardRoutingState {
	entry, ok := e.ReadEntry(ctx, address, index)
	if !ok {
		return def
	}
	return entry.State
}

// ReadEntry is ReadIndexShardState with the full entry. ok is false when the
// caller should fall back to a default.
func (e *Exchange) ReadEntry(ctx context.Context, address, index string) (Entry, bool) {
	if address == e.address {
		e.mu.RLock()
		entry, ok := e.local[index]
		e.mu.RUnlock()
		if ok {
			metrics.RecordGossipRead("local")
			return entry, true
		}
	}

	var raw []byte
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		var err error
		raw, err = e.store.GetShardState(ctx, address, index)
		return err
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		metrics.RecordGossipRead("missing")
		return Entry{}, false
	case err != nil:
		metrics.RecordGossipRead("error")
		e.logger.Debug("Shard state read failed, using default",
			zap.String("address", address),
			zap.String("index", index),
			zap.Error(err),
		)
		return Entry{}, false
	}

	entry, err := DecodeEntry(raw)
	if err != nil {
		metrics.RecordGossipRead("invalid")
		e.logger.Warn("Ignoring undecodable shard state",
			zap.String("address", address),
			zap.String("index", index),
			zap.Error(err),
		)
		return Entry{}, false
	}
	metrics.RecordGossipRead("hit")
	return entry, true
}

// WriteIndexShardState publishes state for index under the local address.
// The local cache is updated even when the store write fails, and the error
// is returned. Writes to the same index are serialized so the cache and the
// store always end on the same version.
func (e *Exchange) WriteIndexShardState(ctx context.Context, index string, state cluster.ShardRoutingState) error {
	lock := e.indexLock(index)
	lock.Lock()
	defer lock.Unlock()

	entry := Entry{
		State:     state,
		Version:   e.version.Add(1),
		Timestamp: e.now().UTC(),
	}
	data, err := entry.Encode()
	if err != nil {
		metrics.RecordGossipWrite("invalid")
		return err
	}

	e.mu.Lock()
	if cached, ok := e.local[index]; !ok || cached.Version < entry.Version {
		e.local[index] = entry
	}
	e.mu.Unlock()

	err = e.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		return e.store.PutShardState(ctx, e.address, index, data)
	})
	if err != nil {
		metrics.RecordGossipWrite("error")
		e.logger.Warn("Failed to publish shard state",
			zap.String("index", index),
			zap.Stringer("state", state),
			zap.Error(err),
		)
		return fmt.Errorf("publish shard state for [%s]: %w", index, err)
	}
	metrics.RecordGossipWrite("ok")
	return nil
}

func (e *Exchange) indexLock(index string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.writeLocks[index]
	if !ok {
		l = &sync.Mutex{}
		e.writeLocks[index] = l
	}
	return l
}

// LocalStates returns a copy of everything this node has published.
func (e *Exchange) LocalStates() map[string]Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Entry, len(e.local))
	for index, entry := range e.local {
		out[index] = entry
	}
	return out
}
