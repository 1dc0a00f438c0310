package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"clusterd/pkg/cluster"
	"clusterd/pkg/coordination"
)

// Config describes the etcd connection and key namespace.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// SessionTTL is the lease TTL backing elections, in seconds.
	SessionTTL int
	// Namespace prefixes every key, e.g. "/clusterd/prod".
	Namespace string
}

type EtcdCoordinator struct {
	client    *clientv3.Client
	session   *concurrency.Session
	namespace string

	mu    sync.Mutex
	lease clientv3.LeaseID
}

func NewEtcdCoordinator(cfg Config) (*EtcdCoordinator, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// The session keeps its lease alive in the background; losing it ends
	// any leadership held through it.
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(cfg.SessionTTL))
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}

	return &EtcdCoordinator{
		client:    cli,
		session:   sess,
		namespace: strings.TrimSuffix(cfg.Namespace, "/"),
	}, nil
}

// Client exposes the underlying client for stores sharing the connection.
func (c *EtcdCoordinator) Client() *clientv3.Client { return c.client }

func (c *EtcdCoordinator) Namespace() string { return c.namespace }

func (c *EtcdCoordinator) Close() error {
	if c.session != nil {
		_ = c.session.Close()
	}
	return c.client.Close()
}

func (c *EtcdCoordinator) NewElection(name string) coordination.Election {
	e := concurrency.NewElection(c.session, c.namespace+"/elections/"+name)
	return &EtcdElection{election: e}
}

// EtcdElection wraps the etcd concurrency.Election struct
type EtcdElection struct {
	election *concurrency.Election
}

func (e *EtcdElection) Campaign(ctx context.Context, value string) error {
	return e.election.Campaign(ctx, value)
}

func (e *EtcdElection) Resign(ctx context.Context) error {
	return e.election.Resign(ctx)
}

func (e *EtcdElection) Leader(ctx context.Context) (string, error) {
	resp, err := e.election.Leader(ctx)
	if err != nil {
		if errors.Is(err, concurrency.ErrElectionNoLeader) {
			return "", coordination.ErrNoLeader
		}
		return "", err
	}
	return string(resp.Kvs[0].Value), nil
}

func (e *EtcdElection) Observe(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for resp := range e.election.Observe(ctx) {
			if len(resp.Kvs) == 0 {
				continue
			}
			select {
			case out <- string(resp.Kvs[0].Value):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (c *EtcdCoordinator) nodesPrefix() string {
	return c.namespace + "/nodes/"
}

// RegisterNode writes the node record under a lease. Repeated calls refresh
// the same lease and only grant a new one once it expired.
func (c *EtcdCoordinator) RegisterNode(ctx context.Context, node cluster.DiscoveryNode, ttl time.Duration) error {
	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lease != 0 {
		if _, err := c.client.KeepAliveOnce(ctx, c.lease); err == nil {
			_, err = c.client.Put(ctx, c.nodesPrefix()+node.ID, string(payload), clientv3.WithLease(c.lease))
			if err != nil {
				return fmt.Errorf("failed to put node key: %w", err)
			}
			return nil
		}
		c.lease = 0
	}

	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	resp, err := c.client.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	if _, err := c.client.Put(ctx, c.nodesPrefix()+node.ID, string(payload), clientv3.WithLease(resp.ID)); err != nil {
		return fmt.Errorf("failed to put node key: %w", err)
	}
	c.lease = resp.ID
	return nil
}

func (c *EtcdCoordinator) ActiveNodes(ctx context.Context) ([]cluster.DiscoveryNode, error) {
	resp, err := c.client.Get(ctx, c.nodesPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]cluster.DiscoveryNode, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var n cluster.DiscoveryNode
		if err := json.Unmarshal(kv.Value, &n); err != nil {
			// Older or foreign entries carry no record; fall back to the key.
			n = cluster.DiscoveryNode{ID: strings.TrimPrefix(string(kv.Key), c.nodesPrefix())}
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
