package coordination

import (
	"context"
	"errors"
	"time"

	"clusterd/pkg/cluster"
)

// ErrNoLeader is returned by Election.Leader while nobody holds the role.
var ErrNoLeader = errors.New("no leader elected")

// Coordinator handles distributed coordination tasks.
type Coordinator interface {
	// NewElection creates a new election instance for a given campaign name.
	NewElection(name string) Election

	// RegisterNode publishes node as alive for ttl. Call it again before
	// ttl runs out to stay registered.
	RegisterNode(ctx context.Context, node cluster.DiscoveryNode, ttl time.Duration) error

	// ActiveNodes lists nodes whose registration has not expired.
	ActiveNodes(ctx context.Context) ([]cluster.DiscoveryNode, error)

	// Close terminates the coordinator connection.
	Close() error
}

// Election represents a single leader election campaign.
type Election interface {
	// Campaign starts the process of trying to become leader.
	// It blocks until leadership is acquired or an error occurs.
	Campaign(ctx context.Context, value string) error

	// Resign releases leadership.
	Resign(ctx context.Context) error

	// Leader returns the current leader's value, or ErrNoLeader.
	Leader(ctx context.Context) (string, error)

	// Observe streams the leader value each time it changes. The channel is
	// closed when ctx is done or the underlying watch fails.
	Observe(ctx context.Context) <-chan string
}
