package coordination

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"clusterd/pkg/cluster"
	"clusterd/pkg/logger"
	"clusterd/pkg/metrics"
)

// Membership heartbeats the local node into the coordinator and reconciles
// the cluster state's node roster with the coordinator's view of live nodes.
type Membership struct {
	service  *cluster.Service
	coord    Coordinator
	interval time.Duration
	ttl      time.Duration
	logger   *zap.Logger
}

// NewMembership heartbeats every interval. Registrations live for three
// intervals so a single missed beat does not drop the node.
func NewMembership(service *cluster.Service, coord Coordinator, interval time.Duration, log *zap.Logger) *Membership {
	if log == nil {
		log = logger.Named("membership")
	}
	return &Membership{
		service:  service,
		coord:    coord,
		interval: interval,
		ttl:      3 * interval,
		logger:   log,
	}
}

// Run heartbeats until ctx is done.
func (m *Membership) Run(ctx context.Context) error {
	m.beat(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.beat(ctx)
		}
	}
}

func (m *Membership) beat(ctx context.Context) {
	if err := m.coord.RegisterNode(ctx, m.service.LocalNode(), m.ttl); err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("Heartbeat failed", zap.Error(err))
		}
		return
	}
	metrics.HeartbeatsSent.Inc()

	nodes, err := m.coord.ActiveNodes(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("Failed to list active nodes", zap.Error(err))
		}
		return
	}
	err = m.service.Submit("node-roster", cluster.PriorityHigh, RosterTask(nodes))
	if err != nil && !errors.Is(err, cluster.ErrServiceClosed) {
		m.logger.Error("Failed to submit roster update", zap.Error(err))
	}
}

// RosterTask makes the state's node set equal to active, keeping the local
// node and the elected master even if their registrations are missing. The
// master only leaves the roster once the election has moved on, so a lapsed
// heartbeat cannot leave the cluster masterless. The current state is
// returned unchanged when nothing differs.
func RosterTask(active []cluster.DiscoveryNode) cluster.UpdateTask {
	return cluster.TaskFunc(func(current *cluster.ClusterState) (*cluster.ClusterState, error) {
		nodes := current.Nodes()
		local, master := nodes.LocalNodeID(), nodes.MasterNodeID()
		wanted := make(map[string]cluster.DiscoveryNode, len(active))
		for _, n := range active {
			wanted[n.ID] = n
		}

		changed := false
		b := current.ToBuilder()
		for _, existing := range nodes.All() {
			if _, ok := wanted[existing.ID]; !ok && existing.ID != local && existing.ID != master {
				b.RemoveNode(existing.ID)
				changed = true
			}
		}
		for id, n := range wanted {
			existing, ok := nodes.Get(id)
			if !ok || existing.Address != n.Address || existing.Name != n.Name {
				b.PutNode(n)
				changed = true
			}
		}
		if !changed {
			return current, nil
		}
		return b.Build(), nil
	})
}
