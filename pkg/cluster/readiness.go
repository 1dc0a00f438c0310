package cluster

import (
	"context"

	"clusterd/pkg/metrics"
)

// WaitShardsStarted blocks until a committed state has every shard copy
// assigned to the local node in STARTED. A node that owns no shards is ready
// as soon as the first state is committed. It returns ctx.Err() when ctx is
// done and ErrServiceClosed when the service shuts down first.
func (s *Service) WaitShardsStarted(ctx context.Context) error {
	metrics.ReadinessWaiters.Inc()
	defer metrics.ReadinessWaiters.Dec()

	for {
		snap := s.holder.load()
		if snap.real && LocalShardsStarted(snap.state) {
			return nil
		}
		select {
		case <-snap.changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.holder.done():
			return ErrServiceClosed
		}
	}
}

// LocalShardsStarted reports whether every shard copy on the local node of
// state is STARTED.
func LocalShardsStarted(state *ClusterState) bool {
	local := state.Nodes().LocalNodeID()
	for _, shard := range state.RoutingTable().ShardsOnNode(local) {
		if shard.State != ShardStarted {
			return false
		}
	}
	return true
}
