package gossip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"clusterd/pkg/cluster"
)

// AggregateState folds the states of a node's copies of one index into the
// single value it announces: the least advanced copy wins, so STARTED means
// every local copy has started.
func AggregateState(shards []cluster.ShardRouting) cluster.ShardRoutingState {
	agg := cluster.ShardStarted
	for _, s := range shards {
		if progress(s.State) < progress(agg) {
			agg = s.State
		}
	}
	return agg
}

func progress(s cluster.ShardRoutingState) int {
	switch s {
	case cluster.ShardUnassigned:
		return 0
	case cluster.ShardInitializing:
		return 1
	case cluster.ShardRelocating:
		return 2
	default:
		return 3
	}
}

// Announcer publishes the local node's per-index shard state whenever it
// changes, and re-announces everything on a cron schedule so nodes that
// missed a write catch up.
type Announcer struct {
	exchange *Exchange
	state    func() *cluster.ClusterState
	logger   *zap.Logger
	timeout  time.Duration

	mu        sync.Mutex
	announced map[string]cluster.ShardRoutingState

	cron *cron.Cron
}

// NewAnnouncer announces through exchange. state supplies the current
// cluster state for scheduled re-announcements.
func NewAnnouncer(exchange *Exchange, state func() *cluster.ClusterState, log *zap.Logger) *Announcer {
	if log == nil {
		log = exchange.logger
	}
	return &Announcer{
		exchange:  exchange,
		state:     state,
		logger:    log.With(zap.String("component", "announcer")),
		timeout:   5 * time.Second,
		announced: make(map[string]cluster.ShardRoutingState),
	}
}

// ClusterChanged publishes indices whose local aggregate state moved.
func (a *Announcer) ClusterChanged(event cluster.ChangedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	for _, index := range event.IndicesChanged() {
		a.announce(ctx, event.State, index, false)
	}
}

// AnnounceAll republishes every index with local shards.
func (a *Announcer) AnnounceAll(ctx context.Context) int {
	state := a.state()
	local := state.Nodes().LocalNodeID()
	count := 0
	seen := make(map[string]struct{})
	for _, shard := range state.RoutingTable().ShardsOnNode(local) {
		if _, ok := seen[shard.Index]; ok {
			continue
		}
		seen[shard.Index] = struct{}{}
		if a.announce(ctx, state, shard.Index, true) {
			count++
		}
	}
	return count
}

func (a *Announcer) announce(ctx context.Context, state *cluster.ClusterState, index string, force bool) bool {
	local := state.Nodes().LocalNodeID()
	var mine []cluster.ShardRouting
	for _, s := range state.RoutingTable().IndexShards(index) {
		if s.NodeID == local {
			mine = append(mine, s)
		}
	}

	a.mu.Lock()
	if len(mine) == 0 {
		delete(a.announced, index)
		a.mu.Unlock()
		return false
	}
	agg := AggregateState(mine)
	if prev, ok := a.announced[index]; ok && prev == agg && !force {
		a.mu.Unlock()
		return false
	}
	a.announced[index] = agg
	a.mu.Unlock()

	if err := a.exchange.WriteIndexShardState(ctx, index, agg); err != nil {
		// Forget it so the next change or re-announce retries.
		a.mu.Lock()
		delete(a.announced, index)
		a.mu.Unlock()
		return false
	}
	a.logger.Debug("Announced shard state", zap.String("index", index), zap.Stringer("state", agg))
	return true
}

// Start schedules periodic re-announcement. spec is a standard five field
// cron expression or a descriptor such as "@every 30s". An empty spec
// disables the schedule.
func (a *Announcer) Start(spec string) error {
	if spec == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		n := a.AnnounceAll(ctx)
		a.logger.Debug("Re-announced shard states", zap.Int("indices", n))
	})
	if err != nil {
		return fmt.Errorf("invalid re-announce schedule %q: %w", spec, err)
	}
	a.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running re-announce to finish.
func (a *Announcer) Stop() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
}
