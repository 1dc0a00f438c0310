package cluster_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"clusterd/pkg/cluster"
)

const waitTimeout = 5 * time.Second

func localNode() cluster.DiscoveryNode {
	return cluster.DiscoveryNode{ID: "node-1", Name: "node-1", Address: "10.0.0.1:9300"}
}

func newService(t *testing.T, opts ...cluster.Option) *cluster.Service {
	t.Helper()
	opts = append([]cluster.Option{cluster.WithLogger(zap.NewNop())}, opts...)
	svc := cluster.NewService("test-cluster", localNode(), opts...)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func startService(t *testing.T, opts ...cluster.Option) *cluster.Service {
	t.Helper()
	svc := newService(t, opts...)
	require.NoError(t, svc.Start(context.Background()))
	return svc
}

// taskResult collects the outcome of one submitted task.
type taskResult struct {
	done     chan struct{}
	once     sync.Once
	err      error
	previous *cluster.ClusterState
	current  *cluster.ClusterState
}

func newTaskResult() *taskResult {
	return &taskResult{done: make(chan struct{})}
}

func (r *taskResult) task(run func(*cluster.ClusterState) (*cluster.ClusterState, error)) *cluster.FuncTask {
	return &cluster.FuncTask{
		Run: run,
		Failure: func(_ string, err error) {
			r.once.Do(func() {
				r.err = err
				close(r.done)
			})
		},
		Processed: func(_ string, previous, current *cluster.ClusterState) {
			r.once.Do(func() {
				r.previous = previous
				r.current = current
				close(r.done)
			})
		},
	}
}

func (r *taskResult) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for task")
	}
}

// submitAndWait runs fn as a NORMAL task and waits for it to finish.
func submitAndWait(t *testing.T, svc *cluster.Service, source string, fn func(*cluster.ClusterState) (*cluster.ClusterState, error)) *taskResult {
	t.Helper()
	res := newTaskResult()
	require.NoError(t, svc.SubmitStateUpdateTask(source, res.task(fn)))
	res.wait(t)
	return res
}

// blockProcessor occupies the processor until the returned release func is
// called.
func blockProcessor(t *testing.T, svc *cluster.Service) (release func()) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	require.NoError(t, svc.Submit("gate", cluster.PriorityUrgent, cluster.TaskFunc(func(s *cluster.ClusterState) (*cluster.ClusterState, error) {
		close(started)
		<-gate
		return s, nil
	})))
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("processor did not pick up gate task")
	}
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

func addShard(index string, shard int, node string, state cluster.ShardRoutingState) func(*cluster.ClusterState) (*cluster.ClusterState, error) {
	return func(s *cluster.ClusterState) (*cluster.ClusterState, error) {
		return s.ToBuilder().PutShard(cluster.ShardRouting{
			Index: index, ShardID: shard, NodeID: node, Primary: true, State: state,
		}).Build(), nil
	}
}

func putNode(n cluster.DiscoveryNode) func(*cluster.ClusterState) (*cluster.ClusterState, error) {
	return func(s *cluster.ClusterState) (*cluster.ClusterState, error) {
		return s.ToBuilder().PutNode(n).Build(), nil
	}
}

func electMaster(id string) func(*cluster.ClusterState) (*cluster.ClusterState, error) {
	return func(s *cluster.ClusterState) (*cluster.ClusterState, error) {
		return s.ToBuilder().MasterNodeID(id).Build(), nil
	}
}
