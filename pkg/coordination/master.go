package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"clusterd/pkg/cluster"
	"clusterd/pkg/logger"
)

// MasterWatcher campaigns for the master role and mirrors the elected master
// into the cluster state. Every leader change observed from the election is
// submitted as an URGENT update task, so listeners learn about master flips
// through the normal notification path.
type MasterWatcher struct {
	service  *cluster.Service
	election Election
	nodeID   string
	logger   *zap.Logger
	backoff  time.Duration
}

func NewMasterWatcher(service *cluster.Service, election Election, log *zap.Logger) *MasterWatcher {
	if log == nil {
		log = logger.Named("master")
	}
	return &MasterWatcher{
		service:  service,
		election: election,
		nodeID:   service.LocalNode().ID,
		logger:   log,
		backoff:  time.Second,
	}
}

// ErrWatchEnded is returned by Run when the election watch stops while the
// caller's context is still live.
var ErrWatchEnded = errors.New("master election watch ended")

// Run campaigns and follows the election until ctx is done, then resigns.
func (w *MasterWatcher) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	campaignDone := make(chan struct{})
	go func() {
		defer close(campaignDone)
		w.campaign(runCtx)
	}()

	result := ErrWatchEnded
	for leader := range w.election.Observe(runCtx) {
		err := w.service.Submit(fmt.Sprintf("elected-master [%s]", leader), cluster.PriorityUrgent, MasterChangeTask(leader))
		if errors.Is(err, cluster.ErrServiceClosed) {
			result = err
			break
		}
		if err != nil {
			w.logger.Error("Failed to submit master change", zap.String("leader", leader), zap.Error(err))
		}
	}
	cancel()
	<-campaignDone

	resignCtx, cancelResign := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelResign()
	if err := w.election.Resign(resignCtx); err != nil {
		w.logger.Warn("Failed to resign leadership", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return result
}

func (w *MasterWatcher) campaign(ctx context.Context) {
	for {
		err := w.election.Campaign(ctx, w.nodeID)
		if err == nil {
			w.logger.Info("Won master election", zap.String("node_id", w.nodeID))
			return
		}
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("Master campaign failed, retrying", zap.Error(err), zap.Duration("backoff", w.backoff))
		select {
		case <-time.After(w.backoff):
		case <-ctx.Done():
			return
		}
	}
}

// MasterChangeTask sets the master node id, leaving the state untouched when
// it already matches.
func MasterChangeTask(leader string) cluster.UpdateTask {
	return cluster.TaskFunc(func(current *cluster.ClusterState) (*cluster.ClusterState, error) {
		if current.Nodes().MasterNodeID() == leader {
			return current, nil
		}
		return current.ToBuilder().MasterNodeID(leader).Build(), nil
	})
}
