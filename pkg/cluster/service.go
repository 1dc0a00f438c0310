package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"clusterd/pkg/logger"
	"clusterd/pkg/metrics"
)

// DefaultSlowTaskThreshold is the apply+notify time above which a task is
// logged as slow.
const DefaultSlowTaskThreshold = 30 * time.Second

// ProcessorState is the phase of the update processor.
type ProcessorState int32

const (
	ProcessorIdle ProcessorState = iota
	ProcessorApplying
	ProcessorNotifying
	ProcessorShutdown
)

func (s ProcessorState) String() string {
	switch s {
	case ProcessorIdle:
		return "idle"
	case ProcessorApplying:
		return "applying"
	case ProcessorNotifying:
		return "notifying"
	case ProcessorShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Task outcomes as reported to metrics and the TaskRecorder.
const (
	OutcomeApplied   = "applied"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
	OutcomeRejected  = "rejected"
)

// TaskRecord summarizes one finished task.
type TaskRecord struct {
	Source      string
	Priority    Priority
	Outcome     string
	Error       string
	QueuedFor   time.Duration
	ExecutedFor time.Duration
	Version     int64
	StateUUID   string
	CompletedAt time.Time
}

// TaskRecorder receives a record for every task the processor finishes.
// RecordTask runs on the processor goroutine and must not block.
type TaskRecorder interface {
	RecordTask(ctx context.Context, record TaskRecord)
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

func WithOperationRouting(r OperationRouting) Option {
	return func(s *Service) { s.routing = r }
}

func WithSlowTaskThreshold(d time.Duration) Option {
	return func(s *Service) { s.slowTaskThreshold = d }
}

func WithTaskRecorder(r TaskRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

// Service owns the cluster state and applies update tasks to it one at a
// time, notifying listeners of each committed transition before the next
// task starts.
type Service struct {
	localNode DiscoveryNode
	holder    *stateHolder
	queue     *taskQueue
	listeners *listenerRegistry

	routing           OperationRouting
	logger            *zap.Logger
	tracer            trace.Tracer
	recorder          TaskRecorder
	slowTaskThreshold time.Duration

	procState atomic.Int32

	mu      sync.Mutex
	started bool
	closed  bool
	drained []*queuedTask
	stopCh  chan struct{}
	// closedCh is closed once shutdown has fully completed.
	closedCh chan struct{}

	processorID atomic.Uint64
}

// NewService creates a service whose initial, not yet committed state holds
// only the local node.
func NewService(clusterName string, local DiscoveryNode, opts ...Option) *Service {
	s := &Service{
		localNode:         local.clone(),
		queue:             newTaskQueue(),
		routing:           HashRouting{},
		slowTaskThreshold: DefaultSlowTaskThreshold,
		stopCh:            make(chan struct{}),
		closedCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Named("cluster")
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("clusterd/cluster")
	}

	initial := NewBuilder(clusterName).
		PutNode(local).
		LocalNodeID(local.ID).
		Build()
	s.holder = newStateHolder(initial)
	s.listeners = newListenerRegistry(s.logger)
	return s
}

// Start launches the update processor. Cancelling ctx closes the service.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}
	if s.started {
		return fmt.Errorf("%w: service already started", ErrIllegalState)
	}
	s.started = true

	go s.run()
	context.AfterFunc(ctx, func() { _ = s.Close() })

	s.logger.Info("Cluster service started",
		zap.String("cluster", s.holder.state().ClusterName()),
		zap.String("node_id", s.localNode.ID),
	)
	return nil
}

// Close stops accepting tasks, waits for the in-flight task to finish, then
// rejects every task still queued with ErrServiceClosed. Outstanding timeout
// listeners get OnClose. Every call returns only after shutdown completed,
// except a call made from a task or listener callback: that one returns at
// once and shutdown completes when the current cycle ends.
func (s *Service) Close() error {
	s.mu.Lock()
	first := !s.closed
	s.closed = true
	started := s.started
	if first {
		s.drained = s.queue.close()
	}
	s.mu.Unlock()

	if first {
		close(s.stopCh)
		if !started {
			s.processorID.Store(goroutineID())
			s.finishShutdown()
		}
	}

	if id := s.processorID.Load(); id != 0 && id == goroutineID() {
		return nil
	}
	<-s.closedCh
	return nil
}

// finishShutdown runs exactly once, on the processor goroutine after its last
// cycle, or inline in Close when the processor never started.
func (s *Service) finishShutdown() {
	s.mu.Lock()
	drained := s.drained
	s.drained = nil
	s.mu.Unlock()

	s.procState.Store(int32(ProcessorShutdown))
	metrics.PendingTasks.Set(0)

	for _, t := range drained {
		err := fmt.Errorf("task [%s] rejected: %w", t.source, ErrServiceClosed)
		s.notifyFailure(t, err)
		s.record(context.Background(), t, TaskRecord{Outcome: OutcomeRejected, Error: err.Error()})
	}

	s.listeners.close()
	s.holder.close()
	s.logger.Info("Cluster service closed", zap.Int("rejected_tasks", len(drained)))
	close(s.closedCh)
}

// Submit queues task for execution. It never blocks.
func (s *Service) Submit(source string, priority Priority, task UpdateTask) error {
	if task == nil {
		return errors.New("cluster: nil update task")
	}
	if err := s.queue.push(source, priority, task); err != nil {
		return err
	}
	metrics.PendingTasks.Set(float64(s.queue.len()))
	return nil
}

// SubmitStateUpdateTask submits task with NORMAL priority.
func (s *Service) SubmitStateUpdateTask(source string, task UpdateTask) error {
	return s.Submit(source, PriorityNormal, task)
}

// PendingTasks lists the executing task, if any, followed by the queued
// ones in execution order.
func (s *Service) PendingTasks() []PendingTask {
	return s.queue.pending()
}

// NumberOfPendingTasks counts queued tasks, not including the executing one.
func (s *Service) NumberOfPendingTasks() int {
	return s.queue.len()
}

// State returns the current cluster state. It never blocks.
func (s *Service) State() *ClusterState {
	return s.holder.state()
}

func (s *Service) LocalNode() DiscoveryNode {
	return s.localNode.clone()
}

func (s *Service) OperationRouting() OperationRouting {
	return s.routing
}

func (s *Service) ProcessorState() ProcessorState {
	return ProcessorState(s.procState.Load())
}

// AddInitialStateBlock adds a block that will be part of the first committed
// state. It fails with ErrIllegalState once that state exists.
func (s *Service) AddInitialStateBlock(block ClusterBlock) error {
	return s.holder.addInitialBlock(block)
}

func (s *Service) RemoveInitialStateBlock(block ClusterBlock) error {
	return s.holder.removeInitialBlock(block)
}

// AddFirst registers l ahead of every normal listener.
func (s *Service) AddFirst(l StateListener) { s.listeners.add(bucketFirst, l) }

// AddLast registers l after every normal listener.
func (s *Service) AddLast(l StateListener) { s.listeners.add(bucketLast, l) }

// Add registers l in the normal bucket. Adding a listener that is already
// registered in any bucket does nothing.
func (s *Service) Add(l StateListener) { s.listeners.add(bucketNormal, l) }

func (s *Service) Remove(l StateListener) { s.listeners.remove(l) }

func (s *Service) AddMasterListener(l LocalNodeMasterListener) { s.listeners.addMaster(l) }

func (s *Service) RemoveMasterListener(l LocalNodeMasterListener) { s.listeners.removeMaster(l) }

// AddTimeoutListener waits for the next committed transition. If none
// arrives within timeout, l.OnTimeout is called instead. A non-positive
// timeout never expires.
func (s *Service) AddTimeoutListener(timeout time.Duration, l TimeoutStateListener) {
	s.listeners.addTimeout(timeout, l)
}

// RemoveTimeoutListener cancels l's pending registrations without calling it.
func (s *Service) RemoveTimeoutListener(l TimeoutStateListener) {
	s.listeners.removeTimeout(l)
}

func (s *Service) run() {
	s.processorID.Store(goroutineID())
	defer s.finishShutdown()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.queue.wake:
		}
		for {
			select {
			case <-s.stopCh:
				return
			default:
			}
			t := s.queue.next()
			if t == nil {
				break
			}
			metrics.PendingTasks.Set(float64(s.queue.len()))
			s.runTask(t)
			s.queue.done()
		}
	}
}

func (s *Service) runTask(t *queuedTask) {
	ctx, span := s.tracer.Start(context.Background(), "cluster.update_task",
		trace.WithAttributes(
			attribute.String("cluster.task.source", t.source),
			attribute.String("cluster.task.priority", t.priority.String()),
		),
	)
	defer span.End()

	start := time.Now()
	queuedFor := start.Sub(t.insertedAt)
	log := s.logger.With(zap.String("source", t.source), zap.Stringer("priority", t.priority))

	if timed, ok := t.task.(TimedTask); ok && timed.Timeout() > 0 && queuedFor > timed.Timeout() {
		err := fmt.Errorf("task [%s] waited %s in queue: %w", t.source, queuedFor, ErrTaskTimedOut)
		log.Debug("Update task timed out in queue", zap.Duration("queued_for", queuedFor))
		span.SetStatus(codes.Error, err.Error())
		s.notifyFailure(t, err)
		metrics.RecordTask(t.priority.String(), OutcomeTimedOut, 0)
		s.record(ctx, t, TaskRecord{Outcome: OutcomeTimedOut, Error: err.Error(), QueuedFor: queuedFor})
		return
	}

	s.procState.Store(int32(ProcessorApplying))
	defer s.procState.Store(int32(ProcessorIdle))

	previous := s.holder.state()
	next, err := s.execute(t, previous)
	if err != nil {
		elapsed := time.Since(start)
		log.Warn("Failed to execute cluster state update task", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.notifyFailure(t, err)
		metrics.RecordTask(t.priority.String(), OutcomeFailed, elapsed)
		s.record(ctx, t, TaskRecord{
			Outcome:     OutcomeFailed,
			Error:       err.Error(),
			QueuedFor:   queuedFor,
			ExecutedFor: elapsed,
			Version:     previous.Version(),
			StateUUID:   previous.StateUUID(),
		})
		return
	}

	outcome := OutcomeUnchanged
	committed := previous
	if next != nil && next != previous {
		var superseded *ClusterState
		committed, superseded = s.holder.replace(next)
		previous = superseded
		outcome = OutcomeApplied
		metrics.RecordCommit(committed.Version(), committed.Nodes().Size(), committed.Nodes().IsLocalNodeMaster())
		span.SetAttributes(attribute.Int64("cluster.state.version", committed.Version()))

		s.procState.Store(int32(ProcessorNotifying))
		s.listeners.notify(ChangedEvent{Source: t.source, State: committed, Previous: previous})
	}

	if p, ok := t.task.(ProcessedTask); ok {
		s.safeTaskCallback(t, "processed", func() { p.OnProcessed(t.source, previous, committed) })
	}

	elapsed := time.Since(start)
	if s.slowTaskThreshold > 0 && elapsed > s.slowTaskThreshold {
		log.Warn("Cluster state update task took too long",
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", s.slowTaskThreshold),
		)
	} else {
		log.Debug("Processed cluster state update task",
			zap.String("outcome", outcome),
			zap.Int64("version", committed.Version()),
			zap.Duration("elapsed", elapsed),
		)
	}
	metrics.RecordTask(t.priority.String(), outcome, elapsed)
	s.record(ctx, t, TaskRecord{
		Outcome:     outcome,
		QueuedFor:   queuedFor,
		ExecutedFor: elapsed,
		Version:     committed.Version(),
		StateUUID:   committed.StateUUID(),
	})
}

func (s *Service) execute(t *queuedTask, current *ClusterState) (next *ClusterState, err error) {
	defer func() {
		if p := recover(); p != nil {
			next = nil
			err = fmt.Errorf("cluster state update task [%s] panicked: %v", t.source, p)
		}
	}()
	next, err = t.task.Execute(current)
	if err != nil {
		return nil, fmt.Errorf("cluster state update task [%s] failed: %w", t.source, err)
	}
	return next, nil
}

func (s *Service) notifyFailure(t *queuedTask, err error) {
	s.safeTaskCallback(t, "failure", func() { t.task.OnFailure(t.source, err) })
}

func (s *Service) safeTaskCallback(t *queuedTask, kind string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Update task callback failed",
				zap.String("source", t.source),
				zap.String("callback", kind),
				zap.Error(fmt.Errorf("panic: %v", p)),
			)
		}
	}()
	fn()
}

func (s *Service) record(ctx context.Context, t *queuedTask, rec TaskRecord) {
	if s.recorder == nil {
		return
	}
	rec.Source = t.source
	rec.Priority = t.priority
	rec.CompletedAt = time.Now()
	s.recorder.RecordTask(ctx, rec)
}
