package cluster

import "time"

// UpdateTask computes the next cluster state from the current one.
//
// Execute must not modify current. Returning current itself means no change.
// A non-nil error (or a panic) fails the task; the state is left untouched
// and OnFailure receives the error.
type UpdateTask interface {
	Execute(current *ClusterState) (*ClusterState, error)
	OnFailure(source string, err error)
}

// ProcessedTask is notified once its result has been committed and every
// listener has seen it. It also fires for tasks that made no change.
type ProcessedTask interface {
	OnProcessed(source string, previous, current *ClusterState)
}

// TimedTask bounds how long a task may wait in the queue before it runs.
type TimedTask interface {
	Timeout() time.Duration
}

// TaskFunc is the Execute half of an UpdateTask. Failures are dropped.
type TaskFunc func(current *ClusterState) (*ClusterState, error)

func (f TaskFunc) Execute(current *ClusterState) (*ClusterState, error) { return f(current) }
func (f TaskFunc) OnFailure(string, error)                              {}

// FuncTask assembles an UpdateTask out of optional callbacks.
type FuncTask struct {
	Run       func(current *ClusterState) (*ClusterState, error)
	Failure   func(source string, err error)
	Processed func(source string, previous, current *ClusterState)
	// QueueTimeout, when positive, fails the task with ErrTaskTimedOut if
	// it has not started within that long of submission.
	QueueTimeout time.Duration
}

func (t *FuncTask) Execute(current *ClusterState) (*ClusterState, error) {
	if t.Run == nil {
		return current, nil
	}
	return t.Run(current)
}

func (t *FuncTask) OnFailure(source string, err error) {
	if t.Failure != nil {
		t.Failure(source, err)
	}
}

func (t *FuncTask) OnProcessed(source string, previous, current *ClusterState) {
	if t.Processed != nil {
		t.Processed(source, previous, current)
	}
}

func (t *FuncTask) Timeout() time.Duration { return t.QueueTimeout }
