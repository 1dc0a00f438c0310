package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Observer waits for cluster states matching a predicate. It remembers the
// last state it handed out, so consecutive waits only ever move forward.
type Observer struct {
	service *Service

	mu       sync.Mutex
	observed *ClusterState
}

func NewObserver(service *Service) *Observer {
	return &Observer{service: service, observed: service.State()}
}

// ObservedState returns the last state this observer returned.
func (o *Observer) ObservedState() *ClusterState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.observed
}

// WaitForNextChange returns the first state committed after the last
// observed one that satisfies predicate. A nil predicate accepts any change.
// It fails with ErrObserverTimedOut once timeout elapses (a non-positive
// timeout waits forever), ErrServiceClosed on shutdown, or ctx.Err().
func (o *Observer) WaitForNextChange(ctx context.Context, timeout time.Duration, predicate func(*ClusterState) bool) (*ClusterState, error) {
	if predicate == nil {
		predicate = func(*ClusterState) bool { return true }
	}
	last := o.ObservedState()
	if current := o.service.State(); current != last && predicate(current) {
		o.advance(current)
		return current, nil
	}

	w := &observerWait{
		service:   o.service,
		last:      last,
		predicate: predicate,
		result:    make(chan observation, 1),
	}
	if timeout > 0 {
		w.deadline = time.Now().Add(timeout)
	}
	o.service.AddTimeoutListener(timeout, w)

	select {
	case res := <-w.result:
		if res.err != nil {
			return nil, res.err
		}
		o.advance(res.state)
		return res.state, nil
	case <-ctx.Done():
		w.finish(observation{err: ctx.Err()})
		o.service.RemoveTimeoutListener(w)
		return nil, ctx.Err()
	}
}

func (o *Observer) advance(state *ClusterState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observed = state
}

type observation struct {
	state *ClusterState
	err   error
}

// observerWait re-registers itself as a timeout listener until the predicate
// holds or the overall deadline passes.
type observerWait struct {
	service   *Service
	predicate func(*ClusterState) bool
	deadline  time.Time

	mu   sync.Mutex
	last *ClusterState

	finished atomic.Bool
	result   chan observation
}

func (w *observerWait) finish(res observation) bool {
	if !w.finished.CompareAndSwap(false, true) {
		return false
	}
	w.result <- res
	return true
}

func (w *observerWait) lastSeen() *ClusterState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// PostAdded closes the gap between the caller's first check and the
// registration: a matching commit in between is picked up here.
func (w *observerWait) PostAdded() {
	if w.finished.Load() {
		return
	}
	if current := w.service.State(); current != w.lastSeen() && w.predicate(current) {
		if w.finish(observation{state: current}) {
			w.service.RemoveTimeoutListener(w)
		}
	}
}

func (w *observerWait) ClusterChanged(event ChangedEvent) {
	if w.finished.Load() {
		return
	}
	if w.predicate(event.State) {
		w.finish(observation{state: event.State})
		return
	}
	w.mu.Lock()
	w.last = event.State
	w.mu.Unlock()
	if w.deadline.IsZero() {
		w.service.AddTimeoutListener(0, w)
		return
	}
	remaining := time.Until(w.deadline)
	if remaining <= 0 {
		w.finish(observation{err: ErrObserverTimedOut})
		return
	}
	w.service.AddTimeoutListener(remaining, w)
}

func (w *observerWait) OnClose() {
	w.finish(observation{err: ErrServiceClosed})
}

func (w *observerWait) OnTimeout(time.Duration) {
	w.finish(observation{err: ErrObserverTimedOut})
}
