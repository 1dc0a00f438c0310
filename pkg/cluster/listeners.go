package cluster

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"clusterd/pkg/metrics"
)

// StateListener observes committed cluster state transitions. Implementations
// must be comparable; use pointer receivers or NewStateListener.
type StateListener interface {
	ClusterChanged(event ChangedEvent)
}

type stateListenerFunc struct {
	fn func(ChangedEvent)
}

func (l *stateListenerFunc) ClusterChanged(event ChangedEvent) { l.fn(event) }

// NewStateListener adapts fn. Every call returns a distinct listener, so keep
// the result around to remove it later.
func NewStateListener(fn func(ChangedEvent)) StateListener {
	return &stateListenerFunc{fn: fn}
}

// LocalNodeMasterListener is told when the local node gains or loses the
// master role.
type LocalNodeMasterListener interface {
	OnMaster()
	OffMaster()
}

// TimeoutStateListener waits for the next transition with an optional
// deadline. Per registration exactly one of ClusterChanged, OnTimeout or
// OnClose is called.
type TimeoutStateListener interface {
	PostAdded()
	ClusterChanged(event ChangedEvent)
	OnClose()
	OnTimeout(timeout time.Duration)
}

type timeoutEntry struct {
	listener TimeoutStateListener
	timeout  time.Duration
	deadline time.Time
	timer    *time.Timer
	fired    atomic.Bool
}

// claim makes the caller the only party allowed to deliver an outcome.
func (e *timeoutEntry) claim() bool {
	if !e.fired.CompareAndSwap(false, true) {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	return true
}

func (e *timeoutEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && !now.Before(e.deadline)
}

// listenerRegistry keeps the listener buckets. Every mutation swaps in a new
// slice so a notification pass can iterate a snapshot without holding mu.
type listenerRegistry struct {
	mu       sync.Mutex
	first    []StateListener
	normal   []StateListener
	last     []StateListener
	timeouts []*timeoutEntry
	masters  []LocalNodeMasterListener
	closed   bool

	logger *zap.Logger
	now    func() time.Time
}

func newListenerRegistry(logger *zap.Logger) *listenerRegistry {
	return &listenerRegistry{logger: logger, now: time.Now}
}

type bucket int

const (
	bucketFirst bucket = iota
	bucketNormal
	bucketLast
)

func (r *listenerRegistry) registered(l StateListener) bool {
	for _, list := range [][]StateListener{r.first, r.normal, r.last} {
		for _, existing := range list {
			if existing == l {
				return true
			}
		}
	}
	return false
}

func (r *listenerRegistry) add(b bucket, l StateListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered(l) {
		return
	}
	switch b {
	case bucketFirst:
		r.first = appendCopy(r.first, l)
	case bucketLast:
		r.last = appendCopy(r.last, l)
	default:
		r.normal = appendCopy(r.normal, l)
	}
}

func (r *listenerRegistry) remove(l StateListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.first = without(r.first, l)
	r.normal = without(r.normal, l)
	r.last = without(r.last, l)
}

func (r *listenerRegistry) addMaster(l LocalNodeMasterListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.masters {
		if existing == l {
			return
		}
	}
	r.masters = appendCopy(r.masters, l)
}

func (r *listenerRegistry) removeMaster(l LocalNodeMasterListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.masters = without(r.masters, l)
}

// addTimeout registers l for the next transition. A non-positive timeout
// waits without a deadline.
func (r *listenerRegistry) addTimeout(timeout time.Duration, l TimeoutStateListener) {
	e := &timeoutEntry{listener: l, timeout: timeout}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		e.fired.Store(true)
		r.safeCall("timeout", l.OnClose)
		return
	}
	if timeout > 0 {
		e.deadline = r.now().Add(timeout)
		e.timer = time.AfterFunc(timeout, func() { r.expire(e) })
	}
	r.timeouts = appendCopy(r.timeouts, e)
	r.mu.Unlock()

	r.safeCall("timeout", l.PostAdded)
}

// removeTimeout drops every pending registration of l without calling it.
func (r *listenerRegistry) removeTimeout(l TimeoutStateListener) {
	r.mu.Lock()
	var kept []*timeoutEntry
	var dropped []*timeoutEntry
	for _, e := range r.timeouts {
		if e.listener == l {
			dropped = append(dropped, e)
		} else {
			kept = append(kept, e)
		}
	}
	r.timeouts = kept
	r.mu.Unlock()

	for _, e := range dropped {
		e.claim()
	}
}

func (r *listenerRegistry) expire(e *timeoutEntry) {
	if !e.claim() {
		return
	}
	r.dropEntry(e)
	metrics.RecordListenerTimeout()
	r.safeCall("timeout", func() { e.listener.OnTimeout(e.timeout) })
}

func (r *listenerRegistry) dropEntry(e *timeoutEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts = without(r.timeouts, e)
}

// notify delivers event to every listener registered when the pass starts.
// Listeners added during the pass are first called on the next transition.
func (r *listenerRegistry) notify(event ChangedEvent) {
	r.mu.Lock()
	first, normal, last := r.first, r.normal, r.last
	timeouts := r.timeouts
	masters := r.masters
	r.mu.Unlock()

	for _, list := range [][]StateListener{first, normal, last} {
		for _, l := range list {
			l := l
			r.safeCall("state", func() { l.ClusterChanged(event) })
		}
	}

	now := r.now()
	for _, e := range timeouts {
		if !e.claim() {
			continue
		}
		r.dropEntry(e)
		e := e
		if e.expired(now) {
			metrics.RecordListenerTimeout()
			r.safeCall("timeout", func() { e.listener.OnTimeout(e.timeout) })
			continue
		}
		r.safeCall("timeout", func() { e.listener.ClusterChanged(event) })
	}

	wasMaster := event.Previous.Nodes().IsLocalNodeMaster()
	isMaster := event.State.Nodes().IsLocalNodeMaster()
	if wasMaster == isMaster {
		return
	}
	for _, l := range masters {
		if isMaster {
			r.safeCall("master", l.OnMaster)
		} else {
			r.safeCall("master", l.OffMaster)
		}
	}
}

// close releases every outstanding timeout registration with OnClose.
func (r *listenerRegistry) close() {
	r.mu.Lock()
	r.closed = true
	pending := r.timeouts
	r.timeouts = nil
	r.mu.Unlock()

	for _, e := range pending {
		if e.claim() {
			r.safeCall("timeout", e.listener.OnClose)
		}
	}
}

func (r *listenerRegistry) safeCall(kind string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			metrics.RecordListenerFailure(kind)
			r.logger.Error("Listener failed",
				zap.String("kind", kind),
				zap.Error(fmt.Errorf("panic: %v", p)),
				zap.Stack("stack"),
			)
		}
	}()
	fn()
}

func appendCopy[T any](list []T, v T) []T {
	out := make([]T, len(list), len(list)+1)
	copy(out, list)
	return append(out, v)
}

func without[T comparable](list []T, v T) []T {
	for i, existing := range list {
		if existing == v {
			out := make([]T, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...)
		}
	}
	return list
}
