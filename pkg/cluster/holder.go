package cluster

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// snapshot is what readers load atomically. changed is closed as soon as a
// newer snapshot replaces this one, which lets waiters block on a state
// transition without registering a listener.
type snapshot struct {
	state   *ClusterState
	real    bool
	changed chan struct{}
}

// stateHolder owns the current cluster state. Only the update processor
// commits to it.
type stateHolder struct {
	current atomic.Pointer[snapshot]

	mu            sync.Mutex
	initialBlocks map[int]ClusterBlock
	closed        chan struct{}
	closeOnce     sync.Once
}

func newStateHolder(initial *ClusterState) *stateHolder {
	h := &stateHolder{
		initialBlocks: make(map[int]ClusterBlock),
		closed:        make(chan struct{}),
	}
	h.current.Store(&snapshot{state: initial, changed: make(chan struct{})})
	return h
}

func (h *stateHolder) state() *ClusterState {
	return h.current.Load().state
}

func (h *stateHolder) load() *snapshot {
	return h.current.Load()
}

func (h *stateHolder) addInitialBlock(block ClusterBlock) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current.Load().real {
		return ErrIllegalState
	}
	h.initialBlocks[block.ID] = block
	return nil
}

func (h *stateHolder) removeInitialBlock(block ClusterBlock) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current.Load().real {
		return ErrIllegalState
	}
	delete(h.initialBlocks, block.ID)
	return nil
}

// replace commits next as the current state and returns the one it
// superseded. The first commit absorbs the pending initial blocks. A commit
// that did not advance the version gets previous+1, and every commit gets a
// fresh state UUID.
func (h *stateHolder) replace(next *ClusterState) (committed, previous *ClusterState) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.current.Load()
	b := next.ToBuilder()
	if !prev.real {
		for _, blk := range h.initialBlocks {
			b.AddBlock(blk)
		}
		h.initialBlocks = make(map[int]ClusterBlock)
	}
	if next.version <= prev.state.version {
		b.Version(prev.state.version + 1)
	}
	if next.nodes.localID == "" {
		b.LocalNodeID(prev.state.nodes.localID)
	}
	b.StateUUID(uuid.NewString())
	committed = b.Build()

	h.current.Store(&snapshot{state: committed, real: true, changed: make(chan struct{})})
	close(prev.changed)
	return committed, prev.state
}

func (h *stateHolder) close() {
	h.closeOnce.Do(func() { close(h.closed) })
}

func (h *stateHolder) done() <-chan struct{} {
	return h.closed
}
