package cluster

import (
	"sort"
)

// DiscoveryNode describes a cluster member.
type DiscoveryNode struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Address    string            `json:"address"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (n DiscoveryNode) clone() DiscoveryNode {
	if n.Attributes != nil {
		attrs := make(map[string]string, len(n.Attributes))
		for k, v := range n.Attributes {
			attrs[k] = v
		}
		n.Attributes = attrs
	}
	return n
}

// DiscoveryNodes is the node roster of a cluster state, including which node
// is local and which one currently holds the master role.
type DiscoveryNodes struct {
	nodes    map[string]DiscoveryNode
	localID  string
	masterID string
}

func (dn DiscoveryNodes) Get(id string) (DiscoveryNode, bool) {
	n, ok := dn.nodes[id]
	return n.clone(), ok
}

func (dn DiscoveryNodes) LocalNodeID() string  { return dn.localID }
func (dn DiscoveryNodes) MasterNodeID() string { return dn.masterID }
func (dn DiscoveryNodes) Size() int            { return len(dn.nodes) }

func (dn DiscoveryNodes) LocalNode() (DiscoveryNode, bool) {
	return dn.Get(dn.localID)
}

func (dn DiscoveryNodes) MasterNode() (DiscoveryNode, bool) {
	if dn.masterID == "" {
		return DiscoveryNode{}, false
	}
	return dn.Get(dn.masterID)
}

// IsLocalNodeMaster reports whether the local node holds the master role.
func (dn DiscoveryNodes) IsLocalNodeMaster() bool {
	return dn.localID != "" && dn.localID == dn.masterID
}

// All returns the nodes sorted by id.
func (dn DiscoveryNodes) All() []DiscoveryNode {
	out := make([]DiscoveryNode, 0, len(dn.nodes))
	for _, n := range dn.nodes {
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (dn DiscoveryNodes) sameMembers(other DiscoveryNodes) bool {
	if len(dn.nodes) != len(other.nodes) {
		return false
	}
	for id, n := range dn.nodes {
		o, ok := other.nodes[id]
		if !ok || o.Address != n.Address || o.Name != n.Name {
			return false
		}
	}
	return true
}

// BlockLevel is an operation class a block restricts.
type BlockLevel string

const (
	BlockLevelRead     BlockLevel = "read"
	BlockLevelWrite    BlockLevel = "write"
	BlockLevelMetadata BlockLevel = "metadata"
)

// ClusterBlock restricts operations on the cluster until it is lifted.
// Blocks are identified by ID.
type ClusterBlock struct {
	ID          int          `json:"id"`
	Description string       `json:"description"`
	Retryable   bool         `json:"retryable"`
	Levels      []BlockLevel `json:"levels"`
}

// ClusterBlocks is an immutable set of blocks keyed by id.
type ClusterBlocks struct {
	blocks map[int]ClusterBlock
}

func (cb ClusterBlocks) Has(id int) bool {
	_, ok := cb.blocks[id]
	return ok
}

func (cb ClusterBlocks) Len() int { return len(cb.blocks) }

// All returns the blocks sorted by id.
func (cb ClusterBlocks) All() []ClusterBlock {
	out := make([]ClusterBlock, 0, len(cb.blocks))
	for _, b := range cb.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Blocked reports whether any block restricts level.
func (cb ClusterBlocks) Blocked(level BlockLevel) bool {
	for _, b := range cb.blocks {
		for _, l := range b.Levels {
			if l == level {
				return true
			}
		}
	}
	return false
}

func (cb ClusterBlocks) sameIDs(other ClusterBlocks) bool {
	if len(cb.blocks) != len(other.blocks) {
		return false
	}
	for id := range cb.blocks {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// ClusterState is an immutable snapshot of the cluster. New states are made
// with a Builder; a state is never modified after Build.
type ClusterState struct {
	version     int64
	stateUUID   string
	clusterName string
	nodes       DiscoveryNodes
	routing     RoutingTable
	blocks      ClusterBlocks
}

func (s *ClusterState) Version() int64             { return s.version }
func (s *ClusterState) StateUUID() string          { return s.stateUUID }
func (s *ClusterState) ClusterName() string        { return s.clusterName }
func (s *ClusterState) Nodes() DiscoveryNodes      { return s.nodes }
func (s *ClusterState) RoutingTable() RoutingTable { return s.routing }
func (s *ClusterState) Blocks() ClusterBlocks      { return s.blocks }

// ToBuilder starts a new state from a copy of s.
func (s *ClusterState) ToBuilder() *Builder {
	b := NewBuilder(s.clusterName)
	b.version = s.version
	b.stateUUID = s.stateUUID
	b.localID = s.nodes.localID
	b.masterID = s.nodes.masterID
	for id, n := range s.nodes.nodes {
		b.nodes[id] = n.clone()
	}
	for index, shards := range s.routing.indices {
		b.shards[index] = append([]ShardRouting(nil), shards...)
	}
	for id, blk := range s.blocks.blocks {
		b.blocks[id] = blk
	}
	return b
}

// Builder assembles a ClusterState. A Builder must not be used after Build.
type Builder struct {
	version     int64
	stateUUID   string
	clusterName string
	localID     string
	masterID    string
	nodes       map[string]DiscoveryNode
	shards      map[string][]ShardRouting
	blocks      map[int]ClusterBlock
}

func NewBuilder(clusterName string) *Builder {
	return &Builder{
		clusterName: clusterName,
		nodes:       make(map[string]DiscoveryNode),
		shards:      make(map[string][]ShardRouting),
		blocks:      make(map[int]ClusterBlock),
	}
}

func (b *Builder) Version(v int64) *Builder {
	b.version = v
	return b
}

func (b *Builder) IncrementVersion() *Builder {
	b.version++
	return b
}

func (b *Builder) StateUUID(id string) *Builder {
	b.stateUUID = id
	return b
}

func (b *Builder) PutNode(n DiscoveryNode) *Builder {
	b.nodes[n.ID] = n.clone()
	return b
}

// RemoveNode drops the node; a removed master leaves the cluster masterless.
func (b *Builder) RemoveNode(id string) *Builder {
	delete(b.nodes, id)
	if b.masterID == id {
		b.masterID = ""
	}
	return b
}

func (b *Builder) LocalNodeID(id string) *Builder {
	b.localID = id
	return b
}

func (b *Builder) MasterNodeID(id string) *Builder {
	b.masterID = id
	return b
}

// PutShard adds a shard copy or replaces the copy with the same index,
// shard id, primary flag and node.
func (b *Builder) PutShard(s ShardRouting) *Builder {
	shards := b.shards[s.Index]
	for i := range shards {
		if shards[i].sameCopy(s) {
			shards[i] = s
			return b
		}
	}
	b.shards[s.Index] = append(shards, s)
	return b
}

// UpdateShardState moves every copy of index/shard on nodeID to state.
func (b *Builder) UpdateShardState(index string, shardID int, nodeID string, state ShardRoutingState) *Builder {
	for i, s := range b.shards[index] {
		if s.ShardID == shardID && s.NodeID == nodeID {
			b.shards[index][i].State = state
		}
	}
	return b
}

func (b *Builder) RemoveIndex(index string) *Builder {
	delete(b.shards, index)
	return b
}

func (b *Builder) Routing(rt RoutingTable) *Builder {
	b.shards = make(map[string][]ShardRouting, len(rt.indices))
	for index, shards := range rt.indices {
		b.shards[index] = append([]ShardRouting(nil), shards...)
	}
	return b
}

func (b *Builder) AddBlock(block ClusterBlock) *Builder {
	b.blocks[block.ID] = block
	return b
}

func (b *Builder) RemoveBlock(id int) *Builder {
	delete(b.blocks, id)
	return b
}

func (b *Builder) Build() *ClusterState {
	s := &ClusterState{
		version:     b.version,
		stateUUID:   b.stateUUID,
		clusterName: b.clusterName,
		nodes: DiscoveryNodes{
			nodes:    make(map[string]DiscoveryNode, len(b.nodes)),
			localID:  b.localID,
			masterID: b.masterID,
		},
		routing: RoutingTable{indices: make(map[string][]ShardRouting, len(b.shards))},
		blocks:  ClusterBlocks{blocks: make(map[int]ClusterBlock, len(b.blocks))},
	}
	for id, n := range b.nodes {
		s.nodes.nodes[id] = n.clone()
	}
	for index, shards := range b.shards {
		if len(shards) > 0 {
			s.routing.indices[index] = append([]ShardRouting(nil), shards...)
		}
	}
	for id, blk := range b.blocks {
		s.blocks.blocks[id] = blk
	}
	return s
}

// ChangedEvent describes one committed transition.
type ChangedEvent struct {
	Source   string
	State    *ClusterState
	Previous *ClusterState
}

func (e ChangedEvent) NodesChanged() bool {
	return !e.State.nodes.sameMembers(e.Previous.nodes)
}

func (e ChangedEvent) MasterChanged() bool {
	return e.State.nodes.masterID != e.Previous.nodes.masterID
}

func (e ChangedEvent) LocalNodeMaster() bool {
	return e.State.nodes.IsLocalNodeMaster()
}

func (e ChangedEvent) BlocksChanged() bool {
	return !e.State.blocks.sameIDs(e.Previous.blocks)
}

func (e ChangedEvent) RoutingTableChanged() bool {
	return !e.State.routing.equal(e.Previous.routing)
}

// IndicesChanged lists indices whose shard copies differ between the two states.
func (e ChangedEvent) IndicesChanged() []string {
	var changed []string
	seen := make(map[string]struct{})
	for _, index := range e.State.routing.Indices() {
		seen[index] = struct{}{}
		if !shardsEqual(e.State.routing.indices[index], e.Previous.routing.indices[index]) {
			changed = append(changed, index)
		}
	}
	for _, index := range e.Previous.routing.Indices() {
		if _, ok := seen[index]; !ok {
			changed = append(changed, index)
		}
	}
	sort.Strings(changed)
	return changed
}

func shardsEqual(a, b []ShardRouting) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
