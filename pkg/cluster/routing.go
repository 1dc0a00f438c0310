package cluster

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// ShardRoutingState is the lifecycle state of a single shard copy.
type ShardRoutingState int

const (
	ShardUnassigned ShardRoutingState = iota
	ShardInitializing
	ShardStarted
	ShardRelocating
)

var shardStateNames = [...]string{"UNASSIGNED", "INITIALIZING", "STARTED", "RELOCATING"}

func (s ShardRoutingState) String() string {
	if s < ShardUnassigned || s > ShardRelocating {
		return fmt.Sprintf("ShardRoutingState(%d)", int(s))
	}
	return shardStateNames[s]
}

// ParseShardRoutingState maps a wire name back to its state. Names are case sensitive.
func ParseShardRoutingState(name string) (ShardRoutingState, error) {
	for i, n := range shardStateNames {
		if n == name {
			return ShardRoutingState(i), nil
		}
	}
	return ShardUnassigned, fmt.Errorf("unknown shard routing state %q", name)
}

func (s ShardRoutingState) MarshalText() ([]byte, error) {
	if s < ShardUnassigned || s > ShardRelocating {
		return nil, fmt.Errorf("invalid shard routing state %d", int(s))
	}
	return []byte(shardStateNames[s]), nil
}

func (s *ShardRoutingState) UnmarshalText(text []byte) error {
	parsed, err := ParseShardRoutingState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ShardRouting places one copy of a shard on a node.
type ShardRouting struct {
	Index   string            `json:"index"`
	ShardID int               `json:"shard"`
	NodeID  string            `json:"node,omitempty"`
	Primary bool              `json:"primary"`
	State   ShardRoutingState `json:"state"`
}

func (r ShardRouting) sameCopy(other ShardRouting) bool {
	return r.Index == other.Index && r.ShardID == other.ShardID && r.Primary == other.Primary && r.NodeID == other.NodeID
}

// RoutingTable is an immutable index -> shard copies view. The zero value is empty.
type RoutingTable struct {
	indices map[string][]ShardRouting
}

// NewRoutingTable groups the given shard copies by index.
func NewRoutingTable(shards ...ShardRouting) RoutingTable {
	rt := RoutingTable{indices: make(map[string][]ShardRouting)}
	for _, s := range shards {
		rt.indices[s.Index] = append(rt.indices[s.Index], s)
	}
	return rt
}

// Indices returns the index names in sorted order.
func (rt RoutingTable) Indices() []string {
	names := make([]string, 0, len(rt.indices))
	for name := range rt.indices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IndexShards returns a copy of every shard copy of index.
func (rt RoutingTable) IndexShards(index string) []ShardRouting {
	return append([]ShardRouting(nil), rt.indices[index]...)
}

// NumberOfShards counts the distinct shard ids of index.
func (rt RoutingTable) NumberOfShards(index string) int {
	return len(rt.ShardIDs(index))
}

// ShardIDs returns the distinct shard ids of index in ascending order.
func (rt RoutingTable) ShardIDs(index string) []int {
	seen := make(map[int]struct{})
	var ids []int
	for _, s := range rt.indices[index] {
		if _, ok := seen[s.ShardID]; ok {
			continue
		}
		seen[s.ShardID] = struct{}{}
		ids = append(ids, s.ShardID)
	}
	sort.Ints(ids)
	return ids
}

// ShardsOnNode returns every shard copy assigned to nodeID, ordered by index and shard id.
func (rt RoutingTable) ShardsOnNode(nodeID string) []ShardRouting {
	var out []ShardRouting
	for _, index := range rt.Indices() {
		for _, s := range rt.indices[index] {
			if s.NodeID == nodeID {
				out = append(out, s)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].ShardID < out[j].ShardID
	})
	return out
}

// AllShards returns every shard copy, ordered by index.
func (rt RoutingTable) AllShards() []ShardRouting {
	var out []ShardRouting
	for _, index := range rt.Indices() {
		out = append(out, rt.indices[index]...)
	}
	return out
}

func (rt RoutingTable) equal(other RoutingTable) bool {
	if len(rt.indices) != len(other.indices) {
		return false
	}
	for index, shards := range rt.indices {
		theirs, ok := other.indices[index]
		if !ok || !shardsEqual(shards, theirs) {
			return false
		}
	}
	return true
}

// OperationRouting resolves which shard of an index serves a document key.
// Routing computation proper lives outside this package; the service only
// hands out the configured implementation.
type OperationRouting interface {
	ShardID(state *ClusterState, index, key string) (int, error)
}

// HashRouting spreads keys over an index's shards with FNV-1a. Only shard
// ids present in the routing table are returned, so gaps are skipped.
type HashRouting struct{}

func (HashRouting) ShardID(state *ClusterState, index, key string) (int, error) {
	ids := state.RoutingTable().ShardIDs(index)
	if len(ids) == 0 {
		return 0, fmt.Errorf("index [%s] has no shards", index)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return ids[h.Sum32()%uint32(len(ids))], nil
}
