// Package cluster tracks which node owns, clones, or is building each
// partition, and runs the single-sentinel state machine that keeps that
// map balanced and complete as nodes join, leave, or fail.
package cluster

import (
	"fmt"
	"sort"
	"sync"
)

// NodeState describes a node's relationship to one partition.
type NodeState int

const (
	StateFree NodeState = iota
	StateActiveOwner
	StateActiveClone
	StateActivePlaceholder
	StateFailed
)

func (s NodeState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateActiveOwner:
		return "active_owner"
	case StateActiveClone:
		return "active_clone"
	case StateActivePlaceholder:
		return "active_placeholder"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Route is one known cluster member: its node id and the address other
// nodes dial to reach it.
type Route struct {
	NodeID int64
	Host   string
	Port   int
	Failed bool
}

// PartitionEntry is the set of node placements known for one partition id.
// A partition normally carries exactly one StateActiveOwner entry plus zero
// or more StateActiveClone/StateActivePlaceholder entries.
type PartitionEntry struct {
	Placements map[int64]NodeState // node id -> state
}

func newPartitionEntry() *PartitionEntry {
	return &PartitionEntry{Placements: make(map[int64]NodeState)}
}

// Owner returns the node id currently marked active_owner for this
// partition, or (0, false) if none is assigned.
func (p *PartitionEntry) Owner() (int64, bool) {
	for node, state := range p.Placements {
		if state == StateActiveOwner {
			return node, true
		}
	}
	return 0, false
}

// Clones returns every node id marked active_clone for this partition.
func (p *PartitionEntry) Clones() []int64 {
	var out []int64
	for node, state := range p.Placements {
		if state == StateActiveClone {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CountByState returns how many nodes currently hold this partition in the
// given state.
func (p *PartitionEntry) CountByState(state NodeState) int {
	n := 0
	for _, s := range p.Placements {
		if s == state {
			n++
		}
	}
	return n
}

// Diff is a single change to apply to a receiving node's local resources
// when a new cluster map is broadcast — mirrors the four callbacks a
// receiver hangs off map application.
type Diff struct {
	AddPartitions    []int
	RemovePartitions []int
	AddRoutes        []Route
	RemoveRoutes     []int64
}

// Map is the process-wide partition placement table plus the known route
// set, guarded by a read/write mutex. Callers mutate it directly through
// its methods (AddRoute, RemoveRoute, MarkFailed, SetPlacement,
// InitPartitions); ApplyDiff is separate and only drives callbacks.
type Map struct {
	mu         sync.RWMutex
	partitions map[int]*PartitionEntry
	routes     map[int64]Route
	localNode  int64
}

// NewMap creates an empty cluster map for a node identified by localNode
// (its node id, conventionally the millisecond timestamp it started at).
func NewMap(localNode int64) *Map {
	return &Map{
		partitions: make(map[int]*PartitionEntry),
		routes:     make(map[int64]Route),
		localNode:  localNode,
	}
}

// LocalNode returns this process's node id.
func (m *Map) LocalNode() int64 { return m.localNode }

// InitPartitions seeds count partitions (ids 0..count-1), all assigned
// active_owner to the local node — the single-node bootstrap case.
func (m *Map) InitPartitions(count int) error {
	if count < 1 || count > 1000 {
		return fmt.Errorf("cluster: partition count must be 1..1000, got %d", count)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < count; i++ {
		entry := newPartitionEntry()
		entry.Placements[m.localNode] = StateActiveOwner
		m.partitions[i] = entry
	}
	return nil
}

// AddRoute registers or updates a cluster member.
func (m *Map) AddRoute(route Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[route.NodeID] = route
}

// RemoveRoute drops a cluster member and clears its placements from every
// partition it held.
func (m *Map) RemoveRoute(nodeID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, nodeID)
	for _, entry := range m.partitions {
		delete(entry.Placements, nodeID)
	}
}

// MarkFailed flags a route as failed without removing it yet — the
// sentinel's fail-check step verifies recovery before purging.
func (m *Map) MarkFailed(nodeID int64, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.routes[nodeID]; ok {
		r.Failed = failed
		m.routes[nodeID] = r
	}
}

// Routes returns a snapshot of every known route.
func (m *Map) Routes() []Route {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Route, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// ActiveRoutes returns the node ids of every route not currently failed.
func (m *Map) ActiveRoutes() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int64
	for id, r := range m.routes {
		if !r.Failed {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FailedRoutes returns the node ids currently marked failed.
func (m *Map) FailedRoutes() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int64
	for id, r := range m.routes {
		if r.Failed {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PartitionIDs returns every partition id known to the map, sorted.
func (m *Map) PartitionIDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int, 0, len(m.partitions))
	for id := range m.partitions {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Partition returns a copy of one partition's placements.
func (m *Map) Partition(id int) (*PartitionEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.partitions[id]
	if !ok {
		return nil, false
	}
	clone := newPartitionEntry()
	for node, state := range entry.Placements {
		clone.Placements[node] = state
	}
	return clone, true
}

// SetPlacement assigns (or clears, with StateFree) one node's state for a
// partition, creating the partition entry if this is its first placement.
func (m *Map) SetPlacement(partition int, node int64, state NodeState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.partitions[partition]
	if !ok {
		entry = newPartitionEntry()
		m.partitions[partition] = entry
	}
	if state == StateFree {
		delete(entry.Placements, node)
		return
	}
	entry.Placements[node] = state
}

// PartitionCountsByRoute reports, for every route, how many partitions it
// holds in any of the given states — used by the sentinel's load-balancing
// steps to find the least- and most-loaded nodes.
func (m *Map) PartitionCountsByRoute(states map[NodeState]bool) map[int64]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[int64]int)
	for node := range m.routes {
		counts[node] = 0
	}
	for _, entry := range m.partitions {
		for node, state := range entry.Placements {
			if states[state] {
				counts[node]++
			}
		}
	}
	return counts
}

// ApplyDiff applies an incoming map broadcast's changes via the four
// receiver callbacks, the same shape as a receiving node's
// add_partition/remove_partition/add_route/remove_route hooks.
func ApplyDiff(
	diff Diff,
	addPartition func(int),
	removePartition func(int),
	addRoute func(Route),
	removeRoute func(int64),
) {
	for _, id := range diff.RemovePartitions {
		removePartition(id)
	}
	for _, route := range diff.RemoveRoutes {
		removeRoute(route)
	}
	for _, route := range diff.AddRoutes {
		addRoute(route)
	}
	for _, id := range diff.AddPartitions {
		addPartition(id)
	}
}
