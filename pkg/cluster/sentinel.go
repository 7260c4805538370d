package cluster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/openset/pkg/log"
	"github.com/cuemby/openset/pkg/metrics"
	"github.com/rs/zerolog"
)

// failVerifyDelay is how long a route stays marked failed before the
// sentinel re-checks it and, if still unreachable, purges it.
const failVerifyDelay = 500 * time.Millisecond

// tickInterval is the sentinel state-machine cadence.
const tickInterval = 100 * time.Millisecond

// The zombie-list grace period for a freed partition's resources lives in
// pkg/async as Pool.ZombieGrace — FreePartition is what actually owns the
// loop and its cells, so that is where the grace timer is implemented.

// ReplicaTarget returns the desired clone count for a partition given the
// number of currently active nodes: 2 normally, dropping to 1 at 3 nodes
// and 0 once the cluster is down to a single node.
func ReplicaTarget(activeNodes int) int {
	switch {
	case activeNodes <= 1:
		return 0
	case activeNodes <= 3:
		return 1
	default:
		return 2
	}
}

// Sentinel runs the single-acting cluster state machine: only the node
// holding the lowest live node id performs any of its steps on a given
// tick, mirroring a monarchy rather than a voted leadership term.
type Sentinel struct {
	mu        sync.Mutex
	Map       *Map
	Transport Transport
	logger    zerolog.Logger

	ticker *time.Ticker
	stopCh chan struct{}

	lastMapChange time.Time
	failedSince   map[int64]time.Time
}

// NewSentinel builds a Sentinel driving m through transport.
func NewSentinel(m *Map, transport Transport) *Sentinel {
	return &Sentinel{
		Map:         m,
		Transport:   transport,
		logger:      log.WithComponent("sentinel"),
		stopCh:      make(chan struct{}),
		failedSince: make(map[int64]time.Time),
	}
}

// IsSentinel reports whether this process's node id is the lowest among
// the active routes (i.e., whether it should act this tick).
func (s *Sentinel) IsSentinel() bool {
	lowest := s.Map.LocalNode()
	for _, id := range s.Map.ActiveRoutes() {
		if id < lowest {
			lowest = id
		}
	}
	return lowest == s.Map.LocalNode()
}

// Start launches the 100ms state-machine tick loop in a goroutine.
func (s *Sentinel) Start() {
	s.ticker = time.NewTicker(tickInterval)
	go s.run()
}

// Stop halts the tick loop.
func (s *Sentinel) Stop() {
	close(s.stopCh)
}

func (s *Sentinel) run() {
	defer s.ticker.Stop()
	for {
		select {
		case <-s.ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

// tick runs one pass of the five-step state machine, steps 1 and 3-5
// re-evaluating the map fresh since any one step can create openings the
// next step needs to see.
func (s *Sentinel) tick() {
	if !s.IsSentinel() {
		metrics.SentinelIsActing.Set(0)
		return
	}
	metrics.SentinelIsActing.Set(1)
	metrics.SentinelTicksTotal.Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCheck() {
		return
	}
	if s.ensureActiveCompleteness() {
		return
	}
	s.ensureReplicas()
	s.balance(StateActiveOwner)
	s.balance(StateActiveClone)
}

// failCheck looks for routes marked failed; a route that is still
// unreachable failVerifyDelay after being marked is purged from the map
// and the new map is broadcast. Returns true if a purge happened, since
// the caller should re-run the rest of the state machine fresh.
func (s *Sentinel) failCheck() bool {
	purged := false
	for _, route := range s.Map.Routes() {
		if !route.Failed {
			delete(s.failedSince, route.NodeID)
			continue
		}
		since, tracked := s.failedSince[route.NodeID]
		if !tracked {
			s.failedSince[route.NodeID] = time.Now()
			continue
		}
		if time.Since(since) < failVerifyDelay {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), failVerifyDelay)
		alive, err := s.Transport.IsMember(ctx, route)
		cancel()
		if err == nil && alive {
			s.Map.MarkFailed(route.NodeID, false)
			delete(s.failedSince, route.NodeID)
			continue
		}

		s.logger.Warn().Int64("node_id", route.NodeID).Msg("purging unresponsive node from cluster map")
		s.Map.RemoveRoute(route.NodeID)
		delete(s.failedSince, route.NodeID)
		purged = true
	}
	if purged {
		s.broadcast()
	}
	return purged
}

// ensureActiveCompleteness guarantees every partition has exactly one
// active_owner, promoting a clone when the owner is missing. A partition
// with neither an owner nor a clone is a fatal cluster loss, logged but
// left for the operator — there is nothing left to promote.
func (s *Sentinel) ensureActiveCompleteness() bool {
	promoted := false
	for _, id := range s.Map.PartitionIDs() {
		entry, ok := s.Map.Partition(id)
		if !ok {
			continue
		}
		if _, hasOwner := entry.Owner(); hasOwner {
			continue
		}
		clones := entry.Clones()
		if len(clones) == 0 {
			s.logger.Error().Int("partition", id).Msg("partition has no owner and no clone: fatal cluster loss")
			continue
		}
		promote := clones[0]
		s.Map.SetPlacement(id, promote, StateActiveOwner)
		s.logger.Info().Int("partition", id).Int64("node_id", promote).Msg("promoted clone to owner")
		promoted = true
	}
	if promoted {
		s.broadcast()
	}
	return promoted
}

// ensureReplicas tops up under-replicated partitions by placing a
// placeholder on the least-loaded eligible node and starting an async
// transfer; on success the placeholder is promoted to active_clone and the
// map is rebroadcast.
func (s *Sentinel) ensureReplicas() {
	active := s.Map.ActiveRoutes()
	target := ReplicaTarget(len(active))
	if target == 0 {
		return
	}

	loads := s.Map.PartitionCountsByRoute(map[NodeState]bool{
		StateActiveOwner:       true,
		StateActiveClone:       true,
		StateActivePlaceholder: true,
	})

	for _, id := range s.Map.PartitionIDs() {
		entry, ok := s.Map.Partition(id)
		if !ok {
			continue
		}
		have := entry.CountByState(StateActiveClone) + entry.CountByState(StateActivePlaceholder)
		if have >= target {
			continue
		}

		placeOn := leastLoaded(active, loads, entry.Placements)
		if placeOn == 0 {
			continue
		}

		s.Map.SetPlacement(id, placeOn, StateActivePlaceholder)
		loads[placeOn]++
		s.broadcast()
		s.logger.Info().Int("partition", id).Int64("node_id", placeOn).Msg("starting replica transfer")

		go s.transferReplica(id, placeOn)
	}
}

// transferReplica runs the blob transfer for a newly placed placeholder
// off the sentinel goroutine; success promotes it to active_clone and
// rebroadcasts, failure leaves it placeholder for the next tick to retry
// or reassign.
func (s *Sentinel) transferReplica(partition int, target int64) {
	route, ok := s.routeFor(target)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Transport.Transfer(ctx, route, partition, nil); err != nil {
		s.logger.Error().Err(err).Int("partition", partition).Int64("node_id", target).Msg("replica transfer failed")
		return
	}

	s.mu.Lock()
	s.Map.SetPlacement(partition, target, StateActiveClone)
	s.mu.Unlock()
	s.broadcast()
}

// balance swaps or transfers a partition away from the most-loaded node
// toward the least-loaded one whenever their counts for state differ by
// more than one, keeping ownership/clone load roughly even across nodes.
func (s *Sentinel) balance(state NodeState) {
	active := s.Map.ActiveRoutes()
	if len(active) < 2 {
		return
	}

	loads := s.Map.PartitionCountsByRoute(map[NodeState]bool{state: true})
	maxNode, minNode := extremeLoaded(active, loads)
	if maxNode == minNode || loads[maxNode]-loads[minNode] <= 1 {
		return
	}

	for _, id := range s.Map.PartitionIDs() {
		entry, ok := s.Map.Partition(id)
		if !ok {
			continue
		}
		if entry.Placements[maxNode] != state {
			continue
		}
		if _, alreadyThere := entry.Placements[minNode]; alreadyThere {
			continue
		}

		if other, hasOther := otherStateOn(entry, minNode, state); hasOther {
			s.Map.SetPlacement(id, maxNode, other)
			s.Map.SetPlacement(id, minNode, state)
			s.logger.Info().Int("partition", id).Int64("from", maxNode).Int64("to", minNode).Msg("swapped partition placement to balance load")
		} else {
			s.Map.SetPlacement(id, maxNode, StateFree)
			s.Map.SetPlacement(id, minNode, StateActivePlaceholder)
			go s.transferReplica(id, minNode)
		}
		s.broadcast()
		return
	}
}

// otherStateOn reports the state a node already holds for a partition,
// when it holds one other than the state currently being balanced — used
// to decide whether balancing can be a cheap swap or needs a real transfer.
func otherStateOn(entry *PartitionEntry, node int64, except NodeState) (NodeState, bool) {
	state, ok := entry.Placements[node]
	if !ok || state == except {
		return StateFree, false
	}
	return state, true
}

func leastLoaded(active []int64, loads map[int64]int, exclude map[int64]NodeState) int64 {
	var best int64
	bestLoad := -1
	for _, node := range active {
		if _, already := exclude[node]; already {
			continue
		}
		if bestLoad == -1 || loads[node] < bestLoad {
			best = node
			bestLoad = loads[node]
		}
	}
	return best
}

func extremeLoaded(active []int64, loads map[int64]int) (busiest int64, quietest int64) {
	sorted := append([]int64(nil), active...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if len(sorted) == 0 {
		return 0, 0
	}
	busiest, quietest = sorted[0], sorted[0]
	for _, node := range sorted {
		if loads[node] > loads[busiest] {
			busiest = node
		}
		if loads[node] < loads[quietest] {
			quietest = node
		}
	}
	return busiest, quietest
}

func (s *Sentinel) routeFor(node int64) (Route, bool) {
	for _, r := range s.Map.Routes() {
		if r.NodeID == node {
			return r, true
		}
	}
	return Route{}, false
}

// broadcast fans the current map out to every known route and records the
// change timestamp queries use to decide whether a fork needs reissuing.
func (s *Sentinel) broadcast() {
	s.lastMapChange = time.Now()
	diff := Diff{}
	for _, id := range s.Map.PartitionIDs() {
		diff.AddPartitions = append(diff.AddPartitions, id)
	}
	for _, r := range s.Map.Routes() {
		diff.AddRoutes = append(diff.AddRoutes, r)
	}

	for _, route := range s.Map.Routes() {
		go func(route Route) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Transport.MapChange(ctx, route, diff); err != nil {
				s.logger.Warn().Err(err).Int64("node_id", route.NodeID).Msg("map broadcast failed")
			}
		}(route)
	}
}

// WasDuringMapChange reports whether a time span [start,end] overlapped a
// map broadcast closely enough that a query fork dispatched in it should be
// treated as suspect and reissued rather than trusted.
func (s *Sentinel) WasDuringMapChange(start, end time.Time) bool {
	change := s.lastMapChange
	if change.IsZero() {
		return false
	}
	window := 500 * time.Millisecond
	if start.Add(-window).Before(change) && end.Add(window).After(change) {
		return true
	}
	return false
}

// RetryBackoff computes the originator's re-dispatch delay for the given
// retry count, 20ms * retry^2 capped at 10s, per the query-fork retry rule.
func RetryBackoff(retry int) time.Duration {
	delay := time.Duration(retry*retry) * 20 * time.Millisecond
	const cap = 10 * time.Second
	if delay > cap {
		return cap
	}
	return delay
}
