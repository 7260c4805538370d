// Package openset wires every per-table, per-partition subsystem
// (attribute store, grid cache, segment engine, cooperative loop, insert
// drain, cleaner) into the single process-wide struct a node's HTTP
// surface is built against. Grounded on original_source's
// database.h/database.cpp: a flat table-name registry plus the few
// process-global singletons (the async pool, the cluster map) every
// table's partitions share.
package openset

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/openset/pkg/async"
	"github.com/cuemby/openset/pkg/cluster"
	"github.com/cuemby/openset/pkg/log"
	"github.com/cuemby/openset/pkg/metrics"
	"github.com/cuemby/openset/pkg/partition"
	"github.com/cuemby/openset/pkg/segment"
	"github.com/cuemby/openset/pkg/sidelog"
	"github.com/cuemby/openset/pkg/table"
)

// defaultSessionMillis is the idle gap, in milliseconds since row stamps
// are milliseconds since epoch, that starts a new session when a table
// doesn't override it via its "session_millis" setting.
const defaultSessionMillis = 1800 * 1000

// Services is the one struct a node constructs at startup and threads
// through every HTTP handler: the table registry, the durable insert log,
// the async pool every partition's loop lives on, the cluster map/sentinel
// this node participates in, and the live Partition objects each table's
// owned partitions resolve to.
type Services struct {
	DataDir string
	Self    cluster.Route

	Pool      *async.Pool
	SideLog   *sidelog.Log
	Tables    *table.Registry
	Cluster   *cluster.Map
	Sentinel  *cluster.Sentinel
	Transport cluster.Transport

	mu         sync.RWMutex
	partitions map[string]map[int]*partition.Partition // table -> partition id -> Partition
}

// New opens (or creates) every durable store under dataDir and returns a
// Services ready for HTTP handlers to drive. It does not start the async
// pool or sentinel — call Start for that once the process is ready to
// begin serving traffic.
func New(dataDir string, self cluster.Route, workers int) (*Services, error) {
	tables, err := table.NewRegistry(dataDir)
	if err != nil {
		return nil, fmt.Errorf("openset: open table registry: %w", err)
	}
	sl, err := sidelog.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("openset: open side log: %w", err)
	}

	transport := cluster.NewHTTPTransport()
	cmap := cluster.NewMap(self.NodeID)
	cmap.AddRoute(self)

	return &Services{
		DataDir:    dataDir,
		Self:       self,
		Pool:       async.New(workers),
		SideLog:    sl,
		Tables:     tables,
		Cluster:    cmap,
		Transport:  transport,
		partitions: make(map[string]map[int]*partition.Partition),
	}, nil
}

// Start launches the async pool's workers and, if this node is the
// cluster's sentinel, its placement-monitoring loop.
func (s *Services) Start(ctx context.Context) {
	s.Pool.Start(ctx)
	s.Sentinel = cluster.NewSentinel(s.Cluster, s.Transport)
	s.Sentinel.Start()
}

// Stop releases every open partition's durable store and the side log.
func (s *Services) Stop() {
	if s.Sentinel != nil {
		s.Sentinel.Stop()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, parts := range s.partitions {
		for _, p := range parts {
			p.Close()
		}
	}
	s.SideLog.Close()
}

// CreateTable registers a brand-new table and mounts a Partition for every
// partition id this node currently owns in the cluster map.
func (s *Services) CreateTable(name string) (*table.Table, error) {
	tbl, err := s.Tables.Create(name)
	if err != nil {
		return nil, err
	}
	if err := s.mountPartitions(tbl); err != nil {
		return nil, err
	}
	return tbl, nil
}

// Table returns a registered table, mounting its local partitions on first
// access if the process just restarted.
func (s *Services) Table(name string) (*table.Table, bool) {
	tbl, ok := s.Tables.Get(name)
	if !ok {
		return nil, false
	}
	if err := s.mountPartitions(tbl); err != nil {
		log.WithComponent("openset").Error().Err(err).Str("table", name).Msg("failed to mount partitions")
	}
	return tbl, true
}

// DropTable removes a table and every local partition backing it.
func (s *Services) DropTable(name string) error {
	s.mu.Lock()
	parts := s.partitions[name]
	delete(s.partitions, name)
	s.mu.Unlock()

	for id, p := range parts {
		s.Pool.FreePartition(id)
		p.Close()
	}
	return s.Tables.Drop(name)
}

// mountPartitions ensures a local Partition exists for every partition id
// this node actively owns, wiring its segment Engine, InsertCell, and
// Cleaner onto the pool loop assigned to that partition id.
func (s *Services) mountPartitions(tbl *table.Table) error {
	sessionMillis := defaultSessionMillis
	if v, ok := tbl.Setting("session_millis"); ok {
		fmt.Sscanf(v, "%d", &sessionMillis)
	}

	for _, id := range s.Cluster.PartitionIDs() {
		entry, ok := s.Cluster.Partition(id)
		if !ok {
			continue
		}
		if owner, ok := entry.Owner(); !ok || owner != s.Cluster.LocalNode() {
			continue
		}

		s.mu.Lock()
		parts, ok := s.partitions[tbl.Name()]
		if !ok {
			parts = make(map[int]*partition.Partition)
			s.partitions[tbl.Name()] = parts
		}
		_, already := parts[id]
		s.mu.Unlock()
		if already {
			continue
		}

		p, err := partition.New(s.DataDir, tbl.Name(), id, int64(sessionMillis))
		if err != nil {
			return fmt.Errorf("openset: open partition %d for %q: %w", id, tbl.Name(), err)
		}
		p.Schema = tbl
		p.Loop = s.Pool.InitPartition(id)
		p.Engine = segment.NewEngine(tbl.Name(), p.Segments, p.Attrs, p, tbl.Resolver(), tbl.Subscribers.Dispatch)

		p.Loop.Queue(partition.NewInsertCell(s.SideLog, p), async.Background, tbl.Name())
		p.Loop.Queue(partition.NewCleaner(p, 0, 0), async.Background, tbl.Name())
		p.Loop.Queue(segment.NewRefreshCell(tbl.Name(), p.Engine, 60*time.Second), async.Background, tbl.Name())

		s.mu.Lock()
		parts[id] = p
		s.mu.Unlock()
	}
	return nil
}

// Partition returns the local Partition for (table, id), ok=false if this
// node doesn't own that partition (or the table hasn't been mounted).
func (s *Services) Partition(tableName string, id int) (*partition.Partition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parts, ok := s.partitions[tableName]
	if !ok {
		return nil, false
	}
	p, ok := parts[id]
	return p, ok
}

// PartitionFor deterministically maps a customer id to one of count
// partitions. Every node must compute the same mapping for routing an
// insert or a customer-scoped query to the right owner.
func PartitionFor(customerID int64, count int) int {
	if count <= 0 {
		return 0
	}
	return int(uint64(customerID) % uint64(count))
}

// InsertRow appends one event to tableName's durable side log for the
// partition customerID routes to, acknowledging durably before the insert
// cell has actually mounted and committed the customer's grid.
func (s *Services) InsertRow(tableName string, customerID, stamp int64, eventType string, props []byte) error {
	count := len(s.Cluster.PartitionIDs())
	partitionID := PartitionFor(customerID, count)

	over, err := s.SideLog.OverBackpressureLimit(tableName, partitionID, "insert")
	if err != nil {
		metrics.InsertRowsTotal.WithLabelValues(tableName, "error").Inc()
		return fmt.Errorf("openset: check backpressure: %w", err)
	}
	if over {
		metrics.InsertRowsTotal.WithLabelValues(tableName, "backpressure").Inc()
		return fmt.Errorf("openset: table %q partition %d is over its backlog limit, retry later", tableName, partitionID)
	}

	_, err = s.SideLog.Append(tableName, partitionID, sidelog.Row{
		CustomerID: customerID,
		Stamp:      stamp,
		EventType:  eventType,
		Props:      props,
	})
	if err != nil {
		metrics.InsertRowsTotal.WithLabelValues(tableName, "error").Inc()
		return err
	}
	metrics.InsertRowsTotal.WithLabelValues(tableName, "accepted").Inc()
	return nil
}
