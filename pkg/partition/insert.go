package partition

import (
	"encoding/json"
	"time"

	"github.com/cuemby/openset/pkg/async"
	"github.com/cuemby/openset/pkg/grid"
	"github.com/cuemby/openset/pkg/log"
	"github.com/cuemby/openset/pkg/metrics"
	"github.com/cuemby/openset/pkg/sidelog"
)

// SideLogDrainBypass and SideLogDrainNormal bound how many rows an
// InsertCell drains per slice: a smaller batch while the loop is in
// realtime bypass (so inserts don't hold up a query sharing the loop),
// a larger one otherwise. Mirrors oloop_insert.cpp's own 5-under-bypass,
// 25-otherwise read-size choice.
const (
	SideLogDrainBypass = 5
	SideLogDrainNormal = 25
)

// Schema resolves a table's property and event-type names to the numeric
// ids the grid and attribute store key everything by. Implemented by
// pkg/table's property registry; kept as a narrow interface here so this
// package doesn't need to import the table registry back.
type Schema interface {
	PropertyID(name string) (id int, isText bool, ok bool)
	EventTypeID(name string) int64
}

// ApplyEvent decodes one event's JSON property bag against schema, inserts
// the resulting row into customerID's grid, registers any categorical
// values in the attribute store, and returns the linear id touched. It
// does not run on-insert segments or commit — callers draining a batch of
// events for the same customer call FinishInsert once after the last row.
func (p *Partition) ApplyEvent(customerID, stamp int64, eventType string, raw json.RawMessage) (int64, error) {
	linearID, err := p.LinearIDFor(customerID)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	g := p.grids[linearID]
	p.mu.Unlock()

	var fields map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return linearID, err
		}
	}

	props := make(map[int]int64, len(fields))
	for name, v := range fields {
		propID, isText, ok := p.schemaLookup(name)
		if !ok {
			continue
		}
		value, hash := p.encodeValue(v, isText)
		props[propID] = value
		if isText {
			p.Attrs.GetMake(propID, hash).Bits.Set(linearID)
		}
	}

	eventTypeID := p.schemaEventType(eventType)
	g.Insert(stamp, eventTypeID, props)
	return linearID, nil
}

// FinishInsert runs on-insert segment evaluation for linearID and commits
// its grid to disk. Call once per customer after every event in a drained
// batch has been applied via ApplyEvent.
func (p *Partition) FinishInsert(linearID int64) error {
	p.mu.Lock()
	g := p.grids[linearID]
	p.mu.Unlock()
	if g == nil {
		return nil
	}

	if p.Engine != nil {
		if err := p.Engine.EvaluateOnInsert(linearID, g); err != nil {
			p.logger.Error().Err(err).Int64("linear_id", linearID).Msg("on-insert segment evaluation failed")
		}
	}
	return p.commit(linearID, g)
}

// schemaLookup and schemaEventType resolve names through p.Schema; a
// Partition built without one (e.g. in a unit test that calls ApplyEvent
// directly) just drops every property.
func (p *Partition) schemaLookup(name string) (int, bool, bool) {
	if p.Schema == nil {
		return 0, false, false
	}
	return p.Schema.PropertyID(name)
}

func (p *Partition) schemaEventType(name string) int64 {
	if p.Schema == nil {
		return 0
	}
	return p.Schema.EventTypeID(name)
}

func (p *Partition) encodeValue(v any, isText bool) (value int64, hash int64) {
	switch x := v.(type) {
	case float64:
		if isText {
			return 0, 0
		}
		if x == float64(int64(x)) {
			return int64(x), 0
		}
		return grid.ScaleFloat(x), 0
	case bool:
		if x {
			return 1, 0
		}
		return 0, 0
	case string:
		h := p.Attrs.Dictionary().Hash(x)
		return h, h
	default:
		return grid.NoValue, 0
	}
}

// InsertCell is the background async.Cell that drains a table's side log
// into one partition, grouping events by customer so each customer's grid
// is mounted, written, and committed once per batch rather than once per
// event — the same per-person grouping the original insert loop uses to
// keep LZ4 mount/commit overhead off the hot path.
type InsertCell struct {
	Log       *sidelog.Log
	Partition *Partition
	Consumer  string // "insert", the single durable reader of this table's log

	sleepStreak int
}

// NewInsertCell returns an InsertCell draining l into p.
func NewInsertCell(l *sidelog.Log, p *Partition) *InsertCell {
	return &InsertCell{Log: l, Partition: p, Consumer: "insert"}
}

// Prepare implements async.Cell: nothing to snapshot, the log itself is
// the queue.
func (c *InsertCell) Prepare() {}

// Run implements async.Cell: drains up to a batch of rows (5 under
// bypass, 25 otherwise, matching the original's backlog-sensitive batch
// size), applies them grouped by customer, and backs off with a lazy
// sleep schedule when the log is empty.
func (c *InsertCell) Run() async.Result {
	max := SideLogDrainNormal
	if c.Partition.Loop != nil && c.Partition.Loop.InBypass() {
		max = SideLogDrainBypass
	}

	rows, err := c.Log.Drain(c.Partition.Table, c.Partition.ID, c.Consumer, max)
	if err != nil {
		log.WithComponent("partition").Error().Err(err).Msg("insert drain failed")
		return async.ContinueAt(time.Now().Add(time.Second))
	}

	if len(rows) == 0 {
		wait := c.sleepStreak
		if wait > 10 {
			wait = 10
		}
		c.sleepStreak++
		return async.ContinueAt(time.Now().Add(time.Duration(wait) * 100 * time.Millisecond))
	}
	c.sleepStreak = 0

	touched := make(map[int64]bool)
	var lastSeq uint64
	for _, row := range rows {
		linearID, err := c.Partition.ApplyEvent(row.CustomerID, row.Stamp, row.EventType, row.Props)
		if err != nil {
			log.WithComponent("partition").Error().Err(err).Int64("customer_id", row.CustomerID).Msg("insert row failed")
			metrics.InsertRowsTotal.WithLabelValues(c.Partition.Table, "error").Inc()
			continue
		}
		touched[linearID] = true
		lastSeq = row.Seq
		metrics.InsertRowsTotal.WithLabelValues(c.Partition.Table, "ok").Inc()
	}

	for linearID := range touched {
		if err := c.Partition.FinishInsert(linearID); err != nil {
			log.WithComponent("partition").Error().Err(err).Int64("linear_id", linearID).Msg("insert commit failed")
		}
	}

	if lastSeq > 0 {
		if err := c.Log.Advance(c.Partition.Table, c.Partition.ID, c.Consumer, lastSeq); err != nil {
			log.WithComponent("partition").Error().Err(err).Msg("advance read head failed")
		}
	}

	c.Partition.Attrs.ClearDirty()
	return async.Continue()
}

// PartitionRemoved implements async.Cell: nothing to release, the sidelog
// read head survives independently of this cell's lifetime.
func (c *InsertCell) PartitionRemoved() {}
