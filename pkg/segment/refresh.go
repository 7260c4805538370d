package segment

import (
	"time"

	"github.com/cuemby/openset/pkg/async"
	"github.com/cuemby/openset/pkg/log"
	"github.com/cuemby/openset/pkg/metrics"
)

// RefreshCell is the background async.Cell that walks a table's segment
// definitions on one partition, refreshing whichever ones are due. Unlike
// the original's per-customer-linear-id resumable scan, one slice here
// refreshes one whole segment at a time and yields between segments — a
// coarser but still cooperative granularity, scoped down since a single
// segment evaluation against an in-memory partition is already short
// compared to a 50ms slice budget.
type RefreshCell struct {
	Table    string
	Engine   *Engine
	Interval time.Duration // how often a segment becomes eligible again

	due     map[string]time.Time
	cursor  []*Definition
	pos     int
	running bool
}

// NewRefreshCell returns a RefreshCell for table, driven by engine.
func NewRefreshCell(table string, engine *Engine, interval time.Duration) *RefreshCell {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &RefreshCell{Table: table, Engine: engine, Interval: interval, due: map[string]time.Time{}}
}

// Prepare implements async.Cell: snapshot the definitions due for refresh
// right now.
func (c *RefreshCell) Prepare() {
	now := time.Now()
	c.cursor = c.cursor[:0]
	for _, def := range c.Engine.Store.All() {
		next, seen := c.due[def.Name]
		if !seen || !now.Before(next) {
			c.cursor = append(c.cursor, def)
		}
	}
	c.pos = 0
	c.running = true
}

// Run implements async.Cell: refreshes one due segment per slice, yielding
// RunAgain until the batch snapshotted in Prepare is exhausted, then
// reschedules itself Interval in the future.
func (c *RefreshCell) Run() async.Result {
	if c.pos >= len(c.cursor) {
		c.running = false
		return async.ContinueAt(time.Now().Add(c.Interval))
	}

	def := c.cursor[c.pos]
	c.pos++

	start := time.Now()
	mode := refreshMode(def)
	err := c.Engine.RefreshOne(def)
	metrics.SegmentRefreshDuration.WithLabelValues(c.Table, def.Name, mode).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Logger.Error().Err(err).Str("table", c.Table).Str("segment", def.Name).Msg("segment refresh failed")
	}
	c.due[def.Name] = time.Now().Add(def.RefreshInterval)

	if c.pos < len(c.cursor) {
		return async.Continue()
	}
	c.running = false
	return async.ContinueAt(time.Now().Add(c.Interval))
}

// PartitionRemoved implements async.Cell: nothing to release, the cell just
// stops being scheduled once its partition's loop is torn down.
func (c *RefreshCell) PartitionRemoved() {}

func refreshMode(def *Definition) string {
	switch {
	case def.IsSegmentMath:
		return "segment_math"
	case def.IsCountable():
		return "index"
	default:
		return "interpreter"
	}
}
