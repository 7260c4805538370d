package partition

import (
	"time"

	"github.com/cuemby/openset/pkg/async"
	"github.com/cuemby/openset/pkg/log"
)

// CleanerInterval is how many scheduling passes the Cleaner lets go by
// between actual cull sweeps — row expiry is cheap to skip but not free,
// so it doesn't need to run every single time the loop gets back around
// to it. Grounded on the original's background cleanup cadence
// (oloop_cleaner.cpp), which similarly only walks the full people set
// every Nth loop pass rather than continuously.
const CleanerInterval = 10

// Cleaner is the background async.Cell that expires old rows from a
// partition's customer grids: anything older than Retention, or beyond
// MaxRowsPerCustomer, whichever is tighter. A customer whose grid empties
// out entirely is dropped from both the hot cache and the durable store.
type Cleaner struct {
	Partition         *Partition
	Retention         time.Duration
	MaxRowsPerCustomer int

	passes int
}

// NewCleaner returns a Cleaner for p. retention of zero disables the
// age-based cutoff (rows are only trimmed by maxRows); maxRows of zero
// disables the count-based cutoff.
func NewCleaner(p *Partition, retention time.Duration, maxRows int) *Cleaner {
	return &Cleaner{Partition: p, Retention: retention, MaxRowsPerCustomer: maxRows}
}

// Prepare implements async.Cell: nothing to snapshot, the pass counter
// decides whether Run does real work this cycle.
func (c *Cleaner) Prepare() {}

// Run implements async.Cell: every CleanerInterval passes, culls every hot
// customer grid on the partition; otherwise it's a no-op slice that just
// asks to be rescheduled.
func (c *Cleaner) Run() async.Result {
	c.passes++
	if c.passes < CleanerInterval {
		return async.ContinueAt(time.Now().Add(async.SliceBudget))
	}
	c.passes = 0

	var cutoff int64
	if c.Retention > 0 {
		cutoff = time.Now().Add(-c.Retention).UnixMilli()
	}

	removed := c.Partition.Cull(cutoff, c.MaxRowsPerCustomer)
	if removed > 0 {
		log.WithComponent("partition").Info().
			Str("table", c.Partition.Table).
			Int("partition", c.Partition.ID).
			Int("removed", removed).
			Msg("cleaner expired empty customers")
	}

	return async.ContinueAt(time.Now().Add(async.SliceBudget))
}

// PartitionRemoved implements async.Cell: nothing to release, the cell
// just stops being scheduled once its loop is torn down.
func (c *Cleaner) PartitionRemoved() {}
