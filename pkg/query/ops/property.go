package ops

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/openset/pkg/async"
	"github.com/cuemby/openset/pkg/attribute"
	"github.com/cuemby/openset/pkg/bitmap"
	"github.com/cuemby/openset/pkg/partition"
	"github.com/cuemby/openset/pkg/resultset"
)

// PropertyRequest is an index-only property histogram: one row per
// distinct value the property holds, tallying how many customers (overall,
// or intersected with each requested segment) hold it. Grounded on
// oloop_property.cpp, which never mounts a single customer's grid — it
// walks attribute cells and their bitmaps directly.
type PropertyRequest struct {
	PropertyID int
	IsText     bool
	Segments   []string // "*" or empty entries compare against everyone
	Mode       attribute.Mode
	Compare    int64
}

// PropertyHistogramCell implements async.Cell: the attribute store and its
// bitmaps are only safe to read from the partition loop that owns them
// (see pkg/bitmap.Bits's single-writer contract), so even this index-only
// read is queued rather than called directly from an HTTP handler
// goroutine.
type PropertyHistogramCell struct {
	Partition *partition.Partition
	Req       PropertyRequest

	shuttle *Shuttle[*resultset.ResultSet]
}

func (c *PropertyHistogramCell) Prepare() {}

func (c *PropertyHistogramCell) Run() async.Result {
	records := c.Partition.Attrs.PropertyValuesMatching(c.Req.PropertyID, c.Req.Mode, c.Req.Compare)
	stopBit := c.Partition.CustomerCount()

	segCount := len(c.Req.Segments)
	if segCount == 0 {
		segCount = 1
	}
	schema := resultset.Schema{ColumnCount: 1, SegmentCount: segCount, Modifiers: []resultset.Modifier{resultset.ModeSum}}
	rs := resultset.New(schema)

	for _, rec := range records {
		keyType := resultset.TypeInt
		if c.Req.IsText {
			keyType = resultset.TypeString
		}
		key := resultset.RowKey{{Value: rec.ValueHash, Type: keyType, Valid: true}}

		if len(c.Req.Segments) == 0 {
			rs.Tally(key, 0, 0, float64(rec.Bits.Population(stopBit)))
			continue
		}
		for segIdx, name := range c.Req.Segments {
			if name == "*" {
				rs.Tally(key, segIdx, 0, float64(rec.Bits.Population(stopBit)))
				continue
			}
			segBits := c.Partition.Segments.Bits(name)
			count := intersectionPopulation(rec.Bits, segBits, stopBit)
			rs.Tally(key, segIdx, 0, float64(count))
		}
	}

	c.shuttle.Reply(rs, nil)
	return async.Done()
}

func (c *PropertyHistogramCell) PartitionRemoved() {
	if c.shuttle != nil {
		c.shuttle.Reply(nil, fmt.Errorf("ops: partition migrated, please retry"))
	}
}

// intersectionPopulation counts customers set in both a and b without
// mutating either bitmap.
func intersectionPopulation(a, b *bitmap.Bits, stopBit int64) int64 {
	clone := a.Clone()
	clone.And(b)
	return clone.Population(stopBit)
}

// RunPropertyHistogram queues a PropertyHistogramCell onto p's loop and
// blocks for the assembled ResultSet.
func RunPropertyHistogram(ctx context.Context, p *partition.Partition, req PropertyRequest, timeout time.Duration) (*resultset.ResultSet, error) {
	s := NewShuttle[*resultset.ResultSet]()
	cell := &PropertyHistogramCell{Partition: p, Req: req, shuttle: s}
	p.Loop.Queue(cell, async.Realtime, p.Table)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Wait(waitCtx)
}
