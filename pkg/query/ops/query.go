package ops

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/openset/pkg/async"
	"github.com/cuemby/openset/pkg/bitmap"
	"github.com/cuemby/openset/pkg/grid"
	"github.com/cuemby/openset/pkg/partition"
	"github.com/cuemby/openset/pkg/query/lang"
	"github.com/cuemby/openset/pkg/query/vm"
	"github.com/cuemby/openset/pkg/resultset"
)

// batchSize bounds how many customers a QueryCell walks per async.Cell
// slice before yielding back to the loop, the same per-slice chunking
// oloop_customer_list.cpp does against maxLinearId/currentLinId rather
// than walking the whole population in one uninterruptible Run call.
const batchSize = 500

// ColumnSpec names one tallied output column and the aggregation rule
// applied across the customers that tally into it. Unlike the compiled
// script (which only knows a label string), the caller supplies Mode —
// matching the original engine's separation of "what the script computes"
// from "how the query response wants it combined".
type ColumnSpec struct {
	Label string
	Mode  resultset.Modifier
}

// GroupKeyFunc derives the bucketed group-by value for one customer's grid,
// used by histogram-shaped queries; a plain event/segment query passes nil
// and every customer folds into a single row.
type GroupKeyFunc func(g *grid.Grid) (value int64, isText bool, ok bool)

// QueryRequest describes one scripted population walk.
type QueryRequest struct {
	Bytecode *lang.Bytecode
	Columns  []ColumnSpec
	Segments []string // segment names to compare side by side; empty means the whole table
	Vars     map[string]vm.Value
	GroupBy  GroupKeyFunc
}

// QueryCell implements async.Cell: walks a partition's customers (or the
// requested segments' intersections), running req's compiled script
// against each and folding its tallies into a shared ResultSet. Grounded
// on oloop_customer_list.cpp's incremental, resumable population scan.
type QueryCell struct {
	Partition *partition.Partition
	Req       QueryRequest

	shuttle *Shuttle[*resultset.ResultSet]

	schema   resultset.Schema
	colIndex map[string]int
	segBits  []*bitmap.Bits // nil entry means "everyone"
	result   *resultset.ResultSet
	cursor   int64
	stopBit  int64
}

func (c *QueryCell) Prepare() {
	c.colIndex = make(map[string]int, len(c.Req.Columns))
	modifiers := make([]resultset.Modifier, len(c.Req.Columns))
	for i, col := range c.Req.Columns {
		c.colIndex[col.Label] = i
		modifiers[i] = col.Mode
	}

	segCount := len(c.Req.Segments)
	if segCount == 0 {
		segCount = 1
	}
	c.schema = resultset.Schema{ColumnCount: len(c.Req.Columns), SegmentCount: segCount, Modifiers: modifiers}
	c.result = resultset.New(c.schema)

	c.stopBit = c.Partition.CustomerCount()
	if len(c.Req.Segments) == 0 {
		c.segBits = []*bitmap.Bits{nil}
	} else {
		c.segBits = make([]*bitmap.Bits, len(c.Req.Segments))
		for i, name := range c.Req.Segments {
			if name == "*" {
				continue
			}
			c.segBits[i] = c.Partition.Segments.Bits(name)
		}
	}
	c.cursor = 0
}

// Run implements async.Cell: advances the linear-id cursor by up to
// batchSize customers per slice.
func (c *QueryCell) Run() async.Result {
	end := c.cursor + batchSize
	if end > c.stopBit {
		end = c.stopBit
	}

	for linearID := c.cursor; linearID < end; linearID++ {
		c.processOne(linearID)
	}
	c.cursor = end

	if c.cursor < c.stopBit {
		return async.Continue()
	}

	c.shuttle.Reply(c.result, nil)
	return async.Done()
}

func (c *QueryCell) processOne(linearID int64) {
	g, ok := c.Partition.GridAt(linearID)
	if !ok {
		return
	}

	for segIdx, bits := range c.segBits {
		if bits != nil && !bits.Test(linearID) {
			continue
		}

		key := resultset.RowKey{}
		if c.Req.GroupBy != nil {
			value, isText, found := c.Req.GroupBy(g)
			if !found {
				continue
			}
			typ := resultset.TypeInt
			if isText {
				typ = resultset.TypeString
			}
			key[0] = resultset.KeyPart{Value: value, Type: typ, Valid: true}
		}

		machine := vm.New(g, c.sinkFor(key, segIdx), c.Partition.Segments)
		for name, v := range c.Req.Vars {
			machine.SetVar(name, v)
		}
		if _, err := machine.Run(c.Req.Bytecode); err != nil {
			continue
		}
	}
}

func (c *QueryCell) sinkFor(key resultset.RowKey, segIdx int) vm.Sink {
	return tallySink(func(label string, v vm.Value) {
		col, ok := c.colIndex[label]
		if !ok {
			return
		}
		c.result.Tally(key, segIdx, col, v.AsFloat())
	})
}

type tallySink func(label string, v vm.Value)

func (f tallySink) Tally(label string, v vm.Value) { f(label, v) }

func (c *QueryCell) PartitionRemoved() {
	if c.shuttle != nil {
		c.shuttle.Reply(nil, fmt.Errorf("ops: partition migrated, please retry"))
	}
}

// RunQuery queues a QueryCell onto p's loop and blocks for the assembled
// ResultSet.
func RunQuery(ctx context.Context, p *partition.Partition, req QueryRequest, timeout time.Duration) (*resultset.ResultSet, error) {
	s := NewShuttle[*resultset.ResultSet]()
	cell := &QueryCell{Partition: p, Req: req, shuttle: s}
	p.Loop.Queue(cell, async.Realtime, p.Table)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Wait(waitCtx)
}
