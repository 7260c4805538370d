package ops

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/openset/pkg/async"
	"github.com/cuemby/openset/pkg/attribute"
	"github.com/cuemby/openset/pkg/grid"
	"github.com/cuemby/openset/pkg/partition"
	"github.com/cuemby/openset/pkg/table"
)

// FetchCustomerCell implements async.Cell: looks up one customer's grid and
// replies with its rendered rows. Grounded on oloop_customer.cpp, which
// does exactly this and nothing else — a single-shot, realtime-priority
// cell that suicides (RunAgain=false) after one slice regardless of
// outcome.
type FetchCustomerCell struct {
	Partition  *partition.Partition
	Table      *table.Table
	CustomerID int64

	shuttle *Shuttle[CustomerRow]
}

// CustomerRow is one customer's rendered event history.
type CustomerRow struct {
	CustomerID int64                    `json:"customer_id"`
	Rows       []map[string]interface{} `json:"rows"`
}

func (c *FetchCustomerCell) Prepare() {}

// Run implements async.Cell.
func (c *FetchCustomerCell) Run() async.Result {
	linearID, ok, err := c.Partition.ExistingLinearID(c.CustomerID)
	if err != nil {
		c.shuttle.Reply(CustomerRow{}, fmt.Errorf("ops: resolve customer: %w", err))
		return async.Done()
	}
	if !ok {
		c.shuttle.Reply(CustomerRow{}, fmt.Errorf("ops: customer %d not found", c.CustomerID))
		return async.Done()
	}
	g, ok := c.Partition.GridAt(linearID)
	if !ok {
		c.shuttle.Reply(CustomerRow{}, fmt.Errorf("ops: customer %d not found", c.CustomerID))
		return async.Done()
	}
	c.shuttle.Reply(CustomerRow{CustomerID: c.CustomerID, Rows: renderGrid(g, c.Table, c.Partition.Attrs)}, nil)
	return async.Done()
}

func (c *FetchCustomerCell) PartitionRemoved() {
	if c.shuttle != nil {
		c.shuttle.Reply(CustomerRow{}, fmt.Errorf("ops: partition migrated, please retry"))
	}
}

// FetchCustomer queues a FetchCustomerCell onto p's loop and blocks for its
// reply, matching the original's shuttle-based request/reply shape across
// the partition-loop boundary.
func FetchCustomer(ctx context.Context, p *partition.Partition, tbl *table.Table, customerID int64, timeout time.Duration) (CustomerRow, error) {
	s := NewShuttle[CustomerRow]()
	cell := &FetchCustomerCell{Partition: p, Table: tbl, CustomerID: customerID, shuttle: s}
	p.Loop.Queue(cell, async.Realtime, p.Table)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Wait(waitCtx)
}

// renderGrid flattens g's rows into plain maps keyed by property name,
// descaling doubles and resolving text hashes through the dictionary —
// the JSON shape a caller actually wants, rather than the raw int64
// column values the interpreter works with.
func renderGrid(g *grid.Grid, tbl *table.Table, attrs *attribute.Store) []map[string]interface{} {
	props := tbl.Properties()
	rows := make([]map[string]interface{}, 0, g.RowCount())
	for i := 0; i < g.RowCount(); i++ {
		row := map[string]interface{}{
			"stamp": g.StampAt(i),
			"event": g.EventAt(i),
		}
		if name, ok := tbl.EventTypeName(g.EventAt(i)); ok {
			row["event_name"] = name
		}
		for _, def := range props {
			if def.IsCustomerID {
				continue
			}
			v := g.ColumnValue(i, def.ID)
			if v == grid.NoValue {
				continue
			}
			row[def.Name] = renderValue(def, v, attrs)
		}
		rows = append(rows, row)
	}
	return rows
}

func renderValue(def table.PropertyDef, v int64, attrs *attribute.Store) interface{} {
	switch def.Type {
	case table.PropertyDouble:
		return grid.DescaleFloat(v)
	case table.PropertyBool:
		return v != 0
	case table.PropertyText:
		if text, ok := attrs.Dictionary().Text(v); ok {
			return text
		}
		return v
	default:
		return v
	}
}
