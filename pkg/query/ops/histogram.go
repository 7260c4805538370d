package ops

import (
	"context"
	"math"
	"time"

	"github.com/cuemby/openset/pkg/grid"
	"github.com/cuemby/openset/pkg/partition"
	"github.com/cuemby/openset/pkg/query/lang"
	"github.com/cuemby/openset/pkg/query/vm"
	"github.com/cuemby/openset/pkg/resultset"
)

// HistogramRequest is a scripted histogram query: group customers by the
// bucketed value of one property (read from their most recent row) and
// tally the compiled script's output within each bucket. Grounded on
// oloop_histogram.cpp's foreach/bucket/min/max query parameters; dense
// bucket-filling between Min and Max happens at JSON-emit time via
// resultset.EmitJSON, not while tallying.
type HistogramRequest struct {
	Bytecode   *lang.Bytecode
	PropertyID int
	IsDouble   bool
	Bucket     float64
	Min        float64
	Max        float64
	Columns    []ColumnSpec
	Segments   []string
	Vars       map[string]vm.Value
}

// RunHistogram buckets customers by PropertyID's most recent value and
// tallies Bytecode's output per bucket.
func RunHistogram(ctx context.Context, p *partition.Partition, req HistogramRequest, timeout time.Duration) (*resultset.ResultSet, error) {
	bucket := req.Bucket
	if bucket <= 0 {
		bucket = 1
	}

	groupBy := func(g *grid.Grid) (int64, bool, bool) {
		if g.RowCount() == 0 {
			return 0, false, false
		}
		raw := g.ColumnValue(g.RowCount()-1, req.PropertyID)
		if raw == grid.NoValue {
			return 0, false, false
		}
		value := float64(raw)
		if req.IsDouble {
			value = grid.DescaleFloat(raw)
		}
		if value < req.Min {
			value = req.Min
		}
		if value > req.Max {
			value = req.Max
		}
		// Round to the nearest bucket boundary rather than floor, matching
		// resultset.bucketKey's own convention — the dense-fill pass at
		// JSON-emit time snaps every boundary the same way, so a tallied
		// key here must land on exactly the key that pass expects or the
		// bucket shows up twice (once tallied, once empty-filled).
		bucketed := math.Round(value/bucket) * bucket
		return grid.ScaleFloat(bucketed), false, true
	}

	return RunQuery(ctx, p, QueryRequest{
		Bytecode: req.Bytecode,
		Columns:  req.Columns,
		Segments: req.Segments,
		Vars:     req.Vars,
		GroupBy:  groupBy,
	}, timeout)
}
