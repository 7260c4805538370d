package ops

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/openset/pkg/async"
	"github.com/cuemby/openset/pkg/grid"
	"github.com/cuemby/openset/pkg/partition"
	"github.com/cuemby/openset/pkg/query/lang"
	"github.com/cuemby/openset/pkg/resultset"
	"github.com/cuemby/openset/pkg/table"
)

func setupPartition(t *testing.T) (*partition.Partition, *table.Table, func()) {
	t.Helper()

	tbl := table.New("events")
	if _, err := tbl.AddProperty("amount", table.PropertyDouble, false, false); err != nil {
		t.Fatalf("AddProperty: %v", err)
	}
	if _, err := tbl.AddProperty("country", table.PropertyText, false, false); err != nil {
		t.Fatalf("AddProperty: %v", err)
	}
	tbl.EventTypeID("purchase")

	p, err := partition.New(t.TempDir(), "events", 0, 0)
	if err != nil {
		t.Fatalf("partition.New: %v", err)
	}
	p.Schema = tbl

	pool := async.New(1)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	p.Loop = pool.InitPartition(p.ID)

	amountID, _, _ := tbl.PropertyID("amount")
	countryID, _, _ := tbl.PropertyID("country")
	purchaseID := tbl.EventTypeID("purchase")

	if err := p.Insert(1, 1000, purchaseID, map[int]int64{amountID: grid.ScaleFloat(12.5)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := p.Insert(2, 1000, purchaseID, map[int]int64{amountID: grid.ScaleFloat(40)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	countryHash := p.Attrs.Dictionary().Hash("us")
	linearID1, _ := p.LinearIDFor(1)
	p.Attrs.GetMake(countryID, countryHash).Bits.Set(linearID1)
	_ = countryID

	cleanup := func() {
		cancel()
		p.Close()
	}
	return p, tbl, cleanup
}

func TestFetchCustomerRendersRows(t *testing.T) {
	p, tbl, cleanup := setupPartition(t)
	defer cleanup()

	row, err := FetchCustomer(context.Background(), p, tbl, 1, time.Second)
	if err != nil {
		t.Fatalf("FetchCustomer: %v", err)
	}
	if row.CustomerID != 1 || len(row.Rows) != 1 {
		t.Fatalf("expected 1 rendered row, got %+v", row)
	}
	if amt, ok := row.Rows[0]["amount"].(float64); !ok || amt != 12.5 {
		t.Fatalf("expected amount 12.5, got %+v", row.Rows[0]["amount"])
	}
	if name, ok := row.Rows[0]["country"].(string); !ok || name != "us" {
		t.Fatalf("expected country 'us', got %+v", row.Rows[0]["country"])
	}
}

func TestFetchCustomerMissingReturnsError(t *testing.T) {
	p, tbl, cleanup := setupPartition(t)
	defer cleanup()

	if _, err := FetchCustomer(context.Background(), p, tbl, 999, time.Second); err == nil {
		t.Fatal("expected an error for a customer with no rows")
	}
}

func TestRunQuerySumsAcrossCustomers(t *testing.T) {
	p, tbl, cleanup := setupPartition(t)
	defer cleanup()

	prog, err := lang.Parse(`
if amount > 0 {
	tally descale(amount) as "total"
}`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bc, err := lang.Compile(prog, tbl.Resolver())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	rs, err := RunQuery(context.Background(), p, QueryRequest{
		Bytecode: bc,
		Columns:  []ColumnSpec{{Label: "total", Mode: resultset.ModeSum}},
	}, time.Second)
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}

	keys := rs.SortedKeys()
	if len(keys) != 1 {
		t.Fatalf("expected a single unscoped row, got %d", len(keys))
	}
	acc := rs.Rows[keys[0]]
	if got := acc[0].Result(resultset.ModeSum); got != 52.5 {
		t.Fatalf("expected total 52.5, got %v", got)
	}
}

func TestRunHistogramRoundsToNearestBucket(t *testing.T) {
	tbl := table.New("events")
	if _, err := tbl.AddProperty("score", table.PropertyDouble, false, false); err != nil {
		t.Fatalf("AddProperty: %v", err)
	}
	tbl.EventTypeID("purchase")

	p, err := partition.New(t.TempDir(), "events", 0, 0)
	if err != nil {
		t.Fatalf("partition.New: %v", err)
	}
	p.Schema = tbl

	pool := async.New(1)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	p.Loop = pool.InitPartition(p.ID)
	defer func() {
		cancel()
		p.Close()
	}()

	scoreID, _, _ := tbl.PropertyID("score")
	purchaseID := tbl.EventTypeID("purchase")

	scores := []float64{0.0, 0.5, 0.9, 1.4, 2.1}
	for i, score := range scores {
		customerID := int64(i + 1)
		if err := p.Insert(customerID, 1000, purchaseID, map[int]int64{scoreID: grid.ScaleFloat(score)}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	prog, err := lang.Parse(`tally 1 as "count"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bc, err := lang.Compile(prog, tbl.Resolver())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	rs, err := RunHistogram(context.Background(), p, HistogramRequest{
		Bytecode:   bc,
		PropertyID: scoreID,
		IsDouble:   true,
		Bucket:     0.5,
		Min:        0,
		Max:        3,
		Columns:    []ColumnSpec{{Label: "count", Mode: resultset.ModeCount}},
	}, time.Second)
	if err != nil {
		t.Fatalf("RunHistogram: %v", err)
	}

	// Spec scenario: scores 0.0, 0.5, 0.9, 1.4, 2.1 bucketed at 0.5 (min 0,
	// max 3) round to the nearest boundary — 0.9 -> 1.0 and 1.4 -> 1.5, not
	// the floor buckets 0.5/1.0 a truncating formula would give.
	want := map[float64]int64{0.0: 1, 0.5: 1, 1.0: 1, 1.5: 1, 2.0: 1, 2.5: 0, 3.0: 0}
	got := make(map[float64]int64, len(want))
	for _, key := range rs.SortedKeys() {
		bucketValue := grid.DescaleFloat(key[0].Value)
		got[bucketValue] = rs.Rows[key][0].Result(resultset.ModeCount)
	}
	for bucket, count := range want {
		if count == 0 {
			continue // empty buckets are filled at JSON-emit time, not tallied here
		}
		if got[bucket] != count {
			t.Fatalf("bucket %v: expected count %d, got %d (all buckets: %+v)", bucket, count, got[bucket], got)
		}
	}
}

func TestRunPropertyHistogramCountsPerValue(t *testing.T) {
	p, tbl, cleanup := setupPartition(t)
	defer cleanup()

	countryID, _, _ := tbl.PropertyID("country")
	rs, err := RunPropertyHistogram(context.Background(), p, PropertyRequest{
		PropertyID: countryID,
		IsText:     true,
	}, time.Second)
	if err != nil {
		t.Fatalf("RunPropertyHistogram: %v", err)
	}

	keys := rs.SortedKeys()
	if len(keys) != 1 {
		t.Fatalf("expected exactly one distinct country value, got %d", len(keys))
	}
	acc := rs.Rows[keys[0]]
	if acc[0].Result(resultset.ModeSum) != 1 {
		t.Fatalf("expected 1 customer tagged 'us', got %v", acc[0].Result(resultset.ModeSum))
	}
}
