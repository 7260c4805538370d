package openset

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/openset/pkg/cluster"
	"github.com/cuemby/openset/pkg/query/ops"
	"github.com/cuemby/openset/pkg/table"
)

func newTestServices(t *testing.T) *Services {
	t.Helper()
	svc, err := New(t.TempDir(), cluster.Route{NodeID: 1, Host: "127.0.0.1", Port: 8080}, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Cluster.InitPartitions(1); err != nil {
		t.Fatalf("InitPartitions: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		svc.Stop()
	})
	return svc
}

func TestCreateTableMountsOwnedPartitions(t *testing.T) {
	svc := newTestServices(t)

	tbl, err := svc.CreateTable("events")
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if tbl.Name() != "events" {
		t.Fatalf("expected table named 'events', got %q", tbl.Name())
	}

	p, ok := svc.Partition("events", 0)
	if !ok {
		t.Fatal("expected partition 0 to be mounted locally")
	}
	if p.Engine == nil || p.Loop == nil {
		t.Fatal("expected partition's Engine and Loop to be wired")
	}
}

func TestPartitionForIsStableAndBounded(t *testing.T) {
	for _, customerID := range []int64{0, 1, 42, 1 << 40} {
		id := PartitionFor(customerID, 8)
		if id < 0 || id >= 8 {
			t.Fatalf("PartitionFor(%d, 8) = %d, out of range", customerID, id)
		}
		if got := PartitionFor(customerID, 8); got != id {
			t.Fatalf("PartitionFor not deterministic: %d vs %d", got, id)
		}
	}
}

func TestInsertRowAndFetchCustomer(t *testing.T) {
	svc := newTestServices(t)

	tbl, err := svc.CreateTable("events")
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := tbl.AddProperty("amount", table.PropertyDouble, false, false); err != nil {
		t.Fatalf("AddProperty: %v", err)
	}
	tbl.EventTypeID("purchase")
	if err := svc.Tables.Save(tbl); err != nil {
		t.Fatalf("Save: %v", err)
	}

	props, _ := json.Marshal(map[string]interface{}{"amount": 19.99})
	if err := svc.InsertRow("events", 7, time.Now().UnixMilli(), "purchase", props); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}

	p, ok := svc.Partition("events", PartitionFor(7, len(svc.Cluster.PartitionIDs())))
	if !ok {
		t.Fatal("expected the owning partition to be mounted")
	}

	deadline := time.Now().Add(2 * time.Second)
	var row ops.CustomerRow
	for {
		var err error
		row, err = ops.FetchCustomer(context.Background(), p, tbl, 7, time.Second)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for the insert cell to drain the side log: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(row.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(row.Rows))
	}
	if amt, ok := row.Rows[0]["amount"].(float64); !ok || amt != 19.99 {
		t.Fatalf("expected amount 19.99, got %+v", row.Rows[0]["amount"])
	}
}
