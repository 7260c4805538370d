package partition

import (
	"encoding/json"
	"testing"

	"github.com/cuemby/openset/pkg/sidelog"
)

type fakeSchema struct {
	props map[string]int
}

func (f *fakeSchema) PropertyID(name string) (int, bool, bool) {
	id, ok := f.props[name]
	return id, name == "country", ok
}

func (f *fakeSchema) EventTypeID(name string) int64 {
	if name == "purchase" {
		return 7
	}
	return 0
}

func TestInsertCellDrainsAndAppliesRows(t *testing.T) {
	p, err := New(t.TempDir(), "events", 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()
	p.Schema = &fakeSchema{props: map[string]int{"amount": 1, "country": 2}}

	log, err := sidelog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sidelog.Open: %v", err)
	}
	defer log.Close()

	props, _ := json.Marshal(map[string]any{"amount": 9.0, "country": "us"})
	if _, err := log.Append("events", 0, sidelog.Row{CustomerID: 1, Stamp: 1000, EventType: "purchase", Props: props}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	cell := NewInsertCell(log, p)
	cell.Prepare()
	result := cell.Run()
	if !result.RunAgain {
		t.Fatal("expected the cell to ask for another slice after draining a non-empty batch")
	}

	linearID, err := p.LinearIDFor(1)
	if err != nil {
		t.Fatalf("LinearIDFor: %v", err)
	}
	g, ok := p.GridAt(linearID)
	if !ok {
		t.Fatal("expected customer 1's grid to exist after drain")
	}
	if g.RowCount() != 1 {
		t.Fatalf("expected 1 row, got %d", g.RowCount())
	}
	if g.EventAt(0) != 7 {
		t.Fatalf("expected event type 7, got %d", g.EventAt(0))
	}
	if g.ColumnValue(0, 1) != 9 {
		t.Fatalf("expected amount column 9, got %d", g.ColumnValue(0, 1))
	}

	if rec := p.Attrs.GetBits(2, p.Attrs.Dictionary().Hash("us")); rec == nil || !rec.Test(linearID) {
		t.Fatal("expected country=us to be registered in the attribute store")
	}

	backlog, err := log.Backlog("events", 0, "insert")
	if err != nil {
		t.Fatalf("Backlog: %v", err)
	}
	if backlog != 0 {
		t.Fatalf("expected read head advanced past the drained row, got backlog %d", backlog)
	}
}

func TestInsertCellBacksOffWhenEmpty(t *testing.T) {
	p, err := New(t.TempDir(), "events", 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	log, err := sidelog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sidelog.Open: %v", err)
	}
	defer log.Close()

	cell := NewInsertCell(log, p)
	result := cell.Run()
	if !result.RunAgain || result.RunAt.IsZero() {
		t.Fatal("expected a delayed reschedule when the log is empty")
	}
}
