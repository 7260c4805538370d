package segment

import (
	"testing"
	"time"
)

func TestRefreshCellProcessesOneDueSegmentPerSlice(t *testing.T) {
	engine, _ := newTestEngine(t)

	a := &Definition{Name: "a", Source: `if country == 1 { return true }`}
	b := &Definition{Name: "b", Source: `if country == 2 { return true }`}
	for _, d := range []*Definition{a, b} {
		if err := Compile(d, testResolver); err != nil {
			t.Fatalf("compile failed: %v", err)
		}
		engine.Store.Upsert(d)
	}

	cell := NewRefreshCell("testtable", engine, time.Minute)
	cell.Prepare()

	res1 := cell.Run()
	if !res1.RunAgain {
		t.Fatal("expected RunAgain after the first of two due segments")
	}
	res2 := cell.Run()
	if res2.RunAgain && res2.RunAt.IsZero() {
		t.Fatal("expected the batch to finish with a scheduled rerun, not an immediate continue")
	}

	if !engine.Store.Bits("a").Test(0) {
		t.Fatal("expected segment a to have been refreshed")
	}
	if !engine.Store.Bits("b").Test(1) {
		t.Fatal("expected segment b to have been refreshed")
	}
}

func TestRefreshCellPrepareSkipsNotYetDueSegments(t *testing.T) {
	engine, _ := newTestEngine(t)
	def := &Definition{Name: "a", Source: `if country == 1 { return true }`}
	if err := Compile(def, testResolver); err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	engine.Store.Upsert(def)

	cell := NewRefreshCell("testtable", engine, time.Minute)
	cell.Prepare()
	if len(cell.cursor) != 1 {
		t.Fatalf("expected exactly 1 segment due on first prepare, got %d", len(cell.cursor))
	}

	cell.due["a"] = time.Now().Add(time.Hour)
	cell.Prepare()
	if len(cell.cursor) != 0 {
		t.Fatalf("expected no segments due once due-time is in the future, got %d", len(cell.cursor))
	}
}
