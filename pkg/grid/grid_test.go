package grid

import "testing"

const propVisits = 1

func TestInsertKeepsStampOrder(t *testing.T) {
	g := New()
	g.MapTable(1800, nil)
	g.Mount(&CustomerData{CustomerID: 1, LinearID: 0})

	g.Insert(300, 1, map[int]int64{propVisits: 3})
	g.Insert(100, 1, map[int]int64{propVisits: 1})
	g.Insert(200, 1, map[int]int64{propVisits: 2})

	if g.RowCount() != 3 {
		t.Fatalf("expected 3 rows, got %d", g.RowCount())
	}
	for i, want := range []int64{100, 200, 300} {
		if g.StampAt(i) != want {
			t.Fatalf("row %d: expected stamp %d, got %d", i, want, g.StampAt(i))
		}
		if g.ColumnValue(i, propVisits) != want/100 {
			t.Fatalf("row %d: expected visits %d, got %d", i, want/100, g.ColumnValue(i, propVisits))
		}
	}
}

func TestSessionDerivation(t *testing.T) {
	g := New()
	g.MapTable(1000, nil) // session gap of 1000
	g.Mount(&CustomerData{CustomerID: 1})

	g.Insert(0, 1, nil)
	g.Insert(500, 1, nil)  // within gap, same session
	g.Insert(2000, 1, nil) // past gap, new session

	if g.SessionAt(0) != 1 || g.SessionAt(1) != 1 {
		t.Fatalf("expected rows 0,1 in session 1, got %d,%d", g.SessionAt(0), g.SessionAt(1))
	}
	if g.SessionAt(2) != 2 {
		t.Fatalf("expected row 2 in session 2, got %d", g.SessionAt(2))
	}
}

func TestMissingColumnReturnsNoValue(t *testing.T) {
	g := New()
	g.MapTable(1800, nil)
	g.Mount(&CustomerData{CustomerID: 1})
	g.Insert(100, 1, map[int]int64{propVisits: 5})
	g.Insert(200, 1, nil)

	if g.ColumnValue(1, propVisits) != NoValue {
		t.Fatalf("expected NoValue for unset cell, got %d", g.ColumnValue(1, propVisits))
	}
}

func TestCommitMountRoundTrip(t *testing.T) {
	g := New()
	g.MapTable(1800, nil)
	g.Mount(&CustomerData{CustomerID: 42, LinearID: 7})
	g.Insert(100, 1, map[int]int64{propVisits: 5})
	g.Insert(200, 2, map[int]int64{propVisits: 6})

	blob, err := g.Commit()
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if blob.CustomerID != 42 || blob.LinearID != 7 {
		t.Fatalf("unexpected identity on committed blob: %+v", blob)
	}

	g2 := New()
	g2.MapTable(1800, nil)
	g2.Mount(blob)
	if err := g2.Prepare(); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}

	if g2.RowCount() != 2 {
		t.Fatalf("expected 2 rows after round trip, got %d", g2.RowCount())
	}
	if g2.ColumnValue(0, propVisits) != 5 || g2.ColumnValue(1, propVisits) != 6 {
		t.Fatal("column values did not survive the round trip")
	}
}

func TestColumnProjection(t *testing.T) {
	g := New()
	g.MapTable(1800, nil)
	g.Mount(&CustomerData{CustomerID: 1})
	g.Insert(100, 1, map[int]int64{1: 10, 2: 20})
	blob, err := g.Commit()
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	g2 := New()
	g2.MapTable(1800, []int{1}) // project only property 1
	g2.Mount(blob)
	if err := g2.Prepare(); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}

	if g2.ColumnValue(0, 1) != 10 {
		t.Fatalf("expected projected column 1 to carry value 10, got %d", g2.ColumnValue(0, 1))
	}
	if g2.ColumnValue(0, 2) != NoValue {
		t.Fatal("expected column 2 to be excluded by the projection")
	}
}

func TestCullByAgeAndRowCap(t *testing.T) {
	g := New()
	g.MapTable(1800, nil)
	g.Mount(&CustomerData{CustomerID: 1})
	g.Insert(100, 1, nil)
	g.Insert(200, 1, nil)
	g.Insert(300, 1, nil)

	if dropped := g.Cull(200, 0); !dropped {
		t.Fatal("expected cull by age to drop the row older than cutoff")
	}
	if g.RowCount() != 2 || g.StampAt(0) != 200 {
		t.Fatalf("expected rows [200,300] remaining, got count=%d first=%d", g.RowCount(), g.StampAt(0))
	}

	if dropped := g.Cull(0, 1); !dropped {
		t.Fatal("expected cull by row cap to drop the oldest remaining row")
	}
	if g.RowCount() != 1 || g.StampAt(0) != 300 {
		t.Fatalf("expected only row [300] remaining, got count=%d first=%d", g.RowCount(), g.StampAt(0))
	}
}

func TestAddAndClearFlag(t *testing.T) {
	g := New()
	g.MapTable(1800, nil)
	g.Mount(&CustomerData{CustomerID: 1})

	g.AddFlag(1, 99, 0, 100)
	g.AddFlag(2, 50, 0, 200)
	if len(g.Flags()) != 2 {
		t.Fatalf("expected 2 flags, got %d", len(g.Flags()))
	}

	g.ClearFlag(1, 99, 0)
	flags := g.Flags()
	if len(flags) != 1 || flags[0].Type != 2 {
		t.Fatalf("expected only the type-2 flag to remain, got %+v", flags)
	}
}

func TestFloatScaling(t *testing.T) {
	v := ScaleFloat(12.3456)
	if v != 123456 {
		t.Fatalf("expected scaled value 123456, got %d", v)
	}
	if got := DescaleFloat(v); got != 12.3456 {
		t.Fatalf("expected descaled value 12.3456, got %v", got)
	}
}
