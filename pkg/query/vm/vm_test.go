package vm

import (
	"testing"

	"github.com/cuemby/openset/pkg/grid"
	"github.com/cuemby/openset/pkg/query/lang"
)

const propAge = 2

func resolver(name string) (int, bool) {
	switch name {
	case "age":
		return propAge, true
	}
	return 0, false
}

func compileSrc(t *testing.T, src string) *lang.Bytecode {
	t.Helper()
	prog, err := lang.Parse(src)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	bc, err := lang.Compile(prog, resolver)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return bc
}

type recordingSink struct {
	tallies []tallyCall
}

type tallyCall struct {
	label string
	v     Value
}

func (s *recordingSink) Tally(label string, v Value) {
	s.tallies = append(s.tallies, tallyCall{label: label, v: v})
}

type fakeSegments struct {
	pops map[string]int64
}

func (f *fakeSegments) Population(name string) (int64, bool) { n, ok := f.pops[name]; return n, ok }
func (f *fakeSegments) Union(a, b string) (int64, bool)       { return f.pops[a] + f.pops[b], true }
func (f *fakeSegments) Intersection(a, b string) (int64, bool) {
	if f.pops[a] < f.pops[b] {
		return f.pops[a], true
	}
	return f.pops[b], true
}
func (f *fakeSegments) Difference(a, b string) (int64, bool) { return f.pops[a] - f.pops[b], true }
func (f *fakeSegments) Complement(a string) (int64, bool)    { return -f.pops[a], true }

func newGridWithRows(t *testing.T, stamps []int64, events []int64, ages []int64) *grid.Grid {
	t.Helper()
	g := grid.New()
	g.MapTable(0, nil)
	for i := range stamps {
		props := map[int]int64{}
		if ages[i] != grid.NoValue {
			props[propAge] = ages[i]
		}
		g.Insert(stamps[i], events[i], props)
	}
	return g
}

func TestRunSimpleTally(t *testing.T) {
	bc := compileSrc(t, `tally 1 as "count"`)
	g := grid.New()
	sink := &recordingSink{}
	machine := New(g, sink, nil)

	if _, err := machine.Run(bc); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(sink.tallies) != 1 || sink.tallies[0].label != "count" || sink.tallies[0].v.I != 1 {
		t.Fatalf("unexpected tallies: %+v", sink.tallies)
	}
}

func TestRunIfElifElse(t *testing.T) {
	bc := compileSrc(t, `
if age > 30 {
	tally 1 as "old"
} elif age > 18 {
	tally 1 as "adult"
} else {
	tally 1 as "minor"
}`)
	g := newGridWithRows(t, []int64{100}, []int64{1}, []int64{25})
	sink := &recordingSink{}
	machine := New(g, sink, nil)
	machine.curRow = 0

	if _, err := machine.Run(bc); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(sink.tallies) != 1 || sink.tallies[0].label != "adult" {
		t.Fatalf("expected the 'adult' branch to tally, got %+v", sink.tallies)
	}
}

func TestRunForRowForwardVisitsAllRows(t *testing.T) {
	bc := compileSrc(t, `
for row {
	tally event
}`)
	g := newGridWithRows(t, []int64{1, 2, 3}, []int64{10, 20, 30}, []int64{grid.NoValue, grid.NoValue, grid.NoValue})
	sink := &recordingSink{}
	machine := New(g, sink, nil)

	if _, err := machine.Run(bc); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(sink.tallies) != 3 {
		t.Fatalf("expected 3 tallies, got %d", len(sink.tallies))
	}
	want := []int64{10, 20, 30}
	for i, tc := range sink.tallies {
		if tc.v.I != want[i] {
			t.Fatalf("tally %d: expected %d, got %d", i, want[i], tc.v.I)
		}
	}
}

func TestRunForRowReverseOrder(t *testing.T) {
	bc := compileSrc(t, `
for reverse row {
	tally event
}`)
	g := newGridWithRows(t, []int64{1, 2, 3}, []int64{10, 20, 30}, []int64{grid.NoValue, grid.NoValue, grid.NoValue})
	sink := &recordingSink{}
	machine := New(g, sink, nil)

	if _, err := machine.Run(bc); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	want := []int64{30, 20, 10}
	if len(sink.tallies) != 3 {
		t.Fatalf("expected 3 tallies, got %d", len(sink.tallies))
	}
	for i, tc := range sink.tallies {
		if tc.v.I != want[i] {
			t.Fatalf("tally %d: expected %d, got %d", i, want[i], tc.v.I)
		}
	}
}

func TestRunForRowBreak(t *testing.T) {
	bc := compileSrc(t, `
for row {
	if event == 20 {
		break
	}
	tally event
}`)
	g := newGridWithRows(t, []int64{1, 2, 3}, []int64{10, 20, 30}, []int64{grid.NoValue, grid.NoValue, grid.NoValue})
	sink := &recordingSink{}
	machine := New(g, sink, nil)

	if _, err := machine.Run(bc); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(sink.tallies) != 1 || sink.tallies[0].v.I != 10 {
		t.Fatalf("expected break to stop after the first row, got %+v", sink.tallies)
	}
}

func TestRunForRowContinue(t *testing.T) {
	bc := compileSrc(t, `
for row {
	if event == 20 {
		continue
	}
	tally event
}`)
	g := newGridWithRows(t, []int64{1, 2, 3}, []int64{10, 20, 30}, []int64{grid.NoValue, grid.NoValue, grid.NoValue})
	sink := &recordingSink{}
	machine := New(g, sink, nil)

	if _, err := machine.Run(bc); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(sink.tallies) != 2 || sink.tallies[0].v.I != 10 || sink.tallies[1].v.I != 30 {
		t.Fatalf("expected continue to skip only the middle row, got %+v", sink.tallies)
	}
}

func TestRunReturnValues(t *testing.T) {
	bc := compileSrc(t, `
var total = 1 + 2
return total, 99`)
	g := grid.New()
	machine := New(g, nil, nil)

	out, err := machine.Run(bc)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !out.Returned || len(out.Values) != 2 {
		t.Fatalf("expected 2 return values, got %+v", out)
	}
	if out.Values[0].I != 3 || out.Values[1].I != 99 {
		t.Fatalf("unexpected return values: %+v", out.Values)
	}
}

func TestRunWithinTruthy(t *testing.T) {
	bc := compileSrc(t, `
var marker = 100
if 130 within 1 minutes of marker {
	tally 1 as "close"
}`)
	g := grid.New()
	sink := &recordingSink{}
	machine := New(g, sink, nil)

	if _, err := machine.Run(bc); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(sink.tallies) != 1 {
		t.Fatalf("expected the within clause to be truthy (30ms apart <= 1 minute = 60000ms window), got %+v", sink.tallies)
	}
}

func TestRunForEachOverList(t *testing.T) {
	bc := compileSrc(t, `
for item in items {
	tally item
}`)
	g := grid.New()
	sink := &recordingSink{}
	machine := New(g, sink, nil)
	machine.SetVar("items", ListValue([]Value{IntValue(5), IntValue(6), IntValue(7)}))

	if _, err := machine.Run(bc); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(sink.tallies) != 3 {
		t.Fatalf("expected 3 tallies from the for-each loop, got %d", len(sink.tallies))
	}
}

func TestRunPopulationBuiltin(t *testing.T) {
	bc := compileSrc(t, `tally population("vips")`)
	g := grid.New()
	sink := &recordingSink{}
	segments := &fakeSegments{pops: map[string]int64{"vips": 42}}
	machine := New(g, sink, segments)

	if _, err := machine.Run(bc); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(sink.tallies) != 1 || sink.tallies[0].v.I != 42 {
		t.Fatalf("expected population(vips)=42, got %+v", sink.tallies)
	}
}

func TestRunPopulationBuiltinWithoutProviderErrors(t *testing.T) {
	bc := compileSrc(t, `tally population("vips")`)
	g := grid.New()
	machine := New(g, nil, nil)

	if _, err := machine.Run(bc); err == nil {
		t.Fatal("expected an error when no segment provider is configured")
	}
}
