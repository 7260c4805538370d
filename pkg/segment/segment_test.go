package segment

import (
	"testing"

	"github.com/cuemby/openset/pkg/attribute"
)

const propCountry = 1000

func testResolver(name string) (int, bool) {
	if name == "country" {
		return propCountry, true
	}
	return 0, false
}

func TestCompileMarksCountableIndexScript(t *testing.T) {
	def := &Definition{Name: "canada", Source: `if country == 1 { return true }`}
	if err := Compile(def, testResolver); err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if !def.IsCountable() {
		t.Fatal("expected a single property-comparison filter to be countable")
	}
	if def.IsSegmentMath {
		t.Fatal("did not expect an index script to be flagged as segment math")
	}
}

func TestCompileMarksSegmentMathScript(t *testing.T) {
	def := &Definition{Name: "both", Source: `return union("a", "b")`}
	if err := Compile(def, testResolver); err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if !def.IsSegmentMath {
		t.Fatal("expected a bare union() return to be flagged as segment math")
	}
}

func TestStoreUpsertAndGet(t *testing.T) {
	attrs := attribute.New()
	store := NewStore(attrs)
	store.Upsert(&Definition{Name: "vips", TTL: 0})

	def, ok := store.Get("vips")
	if !ok || def.Name != "vips" {
		t.Fatalf("expected to retrieve the registered segment, got %+v, %v", def, ok)
	}
	if def.NameHash == 0 {
		t.Fatal("expected Upsert to assign a dictionary hash to the segment name")
	}
}

func TestStorePopulationUnionIntersectionDifferenceComplement(t *testing.T) {
	attrs := attribute.New()
	store := NewStore(attrs)
	store.CustomerCount = func() int64 { return 10 }
	store.Upsert(&Definition{Name: "a"})
	store.Upsert(&Definition{Name: "b"})

	a := store.Bits("a")
	a.Set(1)
	a.Set(2)
	a.Set(3)
	b := store.Bits("b")
	b.Set(3)
	b.Set(4)

	if pop, ok := store.Population("a"); !ok || pop != 3 {
		t.Fatalf("expected population(a)=3, got %d, %v", pop, ok)
	}
	if u, ok := store.Union("a", "b"); !ok || u != 4 {
		t.Fatalf("expected union(a,b)=4, got %d, %v", u, ok)
	}
	if i, ok := store.Intersection("a", "b"); !ok || i != 1 {
		t.Fatalf("expected intersection(a,b)=1, got %d, %v", i, ok)
	}
	if d, ok := store.Difference("a", "b"); !ok || d != 2 {
		t.Fatalf("expected difference(a,b)=2, got %d, %v", d, ok)
	}
	if c, ok := store.Complement("a"); !ok || c != 7 {
		t.Fatalf("expected complement(a)=7 out of 10, got %d, %v", c, ok)
	}
}

func TestStorePopulationUnknownSegmentFails(t *testing.T) {
	attrs := attribute.New()
	store := NewStore(attrs)
	if _, ok := store.Population("missing"); ok {
		t.Fatal("expected population of an unregistered segment to report ok=false")
	}
}
