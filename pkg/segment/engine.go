package segment

import (
	"fmt"

	"github.com/cuemby/openset/pkg/attribute"
	"github.com/cuemby/openset/pkg/bitmap"
	"github.com/cuemby/openset/pkg/grid"
	"github.com/cuemby/openset/pkg/metrics"
	"github.com/cuemby/openset/pkg/query/lang"
	"github.com/cuemby/openset/pkg/query/vm"
)

// CustomerSource lets the engine walk every customer on a partition without
// importing pkg/partition (which in turn depends on this package's
// SegmentProvider implementation) — the same decoupling pkg/query/vm uses
// for Sink and SegmentProvider.
type CustomerSource interface {
	// CustomerCount is the live linear-id stop-bit.
	CustomerCount() int64
	// GridAt mounts and prepares the customer at linearID, or ok=false if
	// that linear id has been removed (a cleaned/culled slot).
	GridAt(linearID int64) (g *grid.Grid, ok bool)
}

// ChangeState is whether a customer entered or exited a segment.
type ChangeState int

const (
	Entered ChangeState = iota
	Exited
)

// ChangeMessage is one segment membership flip, queued for the subscriber
// fanout.
type ChangeMessage struct {
	Segment    string
	SegmentHash int64
	State      ChangeState
	LinearID   int64
}

// Engine evaluates segment definitions against one partition's customers,
// using the attribute store's bitmaps for the index-math fast path and
// pkg/query/vm for scripts that need to see individual grid rows.
type Engine struct {
	Table    string
	Store    *Store
	Attrs    *attribute.Store
	Source   CustomerSource
	Resolve  lang.Resolver
	onChange func(ChangeMessage)
}

// NewEngine returns an Engine over store, reading customers from source and
// resolving property names through resolve (the table's property
// registry). onChange receives every enter/exit flip, for subscriber
// fanout; it may be nil to discard change messages (e.g. in tests). table is
// only used to label the segment change-message metric.
func NewEngine(table string, store *Store, attrs *attribute.Store, source CustomerSource, resolve lang.Resolver, onChange func(ChangeMessage)) *Engine {
	if onChange == nil {
		onChange = func(ChangeMessage) {}
	}
	return &Engine{Table: table, Store: store, Attrs: attrs, Source: source, Resolve: resolve, onChange: onChange}
}

// RefreshOne re-evaluates a single segment definition: the index-math fast
// path if its script compiled to a pure hint plan, the interpreter walk
// otherwise, and the zero-iteration segment-math path for scripts that only
// reference other segments. It diffs the resulting bitmap against the
// segment's previous bitmap and emits a ChangeMessage for every flipped
// customer.
func (e *Engine) RefreshOne(def *Definition) error {
	if def.Bytecode == nil {
		return fmt.Errorf("segment: %q has not been compiled", def.Name)
	}

	stopBit := e.Source.CustomerCount()
	current := e.Store.Bits(def.Name)
	before := current.Clone()

	var after *bitmap.Bits
	var err error

	switch {
	case def.IsSegmentMath:
		after, err = e.evalSegmentMath(def)
	case def.IsCountable():
		after, err = e.evalHintPlan(def.Bytecode.HintPlan, stopBit)
	default:
		after, err = e.evalByInterpreter(def, stopBit)
	}
	if err != nil {
		return err
	}

	e.emitDifferences(def, before, after, stopBit)

	// Replace current's contents with after's: clear everything, then union
	// in the freshly computed membership. current is the live pointer held
	// by the attribute store, so this mutates the segment's real bitmap.
	current.AndNot(current)
	current.Or(after)

	return nil
}

// evalHintPlan runs a countable script's reverse-Polish plan directly
// against the attribute store's bitmaps, never touching a customer grid.
func (e *Engine) evalHintPlan(plan []lang.HintOp, stopBit int64) (*bitmap.Bits, error) {
	var stack []*bitmap.Bits
	pop := func() (*bitmap.Bits, error) {
		if len(stack) == 0 {
			return nil, fmt.Errorf("segment: hint plan stack underflow")
		}
		n := len(stack) - 1
		v := stack[n]
		stack = stack[:n]
		return v, nil
	}

	for _, op := range plan {
		switch op.Kind {
		case lang.HintPushProp:
			bits := e.Attrs.Composite(op.PropertyID, toAttributeMode(op.Mode), op.Compare, false, stopBit)
			stack = append(stack, bits)
		case lang.HintAnd:
			b, err := pop()
			if err != nil {
				return nil, err
			}
			a, err := pop()
			if err != nil {
				return nil, err
			}
			a.And(b)
			stack = append(stack, a)
		case lang.HintOr:
			b, err := pop()
			if err != nil {
				return nil, err
			}
			a, err := pop()
			if err != nil {
				return nil, err
			}
			a.Or(b)
			stack = append(stack, a)
		case lang.HintNot:
			a, err := pop()
			if err != nil {
				return nil, err
			}
			a.Not(stopBit)
			stack = append(stack, a)
		}
	}

	if len(stack) != 1 {
		return nil, fmt.Errorf("segment: hint plan did not reduce to a single bitmap")
	}
	return stack[0], nil
}

func toAttributeMode(m lang.HintMode) attribute.Mode {
	switch m {
	case lang.HintNEQ:
		return attribute.ModeNEQ
	case lang.HintGT:
		return attribute.ModeGT
	case lang.HintGTE:
		return attribute.ModeGTE
	case lang.HintLT:
		return attribute.ModeLT
	case lang.HintLTE:
		return attribute.ModeLTE
	default:
		return attribute.ModeEQ
	}
}

// evalByInterpreter walks every customer on the partition, running def's
// bytecode against each one's grid; a truthy return value sets that
// customer's bit.
func (e *Engine) evalByInterpreter(def *Definition, stopBit int64) (*bitmap.Bits, error) {
	out := bitmap.New()
	for lin := int64(0); lin < stopBit; lin++ {
		g, ok := e.Source.GridAt(lin)
		if !ok {
			continue
		}
		set, err := e.runScript(def, g)
		if err != nil {
			return nil, fmt.Errorf("segment: %q customer %d: %w", def.Name, lin, err)
		}
		if set {
			out.Set(lin)
		}
	}
	return out, nil
}

// evalSegmentMath evaluates a segment-math definition (one built purely
// from population/union/intersection/difference/complement over other
// segment names) with zero customer iteration. The VM's segment-set
// builtins only ever report a count (they back the `tally
// population(...)`-style scripts pkg/query/vm supports generally), so a
// segment-math *membership* bitmap is derived directly from the named
// operator instead of running the script through the VM.
func (e *Engine) evalSegmentMath(def *Definition) (*bitmap.Bits, error) {
	prog, err := lang.Parse(def.Source)
	if err != nil {
		return nil, err
	}
	ret, ok := prog.Stmts[0].(*lang.ReturnStmt)
	if !ok || len(ret.Values) != 1 {
		return nil, fmt.Errorf("segment: %q is not a single-return segment-math script", def.Name)
	}
	call, ok := ret.Values[0].(*lang.Call)
	if !ok {
		return nil, fmt.Errorf("segment: %q is not a segment-math script", def.Name)
	}

	name := func(arg lang.Expr) (string, bool) {
		if s, ok := arg.(*lang.LitString); ok {
			return s.Value, true
		}
		return "", false
	}

	switch call.Name {
	case "population":
		if len(call.Args) != 1 {
			return nil, fmt.Errorf("segment: population() takes one argument")
		}
		n, ok := name(call.Args[0])
		if !ok {
			return nil, fmt.Errorf("segment: population() argument must be a literal segment name")
		}
		bits, _ := e.Store.bitsIfPresent(n)
		if bits == nil {
			return bitmap.New(), nil
		}
		return bits.Clone(), nil
	case "union", "intersection", "difference":
		if len(call.Args) != 2 {
			return nil, fmt.Errorf("segment: %s() takes two arguments", call.Name)
		}
		a, aok := name(call.Args[0])
		b, bok := name(call.Args[1])
		if !aok || !bok {
			return nil, fmt.Errorf("segment: %s() arguments must be literal segment names", call.Name)
		}
		ab, _ := e.Store.bitsIfPresent(a)
		bb, _ := e.Store.bitsIfPresent(b)
		if ab == nil {
			ab = bitmap.New()
		}
		if bb == nil {
			bb = bitmap.New()
		}
		out := ab.Clone()
		switch call.Name {
		case "union":
			out.Or(bb)
		case "intersection":
			out.And(bb)
		case "difference":
			out.AndNot(bb)
		}
		return out, nil
	case "complement":
		if len(call.Args) != 1 {
			return nil, fmt.Errorf("segment: complement() takes one argument")
		}
		n, ok := name(call.Args[0])
		if !ok {
			return nil, fmt.Errorf("segment: complement() argument must be a literal segment name")
		}
		bits, _ := e.Store.bitsIfPresent(n)
		out := bitmap.New()
		if bits != nil {
			out.Or(bits)
		}
		out.Not(e.Source.CustomerCount())
		return out, nil
	}
	return nil, fmt.Errorf("segment: unsupported segment-math builtin %q", call.Name)
}

// runScript runs def's bytecode against one customer's grid and returns the
// script's single boolean return value.
func (e *Engine) runScript(def *Definition, g *grid.Grid) (bool, error) {
	machine := vm.New(g, nil, e.Store)
	out, err := machine.Run(def.Bytecode)
	if err != nil {
		return false, err
	}
	if !out.Returned || len(out.Values) == 0 {
		return false, nil
	}
	return out.Values[0].Truthy(), nil
}

func (e *Engine) emitDifferences(def *Definition, before, after *bitmap.Bits, stopBit int64) {
	for lin := int64(0); lin < stopBit; lin++ {
		wasIn := before.Test(lin)
		isIn := after.Test(lin)
		if isIn && !wasIn {
			e.emit(ChangeMessage{Segment: def.Name, SegmentHash: def.NameHash, State: Entered, LinearID: lin})
		} else if !isIn && wasIn {
			e.emit(ChangeMessage{Segment: def.Name, SegmentHash: def.NameHash, State: Exited, LinearID: lin})
		}
	}
}

func (e *Engine) emit(msg ChangeMessage) {
	metrics.SegmentChangeMessagesTotal.WithLabelValues(e.Table, msg.Segment, changeStateLabel(msg.State)).Inc()
	e.onChange(msg)
}

func changeStateLabel(s ChangeState) string {
	if s == Entered {
		return "entered"
	}
	return "exited"
}

// EvaluateOnInsert runs every on_insert-flagged segment against one
// customer, in z_index descending order, immediately after that customer's
// grid has been committed. Unlike RefreshOne this touches a single
// customer, not the whole partition.
func (e *Engine) EvaluateOnInsert(linearID int64, g *grid.Grid) error {
	defs := e.Store.All()
	ordered := onInsertDefs(defs)

	for _, def := range ordered {
		if def.Bytecode == nil {
			continue
		}
		set, err := e.runScript(def, g)
		if err != nil {
			return fmt.Errorf("segment: on-insert %q customer %d: %w", def.Name, linearID, err)
		}

		hash := e.Attrs.Dictionary().Hash(def.Name)
		rec := e.Attrs.GetMake(PropertySegment, hash)
		wasIn := rec.Bits.Test(linearID)
		if set && !wasIn {
			rec.Bits.Set(linearID)
			e.emit(ChangeMessage{Segment: def.Name, SegmentHash: def.NameHash, State: Entered, LinearID: linearID})
		} else if !set && wasIn {
			rec.Bits.Clear(linearID)
			e.emit(ChangeMessage{Segment: def.Name, SegmentHash: def.NameHash, State: Exited, LinearID: linearID})
		}
	}
	return nil
}

// onInsertDefs returns the on_insert-flagged definitions sorted by z_index
// descending, matching spec's ordering guarantee for per-customer change
// messages within one insert.
func onInsertDefs(defs []*Definition) []*Definition {
	out := make([]*Definition, 0, len(defs))
	for _, d := range defs {
		if d.OnInsert {
			out = append(out, d)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].ZIndex < out[j].ZIndex; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
