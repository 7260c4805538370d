package vm

import (
	"fmt"

	"github.com/cuemby/openset/pkg/grid"
	"github.com/cuemby/openset/pkg/query/lang"
)

// Outcome is what running a script against one customer produced.
type Outcome struct {
	Returned bool
	Values   []Value
}

// VM executes one compiled script against one customer's Grid at a time. A
// VM is not safe for concurrent use — each partition loop owns exactly one
// while it walks a batch of customers, matching the Grid it reads.
type VM struct {
	grid     *grid.Grid
	sink     Sink
	segments SegmentProvider

	vars      map[string]Value
	stack     []Value
	loopStack []loopFrame
	curRow    int
	returned  bool
	retVals   []Value
}

// New returns a VM ready to run scripts against g, reporting tallies to
// sink. segments may be nil if the script never calls a segment-set
// builtin.
func New(g *grid.Grid, sink Sink, segments SegmentProvider) *VM {
	return &VM{
		grid:     g,
		sink:     sink,
		segments: segments,
		vars:     make(map[string]Value),
	}
}

// SetVar seeds a variable before Run, used to pass query parameters into a
// script.
func (vm *VM) SetVar(name string, v Value) { vm.vars[name] = v }

func (vm *VM) push(v Value) { vm.stack = append(vm.stack, v) }

func (vm *VM) pop() (Value, error) {
	if len(vm.stack) == 0 {
		return Value{}, fmt.Errorf("vm: stack underflow")
	}
	n := len(vm.stack) - 1
	v := vm.stack[n]
	vm.stack = vm.stack[:n]
	return v, nil
}

// Run executes bc's instructions to completion (OpTerm, a return, or the
// instruction slice running out) and returns the accumulated Outcome.
func (vm *VM) Run(bc *lang.Bytecode) (Outcome, error) {
	ip := 0
	for ip < len(bc.Instructions) {
		instr := bc.Instructions[ip]
		if instr.Op == lang.OpTerm {
			break
		}
		next, err := vm.step(ip, instr)
		if err != nil {
			return Outcome{}, fmt.Errorf("vm: line %d: %w", instr.Line, err)
		}
		if vm.returned {
			break
		}
		ip = next
	}
	return Outcome{Returned: vm.returned, Values: vm.retVals}, nil
}

// step executes one instruction and returns the next instruction pointer.
func (vm *VM) step(ip int, instr lang.Instruction) (int, error) {
	switch instr.Op {
	case lang.OpNop, lang.OpTerm:
		return ip + 1, nil

	case lang.OpPushLitInt:
		vm.push(IntValue(instr.IntArg))
	case lang.OpPushLitFloat:
		vm.push(FloatValue(instr.FloatArg))
	case lang.OpPushLitString:
		vm.push(StringValue(instr.StrArg))
	case lang.OpPushLitBool:
		vm.push(BoolValue(instr.IntArg != 0))
	case lang.OpPushLitNone:
		vm.push(NoneValue())

	case lang.OpPushProp:
		if vm.grid.RowCount() == 0 {
			vm.push(IntValue(grid.NoValue))
			break
		}
		vm.push(IntValue(vm.grid.ColumnValue(vm.curRow, int(instr.IntArg))))
	case lang.OpPushStamp:
		if vm.grid.RowCount() == 0 {
			vm.push(IntValue(grid.NoValue))
			break
		}
		vm.push(IntValue(vm.grid.StampAt(vm.curRow)))
	case lang.OpPushEvent:
		if vm.grid.RowCount() == 0 {
			vm.push(IntValue(grid.NoValue))
			break
		}
		vm.push(IntValue(vm.grid.EventAt(vm.curRow)))
	case lang.OpPushSession:
		if vm.grid.RowCount() == 0 {
			vm.push(IntValue(grid.NoValue))
			break
		}
		vm.push(IntValue(int64(vm.grid.SessionAt(vm.curRow))))
	case lang.OpPushVar:
		vm.push(vm.vars[instr.StrArg])
	case lang.OpPopVar:
		v, err := vm.pop()
		if err != nil {
			return 0, err
		}
		vm.vars[instr.StrArg] = v

	case lang.OpAdd, lang.OpSub, lang.OpMul, lang.OpDiv:
		b, err := vm.pop()
		if err != nil {
			return 0, err
		}
		a, err := vm.pop()
		if err != nil {
			return 0, err
		}
		v, err := vm.binMath(instr.Op, a, b)
		if err != nil {
			return 0, err
		}
		vm.push(v)

	case lang.OpEq, lang.OpNeq, lang.OpGt, lang.OpGte, lang.OpLt, lang.OpLte:
		b, err := vm.pop()
		if err != nil {
			return 0, err
		}
		a, err := vm.pop()
		if err != nil {
			return 0, err
		}
		vm.push(BoolValue(vm.binCompare(instr.Op, a, b)))

	case lang.OpWithin:
		amount, err := vm.pop()
		if err != nil {
			return 0, err
		}
		target, err := vm.pop()
		if err != nil {
			return 0, err
		}
		of, err := vm.pop()
		if err != nil {
			return 0, err
		}
		window := amount.AsInt() * instr.IntArg
		diff := target.AsInt() - of.AsInt()
		if diff < 0 {
			diff = -diff
		}
		vm.push(BoolValue(diff <= window))

	case lang.OpAnd:
		b, err := vm.pop()
		if err != nil {
			return 0, err
		}
		a, err := vm.pop()
		if err != nil {
			return 0, err
		}
		vm.push(BoolValue(a.Truthy() && b.Truthy()))
	case lang.OpOr:
		b, err := vm.pop()
		if err != nil {
			return 0, err
		}
		a, err := vm.pop()
		if err != nil {
			return 0, err
		}
		vm.push(BoolValue(a.Truthy() || b.Truthy()))
	case lang.OpNot:
		a, err := vm.pop()
		if err != nil {
			return 0, err
		}
		vm.push(BoolValue(!a.Truthy()))
	case lang.OpNeg:
		a, err := vm.pop()
		if err != nil {
			return 0, err
		}
		if a.Kind == KindFloat {
			vm.push(FloatValue(-a.F))
		} else {
			vm.push(IntValue(-a.AsInt()))
		}

	case lang.OpJumpIfFalse:
		cond, err := vm.pop()
		if err != nil {
			return 0, err
		}
		if !cond.Truthy() {
			return instr.Jump, nil
		}
		return ip + 1, nil
	case lang.OpJump:
		return instr.Jump, nil

	case lang.OpForRowStart:
		n := vm.grid.RowCount()
		if n == 0 {
			return instr.Jump, nil
		}
		start := 0
		forward := instr.IntArg == 0
		if !forward {
			start = n - 1
		}
		vm.loopStack = append(vm.loopStack, loopFrame{
			kind: loopForRow, forward: forward, row: start,
			exitIP: instr.Jump, nextIP: instr.Jump2,
		})
		vm.curRow = start
		return ip + 1, nil
	case lang.OpForRowNext:
		return vm.stepForRowNext(instr)

	case lang.OpForEachStart:
		iter, err := vm.pop()
		if err != nil {
			return 0, err
		}
		items := toList(iter)
		if len(items) == 0 {
			return instr.Jump, nil
		}
		vm.loopStack = append(vm.loopStack, loopFrame{
			kind: loopForEach, varName: instr.StrArg, items: items, idx: 0,
			exitIP: instr.Jump, nextIP: instr.Jump2,
		})
		vm.vars[instr.StrArg] = items[0]
		return ip + 1, nil
	case lang.OpForEachNext:
		return vm.stepForEachNext(instr)

	case lang.OpMarshal:
		args, err := vm.popN(int(instr.IntArg))
		if err != nil {
			return 0, err
		}
		fn, ok := builtins[instr.StrArg]
		if !ok {
			return 0, fmt.Errorf("vm: unknown builtin %q", instr.StrArg)
		}
		v, err := fn(vm, args)
		if err != nil {
			return 0, err
		}
		vm.push(v)

	case lang.OpTally:
		v, err := vm.pop()
		if err != nil {
			return 0, err
		}
		if vm.sink != nil {
			vm.sink.Tally(instr.StrArg, v)
		}

	case lang.OpReturn:
		vals, err := vm.popN(int(instr.IntArg))
		if err != nil {
			return 0, err
		}
		vm.retVals = vals
		vm.returned = true
		return ip + 1, nil

	case lang.OpBreak:
		if len(vm.loopStack) == 0 {
			return 0, fmt.Errorf("vm: break outside of a loop")
		}
		frame := vm.loopStack[len(vm.loopStack)-1]
		vm.loopStack = vm.loopStack[:len(vm.loopStack)-1]
		return frame.exitIP, nil
	case lang.OpContinue:
		if len(vm.loopStack) == 0 {
			return 0, fmt.Errorf("vm: continue outside of a loop")
		}
		frame := vm.loopStack[len(vm.loopStack)-1]
		return frame.nextIP, nil

	case lang.OpPop:
		if _, err := vm.pop(); err != nil {
			return 0, err
		}

	default:
		return 0, fmt.Errorf("vm: unhandled opcode %v", instr.Op)
	}
	return ip + 1, nil
}

func (vm *VM) stepForRowNext(instr lang.Instruction) (int, error) {
	if len(vm.loopStack) == 0 {
		return 0, fmt.Errorf("vm: for-row-next with no active loop")
	}
	i := len(vm.loopStack) - 1
	frame := &vm.loopStack[i]
	if frame.forward {
		frame.row++
	} else {
		frame.row--
	}
	n := vm.grid.RowCount()
	if frame.row >= 0 && frame.row < n {
		vm.curRow = frame.row
		return instr.Jump, nil
	}
	exit := frame.exitIP
	vm.loopStack = vm.loopStack[:i]
	return exit, nil
}

func (vm *VM) stepForEachNext(instr lang.Instruction) (int, error) {
	if len(vm.loopStack) == 0 {
		return 0, fmt.Errorf("vm: for-each-next with no active loop")
	}
	i := len(vm.loopStack) - 1
	frame := &vm.loopStack[i]
	frame.idx++
	if frame.idx < len(frame.items) {
		vm.vars[frame.varName] = frame.items[frame.idx]
		return instr.Jump, nil
	}
	exit := frame.exitIP
	vm.loopStack = vm.loopStack[:i]
	return exit, nil
}

func (vm *VM) popN(n int) ([]Value, error) {
	out := make([]Value, n)
	for i := n - 1; i >= 0; i-- {
		v, err := vm.pop()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (vm *VM) binMath(op lang.Op, a, b Value) (Value, error) {
	switch op {
	case lang.OpAdd:
		return add(a, b), nil
	case lang.OpSub:
		return sub(a, b), nil
	case lang.OpMul:
		return mul(a, b), nil
	case lang.OpDiv:
		return div(a, b)
	}
	return Value{}, fmt.Errorf("vm: unhandled math op %v", op)
}

func (vm *VM) binCompare(op lang.Op, a, b Value) bool {
	switch op {
	case lang.OpEq:
		return equal(a, b)
	case lang.OpNeq:
		return !equal(a, b)
	case lang.OpGt:
		return compare(a, b) > 0
	case lang.OpGte:
		return compare(a, b) >= 0
	case lang.OpLt:
		return compare(a, b) < 0
	case lang.OpLte:
		return compare(a, b) <= 0
	}
	return false
}

func toList(v Value) []Value {
	switch v.Kind {
	case KindList:
		return v.L
	case KindDict:
		out := make([]Value, 0, len(v.D))
		for _, val := range v.D {
			out = append(out, val)
		}
		return out
	}
	return nil
}
