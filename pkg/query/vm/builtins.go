package vm

import (
	"fmt"
	"time"

	"github.com/cuemby/openset/pkg/grid"
)

// builtin is a marshaled function: the scoped-down stand-in for the
// original's Marshals_e dispatch table. Each entry validates its own arity
// since the compiler does not know it ahead of time.
type builtin func(vm *VM, args []Value) (Value, error)

var builtins = map[string]builtin{
	"now":            bNow,
	"row_count":      bRowCount,
	"session_count":  bSessionCount,
	"to_seconds":     unitConv(1000),
	"to_minutes":     unitConv(60000),
	"to_hours":       unitConv(3600000),
	"to_days":        unitConv(86400000),
	"len":            bLen,
	"int":            bInt,
	"float":          bFloat,
	"str":            bStr,
	"descale":        bDescale,
	"population":     bPopulation,
	"union":          bUnion,
	"intersection":   bIntersection,
	"difference":     bDifference,
	"complement":     bComplement,
}

func arity(name string, args []Value, n int) error {
	if len(args) != n {
		return fmt.Errorf("vm: %s() expects %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

// bNow returns the current time as milliseconds since epoch, the same unit
// row stamps are inserted in.
func bNow(vm *VM, args []Value) (Value, error) {
	if err := arity("now", args, 0); err != nil {
		return Value{}, err
	}
	return IntValue(time.Now().UnixMilli()), nil
}

func bRowCount(vm *VM, args []Value) (Value, error) {
	if err := arity("row_count", args, 0); err != nil {
		return Value{}, err
	}
	return IntValue(int64(vm.grid.RowCount())), nil
}

func bSessionCount(vm *VM, args []Value) (Value, error) {
	if err := arity("session_count", args, 0); err != nil {
		return Value{}, err
	}
	n := vm.grid.RowCount()
	if n == 0 {
		return IntValue(0), nil
	}
	return IntValue(int64(vm.grid.SessionAt(n - 1))), nil
}

func unitConv(divisor int64) builtin {
	return func(vm *VM, args []Value) (Value, error) {
		if err := arity("to_*", args, 1); err != nil {
			return Value{}, err
		}
		return IntValue(args[0].AsInt() / divisor), nil
	}
}

func bLen(vm *VM, args []Value) (Value, error) {
	if err := arity("len", args, 1); err != nil {
		return Value{}, err
	}
	switch args[0].Kind {
	case KindList:
		return IntValue(int64(len(args[0].L))), nil
	case KindDict:
		return IntValue(int64(len(args[0].D))), nil
	case KindString:
		return IntValue(int64(len(args[0].S))), nil
	}
	return IntValue(0), nil
}

func bInt(vm *VM, args []Value) (Value, error) {
	if err := arity("int", args, 1); err != nil {
		return Value{}, err
	}
	return IntValue(args[0].AsInt()), nil
}

func bFloat(vm *VM, args []Value) (Value, error) {
	if err := arity("float", args, 1); err != nil {
		return Value{}, err
	}
	return FloatValue(args[0].AsFloat()), nil
}

func bStr(vm *VM, args []Value) (Value, error) {
	if err := arity("str", args, 1); err != nil {
		return Value{}, err
	}
	return StringValue(args[0].String()), nil
}

// bDescale converts a grid column's scaled fixed-point int64 back to a
// float64, per grid.DescaleFloat.
func bDescale(vm *VM, args []Value) (Value, error) {
	if err := arity("descale", args, 1); err != nil {
		return Value{}, err
	}
	return FloatValue(float64(args[0].AsInt()) / float64(grid.FloatScale)), nil
}

func bPopulation(vm *VM, args []Value) (Value, error) {
	if err := arity("population", args, 1); err != nil {
		return Value{}, err
	}
	if vm.segments == nil {
		return Value{}, fmt.Errorf("vm: population(): no segment provider configured")
	}
	n, ok := vm.segments.Population(args[0].String())
	if !ok {
		return Value{}, fmt.Errorf("vm: population(): unknown segment %q", args[0].String())
	}
	return IntValue(n), nil
}

func bUnion(vm *VM, args []Value) (Value, error) {
	if err := arity("union", args, 2); err != nil {
		return Value{}, err
	}
	if vm.segments == nil {
		return Value{}, fmt.Errorf("vm: union(): no segment provider configured")
	}
	n, ok := vm.segments.Union(args[0].String(), args[1].String())
	if !ok {
		return Value{}, fmt.Errorf("vm: union(): unknown segment")
	}
	return IntValue(n), nil
}

func bIntersection(vm *VM, args []Value) (Value, error) {
	if err := arity("intersection", args, 2); err != nil {
		return Value{}, err
	}
	if vm.segments == nil {
		return Value{}, fmt.Errorf("vm: intersection(): no segment provider configured")
	}
	n, ok := vm.segments.Intersection(args[0].String(), args[1].String())
	if !ok {
		return Value{}, fmt.Errorf("vm: intersection(): unknown segment")
	}
	return IntValue(n), nil
}

func bDifference(vm *VM, args []Value) (Value, error) {
	if err := arity("difference", args, 2); err != nil {
		return Value{}, err
	}
	if vm.segments == nil {
		return Value{}, fmt.Errorf("vm: difference(): no segment provider configured")
	}
	n, ok := vm.segments.Difference(args[0].String(), args[1].String())
	if !ok {
		return Value{}, fmt.Errorf("vm: difference(): unknown segment")
	}
	return IntValue(n), nil
}

func bComplement(vm *VM, args []Value) (Value, error) {
	if err := arity("complement", args, 1); err != nil {
		return Value{}, err
	}
	if vm.segments == nil {
		return Value{}, fmt.Errorf("vm: complement(): no segment provider configured")
	}
	n, ok := vm.segments.Complement(args[0].String())
	if !ok {
		return Value{}, fmt.Errorf("vm: complement(): unknown segment")
	}
	return IntValue(n), nil
}
