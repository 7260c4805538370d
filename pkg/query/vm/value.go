// Package vm implements the stack interpreter that executes bytecode
// compiled by pkg/query/lang against one customer's grid at a time,
// including the marshaled built-in functions (time conversions, segment
// set math, tally/return/break/continue).
package vm

import (
	"fmt"
	"strconv"

	"github.com/cuemby/openset/pkg/grid"
)

// Kind tags the dynamic type carried by a Value.
type Kind int

const (
	KindNone Kind = iota
	KindInt
	KindFloat
	KindString
	KindBool
	KindList
	KindDict
)

// Value is the interpreter's tagged-union runtime value. Property reads off
// the grid always arrive as KindInt (grid columns are plain int64, floats
// included — see grid.ScaleFloat); scripts that know a column is
// float-typed call the "descale" builtin explicitly to get a KindFloat back.
type Value struct {
	Kind Kind
	I    int64
	F    float64
	S    string
	B    bool
	L    []Value
	D    map[string]Value
}

func IntValue(n int64) Value               { return Value{Kind: KindInt, I: n} }
func FloatValue(f float64) Value            { return Value{Kind: KindFloat, F: f} }
func StringValue(s string) Value            { return Value{Kind: KindString, S: s} }
func BoolValue(b bool) Value                { return Value{Kind: KindBool, B: b} }
func NoneValue() Value                      { return Value{Kind: KindNone} }
func ListValue(items []Value) Value         { return Value{Kind: KindList, L: items} }
func DictValue(m map[string]Value) Value    { return Value{Kind: KindDict, D: m} }

// IsNone reports whether v is the none/absent value, including a grid
// column read that came back as grid.NoValue.
func (v Value) IsNone() bool {
	return v.Kind == KindNone || (v.Kind == KindInt && v.I == grid.NoValue)
}

// Truthy implements the interpreter's boolean-coercion rule for "if" and
// "and"/"or": none, zero, empty string, and false are falsy; everything
// else is truthy.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindNone:
		return false
	case KindInt:
		return v.I != 0 && v.I != grid.NoValue
	case KindFloat:
		return v.F != 0
	case KindString:
		return v.S != ""
	case KindBool:
		return v.B
	case KindList:
		return len(v.L) > 0
	case KindDict:
		return len(v.D) > 0
	}
	return false
}

// AsFloat coerces a numeric value to float64 for mixed int/float math.
func (v Value) AsFloat() float64 {
	switch v.Kind {
	case KindFloat:
		return v.F
	case KindInt:
		return float64(v.I)
	case KindBool:
		if v.B {
			return 1
		}
		return 0
	}
	return 0
}

// AsInt coerces a numeric value to int64, truncating a float.
func (v Value) AsInt() int64 {
	switch v.Kind {
	case KindInt:
		return v.I
	case KindFloat:
		return int64(v.F)
	case KindBool:
		if v.B {
			return 1
		}
		return 0
	}
	return 0
}

// String renders v for the str() builtin and tally labels.
func (v Value) String() string {
	switch v.Kind {
	case KindNone:
		return ""
	case KindInt:
		return strconv.FormatInt(v.I, 10)
	case KindFloat:
		return strconv.FormatFloat(v.F, 'f', -1, 64)
	case KindString:
		return v.S
	case KindBool:
		return strconv.FormatBool(v.B)
	case KindList:
		return fmt.Sprintf("%v", v.L)
	case KindDict:
		return fmt.Sprintf("%v", v.D)
	}
	return ""
}

func isFloaty(a, b Value) bool {
	return a.Kind == KindFloat || b.Kind == KindFloat
}

func arith(op func(a, b float64) float64, iop func(a, b int64) int64, a, b Value) Value {
	if isFloaty(a, b) {
		return FloatValue(op(a.AsFloat(), b.AsFloat()))
	}
	return IntValue(iop(a.AsInt(), b.AsInt()))
}

func add(a, b Value) Value {
	if a.Kind == KindString || b.Kind == KindString {
		return StringValue(a.String() + b.String())
	}
	return arith(func(x, y float64) float64 { return x + y }, func(x, y int64) int64 { return x + y }, a, b)
}

func sub(a, b Value) Value {
	return arith(func(x, y float64) float64 { return x - y }, func(x, y int64) int64 { return x - y }, a, b)
}

func mul(a, b Value) Value {
	return arith(func(x, y float64) float64 { return x * y }, func(x, y int64) int64 { return x * y }, a, b)
}

func div(a, b Value) (Value, error) {
	if isFloaty(a, b) {
		if b.AsFloat() == 0 {
			return Value{}, fmt.Errorf("vm: division by zero")
		}
		return FloatValue(a.AsFloat() / b.AsFloat()), nil
	}
	if b.AsInt() == 0 {
		return Value{}, fmt.Errorf("vm: division by zero")
	}
	return IntValue(a.AsInt() / b.AsInt()), nil
}

func compare(a, b Value) int {
	if isFloaty(a, b) {
		af, bf := a.AsFloat(), b.AsFloat()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	if a.Kind == KindString || b.Kind == KindString {
		as, bs := a.String(), b.String()
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	ai, bi := a.AsInt(), b.AsInt()
	switch {
	case ai < bi:
		return -1
	case ai > bi:
		return 1
	default:
		return 0
	}
}

func equal(a, b Value) bool {
	if a.IsNone() || b.IsNone() {
		return a.IsNone() == b.IsNone()
	}
	return compare(a, b) == 0
}
