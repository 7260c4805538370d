package lang

// HintOp is one step of the reverse-Polish index-hint plan: a plan an index
// evaluator can run directly against the attribute store's bitmaps without
// ever decompressing a customer's grid. It mirrors the subset of bytecode
// ops that only touch properties, literals, comparisons, and logical
// combinators.
type HintOp struct {
	Kind       HintKind
	PropertyID int // valid for HintPushProp
	Compare    int64
	Mode       HintMode
}

// HintKind identifies a HintOp's role in the reverse-Polish plan.
type HintKind int

const (
	HintPushProp HintKind = iota
	HintAnd
	HintOr
	HintNot
)

// HintMode mirrors attribute.Mode without this package importing
// pkg/attribute; pkg/segment translates between the two.
type HintMode int

const (
	HintEQ HintMode = iota
	HintNEQ
	HintGT
	HintGTE
	HintLT
	HintLTE
)

// Resolver maps a property reference name to its numeric property id,
// supplied by the table's property registry at compile time. A name that is
// not a known property (i.e. it is a local variable) makes the expression
// non-countable.
type Resolver func(name string) (id int, ok bool)

// ExtractHintPlan walks a boolean expression tree and returns an index-only
// reverse-Polish plan plus whether the expression is fully countable — built
// only from property comparisons against integer/bool literals, combined
// with and/or/not. Any row value, variable, function call, or float
// comparison makes the expression non-countable: the first three need a
// grid walk, and a float literal has no int64 Compare value here since plan
// extraction does no fixed-point scaling.
func ExtractHintPlan(e Expr, resolve Resolver) (plan []HintOp, countable bool) {
	var ops []HintOp
	if !extractInto(e, resolve, &ops) {
		return nil, false
	}
	return ops, true
}

func extractInto(e Expr, resolve Resolver, ops *[]HintOp) bool {
	switch n := e.(type) {
	case *Unary:
		if n.Op != KwNot {
			return false
		}
		if !extractInto(n.X, resolve, ops) {
			return false
		}
		*ops = append(*ops, HintOp{Kind: HintNot})
		return true
	case *Binary:
		switch n.Op {
		case KwAnd, KwOr:
			if !extractInto(n.Left, resolve, ops) {
				return false
			}
			if !extractInto(n.Right, resolve, ops) {
				return false
			}
			kind := HintAnd
			if n.Op == KwOr {
				kind = HintOr
			}
			*ops = append(*ops, HintOp{Kind: kind})
			return true
		case Eq, Neq, Gt, Gte, Lt, Lte:
			ref, lit, ok := splitPropertyCompare(n.Left, n.Right)
			if !ok {
				return false
			}
			id, ok := resolve(ref.Name)
			if !ok {
				return false
			}
			*ops = append(*ops, HintOp{
				Kind:       HintPushProp,
				PropertyID: id,
				Compare:    lit,
				Mode:       compareMode(n.Op),
			})
			return true
		}
	}
	return false
}

// splitPropertyCompare recognizes "ref OP literal" or "literal OP ref" and
// returns the Ref and the literal's int64 value. Float literals are
// rejected here: HintOp.Compare is an int64 and nothing on this path scales
// a float to the grid's fixed-point form.
func splitPropertyCompare(left, right Expr) (*Ref, int64, bool) {
	if ref, ok := left.(*Ref); ok {
		if v, ok := literalInt(right); ok {
			return ref, v, true
		}
	}
	if ref, ok := right.(*Ref); ok {
		if v, ok := literalInt(left); ok {
			return ref, v, true
		}
	}
	return nil, 0, false
}

func literalInt(e Expr) (int64, bool) {
	switch n := e.(type) {
	case *LitInt:
		return n.Value, true
	case *LitBool:
		if n.Value {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func compareMode(op Kind) HintMode {
	switch op {
	case Eq:
		return HintEQ
	case Neq:
		return HintNEQ
	case Gt:
		return HintGT
	case Gte:
		return HintGTE
	case Lt:
		return HintLT
	case Lte:
		return HintLTE
	}
	return HintEQ
}
