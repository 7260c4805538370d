package lang

import "testing"

func TestExtractHintPlanOrNot(t *testing.T) {
	prog, err := Parse(`not (country == 1 or country == 2)`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	expr := prog.Stmts[0].(*ExprStmt).Expr

	plan, ok := ExtractHintPlan(expr, testResolver(map[string]int{"country": 7}))
	if !ok {
		t.Fatal("expected the expression to be countable")
	}
	if len(plan) != 4 {
		t.Fatalf("expected 4 hint ops (prop, prop, or, not), got %d: %+v", len(plan), plan)
	}
	if plan[2].Kind != HintOr || plan[3].Kind != HintNot {
		t.Fatalf("unexpected op order: %+v", plan)
	}
}

func TestExtractHintPlanRejectsUnresolvedName(t *testing.T) {
	prog, err := Parse(`x == 1`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	expr := prog.Stmts[0].(*ExprStmt).Expr

	_, ok := ExtractHintPlan(expr, testResolver(nil))
	if ok {
		t.Fatal("expected an unresolved name to make the expression non-countable")
	}
}

func TestExtractHintPlanRejectsFloatCompare(t *testing.T) {
	prog, err := Parse(`price == 9.99`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	expr := prog.Stmts[0].(*ExprStmt).Expr

	_, ok := ExtractHintPlan(expr, testResolver(map[string]int{"price": 1}))
	if ok {
		t.Fatal("expected a float comparison to be non-countable at the plan-extraction stage")
	}
}
