package workflow

import "testing"

func TestEvaluate_Operators(t *testing.T) {
	ctx := map[string]any{"score": 70, "name": "acme", "ratio": 0.5}

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"gte true", Condition{Field: "score", Op: ">=", Value: 70}, true},
		{"gte false", Condition{Field: "score", Op: ">=", Value: 71}, false},
		{"lte", Condition{Field: "score", Op: "<=", Value: 70}, true},
		{"gt", Condition{Field: "score", Op: ">", Value: 69}, true},
		{"lt", Condition{Field: "ratio", Op: "<", Value: 1}, true},
		{"eq number", Condition{Field: "score", Op: "==", Value: 70.0}, true},
		{"neq number", Condition{Field: "score", Op: "!=", Value: 70}, false},
		{"eq string", Condition{Field: "name", Op: "==", Value: "acme"}, true},
		{"neq string", Condition{Field: "name", Op: "!=", Value: "other"}, true},
	}

	for _, tc := range cases {
		if got := Evaluate([]Condition{tc.cond}, ctx); got != tc.want {
			t.Errorf("%s: Evaluate = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEvaluate_MissingFieldIsFalse(t *testing.T) {
	ctx := map[string]any{"score": 70}
	cond := Condition{Field: "absent", Op: ">=", Value: 0}
	if Evaluate([]Condition{cond}, ctx) {
		t.Error("missing field should evaluate false, never error")
	}
	if Evaluate([]Condition{cond}, nil) {
		t.Error("nil context should evaluate false")
	}
}

func TestEvaluate_NestedGroups(t *testing.T) {
	ctx := map[string]any{"score": 40, "touches": 8, "engaged": true}

	// (score >= 60 OR touches > 5) AND engaged == true
	cond := Condition{
		Operator: "AND",
		Conditions: []Condition{
			{
				Operator: "OR",
				Conditions: []Condition{
					{Field: "score", Op: ">=", Value: 60},
					{Field: "touches", Op: ">", Value: 5},
				},
			},
			{Field: "engaged", Op: "==", Value: true},
		},
	}

	if !Evaluate([]Condition{cond}, ctx) {
		t.Fatal("expected nested AND(OR(...)) to pass")
	}

	ctx["touches"] = 2
	if Evaluate([]Condition{cond}, ctx) {
		t.Fatal("expected OR branch to fail with low score and touches")
	}
}

func TestEvaluate_ImplicitAndAcrossList(t *testing.T) {
	ctx := map[string]any{"a": 1, "b": 2}
	conds := []Condition{
		{Field: "a", Op: "==", Value: 1},
		{Field: "b", Op: "==", Value: 3},
	}
	if Evaluate(conds, ctx) {
		t.Error("condition list is an implicit AND; one false member must fail")
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	ctx := map[string]any{"score": 84.999, "iteration_count": 2}
	conds := []Condition{
		{Field: "score", Op: ">=", Value: 85},
		{Field: "iteration_count", Op: "<", Value: 3},
	}
	first := Evaluate(conds, ctx)
	for i := 0; i < 100; i++ {
		if Evaluate(conds, ctx) != first {
			t.Fatal("Evaluate must be deterministic for fixed inputs")
		}
	}
}
