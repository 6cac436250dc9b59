package domain

import "testing"

func TestConditionMatchOps(t *testing.T) {
	payload := Metadata{
		"stage":  "closed_won",
		"amount": float64(12500),
		"deal": map[string]any{
			"risk": "high",
		},
	}

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq match", Condition{Field: "stage", Op: "eq", Value: "closed_won"}, true},
		{"eq miss", Condition{Field: "stage", Op: "eq", Value: "open"}, false},
		{"neq", Condition{Field: "stage", Op: "neq", Value: "open"}, true},
		{"exists", Condition{Field: "amount", Op: "exists"}, true},
		{"exists miss", Condition{Field: "owner", Op: "exists"}, false},
		{"gt", Condition{Field: "amount", Op: "gt", Value: "10000"}, true},
		{"lte miss", Condition{Field: "amount", Op: "lte", Value: "10000"}, false},
		{"in", Condition{Field: "stage", Op: "in", Values: []string{"closed_won", "closed_lost"}}, true},
		{"not_in", Condition{Field: "stage", Op: "not_in", Values: []string{"open"}}, true},
		{"contains", Condition{Field: "stage", Op: "contains", Value: "won"}, true},
		{"nested path", Condition{Field: "deal.risk", Op: "eq", Value: "high"}, true},
		{"missing field non-exists op", Condition{Field: "owner", Op: "eq", Value: "x"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cond.Match(payload); got != tc.want {
				t.Fatalf("Match(%+v) = %v, want %v", tc.cond, got, tc.want)
			}
		})
	}
}

func TestMatchConditionsConjunctive(t *testing.T) {
	payload := Metadata{"stage": "closed_won", "amount": float64(500)}
	conds := []Condition{
		{Field: "stage", Op: "eq", Value: "closed_won"},
		{Field: "amount", Op: "gt", Value: "1000"},
	}
	if MatchConditions(conds, payload) {
		t.Fatalf("expected conjunction to fail on second condition")
	}
	if !MatchConditions(nil, payload) {
		t.Fatalf("expected empty condition list to match")
	}
}

func TestConditionValidate(t *testing.T) {
	cases := []struct {
		name    string
		cond    Condition
		wantErr bool
	}{
		{"valid eq", Condition{Field: "stage", Op: "eq", Value: "x"}, false},
		{"valid exists", Condition{Field: "stage", Op: "exists"}, false},
		{"missing field", Condition{Op: "eq", Value: "x"}, true},
		{"missing value", Condition{Field: "stage", Op: "eq"}, true},
		{"in without values", Condition{Field: "stage", Op: "in"}, true},
		{"unknown op", Condition{Field: "stage", Op: "regex", Value: "x"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cond.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
