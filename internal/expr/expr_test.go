package expr

import (
	"errors"
	"reflect"
	"testing"
)

func TestEvaluateLiterals(t *testing.T) {
	tests := []struct {
		name string
		node any
		want any
	}{
		{"number", 42.0, 42.0},
		{"string", "prosperous", "prosperous"},
		{"bool", true, true},
		{"nil", nil, nil},
		{"array", []any{1.0, 2.0}, []any{1.0, 2.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.node, nil)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEvaluateOperators(t *testing.T) {
	ctx := Context{
		"population": 8500.0,
		"resources":  map[string]any{"gold": 120.0},
		"tags":       []any{"coastal", "fortified"},
	}

	tests := []struct {
		name string
		node any
		want any
	}{
		{"var", map[string]any{"var": []any{"population"}}, 8500.0},
		{"var dotted path", map[string]any{"var": []any{"resources.gold"}}, 120.0},
		{"var default", map[string]any{"var": []any{"absent", 7.0}}, 7.0},
		{"eq", map[string]any{"==": []any{map[string]any{"var": []any{"population"}}, 8500.0}}, true},
		{"neq", map[string]any{"!=": []any{1.0, 2.0}}, true},
		{"gt", map[string]any{">": []any{map[string]any{"var": []any{"population"}}, 5000.0}}, true},
		{"lte", map[string]any{"<=": []any{3.0, 3.0}}, true},
		{"string compare", map[string]any{"<": []any{"abc", "abd"}}, true},
		{"and short-circuit", map[string]any{"and": []any{true, false, true}}, false},
		{"or", map[string]any{"or": []any{false, "x"}}, "x"},
		{"not", map[string]any{"not": []any{false}}, true},
		{"add", map[string]any{"+": []any{1.0, 2.0, 3.0}}, 6.0},
		{"sub", map[string]any{"-": []any{10.0, 4.0}}, 6.0},
		{"negate", map[string]any{"-": []any{5.0}}, -5.0},
		{"mul", map[string]any{"*": []any{3.0, 4.0}}, 12.0},
		{"div", map[string]any{"/": []any{12.0, 4.0}}, 3.0},
		{"mod", map[string]any{"%": []any{7.0, 3.0}}, 1.0},
		{"min", map[string]any{"min": []any{4.0, 2.0, 9.0}}, 2.0},
		{"max", map[string]any{"max": []any{4.0, 2.0, 9.0}}, 9.0},
		{"in array", map[string]any{"in": []any{"coastal", map[string]any{"var": []any{"tags"}}}}, true},
		{"in string", map[string]any{"in": []any{"oast", "coastal"}}, true},
		{"if then", map[string]any{"if": []any{true, "yes", "no"}}, "yes"},
		{"if else", map[string]any{"if": []any{false, "yes", "no"}}, "no"},
		{"if chain", map[string]any{"if": []any{
			map[string]any{">": []any{map[string]any{"var": []any{"population"}}, 10000.0}}, "city",
			map[string]any{">": []any{map[string]any{"var": []any{"population"}}, 5000.0}}, "town",
			"village",
		}}, "town"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.node, ctx)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestMissingLookupIsEmptyNotError(t *testing.T) {
	got, err := Evaluate(map[string]any{"var": []any{"does.not.exist"}}, Context{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %v", got)
	}

	// Missing data degrades boolean logic to false.
	b, err := Evaluate(map[string]any{">": []any{map[string]any{"var": []any{"absent"}}, 10.0}}, Context{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if b != false {
		t.Fatalf("expected false, got %v", b)
	}
}

func TestDepthExceeded(t *testing.T) {
	node := any(1.0)
	for i := 0; i < 20; i++ {
		node = map[string]any{"+": []any{node, 1.0}}
	}
	_, err := Evaluate(node, nil)
	if !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("expected ErrDepthExceeded, got %v", err)
	}
}

func TestDepthWithinBound(t *testing.T) {
	node := any(1.0)
	for i := 0; i < 8; i++ {
		node = map[string]any{"+": []any{node, 1.0}}
	}
	got, err := Evaluate(node, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != 9.0 {
		t.Fatalf("expected 9, got %v", got)
	}
}

func TestUnknownOperator(t *testing.T) {
	if _, err := Evaluate(map[string]any{"frobnicate": []any{1.0}}, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDivisionByZero(t *testing.T) {
	if _, err := Evaluate(map[string]any{"/": []any{1.0, 0.0}}, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEvaluateTrace(t *testing.T) {
	e := New()
	node := map[string]any{">": []any{map[string]any{"var": []any{"population"}}, 1000.0}}
	v, trace, err := e.EvaluateTrace(node, Context{"population": 8500.0})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if v != true {
		t.Fatalf("expected true, got %v", v)
	}
	if len(trace) == 0 {
		t.Fatalf("expected trace steps")
	}
	if trace[0].Op != "var" || trace[0].Detail != "population" {
		t.Fatalf("expected var step first, got %+v", trace[0])
	}

	// Same expression without tracing returns the same value.
	v2, err := e.Evaluate(node, Context{"population": 8500.0})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if v2 != v {
		t.Fatalf("trace mode changed the result: %v vs %v", v, v2)
	}
}

func TestRefs(t *testing.T) {
	node := map[string]any{"if": []any{
		map[string]any{">": []any{map[string]any{"var": []any{"population"}}, 1000.0}},
		map[string]any{"+": []any{map[string]any{"var": []any{"resources.gold"}}, map[string]any{"var": []any{"population"}}}},
		map[string]any{"missing": []any{"morale"}},
	}}
	got := Refs(node)
	want := []string{"population", "resources.gold", "morale"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		node    any
		wantErr bool
	}{
		{"valid", map[string]any{"==": []any{map[string]any{"var": []any{"a"}}, 1.0}}, false},
		{"literal", 5.0, false},
		{"unknown op", map[string]any{"loop": []any{}}, true},
		{"var without path", map[string]any{"var": []any{}}, true},
		{"non-string var path", map[string]any{"var": []any{12.0}}, true},
		{"multi-key map", map[string]any{"a": 1.0, "b": 2.0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.node)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}
