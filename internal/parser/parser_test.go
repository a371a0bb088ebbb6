package parser

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"fateforge/internal/store"
)

const sampleDoc = `partition: campaign/argent-march
variables:
  - scope: {type: settlement, id: westport}
    name: tax_rate
    kind: stored
    value: 0.1
  - scope: {type: settlement, id: westport}
    name: tax_income
    formula:
      "*":
        - var: tax_rate
        - var: population
conditions:
  - id: cond-growing
    owner: {type: settlement, id: westport}
    name: growing
    expression:
      ">":
        - var: population
        - 1000
    export_as: growing
effects:
  - id: eff-festival
    owner: {type: event, id: harvest-festival}
    name: festival-aftermath
    phase: ON_RESOLVE
    priority: 10
    ops:
      - op: replace
        path: /population
        value: 1450
  - id: eff-cleanup
    owner: {type: event, id: harvest-festival}
    phase: POST
    ops:
      - op: add
        path: /aftermath
        value: cleanup
`

func TestParseDocument(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Partition != "campaign/argent-march" {
		t.Fatalf("unexpected partition %q", doc.Partition)
	}

	if len(doc.Variables) != 2 {
		t.Fatalf("expected 2 variables, got %d", len(doc.Variables))
	}
	if doc.Variables[0].Kind != store.VariableStored || doc.Variables[0].Value != 0.1 {
		t.Fatalf("unexpected stored variable: %+v", doc.Variables[0])
	}
	// Kind inferred from the presence of a formula.
	if doc.Variables[1].Kind != store.VariableDerived {
		t.Fatalf("expected derived kind, got %q", doc.Variables[1].Kind)
	}
	formula, ok := doc.Variables[1].Formula.(map[string]any)
	if !ok || formula["*"] == nil {
		t.Fatalf("formula not decoded as operator map: %v", doc.Variables[1].Formula)
	}

	if len(doc.Conditions) != 1 {
		t.Fatalf("expected 1 condition, got %d", len(doc.Conditions))
	}
	cond := doc.Conditions[0]
	if cond.ID != "cond-growing" || cond.ExportAs != "growing" {
		t.Fatalf("unexpected condition: %+v", cond)
	}
	if cond.Owner != (store.Scope{Type: store.ScopeSettlement, ID: "westport"}) {
		t.Fatalf("unexpected owner: %+v", cond.Owner)
	}

	if len(doc.Effects) != 2 {
		t.Fatalf("expected 2 effects, got %d", len(doc.Effects))
	}
	if doc.Effects[0].Phase != store.PhaseOnResolve || doc.Effects[0].Priority != 10 {
		t.Fatalf("unexpected effect: %+v", doc.Effects[0])
	}
	if doc.Effects[0].Position != 0 || doc.Effects[1].Position != 1 {
		t.Fatalf("positions not assigned by declaration order: %+v", doc.Effects)
	}
	if doc.Effects[0].Ops[0].Path != "/population" {
		t.Fatalf("unexpected op: %+v", doc.Effects[0].Ops[0])
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty document", "partition: campaign/test\n"},
		{"stored variable with formula", "variables:\n  - scope: {type: settlement, id: w}\n    name: x\n    kind: stored\n    value: 1\n    formula: {var: y}\n"},
		{"derived variable without formula", "variables:\n  - scope: {type: settlement, id: w}\n    name: x\n    kind: derived\n"},
		{"variable missing name", "variables:\n  - scope: {type: settlement, id: w}\n    value: 1\n"},
		{"variable bad scope", "variables:\n  - scope: {type: settlement}\n    name: x\n    value: 1\n"},
		{"condition missing id", "conditions:\n  - owner: {type: settlement, id: w}\n    expression: {var: x}\n"},
		{"condition missing expression", "conditions:\n  - id: c1\n    owner: {type: settlement, id: w}\n"},
		{"effect missing id", "effects:\n  - owner: {type: event, id: e}\n    ops: [{op: add, path: /x, value: 1}]\n"},
		{"effect without ops", "effects:\n  - id: e1\n    owner: {type: event, id: e}\n"},
		{"effect unknown phase", "effects:\n  - id: e1\n    owner: {type: event, id: e}\n    phase: DURING\n    ops: [{op: add, path: /x, value: 1}]\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.in)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	if _, err := Parse([]byte("variables: [\n")); !errors.Is(err, ErrInvalidYAML) {
		t.Fatalf("expected ErrInvalidYAML, got %v", err)
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "westport.yaml")
	if err := os.WriteFile(path, []byte(sampleDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	doc, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if doc.SourceFile != path {
		t.Fatalf("source file not recorded: %q", doc.SourceFile)
	}
	if _, err := ParseFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaultPhase(t *testing.T) {
	doc, err := Parse([]byte("effects:\n  - id: e1\n    owner: {type: event, id: e}\n    ops: [{op: add, path: /x, value: 1}]\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Effects[0].Phase != store.PhaseOnResolve {
		t.Fatalf("expected ON_RESOLVE default, got %q", doc.Effects[0].Phase)
	}
}
