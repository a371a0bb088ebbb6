package lint

import (
	"context"
	"testing"

	"fateforge/internal/parser"
	"fateforge/internal/patch"
	"fateforge/internal/store"
)

const testPartition = "campaign/argent-march"

var westport = store.Scope{Type: store.ScopeSettlement, ID: "westport"}

func testValidator() *patch.Validator {
	return patch.NewValidator(map[store.ScopeType][]string{
		store.ScopeSettlement: {"population", "tax_rate"},
		store.ScopeEvent:      {"stage", "aftermath"},
	})
}

func issuesByCode(r *Report) map[string]int {
	out := make(map[string]int)
	for _, issue := range r.Issues {
		out[issue.Code]++
	}
	return out
}

func TestCleanDocumentPasses(t *testing.T) {
	doc := &parser.Document{
		Partition: testPartition,
		Variables: []store.Variable{
			{Scope: westport, Name: "tax_rate", Kind: store.VariableStored, Value: 0.1},
			{Scope: westport, Name: "tax_income", Kind: store.VariableDerived,
				Formula: map[string]any{"*": []any{map[string]any{"var": "tax_rate"}, map[string]any{"var": "population"}}}},
		},
		Conditions: []store.Condition{
			{ID: "cond-growing", Owner: westport,
				Expression: map[string]any{">": []any{map[string]any{"var": "population"}, 1000}}},
		},
		Effects: []store.Effect{
			{ID: "eff-founding", Owner: store.Scope{Type: store.ScopeEvent, ID: "founding"},
				Phase: store.PhaseOnResolve,
				Ops:   []store.PatchOp{{Op: "replace", Path: "/stage", Value: "done"}}},
		},
	}
	report, err := Run(context.Background(), testPartition, []*parser.Document{doc}, testValidator())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.HasErrors() {
		t.Fatalf("unexpected issues: %+v", report.Issues)
	}
}

func TestInvalidFormulaReported(t *testing.T) {
	doc := &parser.Document{
		Variables: []store.Variable{
			{Scope: westport, Name: "bad", Kind: store.VariableDerived,
				Formula: map[string]any{"frobnicate": []any{1, 2}}},
		},
	}
	report, err := Run(context.Background(), testPartition, []*parser.Document{doc}, testValidator())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if issuesByCode(report)[codeFormulaInvalid] != 1 {
		t.Fatalf("expected formula_invalid, got %+v", report.Issues)
	}
}

func TestDeniedPatchPathReported(t *testing.T) {
	doc := &parser.Document{
		Effects: []store.Effect{
			{ID: "eff-sneaky", Owner: store.Scope{Type: store.ScopeEvent, ID: "founding"},
				Phase: store.PhasePre,
				Ops:   []store.PatchOp{{Op: "replace", Path: "/version", Value: 0}}},
		},
	}
	report, err := Run(context.Background(), testPartition, []*parser.Document{doc}, testValidator())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if issuesByCode(report)[codePatchInvalid] != 1 {
		t.Fatalf("expected patch_invalid, got %+v", report.Issues)
	}
}

func TestDuplicateAcrossFilesReported(t *testing.T) {
	mk := func(file string) *parser.Document {
		return &parser.Document{
			SourceFile: file,
			Variables: []store.Variable{
				{Scope: westport, Name: "tax_rate", Kind: store.VariableStored, Value: 0.1},
			},
		}
	}
	report, err := Run(context.Background(), testPartition,
		[]*parser.Document{mk("a.yaml"), mk("b.yaml")}, testValidator())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var found bool
	for _, issue := range report.Issues {
		if issue.Code == codeDuplicateDefinition && issue.FilePath == "b.yaml" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected duplicate_definition for b.yaml, got %+v", report.Issues)
	}
}

func TestCycleAcrossDocumentsReported(t *testing.T) {
	docA := &parser.Document{
		SourceFile: "a.yaml",
		Variables: []store.Variable{
			{Scope: westport, Name: "morale", Kind: store.VariableDerived,
				Formula: map[string]any{"var": "unrest"}},
		},
	}
	docB := &parser.Document{
		SourceFile: "b.yaml",
		Variables: []store.Variable{
			{Scope: westport, Name: "unrest", Kind: store.VariableDerived,
				Formula: map[string]any{"var": "morale"}},
		},
	}
	report, err := Run(context.Background(), testPartition,
		[]*parser.Document{docA, docB}, testValidator())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if issuesByCode(report)[codeDependencyCycle] != 1 {
		t.Fatalf("expected dependency_cycle, got %+v", report.Issues)
	}
}

func TestPartitionMismatchReported(t *testing.T) {
	doc := &parser.Document{
		Partition:  "campaign/other",
		SourceFile: "other.yaml",
		Variables: []store.Variable{
			{Scope: westport, Name: "tax_rate", Kind: store.VariableStored, Value: 0.1},
		},
	}
	report, err := Run(context.Background(), testPartition, []*parser.Document{doc}, testValidator())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if issuesByCode(report)[codePartitionMismatch] != 1 {
		t.Fatalf("expected partition_mismatch, got %+v", report.Issues)
	}
}

func TestUnreferencedExportWarns(t *testing.T) {
	doc := &parser.Document{
		Conditions: []store.Condition{
			{ID: "cond-growing", Owner: westport, ExportAs: "growing",
				Expression: map[string]any{">": []any{map[string]any{"var": "population"}, 1000}}},
		},
	}
	report, err := Run(context.Background(), testPartition, []*parser.Document{doc}, testValidator())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.HasErrors() {
		t.Fatalf("warning must not be an error: %+v", report.Issues)
	}
	if issuesByCode(report)[codeUnreferencedExport] != 1 {
		t.Fatalf("expected unreferenced_export warning, got %+v", report.Issues)
	}

	// A derived variable reading the export silences the warning.
	doc.Variables = []store.Variable{
		{Scope: westport, Name: "growth_bonus", Kind: store.VariableDerived,
			Formula: map[string]any{"if": []any{map[string]any{"var": "growing"}, 10, 0}}},
	}
	report, err = Run(context.Background(), testPartition, []*parser.Document{doc}, testValidator())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if issuesByCode(report)[codeUnreferencedExport] != 0 {
		t.Fatalf("expected no warning, got %+v", report.Issues)
	}
}
