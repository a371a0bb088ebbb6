// Package lint statically checks definition documents before they are
// ingested: malformed formulas, denied patch paths, duplicate keys, and
// dependency cycles across the whole document set.
package lint

import (
	"context"
	"fmt"

	"fateforge/internal/depgraph"
	"fateforge/internal/expr"
	"fateforge/internal/parser"
	"fateforge/internal/patch"
	"fateforge/internal/store"
)

type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warning"
)

const (
	codeFormulaInvalid      = "formula_invalid"
	codeExpressionInvalid   = "expression_invalid"
	codePatchInvalid        = "patch_invalid"
	codeDuplicateDefinition = "duplicate_definition"
	codeDependencyCycle     = "dependency_cycle"
	codePartitionMismatch   = "partition_mismatch"
	codeUnreferencedExport  = "unreferenced_export"
)

type Issue struct {
	Severity   Severity
	Code       string
	Message    string
	Definition string
	FilePath   string
}

type Report struct {
	Issues []Issue
}

// HasErrors reports whether any issue is severe enough to block ingestion.
func (r *Report) HasErrors() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Run checks a set of parsed documents destined for one partition. The
// patch validator carries the project's effect allowlists; a nil validator
// skips path checks.
func Run(ctx context.Context, partition string, docs []*parser.Document, validator *patch.Validator) (*Report, error) {
	if partition == "" {
		return nil, fmt.Errorf("partition is required")
	}

	issues := make([]Issue, 0)
	src := &docSource{partition: partition}
	seen := make(map[store.NodeKey]string)

	for _, doc := range docs {
		if doc.Partition != "" && doc.Partition != partition {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Code:     codePartitionMismatch,
				Message:  fmt.Sprintf("document targets partition %q, project uses %q", doc.Partition, partition),
				FilePath: doc.SourceFile,
			})
			continue
		}

		for _, v := range doc.Variables {
			name := fmt.Sprintf("variable %s/%s", v.Scope, v.Name)
			key := store.VariableKey(v.Scope, v.Name)
			issues = append(issues, checkDuplicate(seen, key, name, doc.SourceFile)...)
			if v.Kind == store.VariableDerived {
				if err := expr.Validate(v.Formula); err != nil {
					issues = append(issues, Issue{
						Severity:   SeverityError,
						Code:       codeFormulaInvalid,
						Message:    err.Error(),
						Definition: name,
						FilePath:   doc.SourceFile,
					})
					continue
				}
			}
			v.Partition = partition
			src.variables = append(src.variables, v)
		}

		for _, c := range doc.Conditions {
			name := "condition " + c.ID
			issues = append(issues, checkDuplicate(seen, store.ConditionKey(c.ID), name, doc.SourceFile)...)
			if err := expr.Validate(c.Expression); err != nil {
				issues = append(issues, Issue{
					Severity:   SeverityError,
					Code:       codeExpressionInvalid,
					Message:    err.Error(),
					Definition: name,
					FilePath:   doc.SourceFile,
				})
				continue
			}
			c.Partition = partition
			src.conditions = append(src.conditions, c)
		}

		for _, e := range doc.Effects {
			name := "effect " + e.ID
			issues = append(issues, checkDuplicate(seen, store.EffectKey(e.ID), name, doc.SourceFile)...)
			if validator != nil {
				if err := validator.Validate(e.Owner.Type, e.Ops); err != nil {
					issues = append(issues, Issue{
						Severity:   SeverityError,
						Code:       codePatchInvalid,
						Message:    err.Error(),
						Definition: name,
						FilePath:   doc.SourceFile,
					})
					continue
				}
			}
			e.Partition = partition
			src.effects = append(src.effects, e)
		}
	}

	// Cycle detection runs over whatever survived the static checks.
	if _, err := depgraph.NewBuilder(src).Build(ctx, partition); err != nil {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     codeDependencyCycle,
			Message:  err.Error(),
		})
	}

	issues = append(issues, checkExports(src)...)

	return &Report{Issues: issues}, nil
}

func checkDuplicate(seen map[store.NodeKey]string, key store.NodeKey, name, file string) []Issue {
	if prev, ok := seen[key]; ok {
		return []Issue{{
			Severity:   SeverityError,
			Code:       codeDuplicateDefinition,
			Message:    fmt.Sprintf("already defined in %s", prev),
			Definition: name,
			FilePath:   file,
		}}
	}
	seen[key] = file
	return nil
}

// checkExports warns about condition exports nothing reads, which usually
// indicates a renamed field.
func checkExports(src *docSource) []Issue {
	reads := make(map[string]struct{})
	for _, v := range src.variables {
		if v.Kind != store.VariableDerived {
			continue
		}
		for _, ref := range expr.Refs(v.Formula) {
			reads[rootOf(ref)] = struct{}{}
		}
	}
	for _, c := range src.conditions {
		for _, ref := range expr.Refs(c.Expression) {
			reads[rootOf(ref)] = struct{}{}
		}
	}
	for _, e := range src.effects {
		for _, op := range e.Ops {
			if op.Op == "test" {
				reads[pointerRoot(op.Path)] = struct{}{}
			}
			if op.From != "" {
				reads[pointerRoot(op.From)] = struct{}{}
			}
		}
	}

	var issues []Issue
	for _, c := range src.conditions {
		if c.ExportAs == "" {
			continue
		}
		if _, ok := reads[c.ExportAs]; !ok {
			issues = append(issues, Issue{
				Severity:   SeverityWarn,
				Code:       codeUnreferencedExport,
				Message:    fmt.Sprintf("export %q is never read", c.ExportAs),
				Definition: "condition " + c.ID,
			})
		}
	}
	return issues
}

func rootOf(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}

func pointerRoot(path string) string {
	if len(path) == 0 || path[0] != '/' {
		return path
	}
	rest := path[1:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i]
		}
	}
	return rest
}

// docSource adapts parsed documents to the graph builder's store-shaped
// definition source.
type docSource struct {
	partition  string
	variables  []store.Variable
	conditions []store.Condition
	effects    []store.Effect
}

func (s *docSource) FetchActiveVariables(context.Context, string) ([]store.Variable, error) {
	return s.variables, nil
}

func (s *docSource) FetchActiveConditions(context.Context, string) ([]store.Condition, error) {
	return s.conditions, nil
}

func (s *docSource) FetchActiveEffects(context.Context, string) ([]store.Effect, error) {
	return s.effects, nil
}
