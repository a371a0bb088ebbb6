// Package parser reads YAML definition documents into store definitions.
// A document groups variables, conditions, and effects for one partition.
package parser

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"fateforge/internal/store"
)

// Document is one parsed definition file.
type Document struct {
	Partition  string
	Variables  []store.Variable
	Conditions []store.Condition
	Effects    []store.Effect
	SourceFile string
}

var (
	ErrInvalidYAML = errors.New("invalid YAML in definition document")
	ErrEmpty       = errors.New("definition document declares nothing")
)

type document struct {
	Partition  string      `yaml:"partition"`
	Variables  []variable  `yaml:"variables"`
	Conditions []condition `yaml:"conditions"`
	Effects    []effect    `yaml:"effects"`
}

type variable struct {
	Scope   store.Scope `yaml:"scope"`
	Name    string      `yaml:"name"`
	Kind    string      `yaml:"kind"`
	Value   any         `yaml:"value"`
	Formula any         `yaml:"formula"`
}

type condition struct {
	ID         string      `yaml:"id"`
	Owner      store.Scope `yaml:"owner"`
	Name       string      `yaml:"name"`
	Expression any         `yaml:"expression"`
	ExportAs   string      `yaml:"export_as"`
}

type effect struct {
	ID       string          `yaml:"id"`
	Owner    store.Scope     `yaml:"owner"`
	Name     string          `yaml:"name"`
	Phase    string          `yaml:"phase"`
	Priority int             `yaml:"priority"`
	Ops      []store.PatchOp `yaml:"ops"`
}

func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	doc.SourceFile = path
	return doc, nil
}

func Parse(content []byte) (*Document, error) {
	var raw document
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	if len(raw.Variables)+len(raw.Conditions)+len(raw.Effects) == 0 {
		return nil, ErrEmpty
	}

	out := &Document{Partition: strings.TrimSpace(raw.Partition)}

	for i, v := range raw.Variables {
		kind := store.VariableKind(strings.ToLower(strings.TrimSpace(v.Kind)))
		if kind == "" {
			// Kind can be inferred when only one of value/formula is set.
			if v.Formula != nil {
				kind = store.VariableDerived
			} else {
				kind = store.VariableStored
			}
		}
		sv := store.Variable{
			Scope:   v.Scope,
			Name:    strings.TrimSpace(v.Name),
			Kind:    kind,
			Value:   v.Value,
			Formula: v.Formula,
		}
		if err := sv.Validate(); err != nil {
			return nil, fmt.Errorf("variable %d: %w", i, err)
		}
		out.Variables = append(out.Variables, sv)
	}

	for i, c := range raw.Conditions {
		sc := store.Condition{
			ID:         strings.TrimSpace(c.ID),
			Owner:      c.Owner,
			Name:       strings.TrimSpace(c.Name),
			Expression: c.Expression,
			ExportAs:   strings.TrimSpace(c.ExportAs),
		}
		if sc.ID == "" {
			return nil, fmt.Errorf("condition %d: id is required", i)
		}
		if err := sc.Owner.Validate(); err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		if sc.Expression == nil {
			return nil, fmt.Errorf("condition %d: expression is required", i)
		}
		out.Conditions = append(out.Conditions, sc)
	}

	for i, e := range raw.Effects {
		phase, err := parsePhase(e.Phase)
		if err != nil {
			return nil, fmt.Errorf("effect %d: %w", i, err)
		}
		se := store.Effect{
			ID:       strings.TrimSpace(e.ID),
			Owner:    e.Owner,
			Name:     strings.TrimSpace(e.Name),
			Phase:    phase,
			Priority: e.Priority,
			Position: i,
			Ops:      e.Ops,
		}
		if se.ID == "" {
			return nil, fmt.Errorf("effect %d: id is required", i)
		}
		if err := se.Owner.Validate(); err != nil {
			return nil, fmt.Errorf("effect %d: %w", i, err)
		}
		if len(se.Ops) == 0 {
			return nil, fmt.Errorf("effect %d: at least one op is required", i)
		}
		out.Effects = append(out.Effects, se)
	}

	return out, nil
}

func parsePhase(s string) (store.Phase, error) {
	switch store.Phase(strings.ToUpper(strings.TrimSpace(s))) {
	case "", store.PhaseOnResolve:
		return store.PhaseOnResolve, nil
	case store.PhasePre:
		return store.PhasePre, nil
	case store.PhasePost:
		return store.PhasePost, nil
	default:
		return "", fmt.Errorf("unknown phase %q", s)
	}
}
