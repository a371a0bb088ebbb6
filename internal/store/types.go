package store

import (
	"fmt"
	"strings"
	"time"
)

// ScopeType enumerates the entity kinds that can own variables,
// conditions, and effects.
type ScopeType string

const (
	ScopeWorld      ScopeType = "world"
	ScopeCampaign   ScopeType = "campaign"
	ScopeParty      ScopeType = "party"
	ScopeKingdom    ScopeType = "kingdom"
	ScopeSettlement ScopeType = "settlement"
	ScopeStructure  ScopeType = "structure"
	ScopeCharacter  ScopeType = "character"
	ScopeLocation   ScopeType = "location"
	ScopeEvent      ScopeType = "event"
	ScopeEncounter  ScopeType = "encounter"
)

var scopeTypes = map[ScopeType]struct{}{
	ScopeWorld: {}, ScopeCampaign: {}, ScopeParty: {}, ScopeKingdom: {},
	ScopeSettlement: {}, ScopeStructure: {}, ScopeCharacter: {},
	ScopeLocation: {}, ScopeEvent: {}, ScopeEncounter: {},
}

// Scope identifies the owner of a definition. ID is empty only for the
// world scope.
type Scope struct {
	Type ScopeType `json:"type" yaml:"type"`
	ID   string    `json:"id,omitempty" yaml:"id,omitempty"`
}

func (s Scope) Validate() error {
	if _, ok := scopeTypes[s.Type]; !ok {
		return fmt.Errorf("unknown scope type %q", s.Type)
	}
	if s.Type != ScopeWorld && strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("scope id is required for type %q", s.Type)
	}
	return nil
}

func (s Scope) String() string {
	if s.ID == "" {
		return string(s.Type)
	}
	return string(s.Type) + "/" + s.ID
}

// VariableKind distinguishes stored literals from formula-derived values.
type VariableKind string

const (
	VariableStored  VariableKind = "stored"
	VariableDerived VariableKind = "derived"
)

// Variable is a named value owned by a scope. A stored variable carries
// Value and no Formula; a derived one carries Formula and no Value.
type Variable struct {
	Scope     Scope
	Name      string
	Kind      VariableKind
	Value     any
	Formula   any
	Partition string
	Version   int64
	Active    bool
	DeletedAt *time.Time
}

func (v Variable) Validate() error {
	if err := v.Scope.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(v.Name) == "" {
		return fmt.Errorf("variable name is required")
	}
	switch v.Kind {
	case VariableStored:
		if v.Formula != nil {
			return fmt.Errorf("stored variable %q must not have a formula", v.Name)
		}
	case VariableDerived:
		if v.Formula == nil {
			return fmt.Errorf("derived variable %q requires a formula", v.Name)
		}
	default:
		return fmt.Errorf("unknown variable kind %q", v.Kind)
	}
	return nil
}

// Condition is a boolean/branching expression attached to an owning entity.
// ExportAs optionally names a computed field the condition's outcome is
// surfaced under, which gives the node a WRITES edge in the dependency
// graph.
type Condition struct {
	ID         string
	Owner      Scope
	Name       string
	Expression any
	ExportAs   string
	Partition  string
	Version    int64
	Active     bool
	DeletedAt  *time.Time
}

// Phase orders effect execution relative to entity resolution.
type Phase string

const (
	PhasePre       Phase = "PRE"
	PhaseOnResolve Phase = "ON_RESOLVE"
	PhasePost      Phase = "POST"
)

// Phases lists the timing phases in execution order.
var Phases = []Phase{PhasePre, PhaseOnResolve, PhasePost}

// PatchOp is one structural mutation addressed by a JSON-pointer path.
type PatchOp struct {
	Op    string `json:"op" yaml:"op"`
	Path  string `json:"path" yaml:"path"`
	From  string `json:"from,omitempty" yaml:"from,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Effect is an ordered list of patch operations attached to an owning
// event or encounter, executed at a timing phase. Lower Priority runs
// earlier; Position breaks ties by declaration order.
type Effect struct {
	ID        string
	Owner     Scope
	Name      string
	Phase     Phase
	Priority  int
	Position  int
	Ops       []PatchOp
	Partition string
	Version   int64
	Active    bool
	DeletedAt *time.Time
}

// NodeKind tags an entry in the dependency graph.
type NodeKind string

const (
	NodeVariable  NodeKind = "variable"
	NodeCondition NodeKind = "condition"
	NodeEffect    NodeKind = "effect"
	// NodeField marks a raw entity field written by effects and read by
	// formulas that reference it without a variable definition.
	NodeField NodeKind = "field"
)

// NodeKey is the stable composite key of a dependency-graph node.
type NodeKey string

func VariableKey(scope Scope, name string) NodeKey {
	return NodeKey(string(NodeVariable) + ":" + scope.String() + "/" + name)
}

func ConditionKey(id string) NodeKey {
	return NodeKey(string(NodeCondition) + ":" + id)
}

func EffectKey(id string) NodeKey {
	return NodeKey(string(NodeEffect) + ":" + id)
}

func FieldKey(name string) NodeKey {
	return NodeKey(string(NodeField) + ":" + name)
}

// Kind reports the node kind encoded in the key.
func (k NodeKey) Kind() NodeKind {
	s := string(k)
	if i := strings.IndexByte(s, ':'); i > 0 {
		return NodeKind(s[:i])
	}
	return ""
}

// EntitySnapshot is the persisted state of one entity, versioned for
// optimistic locking.
type EntitySnapshot struct {
	Scope     Scope
	Partition string
	Fields    map[string]any
	Version   int64
	Resolved  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditRecord captures the outcome of a single effect application.
type AuditRecord struct {
	ID           string
	ResolutionID string
	Partition    string
	EffectID     string
	Phase        Phase
	Outcome      string
	ChangedPaths []string
	Error        string
	At           time.Time
}

// ParseVariableKey splits a variable node key back into its scope and
// variable name. World-scoped keys have no scope id segment.
func ParseVariableKey(k NodeKey) (Scope, string, error) {
	s := string(k)
	prefix := string(NodeVariable) + ":"
	if !strings.HasPrefix(s, prefix) {
		return Scope{}, "", fmt.Errorf("not a variable key: %q", k)
	}
	parts := strings.Split(s[len(prefix):], "/")
	switch {
	case len(parts) == 2 && ScopeType(parts[0]) == ScopeWorld:
		return Scope{Type: ScopeWorld}, parts[1], nil
	case len(parts) >= 3:
		scope := Scope{Type: ScopeType(parts[0]), ID: strings.Join(parts[1:len(parts)-1], "/")}
		return scope, parts[len(parts)-1], nil
	default:
		return Scope{}, "", fmt.Errorf("malformed variable key: %q", k)
	}
}

// DefinitionID extracts the identifier of a condition or effect key.
func DefinitionID(k NodeKey) (string, error) {
	s := string(k)
	for _, kind := range []NodeKind{NodeCondition, NodeEffect} {
		prefix := string(kind) + ":"
		if strings.HasPrefix(s, prefix) {
			return s[len(prefix):], nil
		}
	}
	return "", fmt.Errorf("not a condition or effect key: %q", k)
}
