// Package expr evaluates a restricted JSON-tree logic expression against a
// context. The operator set is fixed: comparison, boolean algebra,
// arithmetic, conditional branching, array membership, and dotted-path
// variable lookup. There are no loops, calls, or mutation, so evaluation
// always terminates within the depth bound.
package expr

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// DefaultMaxDepth bounds expression nesting.
const DefaultMaxDepth = 10

// ErrDepthExceeded is returned when an expression nests deeper than the
// configured bound.
var ErrDepthExceeded = errors.New("expression depth exceeded")

// Context supplies values for var lookups. Keys are top-level field names;
// nested values are reached with dotted paths.
type Context map[string]any

// Step records one substitution or operator application in trace mode.
type Step struct {
	Op     string `json:"op"`
	Detail string `json:"detail,omitempty"`
	Value  any    `json:"value"`
}

// Evaluator evaluates expressions with a configurable depth bound and an
// optional trace.
type Evaluator struct {
	MaxDepth int

	trace []Step
}

// New returns an Evaluator with the default depth bound.
func New() *Evaluator {
	return &Evaluator{MaxDepth: DefaultMaxDepth}
}

// Evaluate evaluates node against ctx using the default depth bound.
func Evaluate(node any, ctx Context) (any, error) {
	return New().Evaluate(node, ctx)
}

// Evaluate evaluates node against ctx. The receiver's trace is reset on
// every call.
func (e *Evaluator) Evaluate(node any, ctx Context) (any, error) {
	e.trace = nil
	return e.eval(node, ctx, 0, false)
}

// EvaluateTrace evaluates node and records every substitution and operator
// step. Tracing never changes the returned value.
func (e *Evaluator) EvaluateTrace(node any, ctx Context) (any, []Step, error) {
	e.trace = make([]Step, 0, 8)
	v, err := e.eval(node, ctx, 0, true)
	return v, e.trace, err
}

func (e *Evaluator) maxDepth() int {
	if e.MaxDepth > 0 {
		return e.MaxDepth
	}
	return DefaultMaxDepth
}

func (e *Evaluator) eval(node any, ctx Context, depth int, traced bool) (any, error) {
	if depth > e.maxDepth() {
		return nil, ErrDepthExceeded
	}

	op, args, ok := decode(node)
	if !ok {
		// Literal: numbers, strings, bools, nil, and plain arrays.
		if traced {
			e.record("literal", "", node)
		}
		return node, nil
	}

	switch op {
	case "var":
		return e.evalVar(args, ctx, depth, traced)
	case "missing":
		return e.evalMissing(args, ctx, depth, traced)
	case "if":
		return e.evalIf(args, ctx, depth, traced)
	case "and":
		return e.evalAnd(args, ctx, depth, traced)
	case "or":
		return e.evalOr(args, ctx, depth, traced)
	case "not", "!":
		return e.evalNot(op, args, ctx, depth, traced)
	case "==", "!=", ">", ">=", "<", "<=":
		return e.evalCompare(op, args, ctx, depth, traced)
	case "+", "-", "*", "/", "%", "min", "max":
		return e.evalArith(op, args, ctx, depth, traced)
	case "in":
		return e.evalIn(args, ctx, depth, traced)
	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}
}

// decode splits an operator node {"op": args} from a literal. Maps with
// anything other than exactly one known-shape key are literals.
func decode(node any) (string, []any, bool) {
	m, ok := node.(map[string]any)
	if !ok || len(m) != 1 {
		return "", nil, false
	}
	for k, v := range m {
		args, ok := v.([]any)
		if !ok {
			args = []any{v}
		}
		return k, args, true
	}
	return "", nil, false
}

func (e *Evaluator) record(op, detail string, value any) {
	e.trace = append(e.trace, Step{Op: op, Detail: detail, Value: value})
}

func (e *Evaluator) evalArgs(args []any, ctx Context, depth int, traced bool) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := e.eval(a, ctx, depth+1, traced)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *Evaluator) evalVar(args []any, ctx Context, depth int, traced bool) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("var requires a path argument")
	}
	path, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("var path must be a string, got %T", args[0])
	}
	v, found := Lookup(ctx, path)
	if !found && len(args) > 1 {
		// Second argument is the default for absent data.
		d, err := e.eval(args[1], ctx, depth+1, traced)
		if err != nil {
			return nil, err
		}
		v = d
	}
	if traced {
		e.record("var", path, v)
	}
	return v, nil
}

func (e *Evaluator) evalMissing(args []any, ctx Context, depth int, traced bool) (any, error) {
	missing := make([]any, 0, len(args))
	for _, a := range args {
		path, ok := a.(string)
		if !ok {
			return nil, fmt.Errorf("missing arguments must be strings, got %T", a)
		}
		if _, found := Lookup(ctx, path); !found {
			missing = append(missing, path)
		}
	}
	if traced {
		e.record("missing", "", missing)
	}
	return missing, nil
}

func (e *Evaluator) evalIf(args []any, ctx Context, depth int, traced bool) (any, error) {
	// if takes (cond, then, cond, then, ..., else?) pairs.
	i := 0
	for ; i+1 < len(args); i += 2 {
		cond, err := e.eval(args[i], ctx, depth+1, traced)
		if err != nil {
			return nil, err
		}
		if Truthy(cond) {
			v, err := e.eval(args[i+1], ctx, depth+1, traced)
			if err != nil {
				return nil, err
			}
			if traced {
				e.record("if", fmt.Sprintf("branch %d", i/2), v)
			}
			return v, nil
		}
	}
	if i < len(args) {
		v, err := e.eval(args[i], ctx, depth+1, traced)
		if err != nil {
			return nil, err
		}
		if traced {
			e.record("if", "else", v)
		}
		return v, nil
	}
	if traced {
		e.record("if", "no branch", nil)
	}
	return nil, nil
}

func (e *Evaluator) evalAnd(args []any, ctx Context, depth int, traced bool) (any, error) {
	var last any = true
	for _, a := range args {
		v, err := e.eval(a, ctx, depth+1, traced)
		if err != nil {
			return nil, err
		}
		if !Truthy(v) {
			if traced {
				e.record("and", "short-circuit", v)
			}
			return v, nil
		}
		last = v
	}
	if traced {
		e.record("and", "", last)
	}
	return last, nil
}

func (e *Evaluator) evalOr(args []any, ctx Context, depth int, traced bool) (any, error) {
	var last any = false
	for _, a := range args {
		v, err := e.eval(a, ctx, depth+1, traced)
		if err != nil {
			return nil, err
		}
		if Truthy(v) {
			if traced {
				e.record("or", "short-circuit", v)
			}
			return v, nil
		}
		last = v
	}
	if traced {
		e.record("or", "", last)
	}
	return last, nil
}

func (e *Evaluator) evalNot(op string, args []any, ctx Context, depth int, traced bool) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s requires exactly one argument", op)
	}
	v, err := e.eval(args[0], ctx, depth+1, traced)
	if err != nil {
		return nil, err
	}
	out := !Truthy(v)
	if traced {
		e.record(op, "", out)
	}
	return out, nil
}

func (e *Evaluator) evalCompare(op string, args []any, ctx Context, depth int, traced bool) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%s requires exactly two arguments", op)
	}
	vals, err := e.evalArgs(args, ctx, depth, traced)
	if err != nil {
		return nil, err
	}
	out, err := compare(op, vals[0], vals[1])
	if err != nil {
		return nil, err
	}
	if traced {
		e.record(op, fmt.Sprintf("%v %s %v", vals[0], op, vals[1]), out)
	}
	return out, nil
}

func (e *Evaluator) evalArith(op string, args []any, ctx Context, depth int, traced bool) (any, error) {
	vals, err := e.evalArgs(args, ctx, depth, traced)
	if err != nil {
		return nil, err
	}
	out, err := arithmetic(op, vals)
	if err != nil {
		return nil, err
	}
	if traced {
		e.record(op, "", out)
	}
	return out, nil
}

func (e *Evaluator) evalIn(args []any, ctx Context, depth int, traced bool) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("in requires exactly two arguments")
	}
	vals, err := e.evalArgs(args, ctx, depth, traced)
	if err != nil {
		return nil, err
	}
	needle, haystack := vals[0], vals[1]
	out := false
	switch h := haystack.(type) {
	case string:
		if s, ok := needle.(string); ok {
			out = strings.Contains(h, s)
		}
	case []any:
		for _, item := range h {
			if looseEqual(needle, item) {
				out = true
				break
			}
		}
	}
	if traced {
		e.record("in", "", out)
	}
	return out, nil
}

// Lookup resolves a dotted path against ctx. The second return reports
// whether the full path was present.
func Lookup(ctx Context, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = map[string]any(ctx)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Truthy reports the boolean interpretation of a value: nil, false, zero
// numbers, empty strings, and empty arrays are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	default:
		if n, ok := toNumber(v); ok {
			return n != 0
		}
		return true
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func compare(op string, a, b any) (bool, error) {
	if op == "==" {
		return looseEqual(a, b), nil
	}
	if op == "!=" {
		return !looseEqual(a, b), nil
	}

	if an, aok := toNumber(a); aok {
		if bn, bok := toNumber(b); bok {
			return ordered(op, an, bn), nil
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			switch op {
			case ">":
				return as > bs, nil
			case ">=":
				return as >= bs, nil
			case "<":
				return as < bs, nil
			case "<=":
				return as <= bs, nil
			}
		}
	}
	// Absent or mismatched operands degrade to false rather than erroring,
	// so boolean logic over missing data stays total.
	if a == nil || b == nil {
		return false, nil
	}
	return false, fmt.Errorf("cannot compare %T with %T", a, b)
}

func ordered(op string, a, b float64) bool {
	switch op {
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "<":
		return a < b
	default:
		return a <= b
	}
}

func looseEqual(a, b any) bool {
	if an, aok := toNumber(a); aok {
		if bn, bok := toNumber(b); bok {
			return an == bn
		}
	}
	return reflect.DeepEqual(a, b)
}

func arithmetic(op string, vals []any) (any, error) {
	nums := make([]float64, 0, len(vals))
	for _, v := range vals {
		n, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("%s requires numeric arguments, got %T", op, v)
		}
		nums = append(nums, n)
	}
	if len(nums) == 0 {
		return nil, fmt.Errorf("%s requires at least one argument", op)
	}

	switch op {
	case "+":
		sum := 0.0
		for _, n := range nums {
			sum += n
		}
		return sum, nil
	case "*":
		prod := 1.0
		for _, n := range nums {
			prod *= n
		}
		return prod, nil
	case "-":
		if len(nums) == 1 {
			return -nums[0], nil
		}
		out := nums[0]
		for _, n := range nums[1:] {
			out -= n
		}
		return out, nil
	case "/":
		out := nums[0]
		for _, n := range nums[1:] {
			if n == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			out /= n
		}
		return out, nil
	case "%":
		if len(nums) != 2 {
			return nil, fmt.Errorf("%% requires exactly two arguments")
		}
		if nums[1] == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return float64(int64(nums[0]) % int64(nums[1])), nil
	case "min":
		out := nums[0]
		for _, n := range nums[1:] {
			if n < out {
				out = n
			}
		}
		return out, nil
	default: // max
		out := nums[0]
		for _, n := range nums[1:] {
			if n > out {
				out = n
			}
		}
		return out, nil
	}
}
