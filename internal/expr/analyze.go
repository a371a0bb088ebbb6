package expr

import "fmt"

var operators = map[string]struct{}{
	"var": {}, "missing": {}, "if": {}, "and": {}, "or": {}, "not": {},
	"!": {}, "==": {}, "!=": {}, ">": {}, ">=": {}, "<": {}, "<=": {},
	"+": {}, "-": {}, "*": {}, "/": {}, "%": {}, "min": {}, "max": {},
	"in": {},
}

// Refs walks an expression tree statically and returns every dotted path
// referenced through var or missing, in first-appearance order without
// duplicates. The walk is structural, so no depth bound applies.
func Refs(node any) []string {
	seen := make(map[string]struct{})
	var out []string
	walkRefs(node, seen, &out)
	return out
}

func walkRefs(node any, seen map[string]struct{}, out *[]string) {
	op, args, ok := decode(node)
	if !ok {
		if arr, isArr := node.([]any); isArr {
			for _, item := range arr {
				walkRefs(item, seen, out)
			}
		}
		return
	}

	switch op {
	case "var":
		if len(args) > 0 {
			if path, ok := args[0].(string); ok {
				addRef(path, seen, out)
			}
		}
		for _, a := range args[1:] {
			walkRefs(a, seen, out)
		}
	case "missing":
		for _, a := range args {
			if path, ok := a.(string); ok {
				addRef(path, seen, out)
			}
		}
	default:
		for _, a := range args {
			walkRefs(a, seen, out)
		}
	}
}

func addRef(path string, seen map[string]struct{}, out *[]string) {
	if path == "" {
		return
	}
	if _, dup := seen[path]; dup {
		return
	}
	seen[path] = struct{}{}
	*out = append(*out, path)
}

// Validate checks an expression tree for unknown operators and malformed
// nodes without evaluating it.
func Validate(node any) error {
	return validateNode(node, 0)
}

func validateNode(node any, depth int) error {
	if depth > 64 {
		return fmt.Errorf("expression tree too deep to validate")
	}
	op, args, ok := decode(node)
	if !ok {
		switch t := node.(type) {
		case nil, bool, string, float64, float32, int, int32, int64:
			return nil
		case []any:
			for _, item := range t {
				if err := validateNode(item, depth+1); err != nil {
					return err
				}
			}
			return nil
		case map[string]any:
			return fmt.Errorf("malformed expression node with %d keys", len(t))
		default:
			return fmt.Errorf("unsupported literal type %T", node)
		}
	}
	if _, known := operators[op]; !known {
		return fmt.Errorf("unknown operator %q", op)
	}
	if op == "var" {
		if len(args) == 0 {
			return fmt.Errorf("var requires a path argument")
		}
		if _, ok := args[0].(string); !ok {
			return fmt.Errorf("var path must be a string, got %T", args[0])
		}
	}
	for _, a := range args {
		if err := validateNode(a, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Depth returns the nesting depth of an expression tree, counting operator
// nodes only. Literals have depth zero.
func Depth(node any) int {
	_, args, ok := decode(node)
	if !ok {
		return 0
	}
	max := 0
	for _, a := range args {
		if d := Depth(a); d > max {
			max = d
		}
	}
	return max + 1
}
