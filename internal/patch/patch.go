// Package patch validates and applies ordered structural patches to entity
// snapshots. Operations use JSON-pointer style paths and are applied
// copy-on-write: the input snapshot is never mutated.
package patch

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"fateforge/internal/store"
)

var (
	// ErrDenied is returned when an operation touches a path outside the
	// entity kind's allow-list or a system field.
	ErrDenied = errors.New("patch path denied")
	// ErrMissingPath is returned when a non-add operation references a
	// path that does not exist in the snapshot.
	ErrMissingPath = errors.New("patch path does not exist")
	// ErrTestFailed is returned when a test operation's value does not
	// match the snapshot.
	ErrTestFailed = errors.New("patch test failed")
)

// systemFields are immutable regardless of operation or allow-list.
var systemFields = map[string]struct{}{
	"id": {}, "version": {}, "created_at": {}, "updated_at": {},
	"campaign_id": {}, "scope_type": {}, "scope_id": {},
}

var validOps = map[string]struct{}{
	"add": {}, "remove": {}, "replace": {}, "move": {}, "copy": {}, "test": {},
}

// Validator checks patches against per-kind field allow-lists. Paths are
// allowed by root field; a kind with no configured list denies everything.
type Validator struct {
	allowed map[store.ScopeType]map[string]struct{}
}

func NewValidator(allowed map[store.ScopeType][]string) *Validator {
	v := &Validator{allowed: make(map[store.ScopeType]map[string]struct{}, len(allowed))}
	for kind, fields := range allowed {
		set := make(map[string]struct{}, len(fields))
		for _, f := range fields {
			set[f] = struct{}{}
		}
		v.allowed[kind] = set
	}
	return v
}

// Validate checks every operation of a patch against the allow-list for
// the entity kind. System fields are always denied.
func (v *Validator) Validate(kind store.ScopeType, ops []store.PatchOp) error {
	for i, op := range ops {
		if _, ok := validOps[op.Op]; !ok {
			return fmt.Errorf("op %d: unknown operation %q", i, op.Op)
		}
		if err := v.checkPath(kind, op.Path); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
		switch op.Op {
		case "move", "copy":
			if err := v.checkPath(kind, op.From); err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
		case "add", "replace", "test":
			// Value may legitimately be nil; nothing further to check.
		}
	}
	return nil
}

func (v *Validator) checkPath(kind store.ScopeType, path string) error {
	parts, err := parsePointer(path)
	if err != nil {
		return err
	}
	root := parts[0]
	if _, denied := systemFields[root]; denied {
		return fmt.Errorf("%w: %s", ErrDenied, path)
	}
	set, ok := v.allowed[kind]
	if !ok {
		return fmt.Errorf("%w: no fields allowed for kind %q", ErrDenied, kind)
	}
	if _, ok := set[root]; !ok {
		return fmt.Errorf("%w: %s", ErrDenied, path)
	}
	return nil
}

// Apply executes ops against snapshot and returns the new snapshot along
// with the sorted set of changed top-level paths. The input snapshot is
// never mutated; on error the returned snapshot is nil.
func Apply(snapshot map[string]any, ops []store.PatchOp) (map[string]any, []string, error) {
	work := deepCopyMap(snapshot)
	changed := make(map[string]struct{})

	for i, op := range ops {
		parts, err := parsePointer(op.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("op %d: %w", i, err)
		}
		switch op.Op {
		case "add":
			err = setValue(work, parts, deepCopyValue(op.Value), true)
		case "replace":
			err = setValue(work, parts, deepCopyValue(op.Value), false)
		case "remove":
			err = removeValue(work, parts)
		case "test":
			var cur any
			cur, err = getValue(work, parts)
			if err == nil && !looselyEqual(cur, op.Value) {
				err = fmt.Errorf("%w: %s", ErrTestFailed, op.Path)
			}
		case "move", "copy":
			var fromParts []string
			fromParts, err = parsePointer(op.From)
			if err == nil {
				var val any
				val, err = getValue(work, fromParts)
				if err == nil {
					if op.Op == "move" {
						if err = removeValue(work, fromParts); err == nil {
							changed[fromParts[0]] = struct{}{}
						}
					} else {
						val = deepCopyValue(val)
					}
					if err == nil {
						err = setValue(work, parts, val, true)
					}
				}
			}
		default:
			err = fmt.Errorf("unknown operation %q", op.Op)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("op %d (%s %s): %w", i, op.Op, op.Path, err)
		}
		if op.Op != "test" {
			changed[parts[0]] = struct{}{}
		}
	}

	paths := make([]string, 0, len(changed))
	for root := range changed {
		paths = append(paths, "/"+root)
	}
	sort.Strings(paths)
	return work, paths, nil
}

func parsePointer(path string) ([]string, error) {
	if path == "" || path[0] != '/' {
		return nil, fmt.Errorf("malformed pointer %q", path)
	}
	raw := strings.Split(path[1:], "/")
	parts := make([]string, len(raw))
	for i, p := range raw {
		p = strings.ReplaceAll(p, "~1", "/")
		p = strings.ReplaceAll(p, "~0", "~")
		if p == "" {
			return nil, fmt.Errorf("malformed pointer %q: empty segment", path)
		}
		parts[i] = p
	}
	return parts, nil
}

func getValue(root map[string]any, parts []string) (any, error) {
	var cur any = root
	for _, part := range parts {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[part]
			if !ok {
				return nil, fmt.Errorf("%w: /%s", ErrMissingPath, strings.Join(parts, "/"))
			}
			cur = v
		case []any:
			idx, err := arrayIndex(part, len(c))
			if err != nil {
				return nil, err
			}
			cur = c[idx]
		default:
			return nil, fmt.Errorf("%w: /%s", ErrMissingPath, strings.Join(parts, "/"))
		}
	}
	return cur, nil
}

func setValue(root map[string]any, parts []string, value any, allowCreate bool) error {
	_, err := setRec(root, parts, value, allowCreate)
	return err
}

// setRec walks the pointer recursively and returns the (possibly new)
// container, so array growth propagates back to the parent.
func setRec(cur any, parts []string, value any, allowCreate bool) (any, error) {
	part := parts[0]
	last := len(parts) == 1

	switch c := cur.(type) {
	case map[string]any:
		if last {
			if _, exists := c[part]; !exists && !allowCreate {
				return nil, fmt.Errorf("%w: %s", ErrMissingPath, part)
			}
			c[part] = value
			return c, nil
		}
		child, ok := c[part]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingPath, part)
		}
		updated, err := setRec(child, parts[1:], value, allowCreate)
		if err != nil {
			return nil, err
		}
		c[part] = updated
		return c, nil
	case []any:
		if part == "-" {
			if !last || !allowCreate {
				return nil, fmt.Errorf("invalid append at %q", part)
			}
			return append(c, value), nil
		}
		idx, err := arrayIndex(part, len(c))
		if err != nil {
			return nil, err
		}
		if last {
			c[idx] = value
			return c, nil
		}
		updated, err := setRec(c[idx], parts[1:], value, allowCreate)
		if err != nil {
			return nil, err
		}
		c[idx] = updated
		return c, nil
	default:
		return nil, fmt.Errorf("cannot descend into %T at %q", cur, part)
	}
}

func removeValue(root map[string]any, parts []string) error {
	_, err := removeRec(root, parts)
	return err
}

func removeRec(cur any, parts []string) (any, error) {
	part := parts[0]
	last := len(parts) == 1

	switch c := cur.(type) {
	case map[string]any:
		if last {
			if _, exists := c[part]; !exists {
				return nil, fmt.Errorf("%w: %s", ErrMissingPath, part)
			}
			delete(c, part)
			return c, nil
		}
		child, ok := c[part]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingPath, part)
		}
		updated, err := removeRec(child, parts[1:])
		if err != nil {
			return nil, err
		}
		c[part] = updated
		return c, nil
	case []any:
		idx, err := arrayIndex(part, len(c))
		if err != nil {
			return nil, err
		}
		if last {
			return append(c[:idx:idx], c[idx+1:]...), nil
		}
		updated, err := removeRec(c[idx], parts[1:])
		if err != nil {
			return nil, err
		}
		c[idx] = updated
		return c, nil
	default:
		return nil, fmt.Errorf("cannot descend into %T at %q", cur, part)
	}
}

func arrayIndex(part string, length int) (int, error) {
	idx, err := strconv.Atoi(part)
	if err != nil {
		return 0, fmt.Errorf("invalid array index %q", part)
	}
	if idx < 0 || idx >= length {
		return 0, fmt.Errorf("array index %d out of bounds (len %d)", idx, length)
	}
	return idx, nil
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

func looselyEqual(a, b any) bool {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an == bn
		}
	}
	return reflect.DeepEqual(a, b)
}

func asNumber(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}
