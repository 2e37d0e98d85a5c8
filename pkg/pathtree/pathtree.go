// Package pathtree provides dot-notation access over nested map structures,
// plus expansion of flat dotted keys into nested objects and the reverse.
package pathtree

import (
	"sort"
	"strings"
)

// Get resolves a dot-notation path (e.g., "address.city") against a nested map.
// Returns nil when any segment is missing or not an object.
func Get(obj map[string]any, path string) any {
	parts := strings.Split(path, ".")
	current := any(obj)

	for _, part := range parts {
		if current == nil {
			return nil
		}

		switch v := current.(type) {
		case map[string]any:
			current = v[part]
		default:
			return nil
		}
	}

	return current
}

// Assign sets a value at a dot-notation path, creating intermediate objects
// as needed. Non-object intermediates are replaced.
func Assign(target map[string]any, path string, value any) map[string]any {
	if path == "" {
		return target
	}

	paths := strings.Split(path, ".")

	if len(paths) == 1 {
		target[paths[0]] = value
		return target
	}

	existingValue, ok := target[paths[0]].(map[string]any)
	if !ok {
		existingValue = make(map[string]any)
	}

	result := Assign(existingValue, strings.Join(paths[1:], "."), value)

	target[paths[0]] = result

	return target
}

// Expand converts a flat map with dotted keys ({"a.b": 1, "a.c": 2}) into a
// nested structure ({"a": {"b": 1, "c": 2}}). Keys are applied in sorted
// order so shallower assignments never clobber deeper ones nondeterministically.
func Expand(flat map[string]any) map[string]any {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make(map[string]any, len(flat))
	for _, k := range keys {
		Assign(result, k, flat[k])
	}
	return result
}

// Flatten converts a nested map into a flat map keyed by dot-notation paths.
// Arrays are treated as leaf values.
func Flatten(nested map[string]any) map[string]any {
	result := make(map[string]any)
	flattenInto(result, "", nested)
	return result
}

func flattenInto(result map[string]any, prefix string, obj map[string]any) {
	for k, v := range obj {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}

		if child, ok := v.(map[string]any); ok && len(child) > 0 {
			flattenInto(result, path, child)
			continue
		}

		result[path] = v
	}
}
