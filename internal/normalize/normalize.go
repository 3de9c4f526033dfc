// Package normalize simplifies raw source payloads before field mapping.
//
// Every function here is pure: inputs are never mutated.
package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

// Payload returns a cleaned copy of raw. Numbers decoded as json.Number become
// int64 or float64, strings are trimmed, and null entries are dropped.
// flatten maps a dot-separated path of a list of objects to the key whose value
// replaces each object, turning e.g. [{"description":"Action"}] into ["Action"].
func Payload(raw ingest.Payload, flatten map[string]string) ingest.Payload {
	out, _ := Value(raw).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	for path, key := range flatten {
		flattenAt(out, strings.Split(path, "."), key)
	}
	return out
}

// Value normalizes an arbitrary decoded JSON value.
func Value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if child == nil {
				continue
			}
			out[k] = Value(child)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, child := range t {
			if child == nil {
				continue
			}
			out = append(out, Value(child))
		}
		return out
	case json.Number:
		return number(t)
	case string:
		return strings.TrimSpace(t)
	default:
		return v
	}
}

func number(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// FlattenList replaces every object in list with the string form of its key
// field. Objects lacking the field are dropped; non-object elements are kept.
func FlattenList(list []any, key string) []any {
	out := make([]any, 0, len(list))
	for _, el := range list {
		obj, ok := el.(map[string]any)
		if !ok {
			out = append(out, el)
			continue
		}
		v, ok := obj[key]
		if !ok || v == nil {
			continue
		}
		out = append(out, scalarString(v))
	}
	return out
}

// flattenAt rewrites the list found at path in place. m is always a fresh copy
// produced by Value, so the caller's payload stays untouched.
func flattenAt(m map[string]any, path []string, key string) {
	if len(path) == 0 {
		return
	}
	child, ok := m[path[0]]
	if !ok {
		return
	}
	if len(path) > 1 {
		if next, ok := child.(map[string]any); ok {
			flattenAt(next, path[1:], key)
		}
		return
	}
	if list, ok := child.([]any); ok {
		m[path[0]] = FlattenList(list, key)
	}
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
