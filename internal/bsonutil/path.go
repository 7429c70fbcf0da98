// Package bsonutil provides dotted-path access, deep copies and value
// comparison over generic bson documents.
package bsonutil

import (
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// Lookup returns the value stored at a dot-separated path. Intermediate
// documents may be bson.M, map[string]any or bson.D; numeric segments index
// into arrays. The second result is false when the path is undefined.
func Lookup(doc any, path string) (any, bool) {
	current := doc
	for _, key := range strings.Split(path, ".") {
		next, ok := child(current, key)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// LookupAll returns every value reachable through path, descending into
// arrays of documents the way a MongoDB filter does for "tags.name" style
// paths. When the terminal value is itself an array it is returned as is.
func LookupAll(doc any, path string) []any {
	return lookupAll(doc, strings.Split(path, "."))
}

func lookupAll(current any, keys []string) []any {
	if len(keys) == 0 {
		return []any{current}
	}
	if arr, ok := AsArray(current); ok {
		if _, err := strconv.Atoi(keys[0]); err == nil {
			next, found := child(current, keys[0])
			if !found {
				return nil
			}
			return lookupAll(next, keys[1:])
		}
		var out []any
		for _, elem := range arr {
			if _, isDoc := AsMap(elem); isDoc {
				out = append(out, lookupAll(elem, keys)...)
			}
		}
		return out
	}
	next, ok := child(current, keys[0])
	if !ok {
		return nil
	}
	return lookupAll(next, keys[1:])
}

func child(current any, key string) (any, bool) {
	switch v := current.(type) {
	case bson.M:
		val, ok := v[key]
		return val, ok
	case map[string]any:
		val, ok := v[key]
		return val, ok
	case bson.D:
		for _, e := range v {
			if e.Key == key {
				return e.Value, true
			}
		}
		return nil, false
	}
	if arr, ok := AsArray(current); ok {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(arr) {
			return nil, false
		}
		return arr[idx], true
	}
	return nil, false
}

// Set assigns value at path, creating intermediate bson.M documents.
func Set(doc bson.M, path string, value any) {
	keys := strings.Split(path, ".")
	current := doc
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key]
		if m, isMap := toMutableMap(next); ok && isMap {
			current[key] = m
			current = m
			continue
		}
		m := bson.M{}
		current[key] = m
		current = m
	}
	current[keys[len(keys)-1]] = value
}

// Unset removes the value at path. Missing intermediate documents are ignored.
func Unset(doc bson.M, path string) {
	keys := strings.Split(path, ".")
	current := doc
	for _, key := range keys[:len(keys)-1] {
		m, ok := toMutableMap(current[key])
		if !ok {
			return
		}
		current[key] = m
		current = m
	}
	delete(current, keys[len(keys)-1])
}

// toMutableMap converts nested document representations into bson.M so they
// can be written through.
func toMutableMap(v any) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return bson.M(m), true
	case bson.D:
		out := make(bson.M, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	}
	return nil, false
}

// AsMap reports whether v is a document and returns it as bson.M.
func AsMap(v any) (bson.M, bool) {
	return toMutableMap(v)
}

// AsArray reports whether v is an array value and returns its elements.
func AsArray(v any) ([]any, bool) {
	switch a := v.(type) {
	case bson.A:
		return []any(a), true
	case []any:
		return a, true
	case []string:
		out := make([]any, len(a))
		for i, s := range a {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(a))
		for i, n := range a {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(a))
		for i, n := range a {
			out[i] = n
		}
		return out, true
	case []bson.M:
		out := make([]any, len(a))
		for i, m := range a {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}
