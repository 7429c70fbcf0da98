package memstore

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/jrjohn/harbor-go/internal/bsonutil"
)

// runPipeline evaluates the supported aggregation stages: $match, $sort,
// $skip, $limit, $count, $project, $addFields/$set, $unset and $group.
func runPipeline(docs []bson.M, pipeline []bson.M) ([]bson.M, error) {
	for _, stage := range pipeline {
		if len(stage) != 1 {
			return nil, fmt.Errorf("memstore: pipeline stage must have exactly one field")
		}
		for name, arg := range stage {
			var err error
			docs, err = runStage(docs, name, arg)
			if err != nil {
				return nil, err
			}
		}
	}
	return docs, nil
}

func runStage(docs []bson.M, name string, arg any) ([]bson.M, error) {
	switch name {
	case "$match":
		filter, ok := bsonutil.AsMap(arg)
		if !ok {
			return nil, fmt.Errorf("memstore: $match requires a document")
		}
		out := make([]bson.M, 0, len(docs))
		for _, doc := range docs {
			matched, err := Match(doc, filter)
			if err != nil {
				return nil, err
			}
			if matched {
				out = append(out, doc)
			}
		}
		return out, nil
	case "$sort":
		sortDocs(docs, toD(arg))
		return docs, nil
	case "$skip":
		n, _ := bsonutil.ToFloat(arg)
		if int(n) >= len(docs) {
			return nil, nil
		}
		return docs[int(n):], nil
	case "$limit":
		n, _ := bsonutil.ToFloat(arg)
		if int(n) < len(docs) {
			return docs[:int(n)], nil
		}
		return docs, nil
	case "$count":
		field, ok := arg.(string)
		if !ok || field == "" {
			return nil, fmt.Errorf("memstore: $count requires a field name")
		}
		if len(docs) == 0 {
			return nil, nil
		}
		return []bson.M{{field: int32(len(docs))}}, nil
	case "$project":
		spec := toD(arg)
		out := make([]bson.M, 0, len(docs))
		for _, doc := range docs {
			projected, err := project(doc, spec)
			if err != nil {
				return nil, err
			}
			out = append(out, projected)
		}
		return out, nil
	case "$addFields", "$set":
		fields, ok := bsonutil.AsMap(arg)
		if !ok {
			return nil, fmt.Errorf("memstore: %s requires a document", name)
		}
		for _, doc := range docs {
			for path, expr := range fields {
				bsonutil.Set(doc, path, evalExpr(doc, expr))
			}
		}
		return docs, nil
	case "$unset":
		var paths []any
		if s, ok := arg.(string); ok {
			paths = []any{s}
		} else {
			paths, _ = bsonutil.AsArray(arg)
		}
		for _, doc := range docs {
			for _, p := range paths {
				if s, ok := p.(string); ok {
					bsonutil.Unset(doc, s)
				}
			}
		}
		return docs, nil
	case "$group":
		spec, ok := bsonutil.AsMap(arg)
		if !ok {
			return nil, fmt.Errorf("memstore: $group requires a document")
		}
		return group(docs, spec)
	}
	return nil, fmt.Errorf("memstore: unsupported pipeline stage %s", name)
}

// evalExpr resolves "$field" references; any other value is a literal.
func evalExpr(doc bson.M, expr any) any {
	if s, ok := expr.(string); ok && strings.HasPrefix(s, "$") {
		v, _ := bsonutil.Lookup(doc, s[1:])
		return v
	}
	if m, ok := bsonutil.AsMap(expr); ok {
		out := bson.M{}
		for k, v := range m {
			out[k] = evalExpr(doc, v)
		}
		return out
	}
	return expr
}

type groupState struct {
	key    any
	values bson.M
	counts map[string]int
}

func group(docs []bson.M, spec bson.M) ([]bson.M, error) {
	keyExpr, ok := spec["_id"]
	if !ok {
		return nil, fmt.Errorf("memstore: $group requires an _id expression")
	}

	var groups []*groupState
	for _, doc := range docs {
		key := evalExpr(doc, keyExpr)
		var g *groupState
		for _, existing := range groups {
			if bsonutil.Equal(existing.key, key) {
				g = existing
				break
			}
		}
		if g == nil {
			g = &groupState{key: key, values: bson.M{}, counts: map[string]int{}}
			groups = append(groups, g)
		}
		for field, acc := range spec {
			if field == "_id" {
				continue
			}
			if err := accumulate(g, field, acc, doc); err != nil {
				return nil, err
			}
		}
	}

	out := make([]bson.M, 0, len(groups))
	for _, g := range groups {
		row := bson.M{"_id": g.key}
		for field, v := range g.values {
			if n, isAvg := g.counts[field]; isAvg && n > 0 {
				sum, _ := bsonutil.ToFloat(v)
				row[field] = sum / float64(n)
				continue
			}
			row[field] = v
		}
		out = append(out, row)
	}
	return out, nil
}

func accumulate(g *groupState, field string, acc any, doc bson.M) error {
	ops, ok := bsonutil.AsMap(acc)
	if !ok || len(ops) != 1 {
		return fmt.Errorf("memstore: accumulator for %s must be a single-operator document", field)
	}
	for op, expr := range ops {
		v := evalExpr(doc, expr)
		current, seen := g.values[field]
		switch op {
		case "$sum":
			if !bsonutil.IsNumber(v) {
				v = 0
			}
			if !seen {
				current = 0
			}
			g.values[field] = arith(current, v, false)
		case "$avg":
			if !bsonutil.IsNumber(v) {
				continue
			}
			if !seen {
				current = 0.0
			}
			g.values[field] = arith(current, v, false)
			g.counts[field]++
		case "$min":
			if v != nil && (!seen || bsonutil.Compare(v, current) < 0) {
				g.values[field] = v
			}
		case "$max":
			if v != nil && (!seen || bsonutil.Compare(v, current) > 0) {
				g.values[field] = v
			}
		case "$first":
			if !seen {
				g.values[field] = v
			}
		case "$last":
			g.values[field] = v
		case "$push":
			arr, _ := current.(bson.A)
			g.values[field] = append(arr, v)
		case "$addToSet":
			arr, _ := current.(bson.A)
			if !containsValue(arr, v) {
				arr = append(arr, v)
			}
			g.values[field] = arr
		default:
			return fmt.Errorf("memstore: unsupported accumulator %s", op)
		}
	}
	return nil
}
