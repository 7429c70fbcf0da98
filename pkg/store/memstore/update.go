package memstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/jrjohn/harbor-go/internal/bsonutil"
)

var errNotOperatorUpdate = errors.New("memstore: update document requires atomic operators")

// applyUpdate applies MongoDB update operators to doc in place. inserting
// enables $setOnInsert. The returned flag reports whether doc changed.
func applyUpdate(doc bson.M, update bson.M, inserting bool) (bool, error) {
	if len(update) == 0 {
		return false, errNotOperatorUpdate
	}
	before := cloneDoc(doc)
	for op, arg := range update {
		if !strings.HasPrefix(op, "$") {
			return false, errNotOperatorUpdate
		}
		fields, ok := bsonutil.AsMap(arg)
		if !ok {
			return false, fmt.Errorf("memstore: %s requires a document argument", op)
		}
		if op == "$setOnInsert" && !inserting {
			continue
		}
		for path, value := range fields {
			if path == "_id" && op != "$setOnInsert" && !inserting {
				if cur, exists := doc["_id"]; exists && !bsonutil.Equal(cur, value) {
					return false, fmt.Errorf("memstore: performing an update on the path '_id' would modify the immutable field '_id'")
				}
			}
			if err := applyOperator(doc, op, path, value); err != nil {
				return false, err
			}
		}
	}
	return !bsonutil.Equal(before, doc), nil
}

func applyOperator(doc bson.M, op, path string, value any) error {
	current, exists := bsonutil.Lookup(doc, path)
	switch op {
	case "$set", "$setOnInsert":
		bsonutil.Set(doc, path, bsonutil.Normalize(value))
	case "$unset":
		bsonutil.Unset(doc, path)
	case "$inc":
		if !bsonutil.IsNumber(value) {
			return fmt.Errorf("memstore: cannot increment with non-numeric argument for %s", path)
		}
		if !exists {
			bsonutil.Set(doc, path, value)
			return nil
		}
		if !bsonutil.IsNumber(current) {
			return fmt.Errorf("memstore: cannot apply $inc to a non-numeric value at %s", path)
		}
		bsonutil.Set(doc, path, arith(current, value, false))
	case "$mul":
		if !bsonutil.IsNumber(value) {
			return fmt.Errorf("memstore: cannot multiply with non-numeric argument for %s", path)
		}
		if !exists {
			bsonutil.Set(doc, path, arith(value, 0, true))
			return nil
		}
		if !bsonutil.IsNumber(current) {
			return fmt.Errorf("memstore: cannot apply $mul to a non-numeric value at %s", path)
		}
		bsonutil.Set(doc, path, arith(current, value, true))
	case "$min", "$max":
		if !exists {
			bsonutil.Set(doc, path, value)
			return nil
		}
		c := bsonutil.Compare(value, current)
		if (op == "$min" && c < 0) || (op == "$max" && c > 0) {
			bsonutil.Set(doc, path, value)
		}
	case "$currentDate":
		bsonutil.Set(doc, path, primitive.NewDateTimeFromTime(time.Now()))
	case "$rename":
		target, ok := value.(string)
		if !ok {
			return fmt.Errorf("memstore: $rename target for %s must be a string", path)
		}
		if exists {
			bsonutil.Unset(doc, path)
			bsonutil.Set(doc, target, current)
		}
	case "$push", "$addToSet":
		arr, err := arrayAt(current, exists, op, path)
		if err != nil {
			return err
		}
		for _, item := range eachValues(value) {
			item = bsonutil.Normalize(item)
			if op == "$addToSet" && containsValue(arr, item) {
				continue
			}
			arr = append(arr, item)
		}
		bsonutil.Set(doc, path, arr)
	case "$pull":
		if !exists {
			return nil
		}
		arr, err := arrayAt(current, exists, op, path)
		if err != nil {
			return err
		}
		kept := bson.A{}
		for _, elem := range arr {
			matched, err := pullMatches(elem, value)
			if err != nil {
				return err
			}
			if !matched {
				kept = append(kept, elem)
			}
		}
		bsonutil.Set(doc, path, kept)
	case "$pop":
		if !exists {
			return nil
		}
		arr, err := arrayAt(current, exists, op, path)
		if err != nil || len(arr) == 0 {
			return err
		}
		if f, _ := bsonutil.ToFloat(value); f < 0 {
			arr = arr[1:]
		} else {
			arr = arr[:len(arr)-1]
		}
		bsonutil.Set(doc, path, arr)
	default:
		return fmt.Errorf("memstore: unknown update operator %s", op)
	}
	return nil
}

func arrayAt(current any, exists bool, op, path string) (bson.A, error) {
	if !exists || current == nil {
		return bson.A{}, nil
	}
	arr, ok := bsonutil.AsArray(current)
	if !ok {
		return nil, fmt.Errorf("memstore: %s requires an array at %s", op, path)
	}
	return append(bson.A{}, arr...), nil
}

func eachValues(value any) []any {
	if m, ok := bsonutil.AsMap(value); ok {
		if each, found := m["$each"]; found {
			if arr, isArr := bsonutil.AsArray(each); isArr {
				return arr
			}
		}
	}
	return []any{value}
}

func containsValue(arr bson.A, v any) bool {
	for _, elem := range arr {
		if bsonutil.Equal(elem, v) {
			return true
		}
	}
	return false
}

func pullMatches(elem, cond any) (bool, error) {
	if ops, ok := operatorDoc(cond); ok {
		return matchOperators([]any{elem}, ops)
	}
	if sub, ok := bsonutil.AsMap(cond); ok {
		if doc, isDoc := bsonutil.AsMap(elem); isDoc {
			return Match(doc, sub)
		}
		return false, nil
	}
	return bsonutil.Equal(elem, cond), nil
}

// arith adds or multiplies two numbers, keeping the integer type of a when
// both operands are integral.
func arith(a, b any, multiply bool) any {
	ia, aInt := asInt(a)
	ib, bInt := asInt(b)
	if aInt && bInt {
		r := ia + ib
		if multiply {
			r = ia * ib
		}
		switch a.(type) {
		case int32:
			if _, wide := b.(int64); !wide {
				return int32(r)
			}
		case int:
			return int(r)
		}
		return r
	}
	fa, _ := bsonutil.ToFloat(a)
	fb, _ := bsonutil.ToFloat(b)
	if multiply {
		return fa * fb
	}
	return fa + fb
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// upsertSeed builds the document inserted by an upsert from the equality
// conditions of the filter.
func upsertSeed(filter bson.M) bson.M {
	doc := bson.M{}
	for key, cond := range filter {
		if strings.HasPrefix(key, "$") {
			if key == "$and" {
				clauses, _ := bsonutil.AsArray(cond)
				for _, c := range clauses {
					if sub, ok := bsonutil.AsMap(c); ok {
						for k, v := range upsertSeed(sub) {
							doc[k] = v
						}
					}
				}
			}
			continue
		}
		if ops, ok := operatorDoc(cond); ok {
			if eq, found := ops["$eq"]; found {
				bsonutil.Set(doc, key, bsonutil.Normalize(eq))
			}
			continue
		}
		if _, isRe := cond.(primitive.Regex); isRe {
			continue
		}
		bsonutil.Set(doc, key, bsonutil.Normalize(cond))
	}
	return doc
}
