package bsonutil

import (
	"bytes"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Clone deep-copies documents and arrays. Nested documents come back as
// bson.M and arrays as bson.A; scalars are returned unchanged.
func Clone(v any) any {
	switch val := v.(type) {
	case bson.M:
		return cloneMap(val)
	case map[string]any:
		return cloneMap(val)
	case bson.D:
		out := make(bson.D, len(val))
		for i, e := range val {
			out[i] = bson.E{Key: e.Key, Value: Clone(e.Value)}
		}
		return out
	case []byte:
		return append([]byte(nil), val...)
	}
	if arr, ok := AsArray(v); ok {
		out := make(bson.A, len(arr))
		for i, elem := range arr {
			out[i] = Clone(elem)
		}
		return out
	}
	return v
}

// CloneM deep-copies a document.
func CloneM(m bson.M) bson.M {
	if m == nil {
		return nil
	}
	return cloneMap(m)
}

func cloneMap(m map[string]any) bson.M {
	out := make(bson.M, len(m))
	for k, v := range m {
		out[k] = Clone(v)
	}
	return out
}

// Normalize converts an ordered or plain document into a bson.M tree with
// bson.A arrays, the representation stored by in-process collections.
func Normalize(v any) any {
	switch val := v.(type) {
	case bson.D:
		out := make(bson.M, len(val))
		for _, e := range val {
			out[e.Key] = Normalize(e.Value)
		}
		return out
	case bson.M:
		out := make(bson.M, len(val))
		for k, e := range val {
			out[k] = Normalize(e)
		}
		return out
	case map[string]any:
		out := make(bson.M, len(val))
		for k, e := range val {
			out[k] = Normalize(e)
		}
		return out
	case []byte:
		return val
	}
	if arr, ok := AsArray(v); ok {
		out := make(bson.A, len(arr))
		for i, elem := range arr {
			out[i] = Normalize(elem)
		}
		return out
	}
	return v
}

// ToFloat converts any numeric bson value to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// IsNumber reports whether v is a numeric value that is not NaN.
func IsNumber(v any) bool {
	f, ok := ToFloat(v)
	return ok && !math.IsNaN(f)
}

// ToTime converts time.Time and primitive.DateTime values.
func ToTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time(), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	}
	return time.Time{}, false
}

// typeRank mirrors the BSON comparison order so mixed-type sorts are stable.
func typeRank(v any) int {
	if v == nil {
		return 1
	}
	if _, ok := ToFloat(v); ok {
		return 2
	}
	if _, ok := ToTime(v); ok {
		return 9
	}
	switch v.(type) {
	case string:
		return 3
	case bson.M, map[string]any, bson.D:
		return 4
	case []byte, primitive.Binary:
		return 6
	case primitive.ObjectID:
		return 7
	case bool:
		return 8
	case primitive.Regex:
		return 10
	}
	if _, ok := AsArray(v); ok {
		return 5
	}
	return 11
}

// Compare orders two bson values. Values of different types are ordered by
// type rank; values of the same rank are compared naturally.
func Compare(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 1:
		return 0
	case 2:
		fa, _ := ToFloat(a)
		fb, _ := ToFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 3:
		return strings.Compare(a.(string), b.(string))
	case 7:
		ia, ib := a.(primitive.ObjectID), b.(primitive.ObjectID)
		return bytes.Compare(ia[:], ib[:])
	case 8:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	case 9:
		ta, _ := ToTime(a)
		tb, _ := ToTime(b)
		return ta.Compare(tb)
	case 5:
		aa, _ := AsArray(a)
		ab, _ := AsArray(b)
		for i := 0; i < len(aa) && i < len(ab); i++ {
			if c := Compare(aa[i], ab[i]); c != 0 {
				return c
			}
		}
		return compareInt(len(aa), len(ab))
	}
	if Equal(a, b) {
		return 0
	}
	return -1
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Equal reports whether two bson values are equal, treating all numeric
// types and all document representations as interchangeable.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := ToFloat(a); ok {
		fb, ok := ToFloat(b)
		return ok && fa == fb
	}
	if ta, ok := ToTime(a); ok {
		tb, ok := ToTime(b)
		return ok && ta.Equal(tb)
	}
	if ma, ok := AsMap(a); ok {
		mb, ok := AsMap(b)
		if !ok || len(ma) != len(mb) {
			return false
		}
		for k, va := range ma {
			vb, found := mb[k]
			if !found || !Equal(va, vb) {
				return false
			}
		}
		return true
	}
	if aa, ok := AsArray(a); ok {
		ab, ok := AsArray(b)
		if !ok || len(aa) != len(ab) {
			return false
		}
		for i := range aa {
			if !Equal(aa[i], ab[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Canonical returns v with every document converted to a key-sorted bson.D,
// so that encoding it yields the same bytes regardless of map iteration order.
func Canonical(v any) any {
	if m, ok := AsMap(v); ok {
		if d, isD := v.(bson.D); isD {
			out := make(bson.D, len(d))
			for i, e := range d {
				out[i] = bson.E{Key: e.Key, Value: Canonical(e.Value)}
			}
			return out
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(bson.D, len(keys))
		for i, k := range keys {
			out[i] = bson.E{Key: k, Value: Canonical(m[k])}
		}
		return out
	}
	if _, isBytes := v.([]byte); isBytes {
		return v
	}
	if arr, ok := AsArray(v); ok {
		out := make(bson.A, len(arr))
		for i, elem := range arr {
			out[i] = Canonical(elem)
		}
		return out
	}
	return v
}
