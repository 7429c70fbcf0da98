package memstore

import (
	"fmt"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/jrjohn/harbor-go/internal/bsonutil"
)

// Match reports whether doc satisfies a MongoDB query filter.
func Match(doc bson.M, filter bson.M) (bool, error) {
	for key, cond := range filter {
		ok, err := matchKey(doc, key, cond)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchKey(doc bson.M, key string, cond any) (bool, error) {
	switch key {
	case "$and", "$or", "$nor":
		clauses, ok := bsonutil.AsArray(cond)
		if !ok || len(clauses) == 0 {
			return false, fmt.Errorf("memstore: %s requires a non-empty array", key)
		}
		for _, clause := range clauses {
			sub, ok := bsonutil.AsMap(clause)
			if !ok {
				return false, fmt.Errorf("memstore: %s entries must be documents", key)
			}
			matched, err := Match(doc, sub)
			if err != nil {
				return false, err
			}
			switch {
			case key == "$and" && !matched:
				return false, nil
			case key == "$or" && matched:
				return true, nil
			case key == "$nor" && matched:
				return false, nil
			}
		}
		return key != "$or", nil
	case "$comment":
		return true, nil
	}
	if strings.HasPrefix(key, "$") {
		return false, fmt.Errorf("memstore: unknown top level operator %s", key)
	}
	return matchField(bsonutil.LookupAll(doc, key), cond)
}

func matchField(values []any, cond any) (bool, error) {
	if ops, ok := operatorDoc(cond); ok {
		return matchOperators(values, ops)
	}
	if re, ok := cond.(primitive.Regex); ok {
		return matchRegex(values, re.Pattern, re.Options)
	}
	return matchEq(values, cond), nil
}

// operatorDoc reports whether cond is a document whose keys are all
// operators, as opposed to an embedded document compared by equality.
func operatorDoc(cond any) (bson.M, bool) {
	m, ok := bsonutil.AsMap(cond)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

// expand returns the candidate values plus the elements of any array value,
// which is how MongoDB applies a scalar condition to an array field.
func expand(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
		if arr, ok := bsonutil.AsArray(v); ok {
			out = append(out, arr...)
		}
	}
	return out
}

func matchEq(values []any, target any) bool {
	if target == nil {
		if len(values) == 0 {
			return true
		}
		for _, v := range values {
			if v == nil {
				return true
			}
		}
		return false
	}
	for _, v := range expand(values) {
		if bsonutil.Equal(v, target) {
			return true
		}
	}
	return false
}

func matchOperators(values []any, ops bson.M) (bool, error) {
	if pattern, ok := ops["$regex"]; ok {
		options, _ := ops["$options"].(string)
		matched, err := matchRegexValue(values, pattern, options)
		if err != nil || !matched {
			return false, err
		}
	}
	for op, arg := range ops {
		var (
			matched bool
			err     error
		)
		switch op {
		case "$regex", "$options":
			continue
		case "$eq":
			matched = matchEq(values, arg)
		case "$ne":
			matched = !matchEq(values, arg)
		case "$gt", "$gte", "$lt", "$lte":
			matched = matchCompare(values, op, arg)
		case "$in":
			matched, err = matchIn(values, arg)
		case "$nin":
			matched, err = matchIn(values, arg)
			matched = !matched
		case "$exists":
			matched = (len(values) > 0) == truthy(arg)
		case "$size":
			matched = matchSize(values, arg)
		case "$all":
			matched, err = matchAll(values, arg)
		case "$elemMatch":
			matched, err = matchElem(values, arg)
		case "$not":
			matched, err = matchField(values, arg)
			matched = !matched
		default:
			return false, fmt.Errorf("memstore: unknown operator %s", op)
		}
		if err != nil || !matched {
			return false, err
		}
	}
	return true, nil
}

func matchCompare(values []any, op string, arg any) bool {
	for _, v := range expand(values) {
		if v == nil && arg != nil {
			continue
		}
		if _, isArr := bsonutil.AsArray(v); isArr {
			if _, argArr := bsonutil.AsArray(arg); !argArr {
				continue
			}
		}
		if !sameBracket(v, arg) {
			continue
		}
		c := bsonutil.Compare(v, arg)
		switch op {
		case "$gt":
			if c > 0 {
				return true
			}
		case "$gte":
			if c >= 0 {
				return true
			}
		case "$lt":
			if c < 0 {
				return true
			}
		case "$lte":
			if c <= 0 {
				return true
			}
		}
	}
	return false
}

// sameBracket reports whether two values are of comparable types; range
// operators never match across types.
func sameBracket(a, b any) bool {
	return typeOf(a) == typeOf(b)
}

func typeOf(v any) string {
	switch {
	case v == nil:
		return "null"
	case bsonutil.IsNumber(v):
		return "number"
	}
	if _, ok := bsonutil.ToTime(v); ok {
		return "date"
	}
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case primitive.ObjectID:
		return "objectId"
	}
	if _, ok := bsonutil.AsMap(v); ok {
		return "object"
	}
	if _, ok := bsonutil.AsArray(v); ok {
		return "array"
	}
	return fmt.Sprintf("%T", v)
}

func matchIn(values []any, arg any) (bool, error) {
	candidates, ok := bsonutil.AsArray(arg)
	if !ok {
		return false, fmt.Errorf("memstore: $in/$nin requires an array")
	}
	for _, c := range candidates {
		if re, isRe := c.(primitive.Regex); isRe {
			matched, err := matchRegex(values, re.Pattern, re.Options)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
			continue
		}
		if matchEq(values, c) {
			return true, nil
		}
	}
	return false, nil
}

func matchSize(values []any, arg any) bool {
	n, ok := bsonutil.ToFloat(arg)
	if !ok {
		return false
	}
	for _, v := range values {
		if arr, isArr := bsonutil.AsArray(v); isArr && float64(len(arr)) == n {
			return true
		}
	}
	return false
}

func matchAll(values []any, arg any) (bool, error) {
	wanted, ok := bsonutil.AsArray(arg)
	if !ok {
		return false, fmt.Errorf("memstore: $all requires an array")
	}
	if len(wanted) == 0 {
		return false, nil
	}
	for _, w := range wanted {
		if !matchEq(values, w) {
			return false, nil
		}
	}
	return true, nil
}

func matchElem(values []any, arg any) (bool, error) {
	cond, ok := bsonutil.AsMap(arg)
	if !ok {
		return false, fmt.Errorf("memstore: $elemMatch requires a document")
	}
	for _, v := range values {
		arr, isArr := bsonutil.AsArray(v)
		if !isArr {
			continue
		}
		for _, elem := range arr {
			var (
				matched bool
				err     error
			)
			if ops, isOps := operatorDoc(cond); isOps {
				matched, err = matchOperators([]any{elem}, ops)
			} else if sub, isDoc := bsonutil.AsMap(elem); isDoc {
				matched, err = Match(sub, cond)
			}
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
	}
	return false, nil
}

func matchRegexValue(values []any, pattern any, options string) (bool, error) {
	switch p := pattern.(type) {
	case string:
		return matchRegex(values, p, options)
	case primitive.Regex:
		if options == "" {
			options = p.Options
		}
		return matchRegex(values, p.Pattern, options)
	case *regexp.Regexp:
		return matchRegex(values, p.String(), options)
	}
	return false, fmt.Errorf("memstore: $regex requires a string pattern")
}

func matchRegex(values []any, pattern, options string) (bool, error) {
	re, err := compileRegex(pattern, options)
	if err != nil {
		return false, err
	}
	for _, v := range expand(values) {
		if s, ok := v.(string); ok && re.MatchString(s) {
			return true, nil
		}
	}
	return false, nil
}

func compileRegex(pattern, options string) (*regexp.Regexp, error) {
	flags := ""
	for _, o := range options {
		switch o {
		case 'i', 'm', 's':
			flags += string(o)
		}
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("memstore: invalid regex: %w", err)
	}
	return re, nil
}

func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	}
	if f, ok := bsonutil.ToFloat(v); ok {
		return f != 0
	}
	return true
}
