package odm

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/jrjohn/harbor-go/internal/bsonutil"
)

// Entry is one key of a Definition.
type Entry struct {
	Key   string
	Value any
}

// Definition is an ordered schema definition. Each value is one of:
//
//   - a type name ("String") or a Type
//   - a Field or *Field
//   - a nested Definition, bson.D or map; when it carries a "type" key whose
//     value is a type name the map is a field spec ({"type": "String",
//     "required": true}), when "type" is a slice the path is an Array, and
//     when "type" is itself a map or the key is absent the map is a nested
//     group whose keys become child paths
//   - a slice ([]any{"String"}), declaring an Array
type Definition []Entry

// Def builds a Definition from alternating keys and values.
func Def(kv ...any) Definition {
	if len(kv)%2 != 0 {
		panic("odm: Def requires key/value pairs")
	}
	def := make(Definition, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("odm: Def key %v is not a string", kv[i]))
		}
		def = append(def, Entry{Key: key, Value: kv[i+1]})
	}
	return def
}

// DefinitionFromMap converts an unordered map, sorting its keys.
func DefinitionFromMap(m map[string]any) Definition {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	def := make(Definition, len(keys))
	for i, k := range keys {
		def[i] = Entry{Key: k, Value: m[k]}
	}
	return def
}

func (d Definition) get(key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func asDefinition(v any) (Definition, bool) {
	switch def := v.(type) {
	case Definition:
		return def, true
	case bson.D:
		out := make(Definition, len(def))
		for i, e := range def {
			out[i] = Entry{Key: e.Key, Value: e.Value}
		}
		return out, true
	case bson.M:
		return DefinitionFromMap(def), true
	case map[string]any:
		return DefinitionFromMap(def), true
	}
	return nil, false
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func (s *Schema) parse(def Definition, prefix string) error {
	for _, e := range def {
		if err := s.parseValue(join(prefix, e.Key), e.Value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) parseValue(path string, value any) error {
	switch v := value.(type) {
	case string:
		t, _ := ParseType(v)
		s.setPath(path, &Field{Type: t})
		return nil
	case Type:
		s.setPath(path, &Field{Type: v})
		return nil
	case Field:
		return s.parseField(path, v.clone())
	case *Field:
		return s.parseField(path, v.clone())
	case nil:
		s.setPath(path, &Field{Type: TypeMixed})
		return nil
	}

	if def, ok := asDefinition(value); ok {
		typ, hasType := def.get("type")
		if !hasType {
			s.setPath(path, &Field{Type: TypeObject})
			return s.parse(def, path)
		}
		if nested, isDef := asDefinition(typ); isDef {
			s.setPath(path, &Field{Type: TypeObject})
			return s.parse(nested, path)
		}
		f, err := fieldFromOptions(path, def)
		if err != nil {
			return err
		}
		s.setPath(path, f)
		return nil
	}

	if arr, ok := bsonutil.AsArray(value); ok {
		s.setPath(path, &Field{Type: TypeArray, Of: elementType(arr)})
		return nil
	}

	s.setPath(path, &Field{Type: TypeMixed})
	return nil
}

func (s *Schema) parseField(path string, f *Field) error {
	if f.Nested != nil {
		if f.Type == "" {
			f.Type = TypeObject
		}
		s.setPath(path, f)
		return s.parse(f.Nested, path)
	}
	if f.Type == "" {
		f.Type = TypeMixed
	}
	s.setPath(path, f)
	return nil
}

func elementType(arr []any) Type {
	if len(arr) == 0 {
		return TypeMixed
	}
	switch elem := arr[0].(type) {
	case string:
		t, _ := ParseType(elem)
		return t
	case Type:
		return elem
	}
	if def, ok := asDefinition(arr[0]); ok {
		if typ, has := def.get("type"); has {
			if name, isString := typ.(string); isString {
				t, _ := ParseType(name)
				return t
			}
		}
		return TypeObject
	}
	return TypeMixed
}

// fieldFromOptions decodes a {"type": ..., <option>: ...} field spec.
func fieldFromOptions(path string, def Definition) (*Field, error) {
	f := &Field{}
	for _, e := range def {
		if err := applyOption(f, e.Key, e.Value); err != nil {
			return nil, fmt.Errorf("odm: path %q option %q: %w", path, e.Key, err)
		}
	}
	return f, nil
}

func applyOption(f *Field, key string, value any) error {
	switch key {
	case "type":
		switch t := value.(type) {
		case string:
			f.Type, _ = ParseType(t)
		case Type:
			f.Type = t
		default:
			arr, ok := bsonutil.AsArray(value)
			if !ok {
				return fmt.Errorf("unsupported type %T", value)
			}
			f.Type = TypeArray
			f.Of = elementType(arr)
		}
	case "required":
		return setBool(&f.Required, value)
	case "default":
		f.Default = value
	case "unique":
		return setBool(&f.Unique, value)
	case "index":
		return setBool(&f.Index, value)
	case "sparse":
		return setBool(&f.Sparse, value)
	case "lowercase":
		return setBool(&f.Lowercase, value)
	case "uppercase":
		return setBool(&f.Uppercase, value)
	case "trim":
		return setBool(&f.Trim, value)
	case "immutable":
		return setBool(&f.Immutable, value)
	case "select":
		var b bool
		if err := setBool(&b, value); err != nil {
			return err
		}
		f.Select = &b
	case "minLength", "maxLength":
		n, ok := bsonutil.ToFloat(value)
		if !ok {
			return fmt.Errorf("expected a number, got %T", value)
		}
		if key == "minLength" {
			f.MinLength = Ptr(int(n))
		} else {
			f.MaxLength = Ptr(int(n))
		}
	case "min", "max":
		n, ok := bsonutil.ToFloat(value)
		if !ok {
			t, isTime := bsonutil.ToTime(value)
			if !isTime {
				return fmt.Errorf("expected a number, got %T", value)
			}
			n = float64(t.UnixMilli())
		}
		if key == "min" {
			f.Min = Ptr(n)
		} else {
			f.Max = Ptr(n)
		}
	case "match":
		re, err := toRegexp(value)
		if err != nil {
			return err
		}
		f.Match = re
	case "enum":
		arr, ok := bsonutil.AsArray(value)
		if !ok {
			return fmt.Errorf("expected an array, got %T", value)
		}
		f.Enum = arr
	case "validate":
		switch v := value.(type) {
		case *Validator:
			f.Validator = v
		case Validator:
			f.Validator = &v
		case func(any) bool:
			f.Validator = Check(v, "")
		default:
			return fmt.Errorf("unsupported validator %T", value)
		}
	case "ref":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected a string, got %T", value)
		}
		f.Ref = s
	case "alias":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected a string, got %T", value)
		}
		f.Alias = s
	}
	return nil
}

func setBool(dst *bool, value any) error {
	b, ok := value.(bool)
	if !ok {
		return fmt.Errorf("expected a boolean, got %T", value)
	}
	*dst = b
	return nil
}

func toRegexp(value any) (*regexp.Regexp, error) {
	switch v := value.(type) {
	case *regexp.Regexp:
		return v, nil
	case string:
		return regexp.Compile(v)
	case primitive.Regex:
		pattern := v.Pattern
		if v.Options != "" {
			pattern = "(?" + v.Options + ")" + pattern
		}
		return regexp.Compile(pattern)
	}
	return nil, fmt.Errorf("expected a pattern, got %T", value)
}

// timeFormats are the string layouts accepted for Date paths.
var timeFormats = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}
