package odm

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jrjohn/harbor-go/internal/bsonutil"
)

// Type is the type tag of a schema path.
type Type string

const (
	TypeString     Type = "String"
	TypeNumber     Type = "Number"
	TypeBoolean    Type = "Boolean"
	TypeDate       Type = "Date"
	TypeObjectID   Type = "ObjectId"
	TypeArray      Type = "Array"
	TypeObject     Type = "Object"
	TypeMixed      Type = "Mixed"
	TypeBuffer     Type = "Buffer"
	TypeDecimal128 Type = "Decimal128"
	TypeMap        Type = "Map"
	TypeUUID       Type = "UUID"
)

var knownTypes = []Type{
	TypeString, TypeNumber, TypeBoolean, TypeDate, TypeObjectID, TypeArray,
	TypeObject, TypeMixed, TypeBuffer, TypeDecimal128, TypeMap, TypeUUID,
}

// ParseType resolves a type name case-insensitively. Unknown names are
// returned unchanged with ok set to false; such paths accept any value.
func ParseType(name string) (t Type, ok bool) {
	for _, known := range knownTypes {
		if strings.EqualFold(name, string(known)) {
			return known, true
		}
	}
	return Type(name), false
}

// Field describes one schema path.
type Field struct {
	Type     Type
	Required bool
	// Default is a literal or a func() any generator.
	Default any

	Unique bool
	Index  bool
	Sparse bool

	Lowercase bool
	Uppercase bool
	Trim      bool

	MinLength *int
	MaxLength *int
	Min       *float64
	Max       *float64
	Match     *regexp.Regexp
	Enum      []any

	Validator *Validator
	Immutable bool
	// Select set to false hides the path from query results unless it is
	// requested with "+path".
	Select *bool

	Ref   string
	Alias string
	// Of is the element type of an Array path.
	Of Type

	// Nested declares child paths; the field itself becomes an Object.
	Nested Definition
}

// Validator is a custom check run after the built-in constraints.
type Validator struct {
	Fn      func(ctx context.Context, value any) (bool, error)
	Message string
}

// Check wraps a synchronous predicate as a Validator.
func Check(fn func(value any) bool, message string) *Validator {
	return &Validator{
		Fn: func(_ context.Context, value any) (bool, error) {
			return fn(value), nil
		},
		Message: message,
	}
}

// Ptr returns a pointer to v, for the optional constraint fields.
func Ptr[T any](v T) *T {
	return &v
}

// DefaultNow is a Default generator producing the current UTC time at
// millisecond precision.
func DefaultNow() any {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// DefaultUUID is a Default generator producing a random UUID string.
func DefaultUUID() any {
	return uuid.NewString()
}

func (f *Field) hasDefault() bool {
	return f.Default != nil
}

func (f *Field) defaultValue() any {
	switch gen := f.Default.(type) {
	case nil:
		return nil
	case func() any:
		return gen()
	}
	return bsonutil.Clone(f.Default)
}

func (f *Field) hidden() bool {
	return f.Select != nil && !*f.Select
}

func (f *Field) clone() *Field {
	c := *f
	if f.Enum != nil {
		c.Enum = append([]any(nil), f.Enum...)
	}
	return &c
}
