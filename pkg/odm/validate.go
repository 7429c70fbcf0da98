package odm

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/jrjohn/harbor-go/internal/bsonutil"
	apperrors "github.com/jrjohn/harbor-go/pkg/errors"
)

// ValidationResult is the outcome of Schema.Validate.
type ValidationResult struct {
	Valid  bool                   `json:"valid"`
	Errors []apperrors.FieldError `json:"errors"`
}

// Err returns nil for a valid result and a *errors.ValidationError otherwise.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &apperrors.ValidationError{Errors: r.Errors}
}

// Validate checks record against every path. Per path the checks stop at the
// first of: required and missing, type mismatch. Otherwise every constraint
// and the custom validator run, and all failures are collected.
func (s *Schema) Validate(ctx context.Context, record bson.M) ValidationResult {
	var errs []apperrors.FieldError
	for _, path := range s.order {
		value, found := bsonutil.Lookup(record, path)
		errs = append(errs, s.validatePath(ctx, path, value, found)...)
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func (s *Schema) validatePath(ctx context.Context, path string, value any, found bool) []apperrors.FieldError {
	f := s.paths[path]
	missing := !found || value == nil

	if missing {
		if f.Required {
			return []apperrors.FieldError{{
				Path:    path,
				Message: fmt.Sprintf("%s is required", path),
				Code:    apperrors.CodeRequired,
			}}
		}
		return nil
	}

	if !matchesType(value, f.Type) {
		return []apperrors.FieldError{{
			Path:    path,
			Message: fmt.Sprintf("%s must be of type %s", path, f.Type),
			Code:    apperrors.CodeTypeMismatch,
		}}
	}

	var errs []apperrors.FieldError
	violation := func(constraint, format string, args ...any) {
		errs = append(errs, apperrors.FieldError{
			Path:       path,
			Message:    fmt.Sprintf(format, append([]any{path}, args...)...),
			Code:       apperrors.CodeConstraintViolation,
			Constraint: constraint,
		})
	}

	switch f.Type {
	case TypeString:
		str, _ := value.(string)
		length := utf8.RuneCountInString(str)
		if f.MinLength != nil && length < *f.MinLength {
			violation("minLength", "%s must be at least %d characters", *f.MinLength)
		}
		if f.MaxLength != nil && length > *f.MaxLength {
			violation("maxLength", "%s must be at most %d characters", *f.MaxLength)
		}
		if f.Match != nil && !f.Match.MatchString(str) {
			violation("match", "%s does not match required pattern")
		}
		if len(f.Enum) > 0 && !inEnum(str, f.Enum) {
			violation("enum", "%s must be one of: %s", enumList(f.Enum))
		}
	case TypeNumber:
		n, _ := bsonutil.ToFloat(value)
		if f.Min != nil && n < *f.Min {
			violation("min", "%s must be at least %v", *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			violation("max", "%s must be at most %v", *f.Max)
		}
		if len(f.Enum) > 0 && !inEnum(value, f.Enum) {
			violation("enum", "%s must be one of: %s", enumList(f.Enum))
		}
	case TypeDate:
		t, _ := toTime(value)
		ms := float64(t.UnixMilli())
		if f.Min != nil && ms < *f.Min {
			violation("min", "%s must be at least %s", time.UnixMilli(int64(*f.Min)).UTC().Format(time.RFC3339))
		}
		if f.Max != nil && ms > *f.Max {
			violation("max", "%s must be at most %s", time.UnixMilli(int64(*f.Max)).UTC().Format(time.RFC3339))
		}
	}

	if f.Validator != nil && f.Validator.Fn != nil {
		ok, err := f.Validator.Fn(ctx, value)
		switch {
		case err != nil:
			errs = append(errs, apperrors.FieldError{
				Path:    path,
				Message: fmt.Sprintf("%s failed validation: %v", path, err),
				Code:    apperrors.CodeCustomValidation,
			})
		case !ok:
			msg := f.Validator.Message
			if msg == "" {
				msg = fmt.Sprintf("%s failed validation", path)
			}
			errs = append(errs, apperrors.FieldError{
				Path:    path,
				Message: msg,
				Code:    apperrors.CodeCustomValidation,
			})
		}
	}
	return errs
}

func inEnum(value any, enum []any) bool {
	for _, allowed := range enum {
		if bsonutil.Equal(value, allowed) {
			return true
		}
	}
	return false
}

func enumList(enum []any) string {
	parts := make([]string, len(enum))
	for i, v := range enum {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}

func toTime(value any) (time.Time, bool) {
	if t, ok := bsonutil.ToTime(value); ok {
		return t, true
	}
	str, ok := value.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range timeFormats {
		if t, err := time.Parse(layout, str); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func matchesType(value any, t Type) bool {
	switch t {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		return bsonutil.IsNumber(value)
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeDate:
		_, ok := toTime(value)
		return ok
	case TypeObjectID:
		switch id := value.(type) {
		case primitive.ObjectID:
			return true
		case string:
			return primitive.IsValidObjectID(id)
		}
		return false
	case TypeArray:
		return isArray(value)
	case TypeObject, TypeMap:
		_, ok := bsonutil.AsMap(value)
		return ok
	case TypeBuffer:
		switch value.(type) {
		case []byte, primitive.Binary:
			return true
		}
		return false
	case TypeDecimal128:
		switch d := value.(type) {
		case primitive.Decimal128:
			return true
		case string:
			_, err := primitive.ParseDecimal128(d)
			return err == nil
		}
		return bsonutil.IsNumber(value)
	case TypeUUID:
		switch id := value.(type) {
		case uuid.UUID:
			return true
		case string:
			_, err := uuid.Parse(id)
			return err == nil
		case primitive.Binary:
			return id.Subtype == bson.TypeBinaryUUID && len(id.Data) == 16
		}
		return false
	}
	return true
}

func isArray(value any) bool {
	if _, ok := bsonutil.AsArray(value); ok {
		return true
	}
	if _, isBytes := value.([]byte); isBytes {
		return false
	}
	kind := reflect.ValueOf(value).Kind()
	return kind == reflect.Slice || kind == reflect.Array
}
