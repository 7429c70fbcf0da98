// Package password is a schema plugin that stores a bcrypt hash in place of
// a plaintext password path.
package password

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/jrjohn/harbor-go/pkg/errors"
	"github.com/jrjohn/harbor-go/pkg/odm"
)

// CompareMethod is the instance method the plugin installs.
const CompareMethod = "comparePassword"

const (
	DefaultPath = "password"
	// DefaultCost matches the cost used for interactive logins.
	DefaultCost = 12
)

// Options configures the plugin.
type Options struct {
	Path string
	Cost int
	// MinLength rejects shorter plaintexts before hashing; 0 disables.
	MinLength int
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.Cost == 0 {
		o.Cost = DefaultCost
	}
	return o
}

// Plugin declares the password path when missing, hashes it in a pre-save
// hook on new documents and whenever it is modified, and installs
// CompareMethod. Writes that go through Model.UpdateOne and friends are not
// hashed.
func Plugin(opts Options) func(*odm.Schema) {
	opts = opts.withDefaults()
	return func(s *odm.Schema) {
		if s.Path(opts.Path) == nil {
			if err := s.Add(odm.Def(opts.Path, odm.Def("type", "String")), ""); err != nil {
				panic(err)
			}
		}
		s.Pre(odm.HookSave, func(ctx context.Context, doc *odm.Document) error {
			return hash(doc, opts)
		})
		s.Method(CompareMethod, func(ctx context.Context, doc *odm.Document, args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("%s takes one argument, got %d", CompareMethod, len(args))
			}
			plain, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("%s argument must be a string, got %T", CompareMethod, args[0])
			}
			return Compare(doc, opts.Path, plain), nil
		})
	}
}

func hash(doc *odm.Document, opts Options) error {
	if !doc.IsNew() && !doc.IsModified(opts.Path) {
		return nil
	}
	plain, ok := doc.Get(opts.Path).(string)
	if !ok || plain == "" || IsHash(plain) {
		return nil
	}
	if opts.MinLength > 0 && len(plain) < opts.MinLength {
		return &apperrors.ValidationError{Errors: []apperrors.FieldError{{
			Path:       opts.Path,
			Message:    fmt.Sprintf("%s must be at least %d characters", opts.Path, opts.MinLength),
			Code:       apperrors.CodeConstraintViolation,
			Constraint: "minlength",
		}}}
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), opts.Cost)
	if err != nil {
		return err
	}
	return doc.Set(opts.Path, string(hashed))
}

// IsHash reports whether s is a bcrypt hash.
func IsHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// Compare reports whether plain matches the hash stored at path.
func Compare(doc *odm.Document, path, plain string) bool {
	hashed, ok := doc.Get(path).(string)
	if !ok || hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)) == nil
}
