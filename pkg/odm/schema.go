// Package odm maps declarative schemas onto MongoDB collections: schemas and
// validation, models bound to a collection, documents with dirty tracking and
// a save lifecycle, a deferred query builder, ordered pre/post hooks and the
// connection that owns the backing store handle.
package odm

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/jrjohn/harbor-go/pkg/store"
)

// Options configures a Schema.
type Options struct {
	// Timestamps enables the CreatedAt and UpdatedAt paths; an empty name
	// disables that path only.
	Timestamps bool
	CreatedAt  string
	UpdatedAt  string
	// VersionKey names the version path; empty disables versioning.
	VersionKey string
	Collection string
	// Strict drops values for paths the schema does not declare.
	Strict bool
	// ID injects the _id path.
	ID bool
	// IDVirtual exposes the hex form of _id as "id".
	IDVirtual bool
	// AutoIndex lets Model.SyncIndexes run at startup.
	AutoIndex bool
}

// SchemaOption configures a Schema at construction.
type SchemaOption func(*Options)

// WithTimestamps enables createdAt and updatedAt.
func WithTimestamps() SchemaOption {
	return WithTimestampFields("createdAt", "updatedAt")
}

// WithTimestampFields enables timestamps with custom path names. An empty
// name disables that timestamp.
func WithTimestampFields(createdAt, updatedAt string) SchemaOption {
	return func(o *Options) {
		o.Timestamps = true
		o.CreatedAt = createdAt
		o.UpdatedAt = updatedAt
	}
}

func WithVersionKey(name string) SchemaOption {
	return func(o *Options) { o.VersionKey = name }
}

func WithoutVersionKey() SchemaOption {
	return WithVersionKey("")
}

func WithCollection(name string) SchemaOption {
	return func(o *Options) { o.Collection = name }
}

func WithStrict(strict bool) SchemaOption {
	return func(o *Options) { o.Strict = strict }
}

func WithoutID() SchemaOption {
	return func(o *Options) { o.ID = false }
}

func WithoutIDVirtual() SchemaOption {
	return func(o *Options) { o.IDVirtual = false }
}

func WithAutoIndex(enabled bool) SchemaOption {
	return func(o *Options) { o.AutoIndex = enabled }
}

// DefaultOptions returns the options a schema starts from.
func DefaultOptions() Options {
	return Options{
		VersionKey: "__v",
		Strict:     true,
		ID:         true,
		IDVirtual:  true,
		AutoIndex:  true,
	}
}

// MethodFunc is an instance method bound to a Document.
type MethodFunc func(ctx context.Context, doc *Document, args ...any) (any, error)

// StaticFunc is a static method bound to a Model.
type StaticFunc func(ctx context.Context, m *Model, args ...any) (any, error)

// IndexOptions configures an index declared with Schema.Index.
type IndexOptions struct {
	Name          string
	Unique        bool
	Sparse        bool
	ExpireAfter   time.Duration
	PartialFilter bson.M
}

// Schema is the declarative description of a document. A Schema is shared by
// every Model compiled from it and must not be mutated once models are in use.
type Schema struct {
	opts     Options
	order    []string
	paths    map[string]*Field
	children map[string][]string

	virtuals     map[string]*Virtual
	virtualOrder []string
	methods      map[string]MethodFunc
	statics      map[string]StaticFunc

	pre       map[HookEvent][]HookFunc
	post      map[HookEvent][]HookFunc
	preQuery  map[QueryOp][]QueryHookFunc
	postQuery map[QueryOp][]QueryHookFunc

	indexes []store.IndexModel
}

// ParseSchema builds a Schema, reporting malformed field options.
func ParseSchema(def Definition, opts ...SchemaOption) (*Schema, error) {
	s := &Schema{
		opts:      DefaultOptions(),
		paths:     make(map[string]*Field),
		children:  make(map[string][]string),
		virtuals:  make(map[string]*Virtual),
		methods:   make(map[string]MethodFunc),
		statics:   make(map[string]StaticFunc),
		pre:       make(map[HookEvent][]HookFunc),
		post:      make(map[HookEvent][]HookFunc),
		preQuery:  make(map[QueryOp][]QueryHookFunc),
		postQuery: make(map[QueryOp][]QueryHookFunc),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}

	if err := s.parse(def, ""); err != nil {
		return nil, err
	}

	if s.opts.ID {
		s.setPath("_id", &Field{Type: TypeObjectID})
	}
	if s.opts.Timestamps {
		if s.opts.CreatedAt != "" {
			s.setPath(s.opts.CreatedAt, &Field{Type: TypeDate})
		}
		if s.opts.UpdatedAt != "" {
			s.setPath(s.opts.UpdatedAt, &Field{Type: TypeDate})
		}
	}
	if s.opts.VersionKey != "" {
		s.setPath(s.opts.VersionKey, &Field{Type: TypeNumber, Default: 0})
	}
	return s, nil
}

// NewSchema is ParseSchema for definitions known to be valid; it panics on a
// malformed field option.
func NewSchema(def Definition, opts ...SchemaOption) *Schema {
	s, err := ParseSchema(def, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// setPath registers a path the first time it is seen and replaces its field
// afterwards, keeping the original position.
func (s *Schema) setPath(path string, f *Field) {
	if _, exists := s.paths[path]; !exists {
		s.order = append(s.order, path)
		parent := ""
		if i := strings.LastIndex(path, "."); i >= 0 {
			parent = path[:i]
		}
		s.children[parent] = append(s.children[parent], path)
	}
	s.paths[path] = f
}

// Add parses further definitions, optionally under prefix.
func (s *Schema) Add(def Definition, prefix string) error {
	return s.parse(def, prefix)
}

// Options returns a copy of the schema options.
func (s *Schema) Options() Options {
	return s.opts
}

// Path returns the field registered at path, or nil.
func (s *Schema) Path(name string) *Field {
	return s.paths[name]
}

// Paths returns the registered paths in declaration order.
func (s *Schema) Paths() []string {
	return append([]string(nil), s.order...)
}

func (s *Schema) childPaths(parent string) []string {
	return s.children[parent]
}

func (s *Schema) hasChildren(path string) bool {
	return len(s.children[path]) > 0
}

// Default returns the default for path, invoking generator defaults. It
// returns nil when the path has no default.
func (s *Schema) Default(path string) any {
	f := s.paths[path]
	if f == nil {
		return nil
	}
	return f.defaultValue()
}

// TransformValue applies trim, lowercase and uppercase, in that order, to
// string values of String paths.
func (s *Schema) TransformValue(path string, value any) any {
	f := s.paths[path]
	str, ok := value.(string)
	if f == nil || !ok || f.Type != TypeString {
		return value
	}
	if f.Trim {
		str = strings.TrimSpace(str)
	}
	if f.Lowercase {
		str = strings.ToLower(str)
	}
	if f.Uppercase {
		str = strings.ToUpper(str)
	}
	return str
}

// Virtual is a computed, non-persisted property.
type Virtual struct {
	name   string
	getter func(*Document) any
	setter func(*Document, any) error
}

// Get sets the getter.
func (v *Virtual) Get(fn func(doc *Document) any) *Virtual {
	v.getter = fn
	return v
}

// Set sets the setter.
func (v *Virtual) Set(fn func(doc *Document, value any) error) *Virtual {
	v.setter = fn
	return v
}

// Virtual returns the virtual called name, declaring it on first use.
func (s *Schema) Virtual(name string) *Virtual {
	if v, ok := s.virtuals[name]; ok {
		return v
	}
	v := &Virtual{name: name}
	s.virtuals[name] = v
	s.virtualOrder = append(s.virtualOrder, name)
	return v
}

// Virtuals returns the declared virtual names in declaration order.
func (s *Schema) Virtuals() []string {
	return append([]string(nil), s.virtualOrder...)
}

func (s *Schema) Method(name string, fn MethodFunc) *Schema {
	s.methods[name] = fn
	return s
}

func (s *Schema) Static(name string, fn StaticFunc) *Schema {
	s.statics[name] = fn
	return s
}

// Index declares a compound or single-field index.
func (s *Schema) Index(keys bson.D, opts IndexOptions) *Schema {
	s.indexes = append(s.indexes, indexModel(keys, opts))
	return s
}

func indexModel(keys bson.D, opts IndexOptions) store.IndexModel {
	model := store.IndexModel{
		Keys:          keys,
		Name:          opts.Name,
		Unique:        opts.Unique,
		Sparse:        opts.Sparse,
		PartialFilter: opts.PartialFilter,
	}
	if opts.ExpireAfter > 0 {
		model.ExpireAfterSeconds = Ptr(int32(opts.ExpireAfter / time.Second))
	}
	return model
}

// IndexModels returns the declared indexes followed by single-field indexes
// for Unique and Index paths.
func (s *Schema) IndexModels() []store.IndexModel {
	out := append([]store.IndexModel(nil), s.indexes...)
	seen := make(map[string]bool, len(out))
	for _, m := range out {
		seen[m.IndexName()] = true
	}
	for _, path := range s.order {
		f := s.paths[path]
		if path == "_id" || (!f.Unique && !f.Index) {
			continue
		}
		m := store.IndexModel{
			Keys:   bson.D{{Key: path, Value: 1}},
			Unique: f.Unique,
			Sparse: f.Sparse,
		}
		if seen[m.IndexName()] {
			continue
		}
		seen[m.IndexName()] = true
		out = append(out, m)
	}
	return out
}

// Plugin applies fn to the schema immediately.
func (s *Schema) Plugin(fn func(*Schema)) *Schema {
	fn(s)
	return s
}

// Clone returns an independent copy of the schema, including its hooks.
func (s *Schema) Clone() *Schema {
	c := &Schema{
		opts:         s.opts,
		order:        append([]string(nil), s.order...),
		paths:        make(map[string]*Field, len(s.paths)),
		children:     make(map[string][]string, len(s.children)),
		virtuals:     make(map[string]*Virtual, len(s.virtuals)),
		virtualOrder: append([]string(nil), s.virtualOrder...),
		methods:      make(map[string]MethodFunc, len(s.methods)),
		statics:      make(map[string]StaticFunc, len(s.statics)),
		pre:          make(map[HookEvent][]HookFunc, len(s.pre)),
		post:         make(map[HookEvent][]HookFunc, len(s.post)),
		preQuery:     make(map[QueryOp][]QueryHookFunc, len(s.preQuery)),
		postQuery:    make(map[QueryOp][]QueryHookFunc, len(s.postQuery)),
		indexes:      append([]store.IndexModel(nil), s.indexes...),
	}
	for k, f := range s.paths {
		c.paths[k] = f.clone()
	}
	for k, v := range s.children {
		c.children[k] = append([]string(nil), v...)
	}
	for k, v := range s.virtuals {
		cp := *v
		c.virtuals[k] = &cp
	}
	for k, v := range s.methods {
		c.methods[k] = v
	}
	for k, v := range s.statics {
		c.statics[k] = v
	}
	for k, v := range s.pre {
		c.pre[k] = append([]HookFunc(nil), v...)
	}
	for k, v := range s.post {
		c.post[k] = append([]HookFunc(nil), v...)
	}
	for k, v := range s.preQuery {
		c.preQuery[k] = append([]QueryHookFunc(nil), v...)
	}
	for k, v := range s.postQuery {
		c.postQuery[k] = append([]QueryHookFunc(nil), v...)
	}
	return c
}
