package odm

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/jrjohn/harbor-go/pkg/errors"
	"github.com/jrjohn/harbor-go/pkg/logger"
)

// Registry maps model names to models. It is owned by a Connection; tests
// may create a fresh one per run.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model
	order  []string
	conn   *Connection
	log    *zap.Logger
}

// NewRegistry creates an empty registry whose models use conn. conn may be
// nil, in which case collection access fails with NOT_CONNECTED.
func NewRegistry(conn *Connection, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		models: make(map[string]*Model),
		conn:   conn,
		log:    log,
	}
}

// Model returns the model registered under name, compiling it from schema on
// first use. Repeat calls return the existing model unchanged and ignore
// schema and collection; a warning is logged when the schema differs. Use
// Register to treat that case as an error.
func (r *Registry) Model(name string, schema *Schema, collection ...string) *Model {
	r.mu.RLock()
	existing, ok := r.models[name]
	r.mu.RUnlock()
	if ok {
		r.warnMismatch(existing, schema)
		return existing
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.models[name]; ok {
		r.warnMismatch(existing, schema)
		return existing
	}
	m := r.newModel(name, schema, collection)
	r.models[name] = m
	r.order = append(r.order, name)
	return m
}

// Register is the strict variant of Model: registering a name again with a
// different schema returns ErrSchemaMismatch.
func (r *Registry) Register(name string, schema *Schema, collection ...string) (*Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.models[name]; ok {
		if existing.schema != schema {
			return existing, apperrors.ErrSchemaMismatch.WithMessage("model " + name + " already registered with a different schema")
		}
		return existing, nil
	}
	m := r.newModel(name, schema, collection)
	r.models[name] = m
	r.order = append(r.order, name)
	return m, nil
}

func (r *Registry) warnMismatch(existing *Model, schema *Schema) {
	if schema != nil && existing.schema != schema {
		r.log.Warn("model already registered, ignoring new schema", zap.String("model", existing.name))
	}
}

// newModel must be called with mu held.
func (r *Registry) newModel(name string, schema *Schema, collection []string) *Model {
	coll := collectionName(name, schema, collection)
	return &Model{
		name:       name,
		schema:     schema,
		collection: coll,
		conn:       r.conn,
		log:        logger.ForModel(r.log, name, coll),
	}
}

// collectionName resolves explicit name > schema option > lowercased name
// with an "s" suffix.
func collectionName(name string, schema *Schema, explicit []string) string {
	if len(explicit) > 0 && explicit[0] != "" {
		return explicit[0]
	}
	if schema != nil && schema.opts.Collection != "" {
		return schema.opts.Collection
	}
	return CollectionName(name)
}

// CollectionName is the default collection for a model name: the name
// lowercased with an "s" suffix.
func CollectionName(model string) string {
	return strings.ToLower(model) + "s"
}

func (r *Registry) Lookup(name string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// Names returns model names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Models returns the registered models in registration order.
func (r *Registry) Models() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Model, len(r.order))
	for i, name := range r.order {
		out[i] = r.models[name]
	}
	return out
}

// Delete removes a model, reporting whether it existed.
func (r *Registry) Delete(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[name]; !ok {
		return false
	}
	delete(r.models, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}
