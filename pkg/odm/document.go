package odm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/jrjohn/harbor-go/internal/bsonutil"
	apperrors "github.com/jrjohn/harbor-go/pkg/errors"
	"github.com/jrjohn/harbor-go/pkg/store"
)

// Document is a live instance of a model's schema. It is not safe for
// concurrent use.
type Document struct {
	model    *Model
	id       any
	values   bson.M
	isNew    bool
	modified []string
	// projection the record was loaded with. When set, paths it left
	// out are neither validated nor written back by Save.
	projection bson.D
}

// New builds an unsaved document. Provided values are transformed and, in
// strict mode, keys the schema does not declare are dropped; defaults then
// fill the remaining paths and virtual setters receive their keys last.
func (m *Model) New(data bson.M) *Document {
	d := &Document{
		model:  m,
		id:     primitive.NewObjectID(),
		values: bson.M{},
		isNew:  true,
	}
	if raw, ok := data["_id"]; ok && raw != nil {
		d.id = normalizeID(raw)
	}
	d.assign(data, "")
	d.applyDefaults(nil)

	for _, name := range m.schema.virtualOrder {
		v := m.schema.virtuals[name]
		if value, ok := data[name]; ok && v.setter != nil {
			if err := v.setter(d, value); err != nil {
				m.log.Warn("virtual setter failed", zap.String("virtual", name), zap.Error(err))
			}
		}
	}
	return d
}

// Hydrate wraps a stored record. The document is not new and values are
// taken as stored.
func (m *Model) Hydrate(record bson.M) *Document {
	return m.hydrate(record, nil)
}

// hydrate wraps a record loaded with proj. Defaults fill missing paths
// except those the projection left out.
func (m *Model) hydrate(record bson.M, proj bson.D) *Document {
	d := &Document{model: m, values: bson.M{}, projection: proj}
	for k, v := range record {
		if k == "_id" {
			d.id = v
			continue
		}
		d.values[k] = bsonutil.Clone(v)
	}
	d.applyDefaults(func(path string) bool { return !projectedAway(proj, path) })
	return d
}

// projectedAway reports whether proj leaves path out of the record.
func projectedAway(proj bson.D, path string) bool {
	if len(proj) == 0 {
		return false
	}
	related := func(key string) bool {
		return key == path || strings.HasPrefix(path, key+".") || strings.HasPrefix(key, path+".")
	}
	if projectionIsInclusive(proj) {
		for _, e := range proj {
			if e.Key != "_id" && !isExclusion(e.Value) && related(e.Key) {
				return false
			}
		}
		return true
	}
	for _, e := range proj {
		if isExclusion(e.Value) && (e.Key == path || strings.HasPrefix(path, e.Key+".")) {
			return true
		}
	}
	return false
}

func normalizeID(raw any) any {
	if s, ok := raw.(string); ok {
		if oid, err := primitive.ObjectIDFromHex(s); err == nil {
			return oid
		}
	}
	return raw
}

func (d *Document) assign(src map[string]any, prefix string) {
	s := d.model.schema
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if prefix == "" && key == "_id" {
			continue
		}
		if _, isVirtual := s.virtuals[key]; isVirtual && prefix == "" {
			continue
		}
		path := join(prefix, key)
		value := src[key]

		if nested, ok := bsonutil.AsMap(value); ok && s.hasChildren(path) {
			if _, exists := bsonutil.Lookup(d.values, path); !exists {
				bsonutil.Set(d.values, path, bson.M{})
			}
			d.assign(nested, path)
			continue
		}
		if s.paths[path] != nil || !s.opts.Strict {
			bsonutil.Set(d.values, path, s.TransformValue(path, bsonutil.Clone(value)))
		}
	}
}

// applyDefaults fills missing defaulted paths accepted by keep; nil keeps all.
func (d *Document) applyDefaults(keep func(path string) bool) {
	s := d.model.schema
	for _, path := range s.order {
		if path == "_id" || (keep != nil && !keep(path)) {
			continue
		}
		f := s.paths[path]
		if !f.hasDefault() {
			continue
		}
		if _, found := bsonutil.Lookup(d.values, path); !found {
			bsonutil.Set(d.values, path, f.defaultValue())
		}
	}
}

// Model returns the model the document belongs to.
func (d *Document) Model() *Model {
	return d.model
}

// ID returns _id as an ObjectID, or the zero ObjectID when _id has another type.
func (d *Document) ID() primitive.ObjectID {
	oid, _ := d.id.(primitive.ObjectID)
	return oid
}

// IDValue returns _id as stored.
func (d *Document) IDValue() any {
	return d.id
}

func (d *Document) IsNew() bool {
	return d.isNew
}

// Get returns the value at path, its virtual, or nil when unset.
func (d *Document) Get(path string) any {
	s := d.model.schema
	if path == "_id" {
		return d.id
	}
	if v, ok := s.virtuals[path]; ok && v.getter != nil {
		return v.getter(d)
	}
	if path == "id" && s.opts.IDVirtual && s.paths["id"] == nil {
		if oid, ok := d.id.(primitive.ObjectID); ok {
			return oid.Hex()
		}
		return fmt.Sprint(d.id)
	}
	value, _ := bsonutil.Lookup(d.values, path)
	return value
}

// Has reports whether path holds a value.
func (d *Document) Has(path string) bool {
	if path == "_id" {
		return d.id != nil
	}
	_, found := bsonutil.Lookup(d.values, path)
	return found
}

// Set assigns value at path and marks it modified. Virtual setters take
// precedence; undeclared paths are ignored in strict mode, and immutable paths
// of a persisted document are rejected with IMMUTABLE_FIELD.
func (d *Document) Set(path string, value any) error {
	s := d.model.schema
	if v, ok := s.virtuals[path]; ok && v.setter != nil {
		return v.setter(d, value)
	}
	if path == "_id" {
		if !d.isNew {
			return apperrors.ErrImmutableField.WithMessage("_id cannot be changed on a saved document")
		}
		d.id = normalizeID(value)
		d.markModified(path)
		return nil
	}

	f := s.paths[path]
	if f == nil && s.opts.Strict && !s.hasChildren(path) {
		return nil
	}
	if f != nil && f.Immutable && !d.isNew {
		return apperrors.ErrImmutableField.WithMessage(fmt.Sprintf("%s is immutable", path))
	}

	if nested, ok := bsonutil.AsMap(value); ok && s.hasChildren(path) {
		bsonutil.Set(d.values, path, bson.M{})
		d.assign(nested, path)
	} else {
		bsonutil.Set(d.values, path, s.TransformValue(path, bsonutil.Clone(value)))
	}
	d.markModified(path)
	return nil
}

// Unset removes the value at path and marks it modified.
func (d *Document) Unset(path string) {
	bsonutil.Unset(d.values, path)
	d.markModified(path)
}

// MarkModified flags path as changed, for values mutated in place.
func (d *Document) MarkModified(path string) {
	d.markModified(path)
}

func (d *Document) markModified(path string) {
	for _, p := range d.modified {
		if p == path {
			return
		}
	}
	d.modified = append(d.modified, path)
}

// IsModified reports whether any path changed since load or the last save,
// or, given paths, whether any of them did.
func (d *Document) IsModified(paths ...string) bool {
	if len(paths) == 0 {
		return len(d.modified) > 0
	}
	for _, want := range paths {
		for _, p := range d.modified {
			if p == want {
				return true
			}
		}
	}
	return false
}

// ModifiedPaths returns the modified paths in the order they changed.
func (d *Document) ModifiedPaths() []string {
	return append([]string(nil), d.modified...)
}

// Validate runs the validate hooks around schema validation.
func (d *Document) Validate(ctx context.Context) error {
	s := d.model.schema
	if err := s.runPre(ctx, HookValidate, d); err != nil {
		return err
	}
	res := s.Validate(ctx, d.ToMap())
	if d.partial() {
		res = d.dropUnloaded(res)
	}
	if err := res.Err(); err != nil {
		return err
	}
	return s.runPost(ctx, HookValidate, d)
}

func (d *Document) partial() bool {
	return len(d.projection) > 0 && !d.isNew
}

// dropUnloaded removes failures on paths the projection left out.
func (d *Document) dropUnloaded(res ValidationResult) ValidationResult {
	kept := res.Errors[:0:0]
	for _, fe := range res.Errors {
		if !projectedAway(d.projection, fe.Path) {
			kept = append(kept, fe)
		}
	}
	return ValidationResult{Valid: len(kept) == 0, Errors: kept}
}

// Save runs pre-save hooks, validates, stamps timestamps, then inserts a new
// document or replaces the stored one with an incremented version. A document
// loaded through a projection is updated in place with its modified paths
// instead. Nothing is written when a hook or validation fails.
func (d *Document) Save(ctx context.Context) (err error) {
	m := d.model
	ctx, done := m.track(ctx, "save")
	defer func() { done(err) }()

	if err := m.schema.runPre(ctx, HookSave, d); err != nil {
		return err
	}
	if err := d.Validate(ctx); err != nil {
		return err
	}
	coll, err := m.coll()
	if err != nil {
		return err
	}

	restore := d.stamp(now())
	if d.isNew {
		_, err = coll.InsertOne(ctx, d.ToObject())
	} else {
		var res *store.UpdateResult
		if d.partial() {
			if update := d.partialUpdate(); len(update) > 0 {
				res, err = coll.UpdateOne(ctx, bson.M{"_id": d.id}, update, false)
			}
		} else {
			d.bumpVersion()
			res, err = coll.ReplaceOne(ctx, bson.M{"_id": d.id}, d.ToObject(), false)
		}
		if err == nil && res != nil && res.MatchedCount == 0 {
			m.log.Warn("save matched no stored document", zap.Any("_id", d.id))
		}
	}
	if err != nil {
		restore()
		return err
	}

	d.isNew = false
	d.modified = nil
	m.invalidate(ctx)
	return m.schema.runPost(ctx, HookSave, d)
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// stamp writes the timestamp paths and returns a func restoring the
// previous timestamps and version.
func (d *Document) stamp(at time.Time) func() {
	opts := d.model.schema.opts
	saved := make(map[string]any)
	remember := func(path string) {
		if path == "" {
			return
		}
		if v, ok := bsonutil.Lookup(d.values, path); ok {
			saved[path] = v
		} else {
			saved[path] = nil
		}
	}
	remember(opts.CreatedAt)
	remember(opts.UpdatedAt)
	remember(opts.VersionKey)

	if opts.Timestamps {
		if d.isNew && opts.CreatedAt != "" {
			bsonutil.Set(d.values, opts.CreatedAt, at)
		}
		if opts.UpdatedAt != "" {
			bsonutil.Set(d.values, opts.UpdatedAt, at)
		}
	}
	return func() {
		for path, v := range saved {
			if v == nil {
				bsonutil.Unset(d.values, path)
				continue
			}
			bsonutil.Set(d.values, path, v)
		}
	}
}

// partialUpdate builds the update for a document loaded through a
// projection: modified paths only, so unloaded paths keep their stored
// values. It bumps the in-memory version when one was loaded.
func (d *Document) partialUpdate() bson.M {
	opts := d.model.schema.opts
	paths := append([]string(nil), d.modified...)
	if len(paths) == 0 {
		return nil
	}
	if opts.Timestamps && opts.UpdatedAt != "" {
		paths = append(paths, opts.UpdatedAt)
	}
	sort.Strings(paths)

	set, unset := bson.M{}, bson.M{}
	var kept []string
	for _, path := range paths {
		if path == "_id" || path == opts.VersionKey || coveredBy(kept, path) {
			continue
		}
		kept = append(kept, path)
		if v, ok := bsonutil.Lookup(d.values, path); ok {
			set[path] = bsonutil.Clone(v)
		} else {
			unset[path] = ""
		}
	}

	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	if key := opts.VersionKey; key != "" {
		update["$inc"] = bson.M{key: 1}
		if _, ok := bsonutil.Lookup(d.values, key); ok {
			d.bumpVersion()
		}
	}
	return update
}

// coveredBy reports whether path equals or nests under one of prefixes.
func coveredBy(prefixes []string, path string) bool {
	for _, p := range prefixes {
		if p == path || strings.HasPrefix(path, p+".") {
			return true
		}
	}
	return false
}

func (d *Document) bumpVersion() {
	key := d.model.schema.opts.VersionKey
	if key == "" {
		return
	}
	current, _ := bsonutil.Lookup(d.values, key)
	bsonutil.Set(d.values, key, increment(current))
}

func increment(v any) any {
	switch n := v.(type) {
	case int:
		return n + 1
	case int32:
		return n + 1
	case int64:
		return n + 1
	case float64:
		return n + 1
	}
	if f, ok := bsonutil.ToFloat(v); ok {
		return int64(f) + 1
	}
	return 1
}

func (d *Document) idFilter() bson.M {
	return bson.M{"_id": d.id}
}

// Remove deletes the document by _id, running the remove hooks.
func (d *Document) Remove(ctx context.Context) (err error) {
	m := d.model
	ctx, done := m.track(ctx, "remove")
	defer func() { done(err) }()

	if err := m.schema.runPre(ctx, HookRemove, d); err != nil {
		return err
	}
	coll, err := m.coll()
	if err != nil {
		return err
	}
	if _, err := coll.DeleteOne(ctx, d.idFilter()); err != nil {
		return err
	}
	m.invalidate(ctx)
	return m.schema.runPost(ctx, HookRemove, d)
}

// DeleteOne deletes the document by _id, running the deleteOne hooks.
func (d *Document) DeleteOne(ctx context.Context) (res *store.DeleteResult, err error) {
	m := d.model
	ctx, done := m.track(ctx, "deleteOne")
	defer func() { done(err) }()

	if err := m.schema.runPre(ctx, HookDeleteOne, d); err != nil {
		return nil, err
	}
	coll, err := m.coll()
	if err != nil {
		return nil, err
	}
	res, err = coll.DeleteOne(ctx, d.idFilter())
	if err != nil {
		return nil, err
	}
	m.invalidate(ctx)
	return res, m.schema.runPost(ctx, HookDeleteOne, d)
}

// UpdateOne applies update to the stored document by _id. A bare field map is
// wrapped in $set. The in-memory values are not refreshed.
func (d *Document) UpdateOne(ctx context.Context, update bson.M) (res *store.UpdateResult, err error) {
	m := d.model
	ctx, done := m.track(ctx, "updateOne")
	defer func() { done(err) }()

	if err := m.schema.runPre(ctx, HookUpdateOne, d); err != nil {
		return nil, err
	}
	coll, err := m.coll()
	if err != nil {
		return nil, err
	}
	res, err = coll.UpdateOne(ctx, d.idFilter(), wrapUpdate(update), false)
	if err != nil {
		return nil, err
	}
	m.invalidate(ctx)
	return res, m.schema.runPost(ctx, HookUpdateOne, d)
}

// ToObject returns _id followed by every set schema path in declaration
// order, with nested objects rebuilt. Outside strict mode undeclared keys
// follow, sorted.
func (d *Document) ToObject() bson.D {
	out := bson.D{{Key: "_id", Value: d.id}}
	out = append(out, d.object("", d.values)...)
	return out
}

func (d *Document) object(prefix string, values bson.M) bson.D {
	s := d.model.schema
	var out bson.D
	declared := make(map[string]bool)
	for _, path := range s.childPaths(prefix) {
		key := path
		if prefix != "" {
			key = strings.TrimPrefix(path, prefix+".")
		}
		declared[key] = true
		if path == "_id" {
			continue
		}
		value, ok := values[key]
		if !ok {
			continue
		}
		if nested, isMap := bsonutil.AsMap(value); isMap && s.hasChildren(path) {
			out = append(out, bson.E{Key: key, Value: d.object(path, nested)})
			continue
		}
		out = append(out, bson.E{Key: key, Value: bsonutil.Clone(value)})
	}

	if !s.opts.Strict {
		var extra []string
		for k := range values {
			if !declared[k] {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		for _, k := range extra {
			out = append(out, bson.E{Key: k, Value: bsonutil.Clone(values[k])})
		}
	}
	return out
}

// ToMap returns ToObject as a plain document.
func (d *Document) ToMap() bson.M {
	m, _ := bsonutil.Normalize(d.ToObject()).(bson.M)
	return m
}

// MarshalJSON encodes ToObject as relaxed extended JSON.
func (d *Document) MarshalJSON() ([]byte, error) {
	return bson.MarshalExtJSON(d.ToObject(), false, false)
}

// Call invokes the instance method name.
func (d *Document) Call(ctx context.Context, name string, args ...any) (any, error) {
	fn, ok := d.model.schema.methods[name]
	if !ok {
		return nil, apperrors.ErrUnknownMethod.WithMessage(fmt.Sprintf("unknown method %s on %s", name, d.model.name))
	}
	return fn(ctx, d, args...)
}
