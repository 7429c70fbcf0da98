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

	apperrors "github.com/jrjohn/harbor-go/pkg/errors"
	"github.com/jrjohn/harbor-go/pkg/store"
)

// Model binds a Schema to a named collection.
type Model struct {
	name       string
	schema     *Schema
	collection string
	conn       *Connection
	log        *zap.Logger
}

func (m *Model) Name() string { return m.name }

func (m *Model) Schema() *Schema { return m.schema }

// CollectionName returns the resolved collection name.
func (m *Model) CollectionName() string { return m.collection }

// Collection returns the backing collection handle.
func (m *Model) Collection() (store.Collection, error) {
	return m.coll()
}

func (m *Model) coll() (store.Collection, error) {
	if m.conn == nil {
		return nil, apperrors.NotConnected(m.collection)
	}
	return m.conn.Collection(m.collection)
}

func (m *Model) observer() Observer {
	if m.conn == nil {
		return NopObserver{}
	}
	return m.conn.observer
}

func (m *Model) cache() Cache {
	if m.conn == nil {
		return nil
	}
	return m.conn.cache
}

// track reports an operation to the observer and logs its outcome at Debug.
func (m *Model) track(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, finish := m.observer().ObserveOperation(ctx, m.collection, op)
	start := time.Now()
	return ctx, func(err error) {
		finish(err)
		if err != nil {
			m.log.Debug("operation failed",
				zap.String("operation", op),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			return
		}
		m.log.Debug("operation", zap.String("operation", op), zap.Duration("duration", time.Since(start)))
	}
}

// invalidate drops cached query results for the collection after a write.
func (m *Model) invalidate(ctx context.Context) {
	c := m.cache()
	if c == nil {
		return
	}
	if err := c.Invalidate(ctx, m.collection); err != nil {
		m.log.Warn("cache invalidation failed", zap.Error(err))
	}
}

// wrapUpdate wraps a bare field map in $set. Updates with any top-level
// operator key are passed through untouched.
func wrapUpdate(update bson.M) bson.M {
	if len(update) == 0 {
		return update
	}
	for k := range update {
		if strings.HasPrefix(k, "$") {
			return update
		}
	}
	return bson.M{"$set": update}
}

func orEmpty(filter bson.M) bson.M {
	if filter == nil {
		return bson.M{}
	}
	return filter
}

// QueryOptions are applied to a query created by a Model finder.
type QueryOptions struct {
	Select     string
	Projection bson.D
	Sort       string
	SortBy     bson.D
	Limit      int64
	Skip       int64
	Lean       bool
	// New returns the updated record from findOneAndUpdate.
	New    bool
	Upsert bool
	// Cache enables the lean result cache for this query.
	Cache time.Duration
}

func (m *Model) query(op QueryOp, filter, update bson.M, opts []QueryOptions) *Query {
	q := newQuery(m, op, orEmpty(filter), update)
	for _, o := range opts {
		q.SetOptions(o)
	}
	return q
}

func (m *Model) Find(filter bson.M, opts ...QueryOptions) *Query {
	return m.query(OpFind, filter, nil, opts)
}

func (m *Model) FindOne(filter bson.M, opts ...QueryOptions) *Query {
	return m.query(OpFindOne, filter, nil, opts)
}

// idFilter converts hex strings to ObjectIDs; an invalid hex string yields a
// query failing with INVALID_ID.
func idFilter(id any) (bson.M, error) {
	if s, ok := id.(string); ok {
		oid, err := primitive.ObjectIDFromHex(s)
		if err != nil {
			return nil, apperrors.ErrInvalidID.WithMessage(fmt.Sprintf("invalid object id %q", s)).WithError(err)
		}
		return bson.M{"_id": oid}, nil
	}
	return bson.M{"_id": id}, nil
}

func (m *Model) byID(op QueryOp, id any, update bson.M, opts []QueryOptions) *Query {
	filter, err := idFilter(id)
	q := m.query(op, filter, update, opts)
	if err != nil {
		q.err = err
	}
	return q
}

func (m *Model) FindByID(id any, opts ...QueryOptions) *Query {
	return m.byID(OpFindOne, id, nil, opts)
}

func (m *Model) FindOneAndUpdate(filter, update bson.M, opts ...QueryOptions) *Query {
	return m.query(OpFindOneAndUpdate, filter, update, opts)
}

func (m *Model) FindByIDAndUpdate(id any, update bson.M, opts ...QueryOptions) *Query {
	return m.byID(OpFindOneAndUpdate, id, update, opts)
}

func (m *Model) FindOneAndDelete(filter bson.M, opts ...QueryOptions) *Query {
	return m.query(OpFindOneAndDelete, filter, nil, opts)
}

func (m *Model) FindByIDAndDelete(id any, opts ...QueryOptions) *Query {
	return m.byID(OpFindOneAndDelete, id, nil, opts)
}

// Create builds and saves one document.
func (m *Model) Create(ctx context.Context, data bson.M) (*Document, error) {
	d := m.New(data)
	if err := d.Save(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateMany creates documents one at a time, in order, and stops at the
// first failure. The documents saved before the failure are returned with it.
func (m *Model) CreateMany(ctx context.Context, data []bson.M) ([]*Document, error) {
	docs := make([]*Document, 0, len(data))
	for i, item := range data {
		d, err := m.Create(ctx, item)
		if err != nil {
			return docs, fmt.Errorf("create document %d: %w", i, err)
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// InsertManyOptions configures InsertMany.
type InsertManyOptions struct {
	// Unordered lets the store continue past a failed insert.
	Unordered bool
}

// InsertManyResult reports an InsertMany batch.
type InsertManyResult struct {
	InsertedCount int
	InsertedIDs   []any
	Docs          []*Document
}

// InsertMany validates every document, with defaults and timestamps applied,
// before issuing a single batch insert. Save hooks do not run; the
// insertMany hooks run around the batch with a nil document.
func (m *Model) InsertMany(ctx context.Context, data []bson.M, opts ...InsertManyOptions) (res *InsertManyResult, err error) {
	ctx, done := m.track(ctx, "insertMany")
	defer func() { done(err) }()

	var o InsertManyOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if err := m.schema.runPre(ctx, HookInsertMany, nil); err != nil {
		return nil, err
	}

	at := now()
	docs := make([]*Document, len(data))
	batch := make([]bson.D, len(data))
	for i, item := range data {
		d := m.New(item)
		d.stamp(at)
		if err := m.schema.Validate(ctx, d.ToMap()).Err(); err != nil {
			return nil, fmt.Errorf("insertMany document %d: %w", i, err)
		}
		docs[i] = d
		batch[i] = d.ToObject()
	}
	if len(batch) == 0 {
		return &InsertManyResult{}, nil
	}

	coll, err := m.coll()
	if err != nil {
		return nil, err
	}
	ids, err := coll.InsertMany(ctx, batch, !o.Unordered)
	if len(ids) > 0 {
		m.invalidate(ctx)
	}
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		d.isNew = false
	}
	res = &InsertManyResult{InsertedCount: len(ids), InsertedIDs: ids, Docs: docs}
	return res, m.schema.runPost(ctx, HookInsertMany, nil)
}

// UpdateOptions configures direct updates and replaces.
type UpdateOptions struct {
	Upsert bool
}

func upsertOf(opts []UpdateOptions) bool {
	return len(opts) > 0 && opts[0].Upsert
}

// UpdateOne updates the first match. A bare field map is wrapped in $set.
func (m *Model) UpdateOne(ctx context.Context, filter, update bson.M, opts ...UpdateOptions) (res *store.UpdateResult, err error) {
	return m.update(ctx, HookUpdateOne, filter, update, upsertOf(opts), false)
}

// UpdateMany updates every match. A bare field map is wrapped in $set.
func (m *Model) UpdateMany(ctx context.Context, filter, update bson.M, opts ...UpdateOptions) (res *store.UpdateResult, err error) {
	return m.update(ctx, HookUpdateMany, filter, update, upsertOf(opts), true)
}

func (m *Model) update(ctx context.Context, event HookEvent, filter, update bson.M, upsert, many bool) (res *store.UpdateResult, err error) {
	ctx, done := m.track(ctx, string(event))
	defer func() { done(err) }()

	if err := m.schema.runPre(ctx, event, nil); err != nil {
		return nil, err
	}
	coll, err := m.coll()
	if err != nil {
		return nil, err
	}
	if many {
		res, err = coll.UpdateMany(ctx, orEmpty(filter), wrapUpdate(update), upsert)
	} else {
		res, err = coll.UpdateOne(ctx, orEmpty(filter), wrapUpdate(update), upsert)
	}
	if err != nil {
		return nil, err
	}
	m.invalidate(ctx)
	return res, m.schema.runPost(ctx, event, nil)
}

// ReplaceOne replaces the first match wholesale. No hooks run.
func (m *Model) ReplaceOne(ctx context.Context, filter, replacement bson.M, opts ...UpdateOptions) (res *store.UpdateResult, err error) {
	ctx, done := m.track(ctx, "replaceOne")
	defer func() { done(err) }()

	coll, err := m.coll()
	if err != nil {
		return nil, err
	}
	res, err = coll.ReplaceOne(ctx, orEmpty(filter), orderedRecord(replacement), upsertOf(opts))
	if err != nil {
		return nil, err
	}
	m.invalidate(ctx)
	return res, nil
}

// orderedRecord returns record as a bson.D with _id first and the remaining
// keys sorted.
func orderedRecord(record bson.M) bson.D {
	keys := make([]string, 0, len(record))
	for k := range record {
		if k != "_id" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make(bson.D, 0, len(record))
	if id, ok := record["_id"]; ok {
		out = append(out, bson.E{Key: "_id", Value: id})
	}
	for _, k := range keys {
		out = append(out, bson.E{Key: k, Value: record[k]})
	}
	return out
}

func (m *Model) DeleteOne(ctx context.Context, filter bson.M) (*store.DeleteResult, error) {
	return m.delete(ctx, HookDeleteOne, filter, false)
}

func (m *Model) DeleteMany(ctx context.Context, filter bson.M) (*store.DeleteResult, error) {
	return m.delete(ctx, HookDeleteMany, filter, true)
}

func (m *Model) delete(ctx context.Context, event HookEvent, filter bson.M, many bool) (res *store.DeleteResult, err error) {
	ctx, done := m.track(ctx, string(event))
	defer func() { done(err) }()

	if err := m.schema.runPre(ctx, event, nil); err != nil {
		return nil, err
	}
	coll, err := m.coll()
	if err != nil {
		return nil, err
	}
	if many {
		res, err = coll.DeleteMany(ctx, orEmpty(filter))
	} else {
		res, err = coll.DeleteOne(ctx, orEmpty(filter))
	}
	if err != nil {
		return nil, err
	}
	m.invalidate(ctx)
	return res, m.schema.runPost(ctx, event, nil)
}

func (m *Model) CountDocuments(ctx context.Context, filter bson.M) (n int64, err error) {
	ctx, done := m.track(ctx, "countDocuments")
	defer func() { done(err) }()

	coll, err := m.coll()
	if err != nil {
		return 0, err
	}
	return coll.CountDocuments(ctx, orEmpty(filter))
}

func (m *Model) EstimatedDocumentCount(ctx context.Context) (n int64, err error) {
	ctx, done := m.track(ctx, "estimatedDocumentCount")
	defer func() { done(err) }()

	coll, err := m.coll()
	if err != nil {
		return 0, err
	}
	return coll.EstimatedDocumentCount(ctx)
}

func (m *Model) Aggregate(ctx context.Context, pipeline []bson.M) (out []bson.M, err error) {
	ctx, done := m.track(ctx, "aggregate")
	defer func() { done(err) }()

	coll, err := m.coll()
	if err != nil {
		return nil, err
	}
	return coll.Aggregate(ctx, pipeline)
}

func (m *Model) Distinct(ctx context.Context, field string, filter bson.M) (out []any, err error) {
	ctx, done := m.track(ctx, "distinct")
	defer func() { done(err) }()

	coll, err := m.coll()
	if err != nil {
		return nil, err
	}
	return coll.Distinct(ctx, field, orEmpty(filter))
}

// Exists returns the _id of the first match.
func (m *Model) Exists(ctx context.Context, filter bson.M) (id any, found bool, err error) {
	rec, err := m.FindOne(filter).Select("_id").Lean().Exec(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(rec.Records) == 0 {
		return nil, false, nil
	}
	return rec.Records[0]["_id"], true, nil
}

// BulkWriteOptions configures BulkWrite.
type BulkWriteOptions struct {
	Unordered bool
}

func (m *Model) BulkWrite(ctx context.Context, models []store.WriteModel, opts ...BulkWriteOptions) (res *store.BulkWriteResult, err error) {
	ctx, done := m.track(ctx, "bulkWrite")
	defer func() { done(err) }()

	coll, err := m.coll()
	if err != nil {
		return nil, err
	}
	ordered := len(opts) == 0 || !opts[0].Unordered
	res, err = coll.BulkWrite(ctx, models, ordered)
	m.invalidate(ctx)
	return res, err
}

// CreateIndex creates one index and returns its name.
func (m *Model) CreateIndex(ctx context.Context, keys bson.D, opts IndexOptions) (string, error) {
	names, err := m.CreateIndexes(ctx, []store.IndexModel{indexModel(keys, opts)})
	if err != nil {
		return "", err
	}
	return names[0], nil
}

func (m *Model) CreateIndexes(ctx context.Context, models []store.IndexModel) (names []string, err error) {
	ctx, done := m.track(ctx, "createIndexes")
	defer func() { done(err) }()

	coll, err := m.coll()
	if err != nil {
		return nil, err
	}
	return coll.CreateIndexes(ctx, models)
}

func (m *Model) ListIndexes(ctx context.Context) (out []bson.M, err error) {
	ctx, done := m.track(ctx, "listIndexes")
	defer func() { done(err) }()

	coll, err := m.coll()
	if err != nil {
		return nil, err
	}
	return coll.ListIndexes(ctx)
}

func (m *Model) DropIndex(ctx context.Context, name string) (err error) {
	ctx, done := m.track(ctx, "dropIndex")
	defer func() { done(err) }()

	coll, err := m.coll()
	if err != nil {
		return err
	}
	return coll.DropIndex(ctx, name)
}

// IndexSyncResult reports SyncIndexes.
type IndexSyncResult struct {
	Created []string
	Dropped []string
}

// SyncIndexes creates the schema's indexes and drops stored indexes the
// schema no longer declares. The _id index is never dropped.
func (m *Model) SyncIndexes(ctx context.Context) (*IndexSyncResult, error) {
	res := &IndexSyncResult{}
	declared := m.schema.IndexModels()
	if len(declared) > 0 {
		names, err := m.CreateIndexes(ctx, declared)
		if err != nil {
			return nil, err
		}
		res.Created = names
	}

	keep := map[string]bool{"_id_": true}
	for _, d := range declared {
		keep[d.IndexName()] = true
	}
	existing, err := m.ListIndexes(ctx)
	if err != nil {
		return nil, err
	}
	for _, idx := range existing {
		name, _ := idx["name"].(string)
		if name == "" || keep[name] {
			continue
		}
		if err := m.DropIndex(ctx, name); err != nil {
			return nil, err
		}
		res.Dropped = append(res.Dropped, name)
	}
	return res, nil
}

// Watch opens a change stream on the collection.
func (m *Model) Watch(ctx context.Context, pipeline []bson.M, opts ...store.WatchOptions) (store.ChangeStream, error) {
	coll, err := m.coll()
	if err != nil {
		return nil, err
	}
	var o store.WatchOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return coll.Watch(ctx, pipeline, o)
}

// Call invokes the static method name.
func (m *Model) Call(ctx context.Context, name string, args ...any) (any, error) {
	fn, ok := m.schema.statics[name]
	if !ok {
		return nil, apperrors.ErrUnknownMethod.WithMessage(fmt.Sprintf("unknown static %s on %s", name, m.name))
	}
	return fn(ctx, m, args...)
}
