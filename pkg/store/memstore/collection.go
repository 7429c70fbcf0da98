package memstore

import (
	"context"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/jrjohn/harbor-go/internal/bsonutil"
	"github.com/jrjohn/harbor-go/pkg/store"
)

// Collection is a handle on a named collection. Handles resolve their data
// by name on every call, so they stay valid across drops.
type Collection struct {
	db   *Database
	name string
}

var _ store.Collection = (*Collection)(nil)

func (c *Collection) Name() string { return c.name }

func cloneDoc(doc bson.M) bson.M {
	return bsonutil.CloneM(doc)
}

// lock checks ctx and the database state, then acquires the data lock.
func (c *Collection) lock(ctx context.Context) (*collectionData, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	c.db.mu.Lock()
	if c.db.closed {
		c.db.mu.Unlock()
		return nil, nil, ErrClosed
	}
	return c.db.data(c.name), c.db.mu.Unlock, nil
}

// matching returns the indexes of docs that satisfy filter, ordered by spec.
func matching(data *collectionData, filter bson.M, spec bson.D) ([]int, error) {
	var idx []int
	for i, doc := range data.docs {
		ok, err := Match(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			idx = append(idx, i)
		}
	}
	if len(spec) > 0 {
		sort.SliceStable(idx, func(a, b int) bool {
			return lessBySpec(data.docs[idx[a]], data.docs[idx[b]], spec)
		})
	}
	return idx, nil
}

func (c *Collection) Find(ctx context.Context, filter bson.M, opts store.FindOptions) ([]bson.M, error) {
	data, unlock, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	idx, err := matching(data, filter, opts.Sort)
	if err != nil {
		return nil, err
	}
	idx = window(idx, opts.Skip, opts.Limit)
	out := make([]bson.M, 0, len(idx))
	for _, i := range idx {
		doc, err := project(cloneDoc(data.docs[i]), opts.Projection)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func window(idx []int, skip, limit int64) []int {
	if skip > 0 {
		if int(skip) >= len(idx) {
			return nil
		}
		idx = idx[skip:]
	}
	if limit > 0 && int(limit) < len(idx) {
		idx = idx[:limit]
	}
	return idx
}

func (c *Collection) FindOne(ctx context.Context, filter bson.M, opts store.FindOneOptions) (bson.M, error) {
	docs, err := c.Find(ctx, filter, store.FindOptions{
		Projection: opts.Projection,
		Sort:       opts.Sort,
		Skip:       opts.Skip,
		Limit:      1,
	})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (c *Collection) FindOneAndUpdate(ctx context.Context, filter, update bson.M, opts store.FindOneAndUpdateOptions) (bson.M, error) {
	data, unlock, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	idx, err := matching(data, filter, opts.Sort)
	if err != nil {
		return nil, err
	}
	if len(idx) == 0 {
		if !opts.Upsert {
			return nil, nil
		}
		doc, err := c.upsertLocked(data, filter, update)
		if err != nil || !opts.ReturnAfter {
			return nil, err
		}
		return project(cloneDoc(doc), opts.Projection)
	}

	i := idx[0]
	before := cloneDoc(data.docs[i])
	if _, err := c.updateAtLocked(data, i, update); err != nil {
		return nil, err
	}
	result := before
	if opts.ReturnAfter {
		result = cloneDoc(data.docs[i])
	}
	return project(result, opts.Projection)
}

func (c *Collection) FindOneAndDelete(ctx context.Context, filter bson.M, opts store.FindOneAndDeleteOptions) (bson.M, error) {
	data, unlock, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	idx, err := matching(data, filter, opts.Sort)
	if err != nil || len(idx) == 0 {
		return nil, err
	}
	doc := data.docs[idx[0]]
	c.removeLocked(data, []int{idx[0]})
	return project(doc, opts.Projection)
}

func (c *Collection) InsertOne(ctx context.Context, doc bson.D) (any, error) {
	data, unlock, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.insertLocked(data, doc)
}

func (c *Collection) InsertMany(ctx context.Context, docs []bson.D, ordered bool) ([]any, error) {
	data, unlock, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ids := make([]any, 0, len(docs))
	var firstErr error
	for _, doc := range docs {
		id, err := c.insertLocked(data, doc)
		if err != nil {
			if ordered {
				return ids, err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ids = append(ids, id)
	}
	return ids, firstErr
}

func (c *Collection) insertLocked(data *collectionData, doc bson.D) (any, error) {
	record, _ := bsonutil.Normalize(doc).(bson.M)
	if record == nil {
		record = bson.M{}
	}
	if _, ok := record["_id"]; !ok {
		record["_id"] = primitive.NewObjectID()
	}
	if err := checkUnique(data, record, -1); err != nil {
		return nil, fmt.Errorf("%w: collection %s.%s", err, c.db.name, c.name)
	}
	data.docs = append(data.docs, record)
	data.created = true
	c.db.emit(c.name, "insert", record["_id"], record, nil)
	return record["_id"], nil
}

func (c *Collection) upsertLocked(data *collectionData, filter, update bson.M) (bson.M, error) {
	doc := upsertSeed(filter)
	if _, err := applyUpdate(doc, update, true); err != nil {
		return nil, err
	}
	if _, ok := doc["_id"]; !ok {
		doc["_id"] = primitive.NewObjectID()
	}
	if err := checkUnique(data, doc, -1); err != nil {
		return nil, fmt.Errorf("%w: collection %s.%s", err, c.db.name, c.name)
	}
	data.docs = append(data.docs, doc)
	data.created = true
	c.db.emit(c.name, "insert", doc["_id"], doc, nil)
	return doc, nil
}

// updateAtLocked applies update to the document at index i, committing only
// when unique indexes still hold.
func (c *Collection) updateAtLocked(data *collectionData, i int, update bson.M) (bool, error) {
	next := cloneDoc(data.docs[i])
	changed, err := applyUpdate(next, update, false)
	if err != nil || !changed {
		return false, err
	}
	if err := checkUnique(data, next, i); err != nil {
		return false, fmt.Errorf("%w: collection %s.%s", err, c.db.name, c.name)
	}
	prev := data.docs[i]
	data.docs[i] = next
	c.db.emit(c.name, "update", next["_id"], next, changedFields(prev, next))
	return true, nil
}

func changedFields(before, after bson.M) bson.M {
	out := bson.M{}
	for k, v := range after {
		if old, ok := before[k]; !ok || !bsonutil.Equal(old, v) {
			out[k] = v
		}
	}
	return out
}

func (c *Collection) update(ctx context.Context, filter, update bson.M, upsert, multi bool) (*store.UpdateResult, error) {
	data, unlock, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.updateLocked(data, filter, update, upsert, multi)
}

func (c *Collection) updateLocked(data *collectionData, filter, update bson.M, upsert, multi bool) (*store.UpdateResult, error) {
	idx, err := matching(data, filter, nil)
	if err != nil {
		return nil, err
	}
	res := &store.UpdateResult{Acknowledged: true}
	if len(idx) == 0 {
		if !upsert {
			return res, nil
		}
		doc, err := c.upsertLocked(data, filter, update)
		if err != nil {
			return nil, err
		}
		res.UpsertedCount = 1
		res.UpsertedID = doc["_id"]
		return res, nil
	}
	if !multi {
		idx = idx[:1]
	}
	for _, i := range idx {
		res.MatchedCount++
		changed, err := c.updateAtLocked(data, i, update)
		if err != nil {
			return res, err
		}
		if changed {
			res.ModifiedCount++
		}
	}
	return res, nil
}

func (c *Collection) UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (*store.UpdateResult, error) {
	return c.update(ctx, filter, update, upsert, false)
}

func (c *Collection) UpdateMany(ctx context.Context, filter, update bson.M, upsert bool) (*store.UpdateResult, error) {
	return c.update(ctx, filter, update, upsert, true)
}

func (c *Collection) ReplaceOne(ctx context.Context, filter bson.M, replacement bson.D, upsert bool) (*store.UpdateResult, error) {
	data, unlock, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.replaceLocked(data, filter, replacement, upsert)
}

func (c *Collection) replaceLocked(data *collectionData, filter bson.M, replacement bson.D, upsert bool) (*store.UpdateResult, error) {
	for _, e := range replacement {
		if len(e.Key) > 0 && e.Key[0] == '$' {
			return nil, fmt.Errorf("memstore: replacement document must not contain update operators")
		}
	}
	next, _ := bsonutil.Normalize(replacement).(bson.M)
	if next == nil {
		next = bson.M{}
	}

	idx, err := matching(data, filter, nil)
	if err != nil {
		return nil, err
	}
	res := &store.UpdateResult{Acknowledged: true}
	if len(idx) == 0 {
		if !upsert {
			return res, nil
		}
		if _, ok := next["_id"]; !ok {
			if id, found := upsertSeed(filter)["_id"]; found {
				next["_id"] = id
			} else {
				next["_id"] = primitive.NewObjectID()
			}
		}
		if err := checkUnique(data, next, -1); err != nil {
			return nil, fmt.Errorf("%w: collection %s.%s", err, c.db.name, c.name)
		}
		data.docs = append(data.docs, next)
		data.created = true
		c.db.emit(c.name, "insert", next["_id"], next, nil)
		res.UpsertedCount = 1
		res.UpsertedID = next["_id"]
		return res, nil
	}

	i := idx[0]
	prev := data.docs[i]
	if id, ok := next["_id"]; ok && !bsonutil.Equal(id, prev["_id"]) {
		return nil, fmt.Errorf("memstore: the _id field cannot be changed by a replacement")
	}
	next["_id"] = prev["_id"]
	if err := checkUnique(data, next, i); err != nil {
		return nil, fmt.Errorf("%w: collection %s.%s", err, c.db.name, c.name)
	}
	res.MatchedCount = 1
	if !bsonutil.Equal(prev, next) {
		res.ModifiedCount = 1
	}
	data.docs[i] = next
	c.db.emit(c.name, "replace", next["_id"], next, nil)
	return res, nil
}

func (c *Collection) delete(ctx context.Context, filter bson.M, multi bool) (*store.DeleteResult, error) {
	data, unlock, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.deleteLocked(data, filter, multi)
}

func (c *Collection) deleteLocked(data *collectionData, filter bson.M, multi bool) (*store.DeleteResult, error) {
	idx, err := matching(data, filter, nil)
	if err != nil {
		return nil, err
	}
	if !multi && len(idx) > 1 {
		idx = idx[:1]
	}
	c.removeLocked(data, idx)
	return &store.DeleteResult{Acknowledged: true, DeletedCount: int64(len(idx))}, nil
}

func (c *Collection) removeLocked(data *collectionData, idx []int) {
	if len(idx) == 0 {
		return
	}
	drop := make(map[int]bool, len(idx))
	for _, i := range idx {
		drop[i] = true
	}
	kept := data.docs[:0:0]
	for i, doc := range data.docs {
		if drop[i] {
			c.db.emit(c.name, "delete", doc["_id"], nil, nil)
			continue
		}
		kept = append(kept, doc)
	}
	data.docs = kept
}

func (c *Collection) DeleteOne(ctx context.Context, filter bson.M) (*store.DeleteResult, error) {
	return c.delete(ctx, filter, false)
}

func (c *Collection) DeleteMany(ctx context.Context, filter bson.M) (*store.DeleteResult, error) {
	return c.delete(ctx, filter, true)
}

// BulkWrite applies models under a single lock. An ordered write stops at the
// first failure; an unordered write continues and reports the first error.
func (c *Collection) BulkWrite(ctx context.Context, models []store.WriteModel, ordered bool) (*store.BulkWriteResult, error) {
	data, unlock, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := &store.BulkWriteResult{
		InsertedIDs: map[int64]any{},
		UpsertedIDs: map[int64]any{},
	}
	var firstErr error
	for n, m := range models {
		err := c.applyModel(data, int64(n), m, res)
		if err == nil {
			continue
		}
		if ordered {
			return res, err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return res, firstErr
}

func (c *Collection) applyModel(data *collectionData, n int64, m store.WriteModel, res *store.BulkWriteResult) error {
	filter := m.Filter
	if filter == nil {
		filter = bson.M{}
	}
	switch m.Kind {
	case store.WriteInsertOne:
		id, err := c.insertLocked(data, m.Document)
		if err != nil {
			return err
		}
		res.InsertedCount++
		res.InsertedIDs[n] = id
	case store.WriteUpdateOne, store.WriteUpdateMany:
		r, err := c.updateLocked(data, filter, m.Update, m.Upsert, m.Kind == store.WriteUpdateMany)
		if err != nil {
			return err
		}
		mergeUpdate(res, n, r)
	case store.WriteReplaceOne:
		r, err := c.replaceLocked(data, filter, m.Replacement, m.Upsert)
		if err != nil {
			return err
		}
		mergeUpdate(res, n, r)
	case store.WriteDeleteOne, store.WriteDeleteMany:
		r, err := c.deleteLocked(data, filter, m.Kind == store.WriteDeleteMany)
		if err != nil {
			return err
		}
		res.DeletedCount += r.DeletedCount
	default:
		return fmt.Errorf("memstore: unknown bulk write kind %q", m.Kind)
	}
	return nil
}

func mergeUpdate(res *store.BulkWriteResult, n int64, r *store.UpdateResult) {
	res.MatchedCount += r.MatchedCount
	res.ModifiedCount += r.ModifiedCount
	res.UpsertedCount += r.UpsertedCount
	if r.UpsertedID != nil {
		res.UpsertedIDs[n] = r.UpsertedID
	}
}

func (c *Collection) CountDocuments(ctx context.Context, filter bson.M) (int64, error) {
	data, unlock, err := c.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	idx, err := matching(data, filter, nil)
	return int64(len(idx)), err
}

func (c *Collection) EstimatedDocumentCount(ctx context.Context) (int64, error) {
	data, unlock, err := c.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return int64(len(data.docs)), nil
}

func (c *Collection) Aggregate(ctx context.Context, pipeline []bson.M) ([]bson.M, error) {
	data, unlock, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	docs := make([]bson.M, len(data.docs))
	for i, doc := range data.docs {
		docs[i] = cloneDoc(doc)
	}
	unlock()
	return runPipeline(docs, pipeline)
}

func (c *Collection) Distinct(ctx context.Context, field string, filter bson.M) ([]any, error) {
	data, unlock, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	idx, err := matching(data, filter, nil)
	if err != nil {
		return nil, err
	}
	out := []any{}
	for _, i := range idx {
		for _, v := range bsonutil.LookupAll(data.docs[i], field) {
			values := []any{v}
			if arr, ok := bsonutil.AsArray(v); ok {
				values = arr
			}
			for _, val := range values {
				if !containsValue(out, val) {
					out = append(out, bsonutil.Clone(val))
				}
			}
		}
	}
	return out, nil
}

func (c *Collection) Watch(ctx context.Context, pipeline []bson.M, opts store.WatchOptions) (store.ChangeStream, error) {
	if err := c.db.check(ctx); err != nil {
		return nil, err
	}
	cs := &changeStream{
		db:           c.db,
		collection:   c.name,
		fullDocument: opts.FullDocument,
		events:       make(chan bson.M, streamBuffer),
		done:         make(chan struct{}),
	}
	for _, stage := range pipeline {
		filter, ok := bsonutil.AsMap(stage["$match"])
		if len(stage) != 1 || !ok {
			return nil, fmt.Errorf("memstore: change streams support only $match stages")
		}
		cs.filters = append(cs.filters, filter)
	}
	c.db.addWatcher(cs)
	return cs, nil
}
