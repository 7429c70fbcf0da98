package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jrjohn/harbor-go/pkg/store"
)

// Collection adapts *mongo.Collection to store.Collection.
type Collection struct {
	coll *mongo.Collection
}

func (c *Collection) Name() string { return c.coll.Name() }

func orEmpty(filter bson.M) bson.M {
	if filter == nil {
		return bson.M{}
	}
	return filter
}

func findOptions(opts store.FindOptions) *options.FindOptions {
	o := options.Find()
	if opts.Projection != nil {
		o.SetProjection(opts.Projection)
	}
	if len(opts.Sort) > 0 {
		o.SetSort(opts.Sort)
	}
	if opts.Skip > 0 {
		o.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		o.SetLimit(opts.Limit)
	}
	return o
}

func (c *Collection) Find(ctx context.Context, filter bson.M, opts store.FindOptions) ([]bson.M, error) {
	cursor, err := c.coll.Find(ctx, orEmpty(filter), findOptions(opts))
	if err != nil {
		return nil, err
	}
	return drain(ctx, cursor)
}

func drain(ctx context.Context, cursor *mongo.Cursor) ([]bson.M, error) {
	defer cursor.Close(ctx)
	var out []bson.M
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i] = normalize(out[i])
	}
	return out, nil
}

func decodeOne(res *mongo.SingleResult) (bson.M, error) {
	var out bson.M
	if err := res.Decode(&out); err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, translate(err)
	}
	return normalize(out), nil
}

func (c *Collection) FindOne(ctx context.Context, filter bson.M, opts store.FindOneOptions) (bson.M, error) {
	o := options.FindOne()
	if opts.Projection != nil {
		o.SetProjection(opts.Projection)
	}
	if len(opts.Sort) > 0 {
		o.SetSort(opts.Sort)
	}
	if opts.Skip > 0 {
		o.SetSkip(opts.Skip)
	}
	return decodeOne(c.coll.FindOne(ctx, orEmpty(filter), o))
}

func (c *Collection) FindOneAndUpdate(ctx context.Context, filter, update bson.M, opts store.FindOneAndUpdateOptions) (bson.M, error) {
	o := options.FindOneAndUpdate().SetUpsert(opts.Upsert)
	if opts.ReturnAfter {
		o.SetReturnDocument(options.After)
	}
	if opts.Projection != nil {
		o.SetProjection(opts.Projection)
	}
	if len(opts.Sort) > 0 {
		o.SetSort(opts.Sort)
	}
	return decodeOne(c.coll.FindOneAndUpdate(ctx, orEmpty(filter), update, o))
}

func (c *Collection) FindOneAndDelete(ctx context.Context, filter bson.M, opts store.FindOneAndDeleteOptions) (bson.M, error) {
	o := options.FindOneAndDelete()
	if opts.Projection != nil {
		o.SetProjection(opts.Projection)
	}
	if len(opts.Sort) > 0 {
		o.SetSort(opts.Sort)
	}
	return decodeOne(c.coll.FindOneAndDelete(ctx, orEmpty(filter), o))
}

func (c *Collection) InsertOne(ctx context.Context, doc bson.D) (any, error) {
	res, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, translate(err)
	}
	return res.InsertedID, nil
}

func (c *Collection) InsertMany(ctx context.Context, docs []bson.D, ordered bool) ([]any, error) {
	batch := make([]interface{}, len(docs))
	for i, d := range docs {
		batch[i] = d
	}
	res, err := c.coll.InsertMany(ctx, batch, options.InsertMany().SetOrdered(ordered))
	if err != nil {
		var ids []any
		if res != nil {
			ids = res.InsertedIDs
		}
		return ids, translate(err)
	}
	return res.InsertedIDs, nil
}

func updateResult(res *mongo.UpdateResult) *store.UpdateResult {
	return &store.UpdateResult{
		Acknowledged:  true,
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		UpsertedCount: res.UpsertedCount,
		UpsertedID:    res.UpsertedID,
	}
}

func (c *Collection) UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (*store.UpdateResult, error) {
	res, err := c.coll.UpdateOne(ctx, orEmpty(filter), update, options.Update().SetUpsert(upsert))
	if err != nil {
		return nil, translate(err)
	}
	return updateResult(res), nil
}

func (c *Collection) UpdateMany(ctx context.Context, filter, update bson.M, upsert bool) (*store.UpdateResult, error) {
	res, err := c.coll.UpdateMany(ctx, orEmpty(filter), update, options.Update().SetUpsert(upsert))
	if err != nil {
		return nil, translate(err)
	}
	return updateResult(res), nil
}

func (c *Collection) ReplaceOne(ctx context.Context, filter bson.M, replacement bson.D, upsert bool) (*store.UpdateResult, error) {
	res, err := c.coll.ReplaceOne(ctx, orEmpty(filter), replacement, options.Replace().SetUpsert(upsert))
	if err != nil {
		return nil, translate(err)
	}
	return updateResult(res), nil
}

func (c *Collection) DeleteOne(ctx context.Context, filter bson.M) (*store.DeleteResult, error) {
	res, err := c.coll.DeleteOne(ctx, orEmpty(filter))
	if err != nil {
		return nil, err
	}
	return &store.DeleteResult{Acknowledged: true, DeletedCount: res.DeletedCount}, nil
}

func (c *Collection) DeleteMany(ctx context.Context, filter bson.M) (*store.DeleteResult, error) {
	res, err := c.coll.DeleteMany(ctx, orEmpty(filter))
	if err != nil {
		return nil, err
	}
	return &store.DeleteResult{Acknowledged: true, DeletedCount: res.DeletedCount}, nil
}

func writeModels(models []store.WriteModel) ([]mongo.WriteModel, error) {
	out := make([]mongo.WriteModel, 0, len(models))
	for _, m := range models {
		switch m.Kind {
		case store.WriteInsertOne:
			out = append(out, mongo.NewInsertOneModel().SetDocument(m.Document))
		case store.WriteUpdateOne:
			out = append(out, mongo.NewUpdateOneModel().SetFilter(orEmpty(m.Filter)).SetUpdate(m.Update).SetUpsert(m.Upsert))
		case store.WriteUpdateMany:
			out = append(out, mongo.NewUpdateManyModel().SetFilter(orEmpty(m.Filter)).SetUpdate(m.Update).SetUpsert(m.Upsert))
		case store.WriteReplaceOne:
			out = append(out, mongo.NewReplaceOneModel().SetFilter(orEmpty(m.Filter)).SetReplacement(m.Replacement).SetUpsert(m.Upsert))
		case store.WriteDeleteOne:
			out = append(out, mongo.NewDeleteOneModel().SetFilter(orEmpty(m.Filter)))
		case store.WriteDeleteMany:
			out = append(out, mongo.NewDeleteManyModel().SetFilter(orEmpty(m.Filter)))
		default:
			return nil, store.ErrUnsupported
		}
	}
	return out, nil
}

// insertedIDs reads the _id of each insert model; the driver only reports
// upserted IDs.
func insertedIDs(models []store.WriteModel) map[int64]any {
	ids := make(map[int64]any)
	for i, m := range models {
		if m.Kind != store.WriteInsertOne {
			continue
		}
		for _, e := range m.Document {
			if e.Key == "_id" {
				ids[int64(i)] = e.Value
			}
		}
	}
	return ids
}

func (c *Collection) BulkWrite(ctx context.Context, models []store.WriteModel, ordered bool) (*store.BulkWriteResult, error) {
	wm, err := writeModels(models)
	if err != nil {
		return nil, err
	}
	res, err := c.coll.BulkWrite(ctx, wm, options.BulkWrite().SetOrdered(ordered))
	if err != nil {
		return nil, translate(err)
	}
	return &store.BulkWriteResult{
		InsertedCount: res.InsertedCount,
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		DeletedCount:  res.DeletedCount,
		UpsertedCount: res.UpsertedCount,
		InsertedIDs:   insertedIDs(models),
		UpsertedIDs:   res.UpsertedIDs,
	}, nil
}

func (c *Collection) CountDocuments(ctx context.Context, filter bson.M) (int64, error) {
	return c.coll.CountDocuments(ctx, orEmpty(filter))
}

func (c *Collection) EstimatedDocumentCount(ctx context.Context) (int64, error) {
	return c.coll.EstimatedDocumentCount(ctx)
}

func (c *Collection) Aggregate(ctx context.Context, pipeline []bson.M) ([]bson.M, error) {
	if pipeline == nil {
		pipeline = []bson.M{}
	}
	cursor, err := c.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	return drain(ctx, cursor)
}

func (c *Collection) Distinct(ctx context.Context, field string, filter bson.M) ([]any, error) {
	return c.coll.Distinct(ctx, field, orEmpty(filter))
}

func indexModels(models []store.IndexModel) []mongo.IndexModel {
	out := make([]mongo.IndexModel, len(models))
	for i, m := range models {
		o := options.Index()
		if m.Name != "" {
			o.SetName(m.Name)
		}
		if m.Unique {
			o.SetUnique(true)
		}
		if m.Sparse {
			o.SetSparse(true)
		}
		if m.ExpireAfterSeconds != nil {
			o.SetExpireAfterSeconds(*m.ExpireAfterSeconds)
		}
		if m.PartialFilter != nil {
			o.SetPartialFilterExpression(m.PartialFilter)
		}
		out[i] = mongo.IndexModel{Keys: m.Keys, Options: o}
	}
	return out
}

func (c *Collection) CreateIndexes(ctx context.Context, models []store.IndexModel) ([]string, error) {
	if len(models) == 0 {
		return nil, nil
	}
	return c.coll.Indexes().CreateMany(ctx, indexModels(models))
}

func (c *Collection) ListIndexes(ctx context.Context) ([]bson.M, error) {
	cursor, err := c.coll.Indexes().List(ctx)
	if err != nil {
		return nil, err
	}
	return drain(ctx, cursor)
}

func (c *Collection) DropIndex(ctx context.Context, name string) error {
	_, err := c.coll.Indexes().DropOne(ctx, name)
	return err
}

func (c *Collection) Watch(ctx context.Context, pipeline []bson.M, opts store.WatchOptions) (store.ChangeStream, error) {
	if pipeline == nil {
		pipeline = []bson.M{}
	}
	o := options.ChangeStream()
	if opts.FullDocument != "" {
		o.SetFullDocument(options.FullDocument(opts.FullDocument))
	}
	cs, err := c.coll.Watch(ctx, pipeline, o)
	if err != nil {
		return nil, err
	}
	return &changeStream{cs: cs}, nil
}

type changeStream struct {
	cs      *mongo.ChangeStream
	current bson.M
	err     error
}

func (s *changeStream) Next(ctx context.Context) bool {
	if !s.cs.Next(ctx) {
		return false
	}
	var event bson.M
	if err := s.cs.Decode(&event); err != nil {
		s.err = err
		return false
	}
	s.current = normalize(event)
	return true
}

func (s *changeStream) Current() bson.M { return s.current }

func (s *changeStream) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.cs.Err()
}

func (s *changeStream) Close(ctx context.Context) error {
	return s.cs.Close(ctx)
}
