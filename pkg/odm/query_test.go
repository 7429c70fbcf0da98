package odm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	apperrors "github.com/jrjohn/harbor-go/pkg/errors"
)

func seedUsers(t *testing.T, m *Model) {
	t.Helper()
	_, err := m.InsertMany(context.Background(), []bson.M{
		{"email": "kid@x.io", "name": "Kid", "age": 12, "password": "k"},
		{"email": "ann@x.io", "name": "Ann", "age": 25, "password": "a"},
		{"email": "bob@x.io", "name": "Bob", "age": 40, "password": "b"},
		{"email": "old@x.io", "name": "Old", "age": 80, "password": "o"},
	})
	require.NoError(t, err)
}

func names(docs []*Document) []any {
	out := make([]any, len(docs))
	for i, d := range docs {
		out[i] = d.Get("name")
	}
	return out
}

func TestQuery_FilterOperatorsMerge(t *testing.T) {
	q := NewRegistry(nil, nil).Model("User", userSchema()).Find(nil).Where("age").Gte(18).Lte(65)

	require.NoError(t, q.Err())
	assert.Equal(t, bson.M{"age": bson.M{"$gte": 18, "$lte": 65}}, q.Filter())

	q.Where("name").In("Ann", "Bob").Where("email").Exists()
	assert.Equal(t, bson.M{"$in": bson.A{"Ann", "Bob"}}, q.Filter()["name"])
	assert.Equal(t, bson.M{"$exists": true}, q.Filter()["email"])

	q.Where("age").Equals(3)
	assert.Equal(t, 3, q.Filter()["age"])
}

func TestQuery_OperatorWithoutPath(t *testing.T) {
	q := NewRegistry(nil, nil).Model("User", userSchema()).Find(nil).Gt(1)
	require.Error(t, q.Err())
	assert.Contains(t, q.Err().Error(), "requires a Where path")
}

func TestQuery_RangeSortLimitSkip(t *testing.T) {
	ctx := context.Background()
	conn, _ := connect(t)
	Users := conn.Model("User", userSchema())
	seedUsers(t, Users)

	docs, err := Users.Find(nil).Where("age").Gte(18).Lte(65).Sort("age").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"Ann", "Bob"}, names(docs))

	docs, err = Users.Find(nil).Sort("-age").Skip(1).Limit(2).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"Bob", "Ann"}, names(docs))

	docs, err = Users.Find(nil, QueryOptions{SortBy: bson.D{{Key: "name", Value: "desc"}}, Limit: 1}).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"Old"}, names(docs))

	docs, err = Users.Find(nil).Or(bson.M{"name": "Kid"}, bson.M{"age": bson.M{"$gt": 70}}).Sort("name").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"Kid", "Old"}, names(docs))

	docs, err = Users.Find(nil).Where("name").Regex("^[AB]").Where("age").Ne(40).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"Ann"}, names(docs))
}

func TestQuery_SelectProjection(t *testing.T) {
	ctx := context.Background()
	conn, _ := connect(t)
	Users := conn.Model("User", userSchema())
	seedUsers(t, Users)

	ann, err := Users.FindOne(bson.M{"name": "Ann"}).Select("-password -__v").One(ctx)
	require.NoError(t, err)
	require.NotNil(t, ann)
	assert.Equal(t, "ann@x.io", ann.Get("email"))
	assert.False(t, ann.Has("password"))
	assert.False(t, ann.Has("__v"))

	ann, err = Users.FindOne(bson.M{"name": "Ann"}).One(ctx)
	require.NoError(t, err)
	assert.Nil(t, ann.Get("password"))
	assert.EqualValues(t, 0, ann.Get("__v"))

	ann, err = Users.FindOne(bson.M{"name": "Ann"}).Select("+password").One(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", ann.Get("password"))

	recs, err := Users.FindOne(bson.M{"name": "Ann"}).Select("name +password").Records(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0]["password"])
	assert.Equal(t, "Ann", recs[0]["name"])
	assert.NotContains(t, recs[0], "email")
	assert.Contains(t, recs[0], "_id")
}

func TestQuery_InvalidProjection(t *testing.T) {
	ctx := context.Background()
	conn, _ := connect(t)
	Users := conn.Model("User", userSchema())

	_, err := Users.Find(nil).Select("name -age").Exec(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidProjection))

	_, err = Users.Find(nil).Projection(bson.D{{Key: "_id", Value: 0}, {Key: "name", Value: 1}}).Exec(ctx)
	assert.NoError(t, err)
}

func TestQuery_ChainAfterExec(t *testing.T) {
	ctx := context.Background()
	conn, _ := connect(t)
	Users := conn.Model("User", userSchema())

	q := Users.Find(nil)
	_, err := q.Exec(ctx)
	require.NoError(t, err)

	q.Where("age", 3)
	assert.True(t, apperrors.Is(q.Err(), apperrors.ErrQueryExecuted))
	assert.NotContains(t, q.Filter(), "age")

	_, err = q.Exec(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrQueryExecuted))
}

func TestQuery_FindByID(t *testing.T) {
	ctx := context.Background()
	conn, _ := connect(t)
	Users := conn.Model("User", userSchema())
	created, err := Users.Create(ctx, bson.M{"email": "a@b.io"})
	require.NoError(t, err)

	_, err = Users.FindByID("xyz").Exec(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidID))

	byHex, err := Users.FindByID(created.Get("id")).One(ctx)
	require.NoError(t, err)
	require.NotNil(t, byHex)
	assert.Equal(t, created.ID(), byHex.ID())

	byOID, err := Users.FindByID(created.ID()).One(ctx)
	require.NoError(t, err)
	assert.NotNil(t, byOID)
	assert.False(t, byOID.IsNew())
}

func TestQuery_FindOneAndUpdate(t *testing.T) {
	ctx := context.Background()
	conn, _ := connect(t)
	Users := conn.Model("User", userSchema())
	seedUsers(t, Users)

	before, err := Users.FindOneAndUpdate(bson.M{"name": "Ann"}, bson.M{"age": 26}).One(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 25, before.Get("age"))

	after, err := Users.FindOneAndUpdate(bson.M{"name": "Ann"}, bson.M{"$inc": bson.M{"age": 1}}, QueryOptions{New: true}).One(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 27, after.Get("age"))

	none, err := Users.FindOneAndUpdate(bson.M{"name": "Nobody"}, bson.M{"age": 1}).New().One(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	up, err := Users.FindOneAndUpdate(bson.M{"email": "new@x.io"}, bson.M{"age": 1}).New().Upsert().One(ctx)
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, "new@x.io", up.Get("email"))

	byID, err := Users.FindByIDAndUpdate(after.ID(), bson.M{"name": "Anna"}, QueryOptions{New: true}).One(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Anna", byID.Get("name"))
}

func TestQuery_FindOneAndDelete(t *testing.T) {
	ctx := context.Background()
	conn, _ := connect(t)
	Users := conn.Model("User", userSchema())
	seedUsers(t, Users)

	gone, err := Users.FindOneAndDelete(bson.M{"name": "Kid"}).One(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kid@x.io", gone.Get("email"))

	again, err := Users.FindOneAndDelete(bson.M{"name": "Kid"}).One(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	bob, err := Users.FindOne(bson.M{"name": "Bob"}).One(ctx)
	require.NoError(t, err)
	_, err = Users.FindByIDAndDelete(bob.ID()).Exec(ctx)
	require.NoError(t, err)

	n, err := Users.Find(nil).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestQuery_LeanRecords(t *testing.T) {
	ctx := context.Background()
	conn, _ := connect(t)
	Users := conn.Model("User", userSchema())
	seedUsers(t, Users)

	res, err := Users.Find(bson.M{"name": "Ann"}, QueryOptions{Lean: true}).Exec(ctx)
	require.NoError(t, err)
	assert.Nil(t, res.Docs)
	require.Len(t, res.Records, 1)
	assert.Equal(t, 1, res.Len())
	assert.Nil(t, res.First())
	assert.NotContains(t, res.Records[0], "password")
	assert.Equal(t, "ann@x.io", res.Records[0]["email"])
}

func TestQuery_CountIgnoresPagination(t *testing.T) {
	ctx := context.Background()
	conn, _ := connect(t)
	Users := conn.Model("User", userSchema())
	seedUsers(t, Users)

	n, err := Users.Find(nil).Where("age").Gte(18).Limit(1).Skip(1).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestQuery_CacheHitMissAndInvalidation(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	cache := NewMemoryCache()
	conn, _ := connect(t, WithCache(cache), WithObserver(obs))
	Users := conn.Model("User", userSchema())
	seedUsers(t, Users)

	find := func() []bson.M {
		recs, err := Users.Find(bson.M{"age": bson.M{"$gte": 18}}).Sort("age").Cache(time.Minute).Records(ctx)
		require.NoError(t, err)
		return recs
	}

	first := find()
	second := find()
	require.Len(t, first, 3)
	require.Len(t, second, 3)
	for i := range first {
		assert.Equal(t, first[i]["email"], second[i]["email"])
		assert.Equal(t, first[i]["_id"], second[i]["_id"])
	}
	hits, misses := obs.counts()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
	assert.Equal(t, 1, cache.Len())

	_, err := Users.Create(ctx, bson.M{"email": "new@x.io", "age": 30})
	require.NoError(t, err)
	assert.Zero(t, cache.Len())

	assert.Len(t, find(), 4)
	hits, misses = obs.counts()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 2, misses)

	// Hydrated queries bypass the cache.
	_, err = Users.Find(nil).Cache(time.Minute).All(ctx)
	require.NoError(t, err)
	hits, misses = obs.counts()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 2, misses)
}

func TestQuery_DefaultCacheTTL(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	conn, _ := connect(t, WithCache(cache), WithCacheTTL(time.Minute))
	Users := conn.Model("User", userSchema())
	seedUsers(t, Users)

	_, err := Users.Find(nil).Records(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())

	// Cache(0) opts a single query out.
	_, err = Users.Find(bson.M{"age": 12}).Cache(0).Records(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())
}

func TestQuery_PreAndPostHooks(t *testing.T) {
	ctx := context.Background()
	conn, _ := connect(t)
	s := userSchema()
	var seen int
	s.PreQuery(func(_ context.Context, q *Query) error {
		q.Where("age").Gte(18)
		return nil
	}, OpFind, OpFindOne)
	s.PostQuery(func(_ context.Context, q *Query) error {
		seen = q.Result().Len()
		return nil
	}, OpFind)
	Users := conn.Model("User", s)
	seedUsers(t, Users)

	docs, err := Users.Find(nil).All(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
	assert.Equal(t, 3, seen)

	kid, err := Users.FindOne(bson.M{"name": "Kid"}).One(ctx)
	require.NoError(t, err)
	assert.Nil(t, kid)
}

func TestQuery_PreHookAborts(t *testing.T) {
	ctx := context.Background()
	conn, _ := connect(t)
	s := userSchema()
	s.PreQuery(func(context.Context, *Query) error { return assert.AnError }, OpFindOneAndDelete)
	Users := conn.Model("User", s)
	seedUsers(t, Users)

	_, err := Users.FindOneAndDelete(bson.M{"name": "Ann"}).Exec(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrHookAborted))

	n, err := Users.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestQuery_HooksWithoutOpsCoverEveryOperation(t *testing.T) {
	ctx := context.Background()
	conn, _ := connect(t)
	s := userSchema()
	var pre, post int
	s.PreQuery(func(context.Context, *Query) error {
		pre++
		return nil
	})
	s.PostQuery(func(context.Context, *Query) error {
		post++
		return nil
	})
	Users := conn.Model("User", s)
	seedUsers(t, Users)

	_, err := Users.Find(nil).All(ctx)
	require.NoError(t, err)
	_, err = Users.FindOne(nil).One(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pre)
	assert.Equal(t, 2, post)

	_, err = Users.FindOneAndUpdate(bson.M{"name": "Ann"}, bson.M{"$set": bson.M{"age": 26}}).Exec(ctx)
	require.NoError(t, err)
	_, err = Users.FindOneAndDelete(bson.M{"name": "Bob"}).Exec(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, pre)
	assert.Equal(t, 4, post)
}

func TestQuery_TerminalModeChangeAfterExec(t *testing.T) {
	ctx := context.Background()
	conn, _ := connect(t)
	Users := conn.Model("User", userSchema())
	seedUsers(t, Users)

	q := Users.Find(nil)
	docs, err := q.All(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 4)

	docs, err = q.All(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 4)

	_, err = q.Records(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrQueryExecuted))

	lean := Users.Find(nil)
	recs, err := lean.Records(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
	_, err = lean.One(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrQueryExecuted))
}
