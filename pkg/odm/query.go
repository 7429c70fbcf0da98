package odm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/jrjohn/harbor-go/internal/bsonutil"
	apperrors "github.com/jrjohn/harbor-go/pkg/errors"
	"github.com/jrjohn/harbor-go/pkg/store"
)

// QueryOp is the operation a Query executes.
type QueryOp string

const (
	OpFind             QueryOp = "find"
	OpFindOne          QueryOp = "findOne"
	OpFindOneAndUpdate QueryOp = "findOneAndUpdate"
	OpFindOneAndDelete QueryOp = "findOneAndDelete"
)

// Query is a deferred request built by chaining and run by Exec. Chain
// methods record their first error, which Exec returns. Once executed the
// query is read-only; Exec may be called again and re-issues the request.
type Query struct {
	model  *Model
	op     QueryOp
	filter bson.M
	update bson.M

	projection bson.D
	forced     []string
	sort       bson.D
	skip       int64
	limit      int64
	lean       bool
	returnNew  bool
	upsert     bool
	cacheTTL   time.Duration

	path     string
	err      error
	executed bool
	inHooks  bool
	result   *Result
}

// Result holds the outcome of Exec: hydrated documents, or raw records for a
// lean query. Single-document operations hold at most one entry.
type Result struct {
	Docs    []*Document
	Records []bson.M
}

// First returns the first document, or nil.
func (r *Result) First() *Document {
	if r == nil || len(r.Docs) == 0 {
		return nil
	}
	return r.Docs[0]
}

// Len returns the number of results.
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	if r.Docs != nil {
		return len(r.Docs)
	}
	return len(r.Records)
}

func newQuery(m *Model, op QueryOp, filter, update bson.M) *Query {
	q := &Query{model: m, op: op, filter: filter, update: update}
	if m.conn != nil {
		q.cacheTTL = m.conn.cacheTTL
	}
	return q
}

func (q *Query) Op() QueryOp { return q.op }

func (q *Query) Model() *Model { return q.model }

// Filter returns the accumulated filter. Pre hooks may modify it.
func (q *Query) Filter() bson.M { return q.filter }

// Update returns the update of a findOneAndUpdate query.
func (q *Query) Update() bson.M { return q.update }

// Err returns the first error recorded while chaining.
func (q *Query) Err() error { return q.err }

// Result returns the outcome of the last Exec, for post hooks.
func (q *Query) Result() *Result { return q.result }

func (q *Query) fail(err error) *Query {
	if q.err == nil {
		q.err = err
	}
	return q
}

// building reports whether chain calls may still modify the query.
func (q *Query) building() bool {
	if q.executed && !q.inHooks {
		q.fail(apperrors.ErrQueryExecuted)
		return false
	}
	return true
}

// Where moves the path cursor to path; with a value it also sets an equality
// condition.
func (q *Query) Where(path string, value ...any) *Query {
	if !q.building() {
		return q
	}
	q.path = path
	if len(value) > 0 {
		q.filter[path] = value[0]
	}
	return q
}

// Equals sets an equality condition on the current path.
func (q *Query) Equals(value any) *Query {
	return q.set("$eq", value, func() { q.filter[q.path] = value })
}

func (q *Query) Gt(value any) *Query  { return q.merge("$gt", value) }
func (q *Query) Gte(value any) *Query { return q.merge("$gte", value) }
func (q *Query) Lt(value any) *Query  { return q.merge("$lt", value) }
func (q *Query) Lte(value any) *Query { return q.merge("$lte", value) }

func (q *Query) Ne(value any) *Query {
	return q.overwrite("$ne", value)
}

// In accepts values or a single slice.
func (q *Query) In(values ...any) *Query {
	return q.overwrite("$in", listOf(values))
}

// Nin accepts values or a single slice.
func (q *Query) Nin(values ...any) *Query {
	return q.overwrite("$nin", listOf(values))
}

// Regex accepts a pattern string, a *regexp.Regexp or a primitive.Regex.
func (q *Query) Regex(pattern any) *Query {
	switch p := pattern.(type) {
	case *regexp.Regexp:
		pattern = primitive.Regex{Pattern: p.String()}
	case string:
		pattern = primitive.Regex{Pattern: p}
	}
	return q.overwrite("$regex", pattern)
}

// Exists defaults to true.
func (q *Query) Exists(value ...bool) *Query {
	v := true
	if len(value) > 0 {
		v = value[0]
	}
	return q.overwrite("$exists", v)
}

func (q *Query) set(op string, value any, apply func()) *Query {
	if !q.building() {
		return q
	}
	if q.path == "" {
		return q.fail(fmt.Errorf("odm: %s requires a Where path", op))
	}
	apply()
	return q
}

func (q *Query) overwrite(op string, value any) *Query {
	return q.set(op, value, func() { q.filter[q.path] = bson.M{op: value} })
}

// merge adds op to the operator document at the current path, keeping the
// operators already there.
func (q *Query) merge(op string, value any) *Query {
	return q.set(op, value, func() {
		cond := bson.M{}
		if existing, ok := bsonutil.AsMap(q.filter[q.path]); ok && isOperatorDoc(existing) {
			for k, v := range existing {
				cond[k] = v
			}
		}
		cond[op] = value
		q.filter[q.path] = cond
	})
}

func isOperatorDoc(m bson.M) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func listOf(values []any) bson.A {
	if len(values) == 1 {
		if arr, ok := bsonutil.AsArray(values[0]); ok {
			return bson.A(arr)
		}
	}
	return bson.A(values)
}

func (q *Query) logical(op string, conds []bson.M) *Query {
	if !q.building() {
		return q
	}
	arr := make(bson.A, len(conds))
	for i, c := range conds {
		arr[i] = c
	}
	q.filter[op] = arr
	return q
}

func (q *Query) Or(conds ...bson.M) *Query  { return q.logical("$or", conds) }
func (q *Query) And(conds ...bson.M) *Query { return q.logical("$and", conds) }
func (q *Query) Nor(conds ...bson.M) *Query { return q.logical("$nor", conds) }

// Select sets the projection from space-separated or listed field tokens:
// "name" includes, "-name" excludes and "+name" force-includes a path hidden
// with Select: false. Mixing inclusion and exclusion, other than for _id,
// fails with INVALID_PROJECTION.
func (q *Query) Select(fields ...string) *Query {
	if !q.building() {
		return q
	}
	var proj bson.D
	var forced []string
	for _, arg := range fields {
		for _, token := range strings.Fields(arg) {
			switch {
			case strings.HasPrefix(token, "-"):
				proj = append(proj, bson.E{Key: token[1:], Value: 0})
			case strings.HasPrefix(token, "+"):
				forced = append(forced, token[1:])
			default:
				proj = append(proj, bson.E{Key: token, Value: 1})
			}
		}
	}
	if err := checkProjection(proj); err != nil {
		return q.fail(err)
	}
	q.projection = proj
	q.forced = forced
	return q
}

// Projection sets an explicit projection document.
func (q *Query) Projection(proj bson.D) *Query {
	if !q.building() {
		return q
	}
	if err := checkProjection(proj); err != nil {
		return q.fail(err)
	}
	q.projection = proj
	return q
}

func checkProjection(proj bson.D) error {
	var include, exclude bool
	for _, e := range proj {
		if e.Key == "_id" {
			continue
		}
		if isExclusion(e.Value) {
			exclude = true
		} else {
			include = true
		}
	}
	if include && exclude {
		return apperrors.ErrInvalidProjection
	}
	return nil
}

func isExclusion(v any) bool {
	if b, ok := v.(bool); ok {
		return !b
	}
	f, ok := bsonutil.ToFloat(v)
	return ok && f == 0
}

func projectionIsInclusive(proj bson.D) bool {
	for _, e := range proj {
		if e.Key != "_id" && !isExclusion(e.Value) {
			return true
		}
	}
	return false
}

// effectiveProjection adds exclusions for hidden paths that were not
// force-included.
func (q *Query) effectiveProjection() bson.D {
	proj := append(bson.D(nil), q.projection...)
	inclusive := projectionIsInclusive(proj)
	forced := make(map[string]bool, len(q.forced))
	for _, p := range q.forced {
		forced[p] = true
		if inclusive && !hasKey(proj, p) {
			proj = append(proj, bson.E{Key: p, Value: 1})
		}
	}
	if !inclusive {
		for _, path := range q.model.schema.order {
			if q.model.schema.paths[path].hidden() && !forced[path] && !hasKey(proj, path) {
				proj = append(proj, bson.E{Key: path, Value: 0})
			}
		}
	}
	if len(proj) == 0 {
		return nil
	}
	return proj
}

func hasKey(d bson.D, key string) bool {
	for _, e := range d {
		if e.Key == key {
			return true
		}
	}
	return false
}

// Sort sets the order from space-separated or listed fields; a "-" prefix
// sorts descending.
func (q *Query) Sort(fields ...string) *Query {
	if !q.building() {
		return q
	}
	var sort bson.D
	for _, arg := range fields {
		for _, token := range strings.Fields(arg) {
			switch {
			case strings.HasPrefix(token, "-"):
				sort = append(sort, bson.E{Key: token[1:], Value: -1})
			case strings.HasPrefix(token, "+"):
				sort = append(sort, bson.E{Key: token[1:], Value: 1})
			default:
				sort = append(sort, bson.E{Key: token, Value: 1})
			}
		}
	}
	q.sort = sort
	return q
}

// SortBy sets an explicit order. Directions may be 1, -1, "asc" or "desc".
func (q *Query) SortBy(spec bson.D) *Query {
	if !q.building() {
		return q
	}
	sort := make(bson.D, 0, len(spec))
	for _, e := range spec {
		dir := 1
		switch v := e.Value.(type) {
		case string:
			if v == "desc" || v == "descending" || v == "-1" {
				dir = -1
			}
		default:
			if f, ok := bsonutil.ToFloat(v); ok && f < 0 {
				dir = -1
			}
		}
		sort = append(sort, bson.E{Key: e.Key, Value: dir})
	}
	q.sort = sort
	return q
}

func (q *Query) Limit(n int64) *Query {
	if q.building() {
		q.limit = n
	}
	return q
}

func (q *Query) Skip(n int64) *Query {
	if q.building() {
		q.skip = n
	}
	return q
}

// Lean returns raw records instead of documents.
func (q *Query) Lean(v ...bool) *Query {
	if q.building() {
		q.lean = len(v) == 0 || v[0]
	}
	return q
}

// New makes findOneAndUpdate return the updated record.
func (q *Query) New(v ...bool) *Query {
	if q.building() {
		q.returnNew = len(v) == 0 || v[0]
	}
	return q
}

func (q *Query) Upsert(v ...bool) *Query {
	if q.building() {
		q.upsert = len(v) == 0 || v[0]
	}
	return q
}

// Cache keeps lean find and findOne results in the connection's cache for
// ttl. It has no effect on hydrated queries or when no cache is configured.
func (q *Query) Cache(ttl time.Duration) *Query {
	if q.building() {
		q.cacheTTL = ttl
	}
	return q
}

// SetOptions applies every non-zero option.
func (q *Query) SetOptions(o QueryOptions) *Query {
	if o.Select != "" {
		q.Select(o.Select)
	}
	if o.Projection != nil {
		q.Projection(o.Projection)
	}
	if o.Sort != "" {
		q.Sort(o.Sort)
	}
	if o.SortBy != nil {
		q.SortBy(o.SortBy)
	}
	if o.Limit > 0 {
		q.Limit(o.Limit)
	}
	if o.Skip > 0 {
		q.Skip(o.Skip)
	}
	if o.Lean {
		q.Lean()
	}
	if o.New {
		q.New()
	}
	if o.Upsert {
		q.Upsert()
	}
	if o.Cache > 0 {
		q.Cache(o.Cache)
	}
	return q
}

// Exec runs the pre query hooks, issues the request and runs the post
// hooks.
func (q *Query) Exec(ctx context.Context) (res *Result, err error) {
	m := q.model
	ctx, done := m.track(ctx, string(q.op))
	defer func() { done(err) }()

	if q.err != nil {
		return nil, q.err
	}
	coll, err := m.coll()
	if err != nil {
		return nil, err
	}

	q.inHooks = true
	err = runQueryHooks(ctx, q.op, m.schema.preQuery[q.op], q)
	q.inHooks = false
	if err != nil {
		return nil, err
	}
	if q.err != nil {
		return nil, q.err
	}
	q.executed = true

	records, err := q.fetch(ctx, coll)
	if err != nil {
		return nil, err
	}

	res = &Result{}
	if q.lean {
		res.Records = records
	} else {
		res.Docs = make([]*Document, len(records))
		proj := q.effectiveProjection()
		for i, rec := range records {
			res.Docs[i] = m.hydrate(rec, proj)
		}
	}
	q.result = res

	if err := runQueryHooks(ctx, q.op, m.schema.postQuery[q.op], q); err != nil {
		return nil, err
	}
	return res, nil
}

func (q *Query) fetch(ctx context.Context, coll store.Collection) ([]bson.M, error) {
	proj := q.effectiveProjection()
	switch q.op {
	case OpFind, OpFindOne:
		return q.cached(ctx, func() ([]bson.M, error) {
			if q.op == OpFind {
				return coll.Find(ctx, q.filter, store.FindOptions{
					Projection: proj, Sort: q.sort, Skip: q.skip, Limit: q.limit,
				})
			}
			rec, err := coll.FindOne(ctx, q.filter, store.FindOneOptions{
				Projection: proj, Sort: q.sort, Skip: q.skip,
			})
			return single(rec, err)
		})
	case OpFindOneAndUpdate:
		rec, err := coll.FindOneAndUpdate(ctx, q.filter, wrapUpdate(q.update), store.FindOneAndUpdateOptions{
			Projection: proj, Sort: q.sort, ReturnAfter: q.returnNew, Upsert: q.upsert,
		})
		q.model.invalidate(ctx)
		return single(rec, err)
	case OpFindOneAndDelete:
		rec, err := coll.FindOneAndDelete(ctx, q.filter, store.FindOneAndDeleteOptions{
			Projection: proj, Sort: q.sort,
		})
		if rec != nil {
			q.model.invalidate(ctx)
		}
		return single(rec, err)
	}
	return nil, fmt.Errorf("odm: unknown query operation %q", q.op)
}

func single(rec bson.M, err error) ([]bson.M, error) {
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return []bson.M{}, nil
	}
	return []bson.M{rec}, nil
}

type cachedRecords struct {
	Records []bson.M `bson:"records"`
}

// cached serves lean reads from the connection cache. Cache failures are
// logged and fall through to the store.
func (q *Query) cached(ctx context.Context, load func() ([]bson.M, error)) ([]bson.M, error) {
	m := q.model
	c := m.cache()
	if c == nil || !q.lean || q.cacheTTL <= 0 {
		return load()
	}

	key, err := q.cacheKey()
	if err != nil {
		m.log.Warn("cache key", zap.Error(err))
		return load()
	}
	payload, hit, err := c.Get(ctx, key)
	if err != nil {
		m.log.Warn("cache get failed", zap.Error(err))
	}
	if hit {
		var cr cachedRecords
		if err := bson.Unmarshal(payload, &cr); err == nil {
			m.observer().ObserveCache(ctx, m.collection, true)
			if cr.Records == nil {
				cr.Records = []bson.M{}
			}
			return cr.Records, nil
		}
	}
	m.observer().ObserveCache(ctx, m.collection, false)

	records, err := load()
	if err != nil {
		return nil, err
	}
	encoded, err := bson.Marshal(cachedRecords{Records: records})
	if err == nil {
		err = c.Set(ctx, m.collection, key, encoded, q.cacheTTL)
	}
	if err != nil {
		m.log.Warn("cache set failed", zap.Error(err))
	}
	return records, nil
}

func (q *Query) cacheKey() (string, error) {
	spec := bson.D{
		{Key: "op", Value: string(q.op)},
		{Key: "filter", Value: bsonutil.Canonical(q.filter)},
		{Key: "projection", Value: q.effectiveProjection()},
		{Key: "sort", Value: q.sort},
		{Key: "skip", Value: q.skip},
		{Key: "limit", Value: q.limit},
	}
	raw, err := bson.Marshal(spec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return q.model.collection + ":" + hex.EncodeToString(sum[:]), nil
}

// All executes the query and returns hydrated documents. On an executed
// lean query it fails with QUERY_EXECUTED.
func (q *Query) All(ctx context.Context) ([]*Document, error) {
	q.mode(false)
	res, err := q.Exec(ctx)
	if err != nil {
		return nil, err
	}
	return res.Docs, nil
}

// One executes the query and returns the first document, or nil.
func (q *Query) One(ctx context.Context) (*Document, error) {
	q.mode(false)
	res, err := q.Exec(ctx)
	if err != nil {
		return nil, err
	}
	return res.First(), nil
}

// Records executes the query lean and returns the raw records. On an
// executed hydrating query it fails with QUERY_EXECUTED.
func (q *Query) Records(ctx context.Context) ([]bson.M, error) {
	q.mode(true)
	res, err := q.Exec(ctx)
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// mode switches lean through the chain guard, so only a change after
// execution is an error.
func (q *Query) mode(lean bool) {
	if q.lean != lean {
		q.Lean(lean)
	}
}

// Count counts the documents matching the filter, ignoring projection,
// sort and pagination.
func (q *Query) Count(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	return q.model.CountDocuments(ctx, q.filter)
}
