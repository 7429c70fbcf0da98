// Package store defines the contract between the ODM and a MongoDB-compatible
// backing store. Filters, updates and pipelines are passed through verbatim
// using MongoDB operator syntax.
package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrDuplicateKey is returned when a write violates a unique index.
	ErrDuplicateKey = errors.New("store: duplicate key")
	// ErrUnsupported is returned by stores that do not implement an operation.
	ErrUnsupported = errors.New("store: operation not supported")
	// ErrSessionEnded is returned when a session is used after EndSession.
	ErrSessionEnded = errors.New("store: session ended")
)

// ClientOptions carries the connection settings handed to a Dialer.
type ClientOptions struct {
	MaxPoolSize            uint64
	MinPoolSize            uint64
	ServerSelectionTimeout time.Duration
	SocketTimeout          time.Duration
	ConnectTimeout         time.Duration
	RetryWrites            bool
	// WriteConcern is "majority" or a node count such as "1".
	WriteConcern     string
	AppName          string
	ReplicaSet       string
	AuthSource       string
	DirectConnection bool
	Compressors      []string
}

// Dialer opens a Database for a connection URI.
type Dialer func(ctx context.Context, uri string, opts ClientOptions) (Database, error)

// Database is a live handle on one database of the backing store.
type Database interface {
	Name() string
	Collection(name string) Collection
	StartSession(ctx context.Context) (Session, error)
	Ping(ctx context.Context) error
	CreateCollection(ctx context.Context, name string) error
	DropCollection(ctx context.Context, name string) error
	ListCollectionNames(ctx context.Context) ([]string, error)
	Drop(ctx context.Context) error
	// Close releases the underlying client.
	Close(ctx context.Context) error
}

// Session scopes a sequence of operations to a transaction.
type Session interface {
	// WithTransaction runs fn inside a transaction. The context passed to fn
	// carries the session and must be used for the operations it performs.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error)
	EndSession(ctx context.Context)
}

// ChangeStream iterates change events from Watch.
type ChangeStream interface {
	Next(ctx context.Context) bool
	Current() bson.M
	Err() error
	Close(ctx context.Context) error
}

// Collection is the set of operations the ODM issues against one collection.
// FindOne, FindOneAndUpdate and FindOneAndDelete return a nil record and a
// nil error when nothing matches.
type Collection interface {
	Name() string

	Find(ctx context.Context, filter bson.M, opts FindOptions) ([]bson.M, error)
	FindOne(ctx context.Context, filter bson.M, opts FindOneOptions) (bson.M, error)
	FindOneAndUpdate(ctx context.Context, filter, update bson.M, opts FindOneAndUpdateOptions) (bson.M, error)
	FindOneAndDelete(ctx context.Context, filter bson.M, opts FindOneAndDeleteOptions) (bson.M, error)

	InsertOne(ctx context.Context, doc bson.D) (any, error)
	InsertMany(ctx context.Context, docs []bson.D, ordered bool) ([]any, error)
	UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (*UpdateResult, error)
	UpdateMany(ctx context.Context, filter, update bson.M, upsert bool) (*UpdateResult, error)
	ReplaceOne(ctx context.Context, filter bson.M, replacement bson.D, upsert bool) (*UpdateResult, error)
	DeleteOne(ctx context.Context, filter bson.M) (*DeleteResult, error)
	DeleteMany(ctx context.Context, filter bson.M) (*DeleteResult, error)
	BulkWrite(ctx context.Context, models []WriteModel, ordered bool) (*BulkWriteResult, error)

	CountDocuments(ctx context.Context, filter bson.M) (int64, error)
	EstimatedDocumentCount(ctx context.Context) (int64, error)
	Aggregate(ctx context.Context, pipeline []bson.M) ([]bson.M, error)
	Distinct(ctx context.Context, field string, filter bson.M) ([]any, error)

	CreateIndexes(ctx context.Context, models []IndexModel) ([]string, error)
	ListIndexes(ctx context.Context) ([]bson.M, error)
	DropIndex(ctx context.Context, name string) error

	Watch(ctx context.Context, pipeline []bson.M, opts WatchOptions) (ChangeStream, error)
}

// FindOptions controls a multi-document read.
type FindOptions struct {
	Projection bson.D
	Sort       bson.D
	Skip       int64
	Limit      int64
}

// FindOneOptions controls a single-document read.
type FindOneOptions struct {
	Projection bson.D
	Sort       bson.D
	Skip       int64
}

// FindOneAndUpdateOptions controls an atomic read-modify-write.
type FindOneAndUpdateOptions struct {
	Projection bson.D
	Sort       bson.D
	// ReturnAfter returns the post-update record instead of the original.
	ReturnAfter bool
	Upsert      bool
}

// FindOneAndDeleteOptions controls an atomic read-and-remove.
type FindOneAndDeleteOptions struct {
	Projection bson.D
	Sort       bson.D
}

// WatchOptions controls a change stream.
type WatchOptions struct {
	// FullDocument is "default" or "updateLookup".
	FullDocument string
}

// UpdateResult reports the outcome of an update or replace.
type UpdateResult struct {
	Acknowledged  bool  `json:"acknowledged"`
	MatchedCount  int64 `json:"matchedCount"`
	ModifiedCount int64 `json:"modifiedCount"`
	UpsertedCount int64 `json:"upsertedCount"`
	UpsertedID    any   `json:"upsertedId,omitempty"`
}

// DeleteResult reports the outcome of a delete.
type DeleteResult struct {
	Acknowledged bool  `json:"acknowledged"`
	DeletedCount int64 `json:"deletedCount"`
}

// WriteKind names a bulk write operation.
type WriteKind string

const (
	WriteInsertOne  WriteKind = "insertOne"
	WriteUpdateOne  WriteKind = "updateOne"
	WriteUpdateMany WriteKind = "updateMany"
	WriteDeleteOne  WriteKind = "deleteOne"
	WriteDeleteMany WriteKind = "deleteMany"
	WriteReplaceOne WriteKind = "replaceOne"
)

// WriteModel is one operation in a bulk write.
type WriteModel struct {
	Kind        WriteKind
	Document    bson.D
	Filter      bson.M
	Update      bson.M
	Replacement bson.D
	Upsert      bool
}

// BulkWriteResult aggregates the counts of a bulk write.
type BulkWriteResult struct {
	InsertedCount int64         `json:"insertedCount"`
	MatchedCount  int64         `json:"matchedCount"`
	ModifiedCount int64         `json:"modifiedCount"`
	DeletedCount  int64         `json:"deletedCount"`
	UpsertedCount int64         `json:"upsertedCount"`
	InsertedIDs   map[int64]any `json:"insertedIds"`
	UpsertedIDs   map[int64]any `json:"upsertedIds"`
}

// IndexModel describes an index to create.
type IndexModel struct {
	Keys               bson.D
	Name               string
	Unique             bool
	Sparse             bool
	ExpireAfterSeconds *int32
	PartialFilter      bson.M
}

// IndexName returns the explicit name or the default MongoDB name built from
// the keys ("email_1_role_-1").
func (m IndexModel) IndexName() string {
	if m.Name != "" {
		return m.Name
	}
	parts := make([]string, 0, len(m.Keys)*2)
	for _, k := range m.Keys {
		parts = append(parts, k.Key, indexValueString(k.Value))
	}
	return strings.Join(parts, "_")
}

func indexValueString(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case int:
		return strconv.Itoa(n)
	case int32:
		return strconv.FormatInt(int64(n), 10)
	case int64:
		return strconv.FormatInt(n, 10)
	case float64:
		return strconv.FormatInt(int64(n), 10)
	}
	return "1"
}
