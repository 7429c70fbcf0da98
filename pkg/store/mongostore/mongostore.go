// Package mongostore implements store.Database on the official MongoDB driver.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/jrjohn/harbor-go/internal/bsonutil"
	"github.com/jrjohn/harbor-go/pkg/store"
)

const defaultDatabase = "test"

// Database wraps a driver client and the database selected by the URI.
type Database struct {
	client *mongo.Client
	db     *mongo.Database
}

// Dial connects a client for uri. The database is the URI path, or "test".
func Dial(ctx context.Context, uri string, opts store.ClientOptions) (store.Database, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, fmt.Errorf("mongostore: parse uri: %w", err)
	}
	client, err := mongo.Connect(ctx, clientOptions(uri, opts))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	name := cs.Database
	if name == "" {
		name = defaultDatabase
	}
	return &Database{client: client, db: client.Database(name)}, nil
}

// clientOptions applies the URI first and lets explicit settings override it.
func clientOptions(uri string, opts store.ClientOptions) *options.ClientOptions {
	o := options.Client().ApplyURI(uri)
	if opts.MaxPoolSize > 0 {
		o.SetMaxPoolSize(opts.MaxPoolSize)
	}
	if opts.MinPoolSize > 0 {
		o.SetMinPoolSize(opts.MinPoolSize)
	}
	if opts.ServerSelectionTimeout > 0 {
		o.SetServerSelectionTimeout(opts.ServerSelectionTimeout)
	}
	if opts.SocketTimeout > 0 {
		o.SetSocketTimeout(opts.SocketTimeout)
	}
	if opts.ConnectTimeout > 0 {
		o.SetConnectTimeout(opts.ConnectTimeout)
	}
	o.SetRetryWrites(opts.RetryWrites)
	if wc := writeConcern(opts.WriteConcern); wc != nil {
		o.SetWriteConcern(wc)
	}
	if opts.AppName != "" {
		o.SetAppName(opts.AppName)
	}
	if opts.ReplicaSet != "" {
		o.SetReplicaSet(opts.ReplicaSet)
	}
	if opts.DirectConnection {
		o.SetDirect(true)
	}
	if len(opts.Compressors) > 0 {
		o.SetCompressors(opts.Compressors)
	}
	if opts.AuthSource != "" && o.Auth != nil {
		o.Auth.AuthSource = opts.AuthSource
	}
	return o
}

func writeConcern(w string) *writeconcern.WriteConcern {
	switch w {
	case "":
		return nil
	case "majority":
		return writeconcern.Majority()
	}
	if n, err := strconv.Atoi(w); err == nil {
		return &writeconcern.WriteConcern{W: n}
	}
	// Tag sets are passed through by name.
	return &writeconcern.WriteConcern{W: w}
}

func (d *Database) Name() string { return d.db.Name() }

func (d *Database) Collection(name string) store.Collection {
	return &Collection{coll: d.db.Collection(name)}
}

func (d *Database) StartSession(ctx context.Context) (store.Session, error) {
	sess, err := d.client.StartSession()
	if err != nil {
		return nil, err
	}
	return &session{sess: sess}, nil
}

func (d *Database) Ping(ctx context.Context) error {
	return d.client.Ping(ctx, readpref.Primary())
}

func (d *Database) CreateCollection(ctx context.Context, name string) error {
	return d.db.CreateCollection(ctx, name)
}

func (d *Database) DropCollection(ctx context.Context, name string) error {
	return d.db.Collection(name).Drop(ctx)
}

func (d *Database) ListCollectionNames(ctx context.Context) ([]string, error) {
	return d.db.ListCollectionNames(ctx, bson.D{})
}

func (d *Database) Drop(ctx context.Context) error {
	return d.db.Drop(ctx)
}

func (d *Database) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

type session struct {
	sess mongo.Session
}

func (s *session) WithTransaction(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	return s.sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return fn(sc)
	})
}

func (s *session) EndSession(ctx context.Context) {
	s.sess.EndSession(ctx)
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %w", store.ErrDuplicateKey, err)
	}
	return err
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

func normalize(m bson.M) bson.M {
	if m == nil {
		return nil
	}
	out, _ := bsonutil.Normalize(m).(bson.M)
	return out
}
