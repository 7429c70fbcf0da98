// Package memstore is an in-process implementation of store.Database. It
// understands the filter, update and projection operators the ODM emits and
// enforces unique indexes, which makes it suitable for tests and embedded use.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/jrjohn/harbor-go/pkg/store"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("memstore: database closed")

type collectionData struct {
	docs    []bson.M
	indexes []store.IndexModel
	created bool
}

// Database holds every collection in memory. All data access is serialized
// through a single mutex; transactions are serialized with each other.
type Database struct {
	name string

	mu          sync.Mutex
	collections map[string]*collectionData
	watchers    map[string][]*changeStream
	eventSeq    int64
	closed      bool

	txMu sync.Mutex
}

var _ store.Database = (*Database)(nil)

// New creates an empty database.
func New(name string) *Database {
	if name == "" {
		name = "test"
	}
	return &Database{
		name:        name,
		collections: make(map[string]*collectionData),
		watchers:    make(map[string][]*changeStream),
	}
}

// Dial creates an empty database named after the URI path, "test" when the
// URI names none.
func Dial(ctx context.Context, uri string, _ store.ClientOptions) (store.Database, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cs, err := connstring.Parse(uri)
	if err != nil {
		return nil, err
	}
	return New(cs.Database), nil
}

// Dialer returns a dialer that always hands out db, reopening it if a
// previous disconnect closed it.
func Dialer(db *Database) store.Dialer {
	return func(ctx context.Context, _ string, _ store.ClientOptions) (store.Database, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		db.mu.Lock()
		db.closed = false
		db.mu.Unlock()
		return db, nil
	}
}

func (d *Database) Name() string { return d.name }

func (d *Database) Collection(name string) store.Collection {
	return &Collection{db: d, name: name}
}

func (d *Database) StartSession(ctx context.Context) (store.Session, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	return &session{db: d}, nil
}

func (d *Database) Ping(ctx context.Context) error {
	return d.check(ctx)
}

func (d *Database) CreateCollection(ctx context.Context, name string) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.collections[name]; ok && c.created {
		return fmt.Errorf("memstore: collection %s already exists", name)
	}
	d.data(name).created = true
	return nil
}

func (d *Database) DropCollection(ctx context.Context, name string) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.collections, name)
	return nil
}

func (d *Database) ListCollectionNames(ctx context.Context) ([]string, error) {
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.collections))
	for name, c := range d.collections {
		if c.created {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *Database) Drop(ctx context.Context) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.collections = make(map[string]*collectionData)
	return nil
}

// Close marks the database closed and terminates open change streams.
func (d *Database) Close(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for _, streams := range d.watchers {
		for _, cs := range streams {
			cs.shutdown(nil)
		}
	}
	d.watchers = make(map[string][]*changeStream)
	return nil
}

func (d *Database) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return nil
}

// data returns the collection state, creating it lazily. Callers hold d.mu.
func (d *Database) data(name string) *collectionData {
	c, ok := d.collections[name]
	if !ok {
		c = &collectionData{}
		d.collections[name] = c
	}
	return c
}

type snapshot map[string]*collectionData

func (d *Database) snapshot() snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := make(snapshot, len(d.collections))
	for name, c := range d.collections {
		cp := &collectionData{
			docs:    make([]bson.M, len(c.docs)),
			indexes: append([]store.IndexModel(nil), c.indexes...),
			created: c.created,
		}
		for i, doc := range c.docs {
			cp.docs[i] = cloneDoc(doc)
		}
		snap[name] = cp
	}
	return snap
}

func (d *Database) restore(snap snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.collections = snap
}

type session struct {
	db    *Database
	mu    sync.Mutex
	ended bool
}

// WithTransaction snapshots the database, runs fn and restores the snapshot
// when fn fails.
func (s *session) WithTransaction(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return nil, store.ErrSessionEnded
	}
	if err := s.db.check(ctx); err != nil {
		return nil, err
	}

	s.db.txMu.Lock()
	defer s.db.txMu.Unlock()

	snap := s.db.snapshot()
	result, err := fn(ctx)
	if err != nil {
		s.db.restore(snap)
		return nil, err
	}
	return result, nil
}

func (s *session) EndSession(_ context.Context) {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}
