package odm

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
	"go.uber.org/zap"

	"github.com/jrjohn/harbor-go/internal/resilience"
	apperrors "github.com/jrjohn/harbor-go/pkg/errors"
	"github.com/jrjohn/harbor-go/pkg/store"
	"github.com/jrjohn/harbor-go/pkg/store/mongostore"
)

// ReadyState is the connection lifecycle state.
type ReadyState int

const (
	Disconnected  ReadyState = 0
	Connected     ReadyState = 1
	Connecting    ReadyState = 2
	Disconnecting ReadyState = 3
)

func (s ReadyState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Connecting:
		return "connecting"
	case Disconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// Event names a connection lifecycle event.
type Event string

const (
	EventConnecting    Event = "connecting"
	EventConnected     Event = "connected"
	EventOpen          Event = "open"
	EventDisconnecting Event = "disconnecting"
	EventDisconnected  Event = "disconnected"
	EventClose         Event = "close"
	EventError         Event = "error"
)

// Listener receives a connection event; err is set for EventError only.
type Listener func(err error)

type listener struct {
	fn   Listener
	once bool
}

// ConnectOptions are the client settings used by Connect.
type ConnectOptions = store.ClientOptions

// DefaultConnectOptions returns pool size 10/1, 30s server selection, 45s
// socket timeout, retryable writes and majority write concern.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		MaxPoolSize:            10,
		MinPoolSize:            1,
		ServerSelectionTimeout: 30 * time.Second,
		SocketTimeout:          45 * time.Second,
		RetryWrites:            true,
		WriteConcern:           "majority",
	}
}

const (
	defaultPort     = 27017
	defaultDatabase = "test"
)

// Connection owns the backing store handle shared by every model.
type Connection struct {
	// connectMu serializes Connect and Disconnect.
	connectMu sync.Mutex

	mu    sync.RWMutex
	state ReadyState
	db    store.Database
	host  string
	port  int
	name  string

	lmu       sync.Mutex
	listeners map[Event][]listener

	dialer   store.Dialer
	log      *zap.Logger
	observer Observer
	cache    Cache
	cacheTTL time.Duration
	retry    *resilience.RetryConfig
	registry *Registry
}

// Option configures a Connection.
type Option func(*Connection)

// WithDialer replaces the MongoDB driver dialer.
func WithDialer(d store.Dialer) Option {
	return func(c *Connection) { c.dialer = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Connection) { c.log = l }
}

func WithObserver(o Observer) Option {
	return func(c *Connection) { c.observer = o }
}

// WithCache enables the lean query result cache.
func WithCache(cache Cache) Option {
	return func(c *Connection) { c.cache = cache }
}

// WithCacheTTL caches lean find and findOne results for ttl unless the
// query sets its own with Query.Cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Connection) { c.cacheTTL = ttl }
}

// WithRetry sets the backoff used while connecting.
func WithRetry(cfg *resilience.RetryConfig) Option {
	return func(c *Connection) { c.retry = cfg }
}

func NewConnection(opts ...Option) *Connection {
	c := &Connection{
		listeners: make(map[Event][]listener),
		dialer:    mongostore.Dial,
		log:       zap.NewNop(),
		observer:  NopObserver{},
		retry:     resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.observer == nil {
		c.observer = NopObserver{}
	}
	c.registry = NewRegistry(c, c.log)
	return c
}

// Connect opens the store at uri. It is a no-op, with a warning, when the
// connection is already established. The first opts value replaces
// DefaultConnectOptions entirely.
func (c *Connection) Connect(ctx context.Context, uri string, opts ...ConnectOptions) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.ReadyState() == Connected {
		c.log.Warn("already connected", zap.String("database", c.Name()))
		return nil
	}

	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		err = fmt.Errorf("odm: parse connection uri: %w", err)
		c.emit(EventError, err)
		return err
	}
	options := DefaultConnectOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	c.setState(Connecting)
	c.emit(EventConnecting, nil)

	db, err := resilience.RetryWithResult(ctx, c.retryConfig(), func(ctx context.Context) (store.Database, error) {
		db, err := c.dialer(ctx, uri, options)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(ctx); err != nil {
			_ = db.Close(ctx)
			return nil, err
		}
		return db, nil
	})
	if err != nil {
		c.setState(Disconnected)
		c.log.Error("connect failed", zap.Error(err))
		c.emit(EventError, err)
		return err
	}

	host, port := hostPort(cs.Hosts)
	name := db.Name()
	if name == "" {
		name = cs.Database
	}
	if name == "" {
		name = defaultDatabase
	}

	c.mu.Lock()
	c.db = db
	c.host, c.port, c.name = host, port, name
	c.state = Connected
	c.mu.Unlock()

	c.log.Info("connected", zap.String("host", host), zap.Int("port", port), zap.String("database", name))
	c.emit(EventConnected, nil)
	c.emit(EventOpen, nil)
	return nil
}

func (c *Connection) retryConfig() *resilience.RetryConfig {
	cfg := *c.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
			c.log.Warn("connect attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		}
	}
	return &cfg
}

func hostPort(hosts []string) (string, int) {
	if len(hosts) == 0 {
		return "localhost", defaultPort
	}
	host, portStr, err := net.SplitHostPort(hosts[0])
	if err != nil {
		return hosts[0], defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = defaultPort
	}
	return host, port
}

// Disconnect closes the store. It is a no-op, with a warning, when already
// disconnected; a failed close leaves the connection connected.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.ReadyState() == Disconnected {
		c.log.Warn("already disconnected")
		return nil
	}

	c.mu.Lock()
	db := c.db
	c.state = Disconnecting
	c.mu.Unlock()
	c.emit(EventDisconnecting, nil)

	if db != nil {
		if err := db.Close(ctx); err != nil {
			c.setState(Connected)
			c.log.Error("disconnect failed", zap.Error(err))
			c.emit(EventError, err)
			return err
		}
	}

	c.mu.Lock()
	c.db = nil
	c.host, c.port, c.name = "", 0, ""
	c.state = Disconnected
	c.mu.Unlock()

	c.log.Info("disconnected")
	c.emit(EventDisconnected, nil)
	c.emit(EventClose, nil)
	return nil
}

// Close is Disconnect.
func (c *Connection) Close(ctx context.Context) error {
	return c.Disconnect(ctx)
}

func (c *Connection) setState(s ReadyState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) ReadyState() ReadyState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) Host() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host
}

func (c *Connection) Port() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.port
}

// Name returns the database name.
func (c *Connection) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Database returns the live store handle.
func (c *Connection) Database() (store.Database, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, apperrors.ErrNotConnected
	}
	return c.db, nil
}

// Ping reports whether the store answers. It never returns an error.
func (c *Connection) Ping(ctx context.Context) bool {
	db, err := c.Database()
	if err != nil {
		return false
	}
	return db.Ping(ctx) == nil
}

// Collection returns a collection handle or NOT_CONNECTED.
func (c *Connection) Collection(name string) (store.Collection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, apperrors.NotConnected(name)
	}
	return c.db.Collection(name), nil
}

func (c *Connection) StartSession(ctx context.Context) (store.Session, error) {
	db, err := c.Database()
	if err != nil {
		return nil, err
	}
	return db.StartSession(ctx)
}

// WithTransaction runs fn in a transaction on a fresh session. The session
// is always ended. Operations in fn must use the context it receives.
func (c *Connection) WithTransaction(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	sess, err := c.StartSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.EndSession(context.WithoutCancel(ctx))
	return sess.WithTransaction(ctx, fn)
}

func (c *Connection) CreateCollection(ctx context.Context, name string) error {
	db, err := c.Database()
	if err != nil {
		return err
	}
	return db.CreateCollection(ctx, name)
}

func (c *Connection) DropCollection(ctx context.Context, name string) error {
	db, err := c.Database()
	if err != nil {
		return err
	}
	if err := db.DropCollection(ctx, name); err != nil {
		return err
	}
	c.invalidate(ctx, name)
	return nil
}

func (c *Connection) ListCollections(ctx context.Context) ([]string, error) {
	db, err := c.Database()
	if err != nil {
		return nil, err
	}
	return db.ListCollectionNames(ctx)
}

func (c *Connection) DropDatabase(ctx context.Context) error {
	db, err := c.Database()
	if err != nil {
		return err
	}
	if err := db.Drop(ctx); err != nil {
		return err
	}
	for _, m := range c.registry.Models() {
		c.invalidate(ctx, m.collection)
	}
	return nil
}

func (c *Connection) invalidate(ctx context.Context, collection string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Invalidate(ctx, collection); err != nil {
		c.log.Warn("cache invalidation failed", zap.String("collection", collection), zap.Error(err))
	}
}

// On registers fn for every occurrence of event.
func (c *Connection) On(event Event, fn Listener) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.listeners[event] = append(c.listeners[event], listener{fn: fn})
}

// Once registers fn for the next occurrence of event.
func (c *Connection) Once(event Event, fn Listener) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.listeners[event] = append(c.listeners[event], listener{fn: fn, once: true})
}

// emit calls listeners synchronously in registration order.
func (c *Connection) emit(event Event, err error) {
	c.lmu.Lock()
	current := c.listeners[event]
	kept := current[:0:0]
	for _, l := range current {
		if !l.once {
			kept = append(kept, l)
		}
	}
	c.listeners[event] = kept
	c.lmu.Unlock()

	for _, l := range current {
		l.fn(err)
	}
}

// Registry returns the model registry owned by the connection.
func (c *Connection) Registry() *Registry {
	return c.registry
}

// Model registers or returns a model; see Registry.Model.
func (c *Connection) Model(name string, schema *Schema, collection ...string) *Model {
	return c.registry.Model(name, schema, collection...)
}
