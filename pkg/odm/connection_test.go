package odm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	zapobs "go.uber.org/zap/zaptest/observer"

	"github.com/jrjohn/harbor-go/internal/resilience"
	"github.com/jrjohn/harbor-go/internal/testutil/mocks"
	apperrors "github.com/jrjohn/harbor-go/pkg/errors"
	"github.com/jrjohn/harbor-go/pkg/store"
	"github.com/jrjohn/harbor-go/pkg/store/memstore"
)

func recordEvents(c *Connection, events ...Event) *[]Event {
	var got []Event
	for _, e := range events {
		e := e
		c.On(e, func(error) { got = append(got, e) })
	}
	return &got
}

var allEvents = []Event{
	EventConnecting, EventConnected, EventOpen,
	EventDisconnecting, EventDisconnected, EventClose, EventError,
}

func TestReadyState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "disconnecting", Disconnecting.String())
	assert.Equal(t, "unknown", ReadyState(9).String())
}

func TestDefaultConnectOptions(t *testing.T) {
	opts := DefaultConnectOptions()
	assert.Equal(t, uint64(10), opts.MaxPoolSize)
	assert.Equal(t, uint64(1), opts.MinPoolSize)
	assert.Equal(t, 30*time.Second, opts.ServerSelectionTimeout)
	assert.Equal(t, 45*time.Second, opts.SocketTimeout)
	assert.True(t, opts.RetryWrites)
	assert.Equal(t, "majority", opts.WriteConcern)
}

func TestConnection_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db := memstore.New("harbor_test")
	conn := NewConnection(WithDialer(memstore.Dialer(db)), WithRetry(resilience.NoRetry()))
	events := recordEvents(conn, allEvents...)

	assert.Equal(t, Disconnected, conn.ReadyState())
	assert.False(t, conn.Ping(ctx))
	_, err := conn.Collection("users")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotConnected))

	require.NoError(t, conn.Connect(ctx, testURI))
	assert.Equal(t, Connected, conn.ReadyState())
	assert.True(t, conn.Ping(ctx))
	assert.Equal(t, "localhost", conn.Host())
	assert.Equal(t, 27017, conn.Port())
	assert.Equal(t, "harbor_test", conn.Name())
	assert.Equal(t, []Event{EventConnecting, EventConnected, EventOpen}, *events)

	*events = nil
	require.NoError(t, conn.Disconnect(ctx))
	assert.Equal(t, Disconnected, conn.ReadyState())
	assert.Equal(t, []Event{EventDisconnecting, EventDisconnected, EventClose}, *events)
	assert.Empty(t, conn.Host())
	assert.Zero(t, conn.Port())
}

func TestConnection_RepeatCallsWarn(t *testing.T) {
	ctx := context.Background()
	core, logs := zapobs.New(zap.WarnLevel)
	conn := NewConnection(
		WithDialer(memstore.Dialer(memstore.New("harbor_test"))),
		WithLogger(zap.New(core)),
		WithRetry(resilience.NoRetry()),
	)

	require.NoError(t, conn.Disconnect(ctx))
	assert.Equal(t, 1, logs.FilterMessage("already disconnected").Len())

	require.NoError(t, conn.Connect(ctx, testURI))
	require.NoError(t, conn.Connect(ctx, testURI))
	assert.Equal(t, 1, logs.FilterMessage("already connected").Len())
	assert.Equal(t, Connected, conn.ReadyState())
	require.NoError(t, conn.Close(ctx))
}

func TestConnection_HostPortAndDefaultName(t *testing.T) {
	dialer := &mocks.MockDialer{DB: memstore.New("")}
	conn := NewConnection(WithDialer(dialer.Dial), WithRetry(resilience.NoRetry()))

	require.NoError(t, conn.Connect(context.Background(), "mongodb://db.example:27018"))
	assert.Equal(t, "db.example", conn.Host())
	assert.Equal(t, 27018, conn.Port())
	assert.Equal(t, "test", conn.Name())
	assert.Equal(t, DefaultConnectOptions(), dialer.LastOptions)
}

func TestConnection_ExplicitOptionsReplaceDefaults(t *testing.T) {
	dialer := &mocks.MockDialer{DB: memstore.New("app")}
	conn := NewConnection(WithDialer(dialer.Dial), WithRetry(resilience.NoRetry()))

	opts := ConnectOptions{MaxPoolSize: 50, AppName: "harbor"}
	require.NoError(t, conn.Connect(context.Background(), "mongodb://localhost/app", opts))
	assert.Equal(t, opts, dialer.LastOptions)
}

func TestConnection_InvalidURI(t *testing.T) {
	conn := NewConnection(WithDialer(memstore.Dialer(memstore.New("x"))))
	var emitted error
	conn.On(EventError, func(err error) { emitted = err })

	err := conn.Connect(context.Background(), "http://not-mongo")
	require.Error(t, err)
	assert.Equal(t, err, emitted)
	assert.Equal(t, Disconnected, conn.ReadyState())
}

func TestConnection_RetriesDial(t *testing.T) {
	db := memstore.New("harbor_test")
	dialer := &mocks.MockDialer{
		OnDial: func(attempt int, _ string, _ store.ClientOptions) (store.Database, error) {
			if attempt < 3 {
				return nil, errors.New("server selection timeout")
			}
			return db, nil
		},
	}
	conn := NewConnection(WithDialer(dialer.Dial), WithRetry(&resilience.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}))

	require.NoError(t, conn.Connect(context.Background(), testURI))
	assert.Equal(t, 3, dialer.Attempts())
	assert.Equal(t, Connected, conn.ReadyState())
}

func TestConnection_PingFailureClosesAndFails(t *testing.T) {
	mock := mocks.NewMockDatabase(memstore.New("harbor_test"))
	mock.OnPing = func(context.Context) error { return errors.New("no primary") }
	dialer := &mocks.MockDialer{DB: mock}
	conn := NewConnection(WithDialer(dialer.Dial), WithRetry(&resilience.RetryConfig{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
	}))
	var emitted int
	conn.On(EventError, func(error) { emitted++ })

	err := conn.Connect(context.Background(), testURI)
	require.EqualError(t, err, "no primary")
	assert.Equal(t, 2, mock.Calls("Close"))
	assert.Equal(t, 1, emitted)
	assert.Equal(t, Disconnected, conn.ReadyState())
}

func TestConnection_FailedCloseStaysConnected(t *testing.T) {
	ctx := context.Background()
	mock := mocks.NewMockDatabase(memstore.New("harbor_test"))
	mock.OnClose = func(context.Context) error { return errors.New("close failed") }
	conn := NewConnection(WithDialer((&mocks.MockDialer{DB: mock}).Dial), WithRetry(resilience.NoRetry()))
	events := recordEvents(conn, EventError, EventDisconnected)

	require.NoError(t, conn.Connect(ctx, testURI))
	require.EqualError(t, conn.Disconnect(ctx), "close failed")
	assert.Equal(t, Connected, conn.ReadyState())
	assert.Equal(t, []Event{EventError}, *events)

	mock.OnClose = nil
	require.NoError(t, conn.Disconnect(ctx))
	assert.Equal(t, Disconnected, conn.ReadyState())
}

func TestConnection_Once(t *testing.T) {
	ctx := context.Background()
	conn := NewConnection(WithDialer(memstore.Dialer(memstore.New("harbor_test"))), WithRetry(resilience.NoRetry()))
	calls := 0
	conn.Once(EventOpen, func(error) { calls++ })

	require.NoError(t, conn.Connect(ctx, testURI))
	require.NoError(t, conn.Disconnect(ctx))
	require.NoError(t, conn.Connect(ctx, testURI))
	require.NoError(t, conn.Disconnect(ctx))
	assert.Equal(t, 1, calls)
}

func TestConnection_WithTransaction(t *testing.T) {
	ctx := context.Background()
	conn, _ := connect(t)
	Users := conn.Model("User", userSchema())

	out, err := conn.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		d, err := Users.Create(ctx, bson.M{"email": "tx@x.io"})
		if err != nil {
			return nil, err
		}
		return d.ID(), nil
	})
	require.NoError(t, err)
	assert.NotNil(t, out)

	_, err = conn.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		if _, err := Users.Create(ctx, bson.M{"email": "rollback@x.io"}); err != nil {
			return nil, err
		}
		return nil, errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	n, err := Users.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConnection_CollectionAdmin(t *testing.T) {
	ctx := context.Background()
	conn, _ := connect(t)

	require.NoError(t, conn.CreateCollection(ctx, "audit"))
	names, err := conn.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit"}, names)

	require.NoError(t, conn.DropCollection(ctx, "audit"))
	names, err = conn.ListCollections(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, conn.DropDatabase(ctx))
}

func TestConnection_NotConnectedAdmin(t *testing.T) {
	ctx := context.Background()
	conn := NewConnection()

	_, err := conn.ListCollections(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotConnected))
	_, err = conn.WithTransaction(ctx, func(context.Context) (any, error) { return nil, nil })
	assert.True(t, apperrors.Is(err, apperrors.ErrNotConnected))
	assert.Error(t, conn.DropDatabase(ctx))
}
