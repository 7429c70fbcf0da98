package odm

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jrjohn/harbor-go/internal/resilience"
	"github.com/jrjohn/harbor-go/pkg/store/memstore"
)

const testURI = "mongodb://localhost:27017/harbor_test"

// connect returns a live connection over a fresh in-memory database.
func connect(t *testing.T, opts ...Option) (*Connection, *memstore.Database) {
	t.Helper()
	db := memstore.New("harbor_test")
	base := []Option{
		WithDialer(memstore.Dialer(db)),
		WithLogger(zaptest.NewLogger(t)),
		WithRetry(resilience.NoRetry()),
	}
	conn := NewConnection(append(base, opts...)...)
	require.NoError(t, conn.Connect(context.Background(), testURI))
	t.Cleanup(func() { _ = conn.Disconnect(context.Background()) })
	return conn, db
}

func userSchema() *Schema {
	return NewSchema(Def(
		"email", Def("type", "String", "required", true, "unique", true, "lowercase", true, "trim", true),
		"name", "String",
		"age", "Number",
		"password", Def("type", "String", "select", false),
	), WithTimestamps())
}

// recordingObserver captures operations and cache lookups.
type recordingObserver struct {
	mu     sync.Mutex
	ops    []string
	errs   []error
	hits   int
	misses int
}

func (r *recordingObserver) ObserveOperation(ctx context.Context, _, op string) (context.Context, func(error)) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
	return ctx, func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	}
}

func (r *recordingObserver) ObserveCache(_ context.Context, _ string, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func (r *recordingObserver) counts() (hits, misses int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits, r.misses
}
