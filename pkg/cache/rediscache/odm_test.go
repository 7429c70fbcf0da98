package rediscache

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/jrjohn/harbor-go/internal/resilience"
	"github.com/jrjohn/harbor-go/internal/testutil"
	"github.com/jrjohn/harbor-go/pkg/odm"
	"github.com/jrjohn/harbor-go/pkg/store/memstore"
)

func TestCache_BacksLeanQueries(t *testing.T) {
	c, _, ctx := setupTestCache(t)
	conn := odm.NewConnection(
		odm.WithDialer(memstore.Dialer(memstore.New("harbor_test"))),
		odm.WithLogger(testutil.NewTestLogger(t)),
		odm.WithRetry(resilience.NoRetry()),
		odm.WithCache(c),
	)
	if err := conn.Connect(ctx, "mongodb://localhost/harbor_test"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Disconnect(ctx)

	Tags := conn.Model("Tag", odm.NewSchema(odm.Def("label", "String")))
	if _, err := Tags.Create(ctx, bson.M{"label": "go"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	find := func() int {
		recs, err := Tags.Find(nil).Cache(time.Minute).Records(ctx)
		if err != nil {
			t.Fatalf("Records() error = %v", err)
		}
		return len(recs)
	}
	if n := find(); n != 1 {
		t.Fatalf("first read = %d records, want 1", n)
	}
	if n := find(); n != 1 {
		t.Fatalf("cached read = %d records, want 1", n)
	}

	if _, err := Tags.Create(ctx, bson.M{"label": "redis"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if n := find(); n != 2 {
		t.Errorf("read after write = %d records, want 2", n)
	}
}
