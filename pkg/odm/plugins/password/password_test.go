package password_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/crypto/bcrypt"

	"github.com/jrjohn/harbor-go/internal/resilience"
	apperrors "github.com/jrjohn/harbor-go/pkg/errors"
	"github.com/jrjohn/harbor-go/pkg/odm"
	"github.com/jrjohn/harbor-go/pkg/odm/plugins/password"
	"github.com/jrjohn/harbor-go/pkg/store/memstore"
)

func newModel(t *testing.T, opts password.Options) *odm.Model {
	t.Helper()
	ctx := context.Background()
	conn := odm.NewConnection(
		odm.WithDialer(memstore.Dialer(memstore.New("password_test"))),
		odm.WithRetry(resilience.NoRetry()),
	)
	require.NoError(t, conn.Connect(ctx, "mongodb://localhost:27017/password_test"))
	t.Cleanup(func() { _ = conn.Disconnect(ctx) })

	schema := odm.NewSchema(odm.Def("email", odm.Def("type", "String", "required", true)))
	schema.Plugin(password.Plugin(opts))
	return conn.Model("Account", schema)
}

func TestPlugin_HashesOnSave(t *testing.T) {
	ctx := context.Background()
	accounts := newModel(t, password.Options{Cost: bcrypt.MinCost})
	require.NotNil(t, accounts.Schema().Path(password.DefaultPath))

	doc, err := accounts.Create(ctx, bson.M{"email": "a@b.io", "password": "hunter22"})
	require.NoError(t, err)
	stored, _ := doc.Get("password").(string)
	assert.NotEqual(t, "hunter22", stored)
	assert.True(t, password.IsHash(stored))

	ok, err := doc.Call(ctx, password.CompareMethod, "hunter22")
	require.NoError(t, err)
	assert.Equal(t, true, ok)
	ok, err = doc.Call(ctx, password.CompareMethod, "wrong")
	require.NoError(t, err)
	assert.Equal(t, false, ok)

	// A reload followed by an unrelated change keeps the hash.
	loaded, err := accounts.FindByID(doc.ID()).One(ctx)
	require.NoError(t, err)
	require.NoError(t, loaded.Set("email", "c@d.io"))
	require.NoError(t, loaded.Save(ctx))
	assert.Equal(t, stored, loaded.Get("password"))
	assert.True(t, password.Compare(loaded, "password", "hunter22"))

	require.NoError(t, loaded.Set("password", "correct horse"))
	require.NoError(t, loaded.Save(ctx))
	assert.True(t, password.Compare(loaded, "password", "correct horse"))
	assert.False(t, password.Compare(loaded, "password", "hunter22"))
}

func TestPlugin_FailedValidationDoesNotDoubleHash(t *testing.T) {
	ctx := context.Background()
	accounts := newModel(t, password.Options{Cost: bcrypt.MinCost})

	doc := accounts.New(bson.M{"password": "hunter22"})
	require.Error(t, doc.Save(ctx))
	require.NoError(t, doc.Set("email", "a@b.io"))
	require.NoError(t, doc.Save(ctx))
	assert.True(t, password.Compare(doc, "password", "hunter22"))
}

func TestPlugin_MinLength(t *testing.T) {
	ctx := context.Background()
	accounts := newModel(t, password.Options{Cost: bcrypt.MinCost, MinLength: 8})

	_, err := accounts.Create(ctx, bson.M{"email": "a@b.io", "password": "short"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrHookAborted))
	valErr, ok := apperrors.AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, []string{"password"}, valErr.Paths())

	n, err := accounts.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPlugin_CustomPath(t *testing.T) {
	ctx := context.Background()
	accounts := newModel(t, password.Options{Path: "secret", Cost: bcrypt.MinCost})

	doc, err := accounts.Create(ctx, bson.M{"email": "a@b.io", "secret": "s3cret!"})
	require.NoError(t, err)
	assert.True(t, password.Compare(doc, "secret", "s3cret!"))
	assert.Nil(t, doc.Get("password"))
}

func TestCompareMethod_BadArgs(t *testing.T) {
	ctx := context.Background()
	accounts := newModel(t, password.Options{Cost: bcrypt.MinCost})
	doc := accounts.New(bson.M{"email": "a@b.io"})

	_, err := doc.Call(ctx, password.CompareMethod)
	assert.Error(t, err)
	_, err = doc.Call(ctx, password.CompareMethod, 42)
	assert.Error(t, err)
	assert.False(t, password.Compare(doc, "password", ""))
}

func TestIsHash(t *testing.T) {
	hashed, err := bcrypt.GenerateFromPassword([]byte("x"), bcrypt.MinCost)
	require.NoError(t, err)
	assert.True(t, password.IsHash(string(hashed)))
	assert.False(t, password.IsHash("plain"))
	assert.False(t, password.IsHash(""))
}
