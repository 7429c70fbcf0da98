package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/fx"

	"github.com/jrjohn/harbor-go/internal/admin"
	"github.com/jrjohn/harbor-go/pkg/store/memstore"
)

const userSchema = `
model: User
fields:
  email: {type: String, required: true, unique: true}
  age: {type: Number, min: 0}
`

const auditSchema = `
model: Audit
collection: audit_log
options:
  autoIndex: false
  versionKey: ""
fields:
  action: String
`

type fixture struct {
	db         *memstore.Database
	schemaDir  string
	configPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	schemaDir := filepath.Join(dir, "schemas")
	require.NoError(t, os.Mkdir(schemaDir, 0o755))
	write(t, filepath.Join(schemaDir, "user.yaml"), userSchema)
	write(t, filepath.Join(schemaDir, "audit.yaml"), auditSchema)

	configPath := filepath.Join(dir, "config.yaml")
	write(t, configPath, fmt.Sprintf(`
database:
  uri: mongodb://localhost:27017/cli_test
retry:
  max_attempts: 1
tracing:
  enabled: false
odm:
  schema_dir: %s
`, schemaDir))

	return &fixture{db: memstore.New("cli_test"), schemaDir: schemaDir, configPath: configPath}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(fx.Supply(memstore.Dialer(f.db)))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", f.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPing(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "ping")
	require.NoError(t, err)
	assert.Equal(t, "connected to localhost:27017/cli_test\n", out)
}

func TestCollections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.db.Collection("users").InsertOne(ctx, bson.D{{Key: "email", Value: "a@b.io"}})
	require.NoError(t, err)
	_, err = f.db.Collection("events").InsertOne(ctx, bson.D{{Key: "kind", Value: "x"}})
	require.NoError(t, err)

	out, err := f.run(t, "collections")
	require.NoError(t, err)
	assert.Equal(t, "events\nusers  (User)\n", out)
}

func TestIndexesSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.run(t, "indexes", "sync")
	require.NoError(t, err)
	assert.Equal(t, "User (users)\n  + email_1\n", out)

	indexes, err := f.db.Collection("users").ListIndexes(ctx)
	require.NoError(t, err)
	var names []string
	for _, idx := range indexes {
		names = append(names, idx["name"].(string))
	}
	assert.ElementsMatch(t, []string{"_id_", "email_1"}, names)
}

func TestModels(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "models")
	require.NoError(t, err)
	assert.Equal(t, "Audit -> audit_log\n"+
		"  paths:   action, _id\n"+
		"User -> users\n"+
		"  paths:   email, age, _id, __v\n"+
		"  indexes: email_1\n", out)

	explicit, err := f.run(t, "models", f.schemaDir)
	require.NoError(t, err)
	assert.Equal(t, out, explicit)
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	schema := filepath.Join(f.schemaDir, "user.yaml")

	good := filepath.Join(t.TempDir(), "good.json")
	write(t, good, `{"email": "a@b.io", "age": {"$numberInt": "30"}}`)
	out, err := f.run(t, "validate", schema, good)
	require.NoError(t, err)
	assert.Equal(t, "valid User\n", out)

	bad := filepath.Join(t.TempDir(), "bad.json")
	write(t, bad, `{"age": -2}`)
	out, err = f.run(t, "validate", schema, bad)
	require.Error(t, err)
	assert.Contains(t, out, "email: email is required (REQUIRED)\n")
	assert.Contains(t, out, "age: ")
	assert.Contains(t, err.Error(), "2 validation error(s)")

	malformed := filepath.Join(t.TempDir(), "malformed.json")
	write(t, malformed, `{"age": `)
	_, err = f.run(t, "validate", schema, malformed)
	assert.Error(t, err)

	_, err = f.run(t, "validate", schema)
	assert.Error(t, err)
}

func TestConfigErrors(t *testing.T) {
	f := newFixture(t)
	f.configPath = filepath.Join(t.TempDir(), "absent.yaml")

	_, err := f.run(t, "ping")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestModels_NoSchemaDir(t *testing.T) {
	f := newFixture(t)
	write(t, f.configPath, "database:\n  uri: mongodb://localhost:27017/cli_test\n")

	_, err := f.run(t, "models")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no schema directory")
}

func TestToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin.jwt_secret is not set")

	t.Setenv("HARBOR_ADMIN_JWT_SECRET", "s3cret")
	t.Setenv("HARBOR_ADMIN_JWT_ISSUER", "harbor")
	out, err := f.run(t, "token", "--subject", "ops", "--ttl", "5m")
	require.NoError(t, err)

	claims, err := admin.NewAuthenticator("s3cret", "harbor").Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), claims.ExpiresAt.Time, time.Minute)

	_, err = f.run(t, "token", "--ttl", "0s")
	assert.Error(t, err)
}
