package testutil

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/jrjohn/harbor-go/pkg/store"
	"github.com/jrjohn/harbor-go/pkg/store/mongostore"
)

// testIDCounter is used to generate unique test IDs
var testIDCounter uint64

// TestConfig holds test configuration
type TestConfig struct {
	RedisAddr string
	MongoURI  string
}

// DefaultTestConfig returns default test configuration
func DefaultTestConfig() TestConfig {
	redisAddr := os.Getenv("TEST_REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6380"
	}

	return TestConfig{
		RedisAddr: redisAddr,
		MongoURI:  os.Getenv("TEST_MONGO_URI"),
	}
}

// NewTestLogger creates a test logger
func NewTestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// NewTestRedisClient creates a Redis client on DB 15 and skips the test when
// Redis is unreachable.
func NewTestRedisClient(t *testing.T, config TestConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: config.RedisAddr,
		DB:   15,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}

	client.FlushDB(ctx)

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

// NewTestMongoDB dials TEST_MONGO_URI and drops the database on cleanup. The
// test is skipped when the variable is unset or the server is unreachable.
func NewTestMongoDB(t *testing.T, config TestConfig) store.Database {
	if config.MongoURI == "" {
		t.Skip("TEST_MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := mongostore.Dial(ctx, config.MongoURI, store.ClientOptions{
		ServerSelectionTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close(context.Background())
		t.Skipf("MongoDB ping failed: %v", err)
	}

	t.Cleanup(func() {
		db.Drop(context.Background())
		db.Close(context.Background())
	})

	return db
}

// WaitForCondition waits for a condition to be true
func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for condition: %s", message)
}

// GenerateTestID generates a unique test ID using an atomic counter
func GenerateTestID() string {
	id := atomic.AddUint64(&testIDCounter, 1)
	return fmt.Sprintf("test-%d-%d", time.Now().UnixNano(), id)
}

// SkipIfShort skips the test if running in short mode
func SkipIfShort(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping in short mode")
	}
}
