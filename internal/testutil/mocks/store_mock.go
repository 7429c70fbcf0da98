// Package mocks provides test doubles for the store contract.
package mocks

import (
	"context"
	"sync"

	"github.com/jrjohn/harbor-go/pkg/store"
)

// MockDatabase delegates to an underlying store.Database unless a callback
// overrides the call. Calls are counted per method.
type MockDatabase struct {
	store.Database

	mu    sync.Mutex
	calls map[string]int

	// Callbacks for testing
	OnPing  func(ctx context.Context) error
	OnClose func(ctx context.Context) error
}

// NewMockDatabase wraps db.
func NewMockDatabase(db store.Database) *MockDatabase {
	return &MockDatabase{Database: db, calls: make(map[string]int)}
}

func (m *MockDatabase) record(method string) {
	m.mu.Lock()
	m.calls[method]++
	m.mu.Unlock()
}

// Calls returns how many times method was invoked.
func (m *MockDatabase) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockDatabase) Ping(ctx context.Context) error {
	m.record("Ping")
	if m.OnPing != nil {
		return m.OnPing(ctx)
	}
	return m.Database.Ping(ctx)
}

func (m *MockDatabase) Close(ctx context.Context) error {
	m.record("Close")
	if m.OnClose != nil {
		return m.OnClose(ctx)
	}
	return m.Database.Close(ctx)
}

// MockDialer returns a store.Dialer whose results come from OnDial, falling
// back to db. Attempts counts every dial.
type MockDialer struct {
	mu       sync.Mutex
	attempts int

	DB     store.Database
	OnDial func(attempt int, uri string, opts store.ClientOptions) (store.Database, error)
	// LastOptions records the options of the most recent dial.
	LastOptions store.ClientOptions
}

// Dial implements store.Dialer.
func (d *MockDialer) Dial(ctx context.Context, uri string, opts store.ClientOptions) (store.Database, error) {
	d.mu.Lock()
	d.attempts++
	attempt := d.attempts
	d.LastOptions = opts
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.OnDial != nil {
		return d.OnDial(attempt, uri, opts)
	}
	return d.DB, nil
}

// Attempts returns the number of dials so far.
func (d *MockDialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}
