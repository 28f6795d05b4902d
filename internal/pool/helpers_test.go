package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// mockConn counts Close calls and tracks concurrent holders.
type mockConn struct {
	id      int
	closes  atomic.Int32
	holders atomic.Int32
	closed  atomic.Bool
}

func (c *mockConn) Close() error {
	c.closes.Add(1)
	c.closed.Store(true)
	return nil
}

func (c *mockConn) IsOpen() bool {
	return !c.closed.Load()
}

// mockFactory hands out mockConns and can be switched to fail.
type mockFactory struct {
	mu    sync.Mutex
	conns []*mockConn
	fail  atomic.Bool
	delay time.Duration
}

func (f *mockFactory) open(ctx context.Context) (Connection, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail.Load() {
		return nil, errBoom
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &mockConn{id: len(f.conns) + 1}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *mockFactory) created() []*mockConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*mockConn, len(f.conns))
	copy(out, f.conns)
	return out
}

// testConfig returns a small pool with every background feature disabled.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.MaximumPoolSize = 2
	cfg.MinimumIdle = 0
	cfg.ConnectionTimeout = 250 * time.Millisecond
	cfg.IdleTimeout = 0
	cfg.MaxLifetime = 0
	cfg.InitializationFailTimeout = -1
	cfg.LogInterval = 0
	return cfg
}

func newTestPool(t *testing.T, cfg Config, f *mockFactory, opts Options) *Pool {
	t.Helper()
	p, err := New(cfg, f.open, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.ShutDown)
	return p
}

// detachedEntry builds an entry with no pool, for bag and scheduler tests.
func detachedEntry(id int64) *Entry {
	return newEntry(id, &mockConn{id: int(id)}, nil, 0, 0)
}

// shorten overrides a package tunable for the duration of a test.
func shorten[T any](t *testing.T, v *T, val T) {
	t.Helper()
	old := *v
	*v = val
	t.Cleanup(func() { *v = old })
}
