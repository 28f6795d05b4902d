package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/hikaripool/internal/pool"
)

type fakeConn struct {
	pingErr error
	closes  atomic.Int32
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	return nil
}

func (c *fakeConn) PingContext(context.Context) error {
	return c.pingErr
}

type poolList []*pool.Pool

func (l poolList) Pools() []*pool.Pool { return l }

func newPool(t *testing.T, name string, factory pool.Factory) *pool.Pool {
	t.Helper()
	cfg := pool.DefaultConfig()
	cfg.Name = name
	cfg.MaximumPoolSize = 1
	cfg.MinimumIdle = 0
	cfg.InitializationFailTimeout = -1
	cfg.ConnectionTimeout = 250 * time.Millisecond
	cfg.LogInterval = 0
	p, err := pool.New(cfg, factory, pool.Options{})
	require.NoError(t, err)
	t.Cleanup(p.ShutDown)
	return p
}

func newChecker(pools ...*pool.Pool) *Checker {
	c := NewChecker(poolList(pools), nil, "test-instance", nil)
	c.probeTimeout = 300 * time.Millisecond
	return c
}

func TestCheckHealthyPool(t *testing.T) {
	p := newPool(t, "ok", func(context.Context) (pool.Connection, error) { return &fakeConn{}, nil })

	report := newChecker(p).Check(context.Background())

	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, "test-instance", report.InstanceID)
	require.Len(t, report.Components, 1)
	assert.Equal(t, "pool-ok", report.Components[0].Name)
	require.NotNil(t, report.Components[0].Stats)
	assert.Equal(t, 1, p.Stats().Idle, "the probe returns its connection")
}

func TestCheckFailingFactory(t *testing.T) {
	p := newPool(t, "down", func(context.Context) (pool.Connection, error) { return nil, errors.New("refused") })

	report := newChecker(p).Check(context.Background())

	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Contains(t, report.Components[0].Message, "refused")
}

func TestCheckFailedPingRetiresConnection(t *testing.T) {
	conn := &fakeConn{pingErr: errors.New("broken pipe")}
	p := newPool(t, "flaky", func(context.Context) (pool.Connection, error) { return conn, nil })

	report := newChecker(p).Check(context.Background())

	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, int32(1), conn.closes.Load())
	assert.Zero(t, p.Size())
}

func TestCheckExhaustedPoolIsDegraded(t *testing.T) {
	p := newPool(t, "busy", func(context.Context) (pool.Connection, error) { return &fakeConn{}, nil })
	held, err := p.GetConnection(context.Background())
	require.NoError(t, err)
	defer held.Close()

	report := newChecker(p).Check(context.Background())

	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "pool exhausted", report.Components[0].Message)
}

func TestCheckShutDownPool(t *testing.T) {
	p := newPool(t, "gone", func(context.Context) (pool.Connection, error) { return &fakeConn{}, nil })
	p.ShutDown()

	report := newChecker(p).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestHandler(t *testing.T) {
	healthy := newPool(t, "ok", func(context.Context) (pool.Connection, error) { return &fakeConn{}, nil })
	srv := httptest.NewServer(newChecker(healthy).Handler())
	defer srv.Close()

	for _, path := range []string{"/health", "/health/ready", "/health/live"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		resp.Body.Close()
	}

	down := newPool(t, "down", func(context.Context) (pool.Connection, error) { return nil, errors.New("refused") })
	srv2 := httptest.NewServer(newChecker(down).Handler())
	defer srv2.Close()

	resp, err := http.Get(srv2.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var report HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, StatusUnhealthy, report.Status)
}
