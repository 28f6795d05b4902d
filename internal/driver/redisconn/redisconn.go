// Package redisconn opens Redis physical connections for the pool.
package redisconn

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/hikaripool/internal/pool"
)

// Options configures new connections.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	// ValidationTimeout bounds the initial PING. 0 selects 5s.
	ValidationTimeout time.Duration
}

// Conn is a single-connection Redis client.
type Conn struct {
	client *redis.Client
	closed atomic.Bool
}

// Open dials and pings one connection.
func Open(ctx context.Context, opts Options) (*Conn, error) {
	timeout := opts.ValidationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:            opts.Addr,
		Username:        opts.Username,
		Password:        opts.Password,
		DB:              opts.DB,
		PoolSize:        1,
		MinIdleConns:    1,
		MaxIdleConns:    1,
		ConnMaxIdleTime: -1,
		ConnMaxLifetime: 0,
		DialTimeout:     timeout,
	})

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &Conn{client: client}, nil
}

// NewFactory returns a pool factory opening connections with opts.
func NewFactory(opts Options) pool.Factory {
	return func(ctx context.Context) (pool.Connection, error) {
		return Open(ctx, opts)
	}
}

// Client returns the underlying client. It must not be closed by the caller.
func (c *Conn) Client() *redis.Client {
	return c.client
}

// PingContext verifies the connection is still alive.
func (c *Conn) PingContext(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// IsOpen reports whether Close has not been called.
func (c *Conn) IsOpen() bool {
	return !c.closed.Load()
}

// Close closes the client. Later calls are no-ops.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.client.Close()
}
