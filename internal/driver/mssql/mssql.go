// Package mssql opens SQL Server physical connections for the pool.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/joao-brasil/hikaripool/internal/pool"
)

// Conn é uma única conexão física com o SQL Server: um *sql.DB limitado a
// uma conexão aberta, para que o pool controle o ciclo de vida real.
type Conn struct {
	db     *sql.DB
	closed atomic.Bool
}

// Options configures new connections.
type Options struct {
	DSN string
	// InitSQL runs once on every new connection. Empty skips it.
	InitSQL string
	// ValidationTimeout bounds the ping and InitSQL. 0 selects 5s.
	ValidationTimeout time.Duration
}

// Open creates, validates and initializes one connection.
func Open(ctx context.Context, opts Options) (*Conn, error) {
	db, err := sql.Open("sqlserver", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening sqlserver connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	timeout := opts.ValidationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(vctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlserver: %w", err)
	}
	if opts.InitSQL != "" {
		if _, err := db.ExecContext(vctx, opts.InitSQL); err != nil {
			db.Close()
			return nil, fmt.Errorf("running connection init sql: %w", err)
		}
	}
	return &Conn{db: db}, nil
}

// NewFactory returns a pool factory opening connections with opts.
func NewFactory(opts Options) pool.Factory {
	return func(ctx context.Context) (pool.Connection, error) {
		return Open(ctx, opts)
	}
}

// DB returns the underlying handle. It must not be closed by the caller.
func (c *Conn) DB() *sql.DB {
	return c.db
}

// PingContext verifies the connection is still alive.
func (c *Conn) PingContext(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// IsOpen reports whether Close has not been called.
func (c *Conn) IsOpen() bool {
	return !c.closed.Load()
}

// Close closes the physical connection. Later calls are no-ops.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.db.Close()
}
