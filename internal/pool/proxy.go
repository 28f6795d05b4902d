package pool

import (
	"sync/atomic"
	"time"
)

// ProxyConn is the handle a caller receives from GetConnection. Closing it
// returns the underlying entry to the pool instead of closing the physical
// connection.
type ProxyConn struct {
	entry      *Entry
	conn       Connection
	acquiredAt time.Time
	closed     atomic.Bool
}

func newProxyConn(e *Entry, now time.Time) *ProxyConn {
	return &ProxyConn{entry: e, conn: e.conn, acquiredAt: now}
}

// Conn returns the physical connection. Callers type-assert it to the
// driver's connection type. It must not be used after Close.
func (c *ProxyConn) Conn() Connection {
	return c.conn
}

// Entry returns the pool entry backing this handle.
func (c *ProxyConn) Entry() *Entry {
	return c.entry
}

// AcquiredAt returns when the handle was handed out.
func (c *ProxyConn) AcquiredAt() time.Time {
	return c.acquiredAt
}

// CreatedAt returns the creation time of the underlying entry.
func (c *ProxyConn) CreatedAt() time.Time {
	return c.entry.CreatedAt()
}

// IsClosed reports whether Close has been called.
func (c *ProxyConn) IsClosed() bool {
	return c.closed.Load()
}

// Close releases the entry back to its pool. Only the first call has any
// effect.
func (c *ProxyConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.entry.Recycle(time.Now())
	return nil
}
