// Package pool implements a bounded pool of expensive physical connections.
// Idle connections live in a lock-free LIFO bag, every connection is wrapped
// by an Entry whose state is driven by compare-and-swap, and three background
// sweeps retire idle and over-aged entries and flag suspected leaks.
package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Connection is a physical connection managed by the pool.
type Connection interface {
	Close() error
}

// Opener is implemented by connections that can report whether they are
// still usable. A connection that reports false is never handed out.
type Opener interface {
	IsOpen() bool
}

// Factory opens and validates one new physical connection.
type Factory func(ctx context.Context) (Connection, error)

// EntryState is the lifecycle state of an Entry.
type EntryState int32

const (
	StateNotInUse EntryState = 0  // buffered in the bag or freshly created
	StateInUse    EntryState = 1  // handed out to a caller
	StateRemoved  EntryState = -1 // retired, never handed out again
	StateReserved EntryState = -2 // legal but unused by the base protocol
)

func (s EntryState) String() string {
	switch s {
	case StateNotInUse:
		return "NOT_IN_USE"
	case StateInUse:
		return "IN_USE"
	case StateRemoved:
		return "REMOVED"
	case StateReserved:
		return "RESERVED"
	default:
		return "INVALID"
	}
}

// watch indexes the scheduler queues an Entry can belong to.
type watch int

const (
	watchIdle watch = iota
	watchLifetime
	watchUse
	numWatches
)

// StateObserver is notified after a successful state transition.
type StateObserver func(e *Entry, state EntryState)

// Entry wraps exactly one physical connection with its lifecycle metadata.
type Entry struct {
	// id is a debugging identifier, unique only within one pool instance.
	id int64

	conn Connection
	pool *Pool

	// generation is the size generation the entry was counted in.
	generation uint32

	// lifetime is the per-entry maximum age, 0 when unbounded.
	lifetime time.Duration

	state atomic.Int32

	// createdAt and accessedAt are unix nanoseconds, zeroed by Close.
	createdAt  atomic.Int64
	accessedAt atomic.Int64

	useCount atomic.Uint64

	// yielded guards the hand-over of conn to the physical closer.
	yielded atomic.Bool

	watched  [numWatches]atomic.Bool
	observer StateObserver
}

// newEntry creates an Entry in the NotInUse state.
func newEntry(id int64, conn Connection, p *Pool, generation uint32, lifetime time.Duration) *Entry {
	e := &Entry{
		id:         id,
		conn:       conn,
		pool:       p,
		generation: generation,
		lifetime:   lifetime,
	}
	now := time.Now().UnixNano()
	e.createdAt.Store(now)
	e.accessedAt.Store(now)
	return e
}

// ID returns the debugging identifier.
func (e *Entry) ID() int64 {
	return e.id
}

// State returns the current state.
func (e *Entry) State() EntryState {
	return EntryState(e.state.Load())
}

// CompareAndSetState moves the entry from expect to next atomically.
// It returns false and leaves the state untouched if another goroutine
// changed it first.
func (e *Entry) CompareAndSetState(expect, next EntryState) bool {
	if !e.state.CompareAndSwap(int32(expect), int32(next)) {
		return false
	}
	e.notify(next)
	return true
}

// SetState sets the state unconditionally.
func (e *Entry) SetState(next EntryState) {
	e.state.Store(int32(next))
	e.notify(next)
}

// notify calls the observer. A panicking observer never undoes a transition.
func (e *Entry) notify(state EntryState) {
	if e.observer == nil {
		return
	}
	defer func() { _ = recover() }()
	e.observer(e, state)
}

// CreatedAt returns the creation time, or the zero time once closed.
func (e *Entry) CreatedAt() time.Time {
	return fromNanos(e.createdAt.Load())
}

// AccessedAt returns the last acquire/release time, or the zero time once closed.
func (e *Entry) AccessedAt() time.Time {
	return fromNanos(e.accessedAt.Load())
}

// UseCount returns how many times the entry has been handed out.
func (e *Entry) UseCount() uint64 {
	return e.useCount.Load()
}

// touch records an access at t.
func (e *Entry) touch(t time.Time) {
	e.accessedAt.Store(t.UnixNano())
}

// markAcquired records a hand-out at t.
func (e *Entry) markAcquired(t time.Time) {
	e.touch(t)
	e.useCount.Add(1)
}

// idleFor returns the time elapsed since the last access.
func (e *Entry) idleFor(now time.Time) time.Duration {
	return elapsed(e.accessedAt.Load(), now)
}

// age returns the time elapsed since creation.
func (e *Entry) age(now time.Time) time.Duration {
	return elapsed(e.createdAt.Load(), now)
}

// Close retires the entry unconditionally and clears its timestamps so no
// in-flight observation mistakes it for live. The physical connection is
// returned to the first caller only; later calls return nil.
func (e *Entry) Close() Connection {
	e.SetState(StateRemoved)
	e.accessedAt.Store(0)
	e.createdAt.Store(0)
	if !e.yielded.CompareAndSwap(false, true) {
		return nil
	}
	return e.conn
}

// Recycle records the release time and hands the entry back to its pool.
func (e *Entry) Recycle(lastAccess time.Time) {
	if e.pool == nil {
		return
	}
	e.touch(lastAccess)
	e.pool.Recycle(e)
}

// isOpen reports whether the physical connection is still usable.
func (e *Entry) isOpen() bool {
	if o, ok := e.conn.(Opener); ok {
		return o.IsOpen()
	}
	return true
}

func (e *Entry) String() string {
	return fmt.Sprintf("entry %d (%s, accessed %v ago, uses=%d)",
		e.id, e.State(), e.idleFor(time.Now()).Truncate(time.Millisecond), e.UseCount())
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// elapsed returns now minus the stamp, or 0 for a cleared stamp.
func elapsed(stamp int64, now time.Time) time.Duration {
	if stamp == 0 {
		return 0
	}
	return time.Duration(now.UnixNano() - stamp)
}
