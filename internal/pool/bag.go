package pool

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultIdleBucketTimeout is how long the bag may go without draining empty
// before the next push purges everything it buffers.
const DefaultIdleBucketTimeout = 120 * time.Minute

// RemovalFunc receives entries the bag has purged. It runs on the bag's
// notifier goroutine, never on the caller of TryPop/Push.
type RemovalFunc func(entries []*Entry)

// node is an immutable link of the lock-free stack. A node is never reused,
// so a successful CAS on head cannot suffer from ABA.
type node struct {
	entry *Entry
	next  *node
}

// stack is a Treiber stack of entries.
type stack struct {
	head  atomic.Pointer[node]
	count atomic.Int64
}

func (s *stack) push(e *Entry) {
	n := &node{entry: e}
	for {
		top := s.head.Load()
		n.next = top
		if s.head.CompareAndSwap(top, n) {
			s.count.Add(1)
			return
		}
	}
}

func (s *stack) pop() (*Entry, bool) {
	for {
		top := s.head.Load()
		if top == nil {
			return nil, false
		}
		if s.head.CompareAndSwap(top, top.next) {
			s.count.Add(-1)
			return top.entry, true
		}
	}
}

func (s *stack) peek() (*Entry, bool) {
	top := s.head.Load()
	if top == nil {
		return nil, false
	}
	return top.entry, true
}

// Bag is the lock-free idle-entry container. Pops are LIFO so the most
// recently used connection, the one most likely still warm, goes out first.
type Bag struct {
	store stack

	// emptyAt is the unix-nano time the bag was last observed empty.
	emptyAt     atomic.Int64
	idleTimeout time.Duration

	onRemove RemovalFunc
	onPurge  func(n int)

	// available receives a token on every accepted push.
	available chan struct{}

	mu      sync.Mutex
	pending []*Entry
	closed  bool
	signal  chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
}

// NewBag creates a bag and starts its removal notifier. idleTimeout <= 0
// selects DefaultIdleBucketTimeout.
func NewBag(idleTimeout time.Duration, onRemove RemovalFunc) *Bag {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleBucketTimeout
	}
	b := &Bag{
		idleTimeout: idleTimeout,
		onRemove:    onRemove,
		available:   make(chan struct{}, 1),
		signal:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	b.emptyAt.Store(time.Now().UnixNano())
	go b.notifyLoop()
	return b
}

// Count returns the number of buffered entries, including removed ones not
// yet purged.
func (b *Bag) Count() int {
	return int(b.store.count.Load())
}

// IsEmpty reports whether nothing is buffered.
func (b *Bag) IsEmpty() bool {
	return b.store.head.Load() == nil
}

// Available is signalled whenever an entry is pushed.
func (b *Bag) Available() <-chan struct{} {
	return b.available
}

// TryPop removes and returns a usable entry marked InUse. Removed entries
// met on the way are reported and skipped.
func (b *Bag) TryPop() (*Entry, bool) {
	for {
		e, ok := b.store.pop()
		if !ok {
			b.emptyAt.Store(time.Now().UnixNano())
			return nil, false
		}
		if e.State() == StateRemoved {
			b.report(e)
			continue
		}
		// Only this goroutine holds e now; the CAS can only lose to a sweep.
		if !e.CompareAndSetState(StateNotInUse, StateInUse) && e.State() == StateRemoved {
			b.report(e)
			continue
		}
		return e, true
	}
}

// TryPeek returns the top usable entry without removing or claiming it.
// Removed entries on top are popped and reported exactly as in TryPop.
func (b *Bag) TryPeek() (*Entry, bool) {
	for {
		e, ok := b.store.peek()
		if !ok {
			return nil, false
		}
		if e.State() != StateRemoved {
			return e, true
		}
		if popped, ok := b.store.pop(); ok {
			if popped.State() == StateRemoved {
				b.report(popped)
			} else {
				// Lost a race with a push; restore the live entry.
				b.store.push(popped)
			}
		}
	}
}

// Push buffers an entry marked NotInUse. Nil and removed entries are refused.
// A push may first purge the current contents if the bag has not drained
// empty within the idle-bucket window.
func (b *Bag) Push(e *Entry) bool {
	if e == nil || e.State() == StateRemoved {
		return false
	}
	b.checkStale()
	e.CompareAndSetState(StateInUse, StateNotInUse)
	b.store.push(e)
	select {
	case b.available <- struct{}{}:
	default:
	}
	return true
}

// PushRange pushes every entry and returns the rejected ones, which the
// caller must close.
func (b *Bag) PushRange(entries []*Entry) []*Entry {
	var rejected []*Entry
	for _, e := range entries {
		if !b.Push(e) {
			rejected = append(rejected, e)
		}
	}
	return rejected
}

// Remove marks an idle entry Removed. An entry in use is left alone; it is
// dealt with when its holder releases it.
func (b *Bag) Remove(e *Entry) bool {
	return e.CompareAndSetState(StateNotInUse, StateRemoved)
}

// Reconcile purges removed entries buffered anywhere in the bag and keeps
// the live ones in their original order.
func (b *Bag) Reconcile() int {
	var live, removed []*Entry
	for n := b.Count(); n > 0; n-- {
		e, ok := b.store.pop()
		if !ok {
			break
		}
		if e.State() == StateRemoved {
			removed = append(removed, e)
		} else {
			live = append(live, e)
		}
	}
	for i := len(live) - 1; i >= 0; i-- {
		b.store.push(live[i])
	}
	if len(removed) > 0 {
		b.report(removed...)
	}
	return len(removed)
}

// checkStale purges the bag when it has not been empty for longer than the
// idle-bucket window. One pusher wins the purge; the others proceed.
func (b *Bag) checkStale() {
	last := b.emptyAt.Load()
	now := time.Now().UnixNano()
	if time.Duration(now-last) <= b.idleTimeout {
		return
	}
	if !b.emptyAt.CompareAndSwap(last, now) {
		return
	}
	var purged []*Entry
	for {
		e, ok := b.store.pop()
		if !ok {
			break
		}
		e.SetState(StateRemoved)
		purged = append(purged, e)
	}
	if len(purged) == 0 {
		return
	}
	if b.onPurge != nil {
		b.onPurge(len(purged))
	}
	b.report(purged...)
}

// report queues removed entries for the notifier. Once the bag is closed
// they are delivered synchronously.
func (b *Bag) report(entries ...*Entry) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.deliver(entries)
		return
	}
	b.pending = append(b.pending, entries...)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *Bag) notifyLoop() {
	defer close(b.done)
	for {
		select {
		case <-b.signal:
			b.flush()
		case <-b.stopCh:
			b.flush()
			return
		}
	}
}

func (b *Bag) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	b.deliver(batch)
}

func (b *Bag) deliver(entries []*Entry) {
	if len(entries) == 0 || b.onRemove == nil {
		return
	}
	b.onRemove(entries)
}

// Close stops the notifier after delivering every pending removal. Entries
// still buffered are left in place.
func (b *Bag) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.stopCh)
	<-b.done
}
