package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// removals collects entries reported by a bag.
type removals struct {
	mu      sync.Mutex
	entries []*Entry
}

func (r *removals) record(entries []*Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, entries...)
	r.mu.Unlock()
}

func (r *removals) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *removals) contains(e *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.entries {
		if x == e {
			return true
		}
	}
	return false
}

func newTestBag(t *testing.T, idle time.Duration) (*Bag, *removals) {
	t.Helper()
	r := &removals{}
	b := NewBag(idle, r.record)
	t.Cleanup(b.Close)
	return b, r
}

func TestBagPopIsLIFO(t *testing.T) {
	b, _ := newTestBag(t, 0)
	e1, e2, e3 := detachedEntry(1), detachedEntry(2), detachedEntry(3)

	require.True(t, b.Push(e1))
	require.True(t, b.Push(e2))
	require.True(t, b.Push(e3))
	assert.Equal(t, 3, b.Count())

	for _, want := range []*Entry{e3, e2, e1} {
		got, ok := b.TryPop()
		require.True(t, ok)
		assert.Same(t, want, got)
		assert.Equal(t, StateInUse, got.State())
	}
	_, ok := b.TryPop()
	assert.False(t, ok)
	assert.True(t, b.IsEmpty())
}

func TestBagPushMarksNotInUse(t *testing.T) {
	b, _ := newTestBag(t, 0)
	e := detachedEntry(1)
	e.SetState(StateInUse)

	require.True(t, b.Push(e))
	assert.Equal(t, StateNotInUse, e.State())
}

func TestBagPushRejectsNilAndRemoved(t *testing.T) {
	b, _ := newTestBag(t, 0)
	e := detachedEntry(1)
	e.SetState(StateRemoved)

	assert.False(t, b.Push(nil))
	assert.False(t, b.Push(e))
	assert.Zero(t, b.Count())

	rejected := b.PushRange([]*Entry{detachedEntry(2), e, detachedEntry(3)})
	assert.Equal(t, []*Entry{e}, rejected)
	assert.Equal(t, 2, b.Count())
}

func TestBagPopSkipsRemovedAndReportsThem(t *testing.T) {
	b, r := newTestBag(t, 0)
	e1, e2 := detachedEntry(1), detachedEntry(2)
	b.Push(e1)
	b.Push(e2)
	require.True(t, b.Remove(e2))

	got, ok := b.TryPop()
	require.True(t, ok)
	assert.Same(t, e1, got)

	require.Eventually(t, func() bool { return r.contains(e2) }, time.Second, 5*time.Millisecond)
}

func TestBagRemoveLeavesInUseAlone(t *testing.T) {
	b, _ := newTestBag(t, 0)
	e := detachedEntry(1)
	e.SetState(StateInUse)

	assert.False(t, b.Remove(e))
	assert.Equal(t, StateInUse, e.State())
}

func TestBagTryPeekDoesNotClaim(t *testing.T) {
	b, _ := newTestBag(t, 0)
	e := detachedEntry(1)
	b.Push(e)

	got, ok := b.TryPeek()
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.Equal(t, StateNotInUse, e.State())
	assert.Equal(t, 1, b.Count())
}

func TestBagTryPeekDropsRemovedTop(t *testing.T) {
	b, r := newTestBag(t, 0)
	e1, e2 := detachedEntry(1), detachedEntry(2)
	b.Push(e1)
	b.Push(e2)
	e2.SetState(StateRemoved)

	got, ok := b.TryPeek()
	require.True(t, ok)
	assert.Same(t, e1, got)
	assert.Equal(t, 1, b.Count())
	require.Eventually(t, func() bool { return r.contains(e2) }, time.Second, 5*time.Millisecond)
}

func TestBagStalePurge(t *testing.T) {
	b, r := newTestBag(t, time.Minute)
	var purged atomic.Int32
	b.onPurge = func(n int) { purged.Add(int32(n)) }

	old1, old2 := detachedEntry(1), detachedEntry(2)
	b.Push(old1)
	b.Push(old2)

	// Pretend the bag has not drained for longer than the window.
	b.emptyAt.Store(time.Now().Add(-2 * time.Minute).UnixNano())

	fresh := detachedEntry(3)
	require.True(t, b.Push(fresh))

	assert.Equal(t, 1, b.Count())
	assert.Equal(t, StateRemoved, old1.State())
	assert.Equal(t, StateRemoved, old2.State())
	assert.Equal(t, StateNotInUse, fresh.State())
	assert.Equal(t, int32(2), purged.Load())
	require.Eventually(t, func() bool { return r.count() == 2 }, time.Second, 5*time.Millisecond)

	// The window restarts after a purge.
	require.True(t, b.Push(detachedEntry(4)))
	assert.Equal(t, 2, b.Count())
	assert.Equal(t, int32(2), purged.Load())
}

func TestBagReconcileKeepsOrder(t *testing.T) {
	b, r := newTestBag(t, 0)
	e1, e2, e3 := detachedEntry(1), detachedEntry(2), detachedEntry(3)
	b.Push(e1)
	b.Push(e2)
	b.Push(e3)
	b.Remove(e2)

	assert.Equal(t, 1, b.Reconcile())
	assert.Equal(t, 2, b.Count())

	got, _ := b.TryPop()
	assert.Same(t, e3, got)
	got, _ = b.TryPop()
	assert.Same(t, e1, got)
	require.Eventually(t, func() bool { return r.contains(e2) }, time.Second, 5*time.Millisecond)
}

func TestBagReportsSynchronouslyAfterClose(t *testing.T) {
	r := &removals{}
	b := NewBag(0, r.record)
	e1, e2 := detachedEntry(1), detachedEntry(2)
	b.Push(e1)
	b.Push(e2)
	b.Close()

	b.Remove(e1)
	b.Reconcile()
	assert.True(t, r.contains(e1))
	b.Close()
}

func TestBagConcurrentPopPush(t *testing.T) {
	b, _ := newTestBag(t, 0)
	const entries = 8
	holders := make([]atomic.Int32, entries)
	for i := 0; i < entries; i++ {
		b.Push(detachedEntry(int64(i)))
	}

	var g errgroup.Group
	for w := 0; w < 16; w++ {
		g.Go(func() error {
			for i := 0; i < 2000; i++ {
				e, ok := b.TryPop()
				if !ok {
					continue
				}
				if n := holders[e.ID()].Add(1); n != 1 {
					return fmt.Errorf("entry %d held by %d goroutines", e.ID(), n)
				}
				holders[e.ID()].Add(-1)
				if !b.Push(e) {
					return fmt.Errorf("push of live entry %d rejected", e.ID())
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, entries, b.Count())
}
