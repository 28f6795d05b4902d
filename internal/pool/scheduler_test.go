package pool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestScheduler(t *testing.T, cfg SchedulerConfig) (*Scheduler, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewScheduler(cfg, zap.New(core))
	t.Cleanup(s.Stop)
	return s, logs
}

// staleEntry returns an entry last accessed and created an hour ago.
func staleEntry(id int64, state EntryState) *Entry {
	e := detachedEntry(id)
	past := time.Now().Add(-time.Hour).UnixNano()
	e.createdAt.Store(past)
	e.accessedAt.Store(past)
	e.SetState(state)
	return e
}

func TestSchedulerIdleExpiry(t *testing.T) {
	var expired atomic.Int32
	s, _ := newTestScheduler(t, SchedulerConfig{
		Name:        "test",
		IdleTimeout: 10 * time.Millisecond,
		OnExpire:    func(n int) { expired.Add(int32(n)) },
	})

	e := staleEntry(1, StateNotInUse)
	s.ScheduleIdleTimeout(e)

	require.Eventually(t, func() bool { return e.State() == StateRemoved }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return expired.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		idle, _, _ := s.Pending()
		return idle == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerIdleSkipsInUse(t *testing.T) {
	s, _ := newTestScheduler(t, SchedulerConfig{IdleTimeout: 5 * time.Millisecond})

	e := staleEntry(1, StateInUse)
	s.ScheduleIdleTimeout(e)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateInUse, e.State())
	idle, _, _ := s.Pending()
	assert.Equal(t, 1, idle)
}

func TestSchedulerDeduplicates(t *testing.T) {
	s, _ := newTestScheduler(t, SchedulerConfig{IdleTimeout: time.Hour, MaxLifetime: 2 * time.Hour})

	e := detachedEntry(1)
	for i := 0; i < 3; i++ {
		s.ScheduleIdleTimeout(e)
		s.ScheduleMaxLive(e)
	}
	idle, lifetime, use := s.Pending()
	assert.Equal(t, 1, idle)
	assert.Equal(t, 1, lifetime)
	assert.Zero(t, use)

	s.Clear()
	idle, lifetime, _ = s.Pending()
	assert.Zero(t, idle)
	assert.Zero(t, lifetime)

	// Membership is released by Clear.
	s.ScheduleIdleTimeout(e)
	idle, _, _ = s.Pending()
	assert.Equal(t, 1, idle)
}

func TestSchedulerDisabledSweepsIgnoreSchedules(t *testing.T) {
	s, _ := newTestScheduler(t, SchedulerConfig{})

	e := detachedEntry(1)
	s.ScheduleIdleTimeout(e)
	s.ScheduleMaxLive(e)
	s.ScheduleUse(e)

	idle, lifetime, use := s.Pending()
	assert.Zero(t, idle+lifetime+use)
}

func TestSchedulerLifetimeUsesEntryLifetime(t *testing.T) {
	s, _ := newTestScheduler(t, SchedulerConfig{MaxLifetime: 10 * time.Millisecond})

	young := detachedEntry(1)
	young.lifetime = time.Hour
	young.createdAt.Store(time.Now().Add(-time.Minute).UnixNano())
	old := staleEntry(2, StateNotInUse)

	s.ScheduleMaxLive(young)
	s.ScheduleMaxLive(old)

	require.Eventually(t, func() bool { return old.State() == StateRemoved }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateNotInUse, young.State())
}

func TestSchedulerLifetimeWaitsForRelease(t *testing.T) {
	s, _ := newTestScheduler(t, SchedulerConfig{MaxLifetime: 5 * time.Millisecond})

	e := staleEntry(1, StateInUse)
	s.ScheduleMaxLive(e)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateInUse, e.State())

	e.SetState(StateNotInUse)
	require.Eventually(t, func() bool { return e.State() == StateRemoved }, time.Second, 5*time.Millisecond)
}

func TestSchedulerLeakDetection(t *testing.T) {
	leaks := make(chan time.Duration, 16)
	s, logs := newTestScheduler(t, SchedulerConfig{
		Name:                   "test",
		LeakDetectionThreshold: 10 * time.Millisecond,
		OnLeak: func(_ *Entry, held time.Duration) {
			select {
			case leaks <- held:
			default:
			}
		},
	})

	e := staleEntry(1, StateInUse)
	s.ScheduleUse(e)

	select {
	case held := <-leaks:
		assert.Greater(t, held, 10*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("leak not reported")
	}
	assert.Equal(t, StateInUse, e.State(), "leak detection is observational")
	assert.NotZero(t, logs.FilterMessage("connection leak suspected").Len())
}

func TestSchedulerLeakDropsReleasedEntries(t *testing.T) {
	var leaked atomic.Int32
	s, _ := newTestScheduler(t, SchedulerConfig{
		LeakDetectionThreshold: 5 * time.Millisecond,
		OnLeak:                 func(*Entry, time.Duration) { leaked.Add(1) },
	})

	e := staleEntry(1, StateNotInUse)
	s.ScheduleUse(e)

	require.Eventually(t, func() bool {
		_, _, use := s.Pending()
		return use == 0
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, leaked.Load())
}

func TestSchedulerLeakDisabledLoopExits(t *testing.T) {
	shorten(t, &leakDisabledPause, time.Millisecond)
	shorten(t, &leakDisabledCycles, 3)

	_, logs := newTestScheduler(t, SchedulerConfig{})

	require.Eventually(t, func() bool {
		return logs.FilterMessage("leak detection disabled, sweep exited").Len() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	s := NewScheduler(SchedulerConfig{IdleTimeout: time.Hour, MaxLifetime: 2 * time.Hour}, nil)
	s.ScheduleIdleTimeout(detachedEntry(1))

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	idle, _, _ := s.Pending()
	assert.Zero(t, idle)
}
