package pool

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Leak detection with a zero threshold idles this long per cycle and exits
// after leakDisabledCycles cycles. Tests shorten them.
var (
	leakDisabledPause  = time.Second
	leakDisabledCycles = 10
)

// watchQueue is a FIFO of entries. Each entry is queued at most once per
// queue; membership is tracked on the entry itself.
type watchQueue struct {
	kind  watch
	mu    sync.Mutex
	items []*Entry
}

// schedule enqueues e unless it is already being watched.
func (q *watchQueue) schedule(e *Entry) {
	if !e.watched[q.kind].CompareAndSwap(false, true) {
		return
	}
	q.push(e)
}

func (q *watchQueue) push(e *Entry) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
}

func (q *watchQueue) pop() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	e := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return e, true
}

// drop ends e's membership.
func (q *watchQueue) drop(e *Entry) {
	e.watched[q.kind].Store(false)
}

func (q *watchQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain empties the queue and clears membership of every drained entry.
func (q *watchQueue) drain() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, e := range items {
		q.drop(e)
	}
}

// SchedulerConfig configures the three maintenance sweeps. A zero duration
// disables the corresponding sweep.
type SchedulerConfig struct {
	Name                   string
	IdleTimeout            time.Duration
	MaxLifetime            time.Duration
	LeakDetectionThreshold time.Duration

	// OnExpire is called after a sweep marked at least one entry Removed.
	OnExpire func(n int)
	// OnLeak is called for every in-use entry held longer than the threshold.
	OnLeak func(e *Entry, held time.Duration)
}

// Scheduler runs the idle-timeout, max-lifetime and leak-detection sweeps,
// each over its own watch queue and on its own ticker.
type Scheduler struct {
	cfg SchedulerConfig
	log *zap.Logger

	idle     watchQueue
	lifetime watchQueue
	use      watchQueue

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler and starts its sweep loops.
func NewScheduler(cfg SchedulerConfig, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		cfg:      cfg,
		log:      log,
		idle:     watchQueue{kind: watchIdle},
		lifetime: watchQueue{kind: watchLifetime},
		use:      watchQueue{kind: watchUse},
		stopCh:   make(chan struct{}),
	}

	if cfg.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.sweepLoop("idle", cfg.IdleTimeout, s.sweepIdle)
	}
	if cfg.MaxLifetime > 0 {
		s.wg.Add(1)
		go s.sweepLoop("lifetime", cfg.MaxLifetime, s.sweepLifetime)
	}
	s.wg.Add(1)
	if cfg.LeakDetectionThreshold > 0 {
		go s.sweepLoop("leak", cfg.LeakDetectionThreshold, s.sweepLeaks)
	} else {
		go s.leakDisabledLoop()
	}
	return s
}

// ScheduleIdleTimeout watches e for idle expiry. Called on release.
func (s *Scheduler) ScheduleIdleTimeout(e *Entry) {
	if s.cfg.IdleTimeout > 0 {
		s.idle.schedule(e)
	}
}

// ScheduleMaxLive watches e for lifetime expiry. Called on creation.
func (s *Scheduler) ScheduleMaxLive(e *Entry) {
	if s.cfg.MaxLifetime > 0 {
		s.lifetime.schedule(e)
	}
}

// ScheduleUse watches e for leaks. Called on acquisition.
func (s *Scheduler) ScheduleUse(e *Entry) {
	if s.cfg.LeakDetectionThreshold > 0 {
		s.use.schedule(e)
	}
}

// Pending returns the sizes of the idle, lifetime and use queues.
func (s *Scheduler) Pending() (idle, lifetime, use int) {
	return s.idle.len(), s.lifetime.len(), s.use.len()
}

// Clear drains every queue without stopping the sweeps.
func (s *Scheduler) Clear() {
	s.use.drain()
	s.lifetime.drain()
	s.idle.drain()
}

// Stop drains every queue and ends the sweeps. The scheduler cannot be
// restarted.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.Clear()
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) sweepLoop(name string, interval time.Duration, sweep func(now time.Time)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("sweep started", zap.String("sweep", name), zap.Duration("interval", interval))
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			sweep(now)
		}
	}
}

// leakDisabledLoop keeps the leak task alive briefly and then exits so a
// disabled feature does not leave a goroutine running forever.
func (s *Scheduler) leakDisabledLoop() {
	defer s.wg.Done()
	for i := 0; i < leakDisabledCycles; i++ {
		select {
		case <-s.stopCh:
			return
		case <-time.After(leakDisabledPause):
		}
	}
	s.log.Debug("leak detection disabled, sweep exited")
}

func (s *Scheduler) sweepIdle(now time.Time) {
	expired := 0
	for n := s.idle.len(); n > 0; n-- {
		e, ok := s.idle.pop()
		if !ok {
			break
		}
		if e.idleFor(now) > s.cfg.IdleTimeout && e.CompareAndSetState(StateNotInUse, StateRemoved) {
			expired++
		}
		if e.State() == StateRemoved {
			s.idle.drop(e)
			continue
		}
		s.idle.push(e)
	}
	s.expired("idle", expired)
}

func (s *Scheduler) sweepLifetime(now time.Time) {
	expired := 0
	for n := s.lifetime.len(); n > 0; n-- {
		e, ok := s.lifetime.pop()
		if !ok {
			break
		}
		limit := e.lifetime
		if limit <= 0 {
			limit = s.cfg.MaxLifetime
		}
		if e.age(now) > limit && e.CompareAndSetState(StateNotInUse, StateRemoved) {
			expired++
		}
		if e.State() == StateRemoved {
			s.lifetime.drop(e)
			continue
		}
		s.lifetime.push(e)
	}
	s.expired("lifetime", expired)
}

func (s *Scheduler) sweepLeaks(now time.Time) {
	for n := s.use.len(); n > 0; n-- {
		e, ok := s.use.pop()
		if !ok {
			break
		}
		if e.State() != StateInUse {
			s.use.drop(e)
			// The entry may have been acquired again between the check and the drop.
			if e.State() == StateInUse {
				s.use.schedule(e)
			}
			continue
		}
		if held := e.idleFor(now); held > s.cfg.LeakDetectionThreshold {
			s.log.Warn("connection leak suspected",
				zap.String("pool", s.cfg.Name),
				zap.Int64("entry", e.ID()),
				zap.Duration("held", held))
			if s.cfg.OnLeak != nil {
				s.cfg.OnLeak(e, held)
			}
		}
		s.use.push(e)
	}
}

func (s *Scheduler) expired(sweep string, n int) {
	if n == 0 {
		return
	}
	s.log.Debug("entries expired", zap.String("pool", s.cfg.Name), zap.String("sweep", sweep), zap.Int("count", n))
	if s.cfg.OnExpire != nil {
		s.cfg.OnExpire(n)
	}
}
