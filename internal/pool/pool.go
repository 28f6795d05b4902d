package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/joao-brasil/hikaripool/internal/metrics"
)

// State is the pool-wide lifecycle state.
type State int32

const (
	StateNormal State = iota
	StateSuspended
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateSuspended:
		return "suspended"
	case StateShutdown:
		return "shutdown"
	default:
		return "invalid"
	}
}

// The background filler bursts, then pauses fillerPause for up to
// fillerCycles cycles before exiting until the next empty-bag acquisition
// re-arms it. Tests shorten them.
var (
	fillerPause  = 2 * time.Second
	fillerCycles = 10
)

// acquirePoll bounds how long a waiter sleeps without a wake-up signal.
const acquirePoll = 100 * time.Millisecond

// Options carries the optional collaborators of a pool.
type Options struct {
	Logger *zap.Logger
	// Sinks receive diagnostics events asynchronously.
	Sinks []Sink
	// StateObserver is called after every entry state transition.
	StateObserver StateObserver
}

// Pool hands out and reclaims physical connections under a size ceiling.
type Pool struct {
	cfg     Config
	minIdle int
	factory Factory

	bag       *Bag
	scheduler *Scheduler
	events    *notifier

	state atomic.Int32
	gate  *gate

	// mu serializes Clear and ShutDown.
	mu sync.Mutex

	// slots packs the size generation (high 32 bits) with the number of
	// live physical connections counted in it (low 32 bits).
	slots   atomic.Uint64
	nextID  atomic.Int64
	filling atomic.Bool

	// wake receives a token whenever capacity may have become available.
	wake chan struct{}

	log         *zap.Logger
	failLimiter *rate.Limiter
	observer    StateObserver

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New validates cfg, builds the pool and runs the eager initial fill.
func New(cfg Config, factory Factory, opts Options) (*Pool, error) {
	if factory == nil {
		return nil, configError(cfg.Name, "factory is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("pool", cfg.Name))

	p := &Pool{
		cfg:         cfg,
		minIdle:     resolveMinimumIdle(cfg.MinimumIdle, cfg.MaximumPoolSize),
		factory:     factory,
		gate:        newGate(),
		wake:        make(chan struct{}, cfg.MaximumPoolSize),
		log:         log,
		failLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
		observer:    opts.StateObserver,
		stopCh:      make(chan struct{}),
	}
	p.events = newNotifier(opts.Sinks, log, func() {
		metrics.EventsDropped.WithLabelValues(cfg.Name).Inc()
	})
	p.bag = NewBag(cfg.IdleBucketTimeout, p.closeEntries)
	p.bag.onPurge = func(n int) {
		metrics.BucketPurges.WithLabelValues(cfg.Name).Add(float64(n))
		p.events.emit(Event{Kind: EventBucketPurged, Pool: cfg.Name, Count: n})
		p.log.Info("idle bucket purged", zap.Int("entries", n))
	}
	p.scheduler = NewScheduler(SchedulerConfig{
		Name:                   cfg.Name,
		IdleTimeout:            cfg.IdleTimeout,
		MaxLifetime:            cfg.MaxLifetime,
		LeakDetectionThreshold: cfg.LeakDetectionThreshold,
		OnExpire:               func(int) { p.bag.Reconcile() },
		OnLeak: func(e *Entry, held time.Duration) {
			metrics.LeakWarnings.WithLabelValues(cfg.Name).Inc()
			p.events.emit(Event{Kind: EventLeakSuspected, Pool: cfg.Name, EntryID: e.ID(), Held: held})
		},
	}, log.Named("scheduler"))

	metrics.MaxSize.WithLabelValues(cfg.Name).Set(float64(cfg.MaximumPoolSize))
	p.fillFast()
	p.updateMetrics()

	if cfg.LogInterval > 0 {
		p.wg.Add(1)
		go p.statsLoop(cfg.LogInterval)
	}

	log.Info("pool started",
		zap.Int("max", cfg.MaximumPoolSize),
		zap.Int("min_idle", p.minIdle),
		zap.Int("idle", p.bag.Count()))
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.cfg.Name
}

// Config returns the settings the pool was built with.
func (p *Pool) Config() Config {
	return p.cfg
}

// State returns the lifecycle state.
func (p *Pool) State() State {
	return State(p.state.Load())
}

// Size returns the number of live physical connections.
func (p *Pool) Size() int {
	_, n := unpackSlots(p.slots.Load())
	return int(n)
}

// GetConnection acquires a connection within the configured ConnectionTimeout.
func (p *Pool) GetConnection(ctx context.Context) (*ProxyConn, error) {
	return p.GetConnectionTimeout(ctx, p.cfg.ConnectionTimeout)
}

// GetConnectionTimeout acquires a connection within timeout. It prefers a
// buffered entry, grows the pool directly while under the ceiling, and
// otherwise waits for a release until the budget is exhausted.
func (p *Pool) GetConnectionTimeout(ctx context.Context, timeout time.Duration) (*ProxyConn, error) {
	if p.State() == StateShutdown {
		metrics.AcquireTotal.WithLabelValues(p.cfg.Name, "closed").Inc()
		return nil, p.closedError()
	}
	if p.State() == StateSuspended {
		if err := p.gate.wait(ctx); err != nil {
			metrics.AcquireTotal.WithLabelValues(p.cfg.Name, "cancelled").Inc()
			return nil, err
		}
	}

	start := time.Now()
	deadline := start.Add(timeout)
	defer func() {
		metrics.AcquireWait.WithLabelValues(p.cfg.Name).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for {
		if p.State() == StateShutdown {
			metrics.AcquireTotal.WithLabelValues(p.cfg.Name, "closed").Inc()
			return nil, p.closedError()
		}

		if e, ok := p.bag.TryPop(); ok {
			if e.State() == StateRemoved || !p.current(e) {
				p.closeEntry(e)
				continue
			}
			metrics.AcquireTotal.WithLabelValues(p.cfg.Name, "pooled").Inc()
			return p.lease(e), nil
		}

		p.fillAsync()
		// Direct creation never outlives the caller's budget.
		budget := min(time.Until(deadline), p.cfg.ConnectionTimeout)
		if budget > 0 && p.Size() < p.cfg.MaximumPoolSize {
			e, err := p.createEntry(ctx, budget)
			if err == nil {
				e.CompareAndSetState(StateNotInUse, StateInUse)
				metrics.AcquireTotal.WithLabelValues(p.cfg.Name, "created").Inc()
				return p.lease(e), nil
			}
			if err != errNoSlot {
				lastErr = err
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.AcquireTotal.WithLabelValues(p.cfg.Name, "timeout").Inc()
			return nil, &Error{
				Pool:    p.cfg.Name,
				Kind:    KindTimeout,
				Timeout: timeout,
				Waited:  time.Since(start),
				Err:     lastErr,
			}
		}
		if err := p.await(ctx, remaining); err != nil {
			metrics.AcquireTotal.WithLabelValues(p.cfg.Name, "cancelled").Inc()
			return nil, err
		}
	}
}

// await sleeps until capacity may be available, the budget runs out or
// ctx is done.
func (p *Pool) await(ctx context.Context, remaining time.Duration) error {
	if remaining > acquirePoll {
		remaining = acquirePoll
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.bag.Available():
	case <-p.wake:
	case <-timer.C:
	}
	return nil
}

// lease registers an acquired entry on the use watch and wraps it.
func (p *Pool) lease(e *Entry) *ProxyConn {
	now := time.Now()
	e.markAcquired(now)
	p.scheduler.ScheduleUse(e)
	return newProxyConn(e, now)
}

// Recycle takes an entry back from its holder.
func (p *Pool) Recycle(e *Entry) {
	if e.State() == StateRemoved || p.State() == StateShutdown || !p.current(e) || !e.isOpen() {
		p.closeEntry(e)
		return
	}
	if !p.bag.Push(e) {
		p.closeEntry(e)
		return
	}
	p.scheduler.ScheduleIdleTimeout(e)
	if p.State() == StateShutdown {
		// Lost a race with ShutDown's drain.
		p.drainBag()
	}
	p.updateMetrics()
}

// Clear closes every idle entry and starts a new size generation. Entries
// checked out at the time are closed when released.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() == StateShutdown {
		return
	}
	p.gate.close()
	p.state.Store(int32(StateSuspended))

	p.resetSlots()
	closed := p.drainBag()
	p.scheduler.Clear()

	p.state.Store(int32(StateNormal))
	p.gate.open()
	p.updateMetrics()
	p.log.Info("pool cleared", zap.Int("closed", closed))
}

// ShutDown permanently closes the pool. Concurrent and repeated calls are
// serialized; only the first one does any work.
func (p *Pool) ShutDown() {
	p.mu.Lock()
	if p.State() == StateShutdown {
		p.mu.Unlock()
		return
	}
	p.logState("before shutdown")
	p.state.Store(int32(StateShutdown))
	// Waiters parked on a suspended pool must observe the shutdown.
	p.gate.open()

	p.resetSlots()
	closed := p.drainBag()
	p.scheduler.Stop()
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	// A filler that raced the drain may have pushed one last entry.
	closed += p.drainBag()
	p.bag.Close()
	p.updateMetrics()
	p.logState("after shutdown")
	p.log.Info("pool shut down", zap.Int("closed", closed))
	p.events.close()
}

// Stats is a point-in-time snapshot of a pool.
type Stats struct {
	Name    string
	State   State
	Size    int
	Idle    int
	InUse   int
	Max     int
	MinIdle int
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	size := p.Size()
	idle := p.bag.Count()
	inUse := size - idle
	if inUse < 0 {
		inUse = 0
	}
	return Stats{
		Name:    p.cfg.Name,
		State:   p.State(),
		Size:    size,
		Idle:    idle,
		InUse:   inUse,
		Max:     p.cfg.MaximumPoolSize,
		MinIdle: p.minIdle,
	}
}

// ── Entry creation and destruction ──────────────────────────────────────

// errNoSlot means the pool is at its ceiling; it never reaches a caller.
var errNoSlot = errors.New("pool at maximum size")

// createEntry reserves a slot and opens a physical connection into it,
// giving the factory at most timeout.
func (p *Pool) createEntry(ctx context.Context, timeout time.Duration) (*Entry, error) {
	gen, ok := p.reserveSlot()
	if !ok {
		return nil, errNoSlot
	}

	conn, err := p.open(ctx, timeout)
	if err != nil {
		p.releaseSlot(gen)
		metrics.CreationErrors.WithLabelValues(p.cfg.Name).Inc()
		// Suppressed while suspended or shutting down to avoid a flood of messages.
		if p.State() == StateNormal && p.failLimiter.Allow() {
			p.log.Error("cannot acquire connection from data source", zap.Error(err))
		} else {
			p.log.Debug("cannot acquire connection from data source", zap.Error(err))
		}
		return nil, &Error{Pool: p.cfg.Name, Kind: KindCreation, Err: err}
	}

	e := newEntry(p.nextID.Add(1), conn, p, gen, p.lifetime())
	e.observer = p.observe
	p.scheduler.ScheduleMaxLive(e)

	metrics.EntriesCreated.WithLabelValues(p.cfg.Name).Inc()
	p.events.emit(Event{Kind: EventCreated, Pool: p.cfg.Name, EntryID: e.ID()})
	p.log.Debug("added connection", zap.Int64("entry", e.ID()))
	return e, nil
}

// open calls the factory under timeout and rejects connections that are
// not open.
func (p *Pool) open(ctx context.Context, timeout time.Duration) (Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, errors.New("factory returned nil connection")
	}
	if o, ok := conn.(Opener); ok && !o.IsOpen() {
		_ = conn.Close()
		return nil, fmt.Errorf("factory returned a closed %T", conn)
	}
	return conn, nil
}

// lifetime returns MaxLifetime minus up to 2.5% jitter for long lifetimes.
func (p *Pool) lifetime() time.Duration {
	limit := p.cfg.MaxLifetime
	if limit <= 10*time.Second {
		return limit
	}
	return limit - rand.N(limit/40)
}

// closeEntry retires e and closes its physical connection exactly once.
func (p *Pool) closeEntry(e *Entry) {
	conn := e.Close()
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		p.log.Debug("closing physical connection", zap.Int64("entry", e.ID()), zap.Error(err))
	}
	p.releaseSlot(e.generation)
	metrics.EntriesClosed.WithLabelValues(p.cfg.Name).Inc()
	p.events.emit(Event{Kind: EventClosed, Pool: p.cfg.Name, EntryID: e.ID()})
	p.updateMetrics()
}

// closeEntries is the bag's removal callback.
func (p *Pool) closeEntries(entries []*Entry) {
	for _, e := range entries {
		p.closeEntry(e)
	}
}

// drainBag pops and closes every buffered entry.
func (p *Pool) drainBag() int {
	n := 0
	for {
		e, ok := p.bag.TryPop()
		if !ok {
			if p.bag.IsEmpty() {
				return n
			}
			continue
		}
		p.closeEntry(e)
		n++
	}
}

// observe feeds entry transitions to metrics and the user's observer.
func (p *Pool) observe(e *Entry, state EntryState) {
	metrics.EntryTransitions.WithLabelValues(p.cfg.Name, state.String()).Inc()
	if p.observer != nil {
		p.observer(e, state)
	}
}

// ── Size accounting ─────────────────────────────────────────────────────

func packSlots(gen, n uint32) uint64 {
	return uint64(gen)<<32 | uint64(n)
}

func unpackSlots(v uint64) (gen, n uint32) {
	return uint32(v >> 32), uint32(v)
}

// reserveSlot counts one more connection unless the pool is full.
func (p *Pool) reserveSlot() (uint32, bool) {
	for {
		v := p.slots.Load()
		gen, n := unpackSlots(v)
		if int(n) >= p.cfg.MaximumPoolSize {
			return 0, false
		}
		if p.slots.CompareAndSwap(v, packSlots(gen, n+1)) {
			return gen, true
		}
	}
}

// releaseSlot uncounts a connection of generation gen. Connections of an
// older generation were already uncounted by a reset.
func (p *Pool) releaseSlot(gen uint32) {
	for {
		v := p.slots.Load()
		g, n := unpackSlots(v)
		if g != gen || n == 0 {
			return
		}
		if p.slots.CompareAndSwap(v, packSlots(g, n-1)) {
			select {
			case p.wake <- struct{}{}:
			default:
			}
			return
		}
	}
}

// resetSlots starts a new generation with a count of zero.
func (p *Pool) resetSlots() {
	for {
		v := p.slots.Load()
		g, _ := unpackSlots(v)
		if p.slots.CompareAndSwap(v, packSlots(g+1, 0)) {
			return
		}
	}
}

// current reports whether e is counted in the current generation.
func (p *Pool) current(e *Entry) bool {
	g, _ := unpackSlots(p.slots.Load())
	return e.generation == g
}

// ── Filling ─────────────────────────────────────────────────────────────

// fillFast eagerly creates up to minimum-idle entries, bounded by
// InitializationFailTimeout. A negative timeout defers all creation.
func (p *Pool) fillFast() {
	timeout := p.cfg.InitializationFailTimeout
	if timeout < 0 || p.minIdle == 0 {
		return
	}
	start := time.Now()
	for p.bag.Count() < p.minIdle {
		e, err := p.createEntry(context.Background(), p.cfg.ConnectionTimeout)
		if err == errNoSlot {
			break
		}
		if err == nil && p.bag.Push(e) {
			p.scheduler.ScheduleIdleTimeout(e)
		}
		if time.Since(start) >= timeout {
			break
		}
	}
	if n := p.bag.Count(); n < p.minIdle {
		p.log.Warn("initial fill incomplete", zap.Int("idle", n), zap.Int("min_idle", p.minIdle))
	}
}

// fillAsync starts the background filler unless one is already running.
// The wg.Add happens under mu so it cannot race ShutDown's wg.Wait.
func (p *Pool) fillAsync() {
	if p.minIdle == 0 || !p.filling.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	if p.State() == StateShutdown {
		p.mu.Unlock()
		p.filling.Store(false)
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		defer p.filling.Store(false)

		for cycle := 0; cycle < fillerCycles; cycle++ {
			p.topUp()
			select {
			case <-p.stopCh:
				return
			case <-time.After(fillerPause):
			}
		}
	}()
}

// topUp creates entries until the bag holds minimum-idle entries or the
// pool is full. A creation error ends the burst until the next cycle.
func (p *Pool) topUp() {
	for p.State() == StateNormal && p.Size() < p.cfg.MaximumPoolSize && p.bag.Count() < p.minIdle {
		e, err := p.createEntry(context.Background(), p.cfg.ConnectionTimeout)
		if err != nil {
			return
		}
		if p.State() != StateNormal || !p.current(e) || !p.bag.Push(e) {
			p.closeEntry(e)
			return
		}
		p.scheduler.ScheduleIdleTimeout(e)
		if p.State() == StateShutdown {
			p.drainBag()
			return
		}
		p.updateMetrics()
	}
}

// ── Housekeeping ────────────────────────────────────────────────────────

// statsLoop logs the pool state on a fixed period until shutdown.
func (p *Pool) statsLoop(interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.logState("periodic")
		}
	}
}

func (p *Pool) logState(prefix string) {
	s := p.Stats()
	idle, lifetime, use := p.scheduler.Pending()
	p.log.Debug(prefix+" stats",
		zap.Stringer("state", s.State),
		zap.Int("total", s.Size),
		zap.Int("active", s.InUse),
		zap.Int("idle", s.Idle),
		zap.Int("watch_idle", idle),
		zap.Int("watch_lifetime", lifetime),
		zap.Int("watch_use", use))
}

// updateMetrics refreshes the Prometheus gauges for this pool.
func (p *Pool) updateMetrics() {
	metrics.PoolSize.WithLabelValues(p.cfg.Name).Set(float64(p.Size()))
	metrics.IdleEntries.WithLabelValues(p.cfg.Name).Set(float64(p.bag.Count()))
}

func (p *Pool) closedError() error {
	return &Error{Pool: p.cfg.Name, Kind: KindClosed}
}
