package diagnostics

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joao-brasil/hikaripool/internal/pool"
)

// StatsSource provides pool snapshots.
type StatsSource interface {
	Stats() []pool.Stats
}

// Reporter periodically writes a snapshot of every pool to Redis under a
// key that expires, so a dead instance disappears on its own.
type Reporter struct {
	client     redis.UniversalClient
	source     StatsSource
	instanceID string
	interval   time.Duration
	ttl        time.Duration
	log        *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReporter creates a reporter. Start must be called to run it.
func NewReporter(client redis.UniversalClient, source StatsSource, instanceID string, interval, ttl time.Duration, log *zap.Logger) *Reporter {
	if interval == 0 {
		interval = 10 * time.Second
	}
	if ttl == 0 {
		ttl = 3 * interval
	}
	return &Reporter{
		client:     client,
		source:     source,
		instanceID: instanceID,
		interval:   interval,
		ttl:        ttl,
		log:        log,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the reporting loop in a background goroutine.
func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
	r.log.Info("snapshot reporter started",
		zap.Duration("interval", r.interval),
		zap.Duration("ttl", r.ttl),
		zap.String("instance", r.instanceID))
}

// Stop ends the loop and waits for it.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reporter) loop(ctx context.Context) {
	defer r.wg.Done()

	// Send initial snapshot immediately.
	r.Report(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report(ctx)
		}
	}
}

// Report writes one snapshot per pool.
func (r *Reporter) Report(ctx context.Context) {
	now := time.Now()
	pipe := r.client.Pipeline()
	for _, s := range r.source.Stats() {
		key := fmt.Sprintf(keySnapshot, s.Name, r.instanceID)
		pipe.HSet(ctx, key, snapshotFields(s, now))
		pipe.Expire(ctx, key, r.ttl)
		pipe.SAdd(ctx, fmt.Sprintf(keyInstanceList, s.Name), r.instanceID)
	}
	_, err := pipe.Exec(ctx)
	observe("snapshot", err)
	if err != nil {
		r.log.Warn("failed to write pool snapshot", zap.Error(err))
	}
}

// snapshotFields flattens stats into hash fields.
func snapshotFields(s pool.Stats, now time.Time) map[string]any {
	return map[string]any{
		"state":    s.State.String(),
		"size":     strconv.Itoa(s.Size),
		"idle":     strconv.Itoa(s.Idle),
		"in_use":   strconv.Itoa(s.InUse),
		"max":      strconv.Itoa(s.Max),
		"min_idle": strconv.Itoa(s.MinIdle),
		"updated":  strconv.FormatInt(now.Unix(), 10),
	}
}
