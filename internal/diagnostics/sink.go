package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joao-brasil/hikaripool/internal/pool"
)

// LogSink writes every event to a logger.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink returns a sink logging at debug level, leak suspicions at warn.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(ev pool.Event) {
	fields := []zap.Field{
		zap.String("pool", ev.Pool),
		zap.String("kind", string(ev.Kind)),
		zap.Time("at", ev.At),
	}
	if ev.EntryID != 0 {
		fields = append(fields, zap.Int64("entry", ev.EntryID))
	}
	if ev.Held > 0 {
		fields = append(fields, zap.Duration("held", ev.Held))
	}
	if ev.Count > 0 {
		fields = append(fields, zap.Int("count", ev.Count))
	}
	if ev.Kind == pool.EventLeakSuspected {
		s.log.Warn("pool event", fields...)
		return
	}
	s.log.Debug("pool event", fields...)
}

// RedisSink publishes events on a per-pool channel and keeps per-kind
// counters in a hash.
type RedisSink struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	log     *zap.Logger
}

// NewRedisSink creates a sink. Events for pool p go to channel prefix+p.
func NewRedisSink(client redis.UniversalClient, prefix string, timeout time.Duration, log *zap.Logger) *RedisSink {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisSink{client: client, prefix: prefix, timeout: timeout, log: log}
}

// Channel returns the channel events of the named pool are published on.
func (s *RedisSink) Channel(poolName string) string {
	return s.prefix + poolName
}

func (s *RedisSink) Publish(ev pool.Event) {
	payload, err := encodeEvent(ev)
	if err != nil {
		s.log.Error("encoding pool event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.Publish(ctx, s.Channel(ev.Pool), payload)
	pipe.HIncrBy(ctx, fmt.Sprintf(keyEventCounts, ev.Pool), string(ev.Kind), 1)
	_, err = pipe.Exec(ctx)
	observe("publish", err)
	if err != nil {
		s.log.Debug("publishing pool event", zap.String("pool", ev.Pool), zap.Error(err))
	}
}

// encodeEvent renders an event as published on the channel.
func encodeEvent(ev pool.Event) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeEvent parses a payload produced by RedisSink.
func DecodeEvent(payload []byte) (pool.Event, error) {
	var ev pool.Event
	err := json.Unmarshal(payload, &ev)
	return ev, err
}
