// Package diagnostics publica eventos e snapshots dos pools para fora do
// processo: no log e no Redis.
package diagnostics

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joao-brasil/hikaripool/internal/config"
	"github.com/joao-brasil/hikaripool/internal/metrics"
)

// ── Padrões de Chaves Redis ──────────────────────────────────────────────
const (
	keyEventCounts  = "pool:%s:events"               // hash: kind → contagem
	keySnapshot     = "pool:%s:instance:%s:snapshot" // hash com TTL
	keyInstanceList = "pool:%s:instances"            // conjunto de instâncias que reportam o pool
)

// NewRedisClient builds the diagnostics Redis client.
func NewRedisClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// Ping checks connectivity within the dial timeout.
func Ping(ctx context.Context, client redis.UniversalClient, cfg config.RedisConfig, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
		return fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()
	log.Info("redis connected", zap.String("addr", cfg.Addr))
	return nil
}

func observe(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RedisOperations.WithLabelValues(operation, status).Inc()
}
