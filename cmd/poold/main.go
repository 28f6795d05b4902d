// Package main is the entrypoint for the connection pool daemon.
// It loads configuration, builds one pool per bucket, exposes metrics and
// health checks, wires diagnostics and handles graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joao-brasil/hikaripool/internal/config"
	"github.com/joao-brasil/hikaripool/internal/diagnostics"
	"github.com/joao-brasil/hikaripool/internal/driver"
	"github.com/joao-brasil/hikaripool/internal/health"
	"github.com/joao-brasil/hikaripool/internal/logger"
	"github.com/joao-brasil/hikaripool/internal/pool"
	"github.com/joao-brasil/hikaripool/pkg/bucket"
)

var (
	serviceConfigPath = flag.String("config", "configs/poold.yaml", "Path to service configuration file")
	bucketsConfigPath = flag.String("buckets", "configs/buckets.yaml", "Path to buckets configuration file")
)

func main() {
	flag.Parse()

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(*serviceConfigPath, *bucketsConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	root := logger.New(logger.Config{
		Level:       cfg.Service.Log.Level,
		Format:      cfg.Service.Log.Format,
		Development: cfg.Service.Log.Development,
	}).With(zap.String("instance", cfg.Service.InstanceID))
	defer root.Sync()
	log := root.Named("main")

	log.Info("configuration loaded", zap.Int("buckets", len(cfg.Buckets)))

	// ─── Diagnostics ─────────────────────────────────────────────────
	var (
		rdb   redis.UniversalClient
		sinks []pool.Sink
	)
	if cfg.Diagnostics.LogEvents {
		sinks = append(sinks, diagnostics.NewLogSink(root.Named("events")))
	}
	if cfg.UsesRedis() {
		rdb = diagnostics.NewRedisClient(cfg.Redis)
		defer rdb.Close()
		if err := diagnostics.Ping(context.Background(), rdb, cfg.Redis, root.Named("redis")); err != nil {
			// Diagnostics are best effort; pools run without them.
			log.Warn("redis unavailable, diagnostics will retry on every write", zap.Error(err))
		}
		if cfg.Diagnostics.RedisEvents {
			sinks = append(sinks, diagnostics.NewRedisSink(rdb, cfg.Diagnostics.ChannelPrefix, cfg.Redis.WriteTimeout, root.Named("events")))
		}
	}

	// ─── Pools ───────────────────────────────────────────────────────
	registry := pool.NewRegistry(pool.DefaultNamePrefix, pool.Options{
		Logger: root.Named("pool"),
		Sinks:  sinks,
	})
	defer func() {
		log.Info("closing pools")
		registry.Close()
	}()

	if err := addPools(cfg, registry, driver.ForBucket, log); err != nil {
		// log.Fatal pula os defers: fecha o Redis antes de sair.
		if rdb != nil {
			_ = rdb.Close()
		}
		log.Fatal("initializing pools", zap.Error(err))
	}

	var reporter *diagnostics.Reporter
	if rdb != nil && cfg.Diagnostics.SnapshotInterval > 0 {
		reporter = diagnostics.NewReporter(rdb, registry, cfg.Service.InstanceID,
			cfg.Diagnostics.SnapshotInterval, cfg.Diagnostics.SnapshotTTL, root.Named("reporter"))
		reporter.Start(context.Background())
	}

	// ─── Metrics HTTP server (Prometheus scrape endpoint) ────────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("metrics server listening", zap.Int("port", cfg.Service.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	// ─── Health Checker ──────────────────────────────────────────────
	checker := health.NewChecker(registry, rdb, cfg.Service.InstanceID, root.Named("health"))
	healthServer := checker.ServeHTTP(cfg.Service.HealthCheckPort)

	report := checker.Check(context.Background())
	for _, comp := range report.Components {
		log.Info("initial health",
			zap.String("component", comp.Name),
			zap.String("status", string(comp.Status)),
			zap.String("message", comp.Message),
			zap.String("latency", comp.Latency))
	}

	// ─── Graceful Shutdown ───────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("ready, waiting for shutdown signal")
	sig := <-sigCh
	log.Info("shutting down gracefully", zap.Stringer("signal", sig))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("health server shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown error", zap.Error(err))
	}
	if reporter != nil {
		reporter.Stop()
	}

	log.Info("shutdown complete")
}

// factoryBuilder returns the connection factory of a bucket.
type factoryBuilder func(b *bucket.Bucket, validation time.Duration) (pool.Factory, error)

// addPools registers one pool per bucket. On failure it closes the registry,
// so pools created for earlier buckets release their connections.
func addPools(cfg *config.Config, registry *pool.Registry, build factoryBuilder, log *zap.Logger) error {
	for i := range cfg.Buckets {
		b := &cfg.Buckets[i]
		pc := cfg.PoolConfig(b)
		factory, err := build(b, pc.ValidationTimeout)
		if err == nil {
			_, err = registry.Add(pc, factory)
		}
		if err != nil {
			registry.Close()
			return fmt.Errorf("bucket %s: %w", b.ID, err)
		}
		log.Info("bucket ready",
			zap.String("bucket", b.ID),
			zap.String("driver", b.Driver),
			zap.String("addr", b.Addr()),
			zap.Int("max", pc.MaximumPoolSize))
	}
	return nil
}
