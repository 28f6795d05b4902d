// Package main is the entrypoint for the load generator.
// It builds the configured pools in-process and hammers them with
// concurrent acquire/ping/release cycles, then prints per-pool results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/hikaripool/internal/config"
	"github.com/joao-brasil/hikaripool/internal/driver"
	"github.com/joao-brasil/hikaripool/internal/logger"
	"github.com/joao-brasil/hikaripool/internal/pool"
)

var (
	serviceConfigPath = flag.String("config", "configs/poold.yaml", "Path to service configuration file")
	bucketsConfigPath = flag.String("buckets", "configs/buckets.yaml", "Path to buckets configuration file")
	workers           = flag.Int("workers", 50, "Concurrent workers per pool")
	duration          = flag.Duration("duration", 30*time.Second, "Test duration")
	hold              = flag.Duration("hold", 10*time.Millisecond, "Time each worker holds a connection")
	acquireTimeout    = flag.Duration("acquire-timeout", 2*time.Second, "Budget for every acquisition")
)

type counters struct {
	ok, timeouts, failures atomic.Int64
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*serviceConfigPath, *bucketsConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	root := logger.New(logger.Config{Level: cfg.Service.Log.Level, Format: "console"})
	defer root.Sync()
	log := root.Named("loadgen")

	registry := pool.NewRegistry(pool.DefaultNamePrefix, pool.Options{Logger: root.Named("pool")})
	defer registry.Close()

	for i := range cfg.Buckets {
		b := &cfg.Buckets[i]
		pc := cfg.PoolConfig(b)
		factory, err := driver.ForBucket(b, pc.ValidationTimeout)
		if err != nil {
			log.Fatal("building driver", zap.String("bucket", b.ID), zap.Error(err))
		}
		if _, err := registry.Add(pc, factory); err != nil {
			log.Fatal("initializing pool", zap.String("bucket", b.ID), zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	results := make(map[string]*counters)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range registry.Pools() {
		c := &counters{}
		results[p.Name()] = c
		for w := 0; w < *workers; w++ {
			g.Go(func() error {
				for gctx.Err() == nil {
					run(gctx, p, c)
				}
				return nil
			})
		}
	}

	log.Info("load started",
		zap.Int("pools", len(results)),
		zap.Int("workers_per_pool", *workers),
		zap.Duration("duration", *duration))
	start := time.Now()
	_ = g.Wait()
	elapsed := time.Since(start)

	for _, s := range registry.Stats() {
		c := results[s.Name]
		ok := c.ok.Load()
		fmt.Printf("%-20s ok=%-8d timeouts=%-6d failures=%-6d rate=%.0f/s size=%d/%d idle=%d\n",
			s.Name, ok, c.timeouts.Load(), c.failures.Load(),
			float64(ok)/elapsed.Seconds(), s.Size, s.Max, s.Idle)
	}
}

// run performs one acquire/ping/hold/release cycle.
func run(ctx context.Context, p *pool.Pool, c *counters) {
	conn, err := p.GetConnectionTimeout(ctx, *acquireTimeout)
	switch {
	case err == nil:
	case pool.IsTimeout(err):
		c.timeouts.Add(1)
		return
	case ctx.Err() != nil:
		return
	default:
		c.failures.Add(1)
		return
	}
	defer conn.Close()

	if err := driver.Ping(ctx, conn.Conn()); err != nil {
		if ctx.Err() == nil {
			c.failures.Add(1)
			conn.Entry().SetState(pool.StateRemoved)
		}
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(*hold):
	}
	c.ok.Add(1)
}
