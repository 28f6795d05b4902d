// Package health fornece funcionalidade de health check para os pools e a infraestrutura.
// Verifica cada pool com uma aquisição de teste e a conectividade com o Redis.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joao-brasil/hikaripool/internal/driver"
	"github.com/joao-brasil/hikaripool/internal/pool"
)

// Status representa o status de saúde de um componente.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth representa a saúde de um único componente.
type ComponentHealth struct {
	Name    string      `json:"name"`
	Status  Status      `json:"status"`
	Message string      `json:"message,omitempty"`
	Latency string      `json:"latency"`
	Stats   *pool.Stats `json:"stats,omitempty"`
}

// HealthReport é o relatório geral de saúde.
type HealthReport struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Pools is the set of pools a Checker inspects.
type Pools interface {
	Pools() []*pool.Pool
}

// Checker realiza health checks contra os pools e o Redis.
type Checker struct {
	pools        Pools
	redisClient  redis.UniversalClient
	instanceID   string
	probeTimeout time.Duration
	log          *zap.Logger
}

// NewChecker cria um novo health checker. redisClient may be nil when
// diagnostics do not use Redis.
func NewChecker(pools Pools, redisClient redis.UniversalClient, instanceID string, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{
		pools:        pools,
		redisClient:  redisClient,
		instanceID:   instanceID,
		probeTimeout: 5 * time.Second,
		log:          log,
	}
}

// Check realiza health checks em todos os componentes e retorna um relatório.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
	}

	var (
		mu         sync.Mutex
		components []ComponentHealth
	)
	add := func(ch ComponentHealth) {
		mu.Lock()
		components = append(components, ch)
		mu.Unlock()
	}

	var g errgroup.Group

	if c.redisClient != nil {
		g.Go(func() error {
			add(c.checkRedis(ctx))
			return nil
		})
	}

	for _, p := range c.pools.Pools() {
		g.Go(func() error {
			add(c.checkPool(ctx, p))
			return nil
		})
	}

	_ = g.Wait()

	report.Components = components

	// Pior status entre os componentes define o geral.
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}

	return report
}

// checkRedis verifica a conectividade com o Redis.
func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	err := c.redisClient.Ping(ctx).Err()
	latency := time.Since(start)

	if err != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", err),
			Latency: latency.String(),
		}
	}

	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: latency.String(),
	}
}

// checkPool borrows a connection, pings it and gives it back. A pool at
// capacity is degraded rather than unhealthy.
func (c *Checker) checkPool(ctx context.Context, p *pool.Pool) ComponentHealth {
	start := time.Now()
	stats := p.Stats()
	ch := ComponentHealth{
		Name:  "pool-" + p.Name(),
		Stats: &stats,
	}

	if stats.State != pool.StateNormal {
		ch.Status = StatusUnhealthy
		ch.Message = "pool is " + stats.State.String()
		ch.Latency = time.Since(start).String()
		return ch
	}

	// The context outlives the acquisition budget so exhaustion reports as a timeout.
	ctx, cancel := context.WithTimeout(ctx, 2*c.probeTimeout)
	defer cancel()

	conn, err := p.GetConnectionTimeout(ctx, c.probeTimeout)
	if err != nil {
		ch.Latency = time.Since(start).String()
		ch.Message = err.Error()
		ch.Status = StatusUnhealthy
		if pool.IsTimeout(err) && stats.InUse >= stats.Max {
			ch.Status = StatusDegraded
			ch.Message = "pool exhausted"
		}
		return ch
	}
	defer conn.Close()

	if err := driver.Ping(ctx, conn.Conn()); err != nil {
		// Ping falhou: a conexão não deve voltar ao pool.
		conn.Entry().SetState(pool.StateRemoved)
		ch.Status = StatusUnhealthy
		ch.Message = fmt.Sprintf("ping failed: %v", err)
		ch.Latency = time.Since(start).String()
		c.log.Warn("pool probe failed", zap.String("pool", p.Name()), zap.Error(err))
		return ch
	}

	ch.Status = StatusHealthy
	ch.Message = fmt.Sprintf("%d/%d in use, %d idle", stats.InUse, stats.Max, stats.Idle)
	ch.Latency = time.Since(start).String()
	return ch
}

// Handler returns the health endpoints.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()

	report := func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(rep)
	}
	mux.HandleFunc("/health", report)
	mux.HandleFunc("/health/ready", report)

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	return mux
}

// ServeHTTP inicia o servidor HTTP de health check.
func (c *Checker) ServeHTTP(port int) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      c.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		c.log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.Error("HTTP server error", zap.Error(err))
		}
	}()

	return server
}
