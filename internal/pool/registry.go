package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DefaultNamePrefix prefixes generated pool names.
const DefaultNamePrefix = "HikariPool"

// Registry gerencia um conjunto de pools nomeados, tipicamente um por bucket.
// Pools sem nome recebem "<prefix>-<n>" a partir de um contador do próprio
// Registry.
type Registry struct {
	mu     sync.RWMutex
	pools  map[string]*Pool
	order  []string
	prefix string
	seq    int
	opts   Options
	log    *zap.Logger
}

// NewRegistry creates an empty registry. opts is shared by every pool it builds.
func NewRegistry(prefix string, opts Options) *Registry {
	if prefix == "" {
		prefix = DefaultNamePrefix
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		pools:  make(map[string]*Pool),
		prefix: prefix,
		opts:   opts,
		log:    log,
	}
}

// Add builds and registers a pool. An empty cfg.Name is generated.
func (r *Registry) Add(cfg Config, factory Factory) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pools == nil {
		return nil, &Error{Pool: cfg.Name, Kind: KindClosed}
	}
	r.seq++
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("%s-%d", r.prefix, r.seq)
	}
	if _, exists := r.pools[cfg.Name]; exists {
		return nil, configError(cfg.Name, "pool %q already registered", cfg.Name)
	}

	p, err := New(cfg, factory, r.opts)
	if err != nil {
		return nil, fmt.Errorf("initializing pool %s: %w", cfg.Name, err)
	}
	r.pools[cfg.Name] = p
	r.order = append(r.order, cfg.Name)
	r.log.Info("pool registered", zap.String("pool", cfg.Name), zap.Int("pools", len(r.pools)))
	return p, nil
}

// Acquire obtém uma conexão do pool especificado.
func (r *Registry) Acquire(ctx context.Context, name string) (*ProxyConn, error) {
	p, ok := r.Pool(name)
	if !ok {
		return nil, fmt.Errorf("unknown pool: %s", name)
	}
	return p.GetConnection(ctx)
}

// Pool retorna o pool para um dado nome.
func (r *Registry) Pool(name string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[name]
	return p, ok
}

// Pools returns every pool in registration order.
func (r *Registry) Pools() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Pool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.pools[name])
	}
	return out
}

// Stats retorna estatísticas de todos os pools, ordenadas por nome.
func (r *Registry) Stats() []Stats {
	pools := r.Pools()
	stats := make([]Stats, 0, len(pools))
	for _, p := range pools {
		stats = append(stats, p.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Clear clears one pool.
func (r *Registry) Clear(name string) error {
	p, ok := r.Pool(name)
	if !ok {
		return fmt.Errorf("unknown pool: %s", name)
	}
	p.Clear()
	return nil
}

// Close encerra todos os pools. The registry accepts no pools afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	pools := r.pools
	r.pools = nil
	r.order = nil
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.ShutDown()
		}(p)
	}
	wg.Wait()

	r.log.Info("registry closed", zap.Int("pools", len(pools)))
}
