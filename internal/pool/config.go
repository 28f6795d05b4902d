package pool

import (
	"runtime"
	"time"
)

// MinimumIdleUnset asks the pool to resolve MinimumIdle itself.
const MinimumIdleUnset = -1

// Config holds the settings of a single pool.
type Config struct {
	// Name identifies the pool in logs, metrics and events.
	Name string

	// MaximumPoolSize bounds the number of live physical connections.
	MaximumPoolSize int
	// MinimumIdle is the number of idle entries the filler tops up to.
	// MinimumIdleUnset resolves to min(MaximumPoolSize, 2*GOMAXPROCS).
	MinimumIdle int

	// ConnectionTimeout is the default GetConnection budget and the bound
	// on opening one physical connection.
	ConnectionTimeout time.Duration
	// ValidationTimeout bounds connection validation inside factories.
	ValidationTimeout time.Duration
	// IdleTimeout retires entries idle longer than this. 0 disables.
	IdleTimeout time.Duration
	// MaxLifetime retires entries older than this. 0 disables.
	MaxLifetime time.Duration
	// LeakDetectionThreshold warns about entries held longer than this. 0 disables.
	LeakDetectionThreshold time.Duration
	// InitializationFailTimeout bounds the eager fill at construction.
	// A negative value skips the eager fill.
	InitializationFailTimeout time.Duration
	// IdleBucketTimeout is the bag staleness window.
	IdleBucketTimeout time.Duration
	// LogInterval is the period of the stats log line. 0 disables.
	LogInterval time.Duration
}

// DefaultConfig returns a Config with the stock defaults.
func DefaultConfig() Config {
	return Config{
		MaximumPoolSize:           10,
		MinimumIdle:               MinimumIdleUnset,
		ConnectionTimeout:         30 * time.Second,
		ValidationTimeout:         5 * time.Second,
		IdleTimeout:               10 * time.Minute,
		MaxLifetime:               30 * time.Minute,
		LeakDetectionThreshold:    0,
		InitializationFailTimeout: time.Millisecond,
		IdleBucketTimeout:         DefaultIdleBucketTimeout,
		LogInterval:               10 * time.Minute,
	}
}

// Validate checks the settings. It is only called before a pool starts.
func (c *Config) Validate() error {
	switch {
	case c.MaximumPoolSize < 1:
		return configError(c.Name, "maximum_pool_size must be at least 1, got %d", c.MaximumPoolSize)
	case c.MinimumIdle < MinimumIdleUnset:
		return configError(c.Name, "minimum_idle must be >= 0, got %d", c.MinimumIdle)
	case c.MinimumIdle > c.MaximumPoolSize:
		return configError(c.Name, "minimum_idle (%d) exceeds maximum_pool_size (%d)", c.MinimumIdle, c.MaximumPoolSize)
	case c.ConnectionTimeout < 250*time.Millisecond:
		return configError(c.Name, "connection_timeout must be at least 250ms, got %v", c.ConnectionTimeout)
	case c.ValidationTimeout < 0:
		return configError(c.Name, "validation_timeout must not be negative")
	case c.IdleTimeout < 0:
		return configError(c.Name, "idle_timeout must not be negative")
	case c.MaxLifetime < 0:
		return configError(c.Name, "max_lifetime must not be negative")
	case c.IdleTimeout > 0 && c.MaxLifetime > 0 && c.IdleTimeout >= c.MaxLifetime:
		return configError(c.Name, "idle_timeout (%v) must be shorter than max_lifetime (%v)", c.IdleTimeout, c.MaxLifetime)
	case c.LeakDetectionThreshold < 0:
		return configError(c.Name, "leak_detection_threshold must not be negative")
	case c.LeakDetectionThreshold > 0 && c.LeakDetectionThreshold < 2*time.Second:
		return configError(c.Name, "leak_detection_threshold must be 0 or at least 2s, got %v", c.LeakDetectionThreshold)
	case c.IdleBucketTimeout < 0:
		return configError(c.Name, "idle_bucket_timeout must not be negative")
	case c.LogInterval < 0:
		return configError(c.Name, "log_interval must not be negative")
	}
	return nil
}

// resolveMinimumIdle replaces the sentinel with its computed value.
func resolveMinimumIdle(minIdle, maxSize int) int {
	if minIdle != MinimumIdleUnset {
		return minIdle
	}
	n := 2 * runtime.GOMAXPROCS(0)
	if maxSize < n {
		return maxSize
	}
	return n
}
