// Package config handles loading and validating service and bucket configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/hikaripool/internal/pool"
	"github.com/joao-brasil/hikaripool/pkg/bucket"
)

// LogConfig selects the logger output.
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Development bool   `yaml:"development"`
}

// ServiceConfig holds the daemon configuration.
type ServiceConfig struct {
	InstanceID      string        `yaml:"instance_id"`
	MetricsPort     int           `yaml:"metrics_port"`
	HealthCheckPort int           `yaml:"health_check_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Log             LogConfig     `yaml:"log"`
}

// RedisConfig holds the Redis connection used for diagnostics.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DiagnosticsConfig controls the event sinks and the snapshot reporter.
type DiagnosticsConfig struct {
	// LogEvents sends every pool event to the logger.
	LogEvents bool `yaml:"log_events"`
	// RedisEvents publishes pool events to Redis.
	RedisEvents bool `yaml:"redis_events"`
	// ChannelPrefix is prepended to the pool name to build the channel.
	ChannelPrefix string `yaml:"channel_prefix"`
	// SnapshotInterval is the reporter period. 0 disables the reporter.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	// SnapshotTTL is the expiry of each snapshot key.
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

// Config is the root configuration structure.
type Config struct {
	Service     ServiceConfig       `yaml:"service"`
	Redis       RedisConfig         `yaml:"redis"`
	Diagnostics DiagnosticsConfig   `yaml:"diagnostics"`
	Defaults    bucket.PoolSettings `yaml:"defaults"`
	Buckets     []bucket.Bucket
}

// serviceFileConfig mirrors the YAML structure for the service config file.
type serviceFileConfig struct {
	Service     ServiceConfig       `yaml:"service"`
	Redis       RedisConfig         `yaml:"redis"`
	Diagnostics DiagnosticsConfig   `yaml:"diagnostics"`
	Defaults    bucket.PoolSettings `yaml:"defaults"`
}

// bucketsFileConfig mirrors the YAML structure for the buckets config file.
type bucketsFileConfig struct {
	Buckets []bucket.Bucket `yaml:"buckets"`
}

// Load reads and parses both service and buckets configuration files.
func Load(serviceConfigPath, bucketsConfigPath string) (*Config, error) {
	serviceData, err := os.ReadFile(serviceConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading service config %s: %w", serviceConfigPath, err)
	}
	bucketsData, err := os.ReadFile(bucketsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading buckets config %s: %w", bucketsConfigPath, err)
	}
	return Parse(serviceData, bucketsData)
}

// Parse builds a Config from the raw contents of both files.
func Parse(serviceData, bucketsData []byte) (*Config, error) {
	var serviceFile serviceFileConfig
	if err := yaml.Unmarshal(serviceData, &serviceFile); err != nil {
		return nil, fmt.Errorf("parsing service config: %w", err)
	}

	var bucketsFile bucketsFileConfig
	if err := yaml.Unmarshal(bucketsData, &bucketsFile); err != nil {
		return nil, fmt.Errorf("parsing buckets config: %w", err)
	}

	cfg := &Config{
		Service:     serviceFile.Service,
		Redis:       serviceFile.Redis,
		Diagnostics: serviceFile.Diagnostics,
		Defaults:    serviceFile.Defaults,
		Buckets:     bucketsFile.Buckets,
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// validate checks mandatory fields and every resulting pool config.
func (c *Config) validate() error {
	if len(c.Buckets) == 0 {
		return fmt.Errorf("at least one bucket must be configured")
	}
	seen := make(map[string]struct{}, len(c.Buckets))
	for i := range c.Buckets {
		b := &c.Buckets[i]
		if b.ID == "" {
			return fmt.Errorf("bucket[%d].id is required", i)
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("bucket[%d].id %q is duplicated", i, b.ID)
		}
		seen[b.ID] = struct{}{}

		switch b.Driver {
		case bucket.DriverSQLServer, bucket.DriverRedis:
		default:
			return fmt.Errorf("bucket[%d].driver %q is not supported", i, b.Driver)
		}
		if b.Host == "" {
			return fmt.Errorf("bucket[%d].host is required", i)
		}
		if b.Port == 0 {
			return fmt.Errorf("bucket[%d].port is required", i)
		}

		pc := b.PoolConfig(c.PoolDefaults())
		if err := pc.Validate(); err != nil {
			return fmt.Errorf("bucket[%d]: %w", i, err)
		}
	}
	if c.Diagnostics.SnapshotInterval > 0 && c.Diagnostics.SnapshotTTL <= c.Diagnostics.SnapshotInterval {
		return fmt.Errorf("diagnostics.snapshot_ttl must exceed snapshot_interval")
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Service.MetricsPort == 0 {
		c.Service.MetricsPort = 9090
	}
	if c.Service.HealthCheckPort == 0 {
		c.Service.HealthCheckPort = 8080
	}
	if c.Service.ShutdownTimeout == 0 {
		c.Service.ShutdownTimeout = 10 * time.Second
	}
	if c.Service.Log.Level == "" {
		c.Service.Log.Level = "info"
	}
	if c.Service.Log.Format == "" {
		c.Service.Log.Format = "json"
	}
	if c.Service.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Service.InstanceID = hostname
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "redis:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Diagnostics.ChannelPrefix == "" {
		c.Diagnostics.ChannelPrefix = "pool:events:"
	}
	if c.Diagnostics.SnapshotInterval > 0 && c.Diagnostics.SnapshotTTL == 0 {
		c.Diagnostics.SnapshotTTL = 3 * c.Diagnostics.SnapshotInterval
	}

	for i := range c.Buckets {
		if c.Buckets[i].Driver == "" {
			c.Buckets[i].Driver = bucket.DriverSQLServer
		}
	}
}

// UsesRedis reports whether any component needs the diagnostics Redis client.
func (c *Config) UsesRedis() bool {
	return c.Diagnostics.RedisEvents || c.Diagnostics.SnapshotInterval > 0
}

// PoolDefaults returns the stock pool config overlaid with the defaults section.
func (c *Config) PoolDefaults() pool.Config {
	return c.Defaults.Apply(pool.DefaultConfig())
}

// PoolConfig returns the effective pool config of a bucket.
func (c *Config) PoolConfig(b *bucket.Bucket) pool.Config {
	return b.PoolConfig(c.PoolDefaults())
}

// BucketByID returns the bucket configuration for a given bucket ID.
func (c *Config) BucketByID(id string) (*bucket.Bucket, bool) {
	for i := range c.Buckets {
		if c.Buckets[i].ID == id {
			return &c.Buckets[i], true
		}
	}
	return nil, false
}
