// Package bucket defines the bucket model: one named pool definition pointing
// at a single backend (SQL Server or Redis) together with its pool settings.
package bucket

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/joao-brasil/hikaripool/internal/pool"
)

// Supported drivers.
const (
	DriverSQLServer = "sqlserver"
	DriverRedis     = "redis"
)

// Bucket representa um backend lógico servido por um único pool.
type Bucket struct {
	ID       string `yaml:"id"`
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// RedisDB selects the logical Redis database.
	RedisDB int `yaml:"redis_db"`

	// ConnectionInitSQL runs once on every new SQL Server connection.
	ConnectionInitSQL string `yaml:"connection_init_sql"`

	Pool PoolSettings `yaml:"pool"`
}

// PoolSettings são overrides opcionais de pool.Config. Campos nil herdam o
// valor de baixo, o que permite distinguir "não configurado" de zero.
type PoolSettings struct {
	MaximumPoolSize           *int           `yaml:"maximum_pool_size"`
	MinimumIdle               *int           `yaml:"minimum_idle"`
	ConnectionTimeout         *time.Duration `yaml:"connection_timeout"`
	ValidationTimeout         *time.Duration `yaml:"validation_timeout"`
	IdleTimeout               *time.Duration `yaml:"idle_timeout"`
	MaxLifetime               *time.Duration `yaml:"max_lifetime"`
	LeakDetectionThreshold    *time.Duration `yaml:"leak_detection_threshold"`
	InitializationFailTimeout *time.Duration `yaml:"initialization_fail_timeout"`
	IdleBucketTimeout         *time.Duration `yaml:"idle_bucket_timeout"`
	LogInterval               *time.Duration `yaml:"log_interval"`
}

// Apply overlays the set fields onto cfg.
func (s PoolSettings) Apply(cfg pool.Config) pool.Config {
	setInt(&cfg.MaximumPoolSize, s.MaximumPoolSize)
	setInt(&cfg.MinimumIdle, s.MinimumIdle)
	setDuration(&cfg.ConnectionTimeout, s.ConnectionTimeout)
	setDuration(&cfg.ValidationTimeout, s.ValidationTimeout)
	setDuration(&cfg.IdleTimeout, s.IdleTimeout)
	setDuration(&cfg.MaxLifetime, s.MaxLifetime)
	setDuration(&cfg.LeakDetectionThreshold, s.LeakDetectionThreshold)
	setDuration(&cfg.InitializationFailTimeout, s.InitializationFailTimeout)
	setDuration(&cfg.IdleBucketTimeout, s.IdleBucketTimeout)
	setDuration(&cfg.LogInterval, s.LogInterval)
	return cfg
}

// PoolConfig returns the pool settings for this bucket layered over defaults.
func (b *Bucket) PoolConfig(defaults pool.Config) pool.Config {
	cfg := b.Pool.Apply(defaults)
	cfg.Name = b.ID
	return cfg
}

// DSN returns the SQL Server connection string for this bucket.
func (b *Bucket) DSN() string {
	q := url.Values{}
	if b.Database != "" {
		q.Set("database", b.Database)
	}
	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(b.Username, b.Password),
		Host:     b.Addr(),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Addr returns the host:port address of the backend.
func (b *Bucket) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *time.Duration) {
	if v != nil {
		*dst = *v
	}
}
