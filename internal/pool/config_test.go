package pool

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero max", func(c *Config) { c.MaximumPoolSize = 0 }},
		{"min below sentinel", func(c *Config) { c.MinimumIdle = -2 }},
		{"min above max", func(c *Config) { c.MinimumIdle = c.MaximumPoolSize + 1 }},
		{"short connection timeout", func(c *Config) { c.ConnectionTimeout = 100 * time.Millisecond }},
		{"negative idle", func(c *Config) { c.IdleTimeout = -time.Second }},
		{"idle not below lifetime", func(c *Config) { c.IdleTimeout = c.MaxLifetime }},
		{"short leak threshold", func(c *Config) { c.LeakDetectionThreshold = time.Second }},
		{"negative log interval", func(c *Config) { c.LogInterval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestConfigValidateAllowsDisabledFeatures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 0
	cfg.MaxLifetime = 0
	cfg.LeakDetectionThreshold = 0
	cfg.InitializationFailTimeout = -1
	cfg.MinimumIdle = 0
	assert.NoError(t, cfg.Validate())
}

func TestResolveMinimumIdle(t *testing.T) {
	n := 2 * runtime.GOMAXPROCS(0)
	assert.Equal(t, 3, resolveMinimumIdle(3, 10))
	assert.Equal(t, 0, resolveMinimumIdle(0, 10))
	assert.Equal(t, 1, resolveMinimumIdle(MinimumIdleUnset, 1))
	assert.Equal(t, n, resolveMinimumIdle(MinimumIdleUnset, n+5))
}
