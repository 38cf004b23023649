package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citation-checker/internal/types"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("LEDGER_BACKEND", "Postgres")
	t.Setenv("BATCH_SIZE", "7")
	t.Setenv("RETRY_RATE_LIMIT_PAUSE", "3s")
	t.Setenv("PROVIDER_DEFAULT", "provider_b")
	t.Setenv("ANALYTICS_CLICKHOUSE_ENABLED", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Ledger.Backend)
	assert.Equal(t, 7, cfg.Pipeline.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.Retry.RateLimitPause)
	assert.Equal(t, types.ProviderB, cfg.Providers.Default)
	assert.Equal(t, types.ProviderA, cfg.Providers.Fallback)
	assert.True(t, cfg.Analytics.ClickHouseEnabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_MalformedValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_JOBS", "many")
	t.Setenv("JOB_TTL", "forever")
	t.Setenv("RATE_LIMIT_RPS", "fast")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, 30*time.Minute, cfg.Jobs.TTL)
	assert.Equal(t, 5.0, cfg.Server.RateLimitRPS)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"unknown ledger backend", func(c *Config) { c.Ledger.Backend = "sqlite" }, "LEDGER_BACKEND"},
		{"unknown job store", func(c *Config) { c.Jobs.Store = "disk" }, "JOB_STORE"},
		{"unknown default provider", func(c *Config) { c.Providers.Default = "provider_z" }, "PROVIDER_DEFAULT"},
		{"zero batch size", func(c *Config) { c.Pipeline.BatchSize = 0 }, "BATCH_SIZE"},
		{"zero inflight cap", func(c *Config) { c.Pipeline.MaxInflightProviderCall = 0 }, "MAX_INFLIGHT_PROVIDER_CALLS"},
		{"negative free limit", func(c *Config) { c.Ledger.FreeCitationLimit = -1 }, "negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig()
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_KEY", "custom")

	assert.Equal(t, "custom", getEnv("TEST_KEY", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_KEY", "default"))
}

func TestRedisAddr(t *testing.T) {
	r := RedisConfig{Host: "cache", Port: "6380"}
	assert.Equal(t, "cache:6380", r.RedisAddr())
}

func TestPostgresURL_EscapesCredentials(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: "5432", Database: "citation_checker", User: "checker", Password: "p@ss/word"}

	assert.Equal(t, "postgres://checker:p%40ss%2Fword@db:5432/citation_checker?sslmode=disable", p.URL())
}
