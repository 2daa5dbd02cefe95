package config_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenlabs/warden/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvAddr, config.EnvTokenSecret, config.EnvAdminHash,
		config.EnvAuditKey, config.EnvAllowedOrigins, config.EnvProfile,
		config.EnvRequireWSAuth, config.EnvDatabaseURL, config.EnvRedisURL,
		config.EnvLogLevel,
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "127.0.0.1:8420", cfg.Addr)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, config.StorageMemory, cfg.Storage())
	assert.Empty(t, cfg.AllowedOrigins)
	assert.False(t, cfg.RequireWSAuth)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(config.EnvAddr, "127.0.0.1:9000")
	t.Setenv(config.EnvLogLevel, "DEBUG")
	t.Setenv(config.EnvDatabaseURL, "postgres://warden@localhost:5432/warden")
	t.Setenv(config.EnvRedisURL, "redis://localhost:6379/0")
	t.Setenv(config.EnvAllowedOrigins, "http://localhost:3000, http://10.0.0.2:8080 ,")
	t.Setenv(config.EnvRequireWSAuth, "true")
	t.Setenv(config.EnvProfile, "/etc/warden/profile.yaml")

	cfg := config.Load()

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, config.StoragePostgres, cfg.Storage())
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, []string{"http://localhost:3000", "http://10.0.0.2:8080"}, cfg.AllowedOrigins)
	assert.True(t, cfg.RequireWSAuth)
	assert.Equal(t, "/etc/warden/profile.yaml", cfg.ProfilePath)
}

func validConfig() *config.Config {
	return &config.Config{
		Addr:              "127.0.0.1:8420",
		TokenSecret:       strings.Repeat("t", 32),
		AuditKey:          strings.Repeat("a", 32),
		AdminPasswordHash: strings.Repeat("ab", 32),
	}
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_Problems(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"short token secret", func(c *config.Config) { c.TokenSecret = "short" }, config.EnvTokenSecret},
		{"short audit key", func(c *config.Config) { c.AuditKey = strings.Repeat("a", 31) }, config.EnvAuditKey},
		{"missing admin hash", func(c *config.Config) { c.AdminPasswordHash = "" }, "not set"},
		{"admin hash not hex", func(c *config.Config) { c.AdminPasswordHash = "zz" }, "hex-encoded"},
		{"admin hash wrong length", func(c *config.Config) { c.AdminPasswordHash = "abcd" }, "hex-encoded"},
		{"public bind", func(c *config.Config) { c.Addr = "203.0.113.7:8420" }, "not a local"},
		{"wildcard bind", func(c *config.Config) { c.Addr = "0.0.0.0:8420" }, "not a local"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)

			problems := cfg.Problems()
			require.Len(t, problems, 1)
			assert.Contains(t, problems[0], tc.want)

			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}

func TestValidate_LocalBinds(t *testing.T) {
	for _, addr := range []string{
		"127.0.0.1:8420", "[::1]:8420", "localhost:8420",
		"10.1.2.3:8420", "192.168.1.10:8420", "172.16.0.1:8420",
	} {
		cfg := validConfig()
		cfg.Addr = addr
		assert.NoError(t, cfg.Validate(), "addr %s", addr)
	}
}

func TestStorage_Classification(t *testing.T) {
	cases := map[string]config.StorageKind{
		"":                                   config.StorageMemory,
		"memory":                             config.StorageMemory,
		"postgres://warden@localhost/warden": config.StoragePostgres,
		"postgresql://warden@localhost/wdn":  config.StoragePostgres,
		"/var/lib/warden/warden.db":          config.StorageSQLite,
		"warden.db":                          config.StorageSQLite,
	}
	for url, want := range cases {
		cfg := &config.Config{DatabaseURL: url}
		assert.Equal(t, want, cfg.Storage(), "url %q", url)
	}
}
