package main

import (
	"testing"

	"github.com/kelseyhightower/envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	var cfg Config
	if err := envconfig.Process("QUIVER_TEST_UNSET", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, ValidateConfig(&cfg))

	assert.Equal(t, "0.0.0.0:9090", cfg.MetricsAddr)
	assert.Equal(t, "./data", cfg.DataPath)
	assert.Equal(t, "l2", cfg.Metric)
	assert.Equal(t, 20, cfg.HNSWM)
	assert.Equal(t, 100, cfg.HNSWEf)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"empty metrics addr", func(c *Config) { c.MetricsAddr = "" }, ErrInvalidMetricsAddr},
		{"empty data path", func(c *Config) { c.DataPath = "" }, ErrInvalidDataPath},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, ErrInvalidLogLevel},
		{"bad metric", func(c *Config) { c.Metric = "manhattan" }, ErrInvalidMetric},
		{"zero m", func(c *Config) { c.HNSWM = 0 }, ErrInvalidM},
		{"negative ef", func(c *Config) { c.HNSWEf = -1 }, ErrInvalidEfSearch},
		{"negative qps", func(c *Config) { c.BenchQPS = -5 }, ErrInvalidBenchQPS},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			assert.ErrorIs(t, ValidateConfig(&cfg), tc.want)
		})
	}
}

func TestValidateConfigAcceptsAliases(t *testing.T) {
	for _, metric := range []string{"l2", "euclidean", "dot", "cosine"} {
		cfg := validConfig()
		cfg.Metric = metric
		assert.NoError(t, ValidateConfig(&cfg), metric)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("QUIVER_METRIC", "cosine")
	t.Setenv("QUIVER_HNSW_M", "32")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "cosine", cfg.Metric)
	assert.Equal(t, 32, cfg.HNSWM)
}
