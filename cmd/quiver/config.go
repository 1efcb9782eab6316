package main

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config validation errors
var (
	ErrInvalidMetricsAddr = errors.New("metrics_addr cannot be empty")
	ErrInvalidDataPath    = errors.New("data_path cannot be empty")
	ErrInvalidLogLevel    = errors.New("log_level must be debug, info, warn, or error")
	ErrInvalidMetric      = errors.New("metric must be l2, euclidean, dot, or cosine")
	ErrInvalidM           = errors.New("hnsw_m must be positive")
	ErrInvalidEfSearch    = errors.New("hnsw_ef_search must be positive")
	ErrInvalidBenchQPS    = errors.New("bench_qps must be >= 0")
)

// Config holds the environment-driven settings shared by all subcommands.
// Flags override whatever the environment provides.
type Config struct {
	MetricsAddr string        `envconfig:"METRICS_ADDR" default:"0.0.0.0:9090"`
	DataPath    string        `envconfig:"DATA_PATH" default:"./data"`
	Metric      string        `envconfig:"METRIC" default:"l2"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
	HNSWM       int           `envconfig:"HNSW_M" default:"20"`
	HNSWEf      int           `envconfig:"HNSW_EF_SEARCH" default:"100"`
	BenchQPS    int           `envconfig:"BENCH_QPS" default:"0"` // 0 means unlimited
	BenchTime   time.Duration `envconfig:"BENCH_DURATION" default:"10s"`
}

// LoadConfig reads .env when present, then the QUIVER_* environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("QUIVER", &cfg); err != nil {
		return Config{}, err
	}
	if err := ValidateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if cfg.MetricsAddr == "" {
		return ErrInvalidMetricsAddr
	}
	if cfg.DataPath == "" {
		return ErrInvalidDataPath
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	switch cfg.Metric {
	case "l2", "euclidean", "dot", "cosine":
	default:
		return ErrInvalidMetric
	}
	if cfg.HNSWM <= 0 {
		return ErrInvalidM
	}
	if cfg.HNSWEf <= 0 {
		return ErrInvalidEfSearch
	}
	if cfg.BenchQPS < 0 {
		return ErrInvalidBenchQPS
	}
	return nil
}
