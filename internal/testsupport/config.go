// Package testsupport provides shared constructors for package tests: configs
// seeded with per-test temp directories and pre-opened capture stores.
package testsupport

import (
	"path/filepath"
	"testing"

	"sitesync/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.SpoolDir = filepath.Join(base, "spool")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Upload.Endpoint = "https://uploads.example.test/api"

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithMaxAttempts overrides the retry ceiling on the test config.
func WithMaxAttempts(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Upload.MaxAttempts = n
	}
}

// WithMaxInFlight overrides the concurrency bound on the test config.
func WithMaxInFlight(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Upload.MaxInFlight = n
	}
}
