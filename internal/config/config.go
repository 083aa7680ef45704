// Package config loads the engine's runtime configuration from environment
// variables, optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/relicdb/enginecore/pkg/logger"
)

// EngineConfig is the complete set of knobs the storage engine reads at
// startup. Every field maps to an environment variable prefixed DBENGINE_.
type EngineConfig struct {
	// PoolSize is the number of frames the buffer pool manager holds.
	PoolSize int `envconfig:"POOL_SIZE" default:"128"`
	// ReplacerK is the LRU-K history depth.
	ReplacerK int `envconfig:"REPLACER_K" default:"2"`
	// PageSize is asserted against page.Size at startup; it exists so a
	// misconfigured data file is caught early with a clear error instead of a
	// confusing header mismatch deep in the disk manager.
	PageSize int `envconfig:"PAGE_SIZE" default:"4096"`
	// DataFile is the path to the single-file page store.
	DataFile string `envconfig:"DATA_FILE" default:"enginecore.db"`
	// DeadlockIntervalMS is how often the lock manager's background detector
	// rebuilds the waits-for graph and scans for cycles.
	DeadlockIntervalMS int `envconfig:"DEADLOCK_INTERVAL_MS" default:"50"`
	// FlushBytesPerSec throttles FlushAllPages; 0 disables throttling.
	FlushBytesPerSec int `envconfig:"FLUSH_BYTES_PER_SEC" default:"0"`
	// MetricsAddr is the listen address for the Prometheus /metrics endpoint.
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	Log logger.Config
}

// Load reads an optional .env file at envPath (missing file is not an
// error -- it is normal for production deployments that set real
// environment variables directly) and then populates EngineConfig from the
// process environment, prefix DBENGINE_.
func Load(envPath string) (EngineConfig, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return EngineConfig{}, fmt.Errorf("config: load %s: %w", envPath, err)
		}
	}

	var cfg EngineConfig
	if err := envconfig.Process("dbengine", &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("config: process environment: %w", err)
	}
	if err := envconfig.Process("dbengine", &cfg.Log); err != nil {
		return EngineConfig{}, fmt.Errorf("config: process log environment: %w", err)
	}
	return cfg, nil
}
