package config

import (
	"fmt"
	"sync/atomic"
)

var current atomic.Pointer[Config]

// Current returns the process-wide configuration, or nil before Set.
func Current() *Config {
	return current.Load()
}

// Set publishes cfg as the process-wide configuration.
func Set(cfg *Config) {
	current.Store(cfg)
}

// Reload loads path with SPENDGATE_* overrides and publishes it only if it
// loads and validates. It returns the configuration it replaced, which is
// nil if none was set. On error the current configuration is kept.
func Reload(path string) (previous, next *Config, err error) {
	next, err = LoadConfigWithEnvOverrides(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reload configuration: %w", err)
	}
	return current.Swap(next), next, nil
}
