package tenants

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"mercator-hq/spendgate/pkg/budget"
)

// SeedFile is the YAML layout of a tenant seed file:
//
//	tenants:
//	  - tenant_id: acme
//	    max_budget: 500
//	    alert_threshold_pct: 80
//	    grace_threshold_pct: 110
//	    budget_duration: 720h
//	    reset_at: 2026-04-01T00:00:00Z
type SeedFile struct {
	Tenants []budget.TenantConfig `yaml:"tenants"`
}

// LoadFile reads and validates a tenant seed file.
func LoadFile(path string) ([]budget.TenantConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant file %s: %w", path, err)
	}
	cfgs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("tenant file %s: %w", path, err)
	}
	return cfgs, nil
}

// Parse decodes and validates seed file contents. Unknown keys and
// duplicate tenant ids are rejected.
func Parse(data []byte) ([]budget.TenantConfig, error) {
	var file SeedFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	seen := make(map[string]int, len(file.Tenants))
	for i := range file.Tenants {
		cfg := &file.Tenants[i]
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("tenants[%d]: %w", i, err)
		}
		if j, ok := seen[cfg.TenantID]; ok {
			return nil, fmt.Errorf("tenants[%d]: duplicate tenant_id %q (first at tenants[%d])", i, cfg.TenantID, j)
		}
		seen[cfg.TenantID] = i
	}
	return file.Tenants, nil
}
