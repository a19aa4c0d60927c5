package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates a provider reading <prefix><NAME>.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// GetSecret implements Provider.
func (p *EnvProvider) GetSecret(ctx context.Context, name string) (string, error) {
	envVar := p.EnvVar(name)
	value, ok := os.LookupEnv(envVar)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s not set", ErrNotFound, envVar)
	}
	return value, nil
}

// Name implements Provider.
func (p *EnvProvider) Name() string { return "env" }

// EnvVar returns the variable name holding secret name.
func (p *EnvProvider) EnvVar(name string) string {
	return p.prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}
