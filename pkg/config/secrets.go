package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"mercator-hq/spendgate/pkg/security/secrets"
)

// secretRefPrefix marks ${secret:name} references, which survive environment
// expansion and are resolved after parsing.
const secretRefPrefix = "secret:"

// expandEnv expands ${VAR} references like os.ExpandEnv but leaves
// ${secret:name} in place.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		if strings.HasPrefix(key, secretRefPrefix) {
			return "${" + key + "}"
		}
		return os.Getenv(key)
	})
}

// resolveSecrets replaces secret references in credential fields. The
// secrets directory is consulted before the environment.
func resolveSecrets(cfg *Config) error {
	var providers []secrets.Provider
	if cfg.Secrets.Dir != "" {
		fp, err := secrets.NewFileProvider(cfg.Secrets.Dir)
		if err != nil {
			return fmt.Errorf("secrets.dir: %w", err)
		}
		providers = append(providers, fp)
	}
	prefix := cfg.Secrets.EnvPrefix
	if prefix == "" {
		prefix = DefaultSecretsEnvPrefix
	}
	providers = append(providers, secrets.NewEnvProvider(prefix))

	fields := []*string{
		&cfg.Webhook.Secret,
		&cfg.Storage.Postgres.Password,
		&cfg.Redis.Password,
		&cfg.Notifications.Email.Password,
	}
	for i := range cfg.Auth.Keys {
		fields = append(fields, &cfg.Auth.Keys[i].Key)
	}

	if err := secrets.NewResolver(providers...).ResolveAll(context.Background(), fields...); err != nil {
		return fmt.Errorf("failed to resolve secrets: %w", err)
	}
	return nil
}
