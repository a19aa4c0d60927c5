package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "SPENDGATE_"

// LoadConfig loads configuration from a YAML file at the specified path.
// ${VAR} references in the file are expanded from the environment before
// parsing and ${secret:name} references are resolved after. It applies default values, validates the configuration, and
// returns any errors. Use LoadConfigWithEnvOverrides to also apply
// SPENDGATE_* variables.
func LoadConfig(path string) (*Config, error) {
	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)

	if err := resolveSecrets(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention SPENDGATE_SECTION_FIELD (e.g., SPENDGATE_SERVER_LISTEN_ADDRESS).
// Environment variables always take precedence over file-based configuration.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply environment variable overrides
// 3. Apply default values
// 4. Resolve ${secret:name} references
// 5. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	ApplyDefaults(cfg)

	if err := resolveSecrets(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Unparseable values are ignored and the file value is kept.
func applyEnvOverrides(cfg *Config) {
	// Server overrides
	envString("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	envDuration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envDuration("SERVER_REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)
	envBool("SERVER_TLS_ENABLED", &cfg.Server.TLS.Enabled)
	envString("SERVER_TLS_CERT_FILE", &cfg.Server.TLS.CertFile)
	envString("SERVER_TLS_KEY_FILE", &cfg.Server.TLS.KeyFile)
	envString("SERVER_TLS_MIN_VERSION", &cfg.Server.TLS.MinVersion)

	// Webhook overrides
	envString("WEBHOOK_SECRET", &cfg.Webhook.Secret)
	envDuration("WEBHOOK_TIMEOUT", &cfg.Webhook.Timeout)

	// Engine overrides
	envDuration("ENGINE_HOT_PATH_TIMEOUT", &cfg.Engine.HotPathTimeout)
	envInt("ENGINE_MAX_CAS_RETRIES", &cfg.Engine.MaxCASRetries)
	envString("ENGINE_FAIL_MODE", &cfg.Engine.FailMode)
	envInt("ENGINE_CONFIG_CACHE_SIZE", &cfg.Engine.ConfigCacheSize)
	envDuration("ENGINE_CONFIG_CACHE_TTL", &cfg.Engine.ConfigCacheTTL)

	// Storage overrides
	envString("STORAGE_BACKEND", &cfg.Storage.Backend)
	envString("STORAGE_SQLITE_PATH", &cfg.Storage.SQLite.Path)
	envString("STORAGE_POSTGRES_HOST", &cfg.Storage.Postgres.Host)
	envInt("STORAGE_POSTGRES_PORT", &cfg.Storage.Postgres.Port)
	envString("STORAGE_POSTGRES_DATABASE", &cfg.Storage.Postgres.Database)
	envString("STORAGE_POSTGRES_USER", &cfg.Storage.Postgres.User)
	envString("STORAGE_POSTGRES_PASSWORD", &cfg.Storage.Postgres.Password)
	envString("STORAGE_POSTGRES_SSL_MODE", &cfg.Storage.Postgres.SSLMode)

	// Redis overrides
	envList("REDIS_ADDRESSES", &cfg.Redis.Addresses)
	envString("REDIS_USERNAME", &cfg.Redis.Username)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)
	envString("REDIS_KEY_PREFIX", &cfg.Redis.KeyPrefix)

	// Notification overrides
	envString("NOTIFICATIONS_WEBHOOK_URL", &cfg.Notifications.Webhook.URL)
	envString("NOTIFICATIONS_EMAIL_HOST", &cfg.Notifications.Email.Host)
	envInt("NOTIFICATIONS_EMAIL_PORT", &cfg.Notifications.Email.Port)
	envString("NOTIFICATIONS_EMAIL_USERNAME", &cfg.Notifications.Email.Username)
	envString("NOTIFICATIONS_EMAIL_PASSWORD", &cfg.Notifications.Email.Password)
	envString("NOTIFICATIONS_EMAIL_FROM", &cfg.Notifications.Email.From)
	envList("NOTIFICATIONS_EMAIL_TO", &cfg.Notifications.Email.To)
	envBool("NOTIFICATIONS_LOG", &cfg.Notifications.Log)

	// Scheduler overrides
	if val := os.Getenv(EnvPrefix + "SCHEDULER_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Scheduler.Enabled = &b
		}
	}
	envString("SCHEDULER_SCHEDULE", &cfg.Scheduler.Schedule)
	envInt("SCHEDULER_PARALLELISM", &cfg.Scheduler.Parallelism)

	// Override and audit overrides
	envDuration("OVERRIDES_MAX_DURATION", &cfg.Overrides.MaxDuration)
	envDuration("OVERRIDES_RETENTION", &cfg.Overrides.Retention)
	envList("AUDIT_KAFKA_BROKERS", &cfg.Audit.Kafka.Brokers)
	envString("AUDIT_KAFKA_TOPIC", &cfg.Audit.Kafka.Topic)

	// Secrets overrides
	envString("SECRETS_DIR", &cfg.Secrets.Dir)

	// Tenant seed overrides
	envString("TENANTS_FILE", &cfg.Tenants.File)
	envBool("TENANTS_WATCH", &cfg.Tenants.Watch)

	// Telemetry overrides
	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	if val := os.Getenv(EnvPrefix + "TELEMETRY_METRICS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Telemetry.Metrics.Enabled = &b
		}
	}
	envString("TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
	envBool("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	envString("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	if val := os.Getenv(EnvPrefix + "TELEMETRY_TRACING_SAMPLE_RATIO"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Telemetry.Tracing.SampleRatio = f
		}
	}
}

func envString(name string, dst *string) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = val
	}
}

func envDuration(name string, dst *time.Duration) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

// envList reads a comma-separated list.
func envList(name string, dst *[]string) {
	val := os.Getenv(EnvPrefix + name)
	if val == "" {
		return
	}
	var items []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}
