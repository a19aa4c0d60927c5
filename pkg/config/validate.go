package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"mercator-hq/spendgate/pkg/security/tls"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateWebhook(&cfg.Webhook)...)
	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateNotifications(&cfg.Notifications)...)
	errs = append(errs, validateScheduler(&cfg.Scheduler)...)
	errs = append(errs, validateAuth(&cfg.Auth)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if cfg.Overrides.MaxDuration < 0 {
		errs = append(errs, FieldError{
			Field:   "overrides.max_duration",
			Message: "max duration must be positive",
		})
	}
	if cfg.Audit.AsyncBuffer < 0 {
		errs = append(errs, FieldError{
			Field:   "audit.async_buffer",
			Message: "async buffer must be non-negative",
		})
	}
	if cfg.Audit.MaxRetries < 0 {
		errs = append(errs, FieldError{
			Field:   "audit.max_retries",
			Message: "max retries must be non-negative",
		})
	}
	if cfg.Tenants.Watch && cfg.Tenants.File == "" {
		errs = append(errs, FieldError{
			Field:   "tenants.watch",
			Message: "watch requires tenants.file",
		})
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: "listen address is required",
		})
	}
	if cfg.ReadTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "server.read_timeout",
			Message: "read timeout must be positive",
		})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "server.write_timeout",
			Message: "write timeout must be positive",
		})
	}
	if cfg.RequestTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "server.request_timeout",
			Message: "request timeout must be positive",
		})
	}
	if cfg.MaxHeaderBytes < 0 || cfg.MaxHeaderBytes > 10*1024*1024 {
		errs = append(errs, FieldError{
			Field:   "server.max_header_bytes",
			Message: "max header bytes must be between 0 and 10MB",
		})
	}
	if cfg.TLS.Enabled {
		if cfg.TLS.CertFile == "" {
			errs = append(errs, FieldError{
				Field:   "server.tls.cert_file",
				Message: "cert file is required when TLS is enabled",
			})
		}
		if cfg.TLS.KeyFile == "" {
			errs = append(errs, FieldError{
				Field:   "server.tls.key_file",
				Message: "key file is required when TLS is enabled",
			})
		}
		if _, err := tls.ParseVersion(cfg.TLS.MinVersion); err != nil {
			errs = append(errs, FieldError{
				Field:   "server.tls.min_version",
				Message: err.Error(),
			})
		}
	}
	return errs
}

func validateWebhook(cfg *WebhookConfig) []FieldError {
	var errs []FieldError

	if cfg.Secret == "" {
		errs = append(errs, FieldError{
			Field:   "webhook.secret",
			Message: "webhook secret is required (set SPENDGATE_WEBHOOK_SECRET)",
		})
	} else if len(cfg.Secret) < 16 {
		errs = append(errs, FieldError{
			Field:   "webhook.secret",
			Message: "webhook secret must be at least 16 bytes",
		})
	}
	if cfg.MaxBodyBytes <= 0 {
		errs = append(errs, FieldError{
			Field:   "webhook.max_body_bytes",
			Message: "max body bytes must be positive",
		})
	}
	if cfg.Timeout < 0 {
		errs = append(errs, FieldError{
			Field:   "webhook.timeout",
			Message: "timeout must be positive",
		})
	}
	return errs
}

func validateEngine(cfg *EngineConfig) []FieldError {
	var errs []FieldError

	if cfg.HotPathTimeout < MinHotPathTimeout || cfg.HotPathTimeout > MaxHotPathTimeout {
		errs = append(errs, FieldError{
			Field:   "engine.hot_path_timeout",
			Message: fmt.Sprintf("hot path timeout %v must be between %v and %v", cfg.HotPathTimeout, MinHotPathTimeout, MaxHotPathTimeout),
		})
	}
	if cfg.MaxCASRetries < 1 || cfg.MaxCASRetries > 20 {
		errs = append(errs, FieldError{
			Field:   "engine.max_cas_retries",
			Message: "max CAS retries must be between 1 and 20",
		})
	}
	if cfg.FailMode != "open" && cfg.FailMode != "closed" {
		errs = append(errs, FieldError{
			Field:   "engine.fail_mode",
			Message: fmt.Sprintf("invalid fail mode %q: must be 'open' or 'closed'", cfg.FailMode),
		})
	}
	if cfg.ConfigCacheTTL < 0 {
		errs = append(errs, FieldError{
			Field:   "engine.config_cache_ttl",
			Message: "config cache TTL must be positive",
		})
	}
	return errs
}

func validateStorage(cfg *StorageConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "memory":
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.path",
				Message: "path is required for the sqlite backend",
			})
		}
	case "postgres":
		pg := cfg.Postgres
		if pg.Host == "" {
			errs = append(errs, FieldError{
				Field:   "storage.postgres.host",
				Message: "host is required for the postgres backend",
			})
		}
		if pg.Database == "" {
			errs = append(errs, FieldError{
				Field:   "storage.postgres.database",
				Message: "database is required for the postgres backend",
			})
		}
		if pg.User == "" {
			errs = append(errs, FieldError{
				Field:   "storage.postgres.user",
				Message: "user is required for the postgres backend",
			})
		}
		if pg.Port < 1 || pg.Port > 65535 {
			errs = append(errs, FieldError{
				Field:   "storage.postgres.port",
				Message: "port must be between 1 and 65535",
			})
		}
		validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
		if !validSSL[pg.SSLMode] {
			errs = append(errs, FieldError{
				Field:   "storage.postgres.ssl_mode",
				Message: fmt.Sprintf("invalid ssl mode %q", pg.SSLMode),
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory', 'sqlite', or 'postgres'", cfg.Backend),
		})
	}
	return errs
}

func validateNotifications(cfg *NotificationsConfig) []FieldError {
	var errs []FieldError

	if cfg.QueueSize < 1 {
		errs = append(errs, FieldError{
			Field:   "notifications.queue_size",
			Message: "queue size must be positive",
		})
	}
	if cfg.Workers < 1 || cfg.Workers > 64 {
		errs = append(errs, FieldError{
			Field:   "notifications.workers",
			Message: "workers must be between 1 and 64",
		})
	}
	if cfg.Webhook.URL != "" {
		if u, err := url.Parse(cfg.Webhook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, FieldError{
				Field:   "notifications.webhook.url",
				Message: "webhook URL must be an absolute http(s) URL",
			})
		}
	}
	if cfg.Email.Host != "" {
		if cfg.Email.From == "" {
			errs = append(errs, FieldError{
				Field:   "notifications.email.from",
				Message: "sender is required when email is configured",
			})
		}
		if len(cfg.Email.To) == 0 {
			errs = append(errs, FieldError{
				Field:   "notifications.email.to",
				Message: "at least one recipient is required when email is configured",
			})
		}
	}
	return errs
}

func validateScheduler(cfg *SchedulerConfig) []FieldError {
	var errs []FieldError

	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		errs = append(errs, FieldError{
			Field:   "scheduler.schedule",
			Message: fmt.Sprintf("invalid schedule %q: %v", cfg.Schedule, err),
		})
	}
	if cfg.Parallelism < 1 {
		errs = append(errs, FieldError{
			Field:   "scheduler.parallelism",
			Message: "parallelism must be positive",
		})
	}
	if cfg.LeaseTTL <= 0 {
		errs = append(errs, FieldError{
			Field:   "scheduler.lease_ttl",
			Message: "lease TTL must be positive",
		})
	}
	return errs
}

func validateAuth(cfg *AuthConfig) []FieldError {
	var errs []FieldError

	seen := make(map[string]bool, len(cfg.Keys))
	for i, key := range cfg.Keys {
		prefix := fmt.Sprintf("auth.keys[%d]", i)
		if key.Key == "" {
			errs = append(errs, FieldError{Field: prefix + ".key", Message: "key is required"})
		} else if seen[key.Key] {
			errs = append(errs, FieldError{Field: prefix + ".key", Message: "duplicate key"})
		}
		seen[key.Key] = true
		if key.Actor == "" {
			errs = append(errs, FieldError{Field: prefix + ".actor", Message: "actor is required"})
		}
	}
	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid logging format %q: must be 'json' or 'text'", cfg.Logging.Format),
		})
	}
	if cfg.Metrics.IsEnabled() && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{
			Field:   "telemetry.metrics.path",
			Message: "metrics path must start with /",
		})
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.endpoint",
			Message: "tracing endpoint is required when tracing is enabled",
		})
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1.0 {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sample_ratio",
			Message: "sample ratio must be between 0.0 and 1.0",
		})
	}
	return errs
}
