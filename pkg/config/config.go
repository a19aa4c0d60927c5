package config

import "time"

// Config is the root configuration structure for Spendgate.
// It contains every section needed to run the admission service: the HTTP
// server, webhook verification, the decision engine, storage, notification
// delivery, the reset scheduler, auditing, authentication and telemetry.
type Config struct {
	// Server contains HTTP server configuration including listen address
	// and timeouts.
	Server ServerConfig `yaml:"server"`

	// Webhook contains spend event webhook settings, including the shared
	// HMAC secret.
	Webhook WebhookConfig `yaml:"webhook"`

	// Engine contains admission decision settings.
	Engine EngineConfig `yaml:"engine"`

	// Storage selects and configures the persistence backend.
	Storage StorageConfig `yaml:"storage"`

	// Redis configures the optional shared Redis used for notification
	// markers and the scheduler lease.
	Redis RedisConfig `yaml:"redis"`

	// Notifications configures threshold alert delivery.
	Notifications NotificationsConfig `yaml:"notifications"`

	// Scheduler configures periodic budget resets.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Overrides configures administrative budget overrides.
	Overrides OverridesConfig `yaml:"overrides"`

	// Audit configures the audit trail.
	Audit AuditConfig `yaml:"audit"`

	// Auth contains API keys for the administrative endpoints.
	Auth AuthConfig `yaml:"auth"`

	// Tenants configures the tenant seed file.
	Tenants TenantsConfig `yaml:"tenants"`

	// Telemetry contains configuration for observability including logging,
	// metrics, and distributed tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Secrets configures where ${secret:name} references are looked up.
	Secrets SecretsConfig `yaml:"secrets"`
}

// ServerConfig contains configuration for the HTTP server.
type ServerConfig struct {
	// ListenAddress is the address and port to listen on.
	// Format: "host:port" (e.g., "127.0.0.1:8080", "0.0.0.0:8080").
	// Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body.
	// Default: 10s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response.
	// Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for in-flight requests
	// during graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RequestTimeout bounds the handling of a single API request.
	// Default: 5s
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxHeaderBytes limits request header size.
	// Default: 1048576 (1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// TLS enables HTTPS.
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig configures HTTPS serving.
type TLSConfig struct {
	Enabled bool `yaml:"enabled"`

	// CertFile and KeyFile hold the PEM key pair. Required when enabled.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// MinVersion is "1.2" or "1.3".
	// Default: "1.2"
	MinVersion string `yaml:"min_version"`

	// CipherSuites restricts TLS 1.2 cipher suites by Go name.
	CipherSuites []string `yaml:"cipher_suites"`

	// ReloadInterval is how often the key pair files are checked for
	// changes.
	// Default: 1m
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// WebhookConfig configures spend event ingestion.
type WebhookConfig struct {
	// Secret is the shared HMAC-SHA256 secret used to verify X-Signature.
	// Required. Usually supplied through SPENDGATE_WEBHOOK_SECRET.
	Secret string `yaml:"secret"`

	// MaxBodyBytes caps the accepted request body.
	// Default: 1048576 (1MiB)
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// Timeout bounds the processing of one event.
	// Default: 100ms
	Timeout time.Duration `yaml:"timeout"`
}

// EngineConfig configures the admission decision engine.
type EngineConfig struct {
	// HotPathTimeout bounds each storage call made while evaluating
	// admission or applying spend. Must be between 50ms and 200ms.
	// Default: 100ms
	HotPathTimeout time.Duration `yaml:"hot_path_timeout"`

	// MaxCASRetries is the number of optimistic concurrency retries when
	// applying spend.
	// Default: 5
	MaxCASRetries int `yaml:"max_cas_retries"`

	// FailMode decides admission when spend state cannot be read.
	// Options: "open", "closed"
	// Default: "open"
	FailMode string `yaml:"fail_mode"`

	// ConfigCacheSize is the number of tenant configs cached in process.
	// A negative value disables the cache.
	// Default: 10000
	ConfigCacheSize int `yaml:"config_cache_size"`

	// ConfigCacheTTL is how long a cached tenant config stays valid.
	// Default: 30s
	ConfigCacheTTL time.Duration `yaml:"config_cache_ttl"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is the storage backend.
	// Options: "memory", "sqlite", "postgres"
	// Default: "sqlite"
	Backend string `yaml:"backend"`

	// SQLite contains SQLite-specific configuration.
	SQLite SQLiteConfig `yaml:"sqlite"`

	// Postgres contains PostgreSQL-specific configuration.
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig contains SQLite backend configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	// Default: "data/spendgate.db"
	Path string `yaml:"path"`

	// BusyTimeout is how long to wait for database locks.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// CheckpointInterval is how often the WAL is checkpointed.
	// Default: 5m
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// PostgresConfig contains PostgreSQL backend configuration.
type PostgresConfig struct {
	// Host is the PostgreSQL server hostname.
	Host string `yaml:"host"`

	// Port is the PostgreSQL server port.
	// Default: 5432
	Port int `yaml:"port"`

	// Database is the database name.
	Database string `yaml:"database"`

	// User is the database user.
	User string `yaml:"user"`

	// Password is the database password.
	// Should be loaded from an environment variable.
	Password string `yaml:"password"`

	// SSLMode is the SSL mode for connections.
	// Options: "disable", "require", "verify-ca", "verify-full"
	// Default: "require"
	SSLMode string `yaml:"ssl_mode"`

	// MaxOpenConns is the maximum number of open connections.
	// Default: 25
	MaxOpenConns int `yaml:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int `yaml:"max_idle_conns"`

	// ConnMaxLifetime is the maximum lifetime of a connection.
	// Default: 30m
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the shared Redis instance. When Addresses is
// empty, markers and the scheduler lease are kept in process.
type RedisConfig struct {
	// Addresses lists Redis nodes. More than one address selects cluster
	// mode.
	Addresses []string `yaml:"addresses"`

	// Username for Redis ACL authentication.
	Username string `yaml:"username"`

	// Password for Redis authentication.
	Password string `yaml:"password"`

	// DB is the database number (ignored in cluster mode).
	DB int `yaml:"db"`

	// KeyPrefix namespaces every key written by Spendgate.
	// Default: "spendgate:"
	KeyPrefix string `yaml:"key_prefix"`

	// DialTimeout bounds connection setup.
	// Default: 2s
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Enabled reports whether a Redis instance is configured.
func (r RedisConfig) Enabled() bool {
	return len(r.Addresses) > 0
}

// NotificationsConfig configures threshold alert delivery.
type NotificationsConfig struct {
	// QueueSize is the number of pending notifications held in memory.
	// Default: 1024
	QueueSize int `yaml:"queue_size"`

	// Workers is the number of delivery goroutines.
	// Default: 2
	Workers int `yaml:"workers"`

	// SendTimeout bounds one delivery attempt on one channel.
	// Default: 10s
	SendTimeout time.Duration `yaml:"send_timeout"`

	// MarkerTTL is how long a sent-alert marker suppresses repeats.
	// Markers are also cleared when a tenant resets or drops below the band.
	// Default: 720h
	MarkerTTL time.Duration `yaml:"marker_ttl"`

	// MarkerCacheSize bounds the in-process marker store.
	// Default: 100000
	MarkerCacheSize int `yaml:"marker_cache_size"`

	// Log enables the structured-log channel.
	// Default: true when no other channel is configured.
	Log bool `yaml:"log"`

	// Webhook configures chat webhook delivery.
	Webhook NotifyWebhookConfig `yaml:"webhook"`

	// Email configures SMTP delivery.
	Email EmailConfig `yaml:"email"`

	// Breaker configures the per-channel circuit breaker.
	Breaker BreakerConfig `yaml:"breaker"`
}

// NotifyWebhookConfig configures the chat webhook channel.
type NotifyWebhookConfig struct {
	// URL is the incoming-webhook endpoint. Empty disables the channel.
	URL string `yaml:"url"`

	// Timeout bounds a single delivery.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	// Host is the SMTP server. Empty disables the channel.
	Host string `yaml:"host"`

	// Port is the SMTP port.
	// Default: 587
	Port int `yaml:"port"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// From is the envelope sender.
	From string `yaml:"from"`

	// To lists recipients.
	To []string `yaml:"to"`

	// UseTLS dials with implicit TLS instead of STARTTLS.
	// Default: false
	UseTLS bool `yaml:"use_tls"`
}

// BreakerConfig configures circuit breakers around notification channels.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker.
	// Default: 5
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`

	// OpenTimeout is how long a tripped breaker stays open.
	// Default: 30s
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// SchedulerConfig configures the reset scheduler.
type SchedulerConfig struct {
	// Enabled runs the scheduler inside the server process.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Schedule is a cron expression or descriptor.
	// Default: "@every 1m"
	Schedule string `yaml:"schedule"`

	// Parallelism bounds concurrent tenant resets within one tick.
	// Default: 8
	Parallelism int `yaml:"parallelism"`

	// TenantTimeout bounds the storage calls made for one tenant.
	// Default: 5s
	TenantTimeout time.Duration `yaml:"tenant_timeout"`

	// FailureAlertThreshold is the number of consecutive failed resets that
	// raises an operational alert. A negative value disables alerts.
	// Default: 3
	FailureAlertThreshold int `yaml:"failure_alert_threshold"`

	// LeaseTTL is how long one tick holds the cross-replica lease.
	// Default: 1m
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// IsEnabled reports whether the scheduler should run, applying the default.
func (s SchedulerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// OverridesConfig configures administrative overrides.
type OverridesConfig struct {
	// MaxDuration caps the lifetime of a single override.
	// Default: 720h (30 days)
	MaxDuration time.Duration `yaml:"max_duration"`

	// Retention is how long expired overrides are kept before pruning.
	// A negative value keeps them forever.
	// Default: 2160h (90 days)
	Retention time.Duration `yaml:"retention"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// AsyncBuffer is the size of the audit write queue.
	// Default: 1000
	AsyncBuffer int `yaml:"async_buffer"`

	// EnqueueTimeout bounds how long Append waits for queue space.
	// Default: 50ms
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`

	// WriteTimeout bounds one store write.
	// Default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxRetries is the number of retries for a failed store write.
	// Default: 3
	MaxRetries int `yaml:"max_retries"`

	// Kafka optionally streams audit entries to a topic in addition to
	// storage.
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig configures the Kafka audit stream.
type KafkaConfig struct {
	// Brokers lists bootstrap brokers. Empty disables the stream.
	Brokers []string `yaml:"brokers"`

	// Topic receives audit entries.
	// Default: "spendgate.audit"
	Topic string `yaml:"topic"`

	// BatchTimeout is the producer flush interval.
	// Default: 100ms
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// AuthConfig contains API keys for the administrative endpoints.
type AuthConfig struct {
	// Keys lists the accepted API keys.
	Keys []APIKeyConfig `yaml:"keys"`
}

// APIKeyConfig is one API key entry.
type APIKeyConfig struct {
	// Key is the secret value presented in X-API-Key.
	Key string `yaml:"key"`

	// Actor is the identity recorded in the audit trail.
	Actor string `yaml:"actor"`

	// Roles granted to the key. "admin" allows configuration and override
	// changes.
	Roles []string `yaml:"roles"`

	// Enabled controls whether the key is accepted.
	// Default: true
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether the key is active, applying the default.
func (k APIKeyConfig) IsEnabled() bool {
	return k.Enabled == nil || *k.Enabled
}

// TenantsConfig configures the tenant seed file.
type TenantsConfig struct {
	// File is a YAML file of tenant configurations applied at startup.
	// Empty disables seeding.
	File string `yaml:"file"`

	// Watch re-applies File whenever it changes.
	// Default: false
	Watch bool `yaml:"watch"`

	// Debounce collapses bursts of file events.
	// Default: 250ms
	Debounce time.Duration `yaml:"debounce"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Health contains health check configuration.
	Health HealthConfig `yaml:"health"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Enabled controls whether the Prometheus endpoint is served.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Path is the HTTP path for the Prometheus metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`
}

// IsEnabled reports whether metrics are served, applying the default.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// SampleRatio is the fraction of traces to sample (0.0 to 1.0).
	// Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`

	// Endpoint is the OTLP gRPC collector endpoint.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS for the collector connection.
	// Default: false
	Insecure bool `yaml:"insecure"`

	// ServiceName is the service name in traces.
	// Default: "spendgate"
	ServiceName string `yaml:"service_name"`
}

// HealthConfig contains health check configuration.
type HealthConfig struct {
	// CheckTimeout is the timeout for individual component checks.
	// Default: 2s
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

// SecretsConfig configures secret reference resolution. References are
// resolved in webhook.secret, storage.postgres.password, redis.password,
// notifications.email.password and auth.keys[].key.
type SecretsConfig struct {
	// Dir holds one file per secret, as mounted by Kubernetes or Docker.
	// Optional; checked before the environment.
	Dir string `yaml:"dir"`

	// EnvPrefix prefixes environment variables holding secrets.
	// Default: "SPENDGATE_SECRET_"
	EnvPrefix string `yaml:"env_prefix"`
}
