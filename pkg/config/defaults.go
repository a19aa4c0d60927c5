package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultRequestTimeout  = 5 * time.Second
	DefaultMaxHeaderBytes  = 1048576 // 1MB
	DefaultTLSMinVersion   = "1.2"
	DefaultTLSReload       = time.Minute

	// Webhook defaults
	DefaultWebhookMaxBodyBytes = int64(1 << 20) // 1MiB
	DefaultWebhookTimeout      = 100 * time.Millisecond

	// Engine defaults
	DefaultHotPathTimeout  = 100 * time.Millisecond
	MinHotPathTimeout      = 50 * time.Millisecond
	MaxHotPathTimeout      = 200 * time.Millisecond
	DefaultMaxCASRetries   = 5
	DefaultFailMode        = "open"
	DefaultConfigCacheSize = 10000
	DefaultConfigCacheTTL  = 30 * time.Second

	// Storage defaults
	DefaultStorageBackend           = "sqlite"
	DefaultSQLitePath               = "data/spendgate.db"
	DefaultSQLiteBusyTimeout        = 5 * time.Second
	DefaultSQLiteCheckpointInterval = 5 * time.Minute
	DefaultPostgresPort             = 5432
	DefaultPostgresSSLMode          = "require"
	DefaultPostgresMaxOpenConns     = 25
	DefaultPostgresMaxIdleConns     = 5
	DefaultPostgresConnMaxLifetime  = 30 * time.Minute

	// Redis defaults
	DefaultRedisKeyPrefix   = "spendgate:"
	DefaultRedisDialTimeout = 2 * time.Second

	// Notification defaults
	DefaultNotifyQueueSize       = 1024
	DefaultNotifyWorkers         = 2
	DefaultNotifySendTimeout     = 10 * time.Second
	DefaultNotifyMarkerTTL       = 720 * time.Hour
	DefaultNotifyMarkerCacheSize = 100000
	DefaultNotifyWebhookTimeout  = 10 * time.Second
	DefaultEmailPort             = 587
	DefaultBreakerFailures       = uint32(5)
	DefaultBreakerOpenTimeout    = 30 * time.Second

	// Scheduler defaults
	DefaultSchedulerSchedule       = "@every 1m"
	DefaultSchedulerParallelism    = 8
	DefaultSchedulerTenantTimeout  = 5 * time.Second
	DefaultSchedulerAlertThreshold = 3
	DefaultSchedulerLeaseTTL       = time.Minute

	// Override defaults
	DefaultOverrideMaxDuration = 720 * time.Hour
	DefaultOverrideRetention   = 2160 * time.Hour

	// Audit defaults
	DefaultAuditAsyncBuffer    = 1000
	DefaultAuditEnqueueTimeout = 50 * time.Millisecond
	DefaultAuditWriteTimeout   = 5 * time.Second
	DefaultAuditMaxRetries     = 3
	DefaultKafkaTopic          = "spendgate.audit"
	DefaultKafkaBatchTimeout   = 100 * time.Millisecond

	// Tenants defaults
	DefaultTenantsDebounce = 250 * time.Millisecond

	// Telemetry defaults
	DefaultLoggingLevel       = "info"
	DefaultLoggingFormat      = "json"
	DefaultPrometheusPath     = "/metrics"
	DefaultTracingSampleRatio = 0.1
	DefaultTracingEndpoint    = "localhost:4317"
	DefaultTracingServiceName = "spendgate"
	DefaultHealthCheckTimeout = 2 * time.Second

	// Secrets defaults
	DefaultSecretsEnvPrefix = "SPENDGATE_SECRET_"
)

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)

	if cfg.Webhook.MaxBodyBytes == 0 {
		cfg.Webhook.MaxBodyBytes = DefaultWebhookMaxBodyBytes
	}
	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = DefaultWebhookTimeout
	}

	// Engine defaults
	if cfg.Engine.HotPathTimeout == 0 {
		cfg.Engine.HotPathTimeout = DefaultHotPathTimeout
	}
	if cfg.Engine.MaxCASRetries == 0 {
		cfg.Engine.MaxCASRetries = DefaultMaxCASRetries
	}
	if cfg.Engine.FailMode == "" {
		cfg.Engine.FailMode = DefaultFailMode
	}
	if cfg.Engine.ConfigCacheSize == 0 {
		cfg.Engine.ConfigCacheSize = DefaultConfigCacheSize
	}
	if cfg.Engine.ConfigCacheTTL == 0 {
		cfg.Engine.ConfigCacheTTL = DefaultConfigCacheTTL
	}

	applyStorageDefaults(&cfg.Storage)

	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = DefaultRedisDialTimeout
	}

	applyNotificationDefaults(&cfg.Notifications)

	// Scheduler defaults
	if cfg.Scheduler.Schedule == "" {
		cfg.Scheduler.Schedule = DefaultSchedulerSchedule
	}
	if cfg.Scheduler.Parallelism == 0 {
		cfg.Scheduler.Parallelism = DefaultSchedulerParallelism
	}
	if cfg.Scheduler.TenantTimeout == 0 {
		cfg.Scheduler.TenantTimeout = DefaultSchedulerTenantTimeout
	}
	if cfg.Scheduler.FailureAlertThreshold == 0 {
		cfg.Scheduler.FailureAlertThreshold = DefaultSchedulerAlertThreshold
	}
	if cfg.Scheduler.LeaseTTL == 0 {
		cfg.Scheduler.LeaseTTL = DefaultSchedulerLeaseTTL
	}

	// Override defaults
	if cfg.Overrides.MaxDuration == 0 {
		cfg.Overrides.MaxDuration = DefaultOverrideMaxDuration
	}
	if cfg.Overrides.Retention == 0 {
		cfg.Overrides.Retention = DefaultOverrideRetention
	}

	// Audit defaults
	if cfg.Audit.AsyncBuffer == 0 {
		cfg.Audit.AsyncBuffer = DefaultAuditAsyncBuffer
	}
	if cfg.Audit.EnqueueTimeout == 0 {
		cfg.Audit.EnqueueTimeout = DefaultAuditEnqueueTimeout
	}
	if cfg.Audit.WriteTimeout == 0 {
		cfg.Audit.WriteTimeout = DefaultAuditWriteTimeout
	}
	if cfg.Audit.MaxRetries == 0 {
		cfg.Audit.MaxRetries = DefaultAuditMaxRetries
	}
	if cfg.Audit.Kafka.Topic == "" {
		cfg.Audit.Kafka.Topic = DefaultKafkaTopic
	}
	if cfg.Audit.Kafka.BatchTimeout == 0 {
		cfg.Audit.Kafka.BatchTimeout = DefaultKafkaBatchTimeout
	}

	if cfg.Tenants.Debounce == 0 {
		cfg.Tenants.Debounce = DefaultTenantsDebounce
	}

	applyTelemetryDefaults(&cfg.Telemetry)

	if cfg.Secrets.EnvPrefix == "" {
		cfg.Secrets.EnvPrefix = DefaultSecretsEnvPrefix
	}
}

func applyServerDefaults(s *ServerConfig) {
	if s.ListenAddress == "" {
		s.ListenAddress = DefaultListenAddress
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}
	if s.MaxHeaderBytes == 0 {
		s.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if s.TLS.MinVersion == "" {
		s.TLS.MinVersion = DefaultTLSMinVersion
	}
	if s.TLS.ReloadInterval == 0 {
		s.TLS.ReloadInterval = DefaultTLSReload
	}
}

func applyStorageDefaults(s *StorageConfig) {
	if s.Backend == "" {
		s.Backend = DefaultStorageBackend
	}
	if s.SQLite.Path == "" {
		s.SQLite.Path = DefaultSQLitePath
	}
	if s.SQLite.BusyTimeout == 0 {
		s.SQLite.BusyTimeout = DefaultSQLiteBusyTimeout
	}
	if s.SQLite.CheckpointInterval == 0 {
		s.SQLite.CheckpointInterval = DefaultSQLiteCheckpointInterval
	}
	if s.Postgres.Port == 0 {
		s.Postgres.Port = DefaultPostgresPort
	}
	if s.Postgres.SSLMode == "" {
		s.Postgres.SSLMode = DefaultPostgresSSLMode
	}
	if s.Postgres.MaxOpenConns == 0 {
		s.Postgres.MaxOpenConns = DefaultPostgresMaxOpenConns
	}
	if s.Postgres.MaxIdleConns == 0 {
		s.Postgres.MaxIdleConns = DefaultPostgresMaxIdleConns
	}
	if s.Postgres.ConnMaxLifetime == 0 {
		s.Postgres.ConnMaxLifetime = DefaultPostgresConnMaxLifetime
	}
}

func applyNotificationDefaults(n *NotificationsConfig) {
	if n.QueueSize == 0 {
		n.QueueSize = DefaultNotifyQueueSize
	}
	if n.Workers == 0 {
		n.Workers = DefaultNotifyWorkers
	}
	if n.SendTimeout == 0 {
		n.SendTimeout = DefaultNotifySendTimeout
	}
	if n.MarkerTTL == 0 {
		n.MarkerTTL = DefaultNotifyMarkerTTL
	}
	if n.MarkerCacheSize == 0 {
		n.MarkerCacheSize = DefaultNotifyMarkerCacheSize
	}
	if n.Webhook.Timeout == 0 {
		n.Webhook.Timeout = DefaultNotifyWebhookTimeout
	}
	if n.Email.Port == 0 {
		n.Email.Port = DefaultEmailPort
	}
	if n.Breaker.ConsecutiveFailures == 0 {
		n.Breaker.ConsecutiveFailures = DefaultBreakerFailures
	}
	if n.Breaker.OpenTimeout == 0 {
		n.Breaker.OpenTimeout = DefaultBreakerOpenTimeout
	}
	// Alerts must go somewhere.
	if n.Webhook.URL == "" && n.Email.Host == "" {
		n.Log = true
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLoggingLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLoggingFormat
	}
	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultPrometheusPath
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if t.Tracing.Endpoint == "" {
		t.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingServiceName
	}
	if t.Health.CheckTimeout == 0 {
		t.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
}
