package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mercator-hq/spendgate/pkg/budget"
	"mercator-hq/spendgate/pkg/budget/audit"
	"mercator-hq/spendgate/pkg/budget/engine"
	"mercator-hq/spendgate/pkg/budget/ingest"
	"mercator-hq/spendgate/pkg/budget/notify"
	"mercator-hq/spendgate/pkg/budget/scheduler"
	"mercator-hq/spendgate/pkg/budget/storage"
	"mercator-hq/spendgate/pkg/budget/tenants"
	"mercator-hq/spendgate/pkg/config"
	"mercator-hq/spendgate/pkg/security/auth"
	"mercator-hq/spendgate/pkg/telemetry/health"
	"mercator-hq/spendgate/pkg/telemetry/metrics"
)

// app holds every component built from a configuration. Commands build one
// with newApp and release it with Close.
type app struct {
	cfg *config.Config

	store   storage.Store
	configs storage.TenantConfigRepository
	redis   redis.UniversalClient

	collector *metrics.Collector
	metrics   *budget.Metrics

	dispatcher *notify.Dispatcher
	recorder   *audit.Recorder
	kafka      *audit.KafkaStore

	engine    *engine.Engine
	ingestor  *ingest.Ingestor
	scheduler *scheduler.Scheduler
	overrides *scheduler.OverrideManager
	tenants   *tenants.Service
	keys      *auth.APIKeyValidator
	health    *health.Checker

	logger *slog.Logger
}

// appOptions controls how newApp builds the administrative components.
type appOptions struct {
	// trusted grants every actor the admin capability. Local operator
	// commands use it; the HTTP server resolves actors through API keys.
	trusted bool
}

// newApp opens storage and wires the budget components. On error every
// component opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: slog.Default().With("component", "app"),
	}
	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, opts appOptions) error {
	cfg := a.cfg

	var err error
	a.store, err = openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	a.configs = a.store
	if cfg.Engine.ConfigCacheSize >= 0 {
		a.configs = storage.NewConfigCache(a.store, cfg.Engine.ConfigCacheSize, cfg.Engine.ConfigCacheTTL)
	}

	if cfg.Telemetry.Metrics.IsEnabled() {
		a.collector = metrics.NewCollector(nil)
		a.metrics = budget.NewMetrics(a.collector.Registry())
	}

	if cfg.Redis.Enabled() {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:       cfg.Redis.Addresses,
			Username:    cfg.Redis.Username,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
	}

	a.dispatcher = notify.NewDispatcher(notify.Config{
		QueueSize:   cfg.Notifications.QueueSize,
		Workers:     cfg.Notifications.Workers,
		SendTimeout: cfg.Notifications.SendTimeout,
	}, a.markerStore(), a.channels(),
		notify.WithMetrics(a.metrics),
	)

	stores := []audit.Store{audit.NewRepositoryStore(a.store)}
	if len(cfg.Audit.Kafka.Brokers) > 0 {
		a.kafka, err = audit.NewKafkaStore(audit.KafkaConfig{
			Brokers:      cfg.Audit.Kafka.Brokers,
			Topic:        cfg.Audit.Kafka.Topic,
			BatchTimeout: cfg.Audit.Kafka.BatchTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create kafka audit store: %w", err)
		}
		stores = append(stores, a.kafka)
	}
	a.recorder = audit.NewRecorder(&audit.Config{
		AsyncBuffer:    cfg.Audit.AsyncBuffer,
		EnqueueTimeout: cfg.Audit.EnqueueTimeout,
		WriteTimeout:   cfg.Audit.WriteTimeout,
		MaxRetries:     cfg.Audit.MaxRetries,
	}, a.store, stores...)

	a.engine = engine.New(engine.Config{
		HotPathTimeout: cfg.Engine.HotPathTimeout,
		MaxCASRetries:  cfg.Engine.MaxCASRetries,
		FailMode:       budget.FailMode(cfg.Engine.FailMode),
	}, engine.Repositories{
		Configs:   a.configs,
		States:    a.store,
		Overrides: a.store,
	}, engine.WithMetrics(a.metrics))

	a.ingestor, err = ingest.New(ingest.Config{
		Secret:  []byte(cfg.Webhook.Secret),
		Timeout: cfg.Webhook.Timeout,
	}, a.engine, a.store,
		ingest.WithNotifier(a.dispatcher),
		ingest.WithAuditSink(a.recorder),
		ingest.WithMetrics(a.metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create ingestor: %w", err)
	}

	a.scheduler = scheduler.New(scheduler.Config{
		Schedule:              cfg.Scheduler.Schedule,
		Parallelism:           cfg.Scheduler.Parallelism,
		TenantTimeout:         cfg.Scheduler.TenantTimeout,
		FailureAlertThreshold: cfg.Scheduler.FailureAlertThreshold,
		OverrideRetention:     max(cfg.Overrides.Retention, 0),
		LeaseTTL:              cfg.Scheduler.LeaseTTL,
	}, scheduler.Repositories{
		Configs:   a.configs,
		States:    a.store,
		Overrides: a.store,
	},
		scheduler.WithLease(a.lease()),
		scheduler.WithNotifier(a.dispatcher),
		scheduler.WithAuditSink(a.recorder),
		scheduler.WithMetrics(a.metrics),
	)

	a.keys = auth.NewAPIKeyValidator(apiKeys(cfg.Auth))
	var authz budget.Authorizer = a.keys
	if opts.trusted {
		authz = budget.TrustedAuthorizer{}
	}

	a.overrides = scheduler.NewOverrideManager(scheduler.OverrideConfig{
		MaxDuration: cfg.Overrides.MaxDuration,
	}, a.configs, a.store, authz,
		scheduler.WithOverrideNotifier(a.dispatcher),
		scheduler.WithOverrideAudit(a.recorder),
	)
	a.tenants = tenants.NewService(a.configs, a.store, authz, tenants.WithAuditSink(a.recorder))

	a.health = health.New(cfg.Telemetry.Health.CheckTimeout)
	a.health.RegisterCheck("storage", health.PingCheck(a.store))
	if a.redis != nil {
		client := a.redis
		a.health.RegisterOptionalCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}

	return nil
}

// trustedTenants returns a tenant service that skips the admin check, for
// configuration that comes from operator-controlled files.
func (a *app) trustedTenants() *tenants.Service {
	return tenants.NewService(a.configs, a.store, budget.TrustedAuthorizer{}, tenants.WithAuditSink(a.recorder))
}

func (a *app) markerStore() notify.MarkerStore {
	n := a.cfg.Notifications
	if a.redis != nil {
		return notify.NewRedisMarkerStore(a.redis, a.cfg.Redis.KeyPrefix+"markers:", n.MarkerTTL)
	}
	return notify.NewMemoryMarkerStore(n.MarkerCacheSize, n.MarkerTTL)
}

func (a *app) lease() scheduler.Lease {
	if a.redis != nil {
		return scheduler.NewRedisLease(a.redis, a.cfg.Redis.KeyPrefix+"scheduler:lease")
	}
	return scheduler.NewMemoryLease()
}

// channels builds the configured delivery channels. Remote channels are
// wrapped in a circuit breaker.
func (a *app) channels() []notify.Channel {
	n := a.cfg.Notifications
	breaker := notify.BreakerConfig{
		Timeout:             n.Breaker.OpenTimeout,
		ConsecutiveFailures: n.Breaker.ConsecutiveFailures,
	}

	var channels []notify.Channel
	if n.Log {
		channels = append(channels, notify.NewLogChannel(slog.Default()))
	}
	if n.Webhook.URL != "" {
		ch := notify.NewWebhookChannel(notify.WebhookConfig{
			URL:     n.Webhook.URL,
			Timeout: n.Webhook.Timeout,
		})
		channels = append(channels, notify.WithBreaker(ch, breaker, a.logger))
	}
	if n.Email.Host != "" {
		ch := notify.NewEmailChannel(notify.EmailConfig{
			Host:     n.Email.Host,
			Port:     n.Email.Port,
			Username: n.Email.Username,
			Password: n.Email.Password,
			From:     n.Email.From,
			To:       n.Email.To,
			UseTLS:   n.Email.UseTLS,
			Timeout:  n.SendTimeout,
		})
		channels = append(channels, notify.WithBreaker(ch, breaker, a.logger))
	}
	return channels
}

// Close releases components in dependency order: producers first, then the
// queues they feed, then the backends.
func (a *app) Close() error {
	var errs []error

	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.ingestor != nil {
		a.ingestor.Wait()
	}
	if a.dispatcher != nil {
		errs = append(errs, a.dispatcher.Close())
	}
	if a.recorder != nil {
		errs = append(errs, a.recorder.Close())
	}
	if a.kafka != nil {
		errs = append(errs, a.kafka.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// openStore opens the configured storage backend.
func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil

	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		store, err := storage.NewSQLiteStoreWithConfig(storage.SQLiteConfig{
			Path:               cfg.SQLite.Path,
			BusyTimeout:        cfg.SQLite.BusyTimeout,
			CheckpointInterval: cfg.SQLite.CheckpointInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return store, nil

	case "postgres":
		store, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{
			DSN:             postgresDSN(cfg.Postgres),
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

// postgresDSN renders a postgres:// connection URL for lib/pq.
func postgresDSN(cfg config.PostgresConfig) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Database,
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func apiKeys(cfg config.AuthConfig) []*auth.APIKeyInfo {
	now := time.Now()
	keys := make([]*auth.APIKeyInfo, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys = append(keys, &auth.APIKeyInfo{
			Key:       k.Key,
			Actor:     k.Actor,
			Roles:     k.Roles,
			Enabled:   k.IsEnabled(),
			CreatedAt: now,
		})
	}
	return keys
}
