package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"   // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	"mercator-hq/spendgate/pkg/budget"
)

// Dialect selects placeholder syntax and driver specifics.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store on database/sql. The same statements run on
// SQLite and PostgreSQL; only placeholders differ.
//
// Times are stored as Unix milliseconds, zero meaning unset.
type SQLStore struct {
	db        *sql.DB
	dialect   Dialect
	done      chan struct{}
	closeOnce sync.Once
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration

	// CheckpointInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	CheckpointInterval time.Duration
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a SQLite store with default settings.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{Path: path})
}

// NewSQLiteStoreWithConfig opens a SQLite database in WAL mode and creates
// the schema if needed.
func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*SQLStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := NewSQLStoreWithDB(db, DialectSQLite)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	go store.checkpointLoop(cfg.CheckpointInterval)
	return store, nil
}

// NewPostgresStore connects to PostgreSQL and creates the schema if needed.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := NewSQLStoreWithDB(db, DialectPostgres)
	if err := store.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLStoreWithDB wraps an open database. The schema is not created;
// call Migrate for that.
func NewSQLStoreWithDB(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, done: make(chan struct{})}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenant_budget_config (
		tenant_id TEXT PRIMARY KEY,
		max_budget DOUBLE PRECISION NOT NULL,
		alert_threshold_pct DOUBLE PRECISION NOT NULL,
		grace_threshold_pct DOUBLE PRECISION NOT NULL,
		budget_duration_ms BIGINT NOT NULL,
		reset_at BIGINT NOT NULL,
		fail_mode TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tenant_budget_config_reset_at ON tenant_budget_config(reset_at)`,
	`CREATE TABLE IF NOT EXISTS spend_state (
		tenant_id TEXT PRIMARY KEY,
		current_spend DOUBLE PRECISION NOT NULL,
		version BIGINT NOT NULL,
		period_start BIGINT NOT NULL,
		last_event_at BIGINT NOT NULL,
		last_updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS spend_event (
		tenant_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		spend DOUBLE PRECISION NOT NULL,
		max_budget_snapshot DOUBLE PRECISION NOT NULL,
		event_type TEXT NOT NULL,
		occurred_at BIGINT NOT NULL,
		received_at BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS budget_override (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		expires_at BIGINT NOT NULL,
		reason TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_budget_override_tenant ON budget_override(tenant_id, expires_at)`,
	`CREATE TABLE IF NOT EXISTS budget_alert_history (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		actor TEXT NOT NULL,
		details TEXT NOT NULL,
		ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_budget_alert_history_tenant ON budget_alert_history(tenant_id, ts)`,
}

// Migrate creates the schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.wrap("migrate", err)
		}
	}
	return nil
}

const configColumns = `tenant_id, max_budget, alert_threshold_pct, grace_threshold_pct,
	budget_duration_ms, reset_at, fail_mode, created_at, updated_at`

// GetConfig implements TenantConfigRepository.
func (s *SQLStore) GetConfig(ctx context.Context, tenantID string) (*budget.TenantConfig, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+configColumns+` FROM tenant_budget_config WHERE tenant_id = ?`), tenantID)
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, budget.ErrTenantNotFound
	}
	if err != nil {
		return nil, s.wrap("get_config", err)
	}
	return cfg, nil
}

// PutConfig implements TenantConfigRepository.
func (s *SQLStore) PutConfig(ctx context.Context, cfg *budget.TenantConfig) error {
	now := time.Now()
	created := cfg.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := cfg.UpdatedAt
	if updated.IsZero() {
		updated = now
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO tenant_budget_config (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			max_budget = excluded.max_budget,
			alert_threshold_pct = excluded.alert_threshold_pct,
			grace_threshold_pct = excluded.grace_threshold_pct,
			budget_duration_ms = excluded.budget_duration_ms,
			reset_at = excluded.reset_at,
			fail_mode = excluded.fail_mode,
			updated_at = excluded.updated_at
	`),
		cfg.TenantID,
		cfg.MaxBudget,
		cfg.AlertThresholdPct,
		cfg.GraceThresholdPct,
		cfg.BudgetDuration.Milliseconds(),
		toMillis(cfg.ResetAt),
		string(cfg.FailMode),
		toMillis(created),
		toMillis(updated),
	)
	if err != nil {
		return s.wrap("put_config", err)
	}
	return nil
}

// ListConfigs implements TenantConfigRepository.
func (s *SQLStore) ListConfigs(ctx context.Context) ([]*budget.TenantConfig, error) {
	return s.queryConfigs(ctx, "list_configs",
		`SELECT `+configColumns+` FROM tenant_budget_config ORDER BY tenant_id`)
}

// ListDueForReset implements TenantConfigRepository.
func (s *SQLStore) ListDueForReset(ctx context.Context, now time.Time) ([]*budget.TenantConfig, error) {
	return s.queryConfigs(ctx, "list_due_for_reset",
		`SELECT `+configColumns+` FROM tenant_budget_config
		WHERE budget_duration_ms > 0 AND reset_at > 0 AND reset_at <= ?
		ORDER BY tenant_id`, toMillis(now))
}

func (s *SQLStore) queryConfigs(ctx context.Context, op, query string, args ...any) ([]*budget.TenantConfig, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.wrap(op, err)
	}
	defer rows.Close()

	var out []*budget.TenantConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, s.wrap(op, err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(op, err)
	}
	return out, nil
}

// AdvanceResetAt implements TenantConfigRepository.
func (s *SQLStore) AdvanceResetAt(ctx context.Context, tenantID string, old, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tenant_budget_config SET reset_at = ?, updated_at = ?
		WHERE tenant_id = ? AND reset_at = ?
	`), toMillis(next), toMillis(time.Now()), tenantID, toMillis(old))
	if err != nil {
		return false, s.wrap("advance_reset_at", err)
	}
	return s.affected(res, "advance_reset_at")
}

// GetState implements SpendStateRepository.
func (s *SQLStore) GetState(ctx context.Context, tenantID string) (*budget.SpendState, error) {
	var (
		st                                      budget.SpendState
		periodStart, lastEventAt, lastUpdatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT tenant_id, current_spend, version, period_start, last_event_at, last_updated_at
		FROM spend_state WHERE tenant_id = ?
	`), tenantID).Scan(&st.TenantID, &st.CurrentSpend, &st.Version, &periodStart, &lastEventAt, &lastUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("get_state", err)
	}
	st.PeriodStart = fromMillis(periodStart)
	st.LastEventAt = fromMillis(lastEventAt)
	st.LastUpdatedAt = fromMillis(lastUpdatedAt)
	return &st, nil
}

// CreateState implements SpendStateRepository.
func (s *SQLStore) CreateState(ctx context.Context, state *budget.SpendState) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO spend_state (tenant_id, current_spend, version, period_start, last_event_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO NOTHING
	`), state.TenantID, state.CurrentSpend, state.Version,
		toMillis(state.PeriodStart), toMillis(state.LastEventAt), toMillis(state.LastUpdatedAt))
	if err != nil {
		return s.wrap("create_state", err)
	}
	ok, err := s.affected(res, "create_state")
	if err != nil {
		return err
	}
	if !ok {
		return budget.ErrVersionConflict
	}
	return nil
}

// CompareAndSwapState implements SpendStateRepository.
func (s *SQLStore) CompareAndSwapState(ctx context.Context, state *budget.SpendState, expected int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE spend_state
		SET current_spend = ?, version = ?, period_start = ?, last_event_at = ?, last_updated_at = ?
		WHERE tenant_id = ? AND version = ?
	`), state.CurrentSpend, state.Version, toMillis(state.PeriodStart), toMillis(state.LastEventAt),
		toMillis(state.LastUpdatedAt), state.TenantID, expected)
	if err != nil {
		return s.wrap("cas_state", err)
	}
	ok, err := s.affected(res, "cas_state")
	if err != nil {
		return err
	}
	if !ok {
		return budget.ErrVersionConflict
	}
	return nil
}

// ResetPeriod implements SpendStateRepository.
func (s *SQLStore) ResetPeriod(ctx context.Context, tenantID string, boundary time.Time) (bool, error) {
	b := toMillis(boundary)
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE spend_state
		SET current_spend = 0, version = version + 1, period_start = ?, last_event_at = ?, last_updated_at = ?
		WHERE tenant_id = ? AND period_start < ?
	`), b, b, toMillis(time.Now()), tenantID, b)
	if err != nil {
		return false, s.wrap("reset_period", err)
	}
	return s.affected(res, "reset_period")
}

const overrideColumns = `id, tenant_id, amount, expires_at, reason, created_by, created_at`

// CreateOverride implements OverrideRepository.
func (s *SQLStore) CreateOverride(ctx context.Context, o *budget.Override) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO budget_override (`+overrideColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
	`), o.ID, o.TenantID, o.Amount, toMillis(o.ExpiresAt), o.Reason, o.CreatedBy, toMillis(o.CreatedAt))
	if err != nil {
		return s.wrap("create_override", err)
	}
	return nil
}

// GetOverride implements OverrideRepository.
func (s *SQLStore) GetOverride(ctx context.Context, id string) (*budget.Override, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+overrideColumns+` FROM budget_override WHERE id = ?`), id)
	o, err := scanOverride(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, budget.ErrOverrideNotFound
	}
	if err != nil {
		return nil, s.wrap("get_override", err)
	}
	return o, nil
}

// ActiveOverride implements OverrideRepository.
func (s *SQLStore) ActiveOverride(ctx context.Context, tenantID string, now time.Time) (*budget.Override, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+overrideColumns+` FROM budget_override
		WHERE tenant_id = ? AND expires_at > ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`), tenantID, toMillis(now))
	o, err := scanOverride(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("active_override", err)
	}
	return o, nil
}

// ExpireOverride implements OverrideRepository.
func (s *SQLStore) ExpireOverride(ctx context.Context, id string, at time.Time) (bool, error) {
	ms := toMillis(at)
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE budget_override SET expires_at = ? WHERE id = ? AND expires_at > ?
	`), ms, id, ms)
	if err != nil {
		return false, s.wrap("expire_override", err)
	}
	ok, err := s.affected(res, "expire_override")
	if err != nil || ok {
		return ok, err
	}
	if _, err := s.GetOverride(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ListOverrides implements OverrideRepository.
func (s *SQLStore) ListOverrides(ctx context.Context, tenantID string) ([]*budget.Override, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+overrideColumns+` FROM budget_override
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id DESC
	`), tenantID)
	if err != nil {
		return nil, s.wrap("list_overrides", err)
	}
	defer rows.Close()

	var out []*budget.Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, s.wrap("list_overrides", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list_overrides", err)
	}
	return out, nil
}

// PruneExpired implements OverrideRepository.
func (s *SQLStore) PruneExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM budget_override WHERE expires_at < ?`), toMillis(before))
	if err != nil {
		return 0, s.wrap("prune_overrides", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.wrap("prune_overrides", err)
	}
	return int(n), nil
}

// EventExists implements EventRepository.
func (s *SQLStore) EventExists(ctx context.Context, tenantID, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT 1 FROM spend_event WHERE tenant_id = ? AND event_id = ?
	`), tenantID, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap("event_exists", err)
	}
	return true, nil
}

// RecordEvent implements EventRepository.
func (s *SQLStore) RecordEvent(ctx context.Context, e *budget.SpendEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO spend_event (tenant_id, event_id, spend, max_budget_snapshot, event_type, occurred_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, event_id) DO NOTHING
	`), e.TenantID, e.EventID, e.Spend, e.MaxBudgetSnapshot, string(e.Type), toMillis(e.OccurredAt), toMillis(e.ReceivedAt))
	if err != nil {
		return false, s.wrap("record_event", err)
	}
	return s.affected(res, "record_event")
}

// AppendAudit implements AuditRepository.
func (s *SQLStore) AppendAudit(ctx context.Context, entry *budget.AuditEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO budget_alert_history (id, tenant_id, operation, actor, details, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.TenantID, entry.Operation, entry.Actor, string(details), toMillis(entry.Timestamp))
	if err != nil {
		return s.wrap("append_audit", err)
	}
	return nil
}

// ListAudit implements AuditRepository.
func (s *SQLStore) ListAudit(ctx context.Context, tenantID string, limit int) ([]*budget.AuditEntry, error) {
	query := `SELECT id, tenant_id, operation, actor, details, ts FROM budget_alert_history
		WHERE tenant_id = ? ORDER BY ts DESC, id DESC`
	args := []any{tenantID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.wrap("list_audit", err)
	}
	defer rows.Close()

	var out []*budget.AuditEntry
	for rows.Next() {
		var (
			e       budget.AuditEntry
			details string
			ts      int64
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Operation, &e.Actor, &details, &ts); err != nil {
			return nil, s.wrap("list_audit", err)
		}
		if details != "" && details != "null" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}
		e.Timestamp = fromMillis(ts)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list_audit", err)
	}
	return out, nil
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

// Close releases the database. Close is idempotent.
func (s *SQLStore) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.dialect == DialectSQLite {
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

// checkpointLoop runs periodic WAL checkpoints.
func (s *SQLStore) checkpointLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}

// rebind rewrites ? placeholders to $N for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) affected(res sql.Result, op string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.wrap(op, err)
	}
	return n > 0, nil
}

func (s *SQLStore) wrap(op string, err error) error {
	return budget.NewStorageError(string(s.dialect), op, err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConfig(row scanner) (*budget.TenantConfig, error) {
	var (
		cfg                                   budget.TenantConfig
		durationMS, resetAt, created, updated int64
		failMode                              string
	)
	if err := row.Scan(&cfg.TenantID, &cfg.MaxBudget, &cfg.AlertThresholdPct, &cfg.GraceThresholdPct,
		&durationMS, &resetAt, &failMode, &created, &updated); err != nil {
		return nil, err
	}
	cfg.BudgetDuration = time.Duration(durationMS) * time.Millisecond
	cfg.ResetAt = fromMillis(resetAt)
	cfg.FailMode = budget.FailMode(failMode)
	cfg.CreatedAt = fromMillis(created)
	cfg.UpdatedAt = fromMillis(updated)
	return &cfg, nil
}

func scanOverride(row scanner) (*budget.Override, error) {
	var (
		o                  budget.Override
		expires, createdAt int64
	)
	if err := row.Scan(&o.ID, &o.TenantID, &o.Amount, &expires, &o.Reason, &o.CreatedBy, &createdAt); err != nil {
		return nil, err
	}
	o.ExpiresAt = fromMillis(expires)
	o.CreatedAt = fromMillis(createdAt)
	return &o, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
