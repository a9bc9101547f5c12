// Package postgres provides a PostgreSQL implementation of the
// subsync.Store and subsync.SettingsStore interfaces. Activation runs
// in a SQL transaction so the upsert and the deactivation of competing
// rows commit together.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andrevlopes/subsync/pkg/subsync"
)

// Storage implements subsync.Store and subsync.SettingsStore using
// PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// InitSchema creates the subscriptions and settings tables when they
// do not exist yet. Intended for development and tests; production
// deployments usually own their migrations.
func (s *Storage) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS subscriptions (
			subscription_id      TEXT PRIMARY KEY,
			user_id              TEXT NOT NULL,
			customer_id          TEXT NOT NULL DEFAULT '',
			status               TEXT NOT NULL,
			plan_type            TEXT NOT NULL,
			plan_value           DOUBLE PRECISION,
			current_period_start TIMESTAMPTZ,
			current_period_end   TIMESTAMPTZ,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at           TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_user_status
			ON subscriptions (user_id, status);
		CREATE TABLE IF NOT EXISTS settings (
			key       TEXT PRIMARY KEY,
			value     TEXT NOT NULL,
			encrypted BOOLEAN NOT NULL DEFAULT FALSE
		)`)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close releases the connection pool
func (s *Storage) Close() {
	s.pool.Close()
}

const projectionColumns = `subscription_id, user_id, customer_id, status, plan_type, plan_value,
	current_period_start, current_period_end, cancel_at_period_end, updated_at`

func scanProjection(row pgx.Row) (*subsync.Projection, error) {
	var p subsync.Projection
	var periodStart, periodEnd *time.Time

	err := row.Scan(
		&p.SubscriptionID,
		&p.UserID,
		&p.CustomerID,
		&p.Status,
		&p.PlanType,
		&p.PlanValue,
		&periodStart,
		&periodEnd,
		&p.CancelAtPeriodEnd,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if periodStart != nil {
		p.CurrentPeriodStart = *periodStart
	}
	if periodEnd != nil {
		p.CurrentPeriodEnd = *periodEnd
	}
	return &p, nil
}

// Get implements subsync.Store
func (s *Storage) Get(ctx context.Context, subscriptionID string) (*subsync.Projection, error) {
	p, err := scanProjection(s.pool.QueryRow(ctx,
		`SELECT `+projectionColumns+` FROM subscriptions WHERE subscription_id = $1`,
		subscriptionID))
	if err == pgx.ErrNoRows {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return p, nil
}

const upsertSQL = `INSERT INTO subscriptions
		(subscription_id, user_id, customer_id, status, plan_type, plan_value,
		 current_period_start, current_period_end, cancel_at_period_end, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (subscription_id) DO UPDATE SET
		user_id = EXCLUDED.user_id,
		customer_id = EXCLUDED.customer_id,
		status = EXCLUDED.status,
		plan_type = EXCLUDED.plan_type,
		plan_value = EXCLUDED.plan_value,
		current_period_start = EXCLUDED.current_period_start,
		current_period_end = EXCLUDED.current_period_end,
		cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		updated_at = EXCLUDED.updated_at`

func upsertArgs(p *subsync.Projection) []interface{} {
	return []interface{}{
		p.SubscriptionID, p.UserID, p.CustomerID, string(p.Status), string(p.PlanType),
		p.PlanValue, p.CurrentPeriodStart, p.CurrentPeriodEnd, p.CancelAtPeriodEnd, p.UpdatedAt,
	}
}

// Upsert implements subsync.Store
func (s *Storage) Upsert(ctx context.Context, p *subsync.Projection) error {
	if p == nil || p.SubscriptionID == "" || p.UserID == "" {
		return fmt.Errorf("invalid projection")
	}

	if _, err := s.pool.Exec(ctx, upsertSQL, upsertArgs(p)...); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// Activate implements subsync.Store with the upsert and the
// deactivation of competing active rows in one transaction.
func (s *Storage) Activate(ctx context.Context, p *subsync.Projection) (int, error) {
	if p == nil || p.SubscriptionID == "" || p.UserID == "" {
		return 0, fmt.Errorf("invalid projection")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE subscriptions SET
			status = 'canceled',
			cancel_at_period_end = TRUE,
			plan_type = 'free',
			plan_value = NULL,
			updated_at = $3
		WHERE user_id = $1 AND subscription_id <> $2 AND status = 'active'`,
		p.UserID, p.SubscriptionID, p.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate subscriptions: %w", err)
	}
	deactivated := int(tag.RowsAffected())

	if _, err := tx.Exec(ctx, upsertSQL, upsertArgs(p)...); err != nil {
		return 0, fmt.Errorf("failed to upsert subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit activation: %w", err)
	}
	return deactivated, nil
}

// Cancel implements subsync.Store
func (s *Storage) Cancel(ctx context.Context, subscriptionID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET
			status = 'canceled',
			cancel_at_period_end = TRUE,
			plan_type = 'free',
			plan_value = NULL,
			updated_at = $2
		WHERE subscription_id = $1`,
		subscriptionID, at)
	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subsync.ErrSubscriptionNotFound
	}
	return nil
}

// ListActiveByUser implements subsync.Store
func (s *Storage) ListActiveByUser(ctx context.Context, userID string) ([]*subsync.Projection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+projectionColumns+` FROM subscriptions
			WHERE user_id = $1 AND status = 'active'
			ORDER BY updated_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*subsync.Projection
	for rows.Next() {
		p, err := scanProjection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return out, nil
}

// CurrentForUser implements subsync.Store. Active rows win; otherwise
// the most recently updated row represents the user's state.
func (s *Storage) CurrentForUser(ctx context.Context, userID string) (*subsync.Projection, error) {
	p, err := scanProjection(s.pool.QueryRow(ctx,
		`SELECT `+projectionColumns+` FROM subscriptions
			WHERE user_id = $1
			ORDER BY (status = 'active') DESC, updated_at DESC
			LIMIT 1`,
		userID))
	if err == pgx.ErrNoRows {
		return nil, subsync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current subscription: %w", err)
	}
	return p, nil
}

// ListCustomers implements subsync.Store. One entry per user, carrying
// the customer ID of the most recently updated row.
func (s *Storage) ListCustomers(ctx context.Context) ([]subsync.Customer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (user_id) user_id, customer_id
			FROM subscriptions
			ORDER BY user_id, updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var out []subsync.Customer
	for rows.Next() {
		var c subsync.Customer
		if err := rows.Scan(&c.UserID, &c.CustomerID); err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate customers: %w", err)
	}
	return out, nil
}

// Ping implements subsync.Store
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetSetting implements subsync.SettingsStore
func (s *Storage) GetSetting(ctx context.Context, key string) (*subsync.Setting, error) {
	var setting subsync.Setting
	err := s.pool.QueryRow(ctx,
		`SELECT key, value, encrypted FROM settings WHERE key = $1`,
		key).Scan(&setting.Key, &setting.Value, &setting.Encrypted)
	if err == pgx.ErrNoRows {
		return nil, subsync.ErrSettingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return &setting, nil
}

// SetSetting stores a configuration entry
func (s *Storage) SetSetting(ctx context.Context, setting *subsync.Setting) error {
	if setting == nil || setting.Key == "" {
		return fmt.Errorf("invalid setting")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value, encrypted)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET
				value = EXCLUDED.value,
				encrypted = EXCLUDED.encrypted`,
		setting.Key, setting.Value, setting.Encrypted)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}
