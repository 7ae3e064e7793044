package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crypto-dca-engine/internal/position"
)

// PostgresConfig holds database connection settings.
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// PostgresStore persists positions and decision records in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects the pool and verifies the connection.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	store := &PostgresStore{
		pool:   pool,
		logger: log.With().Str("component", "postgres").Logger(),
	}
	store.logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return store, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations creates the schema.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id UUID PRIMARY KEY,
			pair VARCHAR(20) NOT NULL,
			exchange VARCHAR(32) NOT NULL,
			direction VARCHAR(8) NOT NULL,
			status VARCHAR(16) NOT NULL,
			layers JSONB NOT NULL,
			target_profit_pct DECIMAL(10, 4) NOT NULL,
			stop_loss_pct DECIMAL(10, 4) NOT NULL,
			trailing JSONB NOT NULL,
			spacing_pct DECIMAL(10, 4) NOT NULL,
			condition VARCHAR(16) NOT NULL,
			close_reason TEXT,
			abort_reason TEXT,
			opened_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_pair_status ON positions(pair, status)`,
		`CREATE TABLE IF NOT EXISTS decision_records (
			id SERIAL PRIMARY KEY,
			pair VARCHAR(20) NOT NULL,
			action VARCHAR(32) NOT NULL,
			outcome VARCHAR(32) NOT NULL,
			detail TEXT,
			hypothesis JSONB,
			votes JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_pair_time ON decision_records(pair, created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	s.logger.Info().Int("statements", len(migrations)).Msg("Migrations applied")
	return nil
}

// SavePosition upserts the full position state.
func (s *PostgresStore) SavePosition(ctx context.Context, pos *position.DcaPosition) error {
	layers, err := json.Marshal(pos.Layers)
	if err != nil {
		return fmt.Errorf("failed to marshal layers: %w", err)
	}
	trailing, err := json.Marshal(pos.Trailing)
	if err != nil {
		return fmt.Errorf("failed to marshal trailing state: %w", err)
	}

	var closedAt *time.Time
	if !pos.ClosedAt.IsZero() {
		closedAt = &pos.ClosedAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO positions (
			id, pair, exchange, direction, status, layers,
			target_profit_pct, stop_loss_pct, trailing, spacing_pct, condition,
			close_reason, abort_reason, opened_at, updated_at, closed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			layers = EXCLUDED.layers,
			trailing = EXCLUDED.trailing,
			spacing_pct = EXCLUDED.spacing_pct,
			condition = EXCLUDED.condition,
			close_reason = EXCLUDED.close_reason,
			abort_reason = EXCLUDED.abort_reason,
			updated_at = EXCLUDED.updated_at,
			closed_at = EXCLUDED.closed_at`,
		pos.ID, pos.Pair, pos.Exchange, pos.Direction, pos.Status, layers,
		pos.TargetProfitPct, pos.StopLossPct, trailing, pos.SpacingPercent, pos.Condition,
		pos.CloseReason, pos.AbortReason, pos.OpenedAt, pos.UpdatedAt, closedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w", pos.ID, err)
	}
	return nil
}

// LoadOpenPositions returns every position not yet in a terminal state, for
// restart recovery.
func (s *PostgresStore) LoadOpenPositions(ctx context.Context) ([]*position.DcaPosition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pair, exchange, direction, status, layers,
			target_profit_pct, stop_loss_pct, trailing, spacing_pct, condition,
			COALESCE(close_reason, ''), COALESCE(abort_reason, ''),
			opened_at, updated_at
		FROM positions
		WHERE status NOT IN ('closed', 'aborted')`)
	if err != nil {
		return nil, fmt.Errorf("failed to load open positions: %w", err)
	}
	defer rows.Close()

	var positions []*position.DcaPosition
	for rows.Next() {
		pos := &position.DcaPosition{}
		var layers, trailing []byte
		if err := rows.Scan(
			&pos.ID, &pos.Pair, &pos.Exchange, &pos.Direction, &pos.Status, &layers,
			&pos.TargetProfitPct, &pos.StopLossPct, &trailing, &pos.SpacingPercent, &pos.Condition,
			&pos.CloseReason, &pos.AbortReason,
			&pos.OpenedAt, &pos.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		if err := json.Unmarshal(layers, &pos.Layers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal layers for %s: %w", pos.ID, err)
		}
		if err := json.Unmarshal(trailing, &pos.Trailing); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trailing state for %s: %w", pos.ID, err)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// AppendDecision records one decision-cycle outcome for audit.
func (s *PostgresStore) AppendDecision(ctx context.Context, rec DecisionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO decision_records (pair, action, outcome, detail, hypothesis, votes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.Pair, rec.Action, rec.Outcome, rec.Detail, rec.Hypothesis, rec.Votes, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append decision record: %w", err)
	}
	return nil
}
