package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DecisionRecord is one audited decision-cycle outcome.
type DecisionRecord struct {
	Pair       string          `json:"pair"`
	Action     string          `json:"action"`  // open_position, add_layer, close, skip
	Outcome    string          `json:"outcome"` // executed, rejected, blocked, error
	Detail     string          `json:"detail"`
	Hypothesis json.RawMessage `json:"hypothesis,omitempty"`
	Votes      json.RawMessage `json:"votes,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DecisionRecorder sinks decision records. Implementations must tolerate
// nil-safe no-op use so recording never blocks trading.
type DecisionRecorder interface {
	AppendDecision(ctx context.Context, rec DecisionRecord) error
}

// NoopRecorder discards records. Used when no audit sink is configured.
type NoopRecorder struct{}

func (NoopRecorder) AppendDecision(ctx context.Context, rec DecisionRecord) error {
	return nil
}

// ===== SQLITE RECORDER =====

// SQLiteRecorder writes decision records to a local sqlite file. It is the
// default audit sink for paper and single-node runs where PostgreSQL is not
// worth operating.
type SQLiteRecorder struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteRecorder opens (or creates) the database file and its schema.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS decision_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pair TEXT NOT NULL,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT,
		hypothesis TEXT,
		votes TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_pair ON decision_records(pair, created_at);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
	}

	return &SQLiteRecorder{
		db:     db,
		logger: log.With().Str("component", "sqlite_recorder").Logger(),
	}, nil
}

// Close closes the database file.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}

// AppendDecision inserts one record.
func (r *SQLiteRecorder) AppendDecision(ctx context.Context, rec DecisionRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO decision_records (pair, action, outcome, detail, hypothesis, votes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Pair, rec.Action, rec.Outcome, rec.Detail,
		string(rec.Hypothesis), string(rec.Votes), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append decision record: %w", err)
	}
	return nil
}

// RecentDecisions returns the latest records for a pair, newest first.
func (r *SQLiteRecorder) RecentDecisions(ctx context.Context, pair string, limit int) ([]DecisionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT pair, action, outcome, COALESCE(detail, ''),
			COALESCE(hypothesis, ''), COALESCE(votes, ''), created_at
		FROM decision_records
		WHERE pair = ?
		ORDER BY created_at DESC
		LIMIT ?`, pair, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decision records: %w", err)
	}
	defer rows.Close()

	var records []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var hypothesis, votes string
		if err := rows.Scan(&rec.Pair, &rec.Action, &rec.Outcome, &rec.Detail,
			&hypothesis, &votes, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision record: %w", err)
		}
		if hypothesis != "" {
			rec.Hypothesis = json.RawMessage(hypothesis)
		}
		if votes != "" {
			rec.Votes = json.RawMessage(votes)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
