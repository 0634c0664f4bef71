package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'created',
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, thread_id, run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_user_created ON runs(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			data JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			FOREIGN KEY (user_id, thread_id, run_id) REFERENCES runs(user_id, thread_id, run_id) ON DELETE CASCADE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_run_events_run_seq ON run_events(user_id, thread_id, run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_created_at ON run_events(created_at)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			connection_id TEXT NOT NULL DEFAULT '',
			thread_id TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			detail JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// nullJSON maps an empty payload to SQL NULL for JSONB columns.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (user_id, thread_id, run_id, state, reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, thread_id, run_id) DO NOTHING`,
		run.UserID, run.ThreadID, run.RunID, run.State, run.Reason, run.CreatedAt, run.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, userID, threadID, runID string) (*Run, error) {
	var r Run
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, thread_id, run_id, state, reason, created_at, updated_at
		 FROM runs WHERE user_id = $1 AND thread_id = $2 AND run_id = $3`,
		userID, threadID, runID,
	).Scan(&r.UserID, &r.ThreadID, &r.RunID, &r.State, &r.Reason, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ListRunsByUser(ctx context.Context, userID string, since time.Time, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, thread_id, run_id, state, reason, created_at, updated_at
		 FROM runs WHERE user_id = $1 AND created_at >= $2
		 ORDER BY created_at DESC LIMIT $3`,
		userID, since, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.UserID, &r.ThreadID, &r.RunID, &r.State, &r.Reason, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) FinishRun(ctx context.Context, userID, threadID, runID, state, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = $1, reason = $2, updated_at = NOW()
		 WHERE user_id = $3 AND thread_id = $4 AND run_id = $5`,
		state, reason, userID, threadID, runID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Run journal ---

func (s *PostgresStore) AppendRunEvent(ctx context.Context, ev *RunEvent) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO run_events (id, user_id, thread_id, run_id, seq, type, data, created_at)
		 VALUES ($1, $2, $3, $4,
		   (SELECT COALESCE(MAX(seq),0)+1 FROM run_events WHERE user_id = $2 AND thread_id = $3 AND run_id = $4),
		   $5, $6, $7)
		 RETURNING seq`,
		ev.ID, ev.UserID, ev.ThreadID, ev.RunID, ev.Type, nullJSON(ev.Data), ev.CreatedAt,
	).Scan(&seq)
	return seq, err
}

func (s *PostgresStore) ListRunEvents(ctx context.Context, userID, threadID, runID string, afterSeq int64, limit int) ([]RunEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, thread_id, run_id, seq, type, COALESCE(data::text, ''), created_at
		 FROM run_events WHERE user_id = $1 AND thread_id = $2 AND run_id = $3 AND seq > $4
		 ORDER BY seq LIMIT $5`,
		userID, threadID, runID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		var data string
		if err := rows.Scan(&e.ID, &e.UserID, &e.ThreadID, &e.RunID, &e.Seq, &e.Type, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		if data != "" {
			e.Data = json.RawMessage(data)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) OpenScope(ctx context.Context, key ScopeKey) (Scope, error) {
	return openScope(ctx, s, key)
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, user_id, connection_id, thread_id, run_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.Action, event.UserID, event.ConnectionID, event.ThreadID, event.RunID, nullJSON(event.Detail), event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, action, user_id, connection_id, thread_id, run_id, COALESCE(detail::text, ''), created_at
	          FROM audit_events WHERE TRUE`
	var args []any
	next := func() string { return "$" + strconv.Itoa(len(args)) }

	if filter.Action != "" {
		args = append(args, filter.Action+"%")
		query += " AND action LIKE " + next()
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += " AND user_id = " + next()
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += " LIMIT " + next()

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += " OFFSET " + next()
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &e.ConnectionID, &e.ThreadID, &e.RunID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Data Retention ---

func (s *PostgresStore) PurgeOldRunEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM run_events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
