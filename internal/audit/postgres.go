package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS approval_log (
	seq BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	command_request_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	tier TEXT NOT NULL,
	command TEXT NOT NULL,
	working_dir TEXT NOT NULL DEFAULT '',
	requested_by TEXT NOT NULL DEFAULT '',
	decided_by TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	rule_id TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMPTZ,
	terminal BOOLEAN NOT NULL DEFAULT FALSE,
	at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_approval_terminal ON approval_log(request_id) WHERE terminal;
CREATE INDEX IF NOT EXISTS idx_approval_request ON approval_log(request_id);
CREATE INDEX IF NOT EXISTS idx_approval_at ON approval_log(at);

CREATE TABLE IF NOT EXISTS audit_events (
	id UUID PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	type TEXT NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	metadata JSONB
);

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON audit_events(timestamp);
`

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore shares the log between gateway replicas.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to dsn and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Append writes rec and sets rec.Seq.
func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO approval_log (request_id, command_request_id, kind, status, tier, command, working_dir, requested_by, decided_by, reason, rule_id, expires_at, terminal, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING seq`,
		rec.RequestID, rec.CommandRequestID, rec.Kind, rec.Status, rec.Tier, rec.Command, rec.WorkingDir,
		rec.RequestedBy, rec.DecidedBy, rec.Reason, rec.RuleID, nullTime(rec.ExpiresAt), IsTerminal(rec.Kind), rec.At.UTC(),
	).Scan(&rec.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("appending %s for %s: %w", rec.Kind, rec.RequestID, ErrDuplicateTerminal)
		}
		return fmt.Errorf("appending %s for %s: %w", rec.Kind, rec.RequestID, err)
	}
	return nil
}

const pgRecordColumns = "seq, request_id, command_request_id, kind, status, tier, command, working_dir, requested_by, decided_by, reason, rule_id, expires_at, at"

func scanPgRecord(row pgx.Row) (*Record, error) {
	var r Record
	var expires *time.Time
	if err := row.Scan(&r.Seq, &r.RequestID, &r.CommandRequestID, &r.Kind, &r.Status, &r.Tier, &r.Command,
		&r.WorkingDir, &r.RequestedBy, &r.DecidedBy, &r.Reason, &r.RuleID, &expires, &r.At); err != nil {
		return nil, err
	}
	if expires != nil {
		r.ExpiresAt = *expires
	}
	return &r, nil
}

// Latest returns the newest record for requestID.
func (s *PostgresStore) Latest(ctx context.Context, requestID string) (*Record, error) {
	rec, err := scanPgRecord(s.pool.QueryRow(ctx,
		"SELECT "+pgRecordColumns+" FROM approval_log WHERE request_id = $1 ORDER BY seq DESC LIMIT 1", requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading latest record: %w", err)
	}
	return rec, nil
}

// History returns records matching q.
func (s *PostgresStore) History(ctx context.Context, q HistoryQuery) ([]Record, error) {
	query := "SELECT " + pgRecordColumns + " FROM approval_log WHERE 1=1"
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.RequestID != "" {
		query += " AND request_id = " + arg(q.RequestID)
	}
	if q.Status != "" {
		query += " AND status = " + arg(q.Status)
	}
	if q.RequestedBy != "" {
		query += " AND requested_by = " + arg(q.RequestedBy)
	}
	if !q.Since.IsZero() {
		query += " AND at >= " + arg(q.Since.UTC())
	}
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT %d", clampLimit(q.Limit))

	return s.queryRecords(ctx, query, args...)
}

// Unresolved returns the creation record of every request that has no
// terminal record yet.
func (s *PostgresStore) Unresolved(ctx context.Context) ([]Record, error) {
	return s.queryRecords(ctx, "SELECT "+pgRecordColumns+` FROM approval_log r
		WHERE r.kind = $1 AND NOT EXISTS (
			SELECT 1 FROM approval_log t WHERE t.request_id = r.request_id AND t.terminal
		) ORDER BY r.seq`, KindRequested)
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying approval log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Record writes a security event. Failures are logged.
func (s *PostgresStore) Record(ctx context.Context, eventType, severity, message string, metadata map[string]any) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, timestamp, type, severity, message, metadata) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, time.Now().UTC(), eventType, severity, message, metadata,
	)
	if err != nil {
		s.logger.Error("audit write failed", "id", id.String(), "error", err)
	}
}

// Events returns security events matching q.
func (s *PostgresStore) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	query := "SELECT id::text, timestamp, type, severity, message, metadata FROM audit_events WHERE 1=1"
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Type != "" {
		query += " AND type = " + arg(q.Type)
	}
	if q.Severity != "" {
		query += " AND severity = " + arg(q.Severity)
	}
	if !q.Since.IsZero() {
		query += " AND timestamp >= " + arg(q.Since.UTC())
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT %d", clampLimit(q.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &e.Severity, &e.Message, &e.Metadata); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
