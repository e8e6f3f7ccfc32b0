package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS approval_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
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
	expires_at TEXT NOT NULL DEFAULT '',
	terminal INTEGER NOT NULL DEFAULT 0,
	at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_approval_terminal ON approval_log(request_id) WHERE terminal = 1;
CREATE INDEX IF NOT EXISTS idx_approval_request ON approval_log(request_id);
CREATE INDEX IF NOT EXISTS idx_approval_status ON approval_log(status);
CREATE INDEX IF NOT EXISTS idx_approval_at ON approval_log(at);

CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	type TEXT NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_type ON audit_events(type);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON audit_events(timestamp);
`

const recordColumns = "seq, request_id, command_request_id, kind, status, tier, command, working_dir, requested_by, decided_by, reason, rule_id, expires_at, at"

// SQLiteStore is the default backend. Approval records are written
// synchronously; events go through a buffered write loop.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	writes chan eventWrite
	done   chan struct{}
}

type eventWrite struct {
	event   Event
	flushed chan struct{}
}

// NewSQLiteStore opens (or creates) the SQLite database at path.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	// :memory: databases exist per connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			if cerr := db.Close(); cerr != nil {
				return nil, fmt.Errorf("initializing audit db: %w (also: close: %v)", err, cerr)
			}
			return nil, fmt.Errorf("initializing audit db: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		writes: make(chan eventWrite, 256),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Append writes rec and sets rec.Seq.
func (s *SQLiteStore) Append(ctx context.Context, rec *Record) error {
	terminal := 0
	if IsTerminal(rec.Kind) {
		terminal = 1
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_log (request_id, command_request_id, kind, status, tier, command, working_dir, requested_by, decided_by, reason, rule_id, expires_at, terminal, at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.CommandRequestID, rec.Kind, rec.Status, rec.Tier, rec.Command, rec.WorkingDir,
		rec.RequestedBy, rec.DecidedBy, rec.Reason, rec.RuleID, formatTime(rec.ExpiresAt), terminal, formatTime(rec.At),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("appending %s for %s: %w", rec.Kind, rec.RequestID, ErrDuplicateTerminal)
		}
		return fmt.Errorf("appending %s for %s: %w", rec.Kind, rec.RequestID, err)
	}
	if rec.Seq, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading record seq: %w", err)
	}
	return nil
}

// Latest returns the newest record for requestID.
func (s *SQLiteStore) Latest(ctx context.Context, requestID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM approval_log WHERE request_id = ? ORDER BY seq DESC LIMIT 1", requestID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading latest record: %w", err)
	}
	return rec, nil
}

// History returns records matching q.
func (s *SQLiteStore) History(ctx context.Context, q HistoryQuery) ([]Record, error) {
	query := "SELECT " + recordColumns + " FROM approval_log WHERE 1=1"
	var args []any

	if q.RequestID != "" {
		query += " AND request_id = ?"
		args = append(args, q.RequestID)
	}
	if q.Status != "" {
		query += " AND status = ?"
		args = append(args, q.Status)
	}
	if q.RequestedBy != "" {
		query += " AND requested_by = ?"
		args = append(args, q.RequestedBy)
	}
	if !q.Since.IsZero() {
		query += " AND at >= ?"
		args = append(args, formatTime(q.Since))
	}
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT %d", clampLimit(q.Limit))

	return s.queryRecords(ctx, query, args...)
}

// Unresolved returns the creation record of every request that has no
// terminal record yet.
func (s *SQLiteStore) Unresolved(ctx context.Context) ([]Record, error) {
	return s.queryRecords(ctx, "SELECT "+recordColumns+` FROM approval_log r
		WHERE r.kind = ? AND NOT EXISTS (
			SELECT 1 FROM approval_log t WHERE t.request_id = r.request_id AND t.terminal = 1
		) ORDER BY r.seq`, KindRequested)
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying approval log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var r Record
	var expires, at string
	if err := row.Scan(&r.Seq, &r.RequestID, &r.CommandRequestID, &r.Kind, &r.Status, &r.Tier, &r.Command,
		&r.WorkingDir, &r.RequestedBy, &r.DecidedBy, &r.Reason, &r.RuleID, &expires, &at); err != nil {
		return nil, err
	}
	r.ExpiresAt = parseTime(expires)
	r.At = parseTime(at)
	return &r, nil
}

// Record enqueues a security event for async writing.
func (s *SQLiteStore) Record(_ context.Context, eventType, severity, message string, metadata map[string]any) {
	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      eventType,
		Severity:  severity,
		Message:   message,
		Metadata:  metadata,
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.writes <- eventWrite{event: ev}:
	default:
		s.logger.Warn("audit write buffer full, dropping event", "id", ev.ID, "type", eventType)
	}
}

// Flush blocks until every event enqueued before the call is written.
func (s *SQLiteStore) Flush() {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	done := make(chan struct{})
	s.writes <- eventWrite{flushed: done}
	s.mu.RUnlock()
	<-done
}

// Events returns security events matching q.
func (s *SQLiteStore) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	query := "SELECT id, timestamp, type, severity, message, metadata FROM audit_events WHERE 1=1"
	var args []any

	if q.Type != "" {
		query += " AND type = ?"
		args = append(args, q.Type)
	}
	if q.Severity != "" {
		query += " AND severity = ?"
		args = append(args, q.Severity)
	}
	if !q.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, formatTime(q.Since))
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT %d", clampLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var e Event
		var ts string
		var meta sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.Severity, &e.Message, &meta); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		e.Timestamp = parseTime(ts)
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close flushes pending events and closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writes)
	s.mu.Unlock()
	<-s.done
	return s.db.Close()
}

func (s *SQLiteStore) writeLoop() {
	defer close(s.done)
	for w := range s.writes {
		if w.flushed != nil {
			close(w.flushed)
			continue
		}
		ev := w.event
		var meta any
		if len(ev.Metadata) > 0 {
			b, err := json.Marshal(ev.Metadata)
			if err != nil {
				s.logger.Error("encoding event metadata", "id", ev.ID, "error", err)
			} else {
				meta = string(b)
			}
		}
		_, err := s.db.Exec(
			`INSERT INTO audit_events (id, timestamp, type, severity, message, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
			ev.ID, formatTime(ev.Timestamp), ev.Type, ev.Severity, ev.Message, meta,
		)
		if err != nil {
			s.logger.Error("audit write failed", "id", ev.ID, "error", err)
		}
	}
}
