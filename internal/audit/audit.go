// Package audit persists the approval record log and security events.
//
// Two streams share one backend: the append-only approval log (Record), which
// the approval manager writes synchronously before acknowledging a decision,
// and the security event stream (Event), which components write best-effort
// through the Sink interface.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atlasgw/atlas/internal/config"
)

// Security event types.
const (
	EventInjectionDetected = "injection_detected"
	EventOutputBlocked     = "output_blocked"
	EventCommandRejected   = "command_rejected"
	EventApprovalRequested = "approval_requested"
	EventApprovalDecided   = "approval_decided"
	EventApprovalExpired   = "approval_expired"
	EventCommandExecuted   = "command_executed"
	EventSandboxFailure    = "sandbox_failure"
	EventRateLimited       = "rate_limited"
	EventRulesRemoved      = "rules_removed"
)

// Severities.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Approval log record kinds. The first five are terminal: at most one of them
// may exist per request id.
const (
	KindRejected        = "rejected"
	KindAutoApproved    = "auto_approved"
	KindApproved        = "approved"
	KindDenied          = "denied"
	KindExpired         = "expired"
	KindRequested       = "requested"
	KindExecuted        = "executed"
	KindExecutionFailed = "execution_failed"
	KindOutputWithheld  = "output_withheld"
)

var (
	// ErrNotFound is returned when no record exists for a request id.
	ErrNotFound = errors.New("audit: record not found")
	// ErrDuplicateTerminal is returned when a second terminal record is
	// appended for the same request id.
	ErrDuplicateTerminal = errors.New("audit: request already has a terminal record")
)

// IsTerminal reports whether kind ends a request's lifecycle.
func IsTerminal(kind string) bool {
	switch kind {
	case KindRejected, KindAutoApproved, KindApproved, KindDenied, KindExpired:
		return true
	}
	return false
}

// Record is one row of the approval log. Command must already be redacted.
type Record struct {
	Seq              int64     `json:"seq"`
	RequestID        string    `json:"request_id"`
	CommandRequestID string    `json:"command_request_id"`
	Kind             string    `json:"event"`
	Status           string    `json:"status"`
	Tier             string    `json:"tier"`
	Command          string    `json:"command"`
	WorkingDir       string    `json:"working_dir,omitempty"`
	RequestedBy      string    `json:"requested_by,omitempty"`
	DecidedBy        string    `json:"decided_by,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	RuleID           string    `json:"rule_id,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	At               time.Time `json:"at"`
}

// Event is one security event.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HistoryQuery filters approval log reads. Results are newest first.
type HistoryQuery struct {
	RequestID   string
	Status      string
	RequestedBy string
	Since       time.Time
	Limit       int
}

// EventQuery filters security event reads. Results are newest first.
type EventQuery struct {
	Type     string
	Severity string
	Since    time.Time
	Limit    int
}

// Sink receives security events. Implementations must not block the caller
// for long and must never fail it.
type Sink interface {
	Record(ctx context.Context, eventType, severity, message string, metadata map[string]any)
}

// Store is a complete backend: the approval log plus the event stream.
type Store interface {
	Sink
	Append(ctx context.Context, rec *Record) error
	Latest(ctx context.Context, requestID string) (*Record, error)
	History(ctx context.Context, q HistoryQuery) ([]Record, error)
	Unresolved(ctx context.Context) ([]Record, error)
	Events(ctx context.Context, q EventQuery) ([]Event, error)
	Close() error
}

// LogSink writes events to a logger only.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Record(ctx context.Context, eventType, severity, message string, metadata map[string]any) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if severity == SeverityHigh || severity == SeverityCritical {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, message, "event", eventType, "severity", severity, "metadata", metadata)
}

// Open returns the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.PersistenceConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(cfg.Path, logger)
	case "bolt":
		return NewBoltStore(cfg.Path, logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}

const (
	defaultLimit = 50
	maxLimit     = 1000
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (q HistoryQuery) matches(r *Record) bool {
	if q.RequestID != "" && r.RequestID != q.RequestID {
		return false
	}
	if q.Status != "" && r.Status != q.Status {
		return false
	}
	if q.RequestedBy != "" && r.RequestedBy != q.RequestedBy {
		return false
	}
	if !q.Since.IsZero() && r.At.Before(q.Since) {
		return false
	}
	return true
}

func (q EventQuery) matches(e *Event) bool {
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.Severity != "" && e.Severity != q.Severity {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
