package approval

import (
	"context"

	"github.com/atlasgw/atlas/internal/audit"
	"github.com/atlasgw/atlas/internal/output"
	"github.com/atlasgw/atlas/internal/policy"
)

// Persistence is the durable, append-only approval log. A second terminal
// record for one request id must fail with audit.ErrDuplicateTerminal.
// audit.SQLiteStore, audit.BoltStore and audit.PostgresStore implement it.
type Persistence interface {
	Append(ctx context.Context, rec *audit.Record) error
	Latest(ctx context.Context, requestID string) (*audit.Record, error)
	History(ctx context.Context, q audit.HistoryQuery) ([]audit.Record, error)
	Unresolved(ctx context.Context) ([]audit.Record, error)
}

// record builds the log row for r. The command is redacted.
func record(r Request, kind string) *audit.Record {
	rec := &audit.Record{
		RequestID:        r.ID,
		CommandRequestID: r.CommandRequestID,
		Kind:             kind,
		Status:           string(r.Status),
		Tier:             string(r.Tier),
		Command:          output.RedactCredentials(r.Command),
		WorkingDir:       r.WorkingDir,
		RequestedBy:      r.RequestedBy,
		DecidedBy:        r.DecidedBy,
		Reason:           r.Reason,
		RuleID:           r.RuleID,
		ExpiresAt:        r.ExpiresAt,
		At:               r.CreatedAt,
	}
	if r.DecidedAt != nil {
		rec.At = *r.DecidedAt
	}
	return rec
}

// requestFromRecord rebuilds what the log knows about a request.
func requestFromRecord(rec *audit.Record) Request {
	r := Request{
		ID:               rec.RequestID,
		CommandRequestID: rec.CommandRequestID,
		Command:          rec.Command,
		WorkingDir:       rec.WorkingDir,
		RequestedBy:      rec.RequestedBy,
		Tier:             policy.Tier(rec.Tier),
		Status:           Status(rec.Status),
		ExpiresAt:        rec.ExpiresAt,
		DecidedBy:        rec.DecidedBy,
		Reason:           rec.Reason,
		RuleID:           rec.RuleID,
	}
	if r.Status == StatusPending {
		r.CreatedAt = rec.At
	} else {
		at := rec.At
		r.DecidedAt = &at
	}
	return r
}
