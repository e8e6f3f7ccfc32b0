// Package notify delivers pipeline alerts to operators.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Event names, also used to filter webhook subscriptions.
const (
	EventApprovalRequired  = "approval_required"
	EventApprovalExpired   = "approval_expired"
	EventInjectionDetected = "injection_detected"
	EventOutputBlocked     = "output_blocked"
	EventCommandRejected   = "command_rejected"
)

// Payload is one alert.
type Payload struct {
	Event     string         `json:"event"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Severity  string         `json:"severity,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers alerts. Notify must not block on delivery.
type Notifier interface {
	Notify(ctx context.Context, p Payload)
}

// LogNotifier writes alerts to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, p Payload) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "event", p.Event, "title", p.Title, "message", p.Message, "severity", p.Severity)
}

// Multi fans an alert out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, p Payload) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, p)
		}
	}
}
