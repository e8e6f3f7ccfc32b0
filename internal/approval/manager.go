package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/atlasgw/atlas/internal/audit"
	"github.com/atlasgw/atlas/internal/config"
	"github.com/atlasgw/atlas/internal/metrics"
	"github.com/atlasgw/atlas/internal/notify"
	"github.com/atlasgw/atlas/internal/output"
	"github.com/atlasgw/atlas/internal/policy"
	"github.com/atlasgw/atlas/internal/sandbox"
	"github.com/atlasgw/atlas/internal/telemetry"
)

const (
	// expiryTimeout bounds the persistence write of one expiry.
	expiryTimeout = 10 * time.Second
	// Failed expiry writes are retried with exponential backoff.
	expiryRetryBase = 500 * time.Millisecond
	expiryRetryMax  = 30 * time.Second
)

// state is everything Reconfigure swaps at once.
type state struct {
	preset config.Preset
	engine *policy.Engine
}

// Manager runs the approval pipeline: classify, decide, execute, validate.
// It is the only component callers use to move a command forward.
type Manager struct {
	state atomic.Pointer[state]
	rules *Rules
	queue *Queue

	store     Persistence
	executor  sandbox.Executor
	validator *output.Validator

	sink     audit.Sink
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	home     string
	now      func() time.Time
	newID    func() string

	closeOnce sync.Once
	closed    atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithAuditSink records security events for every transition.
func WithAuditSink(s audit.Sink) Option { return func(m *Manager) { m.sink = s } }

// WithNotifier alerts reviewers about pending and expired requests.
func WithNotifier(n notify.Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithMetrics counts transitions and executions.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithHomeDir sets the directory ~ expands to in policy and rules.
func WithHomeDir(dir string) Option { return func(m *Manager) { m.home = dir } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager wires the pipeline for preset. validator may be nil, in which
// case a default validator is used.
func NewManager(preset config.Preset, store Persistence, executor sandbox.Executor, validator *output.Validator, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("approval: persistence is required")
	}
	m := &Manager{
		queue:     NewQueue(),
		store:     store,
		executor:  executor,
		validator: validator,
		logger:    slog.Default(),
		tracer:    telemetry.Tracer(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	if home, err := os.UserHomeDir(); err == nil {
		m.home = home
	}
	for _, o := range opts {
		o(m)
	}
	if m.validator == nil {
		m.validator = output.New(config.OutputConfig{DetectUnknownAPIs: true}, nil, output.WithLogger(m.logger))
	}

	rules, err := RulesFromConfig(preset.AutoApprove)
	if err != nil {
		return nil, err
	}
	if m.rules, err = NewRules(m.home, rules...); err != nil {
		return nil, err
	}
	m.state.Store(m.compile(preset))
	return m, nil
}

func (m *Manager) compile(p config.Preset) *state {
	engine := policy.NewEngine(p.Policy,
		policy.WithHomeDir(m.home),
		policy.WithWorkdirPermission(p.Limits.WorkdirPermission()))
	return &state{preset: p, engine: engine}
}

// Preset returns the active preset.
func (m *Manager) Preset() config.Preset { return m.state.Load().preset }

// Rules returns the live auto-approve rule set.
func (m *Manager) Rules() *Rules { return m.rules }

// Reconfigure swaps the policy, limits, TTL and auto-approve rules for
// preset. In-flight classifications finish on the old configuration;
// pending requests keep their expiry.
func (m *Manager) Reconfigure(preset config.Preset) error {
	rules, err := RulesFromConfig(preset.AutoApprove)
	if err != nil {
		return err
	}
	dropped, err := m.rules.Replace(rules)
	if err != nil {
		return err
	}
	m.state.Store(m.compile(preset))
	m.logger.Info("policy reconfigured", "preset", preset.Name)
	if len(dropped) > 0 {
		m.logger.Warn("auto-approve rules removed by reconfiguration", "preset", preset.Name, "rules", dropped)
		if m.sink != nil {
			m.sink.Record(context.Background(), audit.EventRulesRemoved, audit.SeverityMedium,
				fmt.Sprintf("%d auto-approve rules removed", len(dropped)),
				map[string]any{"preset": preset.Name, "rules": dropped})
		}
	}
	return nil
}

// Classify classifies command without submitting it.
func (m *Manager) Classify(command, cwd string) policy.Decision {
	return m.state.Load().engine.Classify(command, cwd)
}

// Submit classifies cr and routes it: blocked commands are rejected with a
// *PolicyViolationError, commands covered by an auto-approve rule run
// immediately, and everything else waits in the queue for a decision.
//
// For auto-approved commands the returned Result carries the execution;
// execution failures are returned alongside it (see Decide).
func (m *Manager) Submit(ctx context.Context, cr CommandRequest) (*Result, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if strings.TrimSpace(cr.RawCommand) == "" {
		return nil, fmt.Errorf("%w: command is empty", ErrInvalidRequest)
	}
	if cr.ID == "" {
		cr.ID = m.newID()
	}
	if cr.SubmittedAt.IsZero() {
		cr.SubmittedAt = m.now()
	}

	ctx, span := m.tracer.Start(ctx, "approval.submit")
	defer span.End()

	st := m.state.Load()
	dec := st.engine.Classify(cr.RawCommand, cr.WorkingDir)
	m.metrics.ObserveClassification(string(dec.Tier))
	span.SetAttributes(attribute.String("atlas.tier", string(dec.Tier)))

	redacted := output.RedactCredentials(cr.RawCommand)
	if dec.Tier == policy.Blocked {
		return nil, m.reject(ctx, cr, dec, redacted)
	}

	now := m.now()
	req := Request{
		ID:               m.newID(),
		CommandRequestID: cr.ID,
		Command:          cr.RawCommand,
		WorkingDir:       cr.WorkingDir,
		RequestedBy:      cr.RequestedBy,
		Tier:             dec.Tier,
		CreatedAt:        now,
	}
	span.SetAttributes(attribute.String("atlas.request_id", req.ID))

	if rule, ok := m.rules.Evaluate(cr, dec.Tier); ok {
		req.Status = StatusAutoApproved
		req.DecidedAt = &now
		req.DecidedBy = "rule:" + rule.ID
		req.RuleID = rule.ID
		req.Reason = dec.Reason
		if err := m.store.Append(ctx, record(req, audit.KindAutoApproved)); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("persisting auto-approval: %w", err)
		}
		m.metrics.ObserveApproval(string(req.Status))
		m.logger.Info("command auto-approved",
			"request_id", req.ID, "tier", req.Tier, "rule", rule.ID, "command", logCommand(redacted))
		m.record(ctx, audit.EventApprovalDecided, audit.SeverityInfo,
			fmt.Sprintf("%s command auto-approved by rule %s", req.Tier, rule.ID), req)

		exec, err := m.execute(ctx, req)
		return &Result{Request: &req, Decision: &dec, Execution: exec}, err
	}

	req.Status = StatusPending
	req.ExpiresAt = now.Add(st.preset.ApprovalTTL)
	req.Reason = dec.Reason
	if err := m.store.Append(ctx, record(req, audit.KindRequested)); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("persisting approval request: %w", err)
	}
	if err := m.queue.Add(req, req.ExpiresAt.Sub(m.now()), m.onTimer); err != nil {
		return nil, err
	}
	m.metrics.SetPending(m.queue.Len())
	m.logger.Info("approval requested",
		"request_id", req.ID, "tier", req.Tier, "expires_at", req.ExpiresAt, "command", logCommand(redacted))
	m.record(ctx, audit.EventApprovalRequested, audit.SeverityMedium,
		fmt.Sprintf("%s command awaiting approval", req.Tier), req)
	m.notify(ctx, notify.Payload{
		Event:    notify.EventApprovalRequired,
		Title:    "Approval required",
		Message:  fmt.Sprintf("%s command from %s: %s", req.Tier, orUnknown(req.RequestedBy), logCommand(redacted)),
		Severity: audit.SeverityMedium,
		Metadata: map[string]any{"request_id": req.ID, "expires_at": req.ExpiresAt},
	})
	return &Result{Request: &req, Decision: &dec}, nil
}

func (m *Manager) reject(ctx context.Context, cr CommandRequest, dec policy.Decision, redacted string) error {
	id := m.newID()
	rec := &audit.Record{
		RequestID:        id,
		CommandRequestID: cr.ID,
		Kind:             audit.KindRejected,
		Status:           audit.KindRejected,
		Tier:             string(dec.Tier),
		Command:          redacted,
		WorkingDir:       cr.WorkingDir,
		RequestedBy:      cr.RequestedBy,
		Reason:           dec.Reason,
		At:               m.now(),
	}
	if err := m.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("persisting rejection: %w", err)
	}
	m.logger.Warn("command rejected", "request_id", id, "command_request_id", cr.ID, "reason", dec.Reason, "command", logCommand(redacted))
	meta := map[string]any{"request_id": id, "command_request_id": cr.ID, "requested_by": cr.RequestedBy, "command": logCommand(redacted)}
	if m.sink != nil {
		m.sink.Record(ctx, audit.EventCommandRejected, audit.SeverityHigh, dec.Reason, meta)
	}
	m.notify(ctx, notify.Payload{
		Event:    notify.EventCommandRejected,
		Title:    "Blocked command rejected",
		Message:  dec.Reason,
		Severity: audit.SeverityHigh,
		Metadata: meta,
	})
	return &PolicyViolationError{RequestID: id, CommandRequestID: cr.ID, Tier: dec.Tier, Reason: dec.Reason}
}

// errDue aborts a decision on a request whose expiry has passed but whose
// timer has not fired yet.
var errDue = errors.New("request expired")

// Decide applies a reviewer's outcome to a pending request. The decision is
// persisted before it is committed, so a failed write leaves the request
// pending and returns an error. Deciding a request that is no longer pending
// returns an *IdempotencyError and changes nothing. The requester of a
// command can never decide it.
//
// On approval the command runs in the sandbox. Execution failures
// (sandbox.ErrUnavailable, ErrValidationBlocked, timeouts) are returned
// together with the Result; the request stays approved.
func (m *Manager) Decide(ctx context.Context, id string, outcome Outcome, decidedBy string) (*Result, error) {
	var status Status
	switch outcome {
	case Approve:
		status = StatusApproved
	case Deny:
		status = StatusDenied
	default:
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidRequest, outcome)
	}

	ctx, span := m.tracer.Start(ctx, "approval.decide", trace.WithAttributes(
		attribute.String("atlas.request_id", id),
		attribute.String("atlas.outcome", string(outcome)),
	))
	defer span.End()

	req, err := m.queue.Resolve(id, func(r Request) (Request, error) {
		now := m.now()
		if !now.Before(r.ExpiresAt) {
			return r, errDue
		}
		switch {
		case decidedBy == "":
			return r, fmt.Errorf("%w: decided_by is required", ErrInvalidRequest)
		case decidedBy == r.RequestedBy:
			return r, fmt.Errorf("%w: %s requested %s and cannot decide it", ErrInvalidRequest, decidedBy, r.ID)
		}
		next := r
		next.Status = status
		next.DecidedAt = &now
		next.DecidedBy = decidedBy
		if err := m.store.Append(ctx, record(next, string(status))); err != nil {
			return r, fmt.Errorf("persisting decision: %w", err)
		}
		return next, nil
	})
	switch {
	case errors.Is(err, errDue):
		if _, err := m.expire(ctx, id); err != nil && !errors.Is(err, errNotQueued) {
			return nil, err
		}
		return nil, m.notPending(ctx, id, Request{})
	case errors.Is(err, errNotQueued):
		return nil, m.notPending(ctx, id, req)
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.metrics.ObserveApproval(string(req.Status))
	m.metrics.SetPending(m.queue.Len())
	m.logger.Info("approval decided", "request_id", id, "status", req.Status, "decided_by", decidedBy)
	m.record(ctx, audit.EventApprovalDecided, audit.SeverityInfo,
		fmt.Sprintf("request %s by %s", req.Status, orUnknown(decidedBy)), req)

	if !req.Status.Executes() {
		return &Result{Request: &req}, nil
	}
	exec, err := m.execute(ctx, req)
	return &Result{Request: &req, Execution: exec}, err
}

// notPending builds the error for a decision on a request that is not in
// the queue. last is the committed state if the queue still knew it.
func (m *Manager) notPending(ctx context.Context, id string, last Request) error {
	if last.ID != "" && last.Status.Terminal() {
		return &IdempotencyError{RequestID: id, Status: last.Status}
	}
	rec, err := m.store.Latest(ctx, id)
	if errors.Is(err, audit.ErrNotFound) {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("looking up request %s: %w", id, err)
	}
	if rec.Kind == audit.KindRejected {
		return &IdempotencyError{RequestID: id, Status: Status(rec.Status)}
	}
	if Status(rec.Status) == StatusPending {
		// Logged as pending but owned by no queue: another replica holds it.
		return fmt.Errorf("request %s is pending on another gateway: %w", id, ErrNotFound)
	}
	return &IdempotencyError{RequestID: id, Status: Status(rec.Status)}
}

func (m *Manager) onTimer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), expiryTimeout)
	defer cancel()
	if _, err := m.expire(ctx, id); err != nil && !errors.Is(err, errNotQueued) {
		backoff := m.queue.Retry(id, expiryBackoff, m.onTimer)
		m.logger.Error("approval expiry not persisted, retrying", "request_id", id, "retry_in", backoff, "error", err)
	}
}

func expiryBackoff(attempt int) time.Duration {
	return min(expiryRetryBase<<min(attempt-1, 6), expiryRetryMax)
}

// expire moves a pending request to expired. The command never runs.
func (m *Manager) expire(ctx context.Context, id string) (Request, error) {
	ctx, span := m.tracer.Start(ctx, "approval.expire", trace.WithAttributes(attribute.String("atlas.request_id", id)))
	defer span.End()

	req, err := m.queue.Resolve(id, func(r Request) (Request, error) {
		now := m.now()
		next := r
		next.Status = StatusExpired
		next.DecidedAt = &now
		next.DecidedBy = "system"
		next.Reason = "no decision before " + r.ExpiresAt.UTC().Format(time.RFC3339)
		err := m.store.Append(ctx, record(next, audit.KindExpired))
		if errors.Is(err, audit.ErrDuplicateTerminal) {
			// Decided elsewhere; adopt the logged outcome.
			if rec, lerr := m.store.Latest(ctx, id); lerr == nil {
				return requestFromRecord(rec), nil
			}
		}
		if err != nil {
			return r, fmt.Errorf("persisting expiry: %w", err)
		}
		return next, nil
	})
	if err != nil {
		return req, err
	}

	m.metrics.ObserveApproval(string(req.Status))
	m.metrics.SetPending(m.queue.Len())
	if req.Status != StatusExpired {
		return req, nil
	}
	m.logger.Info("approval expired", "request_id", id)
	m.record(ctx, audit.EventApprovalExpired, audit.SeverityLow, "request expired without a decision", req)
	m.notify(ctx, notify.Payload{
		Event:    notify.EventApprovalExpired,
		Title:    "Approval expired",
		Message:  fmt.Sprintf("request %s expired without a decision", id),
		Severity: audit.SeverityLow,
		Metadata: map[string]any{"request_id": id},
	})
	return req, nil
}

// execute runs an approved request in the sandbox and validates its output.
func (m *Manager) execute(ctx context.Context, req Request) (*Execution, error) {
	limits := m.state.Load().preset.Limits
	ctx, span := m.tracer.Start(ctx, "approval.execute", trace.WithAttributes(
		attribute.String("atlas.request_id", req.ID),
		attribute.Int("atlas.timeout_seconds", limits.TimeoutSeconds),
	))
	defer span.End()

	if m.executor == nil {
		err := fmt.Errorf("executing %s: %w", req.ID, sandbox.ErrUnavailable)
		m.executionFailed(ctx, req, err, 0)
		return &Execution{Error: err.Error()}, err
	}
	if t := limits.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	res, err := m.executor.Execute(ctx, req.Command, req.WorkingDir, limits)
	if err != nil {
		err = fmt.Errorf("executing %s: %w", req.ID, err)
		span.SetStatus(codes.Error, err.Error())
		exec := &Execution{Error: err.Error()}
		var d time.Duration
		if res != nil {
			exec.ExitCode, exec.Duration, d = res.ExitCode, res.Duration, res.Duration
		}
		m.executionFailed(ctx, req, err, d)
		return exec, err
	}

	vr := m.validator.Validate(ctx, res.Output())
	exec := &Execution{
		ExitCode:   res.ExitCode,
		Duration:   res.Duration,
		Truncated:  res.Truncated,
		Validation: vr,
	}
	if vr.Blocked {
		exec.Withheld = true
		m.appendOutcome(ctx, req, audit.KindOutputWithheld, vr.Reason)
		m.metrics.ObserveExecution("withheld", res.Duration)
		m.logger.Warn("command output withheld", "request_id", req.ID, "risk_score", vr.RiskScore)
		m.notify(ctx, notify.Payload{
			Event:    notify.EventOutputBlocked,
			Title:    "Command output withheld",
			Message:  vr.Reason,
			Severity: audit.SeverityHigh,
			Metadata: map[string]any{"request_id": req.ID, "risk_score": vr.RiskScore},
		})
		return exec, &ValidationBlockedError{RequestID: req.ID, RiskScore: vr.RiskScore, Reason: vr.Reason}
	}

	exec.Output = res.Output()
	m.appendOutcome(ctx, req, audit.KindExecuted, fmt.Sprintf("exit code %d", res.ExitCode))
	m.metrics.ObserveExecution("executed", res.Duration)
	m.logger.Info("command executed", "request_id", req.ID, "exit_code", res.ExitCode, "duration", res.Duration)
	m.record(ctx, audit.EventCommandExecuted, audit.SeverityInfo, fmt.Sprintf("exit code %d", res.ExitCode), req)
	return exec, nil
}

func (m *Manager) executionFailed(ctx context.Context, req Request, err error, d time.Duration) {
	outcome := "failed"
	if errors.Is(err, sandbox.ErrUnavailable) {
		outcome = "unavailable"
	}
	m.appendOutcome(ctx, req, audit.KindExecutionFailed, err.Error())
	m.metrics.ObserveExecution(outcome, d)
	m.logger.Error("command execution failed", "request_id", req.ID, "error", err)
	if m.sink != nil {
		m.sink.Record(ctx, audit.EventSandboxFailure, audit.SeverityHigh, err.Error(), map[string]any{"request_id": req.ID})
	}
}

// appendOutcome logs an execution record. The decision is already
// committed, so a write failure is logged rather than returned.
func (m *Manager) appendOutcome(ctx context.Context, req Request, kind, reason string) {
	rec := record(req, kind)
	rec.Reason = reason
	rec.At = m.now()
	if err := m.store.Append(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Error("persisting execution outcome", "request_id", req.ID, "kind", kind, "error", err)
	}
}

// ListPending returns the pending requests, oldest first.
func (m *Manager) ListPending() []Request { return m.queue.List() }

// Get returns a pending request, or what the log knows about a decided one.
func (m *Manager) Get(ctx context.Context, id string) (*Request, error) {
	if r, ok := m.queue.Get(id); ok {
		return &r, nil
	}
	rec, err := m.store.Latest(ctx, id)
	if errors.Is(err, audit.ErrNotFound) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up request %s: %w", id, err)
	}
	r := requestFromRecord(rec)
	return &r, nil
}

// History returns approval log records, newest first.
func (m *Manager) History(ctx context.Context, q audit.HistoryQuery) ([]audit.Record, error) {
	return m.store.History(ctx, q)
}

// Recover re-queues requests left pending by a previous process. Requests
// past their expiry, or whose logged command was redacted and so cannot be
// run as submitted, are expired instead. It returns the number re-queued.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	recs, err := m.store.Unresolved(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading unresolved requests: %w", err)
	}
	n := 0
	for i := range recs {
		req := requestFromRecord(&recs[i])
		req.Status = StatusPending
		if _, ok := m.queue.Get(req.ID); ok {
			continue
		}
		after := req.ExpiresAt.Sub(m.now())
		if strings.Contains(req.Command, "[REDACTED") {
			after = 0
		}
		if err := m.queue.Add(req, max(after, 0), m.onTimer); err != nil {
			return n, err
		}
		if after > 0 {
			n++
		}
	}
	m.metrics.SetPending(m.queue.Len())
	if n > 0 {
		m.logger.Info("recovered pending approvals", "count", n)
	}
	return n, nil
}

// Close stops expiry timers. Pending requests stay pending in the log and
// are picked up by Recover on the next start.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.queue.Close()
	})
	return nil
}

func (m *Manager) record(ctx context.Context, event, severity, msg string, req Request) {
	if m.sink == nil {
		return
	}
	m.sink.Record(ctx, event, severity, msg, map[string]any{
		"request_id":   req.ID,
		"status":       string(req.Status),
		"tier":         string(req.Tier),
		"requested_by": req.RequestedBy,
		"command":      logCommand(output.RedactCredentials(req.Command)),
	})
}

func (m *Manager) notify(ctx context.Context, p notify.Payload) {
	if m.notifier == nil {
		return
	}
	p.Timestamp = m.now()
	m.notifier.Notify(ctx, p)
}

// logCommand bounds a redacted command for logs and alerts.
func logCommand(s string) string {
	r := []rune(s)
	if len(r) > 200 {
		return string(r[:200]) + "..."
	}
	return s
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
