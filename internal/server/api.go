package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atlasgw/atlas/internal/approval"
	"github.com/atlasgw/atlas/internal/audit"
	"github.com/atlasgw/atlas/internal/gateway"
	"github.com/atlasgw/atlas/internal/sandbox"
	"github.com/atlasgw/atlas/internal/sanitize"
)

// RequesterHeader names the calling agent or reviewer when the body does not.
const RequesterHeader = "X-Atlas-Requester"

// ClassifyRequest is the body of POST /v1/classify.
type ClassifyRequest struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
}

// SanitizeRequest is the body of POST /v1/sanitize.
type SanitizeRequest struct {
	Input  string `json:"input"`
	Source string `json:"source"`
}

// ValidateRequest is the body of POST /v1/validate.
type ValidateRequest struct {
	Output string `json:"output"`
}

// SubmitRequest is the body of POST /v1/commands.
type SubmitRequest struct {
	ID          string `json:"id,omitempty"`
	Command     string `json:"command"`
	WorkingDir  string `json:"working_dir,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// DecisionRequest is the body of POST /v1/approvals/{id}/approve and /deny.
type DecisionRequest struct {
	DecidedBy string `json:"decided_by,omitempty"`
}

// ErrorResponse is returned with every non-2xx status. Request and Execution
// are set when the failure happened after a request was created.
type ErrorResponse struct {
	Error     string              `json:"error"`
	Code      string              `json:"code"`
	Request   *approval.Request   `json:"request,omitempty"`
	Execution *approval.Execution `json:"execution,omitempty"`
}

// API serves the programmatic HTTP interface of a gateway.
type API struct {
	gw      *gateway.Gateway
	version string
}

// NewAPI returns the HTTP API for gw.
func NewAPI(gw *gateway.Gateway, version string) *API {
	return &API{gw: gw, version: version}
}

// Routes registers every endpoint on a new mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.health)
	mux.Handle("GET /metrics", a.gw.Metrics.Handler())

	mux.HandleFunc("POST /v1/classify", a.classify)
	mux.HandleFunc("POST /v1/sanitize", a.sanitize)
	mux.HandleFunc("POST /v1/validate", a.validate)
	mux.HandleFunc("POST /v1/commands", a.submit)

	mux.HandleFunc("GET /v1/approvals", a.listPending)
	mux.HandleFunc("GET /v1/approvals/{id}", a.getApproval)
	mux.HandleFunc("POST /v1/approvals/{id}/approve", a.decide(approval.Approve))
	mux.HandleFunc("POST /v1/approvals/{id}/deny", a.decide(approval.Deny))
	mux.HandleFunc("GET /v1/history", a.history)
	mux.HandleFunc("GET /v1/events", a.events)

	mux.HandleFunc("GET /v1/rules", a.listRules)

	mux.HandleFunc("GET /v1/attacks", a.attacks)
	mux.HandleFunc("GET /v1/blocked-outputs", a.blockedOutputs)
	return mux
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": a.version,
		"preset":  a.gw.Manager.Preset().Name,
		"pending": len(a.gw.Manager.ListPending()),
	})
}

func (a *API) classify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "command is required")
		return
	}
	dec := a.gw.Manager.Classify(req.Command, req.WorkingDir)
	a.gw.Metrics.ObserveClassification(string(dec.Tier))
	writeJSON(w, http.StatusOK, dec)
}

func (a *API) sanitize(w http.ResponseWriter, r *http.Request) {
	var req SanitizeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "source is required")
		return
	}
	writeJSON(w, http.StatusOK, a.gw.Sanitizer.Sanitize(r.Context(), req.Input, sanitize.Source(req.Source)))
}

func (a *API) validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if !decode(w, r, &req) {
		return
	}
	if !a.allow(w, r, "validate", r.Header.Get(RequesterHeader)) {
		return
	}
	writeJSON(w, http.StatusOK, a.gw.Validator.Validate(r.Context(), req.Output))
}

func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = r.Header.Get(RequesterHeader)
	}
	if !a.allow(w, r, "submit", req.RequestedBy) {
		return
	}

	res, err := a.gw.Manager.Submit(r.Context(), approval.CommandRequest{
		ID:          req.ID,
		RawCommand:  req.Command,
		WorkingDir:  req.WorkingDir,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		writeFailure(w, err, res)
		return
	}
	status := http.StatusOK
	if res.Request.Status == approval.StatusPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (a *API) listPending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.gw.Manager.ListPending())
}

func (a *API) getApproval(w http.ResponseWriter, r *http.Request) {
	req, err := a.gw.Manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) decide(outcome approval.Outcome) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DecisionRequest
		if r.ContentLength != 0 && !decode(w, r, &req) {
			return
		}
		if req.DecidedBy == "" {
			req.DecidedBy = r.Header.Get(RequesterHeader)
		}
		res, err := a.gw.Manager.Decide(r.Context(), r.PathValue("id"), outcome, req.DecidedBy)
		if err != nil {
			writeFailure(w, err, res)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, limit, ok := parseWindow(w, q.Get("since"), q.Get("limit"))
	if !ok {
		return
	}
	recs, err := a.gw.Manager.History(r.Context(), audit.HistoryQuery{
		RequestID:   q.Get("request_id"),
		Status:      q.Get("status"),
		RequestedBy: q.Get("requested_by"),
		Since:       since,
		Limit:       limit,
	})
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *API) events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, limit, ok := parseWindow(w, q.Get("since"), q.Get("limit"))
	if !ok {
		return
	}
	events, err := a.gw.Store.Events(r.Context(), audit.EventQuery{
		Type:     q.Get("type"),
		Severity: q.Get("severity"),
		Since:    since,
		Limit:    limit,
	})
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *API) listRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.gw.Manager.Rules().List())
}

func (a *API) attacks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.gw.Sanitizer.AttackHistory())
}

func (a *API) blockedOutputs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.gw.Validator.BlockedHistory())
}

// allow applies the per-operation rate limit. Limiter errors deny.
func (a *API) allow(w http.ResponseWriter, r *http.Request, op, who string) bool {
	if who == "" {
		who = "anonymous"
	}
	if a.gw.Validator.CheckRateLimit(r.Context(), op+":"+who) {
		return true
	}
	a.gw.Store.Record(r.Context(), audit.EventRateLimited, audit.SeverityLow,
		fmt.Sprintf("%s rate limit exceeded", op), map[string]any{"requester": who, "operation": op})
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	return false
}

// StatusFor maps a pipeline error to its HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, approval.ErrPolicyViolation):
		return http.StatusForbidden, "policy_violation"
	case errors.Is(err, approval.ErrApprovalTimeout):
		return http.StatusGone, "approval_timeout"
	case errors.Is(err, approval.ErrIdempotency):
		return http.StatusConflict, "not_pending"
	case errors.Is(err, approval.ErrValidationBlocked):
		return http.StatusUnprocessableEntity, "output_withheld"
	case errors.Is(err, sandbox.ErrUnavailable):
		return http.StatusServiceUnavailable, "sandbox_unavailable"
	case errors.Is(err, sandbox.ErrTimeout):
		return http.StatusGatewayTimeout, "execution_timeout"
	case errors.Is(err, approval.ErrNotFound), errors.Is(err, audit.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, approval.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, approval.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	}
	return http.StatusInternalServerError, "internal"
}

func writeFailure(w http.ResponseWriter, err error, res *approval.Result) {
	status, code := StatusFor(err)
	body := ErrorResponse{Error: err.Error(), Code: code}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	if res != nil {
		body.Request = res.Request
		body.Execution = res.Execution
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func parseWindow(w http.ResponseWriter, sinceParam, limitParam string) (time.Time, int, bool) {
	var since time.Time
	if sinceParam != "" {
		t, err := time.Parse(time.RFC3339, sinceParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC 3339")
			return time.Time{}, 0, false
		}
		since = t
	}
	limit := 0
	if limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return time.Time{}, 0, false
		}
		limit = n
	}
	return since, limit, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("writeJSON: encode failed", "error", err)
	}
}
