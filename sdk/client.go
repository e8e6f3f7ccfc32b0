// Package sdk provides a Go client for the Atlas Gateway HTTP API.
//
// Agents submit commands and poll for their outcome:
//
//	c := sdk.NewClient("http://localhost:8080", "my-agent")
//	res, err := c.Submit(ctx, "go test ./...", "/work/app")
//	if errors.Is(err, sdk.ErrPolicyViolation) {
//		// the command is blocked under the active preset
//	}
//
// Reviewers decide pending requests:
//
//	pending, _ := c.ListPending(ctx)
//	res, err := c.Approve(ctx, pending[0].ID)
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// RequesterHeader carries the client identity on every request.
const RequesterHeader = "X-Atlas-Requester"

// Decision is the classification of a command.
type Decision struct {
	Tier    string `json:"tier"`
	Reason  string `json:"reason"`
	Matched string `json:"matched,omitempty"`
}

// SanitizeResult is returned by POST /v1/sanitize.
type SanitizeResult struct {
	OriginalInput            string   `json:"original_input"`
	SanitizedInput           string   `json:"sanitized_input"`
	Source                   string   `json:"source"`
	TrustLevel               string   `json:"trust_level"`
	InjectionAttemptDetected bool     `json:"injection_attempt_detected"`
	SanitizationApplied      []string `json:"sanitization_applied"`
}

// ValidationResult is returned by POST /v1/validate.
type ValidationResult struct {
	Valid              bool     `json:"valid"`
	Blocked            bool     `json:"blocked"`
	Reason             string   `json:"reason,omitempty"`
	SuspiciousPatterns []string `json:"suspicious_patterns"`
	RiskScore          int      `json:"risk_score"`
}

// Request is an approval request.
type Request struct {
	ID               string     `json:"id"`
	CommandRequestID string     `json:"command_request_id"`
	Command          string     `json:"command"`
	WorkingDir       string     `json:"working_dir,omitempty"`
	RequestedBy      string     `json:"requested_by,omitempty"`
	Tier             string     `json:"tier"`
	Status           string     `json:"status"` // pending, approved, denied, expired, auto_approved
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at,omitempty"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`
	DecidedBy        string     `json:"decided_by,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	RuleID           string     `json:"rule_id,omitempty"`
}

// Execution is the validated outcome of a sandboxed run. Output is empty
// when it was withheld.
type Execution struct {
	ExitCode   int               `json:"exit_code"`
	Output     string            `json:"output,omitempty"`
	Duration   time.Duration     `json:"duration"`
	Withheld   bool              `json:"withheld"`
	Truncated  bool              `json:"truncated,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Result is returned by Submit, Approve and Deny.
type Result struct {
	Request   *Request   `json:"request"`
	Decision  *Decision  `json:"decision,omitempty"`
	Execution *Execution `json:"execution,omitempty"`
}

// HistoryRecord is one entry of the approval log.
type HistoryRecord struct {
	Seq         int64     `json:"seq"`
	RequestID   string    `json:"request_id"`
	Event       string    `json:"event"`
	Status      string    `json:"status"`
	Tier        string    `json:"tier"`
	Command     string    `json:"command"`
	RequestedBy string    `json:"requested_by,omitempty"`
	DecidedBy   string    `json:"decided_by,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// HistoryFilter narrows History. Zero fields are ignored.
type HistoryFilter struct {
	RequestID   string
	Status      string
	RequestedBy string
	Since       time.Time
	Limit       int
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Preset  string `json:"preset"`
	Pending int    `json:"pending"`
}

// Errors matched by APIError.Is, keyed on the gateway's error code.
var (
	ErrPolicyViolation    = errors.New("policy violation")
	ErrApprovalTimeout    = errors.New("approval timed out")
	ErrNotPending         = errors.New("request is not pending")
	ErrOutputWithheld     = errors.New("output withheld")
	ErrSandboxUnavailable = errors.New("sandbox unavailable")
	ErrRateLimited        = errors.New("rate limited")
	ErrNotFound           = errors.New("not found")
)

var codeErrors = map[string]error{
	"policy_violation":    ErrPolicyViolation,
	"approval_timeout":    ErrApprovalTimeout,
	"not_pending":         ErrNotPending,
	"output_withheld":     ErrOutputWithheld,
	"sandbox_unavailable": ErrSandboxUnavailable,
	"rate_limited":        ErrRateLimited,
	"not_found":           ErrNotFound,
}

// APIError is returned for every non-2xx response. Request and Execution
// are set when the failure concerns an existing approval request.
type APIError struct {
	StatusCode int        `json:"-"`
	Code       string     `json:"code"`
	Message    string     `json:"error"`
	Request    *Request   `json:"request,omitempty"`
	Execution  *Execution `json:"execution,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("atlas: %s (HTTP %d, code=%s)", e.Message, e.StatusCode, e.Code)
}

// Is matches the sentinel for e.Code. An expired request also matches
// ErrNotPending.
func (e *APIError) Is(target error) bool {
	if target == ErrNotPending && e.Code == "approval_timeout" {
		return true
	}
	return codeErrors[e.Code] == target && target != nil
}

// Client talks to an Atlas Gateway.
type Client struct {
	baseURL    string
	identity   string
	httpClient *http.Client
}

// NewClient creates a client. identity is sent as the requester of
// submitted commands and as the reviewer of decisions.
func NewClient(baseURL, identity string) *Client {
	return &Client{
		baseURL:    baseURL,
		identity:   identity,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Health checks the gateway health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Classify classifies command without running it.
func (c *Client) Classify(ctx context.Context, command, workingDir string) (*Decision, error) {
	var d Decision
	body := map[string]string{"command": command, "working_dir": workingDir}
	if err := c.do(ctx, http.MethodPost, "/v1/classify", body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Sanitize neutralizes injection attempts in input from source.
func (c *Client) Sanitize(ctx context.Context, input, source string) (*SanitizeResult, error) {
	var r SanitizeResult
	if err := c.do(ctx, http.MethodPost, "/v1/sanitize", map[string]string{"input": input, "source": source}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate scores output for leaked credentials and exfiltration.
func (c *Client) Validate(ctx context.Context, output string) (*ValidationResult, error) {
	var r ValidationResult
	if err := c.do(ctx, http.MethodPost, "/v1/validate", map[string]string{"output": output}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Submit proposes command for execution. A pending result means the
// command waits for a reviewer; poll Get for the outcome.
func (c *Client) Submit(ctx context.Context, command, workingDir string) (*Result, error) {
	body := map[string]string{"command": command, "working_dir": workingDir, "requested_by": c.identity}
	var r Result
	if err := c.do(ctx, http.MethodPost, "/v1/commands", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListPending returns the requests awaiting a decision, oldest first.
func (c *Client) ListPending(ctx context.Context) ([]Request, error) {
	var out []Request
	if err := c.do(ctx, http.MethodGet, "/v1/approvals", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the current state of request id.
func (c *Client) Get(ctx context.Context, id string) (*Request, error) {
	var r Request
	if err := c.do(ctx, http.MethodGet, "/v1/approvals/"+url.PathEscape(id), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Approve approves request id and returns the execution outcome.
func (c *Client) Approve(ctx context.Context, id string) (*Result, error) {
	return c.decide(ctx, id, "approve")
}

// Deny denies request id.
func (c *Client) Deny(ctx context.Context, id string) (*Result, error) {
	return c.decide(ctx, id, "deny")
}

func (c *Client) decide(ctx context.Context, id, outcome string) (*Result, error) {
	var r Result
	path := "/v1/approvals/" + url.PathEscape(id) + "/" + outcome
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"decided_by": c.identity}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// History queries the approval log, newest first.
func (c *Client) History(ctx context.Context, f HistoryFilter) ([]HistoryRecord, error) {
	q := url.Values{}
	if f.RequestID != "" {
		q.Set("request_id", f.RequestID)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.RequestedBy != "" {
		q.Set("requested_by", f.RequestedBy)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/v1/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []HistoryRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.identity != "" {
		req.Header.Set(RequesterHeader, c.identity)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response (HTTP %d): %w", resp.StatusCode, err)
	}
	return nil
}
