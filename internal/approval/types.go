// Package approval implements the human-in-the-loop workflow that sits
// between command classification and sandbox execution.
package approval

import (
	"time"

	"github.com/atlasgw/atlas/internal/output"
	"github.com/atlasgw/atlas/internal/policy"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusDenied       Status = "denied"
	StatusExpired      Status = "expired"
	StatusAutoApproved Status = "auto_approved"
)

// Terminal reports whether s is final. Terminal states never change.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusExpired, StatusAutoApproved:
		return true
	}
	return false
}

// Executes reports whether a request in state s runs its command.
func (s Status) Executes() bool {
	return s == StatusApproved || s == StatusAutoApproved
}

// Outcome is a reviewer's decision.
type Outcome string

const (
	Approve Outcome = "approve"
	Deny    Outcome = "deny"
)

// CommandRequest is a command proposed by an agent.
type CommandRequest struct {
	ID          string    `json:"id"`
	RawCommand  string    `json:"raw_command"`
	WorkingDir  string    `json:"working_dir"`
	RequestedBy string    `json:"requested_by"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Request is the approval record of one non-blocked command.
type Request struct {
	ID               string      `json:"id"`
	CommandRequestID string      `json:"command_request_id"`
	Command          string      `json:"command"`
	WorkingDir       string      `json:"working_dir,omitempty"`
	RequestedBy      string      `json:"requested_by,omitempty"`
	Tier             policy.Tier `json:"tier"`
	Status           Status      `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	ExpiresAt        time.Time   `json:"expires_at,omitempty"`
	DecidedAt        *time.Time  `json:"decided_at,omitempty"`
	DecidedBy        string      `json:"decided_by,omitempty"`
	Reason           string      `json:"reason,omitempty"`
	RuleID           string      `json:"rule_id,omitempty"`
}

// Execution is the validated outcome of running an approved command.
// Output is empty when the validator withheld it.
type Execution struct {
	ExitCode   int            `json:"exit_code"`
	Output     string         `json:"output,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Withheld   bool           `json:"withheld"`
	Truncated  bool           `json:"truncated,omitempty"`
	Validation *output.Result `json:"validation,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Result is returned by Submit and Decide. Execution is set once the
// command has been dispatched to the sandbox.
type Result struct {
	Request   *Request         `json:"request"`
	Decision  *policy.Decision `json:"decision,omitempty"`
	Execution *Execution       `json:"execution,omitempty"`
}
