package approval

import (
	"errors"
	"fmt"

	"github.com/atlasgw/atlas/internal/policy"
)

var (
	ErrPolicyViolation   = errors.New("policy violation")
	ErrApprovalTimeout   = errors.New("approval timed out")
	ErrValidationBlocked = errors.New("output blocked by validation")
	ErrIdempotency       = errors.New("request is not pending")
	ErrNotFound          = errors.New("approval request not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrClosed            = errors.New("approval manager closed")
)

// PolicyViolationError reports a blocked command. No approval request is
// created for it; RequestID names the rejection record in the log.
type PolicyViolationError struct {
	RequestID        string
	CommandRequestID string
	Tier             policy.Tier
	Reason           string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("command %s rejected: %s: %s", e.CommandRequestID, e.Tier, e.Reason)
}

func (e *PolicyViolationError) Is(target error) bool { return target == ErrPolicyViolation }

// IdempotencyError reports a decision attempted on a request that is no
// longer pending. It also matches ErrApprovalTimeout when the request
// expired, so callers can tell a timeout from a denial.
type IdempotencyError struct {
	RequestID string
	Status    Status
}

func (e *IdempotencyError) Error() string {
	return fmt.Sprintf("request %s is already %s", e.RequestID, e.Status)
}

func (e *IdempotencyError) Is(target error) bool {
	return target == ErrIdempotency || (target == ErrApprovalTimeout && e.Status == StatusExpired)
}

// ValidationBlockedError reports withheld command output. Reason lists
// finding categories only.
type ValidationBlockedError struct {
	RequestID string
	RiskScore int
	Reason    string
}

func (e *ValidationBlockedError) Error() string {
	return fmt.Sprintf("output of %s withheld: %s", e.RequestID, e.Reason)
}

func (e *ValidationBlockedError) Is(target error) bool { return target == ErrValidationBlocked }
