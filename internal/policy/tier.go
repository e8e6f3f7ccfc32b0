package policy

import "fmt"

// Tier is the risk classification of a command.
type Tier string

const (
	Safe         Tier = "safe"
	Dangerous    Tier = "dangerous"
	Blocked      Tier = "blocked"
	Unclassified Tier = "unclassified"
)

// severity orders tiers for combining the calls of one command line.
func (t Tier) severity() int {
	switch t {
	case Safe:
		return 0
	case Unclassified:
		return 1
	case Dangerous:
		return 2
	case Blocked:
		return 3
	}
	return 1
}

// approvalRank orders tiers for approval purposes: unclassified is handled
// exactly like dangerous.
func (t Tier) approvalRank() int {
	switch t {
	case Safe:
		return 0
	case Dangerous, Unclassified:
		return 1
	}
	return 2
}

// Covers reports whether a rule declared for tier t may authorize a command
// classified as other. Blocked is never covered.
func (t Tier) Covers(other Tier) bool {
	if other == Blocked || t == Blocked {
		return false
	}
	return other.approvalRank() <= t.approvalRank()
}

// Worse returns the more severe of t and other.
func (t Tier) Worse(other Tier) Tier {
	if other.severity() > t.severity() {
		return other
	}
	return t
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case Safe, Dangerous, Blocked, Unclassified:
		return t, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}
