// Package engine wraps the aguara rule-pack scanner used as a supplementary
// prompt-injection check on untrusted input.
package engine

import (
	"context"
	"fmt"

	"github.com/garagon/aguara"
)

// Finding is a simplified aguara finding. Match is truncated.
type Finding struct {
	RuleID   string `json:"rule_id"`
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Match    string `json:"match,omitempty"`
}

// Outcome holds the result of one scan.
type Outcome struct {
	Findings []Finding
	// HighRisk is set when any finding is of high severity or above.
	HighRisk bool
}

// Scanner runs aguara's built-in rules plus an optional custom rules directory.
type Scanner struct {
	opts []aguara.Option
}

// NewScanner creates a scanner. If customRulesDir is non-empty, rules from
// that directory are loaded as well.
func NewScanner(customRulesDir string, extraOpts ...aguara.Option) *Scanner {
	s := &Scanner{}
	if customRulesDir != "" {
		s.opts = append(s.opts, aguara.WithCustomRules(customRulesDir))
	}
	s.opts = append(s.opts, extraOpts...)
	return s
}

// Scan scans text as if it were a markdown document handed to the agent.
func (s *Scanner) Scan(ctx context.Context, text string) (*Outcome, error) {
	result, err := aguara.ScanContent(ctx, text, "input.md", s.opts...)
	if err != nil {
		return nil, fmt.Errorf("aguara scan: %w", err)
	}

	out := &Outcome{}
	for _, f := range result.Findings {
		out.Findings = append(out.Findings, Finding{
			RuleID:   f.RuleID,
			Name:     f.RuleName,
			Severity: f.Severity.String(),
			Match:    truncate(f.MatchedText, 200),
		})
		if f.Severity >= aguara.SeverityHigh {
			out.HighRisk = true
		}
	}
	return out, nil
}

// RulesCount returns the number of loaded rules.
func (s *Scanner) RulesCount(ctx context.Context) int {
	result, err := aguara.ScanContent(ctx, "test", "test.md", s.opts...)
	if err != nil {
		return 0
	}
	return result.RulesLoaded
}

// ListRules returns metadata for all loaded rules.
func (s *Scanner) ListRules() []aguara.RuleInfo {
	return aguara.ListRules(s.opts...)
}

// ExplainRule returns detailed information about a rule by ID.
func (s *Scanner) ExplainRule(id string) (*aguara.RuleDetail, error) {
	return aguara.ExplainRule(id, s.opts...)
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
