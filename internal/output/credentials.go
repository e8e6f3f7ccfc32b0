package output

import (
	"fmt"
	"regexp"
	"sort"
	"unicode/utf8"
)

// credentialPattern is one known credential shape. Order matters only for
// overlapping matches: the earliest, then longest, match wins.
type credentialPattern struct {
	kind    string
	pattern *regexp.Regexp
}

var credentialPatterns = []credentialPattern{
	{"private_key", regexp.MustCompile(`-----BEGIN (?:[A-Z0-9]+ )*PRIVATE KEY-----(?:[\s\S]*?-----END (?:[A-Z0-9]+ )*PRIVATE KEY-----)?`)},
	{"anthropic_key", regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_\-]{20,}`)},
	{"openai_key", regexp.MustCompile(`\bsk-(?:proj-|svcacct-|admin-)?[A-Za-z0-9_\-]{20,}`)},
	{"aws_access_key", regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"github_token", regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{36,}|github_pat_[A-Za-z0-9_]{22,})`)},
	{"slack_token", regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9\-]{10,}`)},
	{"google_api_key", regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}`)},
	{"stripe_key", regexp.MustCompile(`\b(?:sk|rk)_live_[0-9A-Za-z]{20,}`)},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{8,}\.eyJ[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}`)},
	{"bearer_token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{16,}=*`)},
	{"basic_auth", regexp.MustCompile(`(?i)\bbasic\s+[A-Za-z0-9+/]{16,}={0,2}`)},
	{"url_credentials", regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.\-]*://[^\s:/@]+:[^\s@/]+@`)},
}

// Credential is one detected credential. Value is the raw secret and must
// not be logged; use Preview.
type Credential struct {
	Type    string `json:"type"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Value   string `json:"-"`
	Preview string `json:"preview"`
}

// DetectCredentials returns the non-overlapping credential matches in s,
// ordered by position.
func DetectCredentials(s string) []Credential {
	var all []Credential
	for _, p := range credentialPatterns {
		for _, loc := range p.pattern.FindAllStringIndex(s, -1) {
			all = append(all, Credential{Type: p.kind, Start: loc[0], End: loc[1]})
		}
	}
	if len(all) == 0 {
		return nil
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Start != all[j].Start {
			return all[i].Start < all[j].Start
		}
		return all[i].End > all[j].End
	})

	out := all[:0]
	end := -1
	for _, c := range all {
		if c.Start < end {
			continue
		}
		c.Value = s[c.Start:c.End]
		c.Preview = TruncateSecret(c.Value)
		out = append(out, c)
		end = c.End
	}
	return out
}

// maxRedactPasses bounds the fixpoint loop in RedactCredentials.
const maxRedactPasses = 8

// RedactCredentials replaces every credential in s with [REDACTED:type].
// Redaction repeats until nothing matches, so DetectCredentials on the
// result is always empty.
func RedactCredentials(s string) string {
	for i := 0; i < maxRedactPasses; i++ {
		found := DetectCredentials(s)
		if len(found) == 0 {
			return s
		}
		s = redactOnce(s, found)
	}
	// A pathological input kept producing matches; drop every match span.
	for found := DetectCredentials(s); len(found) > 0; found = DetectCredentials(s) {
		s = redactSpans(s, found, func(Credential) string { return "[REDACTED]" })
	}
	return s
}

func redactOnce(s string, found []Credential) string {
	return redactSpans(s, found, func(c Credential) string {
		return fmt.Sprintf("[REDACTED:%s]", c.Type)
	})
}

func redactSpans(s string, found []Credential, marker func(Credential) string) string {
	var out []byte
	last := 0
	for _, c := range found {
		out = append(out, s[last:c.Start]...)
		out = append(out, marker(c)...)
		last = c.End
	}
	out = append(out, s[last:]...)
	return string(out)
}

// TruncateSecret keeps at most the first 10 characters of a secret, and at
// most half of a short one, followed by "...".
func TruncateSecret(s string) string {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return ""
	}
	keep := 10
	if n/2 < keep {
		keep = n / 2
	}
	return string([]rune(s)[:keep]) + "..."
}
