// Package output scores command output for leaked credentials and
// exfiltration before it is returned to the agent.
package output

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/atlasgw/atlas/internal/audit"
	"github.com/atlasgw/atlas/internal/config"
	"github.com/atlasgw/atlas/internal/metrics"
	"github.com/atlasgw/atlas/internal/ratelimit"
	"github.com/atlasgw/atlas/internal/ringbuf"
)

// Detector weights. The score is capped at MaxScore.
const (
	CredentialWeight     = 30
	ExfiltrationWeight   = 40
	SuspiciousHostWeight = 25
	UnknownAPIWeight     = 15

	MaxScore       = 100
	BlockThreshold = 50
)

// Finding categories used in Reason and SuspiciousPatterns.
const (
	CategoryCredential     = "credential"
	CategoryExfiltration   = "exfiltration"
	CategorySuspiciousHost = "suspicious_host"
	CategoryUnknownAPI     = "unknown_api"
)

var exfiltrationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:send|post|upload|transmit|exfiltrate|forward|leak|share|pipe)\w*\b[^.\n]{0,80}?\b(?:api[\s_\-]?keys?|access[\s_\-]?keys?|tokens?|secrets?|credentials?|passwords?|private[\s_\-]?keys?)\b[^.\n]{0,80}?(?:\b(?:to|into)\b|https?://)`),
	regexp.MustCompile(`(?i)\b(?:api[\s_\-]?keys?|tokens?|secrets?|credentials?|passwords?)\b[^.\n]{0,60}?\b(?:sent|posted|uploaded|exfiltrated|forwarded|leaked|transmitted)\s+to\b`),
	regexp.MustCompile(`(?i)\bcurl\b[^\n]*?(?:-d|--data(?:-binary|-raw|-urlencode)?|-F|--form)\s+[^\n]*?\$\{?[A-Z_]*(?:KEY|TOKEN|SECRET|PASSWORD|CREDENTIALS?)\b`),
}

var defaultSuspiciousHosts = []string{
	"pastebin.com", "hastebin.com", "paste.ee", "ghostbin.com", "dpaste.org", "rentry.co",
	"transfer.sh", "file.io", "0x0.st", "temp.sh",
	"webhook.site", "requestbin.com", "requestbin.net", "pipedream.net", "beeceptor.com",
	"hookbin.com", "requestcatcher.com", "mockbin.org",
	"ngrok.io", "ngrok-free.app", "ngrok.app", "trycloudflare.com", "localtunnel.me",
	"loca.lt", "serveo.net", "localhost.run",
	"interact.sh", "oast.fun", "oast.pro", "burpcollaborator.net",
}

var defaultKnownAPIHosts = []string{
	"api.openai.com", "api.anthropic.com", "api.github.com", "github.com",
	"githubusercontent.com", "googleapis.com", "amazonaws.com", "api.stripe.com",
	"slack.com", "gitlab.com", "bitbucket.org", "registry.npmjs.org", "pypi.org",
	"files.pythonhosted.org", "proxy.golang.org", "sum.golang.org", "docker.io",
	"azure.com", "localhost", "127.0.0.1",
}

// HTTP call shapes that make a URL on the same line an outbound call.
var callVerbs = regexp.MustCompile(`(?i)\b(?:curl|wget|http(?:ie)?|invoke-webrequest|invoke-restmethod)\b|\bfetch\(|\baxios\b|\brequests\.(?:get|post|put|patch|delete)\b|\bhttp\.(?:get|post|newrequest)\b|-X\s*(?:POST|PUT|PATCH|DELETE)\b|\b(?:POST|PUT|PATCH|DELETE)\s+https?://`)

var (
	urlPattern    = regexp.MustCompile(`(?i)\bhttps?://[^\s"'<>()\[\]{}\x60]+`)
	domainPattern = regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9\-]{0,61}[a-z0-9])?\.)+[a-z]{2,24}\b`)
)

// Result is the outcome of validating one output blob.
type Result struct {
	Valid              bool     `json:"valid"`
	Blocked            bool     `json:"blocked"`
	Reason             string   `json:"reason,omitempty"`
	SuspiciousPatterns []string `json:"suspicious_patterns"`
	RiskScore          int      `json:"risk_score"`
}

// BlockedOutput is one blocked validation kept for monitoring.
type BlockedOutput struct {
	At        time.Time `json:"at"`
	RiskScore int       `json:"risk_score"`
	Reason    string    `json:"reason"`
}

// Validator scores output with an ordered table of independent detectors.
type Validator struct {
	suspicious []string
	known      []string
	detectAPIs bool
	limiter    ratelimit.Limiter
	logger     *slog.Logger
	sink       audit.Sink
	metrics    *metrics.Metrics
	now        func() time.Time
	history    *ringbuf.Ring[BlockedOutput]
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(v *Validator) { v.logger = l } }

// WithAuditSink records blocked outputs.
func WithAuditSink(sink audit.Sink) Option { return func(v *Validator) { v.sink = sink } }

// WithMetrics counts validations.
func WithMetrics(m *metrics.Metrics) Option { return func(v *Validator) { v.metrics = m } }

// New builds a validator. limiter may be nil, in which case CheckRateLimit
// always allows.
func New(cfg config.OutputConfig, limiter ratelimit.Limiter, opts ...Option) *Validator {
	v := &Validator{
		suspicious: lowerAll(append(append([]string{}, defaultSuspiciousHosts...), cfg.ExtraSuspiciousHosts...)),
		known:      lowerAll(append(append([]string{}, defaultKnownAPIHosts...), cfg.KnownAPIHosts...)),
		detectAPIs: cfg.DetectUnknownAPIs,
		limiter:    limiter,
		logger:     slog.Default(),
		now:        time.Now,
		history:    ringbuf.New[BlockedOutput](1000),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate scores output. Blocked is true exactly when RiskScore >= 50.
func (v *Validator) Validate(ctx context.Context, output string) *Result {
	res := &Result{SuspiciousPatterns: []string{}}
	counts := map[string]int{}
	score := 0

	add := func(category, detail string, weight int) {
		counts[category]++
		score += weight
		res.SuspiciousPatterns = append(res.SuspiciousPatterns, category+":"+detail)
	}

	seen := map[string]bool{}
	for _, c := range DetectCredentials(output) {
		if seen[c.Value] {
			continue
		}
		seen[c.Value] = true
		add(CategoryCredential, c.Type+":"+c.Preview, CredentialWeight)
	}

	for _, re := range exfiltrationPatterns {
		for _, m := range re.FindAllString(output, -1) {
			add(CategoryExfiltration, phrasePreview(m), ExfiltrationWeight)
		}
	}

	urlHosts := v.urlHosts(output)
	suspicious := map[string]bool{}
	for _, h := range append(hostsOf(urlHosts), v.bareDomains(output)...) {
		if suspicious[h] || !v.isSuspicious(h) {
			continue
		}
		suspicious[h] = true
		add(CategorySuspiciousHost, h, SuspiciousHostWeight)
	}

	if v.detectAPIs {
		unknown := map[string]bool{}
		for _, u := range urlHosts {
			h := u.host
			if unknown[h] || suspicious[h] || v.isKnown(h) {
				continue
			}
			if !strings.HasPrefix(h, "api.") && !u.onCallLine {
				continue
			}
			unknown[h] = true
			add(CategoryUnknownAPI, h, UnknownAPIWeight)
		}
	}

	if score > MaxScore {
		score = MaxScore
	}
	res.RiskScore = score
	res.Blocked = score >= BlockThreshold
	res.Valid = !res.Blocked
	res.Reason = reason(score, res.Blocked, counts)

	v.metrics.ObserveOutput(res.Blocked, score)
	if res.Blocked {
		v.history.Add(BlockedOutput{At: v.now(), RiskScore: score, Reason: res.Reason})
		v.logger.Warn("output blocked", "risk_score", score, "reason", res.Reason)
		if v.sink != nil {
			v.sink.Record(ctx, audit.EventOutputBlocked, audit.SeverityHigh, res.Reason, map[string]any{
				"risk_score": score,
				"patterns":   res.SuspiciousPatterns,
			})
		}
	}
	return res
}

// CheckRateLimit reports whether one more operation under key is allowed.
// Limiter errors deny the operation.
func (v *Validator) CheckRateLimit(ctx context.Context, key string) bool {
	if v.limiter == nil {
		return true
	}
	ok, err := v.limiter.Allow(ctx, key)
	if err != nil {
		v.logger.Error("rate limiter unavailable, denying", "operation", key, "error", err)
		ok = false
	}
	if !ok {
		v.metrics.ObserveRateLimited(key)
	}
	return ok
}

// RedactCredentials calls the package-level RedactCredentials.
func (v *Validator) RedactCredentials(s string) string { return RedactCredentials(s) }

// DetectCredentials calls the package-level DetectCredentials.
func (v *Validator) DetectCredentials(s string) []Credential { return DetectCredentials(s) }

// BlockedHistory returns the most recent blocked validations, oldest first.
func (v *Validator) BlockedHistory() []BlockedOutput {
	return v.history.Snapshot()
}

type urlHost struct {
	host       string
	onCallLine bool
}

func (v *Validator) urlHosts(output string) []urlHost {
	var out []urlHost
	for _, line := range strings.Split(output, "\n") {
		matches := urlPattern.FindAllString(line, -1)
		if len(matches) == 0 {
			continue
		}
		call := callVerbs.MatchString(line)
		for _, m := range matches {
			u, err := url.Parse(strings.TrimRight(m, ".,;:!?"))
			if err != nil || u.Hostname() == "" {
				continue
			}
			out = append(out, urlHost{host: strings.ToLower(u.Hostname()), onCallLine: call})
		}
	}
	return out
}

func (v *Validator) bareDomains(output string) []string {
	var out []string
	for _, d := range domainPattern.FindAllString(output, -1) {
		out = append(out, strings.ToLower(d))
	}
	return out
}

func hostsOf(hs []urlHost) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.host
	}
	return out
}

func (v *Validator) isSuspicious(host string) bool { return matchesDomain(host, v.suspicious) }

func (v *Validator) isKnown(host string) bool { return matchesDomain(host, v.known) }

func matchesDomain(host string, list []string) bool {
	for _, d := range list {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// phrasePreview shortens a matched phrase with any secret inside redacted.
func phrasePreview(m string) string {
	m = RedactCredentials(m)
	r := []rune(m)
	if len(r) > 60 {
		return string(r[:60]) + "..."
	}
	return m
}

func reason(score int, blocked bool, counts map[string]int) string {
	if len(counts) == 0 {
		return ""
	}
	cats := make([]string, 0, len(counts))
	for c := range counts {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	parts := make([]string, len(cats))
	for i, c := range cats {
		parts[i] = fmt.Sprintf("%s (%d)", c, counts[c])
	}
	verdict := "flagged"
	if blocked {
		verdict = "blocked"
	}
	return fmt.Sprintf("%s: risk score %d: %s", verdict, score, strings.Join(parts, ", "))
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
