package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/atlasgw/atlas/internal/config"
)

// DefaultTemplate is the plain-text body used when a webhook has a template
// of "default".
const DefaultTemplate = "*{{TITLE}}*\n• Event: {{EVENT}}\n• Severity: {{SEVERITY}}\n• {{MESSAGE}}"

// Webhook posts alerts to the configured endpoints. Each endpoint gets its
// own client that refuses private and reserved addresses outside the hook's
// allow_networks, both in the URL and at dial time.
type Webhook struct {
	hooks  []endpoint
	logger *slog.Logger
}

type endpoint struct {
	config.Webhook
	client *http.Client
}

// NewWebhook builds a notifier. Hooks with an unusable URL or network list
// are logged and skipped.
func NewWebhook(hooks []config.Webhook, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Webhook{logger: logger}
	for _, wh := range hooks {
		nets, err := wh.Networks()
		if err != nil {
			logger.Warn("skipping webhook", "url", wh.URL, "error", err)
			continue
		}
		g := hostGuard{allow: nets}
		if err := g.checkURL(wh.URL); err != nil {
			logger.Warn("skipping webhook", "url", wh.URL, "error", err)
			continue
		}
		w.hooks = append(w.hooks, endpoint{Webhook: wh, client: g.client()})
	}
	return w
}

// Len returns the number of usable endpoints.
func (w *Webhook) Len() int { return len(w.hooks) }

// Notify sends p to every subscribed endpoint in the background.
func (w *Webhook) Notify(ctx context.Context, p Payload) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	// Delivery outlives the request that triggered it.
	ctx = context.WithoutCancel(ctx)
	for _, ep := range w.hooks {
		if !subscribed(ep.Events, p.Event) {
			continue
		}
		body, err := render(ep.Template, p)
		if err != nil {
			w.logger.Error("webhook marshal failed", "error", err)
			continue
		}
		go func() {
			if err := w.deliver(ctx, ep, body); err != nil {
				w.logger.Warn("webhook delivery failed", "url", ep.URL, "event", p.Event, "error", err)
			}
		}()
	}
}

func (w *Webhook) deliver(ctx context.Context, ep endpoint, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ep.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// reservedPrefixes are the special-use ranges netip's predicates miss:
// this-network, CGN, IETF assignments, documentation, benchmarking, class E
// and the IPv6 prefixes that embed IPv4.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("2001::/32"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("2002::/16"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

func reserved(a netip.Addr) bool {
	if a.IsLoopback() || a.IsPrivate() || a.IsUnspecified() || a.IsMulticast() ||
		a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() || a.IsInterfaceLocalMulticast() {
		return true
	}
	for _, p := range reservedPrefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// hostGuard decides which addresses one hook may reach.
type hostGuard struct {
	allow []netip.Prefix
}

func (g hostGuard) permits(a netip.Addr) bool {
	a = a.Unmap().WithZone("")
	for _, p := range g.allow {
		if p.Contains(a) {
			return true
		}
	}
	return !reserved(a)
}

// checkURL validates a hook URL before any lookup. Names are checked again
// once resolved, as each connection is dialed.
func (g hostGuard) checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("webhook URL must use http or https")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("webhook URL has no host")
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		if numericHost(host) {
			return fmt.Errorf("webhook host %q is a non-canonical IP address", host)
		}
		return nil
	}
	if !g.permits(a) {
		return fmt.Errorf("webhook host %s is a private or reserved address", a)
	}
	return nil
}

// numericHost reports IPv4 spellings netip rejects, such as 0x7f000001,
// 0177.0.0.1 or 2130706433. No DNS name ends in a numeric label.
func numericHost(host string) bool {
	last := host[strings.LastIndexByte(host, '.')+1:]
	if strings.HasPrefix(strings.ToLower(last), "0x") {
		return true
	}
	return last != "" && strings.Trim(last, "0123456789") == ""
}

// control runs after DNS resolution, on the exact address being dialed.
func (g hostGuard) control(_ context.Context, _, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("webhook dial %s: %w", address, err)
	}
	if !g.permits(ap.Addr()) {
		return fmt.Errorf("webhook dial refused: %s is a private or reserved address", ap.Addr())
	}
	return nil
}

func (g hostGuard) client() *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second, ControlContext: g.control}
	return &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DialContext: dialer.DialContext},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 2 {
				return errors.New("too many redirects")
			}
			if err := g.checkURL(req.URL.String()); err != nil {
				return fmt.Errorf("redirect refused: %w", err)
			}
			return nil
		},
	}
}

// render returns the JSON payload, or {"text": ...} for templated hooks.
func render(tmpl string, p Payload) ([]byte, error) {
	if tmpl == "" {
		return json.Marshal(p)
	}
	if tmpl == "default" {
		tmpl = DefaultTemplate
	}
	return json.Marshal(map[string]string{"text": RenderTemplate(tmpl, p)})
}

// RenderTemplate replaces {{EVENT}}, {{TITLE}}, {{MESSAGE}}, {{SEVERITY}}
// and {{TIMESTAMP}} in tmpl.
func RenderTemplate(tmpl string, p Payload) string {
	ts := ""
	if !p.Timestamp.IsZero() {
		ts = p.Timestamp.UTC().Format(time.RFC3339)
	}
	return strings.NewReplacer(
		"{{EVENT}}", p.Event,
		"{{TITLE}}", p.Title,
		"{{MESSAGE}}", p.Message,
		"{{SEVERITY}}", p.Severity,
		"{{TIMESTAMP}}", ts,
	).Replace(tmpl)
}

func subscribed(events []string, event string) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}
