// Package gateway constructs the command security pipeline from a resolved
// configuration. The HTTP server, the MCP server and the CLI all share one
// Gateway per process.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atlasgw/atlas/internal/approval"
	"github.com/atlasgw/atlas/internal/audit"
	"github.com/atlasgw/atlas/internal/config"
	"github.com/atlasgw/atlas/internal/engine"
	"github.com/atlasgw/atlas/internal/metrics"
	"github.com/atlasgw/atlas/internal/notify"
	"github.com/atlasgw/atlas/internal/output"
	"github.com/atlasgw/atlas/internal/ratelimit"
	"github.com/atlasgw/atlas/internal/sandbox"
	"github.com/atlasgw/atlas/internal/sanitize"
)

// Gateway holds every pipeline service. Fields are set by New and read-only
// afterwards.
type Gateway struct {
	Config    *config.Config
	Store     audit.Store
	Manager   *approval.Manager
	Sanitizer *sanitize.Sanitizer
	Validator *output.Validator
	Limiter   ratelimit.Limiter
	Metrics   *metrics.Metrics
	Notifier  notify.Notifier
	Logger    *slog.Logger

	executor sandbox.Executor
	closers  []func() error
}

// Option configures New.
type Option func(*Gateway)

// WithExecutor replaces the Docker executor.
func WithExecutor(e sandbox.Executor) Option { return func(g *Gateway) { g.executor = e } }

// WithStore uses an already opened store instead of cfg.Persistence. The
// gateway closes it on Close.
func WithStore(s audit.Store) Option { return func(g *Gateway) { g.Store = s } }

// New opens persistence, builds every service and re-queues requests left
// pending by a previous process.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	g := &Gateway{Config: cfg, Logger: logger}
	for _, o := range opts {
		o(g)
	}

	preset, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	if g.Store == nil {
		g.Store, err = audit.Open(ctx, cfg.Persistence, logger)
		if err != nil {
			return nil, fmt.Errorf("opening %s store: %w", cfg.Persistence.Driver, err)
		}
	}
	g.closers = append(g.closers, g.Store.Close)

	g.Metrics = metrics.New()

	webhooks := notify.NewWebhook(cfg.Webhooks, logger)
	g.Notifier = notify.Multi{notify.LogNotifier{Logger: logger}, webhooks}

	if cfg.RateLimit.RedisURL != "" {
		rl, err := ratelimit.DialRedis(cfg.RateLimit.RedisURL, cfg.RateLimit.MaxOpsPerMinute, time.Minute)
		if err != nil {
			_ = g.close()
			return nil, err
		}
		g.closers = append(g.closers, rl.Close)
		g.Limiter = rl
	} else {
		g.Limiter = ratelimit.NewWindow(cfg.RateLimit.MaxOpsPerMinute, time.Minute)
	}

	sanOpts := []sanitize.Option{
		sanitize.WithLogger(logger),
		sanitize.WithAuditSink(g.Store),
		sanitize.WithNotifier(g.Notifier),
		sanitize.WithMetrics(g.Metrics),
	}
	if cfg.Sanitizer.RulePackScan {
		sanOpts = append(sanOpts, sanitize.WithScanner(engine.NewScanner(cfg.Sanitizer.RulesDir)))
	}
	g.Sanitizer = sanitize.New(cfg.Sanitizer, sanOpts...)

	g.Validator = output.New(cfg.Output, g.Limiter,
		output.WithLogger(logger),
		output.WithAuditSink(g.Store),
		output.WithMetrics(g.Metrics),
	)

	if g.executor == nil {
		g.executor = sandbox.NewDocker(cfg.Sandbox, logger)
	}
	g.Manager, err = approval.NewManager(preset, g.Store, g.executor, g.Validator,
		approval.WithLogger(logger),
		approval.WithAuditSink(g.Store),
		approval.WithNotifier(g.Notifier),
		approval.WithMetrics(g.Metrics),
	)
	if err != nil {
		_ = g.close()
		return nil, err
	}

	if _, err := g.Manager.Recover(ctx); err != nil {
		_ = g.Manager.Close()
		_ = g.close()
		return nil, err
	}

	logger.Info("gateway ready",
		"preset", preset.Name,
		"persistence", cfg.Persistence.Driver,
		"webhooks", webhooks.Len(),
		"rule_pack_scan", cfg.Sanitizer.RulePackScan,
		"shared_rate_limit", cfg.RateLimit.RedisURL != "",
	)
	return g, nil
}

// Reconfigure applies a reloaded config file. Only the preset, its
// auto-approve rules and the sandbox limits change at runtime; persistence,
// rate limits and webhooks need a restart.
func (g *Gateway) Reconfigure(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	preset, err := cfg.Resolve()
	if err != nil {
		return err
	}
	return g.Manager.Reconfigure(preset)
}

// Close stops expiry timers and releases persistence and Redis.
func (g *Gateway) Close() error {
	err := g.Manager.Close()
	return errors.Join(err, g.close())
}

func (g *Gateway) close() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}
