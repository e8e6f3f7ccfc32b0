// Package gatewaytest builds gateways backed by a temporary SQLite store and
// a scripted sandbox for tests of the API surfaces.
package gatewaytest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atlasgw/atlas/internal/config"
	"github.com/atlasgw/atlas/internal/gateway"
	"github.com/atlasgw/atlas/internal/sandbox"
)

// Executor is a sandbox that returns a fixed result and records commands.
type Executor struct {
	mu       sync.Mutex
	commands []string
	Result   sandbox.Result
	Err      error
}

func (e *Executor) Execute(_ context.Context, command, _ string, _ sandbox.Limits) (*sandbox.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, command)
	if e.Err != nil {
		return nil, e.Err
	}
	res := e.Result
	if res.Stdout == "" && res.Stderr == "" {
		res.Stdout = "ok\n"
	}
	res.Duration = time.Millisecond
	return &res, nil
}

// Commands returns the commands executed so far.
func (e *Executor) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

// SetResult replaces the scripted result.
func (e *Executor) SetResult(res sandbox.Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Result, e.Err = res, err
}

// New returns a gateway for cfg (Defaults when nil) with persistence in a
// temporary directory. The gateway is closed when the test ends.
func New(t testing.TB, cfg *config.Config) (*gateway.Gateway, *Executor) {
	t.Helper()
	if cfg == nil {
		cfg = config.Defaults()
	}
	cfg.Persistence.Driver = "sqlite"
	cfg.Persistence.Path = filepath.Join(t.TempDir(), "atlas.db")

	exec := &Executor{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := gateway.New(context.Background(), cfg, logger, gateway.WithExecutor(exec))
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })
	return gw, exec
}
