// Package sandbox runs approved commands inside an isolated container.
// Commands never fall back to host execution.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/atlasgw/atlas/internal/config"
)

var (
	// ErrUnavailable means the execution environment itself cannot run
	// commands: the runtime binary is missing or the daemon refused.
	ErrUnavailable = errors.New("sandbox unavailable")
	// ErrTimeout means the command was killed at its time limit.
	ErrTimeout = errors.New("sandbox execution timed out")
)

// Limits are the per-execution resource limits.
type Limits = config.SandboxLimits

// Result is the raw outcome of one execution.
type Result struct {
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Output joins stdout and stderr for validation.
func (r *Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Executor runs a command under limits. Implementations must honor ctx
// cancellation and the limits' timeout.
type Executor interface {
	Execute(ctx context.Context, command, cwd string, limits Limits) (*Result, error)
}

// MaxOutputBytes caps each captured stream.
const MaxOutputBytes = 1 << 20

// dockerDaemonError is the exit status docker run uses for its own failures.
const dockerDaemonError = 125

// Docker runs commands with `docker run --rm` (or a compatible CLI such as
// podman) in a throwaway container with cwd mounted at /workspace.
type Docker struct {
	binary string
	image  string
	logger *slog.Logger
}

// NewDocker builds an executor from cfg.
func NewDocker(cfg config.SandboxConfig, logger *slog.Logger) *Docker {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.Image == "" {
		cfg.Image = "alpine:3.20"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{binary: cfg.Binary, image: cfg.Image, logger: logger}
}

// Args returns the runtime arguments for one execution.
func (d *Docker) Args(command, cwd string, limits Limits) []string {
	args := []string{
		"run", "--rm", "--init",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", "256",
	}
	if !limits.NetworkAccess {
		args = append(args, "--network", "none")
	}
	if limits.MemoryLimitMB > 0 {
		args = append(args, "--memory", strconv.Itoa(limits.MemoryLimitMB)+"m")
	}
	if limits.CPULimit > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(limits.CPULimit, 'f', -1, 64))
	}
	if limits.ReadOnlyFilesystem {
		args = append(args, "--read-only", "--tmpfs", "/tmp:rw,size=64m")
	}
	if cwd != "" {
		mount := cwd + ":/workspace"
		if limits.ReadOnlyFilesystem {
			mount += ":ro"
		}
		args = append(args, "-v", mount, "-w", "/workspace")
	}
	return append(args, d.image, "sh", "-c", command)
}

// Execute runs command in a fresh container.
func (d *Docker) Execute(ctx context.Context, command, cwd string, limits Limits) (*Result, error) {
	path, err := exec.LookPath(d.binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if t := limits.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path, d.Args(command, cwd, limits)...)
	stdout := &capped{max: MaxOutputBytes}
	stderr := &capped{max: MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	d.logger.Debug("sandbox executing", "image", d.image, "cwd", cwd, "timeout_seconds", limits.TimeoutSeconds)
	start := time.Now()
	err = cmd.Run()
	res := &Result{
		ExitCode:  cmd.ProcessState.ExitCode(),
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return res, fmt.Errorf("%w after %s", ErrTimeout, limits.Timeout())
	case ctx.Err() != nil:
		return res, fmt.Errorf("sandbox execution cancelled: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == dockerDaemonError {
			return res, fmt.Errorf("%w: %s", ErrUnavailable, firstLine(res.Stderr))
		}
		// A non-zero exit of the command itself is a normal result.
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res, nil
}

// capped is a buffer that silently drops bytes beyond max.
type capped struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *capped) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	if room <= 0 {
		c.truncated = len(p) > 0 || c.truncated
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *capped) String() string { return c.buf.String() }

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
