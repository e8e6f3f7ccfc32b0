package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/atlasgw/atlas/internal/config"
)

// fakeRuntime writes a shell script standing in for the container CLI.
func fakeRuntime(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script runtime")
	}
	path := filepath.Join(t.TempDir(), "fake-docker")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newDocker(binary string) *Docker {
	return NewDocker(config.SandboxConfig{Binary: binary, Image: "alpine:3.20"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestArgs(t *testing.T) {
	d := newDocker("docker")
	args := strings.Join(d.Args("ls -la", "/home/me/proj", Limits{
		MemoryLimitMB:      256,
		CPULimit:           0.5,
		TimeoutSeconds:     30,
		ReadOnlyFilesystem: true,
	}), " ")

	for _, want := range []string{
		"run --rm",
		"--network none",
		"--memory 256m",
		"--cpus 0.5",
		"--read-only",
		"-v /home/me/proj:/workspace:ro",
		"-w /workspace",
		"alpine:3.20 sh -c ls -la",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("args missing %q: %s", want, args)
		}
	}
}

func TestArgs_NetworkAndWritable(t *testing.T) {
	args := strings.Join(newDocker("docker").Args("make", "/src", Limits{NetworkAccess: true}), " ")
	if strings.Contains(args, "--network none") {
		t.Errorf("network disabled despite NetworkAccess: %s", args)
	}
	if strings.Contains(args, "--read-only") || strings.Contains(args, ":ro") {
		t.Errorf("read-only flags on writable run: %s", args)
	}
}

func TestExecute(t *testing.T) {
	bin := fakeRuntime(t, `echo "ran: $*"; echo "warn" >&2; exit 3`)
	res, err := newDocker(bin).Execute(context.Background(), "false", "/tmp", Limits{TimeoutSeconds: 5})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "sh -c false") {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "warn" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if !strings.Contains(res.Output(), "warn") {
		t.Errorf("Output() = %q", res.Output())
	}
}

func TestExecute_MissingBinary(t *testing.T) {
	_, err := newDocker(filepath.Join(t.TempDir(), "no-such-runtime")).Execute(context.Background(), "ls", "", Limits{})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestExecute_DaemonError(t *testing.T) {
	bin := fakeRuntime(t, `echo "Cannot connect to the Docker daemon" >&2; exit 125`)
	_, err := newDocker(bin).Execute(context.Background(), "ls", "", Limits{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if !strings.Contains(err.Error(), "Cannot connect") {
		t.Errorf("err = %v, want daemon message", err)
	}
}

func TestExecute_Timeout(t *testing.T) {
	bin := fakeRuntime(t, `exec sleep 5`)
	_, err := newDocker(bin).Execute(context.Background(), "sleep 5", "", Limits{TimeoutSeconds: 1})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestExecute_Cancelled(t *testing.T) {
	bin := fakeRuntime(t, `exec sleep 5`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newDocker(bin).Execute(ctx, "sleep 5", "", Limits{TimeoutSeconds: 10})
	if err == nil || errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want cancellation", err)
	}
}

func TestCapped(t *testing.T) {
	c := &capped{max: 4}
	n, err := c.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	_, _ = c.Write([]byte("gh"))
	if c.String() != "abcd" || !c.truncated {
		t.Errorf("buffer = %q truncated=%v", c.String(), c.truncated)
	}
}
