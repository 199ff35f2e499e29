package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// CommandRunner abstracts shell command execution for probes and hosts.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

// Run executes name with args and reports stdout, stderr, and the exit code.
// A missing binary reports 127 like a POSIX shell.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}
	return stdout.Bytes(), stderr.Bytes(), ExitCodeOf(err), err
}

// ExitCodeOf maps an exec error to a process exit code.
func ExitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return 127
	}
	return 1
}

// LimitWriter writes up to Limit bytes to Buf and silently discards the rest.
type LimitWriter struct {
	Buf   *bytes.Buffer
	Limit int
}

func (w *LimitWriter) Write(p []byte) (int, error) {
	remaining := w.Limit - w.Buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		// report everything consumed so io.Copy does not fail with a short write
		w.Buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.Buf.Write(p)
}

// Truncated reports whether the writer hit its cap.
func (w *LimitWriter) Truncated() bool {
	return w.Buf.Len() >= w.Limit
}
