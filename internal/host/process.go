package host

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/danmuck/testhost/internal/invoke"
	"github.com/danmuck/testhost/internal/protocol/session"
	"github.com/danmuck/testhost/internal/tools"
	"github.com/rs/zerolog/log"
)

// Process runs each request in a fresh child of AssemblyName.
type Process struct {
	// Dir is the child's working directory; empty inherits ours.
	Dir string
}

func (Process) Name() string { return "process" }

func (p Process) Invoke(ctx context.Context, req invoke.Request, settings invoke.Settings) (invoke.Result, error) {
	resultFile, err := os.CreateTemp("", "testhost-result-*")
	if err != nil {
		return invoke.Result{}, &invoke.HostError{Host: p.Name(), Status: session.StatusInvokeFailed, Message: "create result file", Err: err}
	}
	resultPath := resultFile.Name()
	_ = resultFile.Close()
	defer os.Remove(resultPath)

	name, args := req.AssemblyName, invoke.ChildArgs(req)
	if settings.Sudo {
		args = append([]string{"-E", "-n", name}, args...)
		name = "sudo"
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = p.Dir
	cmd.Env = append(os.Environ(), settings.Env...)
	cmd.Env = append(cmd.Env, invoke.EnvInvoke+"="+resultPath)
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	capture := &tools.LimitWriter{Buf: &out, Limit: settings.MaxLogBytes}
	cmd.Stdout = capture
	cmd.Stderr = capture

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return invoke.Result{}, &invoke.HostError{Host: p.Name(), Status: session.StatusInvokeFailed, Message: "start " + name, Err: err}
	}
	res := invoke.Result{PID: cmd.Process.Pid, HostPID: os.Getpid()}
	log.Debug().Int("pid", res.PID).Str("entry", req.Name()).Msg("process.started")

	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	res.Log = captured(&out, capture.Truncated())

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, &invoke.HostError{Host: p.Name(), Status: session.StatusTimeout, Message: "child killed", Err: ctxErr}
	}

	code, ok, readErr := invoke.ReadResultFile(resultPath)
	if ok {
		res.ExitCode = code
		return res, nil
	}
	if readErr != nil {
		log.Debug().Err(readErr).Msg("process.result_file")
	}

	// The child died before reporting; fall back to the OS exit status.
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case errors.As(waitErr, &exitErr) && exitErr.ExitCode() >= 0:
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, &invoke.HostError{Host: p.Name(), Status: session.StatusInvokeFailed, Message: "wait child", Err: waitErr}
	}
	return res, nil
}

func captured(out *bytes.Buffer, truncated bool) string {
	if truncated {
		return out.String() + "\n[output truncated]"
	}
	return out.String()
}
