package invoke

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/testhost/internal/observability"
	"github.com/danmuck/testhost/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Invoker runs a request somewhere and reports the exit code it observed.
// Implementations release every resource they open before returning.
type Invoker interface {
	Invoke(ctx context.Context, req Request, settings Settings) (Result, error)
	Name() string
}

// Run validates fn, dispatches it on inv and compares the exit code. An
// invalid entry returns before inv is touched. Nothing is retried.
func Run(ctx context.Context, inv Invoker, fn any, args []string, opts ...Option) (Result, error) {
	req, err := NewRequest(fn, args...)
	if err != nil {
		observability.RecordInvocation(inv.Name(), observability.OutcomeInvalid, 0)
		return Result{}, err
	}
	return Execute(ctx, inv, req, opts...)
}

// Execute dispatches an already built request.
func Execute(ctx context.Context, inv Invoker, req Request, opts ...Option) (Result, error) {
	settings := NewSettings(opts...)
	ctx, cancel := context.WithTimeout(ctx, settings.Timeout)
	defer cancel()

	logger := log.With().Str("host", inv.Name()).Str("request_id", req.ID).Str("entry", req.Name()).Logger()
	logger.Debug().Strs("args", req.Args).Dur("timeout", settings.Timeout).Msg("invoke.dispatch")

	start := time.Now()
	res, err := inv.Invoke(ctx, req, settings)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	if err != nil {
		var hostErr *HostError
		if !errors.As(err, &hostErr) {
			hostErr = &HostError{Host: inv.Name(), Status: session.StatusInvokeFailed, Err: err}
			err = hostErr
		}
		observability.RecordInvocation(inv.Name(), observability.OutcomeHostError, res.Duration)
		logger.Warn().Err(err).Str("status", hostErr.Status).Msg("invoke.host_error")
		return res, err
	}

	if settings.CheckExitCode && res.ExitCode != settings.ExpectedExitCode {
		observability.RecordInvocation(inv.Name(), observability.OutcomeMismatch, res.Duration)
		logger.Warn().Int("exit_code", res.ExitCode).Int("expected", settings.ExpectedExitCode).Msg("invoke.mismatch")
		return res, &ExitCodeError{Request: req, Expected: settings.ExpectedExitCode, Actual: res.ExitCode, Log: res.Log}
	}

	observability.RecordInvocation(inv.Name(), observability.OutcomeSuccess, res.Duration)
	logger.Debug().Int("exit_code", res.ExitCode).Dur("duration", res.Duration).Msg("invoke.done")
	return res, nil
}
