package invoke

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/testhost/internal/protocol/session"
)

// Local runs registered entries inside the calling process. It is what a
// companion uses for requests aimed at its own binary, and what tests use
// when spawning is beside the point. Env and Sudo settings do not apply.
type Local struct{}

func (Local) Name() string { return "local" }

// Invoke calls the entry on a goroutine so the deadline can be honored. An
// entry that ignores the deadline keeps running after Invoke returns.
func (Local) Invoke(ctx context.Context, req Request, _ Settings) (Result, error) {
	v, ok := lookup(req.TypeName, req.MethodName)
	if !ok {
		return Result{}, &HostError{
			Host:    "local",
			Status:  session.StatusUnknownRequest,
			Message: fmt.Sprintf("entry %s is not registered", req.Name()),
		}
	}

	type outcome struct {
		code int
		err  error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		code, err := call(v, req.Args)
		done <- outcome{code, err}
	}()

	select {
	case <-ctx.Done():
		return Result{}, &HostError{Host: "local", Status: session.StatusTimeout, Err: ctx.Err()}
	case out := <-done:
		res := Result{ExitCode: out.code, PID: os.Getpid(), Duration: time.Since(start)}
		if out.err != nil {
			res.Log = out.err.Error()
		}
		return res, nil
	}
}
