package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/danmuck/testhost/internal/invoke"
	"github.com/danmuck/testhost/internal/protocol/schema"
	"github.com/danmuck/testhost/internal/protocol/session"
)

// Companion sends requests to a companion service over its channel. One
// connection per call: dial, ProvideProcessInfo, RemoteInvoke, close.
type Companion struct {
	Session session.Config
}

func (Companion) Name() string { return "companion" }

// Env and Sudo settings stay local; the companion decides how it runs entries.
func (c Companion) Invoke(ctx context.Context, req invoke.Request, _ invoke.Settings) (invoke.Result, error) {
	start := time.Now()
	conn, err := session.Dial(ctx, c.Session)
	if err != nil {
		return invoke.Result{}, &invoke.HostError{
			Host:    c.Name(),
			Status:  session.StatusRemoteSystemUnavailable,
			Message: fmt.Sprintf("cannot reach channel %q", c.Session.Channel),
			Err:     err,
		}
	}
	defer conn.Close()

	hostPID, err := c.handshake(ctx, conn, req.ID)
	if err != nil {
		return invoke.Result{}, err
	}

	wire := session.InvokeRequest{
		RequestID:    req.ID,
		AssemblyName: req.AssemblyName,
		TypeName:     req.TypeName,
		MethodName:   req.MethodName,
		Args:         req.Args,
	}
	if deadline, ok := ctx.Deadline(); ok {
		wire.Timeout = time.Until(deadline)
	}
	invokeFields, err := session.InvokeFields(wire)
	if err != nil {
		return invoke.Result{}, c.hostError(ctx, "encode request", err)
	}

	// The entry may legitimately run longer than a channel read timeout;
	// ctx carries the invocation deadline instead.
	invokeCfg := c.Session
	invokeCfg.ReadTimeout = 0
	msgType, fields, err := session.Exchange(ctx, conn, invokeCfg, 2, schema.MsgInvoke, invokeFields)
	if err != nil {
		return invoke.Result{HostPID: hostPID}, c.hostError(ctx, "invoke", err)
	}
	if msgType != schema.MsgInvokeResult {
		return invoke.Result{HostPID: hostPID}, c.hostError(ctx, "invoke", fmt.Errorf("%w: %s", session.ErrUnexpectedResponse, schema.MessageName(msgType)))
	}
	out, err := session.DecodeInvokeResult(fields)
	if err != nil {
		return invoke.Result{HostPID: hostPID}, c.hostError(ctx, "invoke", err)
	}
	return invoke.Result{
		ExitCode: out.Results,
		Log:      out.Log,
		HostPID:  hostPID,
		Duration: time.Since(start),
	}, nil
}

// Ping dials the channel and returns the companion's pid.
func (c Companion) Ping(ctx context.Context) (int, error) {
	conn, err := session.Dial(ctx, c.Session)
	if err != nil {
		return 0, &invoke.HostError{Host: c.Name(), Status: session.StatusRemoteSystemUnavailable, Message: fmt.Sprintf("cannot reach channel %q", c.Session.Channel), Err: err}
	}
	defer conn.Close()
	return c.handshake(ctx, conn, "")
}

func (c Companion) handshake(ctx context.Context, conn net.Conn, requestID string) (int, error) {
	msgType, fields, err := session.Exchange(ctx, conn, c.Session, 1, schema.MsgProcessInfo, session.ProcessInfoFields(requestID))
	if err != nil {
		return 0, c.hostError(ctx, "handshake", err)
	}
	if msgType != schema.MsgProcessInfoResult {
		return 0, c.hostError(ctx, "handshake", fmt.Errorf("%w: %s", session.ErrUnexpectedResponse, schema.MessageName(msgType)))
	}
	pid, err := session.DecodeProcessInfoResult(fields)
	if err != nil {
		return 0, c.hostError(ctx, "handshake", err)
	}
	return pid, nil
}

func (c Companion) hostError(ctx context.Context, phase string, err error) error {
	var remote *session.RemoteError
	if errors.As(err, &remote) {
		return &invoke.HostError{Host: c.Name(), Status: remote.Status, Message: remote.Message}
	}
	var netErr net.Error
	if ctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &invoke.HostError{Host: c.Name(), Status: session.StatusTimeout, Message: phase + " timed out", Err: err}
	}
	return &invoke.HostError{Host: c.Name(), Status: session.StatusInvokeFailed, Message: phase + " failed", Err: err}
}
