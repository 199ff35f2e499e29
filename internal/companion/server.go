// Package companion is the service side of the companion channel. It answers
// ProvideProcessInfo and RemoteInvoke requests by dispatching them to a
// backend Invoker, usually a process host on the same device.
package companion

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/danmuck/testhost/internal/auth"
	"github.com/danmuck/testhost/internal/invoke"
	"github.com/danmuck/testhost/internal/observability"
	"github.com/danmuck/testhost/internal/protocol/frame"
	"github.com/danmuck/testhost/internal/protocol/schema"
	"github.com/danmuck/testhost/internal/protocol/session"
	"github.com/danmuck/testhost/internal/protocol/sni"
	"github.com/danmuck/testhost/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

type Server struct {
	Backend invoke.Invoker
	Auth    auth.Validator
	Session session.Config
	// MaxLogBytes caps the log kept per invocation; zero keeps the invoke default.
	MaxLogBytes int

	started  time.Time
	tlsCfg   *tls.Config
	active   atomic.Int64
	served   atomic.Uint64
	draining atomic.Bool
}

// New builds a server whose token check follows cfg.AuthToken.
func New(cfg session.Config, backend invoke.Invoker) *Server {
	return &Server{
		Backend: backend,
		Auth:    auth.ForToken(cfg.AuthToken),
		Session: cfg,
		started: time.Now(),
	}
}

// Listen opens the channel named by s.Session and validates its transport
// settings. TLS is applied per connection so SNI can be checked first.
func (s *Server) Listen() (net.Listener, error) {
	if err := s.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if s.Session.TLS.Enabled {
		tlsCfg, err := s.Session.ServerTLSConfig()
		if err != nil {
			return nil, err
		}
		s.tlsCfg = tlsCfg
	}
	addr, err := session.ResolveChannel(s.Session.Channel)
	if err != nil {
		return nil, err
	}
	return session.Listen(addr)
}

// Serve accepts until ctx is cancelled. Each connection runs on its own
// goroutine and handles one request at a time.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	if s.started.IsZero() {
		s.started = time.Now()
	}
	if s.Auth == nil {
		s.Auth = auth.ForToken(s.Session.AuthToken)
	}
	log.Info().Str("channel", s.Session.Channel).Str("addr", ln.Addr().String()).Str("backend", s.Backend.Name()).Msg("companion.listening")

	stop := context.AfterFunc(ctx, func() {
		s.draining.Store(true)
		_ = ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// Ready reports whether the server is still accepting.
func (s *Server) Ready() bool {
	return !s.draining.Load()
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	defer raw.Close()
	remote := raw.RemoteAddr().String()
	active := s.active.Add(1)
	log.Debug().Str("remote", remote).Int64("active_clients", active).Msg("companion.client connected")
	defer func() {
		remaining := s.active.Add(-1)
		log.Debug().Str("remote", remote).Int64("active_clients", remaining).Msg("companion.client disconnected")
	}()

	conn, err := s.secure(raw)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("companion.client rejected")
		return
	}
	defer conn.Close()

	limits := s.Session.FrameLimits()
	for {
		if s.Session.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.Session.ReadTimeout))
		}
		req, err := frame.ReadFrame(conn, limits)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("remote", remote).Msg("companion.read")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		msgType, fields, status, message := s.handle(ctx, req)
		if s.Session.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.Session.WriteTimeout))
		}
		if status != session.StatusSuccess {
			err = session.WriteError(conn, limits, req.Header.MessageID, status, message)
		} else {
			err = session.WriteResponse(conn, limits, req.Header.MessageID, msgType, fields)
		}
		if err != nil {
			log.Warn().Err(err).Str("remote", remote).Msg("companion.write")
			return
		}
	}
}

// secure wraps conn in TLS when enabled, checking the requested server name
// against RequireServerName before the handshake.
func (s *Server) secure(conn net.Conn) (net.Conn, error) {
	if s.tlsCfg == nil {
		return conn, nil
	}
	if s.Session.ReadTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.Session.ReadTimeout))
	}
	if want := s.Session.RequireServerName; want != "" {
		name, replay, err := sni.Sniff(conn)
		if err != nil {
			return nil, err
		}
		if name != want {
			return nil, fmt.Errorf("companion: server name %q not served", name)
		}
		conn = replay
	}
	tlsConn := tls.Server(conn, s.tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return tlsConn, nil
}

// handle answers one request frame. A non-success status becomes an error frame.
func (s *Server) handle(ctx context.Context, req frame.Frame) (uint32, []tlv.Field, string, string) {
	requestType := schema.MessageName(req.Header.MessageType)
	msgType, fields, status, message := s.dispatch(ctx, req)
	s.served.Add(1)
	observability.RecordChannelRequest(requestType, status)
	event := log.Debug()
	if status != session.StatusSuccess {
		event = log.Warn().Str("message", message)
	}
	event.Uint64("message_id", req.Header.MessageID).Str("request_type", requestType).Str("status", status).Msg("companion.request")
	return msgType, fields, status, message
}

func (s *Server) dispatch(ctx context.Context, req frame.Frame) (uint32, []tlv.Field, string, string) {
	if err := s.Auth.Validate(string(req.Auth)); err != nil {
		return 0, nil, session.StatusUnauthorized, "invalid auth token"
	}
	fields, err := tlv.DecodeFields(req.Payload)
	if err != nil {
		return 0, nil, session.StatusBadRequest, err.Error()
	}

	switch req.Header.MessageType {
	case schema.MsgProcessInfo:
		if err := schema.Validate(schema.MsgProcessInfo, fields); err != nil {
			return 0, nil, session.StatusBadRequest, err.Error()
		}
		return schema.MsgProcessInfoResult, session.ProcessInfoResultFields(os.Getpid()), session.StatusSuccess, ""
	case schema.MsgInvoke:
		return s.invoke(ctx, fields)
	default:
		return 0, nil, session.StatusUnknownRequest, fmt.Sprintf("unknown message type %d", req.Header.MessageType)
	}
}

func (s *Server) invoke(ctx context.Context, fields []tlv.Field) (uint32, []tlv.Field, string, string) {
	wire, err := session.DecodeInvoke(fields)
	if err != nil {
		return 0, nil, session.StatusBadRequest, err.Error()
	}
	if !filepath.IsAbs(wire.AssemblyName) {
		return 0, nil, session.StatusBadRequest, fmt.Sprintf("assembly %q is not an absolute path", wire.AssemblyName)
	}
	req := invoke.Request{
		ID:           wire.RequestID,
		AssemblyName: wire.AssemblyName,
		TypeName:     wire.TypeName,
		MethodName:   wire.MethodName,
		Args:         wire.Args,
	}
	timeout := wire.Timeout
	if timeout <= 0 {
		timeout = invoke.DefaultTimeout
	}

	// The caller compares the code; the companion only reports it.
	res, err := invoke.Execute(ctx, s.Backend, req,
		invoke.WithoutExitCodeCheck(), invoke.WithTimeout(timeout), invoke.WithMaxLogBytes(s.MaxLogBytes))
	if err != nil {
		var hostErr *invoke.HostError
		if errors.As(err, &hostErr) {
			return 0, nil, hostErr.Status, hostErr.Error()
		}
		return 0, nil, session.StatusInvokeFailed, err.Error()
	}
	return schema.MsgInvokeResult, session.InvokeResultFields(session.InvokeResult{Results: res.ExitCode, Log: res.Log}), session.StatusSuccess, ""
}
