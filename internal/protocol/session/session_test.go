package session_test

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/testhost/internal/protocol/frame"
	"github.com/danmuck/testhost/internal/protocol/schema"
	"github.com/danmuck/testhost/internal/protocol/session"
	"github.com/danmuck/testhost/internal/protocol/tlv"
	"github.com/danmuck/testhost/internal/testutil/testlog"
	"github.com/danmuck/testhost/internal/testutil/tlstest"
)

func TestResolveChannel(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		network string
		addr    string
		wantErr bool
	}{
		{name: "unix:///run/testhost.sock", network: "unix", addr: "/run/testhost.sock"},
		{name: "tcp://127.0.0.1:7420", network: "tcp", addr: "127.0.0.1:7420"},
		{name: "net-tests", network: "unix", addr: filepath.Join(os.TempDir(), "testhost-net-tests.sock")},
		{name: "", wantErr: true},
		{name: "unix://", wantErr: true},
		{name: "tcp://nohost", wantErr: true},
		{name: "http://x:1", wantErr: true},
		{name: "a/b", wantErr: true},
	}
	for _, tc := range cases {
		got, err := session.ResolveChannel(tc.name)
		if tc.wantErr {
			if !errors.Is(err, session.ErrInvalidChannel) {
				t.Fatalf("ResolveChannel(%q) expected ErrInvalidChannel, got %v", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ResolveChannel(%q): %v", tc.name, err)
		}
		if got.Network != tc.network || got.Addr != tc.addr {
			t.Fatalf("ResolveChannel(%q)=%+v", tc.name, got)
		}
	}
}

func TestArgsRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := []string{"a", "", "b c", "0", "1", "2", "3", "4", "5", "6", "7"}
	raw, err := session.EncodeArgs(in)
	if err != nil {
		t.Fatalf("encode args: %v", err)
	}
	out, err := session.DecodeArgs(raw)
	if err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("args mismatch: %q vs %q", in, out)
	}
}

func TestDecodeArgsRejectsGaps(t *testing.T) {
	testlog.Start(t)
	if _, err := session.DecodeArgs([]byte(`{"Arg0":"a","Arg2":"c"}`)); !errors.Is(err, session.ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs, got %v", err)
	}
	if _, err := session.DecodeArgs([]byte(`[1]`)); !errors.Is(err, session.ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs, got %v", err)
	}
}

func TestInvokeFieldsRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := session.InvokeRequest{
		RequestID:    "req-1",
		AssemblyName: "/opt/tests/net.test",
		TypeName:     "example.com/net",
		MethodName:   "TestSocket.func1",
		Args:         []string{"x", "y"},
		Timeout:      1500 * time.Millisecond,
	}
	fields, err := session.InvokeFields(in)
	if err != nil {
		t.Fatalf("invoke fields: %v", err)
	}
	decoded, err := tlv.DecodeFields(tlv.EncodeFields(fields))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	out, err := session.DecodeInvoke(decoded)
	if err != nil {
		t.Fatalf("decode invoke: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("request mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestInvokeResultNegativeCodes(t *testing.T) {
	testlog.Start(t)
	for _, code := range []int{0, 1, 42, -1, -45, 255} {
		out, err := session.DecodeInvokeResult(session.InvokeResultFields(session.InvokeResult{Results: code, Log: "log"}))
		if err != nil {
			t.Fatalf("decode result %d: %v", code, err)
		}
		if out.Results != code || out.Log != "log" {
			t.Fatalf("result %d round-tripped as %+v", code, out)
		}
	}
}

// serveOnce answers a single request on conn using handle.
func serveOnce(t *testing.T, conn net.Conn, handle func(frame.Frame) (uint32, []tlv.Field, string)) {
	t.Helper()
	go func() {
		defer conn.Close()
		req, err := frame.ReadFrame(conn, frame.DefaultLimits())
		if err != nil {
			return
		}
		msgType, fields, status := handle(req)
		if status != "" {
			_ = session.WriteError(conn, frame.DefaultLimits(), req.Header.MessageID, status, "nope")
			return
		}
		_ = session.WriteResponse(conn, frame.DefaultLimits(), req.Header.MessageID, msgType, fields)
	}()
}

func TestExchangeProcessInfo(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	var gotAuth string
	serveOnce(t, server, func(f frame.Frame) (uint32, []tlv.Field, string) {
		gotAuth = string(f.Auth)
		return schema.MsgProcessInfoResult, session.ProcessInfoResultFields(4242), ""
	})

	cfg := session.DefaultConfig()
	cfg.AuthToken = "secret"
	msgType, fields, err := session.Exchange(context.Background(), client, cfg, 7, schema.MsgProcessInfo, session.ProcessInfoFields("req-1"))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if msgType != schema.MsgProcessInfoResult {
		t.Fatalf("unexpected response type %d", msgType)
	}
	pid, err := session.DecodeProcessInfoResult(fields)
	if err != nil || pid != 4242 {
		t.Fatalf("pid=(%d,%v)", pid, err)
	}
	if gotAuth != "secret" {
		t.Fatalf("auth not sent: %q", gotAuth)
	}
}

func TestExchangeErrorFrame(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	serveOnce(t, server, func(frame.Frame) (uint32, []tlv.Field, string) {
		return 0, nil, session.StatusUnauthorized
	})

	_, _, err := session.Exchange(context.Background(), client, session.DefaultConfig(), 1, schema.MsgProcessInfo, session.ProcessInfoFields(""))
	var remote *session.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Status != session.StatusUnauthorized || remote.Message != "nope" {
		t.Fatalf("unexpected remote error: %+v", remote)
	}
}

func TestValidateClientTransportProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.SecurityMode = session.SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, session.ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, session.ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}

	cfg.TLS.Mutual = true
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, session.ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, session.ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, session.ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, session.ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportRejectsBadMode(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.SecurityMode = "staging"
	if err := cfg.ValidateServerTransport(); !errors.Is(err, session.ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}

func TestParseCipherSuites(t *testing.T) {
	testlog.Start(t)
	ids, err := session.ParseCipherSuites([]string{"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256", " tls_ecdhe_rsa_with_aes_256_gcm_sha384 "})
	if err != nil {
		t.Fatalf("parse suites: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 suite ids, got %v", ids)
	}
	if _, err := session.ParseCipherSuites([]string{"TLS_RSA_WITH_RC4_128_SHA"}); !errors.Is(err, session.ErrInsecureCipherSuite) {
		t.Fatalf("expected ErrInsecureCipherSuite, got %v", err)
	}
	if _, err := session.ParseCipherSuites([]string{"TLS_MADE_UP"}); !errors.Is(err, session.ErrUnknownCipherSuite) {
		t.Fatalf("expected ErrUnknownCipherSuite, got %v", err)
	}
	if ids, err := session.ParseCipherSuites(nil); err != nil || ids != nil {
		t.Fatalf("empty list should keep defaults, got (%v,%v)", ids, err)
	}
}

func TestDialMutualTLS(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "testhost-ca")
	serverTLS, clientTLS := ca.MutualTLS(t, "localhost")

	serverCfg := session.DefaultConfig()
	serverCfg.TLS = serverTLS
	tlsCfg, err := serverCfg.ServerTLSConfig()
	if err != nil {
		t.Fatalf("server tls config: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv := tls.Server(conn, tlsCfg)
		serveOnce(t, srv, func(frame.Frame) (uint32, []tlv.Field, string) {
			return schema.MsgProcessInfoResult, session.ProcessInfoResultFields(1), ""
		})
	}()

	clientCfg := session.DefaultConfig()
	clientCfg.Channel = "tcp://" + ln.Addr().String()
	clientCfg.TLS = clientTLS
	if err := clientCfg.ValidateClientTransport(); err != nil {
		t.Fatalf("client transport: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := session.Dial(ctx, clientCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, _, err := session.Exchange(ctx, conn, clientCfg, 1, schema.MsgProcessInfo, session.ProcessInfoFields("")); err != nil {
		t.Fatalf("exchange over tls: %v", err)
	}
}
