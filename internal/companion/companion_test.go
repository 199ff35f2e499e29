package companion

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/testhost/internal/config"
	"github.com/danmuck/testhost/internal/host"
	"github.com/danmuck/testhost/internal/invoke"
	"github.com/danmuck/testhost/internal/platform"
	"github.com/danmuck/testhost/internal/protocol/schema"
	"github.com/danmuck/testhost/internal/protocol/session"
	"github.com/danmuck/testhost/internal/protocol/tlv"
	"github.com/danmuck/testhost/internal/testutil/testlog"
	"github.com/danmuck/testhost/internal/testutil/tlstest"
)

func echoCode(code string) int {
	n, _ := strconv.Atoi(code)
	return n
}

func failing() int { panic("socket closed") }

func unregistered() int { return invoke.SuccessExitCode }

var stalled = make(chan int)

// stall never reports a result.
func stall() <-chan int { return stalled }

func TestMain(m *testing.M) {
	invoke.MustRegister(echoCode, failing, stall)
	os.Exit(m.Run())
}

// startServer serves backend on an ephemeral tcp channel and returns the
// client-side session config for it.
func startServer(t *testing.T, cfg session.Config, backend invoke.Invoker) (*Server, session.Config) {
	t.Helper()
	cfg.Channel = "tcp://127.0.0.1:0"
	return serve(t, New(cfg, backend))
}

// serve runs an already configured srv until the test ends.
func serve(t *testing.T, srv *Server) (*Server, session.Config) {
	t.Helper()
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})

	client := srv.Session
	client.Channel = "tcp://" + ln.Addr().String()
	return srv, client
}

func TestInvokeOverChannel(t *testing.T) {
	testlog.Start(t)
	_, client := startServer(t, session.DefaultConfig(), invoke.Local{})

	for _, want := range []int{0, 1, 42, -1, -45, 255} {
		res, err := invoke.Run(context.Background(), host.Companion{Session: client}, echoCode,
			[]string{strconv.Itoa(want)}, invoke.WithExpectedExitCode(want))
		if err != nil {
			t.Fatalf("run %d: %v", want, err)
		}
		if res.ExitCode != want || res.HostPID != os.Getpid() {
			t.Fatalf("unexpected result for %d: %+v", want, res)
		}
	}
}

func TestMismatchCarriesRemoteLog(t *testing.T) {
	testlog.Start(t)
	_, client := startServer(t, session.DefaultConfig(), invoke.Local{})

	_, err := invoke.Run(context.Background(), host.Companion{Session: client}, failing, nil)
	var mismatch *invoke.ExitCodeError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ExitCodeError, got %v", err)
	}
	if mismatch.Actual != 1 || !strings.Contains(mismatch.Log, "socket closed") {
		t.Fatalf("unexpected mismatch: %+v", mismatch)
	}
}

func TestStatusesSurfaceAsHostErrors(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.AuthToken = "s3cret"
	_, client := startServer(t, cfg, invoke.Local{})

	wrong := client
	wrong.AuthToken = "nope"
	tests := []struct {
		name   string
		cfg    session.Config
		fn     any
		args   []string
		status string
	}{
		{name: "bad token", cfg: wrong, fn: echoCode, args: []string{"42"}, status: session.StatusUnauthorized},
		{name: "entry missing on companion", cfg: client, fn: unregistered, status: session.StatusUnknownRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := invoke.Run(context.Background(), host.Companion{Session: tc.cfg}, tc.fn, tc.args)
			var hostErr *invoke.HostError
			if !errors.As(err, &hostErr) || hostErr.Status != tc.status {
				t.Fatalf("expected status %s, got %v", tc.status, err)
			}
		})
	}
}

func exchangeRaw(t *testing.T, cfg session.Config, msgType uint32, fields []tlv.Field) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := session.Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, _, err = session.Exchange(ctx, conn, cfg, 7, msgType, fields)
	return err
}

func TestMalformedRequests(t *testing.T) {
	testlog.Start(t)
	_, client := startServer(t, session.DefaultConfig(), invoke.Local{})

	relative, err := session.InvokeFields(session.InvokeRequest{
		AssemblyName: "net.test",
		TypeName:     "example.com/net",
		MethodName:   "probe",
	})
	if err != nil {
		t.Fatalf("fields: %v", err)
	}

	tests := []struct {
		name    string
		msgType uint32
		fields  []tlv.Field
		status  string
	}{
		{name: "unknown type", msgType: 99, fields: nil, status: session.StatusUnknownRequest},
		{name: "missing fields", msgType: schema.MsgInvoke, fields: []tlv.Field{tlv.String(schema.FieldRequestType, schema.RequestRemoteInvoke)}, status: session.StatusBadRequest},
		{name: "wrong request type", msgType: schema.MsgProcessInfo, fields: []tlv.Field{tlv.String(schema.FieldRequestType, "Shutdown")}, status: session.StatusBadRequest},
		{name: "relative assembly", msgType: schema.MsgInvoke, fields: relative, status: session.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := exchangeRaw(t, client, tc.msgType, tc.fields)
			var remote *session.RemoteError
			if !errors.As(err, &remote) || remote.Status != tc.status {
				t.Fatalf("expected remote status %s, got %v", tc.status, err)
			}
		})
	}
}

func TestConnectionServesSequentialRequests(t *testing.T) {
	testlog.Start(t)
	_, client := startServer(t, session.DefaultConfig(), invoke.Local{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := session.Dial(ctx, client)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	for id := uint64(1); id <= 3; id++ {
		msgType, fields, err := session.Exchange(ctx, conn, client, id, schema.MsgProcessInfo, session.ProcessInfoFields(""))
		if err != nil {
			t.Fatalf("exchange %d: %v", id, err)
		}
		if msgType != schema.MsgProcessInfoResult {
			t.Fatalf("unexpected response type %d", msgType)
		}
		pid, err := session.DecodeProcessInfoResult(fields)
		if err != nil || pid != os.Getpid() {
			t.Fatalf("unexpected pid %d err=%v", pid, err)
		}
	}
}

func TestTLSChannelChecksServerName(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "testhost-ca")
	serverTLS, clientTLS := ca.MutualTLS(t, "companion.test")

	cfg := session.DefaultConfig()
	cfg.TLS = serverTLS
	cfg.RequireServerName = "companion.test"
	_, client := startServer(t, cfg, invoke.Local{})
	client.TLS = clientTLS

	if _, err := invoke.Run(context.Background(), host.Companion{Session: client}, echoCode, []string{"42"}); err != nil {
		t.Fatalf("run over tls: %v", err)
	}

	cfg.RequireServerName = "other.test"
	_, strict := startServer(t, cfg, invoke.Local{})
	strict.TLS = clientTLS
	_, err := invoke.Run(context.Background(), host.Companion{Session: strict}, echoCode, []string{"42"})
	var hostErr *invoke.HostError
	if !errors.As(err, &hostErr) || hostErr.Status != session.StatusRemoteSystemUnavailable {
		t.Fatalf("expected rejected handshake, got %v", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	srv := New(session.Config{Channel: "tcp://127.0.0.1:0"}, invoke.Local{})
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
	if srv.Ready() {
		t.Fatalf("server should report not ready after cancel")
	}
	if _, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second); err == nil {
		t.Fatalf("listener still accepting")
	}
}

func TestStatusRouter(t *testing.T) {
	testlog.Start(t)
	srv := New(session.DefaultConfig(), invoke.Local{})
	info := platform.Info{GOOS: "linux", GOARCH: "arm64", DistroID: "ubuntu", DistroVersion: "22.04"}
	router := srv.StatusRouter(info, []string{"http://localhost:3000"})

	for _, path := range []string{"/health", "/ready", "/info", "/metrics"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode /info: %v", err)
	}
	if body["identity"] != "Distro=ubuntu VersionId=22.04" {
		t.Fatalf("unexpected identity %v", body["identity"])
	}
}

type countingInvoker struct{ calls int }

func (c *countingInvoker) Name() string { return "counting" }

func (c *countingInvoker) Invoke(context.Context, invoke.Request, invoke.Settings) (invoke.Result, error) {
	c.calls++
	return invoke.Result{ExitCode: 7}, nil
}

func TestBackendRoutesOwnBinaryInProcess(t *testing.T) {
	testlog.Start(t)
	spawn := &countingInvoker{}
	backend := NewBackend(spawn)

	own, err := invoke.NewRequest(echoCode, "5")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	res, err := backend.Invoke(context.Background(), own, invoke.DefaultSettings())
	if err != nil || res.ExitCode != 5 || spawn.calls != 0 {
		t.Fatalf("expected in-process result 5, got %+v err=%v calls=%d", res, err, spawn.calls)
	}

	other := own
	other.AssemblyName = "/opt/tests/other.test"
	res, err = backend.Invoke(context.Background(), other, invoke.DefaultSettings())
	if err != nil || res.ExitCode != 7 || spawn.calls != 1 {
		t.Fatalf("expected spawned result 7, got %+v err=%v calls=%d", res, err, spawn.calls)
	}
	if backend.Name() != "counting" {
		t.Fatalf("unexpected backend name %q", backend.Name())
	}
}

func TestChannelTimeout(t *testing.T) {
	testlog.Start(t)
	_, client := startServer(t, session.DefaultConfig(), invoke.Local{})

	start := time.Now()
	_, err := invoke.Run(context.Background(), host.Companion{Session: client}, stall, nil,
		invoke.WithTimeout(300*time.Millisecond))
	var hostErr *invoke.HostError
	if !errors.As(err, &hostErr) || hostErr.Status != session.StatusTimeout {
		t.Fatalf("expected timeout host error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout not honored promptly: %s", elapsed)
	}
}

type recordingInvoker struct {
	mu       sync.Mutex
	settings invoke.Settings
	deadline time.Duration
}

func (r *recordingInvoker) Name() string { return "recording" }

func (r *recordingInvoker) Invoke(ctx context.Context, _ invoke.Request, settings invoke.Settings) (invoke.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = settings
	if deadline, ok := ctx.Deadline(); ok {
		r.deadline = time.Until(deadline)
	}
	return invoke.Result{ExitCode: invoke.SuccessExitCode}, nil
}

func TestServerRelaysBudgetAndLogCap(t *testing.T) {
	testlog.Start(t)
	backend := &recordingInvoker{}
	cfg := session.DefaultConfig()
	cfg.Channel = "tcp://127.0.0.1:0"
	srv := New(cfg, backend)
	srv.MaxLogBytes = 64
	_, client := serve(t, srv)

	if _, err := invoke.Run(context.Background(), host.Companion{Session: client}, echoCode, []string{"42"},
		invoke.WithTimeout(2*time.Second)); err != nil {
		t.Fatalf("run: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.settings.MaxLogBytes != 64 || backend.settings.CheckExitCode {
		t.Fatalf("unexpected backend settings: %+v", backend.settings)
	}
	if backend.settings.Timeout <= 0 || backend.settings.Timeout > 2*time.Second {
		t.Fatalf("expected caller budget to be relayed, got %s", backend.settings.Timeout)
	}
	if backend.deadline <= 0 || backend.deadline > 2*time.Second {
		t.Fatalf("expected backend deadline within caller budget, got %s", backend.deadline)
	}
}

func TestClientRefusesInsecureTransport(t *testing.T) {
	testlog.Start(t)
	srv, client := startServer(t, session.DefaultConfig(), invoke.Local{})

	plaintext := client
	plaintext.SecurityMode = session.SecurityModeProduction
	plaintext.TLS.InsecureSkipVerify = true

	noCA := client
	noCA.TLS.Enabled = true

	tests := []struct {
		name string
		cfg  session.Config
		want error
	}{
		{name: "production without tls", cfg: plaintext, want: session.ErrTLSRequired},
		{name: "tls without ca", cfg: noCA, want: session.ErrTLSCAFileRequired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			comp := host.Companion{Session: tc.cfg}
			_, err := invoke.Run(context.Background(), comp, echoCode, []string{"42"})
			var hostErr *invoke.HostError
			if !errors.As(err, &hostErr) || hostErr.Status != session.StatusRemoteSystemUnavailable {
				t.Fatalf("expected RemoteSystemUnavailable, got %v", err)
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if _, err := comp.Ping(context.Background()); !errors.Is(err, tc.want) {
				t.Fatalf("ping: expected %v, got %v", tc.want, err)
			}
		})
	}
	if n := srv.served.Load(); n != 0 {
		t.Fatalf("server answered %d requests over a refused transport", n)
	}
}

func TestTokenFromSharedConfigFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "testhost.toml")
	if err := os.WriteFile(path, []byte("[companion]\nauth_token = \"secret \"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	_, client := startServer(t, cfg.Session(), invoke.Local{})
	if _, err := invoke.Run(context.Background(), host.Companion{Session: client}, echoCode, []string{"42"}); err != nil {
		t.Fatalf("run with shared token: %v", err)
	}
}
