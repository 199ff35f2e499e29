// Package remotetest adapts the remote invoker to testing.TB so a test can
// run an entry out of process in one line.
package remotetest

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/testhost/internal/config"
	"github.com/danmuck/testhost/internal/host"
	"github.com/danmuck/testhost/internal/invoke"
	"github.com/danmuck/testhost/internal/platform"
)

// EnvConfig names a config file to load instead of the defaults.
const EnvConfig = "TESTHOST_CONFIG"

// Harness is the host selection made once per test binary.
type Harness struct {
	Invoker invoke.Invoker
	Info    platform.Info
	Options []invoke.Option
}

var (
	harnessOnce sync.Once
	harness     *Harness
	harnessErr  error
)

// Default loads EnvConfig (or the defaults), detects the platform and
// selects a host. The result is shared by every caller in the process.
func Default() (*Harness, error) {
	harnessOnce.Do(func() {
		harness, harnessErr = newHarness(os.Getenv(EnvConfig))
	})
	return harness, harnessErr
}

func newHarness(path string) (*Harness, error) {
	cfg := config.Default()
	if path = strings.TrimSpace(path); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	info := platform.NewDetector().Detect(context.Background())
	inv, err := host.Select(cfg, info)
	if err != nil {
		return nil, err
	}
	return &Harness{Invoker: inv, Info: info, Options: cfg.InvokeOptions()}, nil
}

// Run invokes fn on the harness host. Per-call opts override the config.
func (h *Harness) Run(t testing.TB, fn any, args []string, opts ...invoke.Option) invoke.Result {
	t.Helper()
	all := append(append([]invoke.Option(nil), h.Options...), opts...)
	return Invoke(t, h.Invoker, fn, args, all...)
}

// Invoke runs fn through inv and fails t with the full error, including the
// child's log on an exit code mismatch.
func Invoke(t testing.TB, inv invoke.Invoker, fn any, args []string, opts ...invoke.Option) invoke.Result {
	t.Helper()
	res, err := invoke.Run(t.Context(), inv, fn, args, opts...)
	if err != nil {
		t.Fatalf("remote invoke on %s: %v", inv.Name(), err)
	}
	return res
}

// SkipUnless skips t when pred does not hold for info.
func SkipUnless(t testing.TB, info platform.Info, pred func(platform.Info) bool, reason string) {
	t.Helper()
	if !pred(info) {
		t.Skipf("skipping on %s: %s", info.Identity(), reason)
	}
}
