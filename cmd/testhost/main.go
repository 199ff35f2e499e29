// Command testhost inspects the local platform, checks a companion channel
// and runs a single entry of a test binary the way a test would.
//
//	testhost info
//	testhost ping [-config file] [-channel name]
//	testhost invoke [-config file] -assembly bin -type pkg -method fn [args...]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/danmuck/testhost/internal/config"
	"github.com/danmuck/testhost/internal/host"
	"github.com/danmuck/testhost/internal/invoke"
	"github.com/danmuck/testhost/internal/logging"
	"github.com/danmuck/testhost/internal/platform"
	"github.com/google/uuid"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "info":
		err = runInfo(ctx)
	case "ping":
		err = runPing(ctx, os.Args[2:])
	case "invoke":
		err = runInvoke(ctx, os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "testhost: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "testhost: %v\n", err)
		var mismatch *invoke.ExitCodeError
		if errors.As(err, &mismatch) {
			os.Exit(1)
		}
		os.Exit(3)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: testhost info | ping [flags] | invoke [flags] [args...]")
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runInfo(ctx context.Context) error {
	info := platform.NewDetector().Detect(ctx)
	out := map[string]any{
		"identity":        info.Identity(),
		"goos":            info.GOOS,
		"goarch":          info.GOARCH,
		"distro_id":       info.DistroID,
		"distro_version":  info.DistroVersion,
		"version":         info.Version.String(),
		"kernel_release":  info.KernelRelease,
		"openssl_version": info.OpenSSLVersion.String(),
		"privileged":      info.Privileged,
		"process_spawn":   info.SupportsProcessSpawn(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runPing(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	configPath := fs.String("config", "", "config file")
	channel := fs.String("channel", "", "override companion.channel")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *channel != "" {
		cfg.Companion.Channel = *channel
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Companion.ConnectTimeout+cfg.Companion.ReadTimeout)
	defer cancel()

	start := time.Now()
	pid, err := host.Companion{Session: cfg.Session()}.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("companion on %s: pid=%d rtt=%s\n", cfg.Companion.Channel, pid, time.Since(start).Round(time.Microsecond))
	return nil
}

func runInvoke(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("invoke", flag.ExitOnError)
	configPath := fs.String("config", "", "config file")
	assembly := fs.String("assembly", "", "test binary holding the entry")
	typeName := fs.String("type", "", "package path of the entry")
	method := fs.String("method", "", "function name of the entry")
	expect := fs.Int("expect", invoke.SuccessExitCode, "expected exit code")
	timeout := fs.Duration("timeout", 0, "override timeout")
	sudo := fs.Bool("sudo", false, "run the child through sudo -n")
	_ = fs.Parse(args)

	if *assembly == "" || *typeName == "" || *method == "" {
		return fmt.Errorf("invoke: -assembly, -type and -method are required")
	}
	exe, err := filepath.Abs(*assembly)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	info := platform.NewDetector().Detect(ctx)
	inv, err := host.Select(cfg, info)
	if err != nil {
		return err
	}

	opts := append(cfg.InvokeOptions(), invoke.WithExpectedExitCode(*expect), invoke.WithTimeout(*timeout))
	if *sudo {
		opts = append(opts, invoke.WithSudo())
	}
	req := invoke.Request{
		ID:           uuid.NewString(),
		AssemblyName: exe,
		TypeName:     *typeName,
		MethodName:   *method,
		Args:         fs.Args(),
	}
	res, err := invoke.Execute(ctx, inv, req, opts...)
	if err != nil {
		return err
	}
	if res.Log != "" {
		fmt.Println(res.Log)
	}
	fmt.Printf("%s on %s: exit=%d duration=%s\n", req.Name(), inv.Name(), res.ExitCode, res.Duration.Round(time.Millisecond))
	return nil
}
