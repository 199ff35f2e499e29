// Command testhostd is the companion service. It listens on a named channel
// and runs requested entries as child processes on this device.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/testhost/internal/companion"
	"github.com/danmuck/testhost/internal/config"
	"github.com/danmuck/testhost/internal/host"
	"github.com/danmuck/testhost/internal/observability"
	"github.com/danmuck/testhost/internal/platform"
)

func main() {
	configPath := flag.String("config", "", "config file (toml, yaml); defaults apply when empty")
	channel := flag.String("channel", "", "override companion.channel")
	flag.Parse()

	if err := run(*configPath, *channel); err != nil {
		fmt.Fprintf(os.Stderr, "testhostd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, channel string) error {
	logger := observability.InitLogger("testhostd")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if channel != "" {
		cfg.Companion.Channel = channel
		if err := config.Validate(cfg); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	info := platform.NewDetector().Detect(ctx)
	logger.Info().Str("platform", info.Identity()).Bool("privileged", info.Privileged).Msg("testhostd.platform")

	srv := companion.New(cfg.Session(), companion.NewBackend(host.Process{}))
	srv.MaxLogBytes = cfg.MaxLogBytes
	ln, err := srv.Listen()
	if err != nil {
		return err
	}

	var httpSrv *http.Server
	httpErr := make(chan error, 1)
	if cfg.Companion.StatusAddr != "" {
		httpSrv = &http.Server{
			Addr:              cfg.Companion.StatusAddr,
			Handler:           srv.StatusRouter(info, cfg.Companion.CORSOrigins),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", httpSrv.Addr).Msg("testhostd.status listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
				stop()
			}
		}()
	}

	serveErr := srv.Serve(ctx, ln)

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	select {
	case err := <-httpErr:
		return fmt.Errorf("status http: %w", err)
	default:
	}
	logger.Info().Msg("testhostd.stopped")
	return serveErr
}
