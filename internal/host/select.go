package host

import (
	"fmt"

	"github.com/danmuck/testhost/internal/config"
	"github.com/danmuck/testhost/internal/invoke"
	"github.com/danmuck/testhost/internal/platform"
	"github.com/rs/zerolog/log"
)

// Select picks the one Invoker a run uses. Auto mode spawns processes
// where the platform allows it and falls back to the companion channel.
func Select(cfg config.Config, info platform.Info) (invoke.Invoker, error) {
	var inv invoke.Invoker
	switch cfg.Mode {
	case config.ModeProcess:
		inv = Process{}
	case config.ModeCompanion:
		inv = Companion{Session: cfg.Session()}
	case config.ModeSSH:
		inv = SSH{
			Host:                        cfg.SSH.Host,
			Port:                        cfg.SSH.Port,
			User:                        cfg.SSH.User,
			KeyPath:                     cfg.SSH.KeyPath,
			KnownHostsPath:              cfg.SSH.KnownHostsPath,
			InsecureSkipHostKeyChecking: cfg.SSH.InsecureSkipHostKeyChecking,
			Timeout:                     cfg.SSH.Timeout,
			RemoteBinary:                cfg.SSH.RemoteBinary,
		}
	case config.ModeAuto, "":
		if info.SupportsProcessSpawn() {
			inv = Process{}
		} else {
			inv = Companion{Session: cfg.Session()}
		}
	default:
		return nil, fmt.Errorf("host: unknown mode %q", cfg.Mode)
	}
	log.Debug().Str("mode", string(cfg.Mode)).Str("host", inv.Name()).Str("platform", info.Identity()).Msg("host.selected")
	return inv, nil
}
