package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/testhost/internal/invoke"
	"github.com/danmuck/testhost/internal/protocol/frame"
	"github.com/danmuck/testhost/internal/protocol/session"
)

type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeProcess   Mode = "process"
	ModeCompanion Mode = "companion"
	ModeSSH       Mode = "ssh"
)

// Config is the harness configuration shared by tests, testhost and testhostd.
type Config struct {
	Mode             Mode
	ExpectedExitCode int
	Timeout          time.Duration
	MaxLogBytes      int
	Companion        CompanionConfig
	SSH              SSHConfig
}

type CompanionConfig struct {
	Channel           string
	AuthToken         string
	StatusAddr        string
	CORSOrigins       []string
	RequireServerName string
	SecurityMode      string
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	TLS               TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
	CipherSuites       []string
}

type SSHConfig struct {
	Host                        string
	Port                        string
	User                        string
	KeyPath                     string
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
	Timeout                     time.Duration
	RemoteBinary                string
}

func Default() Config {
	sessionDefaults := session.DefaultConfig()
	return Config{
		Mode:             ModeAuto,
		ExpectedExitCode: invoke.SuccessExitCode,
		Timeout:          invoke.DefaultTimeout,
		MaxLogBytes:      invoke.DefaultMaxLogBytes,
		Companion: CompanionConfig{
			Channel:        sessionDefaults.Channel,
			StatusAddr:     "127.0.0.1:7421",
			SecurityMode:   string(session.SecurityModeDevelopment),
			ConnectTimeout: sessionDefaults.ConnectTimeout,
			ReadTimeout:    sessionDefaults.ReadTimeout,
			WriteTimeout:   sessionDefaults.WriteTimeout,
		},
		SSH: SSHConfig{
			Port:    "22",
			Timeout: 10 * time.Second,
		},
	}
}

// Session converts the companion block into a channel config.
func (c Config) Session() session.Config {
	return session.Config{
		Channel:           c.Companion.Channel,
		AuthToken:         strings.TrimSpace(c.Companion.AuthToken),
		ConnectTimeout:    c.Companion.ConnectTimeout,
		ReadTimeout:       c.Companion.ReadTimeout,
		WriteTimeout:      c.Companion.WriteTimeout,
		SecurityMode:      session.SecurityMode(c.Companion.SecurityMode),
		RequireServerName: c.Companion.RequireServerName,
		Limits:            frame.DefaultLimits(),
		TLS: session.TLSConfig{
			Enabled:            c.Companion.TLS.Enabled,
			Mutual:             c.Companion.TLS.Mutual,
			CertFile:           c.Companion.TLS.CertFile,
			KeyFile:            c.Companion.TLS.KeyFile,
			CAFile:             c.Companion.TLS.CAFile,
			ServerName:         c.Companion.TLS.ServerName,
			InsecureSkipVerify: c.Companion.TLS.InsecureSkipVerify,
			CipherSuites:       append([]string(nil), c.Companion.TLS.CipherSuites...),
		},
	}
}

// InvokeOptions turns the file-level defaults into per-call options.
func (c Config) InvokeOptions() []invoke.Option {
	return []invoke.Option{
		invoke.WithExpectedExitCode(c.ExpectedExitCode),
		invoke.WithTimeout(c.Timeout),
		invoke.WithMaxLogBytes(c.MaxLogBytes),
	}
}

func Validate(cfg Config) error {
	switch cfg.Mode {
	case ModeAuto, ModeProcess, ModeCompanion, ModeSSH:
	default:
		return fmt.Errorf("config: unknown mode %q", cfg.Mode)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("config: timeout must be positive")
	}
	if cfg.MaxLogBytes <= 0 {
		return fmt.Errorf("config: max_log_bytes must be positive")
	}
	if _, err := session.ResolveChannel(cfg.Companion.Channel); err != nil {
		return fmt.Errorf("config: companion.channel: %w", err)
	}
	if _, err := session.ParseCipherSuites(cfg.Companion.TLS.CipherSuites); err != nil {
		return fmt.Errorf("config: companion.tls.cipher_suites: %w", err)
	}
	if cfg.Mode == ModeSSH {
		if strings.TrimSpace(cfg.SSH.Host) == "" {
			return fmt.Errorf("config: ssh.host is required in ssh mode")
		}
		if strings.TrimSpace(cfg.SSH.User) == "" {
			return fmt.Errorf("config: ssh.user is required in ssh mode")
		}
		if strings.TrimSpace(cfg.SSH.KeyPath) == "" {
			return fmt.Errorf("config: ssh.key_path is required in ssh mode")
		}
	}
	return nil
}
