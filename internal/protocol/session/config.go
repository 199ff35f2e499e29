package session

import (
	"time"

	"github.com/danmuck/testhost/internal/protocol/frame"
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig is the channel transport security block.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
	// CipherSuites holds IANA suite names; empty keeps the crypto/tls defaults.
	CipherSuites []string
}

// Config describes one companion channel, shared by client and server.
type Config struct {
	Channel        string
	AuthToken      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SecurityMode   SecurityMode
	TLS            TLSConfig
	// RequireServerName rejects connections whose ClientHello names another host.
	RequireServerName string
	Limits            frame.Limits
}

func DefaultConfig() Config {
	return Config{
		Channel:        "default",
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		SecurityMode:   SecurityModeDevelopment,
		Limits:         frame.DefaultLimits(),
	}
}

// FrameLimits falls back to frame defaults when a Config was built by hand.
func (c Config) FrameLimits() frame.Limits {
	if c.Limits.MaxAuthBytes == 0 && c.Limits.MaxPayloadBytes == 0 {
		return frame.DefaultLimits()
	}
	return c.Limits
}
