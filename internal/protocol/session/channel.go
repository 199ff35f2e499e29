package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidChannel = errors.New("session: invalid channel name")

// Address is a resolved channel endpoint.
type Address struct {
	Network string // "unix" or "tcp"
	Addr    string
}

func (a Address) String() string {
	return a.Network + "://" + a.Addr
}

// ResolveChannel maps a channel name to an endpoint:
//
//	unix:///run/testhost.sock -> unix socket at that path
//	tcp://127.0.0.1:7420      -> tcp address
//	net-tests                 -> unix socket $TMPDIR/testhost-net-tests.sock
func ResolveChannel(name string) (Address, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidChannel)
	case strings.HasPrefix(name, "unix://"):
		path := strings.TrimPrefix(name, "unix://")
		if path == "" {
			return Address{}, fmt.Errorf("%w: %q has no path", ErrInvalidChannel, name)
		}
		return Address{Network: "unix", Addr: path}, nil
	case strings.HasPrefix(name, "tcp://"):
		hostport := strings.TrimPrefix(name, "tcp://")
		if _, _, err := net.SplitHostPort(hostport); err != nil {
			return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidChannel, name, err)
		}
		return Address{Network: "tcp", Addr: hostport}, nil
	case strings.Contains(name, "://"):
		return Address{}, fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidChannel, name)
	case strings.ContainsAny(name, `/\`):
		return Address{}, fmt.Errorf("%w: %q contains a path separator", ErrInvalidChannel, name)
	}
	return Address{Network: "unix", Addr: filepath.Join(os.TempDir(), "testhost-"+name+".sock")}, nil
}

// Listen opens the raw channel listener. A stale unix socket file left by a
// previous daemon is removed first.
func Listen(addr Address) (net.Listener, error) {
	if addr.Network == "unix" {
		if err := os.Remove(addr.Addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return net.Listen(addr.Network, addr.Addr)
}

// Dial connects to cfg.Channel, wrapping the connection in TLS when enabled.
// Client transport settings are validated before any connection is made.
func Dial(ctx context.Context, cfg Config) (net.Conn, error) {
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	addr, err := ResolveChannel(cfg.Channel)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, addr.Network, addr.Addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return conn, nil
	}

	host := "localhost"
	if addr.Network == "tcp" {
		if h, _, err := net.SplitHostPort(addr.Addr); err == nil {
			host = h
		}
	}
	tlsCfg, err := cfg.ClientTLSConfig(host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tlsConn, nil
}
