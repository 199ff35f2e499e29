package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/testhost/internal/invoke"
	"github.com/danmuck/testhost/internal/protocol/session"
	"github.com/danmuck/testhost/internal/tools"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"mvdan.cc/sh/v3/syntax"
)

// SSH runs the child command on a remote device. The test binary must
// already be present there, at RemoteBinary or at the local AssemblyName.
type SSH struct {
	Host                        string
	Port                        string
	User                        string
	KeyPath                     string
	Passphrase                  []byte
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
	Timeout                     time.Duration
	RemoteBinary                string
}

func (SSH) Name() string { return "ssh" }

func (s SSH) Invoke(ctx context.Context, req invoke.Request, settings invoke.Settings) (invoke.Result, error) {
	command, err := s.command(req, settings)
	if err != nil {
		return invoke.Result{}, &invoke.HostError{Host: s.Name(), Status: session.StatusBadRequest, Message: "quote command", Err: err}
	}

	client, err := s.dial(ctx)
	if err != nil {
		return invoke.Result{}, &invoke.HostError{Host: s.Name(), Status: session.StatusRemoteSystemUnavailable, Message: "dial " + s.Host, Err: err}
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return invoke.Result{}, &invoke.HostError{Host: s.Name(), Status: session.StatusRemoteSystemUnavailable, Message: "open session", Err: err}
	}
	defer sess.Close()

	// stdout is kept whole so the trailing exit-code marker survives
	var stdout, stderr bytes.Buffer
	errCapture := &tools.LimitWriter{Buf: &stderr, Limit: settings.MaxLogBytes}
	sess.Stdout = &stdout
	sess.Stderr = errCapture

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = client.Close()
		<-done
		return invoke.Result{Duration: time.Since(start)}, &invoke.HostError{Host: s.Name(), Status: session.StatusTimeout, Message: "remote child killed", Err: ctx.Err()}
	case runErr = <-done:
	}

	code, logText, ok := invoke.ParseMarker(stdout.Bytes())
	if stderr.Len() > 0 {
		logText = strings.TrimRight(logText+"\n"+captured(&stderr, errCapture.Truncated()), "\n")
	}
	if len(logText) > settings.MaxLogBytes && settings.MaxLogBytes > 0 {
		logText = logText[:settings.MaxLogBytes] + "\n[output truncated]"
	}
	res := invoke.Result{Log: logText, Duration: time.Since(start)}
	if ok {
		res.ExitCode = code
		return res, nil
	}

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
		res.ExitCode = 0
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	case expired(ctx):
		// the conn deadline can surface as a transport error before ctx.Done is seen
		return res, &invoke.HostError{Host: s.Name(), Status: session.StatusTimeout, Message: "remote run timed out", Err: runErr}
	default:
		return res, &invoke.HostError{Host: s.Name(), Status: session.StatusInvokeFailed, Message: "remote run", Err: runErr}
	}
	return res, nil
}

// expired reports whether ctx is done or its deadline has already passed.
func expired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	deadline, ok := ctx.Deadline()
	return ok && !time.Now().Before(deadline)
}

// command renders the remote shell line, each word quoted for bash.
func (s SSH) command(req invoke.Request, settings invoke.Settings) (string, error) {
	binary := req.AssemblyName
	if strings.TrimSpace(s.RemoteBinary) != "" {
		binary = s.RemoteBinary
	}
	words := make([]string, 0, 8+len(settings.Env)+len(req.Args))
	if settings.Sudo {
		words = append(words, "sudo", "-n")
	}
	words = append(words, "env", invoke.EnvInvoke+"="+invoke.ReportStdout)
	words = append(words, settings.Env...)
	words = append(words, binary)
	words = append(words, invoke.ChildArgs(req)...)

	quoted := make([]string, len(words))
	for i, w := range words {
		q, err := syntax.Quote(w, syntax.LangBash)
		if err != nil {
			return "", fmt.Errorf("host: quote %q: %w", w, err)
		}
		quoted[i] = q
	}
	return strings.Join(quoted, " "), nil
}

func (s SSH) dial(ctx context.Context) (*ssh.Client, error) {
	address, err := s.address()
	if err != nil {
		return nil, err
	}
	config, err := s.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: s.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (s SSH) address() (string, error) {
	host := strings.TrimSpace(s.Host)
	if host == "" {
		return "", fmt.Errorf("host: ssh host is required")
	}
	if s.Port != "" {
		return net.JoinHostPort(host, s.Port), nil
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}
	return net.JoinHostPort(host, "22"), nil
}

func (s SSH) clientConfig() (*ssh.ClientConfig, error) {
	if s.User == "" {
		return nil, fmt.Errorf("host: ssh user is required")
	}
	signer, err := s.signer()
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if s.InsecureSkipHostKeyChecking {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		path := strings.TrimSpace(s.KnownHostsPath)
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("host: known hosts path not set and home dir unavailable")
			}
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
		if hostKeyCallback, err = knownhosts.New(path); err != nil {
			return nil, err
		}
	}

	return &ssh.ClientConfig{
		User:            s.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.Timeout,
	}, nil
}

func (s SSH) signer() (ssh.Signer, error) {
	if s.KeyPath == "" {
		return nil, fmt.Errorf("host: ssh key path is required")
	}
	privateKey, err := os.ReadFile(s.KeyPath)
	if err != nil {
		return nil, err
	}
	if len(s.Passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, s.Passphrase)
	}
	return ssh.ParsePrivateKey(privateKey)
}
