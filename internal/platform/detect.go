package platform

import (
	"bufio"
	"bytes"
	"context"
	"io/fs"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/danmuck/testhost/internal/tools"
	"github.com/rs/zerolog/log"
)

const probeTimeout = 5 * time.Second

// System exposes the probes that need syscalls. HostSystem is the real one.
type System interface {
	KernelRelease() (string, error)
	// NTVersion is only consulted when GOOS is windows.
	NTVersion() (Version, error)
	Privileged() bool
}

// Detector gathers an Info. Every field is replaceable so tests can point it
// at a fake filesystem and command runner.
type Detector struct {
	FS     fs.FS
	Runner tools.CommandRunner
	System System
	GOOS   string
	GOARCH string
}

// NewDetector returns a Detector wired to the running host.
func NewDetector() Detector {
	return Detector{
		FS:     os.DirFS("/"),
		Runner: tools.ExecRunner{},
		System: HostSystem{},
		GOOS:   runtime.GOOS,
		GOARCH: runtime.GOARCH,
	}
}

// Detect never fails. Probes that cannot read their source leave the
// matching field at ZeroVersion or "".
func (d Detector) Detect(ctx context.Context) Info {
	info := Info{GOOS: d.GOOS, GOARCH: d.GOARCH}

	switch d.GOOS {
	case "linux":
		release := d.osRelease()
		info.DistroID = release["ID"]
		info.DistroVersion = release["VERSION_ID"]
		info.Version = ParseVersion(info.DistroVersion)
	case "darwin":
		info.Version = d.commandVersion(ctx, "sw_vers", "-productVersion")
	case "windows":
		if d.System != nil {
			v, err := d.System.NTVersion()
			if err != nil {
				log.Debug().Err(err).Msg("platform.probe nt version")
			} else {
				info.Version = v
			}
		}
	}

	if d.System != nil {
		kernel, err := d.System.KernelRelease()
		if err != nil {
			log.Debug().Err(err).Msg("platform.probe kernel release")
		}
		info.KernelRelease = kernel
		info.Privileged = d.System.Privileged()
	}
	info.OpenSSLVersion = d.openSSLVersion(ctx)

	log.Debug().
		Str("identity", info.Identity()).
		Str("kernel", info.KernelRelease).
		Str("openssl", info.OpenSSLVersion.String()).
		Bool("privileged", info.Privileged).
		Msg("platform.detect")
	return info
}

// osRelease reads etc/os-release, then usr/lib/os-release.
func (d Detector) osRelease() map[string]string {
	if d.FS == nil {
		return map[string]string{}
	}
	for _, path := range []string{"etc/os-release", "usr/lib/os-release"} {
		data, err := fs.ReadFile(d.FS, path)
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("platform.probe os-release")
			continue
		}
		return ParseOSRelease(data)
	}
	return map[string]string{}
}

// ParseOSRelease parses KEY=value lines, unquoting values.
func ParseOSRelease(data []byte) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		out[strings.TrimSpace(key)] = value
	}
	return out
}

func (d Detector) commandVersion(ctx context.Context, name string, args ...string) Version {
	if d.Runner == nil {
		return ZeroVersion
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	stdout, _, code, err := d.Runner.Run(ctx, name, args...)
	if err != nil || code != 0 {
		log.Debug().Err(err).Str("command", name).Int("exit_code", code).Msg("platform.probe command")
		return ZeroVersion
	}
	return ParseVersion(string(stdout))
}

// openSSLVersion parses "OpenSSL 3.0.2 15 Mar 2022" style output. LibreSSL
// reports its own numbering and is treated as absent.
func (d Detector) openSSLVersion(ctx context.Context) Version {
	if d.Runner == nil {
		return ZeroVersion
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	stdout, _, code, err := d.Runner.Run(ctx, "openssl", "version")
	if err != nil || code != 0 {
		log.Debug().Err(err).Int("exit_code", code).Msg("platform.probe openssl")
		return ZeroVersion
	}
	fields := strings.Fields(string(stdout))
	if len(fields) < 2 || fields[0] != "OpenSSL" {
		return ZeroVersion
	}
	return ParseVersion(fields[1])
}
