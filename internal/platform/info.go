package platform

import (
	"fmt"
	"strings"
)

// Info is a snapshot of the host taken once by Detector.Detect and passed to
// whatever needs to gate on it.
type Info struct {
	GOOS   string
	GOARCH string

	// DistroID and DistroVersion come from os-release ID and VERSION_ID.
	DistroID      string
	DistroVersion string

	// Version is the OS version: VERSION_ID on linux, the product version
	// on darwin, the NT build triple on windows.
	Version        Version
	KernelRelease  string
	OpenSSLVersion Version
	Privileged     bool
}

// Identity renders the diagnostic identity line.
func (i Info) Identity() string {
	switch i.GOOS {
	case "linux":
		return fmt.Sprintf("Distro=%s VersionId=%s", i.DistroID, i.DistroVersion)
	case "darwin":
		return fmt.Sprintf("OSX Version=%s", i.Version)
	default:
		return fmt.Sprintf("%s Version=%s", i.GOOS, i.Version)
	}
}

func (i Info) IsLinux() bool   { return i.GOOS == "linux" }
func (i Info) IsOSX() bool     { return i.GOOS == "darwin" }
func (i Info) IsWindows() bool { return i.GOOS == "windows" }

func (i Info) IsARM() bool {
	return i.GOARCH == "arm" || i.GOARCH == "arm64"
}

func (i Info) Is64Bit() bool {
	switch i.GOARCH {
	case "amd64", "arm64", "ppc64", "ppc64le", "mips64", "mips64le", "riscv64", "s390x", "loong64", "wasm":
		return true
	}
	return false
}

// IsDistro reports whether the os-release ID matches any of ids.
func (i Info) IsDistro(ids ...string) bool {
	if !i.IsLinux() {
		return false
	}
	for _, id := range ids {
		if strings.EqualFold(i.DistroID, id) {
			return true
		}
	}
	return false
}

// IsDistroVersion matches the distro ID and the major component of its version.
func (i Info) IsDistroVersion(id string, major int) bool {
	return i.IsDistro(id) && ParseVersion(i.DistroVersion).Major == major
}

func (i Info) IsRedHatFamily() bool {
	return i.IsDistro("rhel", "centos", "fedora", "rocky", "almalinux", "ol")
}

func (i Info) IsPrivileged() bool {
	return i.Privileged
}

// SupportsProcessSpawn is false on targets where a test binary cannot start
// a child process and must go through a companion service instead.
func (i Info) SupportsProcessSpawn() bool {
	switch i.GOOS {
	case "ios", "js", "wasip1":
		return false
	}
	return true
}

// OpenSSLAtLeast is false when OpenSSL was not found.
func (i Info) OpenSSLAtLeast(v Version) bool {
	return !i.OpenSSLVersion.IsZero() && i.OpenSSLVersion.AtLeast(v)
}
