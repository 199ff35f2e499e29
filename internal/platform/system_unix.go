//go:build unix

package platform

import (
	"errors"

	"golang.org/x/sys/unix"
)

// HostSystem probes the running kernel.
type HostSystem struct{}

func (HostSystem) KernelRelease() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(uts.Release[:]), nil
}

func (HostSystem) NTVersion() (Version, error) {
	return ZeroVersion, errors.ErrUnsupported
}

func (HostSystem) Privileged() bool {
	return unix.Geteuid() == 0
}
