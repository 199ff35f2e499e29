//go:build !unix && !windows

package platform

import "errors"

// HostSystem reports nothing on targets without uname or RtlGetVersion.
type HostSystem struct{}

func (HostSystem) KernelRelease() (string, error) {
	return "", errors.ErrUnsupported
}

func (HostSystem) NTVersion() (Version, error) {
	return ZeroVersion, errors.ErrUnsupported
}

func (HostSystem) Privileged() bool {
	return false
}
