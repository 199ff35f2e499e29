//go:build windows

package platform

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// HostSystem probes the running kernel.
type HostSystem struct{}

func (s HostSystem) KernelRelease() (string, error) {
	v, err := s.NTVersion()
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// NTVersion uses RtlGetVersion, which is not subject to manifest shimming.
func (HostSystem) NTVersion() (Version, error) {
	info := windows.RtlGetVersion()
	if info == nil || info.MajorVersion == 0 {
		return ZeroVersion, fmt.Errorf("platform: RtlGetVersion returned no data")
	}
	return Version{
		Major: int(info.MajorVersion),
		Minor: int(info.MinorVersion),
		Patch: int(info.BuildNumber),
	}, nil
}

func (HostSystem) Privileged() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}
