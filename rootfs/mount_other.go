//go:build !linux && !freebsd

package rootfs

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// HostMounter reports every mount as unsupported.
type HostMounter struct {
	logger *zap.Logger
}

// NewMounter returns the Mounter of the running platform.
func NewMounter(logger *zap.Logger) Mounter {
	return &HostMounter{logger: logger}
}

func unsupported() error {
	return fmt.Errorf("mounts are not supported on %s", runtime.GOOS)
}

// BindMount implements Mounter.
func (m *HostMounter) BindMount(source, target string, readOnly bool) error {
	return unsupported()
}

// MountDevices implements Mounter.
func (m *HostMounter) MountDevices(target string) error {
	return unsupported()
}

// Unmount implements Mounter.
func (m *HostMounter) Unmount(target string) error {
	return nil
}

// MountsUnder implements Mounter. Nothing is ever mounted here.
func (m *HostMounter) MountsUnder(path string) ([]string, error) {
	return nil, nil
}
