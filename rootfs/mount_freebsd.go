//go:build freebsd

package rootfs

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// devfsRuleset is the stock "devfsrules_jail" ruleset from /etc/defaults/devfs.rules.
const devfsRuleset = "4"

// HostMounter mounts with nmount(2).
type HostMounter struct {
	logger *zap.Logger
}

// NewMounter returns the Mounter of the running platform.
func NewMounter(logger *zap.Logger) Mounter {
	return &HostMounter{logger: logger}
}

// BindMount implements Mounter with nullfs.
func (m *HostMounter) BindMount(source, target string, readOnly bool) error {
	flags := unix.MNT_NOSUID
	if readOnly {
		flags |= unix.MNT_RDONLY
	}
	if err := nmount(flags, "fstype", "nullfs", "fspath", target, "target", source); err != nil {
		return fmt.Errorf("nullfs %s: %w", source, err)
	}
	return nil
}

// MountDevices implements Mounter with a devfs restricted to the jail ruleset.
func (m *HostMounter) MountDevices(target string) error {
	if err := nmount(0, "fstype", "devfs", "fspath", target, "ruleset", devfsRuleset); err != nil {
		return fmt.Errorf("devfs: %w", err)
	}
	return nil
}

// Unmount implements Mounter. A busy mount is forced.
func (m *HostMounter) Unmount(target string) error {
	err := unix.Unmount(target, 0)
	if err == nil || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
		return nil
	}
	m.logger.Debug("unmount failed, forcing", zap.String("target", target), zap.Error(err))
	if err := unix.Unmount(target, unix.MNT_FORCE); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return nil
}

// MountsUnder implements Mounter.
func (m *HostMounter) MountsUnder(path string) ([]string, error) {
	return mountsUnder(path)
}

// nmount passes name/value pairs as an iovec array.
func nmount(flags int, pairs ...string) error {
	iov := make([]unix.Iovec, len(pairs))
	bufs := make([][]byte, len(pairs))
	for i, s := range pairs {
		b, err := unix.ByteSliceFromString(s)
		if err != nil {
			return err
		}
		bufs[i] = b
		iov[i].Base = &b[0]
		iov[i].SetLen(len(b))
	}
	_, _, errno := unix.Syscall(unix.SYS_NMOUNT, uintptr(unsafe.Pointer(&iov[0])), uintptr(len(iov)), uintptr(flags))
	runtime.KeepAlive(bufs)
	if errno != 0 {
		return errno
	}
	return nil
}
