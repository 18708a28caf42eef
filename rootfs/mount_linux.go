//go:build linux

package rootfs

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type device struct {
	name         string
	major, minor uint32
}

// devices populated in the sandbox's private /dev.
var devices = []device{
	{"null", 1, 3},
	{"zero", 1, 5},
	{"full", 1, 7},
	{"random", 1, 8},
	{"urandom", 1, 9},
	{"tty", 5, 0},
}

// HostMounter mounts with mount(2) in the caller's mount namespace.
type HostMounter struct {
	logger  *zap.Logger
	mount   func(source, target, fstype string, flags uintptr, data string) error
	unmount func(target string, flags int) error
	setattr func(target string, attr *unix.MountAttr) error
	mounts  func(path string) ([]string, error)
}

// NewMounter returns the Mounter of the running platform.
func NewMounter(logger *zap.Logger) Mounter {
	return &HostMounter{
		logger:  logger,
		mount:   unix.Mount,
		unmount: unix.Unmount,
		setattr: setattrRecursive,
		mounts:  mountsUnder,
	}
}

func setattrRecursive(target string, attr *unix.MountAttr) error {
	return unix.MountSetattr(unix.AT_FDCWD, target, unix.AT_RECURSIVE|unix.AT_NO_AUTOMOUNT, attr)
}

// BindMount implements Mounter. The bind is recursive, so a read-only bind
// must make every copied submount read-only too; MS_RDONLY is ignored on
// the initial MS_BIND.
func (m *HostMounter) BindMount(source, target string, readOnly bool) error {
	if err := m.mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind %s: %w", source, err)
	}
	if !readOnly {
		return nil
	}
	if err := m.readOnly(target); err != nil {
		if uerr := m.unmount(target, unix.MNT_DETACH); uerr != nil {
			m.logger.Error("failed to undo writable bind", zap.String("target", target), zap.Error(uerr))
		}
		return err
	}
	return nil
}

// readOnly sets read-only and nosuid on target and every mount below it.
func (m *HostMounter) readOnly(target string) error {
	err := m.setattr(target, &unix.MountAttr{Attr_set: unix.MOUNT_ATTR_RDONLY | unix.MOUNT_ATTR_NOSUID})
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.ENOSYS) {
		return fmt.Errorf("remount %s read-only: %w", target, err)
	}

	// mount_setattr(2) needs linux 5.12; older kernels remount one by one.
	points, err := m.mounts(target)
	if err != nil {
		return fmt.Errorf("list mounts under %s: %w", target, err)
	}
	if len(points) == 0 {
		points = []string{target}
	}
	flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | unix.MS_NOSUID)
	for _, p := range points {
		if err := m.mount("", p, "", flags, ""); err != nil {
			return fmt.Errorf("remount %s read-only: %w", p, err)
		}
	}
	return nil
}

// MountDevices implements Mounter with a small tmpfs holding fresh nodes.
func (m *HostMounter) MountDevices(target string) error {
	if err := m.mount("tmpfs", target, "tmpfs", unix.MS_NOSUID|unix.MS_NOEXEC, "mode=0755,size=64k"); err != nil {
		return fmt.Errorf("mount tmpfs: %w", err)
	}
	for _, d := range devices {
		path := filepath.Join(target, d.name)
		if err := unix.Mknod(path, unix.S_IFCHR|0o666, int(unix.Mkdev(d.major, d.minor))); err != nil {
			_ = m.unmount(target, unix.MNT_DETACH)
			return fmt.Errorf("mknod %s: %w", d.name, err)
		}
		// mknod honours the umask.
		if err := unix.Chmod(path, 0o666); err != nil {
			m.logger.Warn("failed to chmod device node", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

// Unmount implements Mounter. A busy mount is detached lazily.
func (m *HostMounter) Unmount(target string) error {
	err := m.unmount(target, 0)
	if err == nil || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
		return nil
	}
	m.logger.Debug("unmount failed, detaching", zap.String("target", target), zap.Error(err))
	if err := m.unmount(target, unix.MNT_DETACH); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return nil
}

// MountsUnder implements Mounter.
func (m *HostMounter) MountsUnder(path string) ([]string, error) {
	return m.mounts(path)
}
