package sandbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const cgroupMount = "/sys/fs/cgroup"

var cgroupControllers = []string{"cpu", "memory", "pids"}

// NamespaceJailer confines the calling thread with Linux namespaces and a
// chroot, and registers the sandbox as a cgroup v2 group under CgroupRoot.
//
// Namespaces and the chroot are per thread in Go. Attach locks the calling
// goroutine to its thread for good, so the exec of the target must happen
// on that goroutine.
type NamespaceJailer struct {
	logger     *zap.Logger
	fs         afero.Fs
	cgroupRoot string
	isolateNet bool
	// origin is the cgroup the process left when it joined the sandbox.
	origin string
	pid    int
}

// NewNamespaceJailer creates a NamespaceJailer. fs must be the host
// filesystem outside tests.
func NewNamespaceJailer(logger *zap.Logger, fs afero.Fs, cgroupRoot string) *NamespaceJailer {
	return &NamespaceJailer{
		logger:     logger,
		fs:         fs,
		cgroupRoot: cgroupRoot,
		pid:        os.Getpid(),
	}
}

// Name implements Jailer.
func (j *NamespaceJailer) Name() string {
	return "namespace"
}

// Prepare implements Jailer. Mounts are made in the host namespace.
func (j *NamespaceJailer) Prepare(*Context) error {
	return nil
}

func (j *NamespaceJailer) group(ictx *Context) string {
	return filepath.Join(j.cgroupRoot, ictx.Name)
}

// Create implements Jailer.
func (j *NamespaceJailer) Create(ictx *Context) error {
	if err := j.fs.MkdirAll(j.cgroupRoot, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", j.cgroupRoot, err)
	}
	j.delegate(filepath.Dir(j.cgroupRoot))
	j.delegate(j.cgroupRoot)

	dir := j.group(ictx)
	if ok, _ := afero.Exists(j.fs, dir); ok {
		return fmt.Errorf("cgroup %s already exists", dir)
	}
	if err := j.fs.Mkdir(dir, 0o755); err != nil {
		return fmt.Errorf("create cgroup %s: %w", dir, err)
	}
	j.logger.Debug("cgroup created", zap.String("path", dir))
	return nil
}

// delegate enables the limit controllers for the children of dir. Each
// controller is independent: a missing one only costs its limit.
func (j *NamespaceJailer) delegate(dir string) {
	path := filepath.Join(dir, "cgroup.subtree_control")
	for _, c := range cgroupControllers {
		if err := writeFile(j.fs, path, "+"+c); err != nil {
			j.logger.Debug("controller not delegated", zap.String("cgroup", dir), zap.String("controller", c), zap.Error(err))
		}
	}
}

// Network implements Jailer. The namespace is created by Attach.
func (j *NamespaceJailer) Network(_ *Context, isolate bool) error {
	j.isolateNet = isolate
	return nil
}

// Attach implements Jailer.
func (j *NamespaceJailer) Attach(ictx *Context) error {
	origin, err := j.currentCgroup()
	if err != nil {
		j.logger.Warn("cannot read current cgroup, the sandbox group may outlive a rollback", zap.Error(err))
	}
	if err := writeFile(j.fs, filepath.Join(j.group(ictx), "cgroup.procs"), strconv.Itoa(j.pid)); err != nil {
		return fmt.Errorf("join cgroup: %w", err)
	}
	j.origin = origin

	runtime.LockOSThread()

	flags := unix.CLONE_NEWNS | unix.CLONE_NEWUTS | unix.CLONE_NEWIPC
	if j.isolateNet {
		flags |= unix.CLONE_NEWNET
	}
	if err := unix.Unshare(flags); err != nil {
		return fmt.Errorf("unshare: %w", err)
	}
	// Keep later mount changes on either side from propagating.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make / private: %w", err)
	}
	if j.isolateNet {
		if err := loopbackUp(); err != nil {
			j.logger.Warn("loopback not available in sandbox", zap.Error(err))
		}
	}
	if err := unix.Sethostname([]byte(ictx.Name)); err != nil {
		return fmt.Errorf("sethostname: %w", err)
	}
	if err := unix.Chroot(ictx.Root); err != nil {
		return fmt.Errorf("chroot %s: %w", ictx.Root, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir: %w", err)
	}

	j.logger.Info("attached to sandbox", zap.String("root", ictx.Root), zap.Bool("network_isolated", j.isolateNet))
	return nil
}

func loopbackUp() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(lo)
}

// Detach implements Jailer. Only the attached thread is confined and
// teardown runs on another one.
func (j *NamespaceJailer) Detach(*Context) error {
	return nil
}

// Destroy implements Jailer. A group still holding the process cannot be
// removed, so the process first returns to the group it came from.
func (j *NamespaceJailer) Destroy(ictx *Context) error {
	dir := j.group(ictx)
	if ok, _ := afero.Exists(j.fs, dir); !ok {
		return nil
	}
	if j.origin != "" {
		if err := writeFile(j.fs, filepath.Join(cgroupMount, j.origin, "cgroup.procs"), strconv.Itoa(j.pid)); err != nil {
			j.logger.Warn("failed to leave sandbox cgroup", zap.String("origin", j.origin), zap.Error(err))
		} else {
			j.origin = ""
		}
	}
	if err := j.fs.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cgroup %s: %w", dir, err)
	}
	j.logger.Debug("cgroup removed", zap.String("path", dir))
	return nil
}

// currentCgroup returns the cgroup v2 path of the process from
// /proc/self/cgroup.
func (j *NamespaceJailer) currentCgroup() (string, error) {
	data, err := afero.ReadFile(j.fs, "/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if path, ok := strings.CutPrefix(scanner.Text(), "0::"); ok {
			return path, nil
		}
	}
	return "", fmt.Errorf("no cgroup v2 entry in /proc/self/cgroup")
}

func writeFile(fs afero.Fs, path, value string) error {
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
