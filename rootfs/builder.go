package rootfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/isdmx/isolate/capability"
	"github.com/isdmx/isolate/identity"
)

// ErrFilesystem marks a fatal root or workspace preparation failure.
var ErrFilesystem = errors.New("filesystem error")

// Skeleton lists the directories created in every root.
var Skeleton = []string{
	"bin",
	"dev",
	"etc",
	"lib",
	"libexec",
	"tmp",
	"usr/lib",
	"usr/local/lib",
	"var",
}

const (
	dirPermission    = 0o755
	binaryPermission = 0o755
	dbPermission     = 0o644
)

// Mounter performs the mount operations of the running platform.
type Mounter interface {
	BindMount(source, target string, readOnly bool) error
	// MountDevices places a minimal device view at target.
	MountDevices(target string) error
	Unmount(target string) error
	// MountsUnder lists the mount points at or below path.
	MountsUnder(path string) ([]string, error)
}

// Tracker receives the root path and every successful mount, in order.
type Tracker interface {
	SetRoot(path string)
	AddMount(target string)
}

// Config holds the host-side layout of a root.
type Config struct {
	SystemMounts   []string
	WorkspaceMount string
	UserShell      string
	UserHome       string
}

// Request describes one root to build.
type Request struct {
	Root     string
	Spec     *capability.Spec
	Identity identity.Identity
	// Binary is the absolute host path of the program to stage.
	Binary string
}

// Builder constructs private sandbox roots.
type Builder struct {
	logger  *zap.Logger
	fs      afero.Fs
	mounter Mounter
	config  Config
}

// NewBuilder creates a Builder working on fs.
func NewBuilder(logger *zap.Logger, fs afero.Fs, mounter Mounter, config Config) *Builder {
	return &Builder{
		logger:  logger,
		fs:      fs,
		mounter: mounter,
		config:  config,
	}
}

// StagedPath is the in-sandbox path of a staged binary.
func StagedPath(binary string) string {
	return "/" + filepath.Base(binary)
}

// Prepare builds req.Root from scratch. Optional mounts that fail are
// returned as warnings; anything else that fails is fatal and wraps
// ErrFilesystem. The tracker sees the root as soon as it exists so a
// failure part way through still gets torn down.
func (b *Builder) Prepare(req Request, t Tracker) (warnings []string, err error) {
	warn := func(msg, path string, err error) {
		b.logger.Warn(msg, zap.String("path", path), zap.Error(err))
		warnings = append(warnings, fmt.Sprintf("%s %s: %v", msg, path, err))
	}

	if err := b.Remove(req.Root); err != nil {
		return nil, fmt.Errorf("%w: stale root %s: %v", ErrFilesystem, req.Root, err)
	}
	if err := b.fs.MkdirAll(req.Root, dirPermission); err != nil {
		return nil, fmt.Errorf("%w: create root: %v", ErrFilesystem, err)
	}
	t.SetRoot(req.Root)

	if err := b.skeleton(req.Root); err != nil {
		return warnings, err
	}
	if err := b.stageBinary(req.Root, req.Binary); err != nil {
		return warnings, err
	}
	if err := b.writeIdentityDB(req.Root, req.Identity); err != nil {
		return warnings, err
	}

	for _, dir := range b.config.SystemMounts {
		if ok, _ := afero.DirExists(b.fs, dir); !ok {
			b.logger.Debug("system directory not present on host", zap.String("path", dir))
			continue
		}
		target := filepath.Join(req.Root, dir)
		if err := b.bind(dir, target, true); err != nil {
			warn("system mount skipped", dir, err)
			continue
		}
		t.AddMount(target)
	}

	if req.Spec.WorkspacePath != "" {
		target, err := b.mountWorkspace(req.Root, req.Spec.WorkspacePath)
		if err != nil {
			return warnings, err
		}
		t.AddMount(target)
	}

	for _, rule := range req.Spec.FileRules {
		target, err := b.mountRule(req.Root, rule)
		if err != nil {
			warn("file rule skipped", rule.String(), err)
			continue
		}
		t.AddMount(target)
	}

	dev := filepath.Join(req.Root, "dev")
	if err := b.mounter.MountDevices(dev); err != nil {
		warn("device view not mounted", dev, err)
	} else {
		t.AddMount(dev)
	}

	b.logger.Info("sandbox root prepared", zap.String("root", req.Root), zap.Int("warnings", len(warnings)))
	return warnings, nil
}

func (b *Builder) skeleton(root string) error {
	for _, dir := range Skeleton {
		if err := b.fs.MkdirAll(filepath.Join(root, dir), dirPermission); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrFilesystem, dir, err)
		}
	}
	if err := b.fs.Chmod(filepath.Join(root, "tmp"), os.ModeSticky|0o777); err != nil {
		return fmt.Errorf("%w: chmod tmp: %v", ErrFilesystem, err)
	}
	return nil
}

func (b *Builder) stageBinary(root, binary string) error {
	if binary == "" {
		return fmt.Errorf("%w: no target binary", ErrFilesystem)
	}
	src, err := b.fs.Open(binary)
	if err != nil {
		return fmt.Errorf("%w: open target binary: %v", ErrFilesystem, err)
	}
	defer src.Close()

	dstPath := filepath.Join(root, StagedPath(binary))
	dst, err := b.fs.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, binaryPermission)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrFilesystem, dstPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("%w: copy target binary: %v", ErrFilesystem, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("%w: copy target binary: %v", ErrFilesystem, err)
	}
	// The umask may have masked the mode given to OpenFile.
	if err := b.fs.Chmod(dstPath, binaryPermission); err != nil {
		return fmt.Errorf("%w: chmod target binary: %v", ErrFilesystem, err)
	}
	return nil
}

// writeIdentityDB writes etc/passwd and etc/group holding exactly root and id.
func (b *Builder) writeIdentityDB(root string, id identity.Identity) error {
	passwd := fmt.Sprintf("root:*:0:0:root:/root:/bin/sh\n%s:*:%d:%d:isolate:%s:%s\n",
		id.Username, id.UID, id.GID, b.config.UserHome, b.config.UserShell)
	group := fmt.Sprintf("root:*:0:\n%s:*:%d:\n", id.Username, id.GID)

	files := map[string]string{
		"etc/passwd": passwd,
		"etc/group":  group,
	}
	for name, content := range files {
		if err := afero.WriteFile(b.fs, filepath.Join(root, name), []byte(content), dbPermission); err != nil {
			return fmt.Errorf("%w: write %s: %v", ErrFilesystem, name, err)
		}
	}
	return nil
}

func (b *Builder) mountWorkspace(root, workspace string) (string, error) {
	if ok, err := afero.DirExists(b.fs, workspace); !ok {
		if err == nil {
			err = fmt.Errorf("not a directory")
		}
		return "", fmt.Errorf("%w: workspace %s: %v", ErrFilesystem, workspace, err)
	}
	target := filepath.Join(root, b.config.WorkspaceMount)
	if err := b.bind(workspace, target, false); err != nil {
		return "", fmt.Errorf("%w: workspace %s: %v", ErrFilesystem, workspace, err)
	}
	return target, nil
}

func (b *Builder) mountRule(root string, rule capability.FileRule) (string, error) {
	if !rule.Permissions.Has(capability.PermRead) {
		return "", fmt.Errorf("rule does not grant read access")
	}
	ok, err := afero.DirExists(b.fs, rule.Path)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("not an existing host directory")
	}

	target := filepath.Join(root, rule.Path)
	if err := b.bind(rule.Path, target, !rule.Permissions.Has(capability.PermWrite)); err != nil {
		// Leave no empty mount point behind.
		_ = b.fs.Remove(target)
		return "", err
	}
	return target, nil
}

func (b *Builder) bind(source, target string, readOnly bool) error {
	if err := b.fs.MkdirAll(target, dirPermission); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}
	if err := b.mounter.BindMount(source, target, readOnly); err != nil {
		return err
	}
	b.logger.Debug("bind mounted", zap.String("source", source), zap.String("target", target), zap.Bool("read_only", readOnly))
	return nil
}

// Unmount removes one mount created by Prepare.
func (b *Builder) Unmount(target string) error {
	return b.mounter.Unmount(target)
}

// Mounts lists what is mounted at or below root, in mount order.
func (b *Builder) Mounts(root string) ([]string, error) {
	return b.mounter.MountsUnder(root)
}

// Remove deletes root recursively. It refuses while anything is still
// mounted below root, so a failed unmount can never turn into deleting host
// data through a bind mount.
func (b *Builder) Remove(root string) error {
	if ok, err := afero.Exists(b.fs, root); err != nil || !ok {
		return err
	}
	mounts, err := b.mounter.MountsUnder(root)
	if err != nil {
		return fmt.Errorf("list mounts under %s: %w", root, err)
	}
	if len(mounts) > 0 {
		return fmt.Errorf("refusing to remove %s: still mounted: %v", root, mounts)
	}
	return b.fs.RemoveAll(root)
}
