package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/isolate/config"
	"github.com/isdmx/isolate/identity"
	"github.com/isdmx/isolate/limits"
	"github.com/isdmx/isolate/rootfs"
)

// Collector removes what successful runs leave on the host. Exit hooks do
// not survive exec, so the account, root, limits and cgroup of a context
// outlive the process that created them. Only leftovers whose owning pid is
// gone are touched.
type Collector struct {
	logger     *zap.Logger
	fs         afero.Fs
	identities *identity.Manager
	builder    *rootfs.Builder
	enforcer   limits.Enforcer
	alive      func(pid int) bool

	rootBase   string
	cgroupRoot string
	namePrefix string
	userPrefix string
	dryRun     bool
}

// CollectorComponents are the parts a Collector works through.
type CollectorComponents struct {
	Fs         afero.Fs
	Identities *identity.Manager
	Builder    *rootfs.Builder
	Enforcer   limits.Enforcer
	// Alive reports whether a process exists.
	Alive func(pid int) bool
}

// Garbage is what one collection found.
type Garbage struct {
	Users     []string
	Roots     []string
	Sandboxes []string
}

// NewCollector creates a Collector. With dryRun it only reports.
func NewCollector(logger *zap.Logger, cfg *config.Config, c CollectorComponents, dryRun bool) *Collector {
	return &Collector{
		logger:     logger,
		fs:         c.Fs,
		identities: c.Identities,
		builder:    c.Builder,
		enforcer:   c.Enforcer,
		alive:      c.Alive,
		rootBase:   cfg.Isolation.RootBase,
		cgroupRoot: cfg.Isolation.CgroupRoot,
		namePrefix: cfg.Isolation.NamePrefix,
		userPrefix: cfg.Isolation.UserPrefix,
		dryRun:     dryRun,
	}
}

// NewHostCollector creates a Collector for the running host.
func NewHostCollector(logger *zap.Logger, cfg *config.Config, dryRun bool) *Collector {
	iso := cfg.Isolation
	fs := afero.NewOsFs()
	db := identity.NewHostDatabase(logger, iso.UserShell, iso.UserHome)

	var enforcer limits.Enforcer = limits.NewUnsupported(logger)
	if _, e, err := nativeJailer(logger, cfg, nativeBackend); err == nil {
		enforcer = e
	}

	return NewCollector(logger, cfg, CollectorComponents{
		Fs:         fs,
		Identities: identity.NewManager(logger, db, identity.WithUserPrefix(iso.UserPrefix), identity.WithHome(iso.UserHome)),
		Builder:    rootfs.NewBuilder(logger, fs, rootfs.NewMounter(logger), rootfsConfig(cfg)),
		Enforcer:   enforcer,
		Alive:      processAlive,
	}, dryRun)
}

// Collect finds and, unless in dry-run mode, removes stale leftovers. Every
// item is attempted; failures are returned together.
func (c *Collector) Collect(ctx context.Context) (Garbage, error) {
	var found Garbage
	var errs error

	names, err := c.stale(c.rootBase, c.namePrefix)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, name := range names {
		root := filepath.Join(c.rootBase, name)
		found.Roots = append(found.Roots, root)
		if !c.dryRun {
			errs = multierr.Append(errs, c.removeRoot(root))
		}
	}

	sandboxes, err := c.stale(c.cgroupRoot, c.namePrefix)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	found.Sandboxes = union(names, sandboxes)
	for _, name := range found.Sandboxes {
		if c.dryRun {
			continue
		}
		errs = multierr.Append(errs, c.enforcer.Release(name))
		errs = multierr.Append(errs, c.removeCgroup(name))
	}

	users, err := c.staleUsers()
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, name := range users {
		found.Users = append(found.Users, name)
		if !c.dryRun {
			errs = multierr.Append(errs, c.identities.Release(ctx, identity.Identity{Username: name, Owned: true}))
		}
	}

	c.logger.Info("collection complete",
		zap.Strings("roots", found.Roots),
		zap.Strings("sandboxes", found.Sandboxes),
		zap.Strings("users", found.Users),
		zap.Bool("dry_run", c.dryRun))
	return found, errs
}

func (c *Collector) removeRoot(root string) error {
	mounts, err := c.builder.Mounts(root)
	if err != nil {
		return err
	}
	var errs error
	for i := len(mounts) - 1; i >= 0; i-- {
		if err := c.builder.Unmount(mounts[i]); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("unmount %s: %w", mounts[i], err))
		}
	}
	if errs != nil {
		return errs
	}
	return c.builder.Remove(root)
}

func (c *Collector) removeCgroup(name string) error {
	dir := filepath.Join(c.cgroupRoot, name)
	if ok, _ := afero.DirExists(c.fs, dir); !ok {
		return nil
	}
	if err := c.fs.Remove(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cgroup %s: %w", dir, err)
	}
	return nil
}

// stale lists the entries of dir named <prefix>-<pid> whose pid is gone.
func (c *Collector) stale(dir, prefix string) ([]string, error) {
	if ok, _ := afero.DirExists(c.fs, dir); !ok {
		return nil, nil
	}
	entries, err := afero.ReadDir(c.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && c.orphaned(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// staleUsers lists the ephemeral accounts in /etc/passwd whose pid is gone.
func (c *Collector) staleUsers() ([]string, error) {
	data, err := afero.ReadFile(c.fs, "/etc/passwd")
	if err != nil {
		return nil, fmt.Errorf("read passwd: %w", err)
	}
	var users []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 5 || fields[4] != identity.AccountComment {
			continue
		}
		if c.orphaned(fields[0], c.userPrefix) {
			users = append(users, fields[0])
		}
	}
	return users, scanner.Err()
}

func (c *Collector) orphaned(name, prefix string) bool {
	rest, ok := strings.CutPrefix(name, prefix+"-")
	if !ok {
		return false
	}
	pid, err := strconv.Atoi(rest)
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return false
	}
	return !c.alive(pid)
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
