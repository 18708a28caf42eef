package limits

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/isdmx/isolate/capability"
)

// CPUPeriod is the cpu.max period in microseconds.
const CPUPeriod = 100000

// Cgroup enforces limits through a cgroup v2 group at <root>/<sandbox>.
// The open-file ceiling has no cgroup controller. It is set as
// RLIMIT_NOFILE on the calling process by ApplyProcess, which the target
// inherits on exec.
type Cgroup struct {
	logger    *zap.Logger
	fs        afero.Fs
	root      string
	setNoFile func(n uint64) error
}

// CgroupOption defines a functional option for Cgroup
type CgroupOption func(*Cgroup)

// WithNoFileSetter replaces the RLIMIT_NOFILE setter
func WithNoFileSetter(fn func(n uint64) error) CgroupOption {
	return func(c *Cgroup) {
		c.setNoFile = fn
	}
}

// NewCgroup creates a cgroup v2 Enforcer.
func NewCgroup(logger *zap.Logger, fs afero.Fs, root string, opts ...CgroupOption) *Cgroup {
	c := &Cgroup{
		logger:    logger,
		fs:        fs,
		root:      root,
		setNoFile: setNoFile,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Apply implements Enforcer.
func (c *Cgroup) Apply(sandbox string, l capability.Limits) []string {
	dir := filepath.Join(c.root, sandbox)
	var warnings []string
	fail := func(limit string, err error) {
		c.logger.Warn("limit not applied", zap.String("limit", limit), zap.String("sandbox", sandbox), zap.Error(err))
		warnings = append(warnings, fmt.Sprintf("%s limit not applied: %v", limit, err))
	}

	if l.MemoryBytes > 0 {
		if err := c.write(dir, "memory.max", strconv.FormatUint(l.MemoryBytes, 10)); err != nil {
			fail("memory", err)
		}
	}
	if l.MaxProcesses > 0 {
		if err := c.write(dir, "pids.max", strconv.Itoa(l.MaxProcesses)); err != nil {
			fail("processes", err)
		}
	}
	if l.MaxCPUPercent > 0 {
		quota := l.MaxCPUPercent * CPUPeriod / 100
		if err := c.write(dir, "cpu.max", fmt.Sprintf("%d %d", quota, CPUPeriod)); err != nil {
			fail("cpu", err)
		}
	}
	if l.HasLimits() {
		c.logger.Info("limits applied", zap.String("sandbox", sandbox), zap.Int("warnings", len(warnings)))
	}
	return warnings
}

// ApplyProcess implements ProcessEnforcer.
func (c *Cgroup) ApplyProcess(l capability.Limits) []string {
	if l.MaxFiles <= 0 {
		return nil
	}
	if err := c.setNoFile(uint64(l.MaxFiles)); err != nil {
		c.logger.Warn("limit not applied", zap.String("limit", "files"), zap.Error(err))
		return []string{fmt.Sprintf("files limit not applied: %v", err)}
	}
	c.logger.Debug("open file ceiling set", zap.Int("files", l.MaxFiles))
	return nil
}

// write updates an existing interface file. A missing file means the
// controller is not enabled for the group.
func (c *Cgroup) write(dir, name, value string) error {
	path := filepath.Join(dir, name)
	if ok, err := afero.Exists(c.fs, path); err != nil || !ok {
		return fmt.Errorf("%s unavailable, controller not enabled", path)
	}
	f, err := c.fs.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// Release implements Enforcer. The group is removed with the sandbox.
func (c *Cgroup) Release(string) error {
	return nil
}
