package privilege

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/isolate/capability"
	"github.com/isdmx/isolate/identity"
)

// ErrPrivilege marks a failed or unverifiable privilege drop. It is always
// fatal.
var ErrPrivilege = errors.New("privilege drop failed")

// Credentials are the process credential calls.
type Credentials interface {
	Setgroups(gids []int) error
	Setgid(gid int) error
	Setuid(uid int) error
	Getuid() int
	Geteuid() int
	Getgid() int
	Getegid() int
}

// EnvConfig holds the fixed part of the sandboxed environment.
type EnvConfig struct {
	Home        string
	LibraryPath string
	SearchPath  string
}

// Dropper lowers the process to a resolved identity.
type Dropper struct {
	logger   *zap.Logger
	creds    Credentials
	env      EnvConfig
	applyEnv func(env []string) error
	// filter, when set, runs last and confines the remaining syscalls.
	filter func() error
}

// DropperOption defines a functional option for Dropper
type DropperOption func(*Dropper)

// WithCredentials sets the Credentials for Dropper
func WithCredentials(c Credentials) DropperOption {
	return func(d *Dropper) {
		d.creds = c
	}
}

// WithEnvApplier replaces the function installing the final environment
func WithEnvApplier(fn func(env []string) error) DropperOption {
	return func(d *Dropper) {
		d.applyEnv = fn
	}
}

// WithSyscallFilter installs a seccomp filter after the drop that refuses
// mount, namespace, module and tracing calls. It has no effect where seccomp
// is not available.
func WithSyscallFilter(enabled bool) DropperOption {
	return func(d *Dropper) {
		if enabled {
			d.filter = loadSyscallFilter
		} else {
			d.filter = nil
		}
	}
}

// NewDropper creates a Dropper using the process credentials.
func NewDropper(logger *zap.Logger, env EnvConfig, opts ...DropperOption) *Dropper {
	d := &Dropper{
		logger:   logger,
		creds:    processCredentials{},
		env:      env,
		applyEnv: replaceProcessEnv,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DropTo switches to id: supplementary groups, then gid, then uid. The uid
// goes last because changing it first would remove the right to change the
// others. The result is read back and, for a non-root target, regaining
// root must fail. The environment is replaced once the ids are verified.
func (d *Dropper) DropTo(id identity.Identity, spec *capability.Spec) error {
	if err := d.creds.Setgroups([]int{id.GID}); err != nil {
		return fmt.Errorf("%w: setgroups(%d): %v", ErrPrivilege, id.GID, err)
	}
	if err := d.creds.Setgid(id.GID); err != nil {
		return fmt.Errorf("%w: setgid(%d): %v", ErrPrivilege, id.GID, err)
	}
	if err := d.creds.Setuid(id.UID); err != nil {
		return fmt.Errorf("%w: setuid(%d): %v", ErrPrivilege, id.UID, err)
	}

	if d.creds.Getuid() != id.UID || d.creds.Geteuid() != id.UID {
		return fmt.Errorf("%w: uid is %d/%d, want %d", ErrPrivilege, d.creds.Getuid(), d.creds.Geteuid(), id.UID)
	}
	if d.creds.Getgid() != id.GID || d.creds.Getegid() != id.GID {
		return fmt.Errorf("%w: gid is %d/%d, want %d", ErrPrivilege, d.creds.Getgid(), d.creds.Getegid(), id.GID)
	}
	if id.UID != 0 && d.creds.Setuid(0) == nil {
		return fmt.Errorf("%w: root could be regained after dropping to %d", ErrPrivilege, id.UID)
	}

	env := Environment(id, spec, d.env)
	if err := d.applyEnv(env); err != nil {
		return fmt.Errorf("%w: environment: %v", ErrPrivilege, err)
	}
	if d.filter != nil {
		if err := d.filter(); err != nil {
			return fmt.Errorf("%w: syscall filter: %v", ErrPrivilege, err)
		}
	}

	d.logger.Info("privileges dropped", zap.String("user", id.Username), zap.Int("uid", id.UID), zap.Int("gid", id.GID))
	return nil
}

// Environment builds the environment of the sandboxed process. Nothing is
// inherited from the caller. The identity, home and library path are always
// set; PATH is added unless env_clear is given. The capability's variables
// are overlaid last.
func Environment(id identity.Identity, spec *capability.Spec, cfg EnvConfig) []string {
	var env envList
	env.set("USER", id.Username)
	env.set("LOGNAME", id.Username)
	env.set("HOME", cfg.Home)
	env.set("LD_LIBRARY_PATH", cfg.LibraryPath)
	if !spec.EnvClear {
		env.set("PATH", cfg.SearchPath)
	}
	for _, v := range spec.Env {
		env.set(v.Name, v.Value)
	}
	return env.strings()
}

type envList struct {
	names  []string
	values map[string]string
}

func (e *envList) set(name, value string) {
	if e.values == nil {
		e.values = map[string]string{}
	}
	if _, ok := e.values[name]; !ok {
		e.names = append(e.names, name)
	}
	e.values[name] = value
}

func (e *envList) strings() []string {
	out := make([]string, 0, len(e.names))
	for _, n := range e.names {
		out = append(out, n+"="+e.values[n])
	}
	return out
}

func replaceProcessEnv(env []string) error {
	os.Clearenv()
	for _, kv := range env {
		name, value, _ := strings.Cut(kv, "=")
		if err := os.Setenv(name, value); err != nil {
			return err
		}
	}
	return nil
}
