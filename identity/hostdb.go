package identity

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"runtime"
	"strconv"

	"go.uber.org/zap"

	"github.com/isdmx/isolate/system"
)

// AccountComment marks the accounts created for isolation contexts.
const AccountComment = "isolate ephemeral user"

// Commands builds the argv of the platform's user-management tools.
type Commands struct {
	Create func(name, shell, home string) []string
	Delete func(name string) []string
}

// ShadowUtils drives useradd/userdel. -U gives the account a private group
// that userdel removes with it.
var ShadowUtils = Commands{
	Create: func(name, shell, home string) []string {
		return []string{"useradd", "-M", "-U", "-s", shell, "-d", home, "-c", AccountComment, name}
	},
	Delete: func(name string) []string {
		return []string{"userdel", name}
	},
}

// Pw drives FreeBSD pw(8).
var Pw = Commands{
	Create: func(name, shell, home string) []string {
		return []string{"pw", "useradd", "-n", name, "-s", shell, "-d", home, "-c", AccountComment}
	},
	Delete: func(name string) []string {
		return []string{"pw", "userdel", "-n", name}
	},
}

// DefaultCommands returns the user-management tools of the running OS.
func DefaultCommands() Commands {
	if runtime.GOOS == "freebsd" {
		return Pw
	}
	return ShadowUtils
}

// HostDatabase is the UserDatabase of the running host: lookups through the
// system account database, changes through the platform's tools.
type HostDatabase struct {
	logger   *zap.Logger
	runner   system.CommandRunner
	commands Commands
	shell    string
	home     string
	lookup   func(name string) (*user.User, error)
}

// HostDatabaseOption defines a functional option for HostDatabase
type HostDatabaseOption func(*HostDatabase)

// WithCommandRunner sets the CommandRunner for HostDatabase
func WithCommandRunner(runner system.CommandRunner) HostDatabaseOption {
	return func(h *HostDatabase) {
		h.runner = runner
	}
}

// WithCommands sets the user-management argv builders
func WithCommands(c Commands) HostDatabaseOption {
	return func(h *HostDatabase) {
		h.commands = c
	}
}

// WithLookup replaces the account lookup function
func WithLookup(fn func(name string) (*user.User, error)) HostDatabaseOption {
	return func(h *HostDatabase) {
		h.lookup = fn
	}
}

// NewHostDatabase creates a HostDatabase. Created accounts get shell and
// home, neither of which needs to exist.
func NewHostDatabase(logger *zap.Logger, shell, home string, opts ...HostDatabaseOption) *HostDatabase {
	h := &HostDatabase{
		logger:   logger,
		runner:   system.RealCommandRunner{},
		commands: DefaultCommands(),
		shell:    shell,
		home:     home,
		lookup:   user.Lookup,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Lookup implements UserDatabase.
func (h *HostDatabase) Lookup(name string) (*Account, error) {
	u, err := h.lookup(name)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchUser, name)
		}
		return nil, err
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("non-numeric uid %q for %s", u.Uid, name)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("non-numeric gid %q for %s", u.Gid, name)
	}
	return &Account{Username: u.Username, UID: uid, GID: gid, Home: u.HomeDir}, nil
}

// Create implements UserDatabase.
func (h *HostDatabase) Create(ctx context.Context, name string) error {
	args := h.commands.Create(name, h.shell, h.home)
	h.logger.Debug("creating user", zap.Strings("command", args))
	return system.Run(ctx, h.runner, args...)
}

// Delete implements UserDatabase.
func (h *HostDatabase) Delete(ctx context.Context, name string) error {
	args := h.commands.Delete(name)
	h.logger.Debug("deleting user", zap.Strings("command", args))
	return system.Run(ctx, h.runner, args...)
}
