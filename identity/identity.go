package identity

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/isdmx/isolate/capability"
)

// Resolution errors. ErrUnknownUser and ErrIdentityCreationFailed wrap
// ErrIdentity.
var (
	ErrIdentity               = errors.New("identity error")
	ErrUnknownUser            = fmt.Errorf("%w: unknown user", ErrIdentity)
	ErrIdentityCreationFailed = fmt.Errorf("%w: user creation failed", ErrIdentity)
)

// ErrNoSuchUser is returned by a UserDatabase lookup for an absent account.
var ErrNoSuchUser = errors.New("no such user")

// Account is a host account as reported by a UserDatabase.
type Account struct {
	Username string
	UID      int
	GID      int
	Home     string
}

// Identity is the account the sandboxed process runs as. Owned is true only
// when the account was created for this invocation and must be deleted on
// teardown.
type Identity struct {
	Username string
	UID      int
	GID      int
	Home     string
	Owned    bool
}

func (i Identity) String() string {
	return fmt.Sprintf("%s(%d:%d)", i.Username, i.UID, i.GID)
}

// UserDatabase is the host's user-management facility.
type UserDatabase interface {
	// Lookup returns ErrNoSuchUser when name does not exist.
	Lookup(name string) (*Account, error)
	Create(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

// Manager resolves or synthesizes the identity of one invocation.
type Manager struct {
	logger *zap.Logger
	db     UserDatabase
	prefix string
	home   string
	pid    int
}

// ManagerOption defines a functional option for Manager
type ManagerOption func(*Manager)

// WithUserPrefix sets the prefix of synthesized account names
func WithUserPrefix(prefix string) ManagerOption {
	return func(m *Manager) {
		m.prefix = prefix
	}
}

// WithHome sets the home reported for pre-resolved ids
func WithHome(home string) ManagerOption {
	return func(m *Manager) {
		m.home = home
	}
}

// WithPID overrides the process id used to derive synthesized names
func WithPID(pid int) ManagerOption {
	return func(m *Manager) {
		m.pid = pid
	}
}

// NewManager creates a Manager backed by db.
func NewManager(logger *zap.Logger, db UserDatabase, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger: logger,
		db:     db,
		prefix: "app",
		home:   "/tmp",
		pid:    os.Getpid(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SynthesizedName is the account name used for "user: auto".
func (m *Manager) SynthesizedName() string {
	return fmt.Sprintf("%s-%d", m.prefix, m.pid)
}

// Resolve turns the capability identity into a concrete uid/gid pair. It
// always runs on the host, before any sandbox boundary is crossed.
func (m *Manager) Resolve(ctx context.Context, want capability.Identity) (Identity, error) {
	name := want.Username
	if want.IsAuto() {
		name = m.SynthesizedName()
	}
	if name == "" {
		return Identity{}, fmt.Errorf("%w: empty username", ErrUnknownUser)
	}

	// Pre-resolved ids skip the host lookup.
	if !want.IsAuto() && want.UID != nil && want.GID != nil {
		return Identity{Username: name, UID: *want.UID, GID: *want.GID, Home: m.home}, nil
	}

	acct, err := m.db.Lookup(name)
	switch {
	case err == nil:
		if want.IsAuto() {
			m.logger.Warn("synthesized user already exists, reusing it", zap.String("user", name))
		}
		return fromAccount(acct, false), nil
	case !errors.Is(err, ErrNoSuchUser):
		return Identity{}, fmt.Errorf("%w: lookup %s: %v", ErrIdentity, name, err)
	case !want.CreateUser:
		return Identity{}, fmt.Errorf("%w: %s", ErrUnknownUser, name)
	}

	return m.create(ctx, name)
}

func (m *Manager) create(ctx context.Context, name string) (Identity, error) {
	createErr := m.db.Create(ctx, name)

	// Creation is judged by whether the account exists afterwards.
	acct, err := m.db.Lookup(name)
	if err != nil {
		if createErr != nil {
			return Identity{}, fmt.Errorf("%w: %s: %v", ErrIdentityCreationFailed, name, createErr)
		}
		return Identity{}, fmt.Errorf("%w: %s not visible after creation: %v", ErrIdentityCreationFailed, name, err)
	}

	if createErr != nil {
		m.logger.Warn("user creation reported an error but the account exists, not taking ownership",
			zap.String("user", name), zap.Error(createErr))
		return fromAccount(acct, false), nil
	}

	m.logger.Info("created ephemeral user",
		zap.String("user", name), zap.Int("uid", acct.UID), zap.Int("gid", acct.GID))
	return fromAccount(acct, true), nil
}

// Release deletes id if it is owned. Accounts that were reused are left alone.
func (m *Manager) Release(ctx context.Context, id Identity) error {
	if !id.Owned {
		return nil
	}
	if err := m.db.Delete(ctx, id.Username); err != nil {
		return fmt.Errorf("failed to delete user %s: %w", id.Username, err)
	}
	m.logger.Info("deleted ephemeral user", zap.String("user", id.Username))
	return nil
}

func fromAccount(a *Account, owned bool) Identity {
	return Identity{
		Username: a.Username,
		UID:      a.UID,
		GID:      a.GID,
		Home:     a.Home,
		Owned:    owned,
	}
}
