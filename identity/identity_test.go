package identity

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/isolate/capability"
)

// memoryDatabase is an in-memory UserDatabase.
type memoryDatabase struct {
	accounts  map[string]*Account
	nextUID   int
	createErr error
	// createAnyway adds the account even when createErr is set.
	createAnyway bool
	lookupErr    error
	created      []string
	deleted      []string
}

func newMemoryDatabase() *memoryDatabase {
	return &memoryDatabase{
		accounts: map[string]*Account{
			"root": {Username: "root", UID: 0, GID: 0, Home: "/root"},
			"www":  {Username: "www", UID: 80, GID: 80, Home: "/nonexistent"},
		},
		nextUID: 1001,
	}
}

func (m *memoryDatabase) Lookup(name string) (*Account, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	a, ok := m.accounts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchUser, name)
	}
	return a, nil
}

func (m *memoryDatabase) Create(_ context.Context, name string) error {
	m.created = append(m.created, name)
	if m.createErr == nil || m.createAnyway {
		m.accounts[name] = &Account{Username: name, UID: m.nextUID, GID: m.nextUID, Home: "/tmp"}
		m.nextUID++
	}
	return m.createErr
}

func (m *memoryDatabase) Delete(_ context.Context, name string) error {
	m.deleted = append(m.deleted, name)
	delete(m.accounts, name)
	return nil
}

func TestManagerResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("AutoCreatesUser", func(t *testing.T) {
		db := newMemoryDatabase()
		m := NewManager(zaptest.NewLogger(t), db, WithPID(4242))

		id, err := m.Resolve(ctx, capability.Default().Identity)
		require.NoError(t, err)
		assert.Equal(t, "app-4242", id.Username)
		assert.Equal(t, 1001, id.UID)
		assert.Equal(t, 1001, id.GID)
		assert.True(t, id.Owned)
		assert.Equal(t, []string{"app-4242"}, db.created)
	})

	t.Run("AutoNameIsDistinctFromExistingAccounts", func(t *testing.T) {
		db := newMemoryDatabase()
		m := NewManager(zaptest.NewLogger(t), db, WithPID(7), WithUserPrefix("sbx"))

		id, err := m.Resolve(ctx, capability.Default().Identity)
		require.NoError(t, err)
		assert.Equal(t, "sbx-7", id.Username)
		assert.NotEqual(t, "root", id.Username)
		assert.NotEqual(t, "www", id.Username)
	})

	t.Run("AutoReusesExistingAccount", func(t *testing.T) {
		db := newMemoryDatabase()
		db.accounts["app-9"] = &Account{Username: "app-9", UID: 2000, GID: 2000}
		m := NewManager(zaptest.NewLogger(t), db, WithPID(9))

		id, err := m.Resolve(ctx, capability.Default().Identity)
		require.NoError(t, err)
		assert.False(t, id.Owned)
		assert.Equal(t, 2000, id.UID)
		assert.Empty(t, db.created)
	})

	t.Run("ConcreteUser", func(t *testing.T) {
		m := NewManager(zaptest.NewLogger(t), newMemoryDatabase())

		id, err := m.Resolve(ctx, capability.Identity{Username: "www"})
		require.NoError(t, err)
		assert.Equal(t, Identity{Username: "www", UID: 80, GID: 80, Home: "/nonexistent"}, id)
	})

	t.Run("UnknownUser", func(t *testing.T) {
		db := newMemoryDatabase()
		m := NewManager(zaptest.NewLogger(t), db)

		_, err := m.Resolve(ctx, capability.Identity{Username: "nobody-here"})
		require.ErrorIs(t, err, ErrUnknownUser)
		require.ErrorIs(t, err, ErrIdentity)
		assert.Empty(t, db.created)
	})

	t.Run("ConcreteUserCreatedWhenAllowed", func(t *testing.T) {
		db := newMemoryDatabase()
		m := NewManager(zaptest.NewLogger(t), db)

		id, err := m.Resolve(ctx, capability.Identity{Username: "builder", CreateUser: true})
		require.NoError(t, err)
		assert.True(t, id.Owned)
		assert.Equal(t, "builder", id.Username)
	})

	t.Run("CreationFails", func(t *testing.T) {
		db := newMemoryDatabase()
		db.createErr = errors.New("useradd exited with status 1")
		m := NewManager(zaptest.NewLogger(t), db, WithPID(11))

		_, err := m.Resolve(ctx, capability.Default().Identity)
		require.ErrorIs(t, err, ErrIdentityCreationFailed)
		require.ErrorIs(t, err, ErrIdentity)
		assert.NotContains(t, db.accounts, "app-11")
	})

	t.Run("CreationErrorButAccountExists", func(t *testing.T) {
		db := newMemoryDatabase()
		db.createErr = errors.New("useradd: warning: cannot update nscd cache")
		db.createAnyway = true
		m := NewManager(zaptest.NewLogger(t), db, WithPID(12))

		id, err := m.Resolve(ctx, capability.Default().Identity)
		require.NoError(t, err)
		assert.False(t, id.Owned)
	})

	t.Run("LookupFailure", func(t *testing.T) {
		db := newMemoryDatabase()
		db.lookupErr = errors.New("nsswitch unavailable")
		m := NewManager(zaptest.NewLogger(t), db)

		_, err := m.Resolve(ctx, capability.Identity{Username: "www"})
		require.ErrorIs(t, err, ErrIdentity)
		assert.NotErrorIs(t, err, ErrUnknownUser)
	})

	t.Run("PreResolvedIDs", func(t *testing.T) {
		db := newMemoryDatabase()
		db.lookupErr = errors.New("lookup must not be called")
		uid, gid := 3000, 3001
		m := NewManager(zaptest.NewLogger(t), db)

		id, err := m.Resolve(ctx, capability.Identity{Username: "svc", UID: &uid, GID: &gid})
		require.NoError(t, err)
		assert.Equal(t, 3000, id.UID)
		assert.Equal(t, 3001, id.GID)
		assert.Equal(t, "/tmp", id.Home)
		assert.False(t, id.Owned)
	})

	t.Run("PreResolvedIDsUseConfiguredHome", func(t *testing.T) {
		uid, gid := 3000, 3001
		m := NewManager(zaptest.NewLogger(t), newMemoryDatabase(), WithHome("/srv/sandbox"))

		id, err := m.Resolve(ctx, capability.Identity{Username: "svc", UID: &uid, GID: &gid})
		require.NoError(t, err)
		assert.Equal(t, "/srv/sandbox", id.Home)
	})
}

func TestManagerRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("OwnedIsDeleted", func(t *testing.T) {
		db := newMemoryDatabase()
		m := NewManager(zaptest.NewLogger(t), db, WithPID(5))
		id, err := m.Resolve(ctx, capability.Default().Identity)
		require.NoError(t, err)

		require.NoError(t, m.Release(ctx, id))
		assert.Equal(t, []string{"app-5"}, db.deleted)
		assert.NotContains(t, db.accounts, "app-5")
	})

	t.Run("ReusedIsKept", func(t *testing.T) {
		db := newMemoryDatabase()
		m := NewManager(zaptest.NewLogger(t), db)

		require.NoError(t, m.Release(ctx, Identity{Username: "www", UID: 80, GID: 80}))
		assert.Empty(t, db.deleted)
		assert.Contains(t, db.accounts, "www")
	})
}

type recordingRunner struct {
	exitCode int
	stderr   string
	calls    [][]string
}

func (r *recordingRunner) RunCommand(_ context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	r.calls = append(r.calls, args)
	return "", r.stderr, r.exitCode, nil
}

func TestHostDatabase(t *testing.T) {
	ctx := context.Background()
	lookup := func(name string) (*user.User, error) {
		switch name {
		case "www":
			return &user.User{Username: "www", Uid: "80", Gid: "80", HomeDir: "/nonexistent"}, nil
		case "broken":
			return &user.User{Username: "broken", Uid: "x", Gid: "0"}, nil
		}
		return nil, user.UnknownUserError(name)
	}

	t.Run("Lookup", func(t *testing.T) {
		db := NewHostDatabase(zaptest.NewLogger(t), "/usr/sbin/nologin", "/tmp", WithLookup(lookup))

		acct, err := db.Lookup("www")
		require.NoError(t, err)
		assert.Equal(t, &Account{Username: "www", UID: 80, GID: 80, Home: "/nonexistent"}, acct)

		_, err = db.Lookup("ghost")
		require.ErrorIs(t, err, ErrNoSuchUser)

		_, err = db.Lookup("broken")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoSuchUser)
	})

	t.Run("ShadowUtilsCommands", func(t *testing.T) {
		runner := &recordingRunner{}
		db := NewHostDatabase(zaptest.NewLogger(t), "/usr/sbin/nologin", "/tmp",
			WithCommandRunner(runner), WithCommands(ShadowUtils), WithLookup(lookup))

		require.NoError(t, db.Create(ctx, "app-1"))
		require.NoError(t, db.Delete(ctx, "app-1"))
		assert.Equal(t, [][]string{
			{"useradd", "-M", "-U", "-s", "/usr/sbin/nologin", "-d", "/tmp", "-c", AccountComment, "app-1"},
			{"userdel", "app-1"},
		}, runner.calls)
	})

	t.Run("PwCommands", func(t *testing.T) {
		runner := &recordingRunner{}
		db := NewHostDatabase(zaptest.NewLogger(t), "/usr/sbin/nologin", "/tmp",
			WithCommandRunner(runner), WithCommands(Pw), WithLookup(lookup))

		require.NoError(t, db.Create(ctx, "app-1"))
		require.NoError(t, db.Delete(ctx, "app-1"))
		assert.Equal(t, []string{"pw", "useradd", "-n", "app-1", "-s", "/usr/sbin/nologin", "-d", "/tmp", "-c", AccountComment}, runner.calls[0])
		assert.Equal(t, []string{"pw", "userdel", "-n", "app-1"}, runner.calls[1])
	})

	t.Run("CreateFailure", func(t *testing.T) {
		runner := &recordingRunner{exitCode: 1, stderr: "useradd: Permission denied."}
		db := NewHostDatabase(zaptest.NewLogger(t), "/usr/sbin/nologin", "/tmp",
			WithCommandRunner(runner), WithCommands(ShadowUtils), WithLookup(lookup))

		err := db.Create(ctx, "app-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Permission denied")
	})

	t.Run("CreationFailureLeavesNoAccount", func(t *testing.T) {
		runner := &recordingRunner{exitCode: 1, stderr: "useradd: cannot lock /etc/passwd"}
		db := NewHostDatabase(zaptest.NewLogger(t), "/usr/sbin/nologin", "/tmp",
			WithCommandRunner(runner), WithCommands(ShadowUtils), WithLookup(lookup))
		m := NewManager(zaptest.NewLogger(t), db, WithPID(77))

		_, err := m.Resolve(ctx, capability.Default().Identity)
		require.ErrorIs(t, err, ErrIdentityCreationFailed)
		assert.Contains(t, err.Error(), "cannot lock")
	})
}
