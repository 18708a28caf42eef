package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/isolate/capability"
	"github.com/isdmx/isolate/exithook"
	"github.com/isdmx/isolate/identity"
)

// fakeProvider keeps the host state a real provider would change: accounts,
// the sandbox registry, roots and mounts.
type fakeProvider struct {
	calls []string
	fail  map[string]error
	// during runs inside the named step.
	during map[string]func()

	users     map[string]bool
	sandboxes map[string]bool
	roots     map[string]bool
	mounts    map[string]bool
	memory    map[string]uint64

	attached            bool
	dropped             bool
	droppedWhileOutside bool
	uidAtPrepare        int
	binary              string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		fail:         map[string]error{},
		during:       map[string]func(){},
		users:        map[string]bool{},
		sandboxes:    map[string]bool{},
		roots:        map[string]bool{},
		mounts:       map[string]bool{},
		memory:       map[string]uint64{},
		uidAtPrepare: -1,
	}
}

func (f *fakeProvider) call(name string) error {
	f.calls = append(f.calls, name)
	if fn := f.during[name]; fn != nil {
		fn()
	}
	return f.fail[name]
}

// clean reports whether nothing the provider created is left on the host.
func (f *fakeProvider) clean() bool {
	return len(f.users) == 0 && len(f.sandboxes) == 0 && len(f.roots) == 0 && len(f.mounts) == 0
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ResolveIdentity(_ context.Context, spec *capability.Spec) (identity.Identity, error) {
	if err := f.call("resolve"); err != nil {
		return identity.Identity{}, err
	}
	if spec.Identity.IsAuto() {
		f.users["app-42"] = true
		return identity.Identity{Username: "app-42", UID: 1001, GID: 1001, Owned: true}, nil
	}
	return identity.Identity{Username: spec.Identity.Username, UID: 1002, GID: 1002}, nil
}

func (f *fakeProvider) PrepareRoot(_ context.Context, _ *capability.Spec, ictx *Context, binary string) ([]string, error) {
	f.uidAtPrepare = ictx.Identity.UID
	f.binary = binary
	root := filepath.Join("/tmp", ictx.Name)
	f.roots[root] = true
	ictx.SetRoot(root)
	lib := filepath.Join(root, "lib")
	f.mounts[lib] = true
	ictx.AddMount(lib)
	if err := f.call("prepare"); err != nil {
		return nil, err
	}
	return []string{"file rule skipped /nonexistent:rw"}, nil
}

func (f *fakeProvider) CreateSandbox(_ context.Context, ictx *Context) error {
	if err := f.call("create"); err != nil {
		return err
	}
	f.sandboxes[ictx.Name] = true
	return nil
}

func (f *fakeProvider) ApplyLimits(_ context.Context, ictx *Context, l capability.Limits) []string {
	_ = f.call("limits")
	f.memory[ictx.Name] = l.MemoryBytes
	return nil
}

func (f *fakeProvider) ApplyNetworkPolicy(context.Context, *Context, *capability.Spec) ([]string, error) {
	return nil, f.call("network")
}

func (f *fakeProvider) Attach(context.Context, *Context) error {
	if err := f.call("attach"); err != nil {
		return err
	}
	f.attached = true
	return nil
}

func (f *fakeProvider) DropPrivileges(context.Context, *Context, *capability.Spec) error {
	if err := f.call("drop"); err != nil {
		return err
	}
	if !f.attached {
		f.droppedWhileOutside = true
	}
	f.dropped = true
	return nil
}

func (f *fakeProvider) Detach(*Context) error {
	if err := f.call("detach"); err != nil {
		return err
	}
	f.attached = false
	return nil
}

func (f *fakeProvider) Unmount(target string) error {
	if err := f.call("unmount"); err != nil {
		return err
	}
	delete(f.mounts, target)
	return nil
}

func (f *fakeProvider) DestroySandbox(ictx *Context) error {
	if err := f.call("destroy"); err != nil {
		return err
	}
	delete(f.sandboxes, ictx.Name)
	delete(f.memory, ictx.Name)
	return nil
}

func (f *fakeProvider) RemoveRoot(root string) error {
	if err := f.call("remove"); err != nil {
		return err
	}
	for m := range f.mounts {
		if strings.HasPrefix(m, root) {
			return fmt.Errorf("refusing to remove %s: still mounted", root)
		}
	}
	delete(f.roots, root)
	return nil
}

func (f *fakeProvider) DeleteIdentity(_ context.Context, id identity.Identity) error {
	if err := f.call("delete-user"); err != nil {
		return err
	}
	delete(f.users, id.Username)
	return nil
}

func parseSpec(t *testing.T, input string) *capability.Spec {
	t.Helper()
	spec, diags, err := capability.Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Empty(t, diags)
	return spec
}

const autoUserSpec = "user: auto\nmemory: 64M\nnetwork: tcp:8080:inbound\n"

func TestControllerCreate(t *testing.T) {
	t.Run("AutoIdentityWithMemoryLimit", func(t *testing.T) {
		p := newFakeProvider()
		c := NewController(zaptest.NewLogger(t), p, WithName("isolate-42"))

		ictx, err := c.Create(context.Background(), parseSpec(t, autoUserSpec), "/usr/local/bin/server")
		require.NoError(t, err)

		assert.Equal(t, StatePrivilegeDropped, ictx.State)
		assert.Equal(t, "app-42", ictx.Identity.Username)
		assert.True(t, ictx.Identity.Owned)
		assert.Equal(t, uint64(67108864), p.memory["isolate-42"])
		assert.True(t, p.sandboxes["isolate-42"])
		assert.True(t, p.attached)
		assert.True(t, p.dropped)
		assert.Equal(t, []string{"resolve", "prepare", "create", "limits", "network", "attach", "drop"}, p.calls)
		assert.Equal(t, []string{"file rule skipped /nonexistent:rw"}, ictx.Warnings)
		assert.Same(t, ictx, c.Context())
	})

	t.Run("IdentityBeforeRootAttachBeforeDrop", func(t *testing.T) {
		p := newFakeProvider()
		c := NewController(zaptest.NewLogger(t), p)

		_, err := c.Create(context.Background(), capability.Default(), "/bin/true")
		require.NoError(t, err)
		assert.Equal(t, 1001, p.uidAtPrepare)
		assert.False(t, p.droppedWhileOutside)
	})

	t.Run("SecondCreate", func(t *testing.T) {
		c := NewController(zaptest.NewLogger(t), newFakeProvider())

		_, err := c.Create(context.Background(), capability.Default(), "/bin/true")
		require.NoError(t, err)
		_, err = c.Create(context.Background(), capability.Default(), "/bin/true")
		require.ErrorIs(t, err, ErrContextExists)
	})

	t.Run("TargetFromEnvironment", func(t *testing.T) {
		p := newFakeProvider()
		c := NewController(zaptest.NewLogger(t), p, WithEnvLookup(func(key string) string {
			if key == "ISOLATE_TARGET_BINARY" {
				return "/opt/tool/bin/tool"
			}
			return ""
		}))

		_, err := c.Create(context.Background(), capability.Default(), "")
		require.NoError(t, err)
		assert.Equal(t, "/opt/tool/bin/tool", p.binary)
	})

	t.Run("RelativeTargetIsMadeAbsolute", func(t *testing.T) {
		p := newFakeProvider()
		c := NewController(zaptest.NewLogger(t), p)

		_, err := c.Create(context.Background(), capability.Default(), "bin/tool")
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(p.binary))
		assert.Equal(t, "tool", filepath.Base(p.binary))
	})

	t.Run("NoTarget", func(t *testing.T) {
		p := newFakeProvider()
		c := NewController(zaptest.NewLogger(t), p, WithEnvLookup(func(string) string { return "" }))

		_, err := c.Create(context.Background(), capability.Default(), "")
		require.ErrorIs(t, err, ErrNoTarget)
		assert.Empty(t, p.calls)
		assert.Nil(t, c.Context())
	})
}

func TestControllerRollback(t *testing.T) {
	tests := []struct {
		step     string
		err      error
		state    State
		sentinel error
	}{
		{"prepare", fmt.Errorf("%w: workspace missing", ErrFilesystem), StateRootPrepared, ErrFilesystem},
		{"create", fmt.Errorf("%w: name taken", ErrSandboxCreation), StateSandboxCreated, ErrSandboxCreation},
		{"network", fmt.Errorf("%w: rules not enforced", ErrNetworkPolicy), StateNetworkPolicyApplied, ErrNetworkPolicy},
		{"attach", fmt.Errorf("%w: operation not permitted", ErrAttach), StateAttached, ErrAttach},
		{"drop", fmt.Errorf("%w: setuid", ErrPrivilege), StatePrivilegeDropped, ErrPrivilege},
	}

	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			p := newFakeProvider()
			p.fail[tt.step] = tt.err
			c := NewController(zaptest.NewLogger(t), p, WithName("isolate-7"))

			ictx, err := c.Create(context.Background(), parseSpec(t, autoUserSpec), "/bin/true")
			require.Error(t, err)
			assert.Nil(t, ictx)
			require.ErrorIs(t, err, tt.sentinel)

			var stepErr *StepError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, tt.state, stepErr.Step)
			assert.NoError(t, stepErr.Teardown)

			assert.False(t, p.sandboxes["isolate-7"], "sandbox left registered")
			assert.True(t, p.clean(), "host residue after rollback")
			assert.Equal(t, StateTornDown, c.Context().State)
			assert.True(t, c.Context().Empty())
		})
	}

	t.Run("IdentityFailureLeavesNothing", func(t *testing.T) {
		p := newFakeProvider()
		p.fail["resolve"] = fmt.Errorf("%w: useradd exited 1", identity.ErrIdentityCreationFailed)
		c := NewController(zaptest.NewLogger(t), p)

		_, err := c.Create(context.Background(), parseSpec(t, autoUserSpec), "/bin/true")
		require.ErrorIs(t, err, ErrIdentity)
		assert.Equal(t, []string{"resolve"}, p.calls)
		assert.True(t, p.clean())
		assert.Equal(t, StateTornDown, c.Context().State)
	})

	t.Run("DetachAfterAttach", func(t *testing.T) {
		p := newFakeProvider()
		p.fail["drop"] = ErrPrivilege
		c := NewController(zaptest.NewLogger(t), p)

		_, err := c.Create(context.Background(), capability.Default(), "/bin/true")
		require.Error(t, err)
		assert.Contains(t, p.calls, "detach")
		assert.False(t, p.attached)
	})

	t.Run("IncompleteRollbackIsReported", func(t *testing.T) {
		p := newFakeProvider()
		p.fail["attach"] = ErrAttach
		p.fail["destroy"] = errors.New("device busy")
		c := NewController(zaptest.NewLogger(t), p)

		_, err := c.Create(context.Background(), capability.Default(), "/bin/true")
		var stepErr *StepError
		require.ErrorAs(t, err, &stepErr)
		require.Error(t, stepErr.Teardown)
		assert.Contains(t, err.Error(), "rollback incomplete")
		assert.Equal(t, StateRollingBack, c.Context().State)
		assert.True(t, c.Context().SandboxCreated)
	})
}

func TestControllerCleanup(t *testing.T) {
	t.Run("BeforeCreate", func(t *testing.T) {
		p := newFakeProvider()
		c := NewController(zaptest.NewLogger(t), p)

		require.NoError(t, c.Cleanup())
		require.NoError(t, c.Cleanup())
		assert.Empty(t, p.calls)
	})

	t.Run("Twice", func(t *testing.T) {
		p := newFakeProvider()
		c := NewController(zaptest.NewLogger(t), p)
		_, err := c.Create(context.Background(), parseSpec(t, autoUserSpec), "/bin/true")
		require.NoError(t, err)

		require.NoError(t, c.Cleanup())
		assert.True(t, p.clean())
		calls := len(p.calls)

		require.NoError(t, c.Cleanup())
		assert.True(t, p.clean())
		assert.Len(t, p.calls, calls, "second teardown touched the host")
		assert.Equal(t, StateTornDown, c.Context().State)
	})

	t.Run("ReverseOrder", func(t *testing.T) {
		p := newFakeProvider()
		c := NewController(zaptest.NewLogger(t), p)
		_, err := c.Create(context.Background(), parseSpec(t, autoUserSpec), "/bin/true")
		require.NoError(t, err)
		p.calls = nil

		require.NoError(t, c.Cleanup())
		assert.Equal(t, []string{"detach", "unmount", "destroy", "remove", "delete-user"}, p.calls)
	})

	t.Run("ReusedIdentityIsKept", func(t *testing.T) {
		p := newFakeProvider()
		c := NewController(zaptest.NewLogger(t), p)
		_, err := c.Create(context.Background(), parseSpec(t, "user: www\n"), "/bin/true")
		require.NoError(t, err)

		require.NoError(t, c.Cleanup())
		assert.NotContains(t, p.calls, "delete-user")
	})

	t.Run("RetriesOnlyWhatFailed", func(t *testing.T) {
		p := newFakeProvider()
		c := NewController(zaptest.NewLogger(t), p)
		_, err := c.Create(context.Background(), parseSpec(t, autoUserSpec), "/bin/true")
		require.NoError(t, err)

		p.fail["unmount"] = errors.New("device or resource busy")
		err = c.Cleanup()
		require.Error(t, err)
		ictx := c.Context()
		assert.Len(t, ictx.Mounts, 1)
		assert.NotEmpty(t, ictx.Root, "root removed while still mounted")
		assert.False(t, ictx.SandboxCreated)
		assert.Empty(t, p.users)

		delete(p.fail, "unmount")
		p.calls = nil
		require.NoError(t, c.Cleanup())
		assert.Equal(t, []string{"unmount", "remove"}, p.calls)
		assert.True(t, p.clean())
	})
}

func TestControllerExitHook(t *testing.T) {
	t.Run("TearsDownAfterSetup", func(t *testing.T) {
		p := newFakeProvider()
		exitCode := -1
		hooks := exithook.New(zaptest.NewLogger(t), exithook.WithExitFunc(func(code int) { exitCode = code }))
		c := NewController(zaptest.NewLogger(t), p, WithExitHooks(hooks))

		_, err := c.Create(context.Background(), parseSpec(t, autoUserSpec), "/bin/true")
		require.NoError(t, err)
		require.False(t, p.clean())

		hooks.Exit(0)
		assert.Equal(t, 0, exitCode)
		assert.True(t, p.clean())
		assert.Equal(t, StateTornDown, c.Context().State)
	})

	t.Run("SignalDuringSetupCancelsRemainingSteps", func(t *testing.T) {
		p := newFakeProvider()
		codes := make(chan int, 1)
		hooks := exithook.New(zaptest.NewLogger(t), exithook.WithExitFunc(func(code int) { codes <- code }))
		c := NewController(zaptest.NewLogger(t), p, WithExitHooks(hooks))

		p.during["limits"] = func() {
			go hooks.Exit(143)
			require.Eventually(t, c.cancelled.Load, 5*time.Second, time.Millisecond)
		}

		_, err := c.Create(context.Background(), parseSpec(t, autoUserSpec), "/bin/true")
		require.ErrorIs(t, err, ErrCancelled)
		var stepErr *StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, StateNetworkPolicyApplied, stepErr.Step)

		select {
		case code := <-codes:
			assert.Equal(t, 143, code)
		case <-time.After(5 * time.Second):
			t.Fatal("exit hook did not finish")
		}
		assert.NotContains(t, p.calls, "attach")
		assert.False(t, p.dropped)
		assert.True(t, p.clean())
		assert.True(t, hooks.Ran())
	})
}
