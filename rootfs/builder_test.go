package rootfs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/isolate/capability"
	"github.com/isdmx/isolate/identity"
)

// fakeMounter records mounts in a set of mount points.
type fakeMounter struct {
	mounted   map[string]string
	readOnly  map[string]bool
	failBind  map[string]error
	failDev   error
	unmounted []string
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{
		mounted:  map[string]string{},
		readOnly: map[string]bool{},
		failBind: map[string]error{},
	}
}

func (m *fakeMounter) BindMount(source, target string, readOnly bool) error {
	if err, ok := m.failBind[source]; ok {
		return err
	}
	m.mounted[target] = source
	m.readOnly[target] = readOnly
	return nil
}

func (m *fakeMounter) MountDevices(target string) error {
	if m.failDev != nil {
		return m.failDev
	}
	m.mounted[target] = "devices"
	return nil
}

func (m *fakeMounter) Unmount(target string) error {
	m.unmounted = append(m.unmounted, target)
	delete(m.mounted, target)
	return nil
}

func (m *fakeMounter) MountsUnder(path string) ([]string, error) {
	var out []string
	for target := range m.mounted {
		if target == path || strings.HasPrefix(target, path+"/") {
			out = append(out, target)
		}
	}
	return out, nil
}

type recordingTracker struct {
	root   string
	mounts []string
}

func (r *recordingTracker) SetRoot(path string)    { r.root = path }
func (r *recordingTracker) AddMount(target string) { r.mounts = append(r.mounts, target) }

const testRoot = "/tmp/isolate-100"

func setup(t *testing.T) (*Builder, afero.Fs, *fakeMounter) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/usr/local/bin/server", []byte("\x7fELF"), 0o700))
	for _, dir := range []string{"/lib", "/usr/lib", "/srv/data", "/home/build/work", "/etc/ssl"} {
		require.NoError(t, fs.MkdirAll(dir, 0o755))
	}

	m := newFakeMounter()
	b := NewBuilder(zaptest.NewLogger(t), fs, m, Config{
		SystemMounts:   []string{"/lib", "/lib64", "/usr/lib"},
		WorkspaceMount: "/workspace",
		UserShell:      "/usr/sbin/nologin",
		UserHome:       "/tmp",
	})
	return b, fs, m
}

func request(spec *capability.Spec) Request {
	return Request{
		Root:     testRoot,
		Spec:     spec,
		Identity: identity.Identity{Username: "app-100", UID: 1001, GID: 1002, Owned: true},
		Binary:   "/usr/local/bin/server",
	}
}

func TestPrepare(t *testing.T) {
	t.Run("Layout", func(t *testing.T) {
		b, fs, m := setup(t)
		tracker := &recordingTracker{}

		warnings, err := b.Prepare(request(capability.Default()), tracker)
		require.NoError(t, err)
		assert.Empty(t, warnings)
		assert.Equal(t, testRoot, tracker.root)

		for _, dir := range Skeleton {
			ok, err := afero.DirExists(fs, filepath.Join(testRoot, dir))
			require.NoError(t, err)
			assert.True(t, ok, dir)
		}

		tmp, err := fs.Stat(filepath.Join(testRoot, "tmp"))
		require.NoError(t, err)
		assert.NotZero(t, tmp.Mode()&os.ModeSticky)
		assert.Equal(t, os.FileMode(0o777), tmp.Mode().Perm())

		bin, err := fs.Stat(filepath.Join(testRoot, "server"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o755), bin.Mode().Perm())
		content, err := afero.ReadFile(fs, filepath.Join(testRoot, "server"))
		require.NoError(t, err)
		assert.Equal(t, "\x7fELF", string(content))

		// /lib64 is absent on the host and silently skipped.
		assert.Equal(t, []string{
			testRoot + "/lib",
			testRoot + "/usr/lib",
			testRoot + "/dev",
		}, tracker.mounts)
		assert.True(t, m.readOnly[testRoot+"/lib"])
	})

	t.Run("IdentityDatabase", func(t *testing.T) {
		b, fs, _ := setup(t)

		_, err := b.Prepare(request(capability.Default()), &recordingTracker{})
		require.NoError(t, err)

		passwd, err := afero.ReadFile(fs, filepath.Join(testRoot, "etc/passwd"))
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(passwd)), "\n")
		require.Len(t, lines, 2)
		assert.True(t, strings.HasPrefix(lines[0], "root:*:0:0:"))
		assert.Equal(t, "app-100:*:1001:1002:isolate:/tmp:/usr/sbin/nologin", lines[1])

		group, err := afero.ReadFile(fs, filepath.Join(testRoot, "etc/group"))
		require.NoError(t, err)
		assert.Equal(t, "root:*:0:\napp-100:*:1002:\n", string(group))
	})

	t.Run("WorkspaceAndRules", func(t *testing.T) {
		b, _, m := setup(t)
		tracker := &recordingTracker{}
		spec := capability.Default()
		spec.WorkspacePath = "/home/build/work"
		spec.FileRules = []capability.FileRule{
			{Path: "/srv/data", Permissions: capability.PermRead | capability.PermWrite},
			{Path: "/etc/ssl", Permissions: capability.PermRead},
		}

		warnings, err := b.Prepare(request(spec), tracker)
		require.NoError(t, err)
		assert.Empty(t, warnings)

		assert.Equal(t, "/home/build/work", m.mounted[testRoot+"/workspace"])
		assert.False(t, m.readOnly[testRoot+"/workspace"])
		assert.False(t, m.readOnly[testRoot+"/srv/data"])
		assert.True(t, m.readOnly[testRoot+"/etc/ssl"])

		// Workspace before rules, device view last.
		assert.Equal(t, []string{
			testRoot + "/lib",
			testRoot + "/usr/lib",
			testRoot + "/workspace",
			testRoot + "/srv/data",
			testRoot + "/etc/ssl",
			testRoot + "/dev",
		}, tracker.mounts)
	})

	t.Run("NonexistentRuleIsSkipped", func(t *testing.T) {
		b, fs, _ := setup(t)
		tracker := &recordingTracker{}
		spec := capability.Default()
		spec.FileRules = []capability.FileRule{
			{Path: "/nonexistent", Permissions: capability.PermRead | capability.PermWrite},
			{Path: "/srv/data", Permissions: capability.PermRead},
		}

		warnings, err := b.Prepare(request(spec), tracker)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "/nonexistent")

		ok, err := afero.Exists(fs, filepath.Join(testRoot, "nonexistent"))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Contains(t, tracker.mounts, testRoot+"/srv/data")
	})

	t.Run("RuleWithoutReadIsSkipped", func(t *testing.T) {
		b, _, m := setup(t)
		spec := capability.Default()
		spec.FileRules = []capability.FileRule{{Path: "/srv/data", Permissions: capability.PermWrite}}

		warnings, err := b.Prepare(request(spec), &recordingTracker{})
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.NotContains(t, m.mounted, testRoot+"/srv/data")
	})

	t.Run("RuleMountFailureIsWarning", func(t *testing.T) {
		b, fs, m := setup(t)
		m.failBind["/srv/data"] = errors.New("permission denied")
		spec := capability.Default()
		spec.FileRules = []capability.FileRule{{Path: "/srv/data", Permissions: capability.PermRead}}

		warnings, err := b.Prepare(request(spec), &recordingTracker{})
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		ok, _ := afero.Exists(fs, filepath.Join(testRoot, "srv/data"))
		assert.False(t, ok)
	})

	t.Run("DeviceFailureIsWarning", func(t *testing.T) {
		b, _, m := setup(t)
		m.failDev = errors.New("operation not permitted")
		tracker := &recordingTracker{}

		warnings, err := b.Prepare(request(capability.Default()), tracker)
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.NotContains(t, tracker.mounts, testRoot+"/dev")
	})

	t.Run("WorkspaceMissingIsFatal", func(t *testing.T) {
		b, _, _ := setup(t)
		tracker := &recordingTracker{}
		spec := capability.Default()
		spec.WorkspacePath = "/home/nobody/work"

		_, err := b.Prepare(request(spec), tracker)
		require.ErrorIs(t, err, ErrFilesystem)
		assert.Equal(t, testRoot, tracker.root, "root is tracked for teardown")
	})

	t.Run("WorkspaceMountFailureIsFatal", func(t *testing.T) {
		b, _, m := setup(t)
		m.failBind["/home/build/work"] = errors.New("device busy")
		spec := capability.Default()
		spec.WorkspacePath = "/home/build/work"

		_, err := b.Prepare(request(spec), &recordingTracker{})
		require.ErrorIs(t, err, ErrFilesystem)
	})

	t.Run("MissingBinaryIsFatal", func(t *testing.T) {
		b, _, _ := setup(t)
		req := request(capability.Default())
		req.Binary = "/usr/local/bin/missing"

		_, err := b.Prepare(req, &recordingTracker{})
		require.ErrorIs(t, err, ErrFilesystem)
	})

	t.Run("StaleRootIsReplaced", func(t *testing.T) {
		b, fs, _ := setup(t)
		require.NoError(t, afero.WriteFile(fs, testRoot+"/leftover", []byte("x"), 0o644))

		_, err := b.Prepare(request(capability.Default()), &recordingTracker{})
		require.NoError(t, err)
		ok, _ := afero.Exists(fs, testRoot+"/leftover")
		assert.False(t, ok)
	})

	t.Run("StaleRootStillMounted", func(t *testing.T) {
		b, fs, m := setup(t)
		require.NoError(t, fs.MkdirAll(testRoot+"/workspace", 0o755))
		m.mounted[testRoot+"/workspace"] = "/home/build/work"

		_, err := b.Prepare(request(capability.Default()), &recordingTracker{})
		require.ErrorIs(t, err, ErrFilesystem)
	})
}

func TestRemove(t *testing.T) {
	t.Run("Missing", func(t *testing.T) {
		b, _, _ := setup(t)
		require.NoError(t, b.Remove("/tmp/not-there"))
	})

	t.Run("RefusesWhileMounted", func(t *testing.T) {
		b, fs, m := setup(t)
		_, err := b.Prepare(request(capability.Default()), &recordingTracker{})
		require.NoError(t, err)

		require.Error(t, b.Remove(testRoot))
		ok, _ := afero.DirExists(fs, testRoot)
		assert.True(t, ok)

		for target := range m.mounted {
			require.NoError(t, b.Unmount(target))
		}
		require.NoError(t, b.Remove(testRoot))
		ok, _ = afero.Exists(fs, testRoot)
		assert.False(t, ok)

		// Host directories behind the binds are untouched.
		ok, _ = afero.DirExists(fs, "/usr/lib")
		assert.True(t, ok)
	})
}

func TestStagedPath(t *testing.T) {
	assert.Equal(t, "/server", StagedPath("/usr/local/bin/server"))
	assert.Equal(t, "/a.out", StagedPath("a.out"))
}
