package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/isdmx/isolate/capability"
	"github.com/isdmx/isolate/config"
	"github.com/isdmx/isolate/identity"
	"github.com/isdmx/isolate/netpolicy"
	"github.com/isdmx/isolate/privilege"
	"github.com/isdmx/isolate/rootfs"
)

// Plan is the ordered list of host changes a dry run stood in for.
type Plan struct {
	mu    sync.Mutex
	steps []string
}

// Add appends one step.
func (p *Plan) Add(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, fmt.Sprintf(format, args...))
}

// Steps returns a copy of the recorded steps.
func (p *Plan) Steps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.steps...)
}

func (p *Plan) String() string {
	return strings.Join(p.Steps(), "\n")
}

// DryRunProvider walks the full setup chain without changing the host. The
// root is built in memory over a read-only view of the host filesystem, and
// account, mount, sandbox and credential changes are recorded on a Plan.
type DryRunProvider struct {
	logger     *zap.Logger
	plan       *Plan
	identities *identity.Manager
	builder    *rootfs.Builder
	policy     netpolicy.Policy
	env        privilege.EnvConfig
	rootBase   string
}

// DryRunOption defines a functional option for DryRunProvider
type DryRunOption func(*dryRunSettings)

type dryRunSettings struct {
	fs     afero.Fs
	lookup func(name string) (*identity.Account, error)
	pid    int
}

// WithDryRunFs sets the filesystem the root is built on
func WithDryRunFs(fs afero.Fs) DryRunOption {
	return func(s *dryRunSettings) {
		s.fs = fs
	}
}

// WithAccountLookup replaces the host account lookup
func WithAccountLookup(fn func(name string) (*identity.Account, error)) DryRunOption {
	return func(s *dryRunSettings) {
		s.lookup = fn
	}
}

// WithDryRunPID overrides the pid synthesized account names derive from
func WithDryRunPID(pid int) DryRunOption {
	return func(s *dryRunSettings) {
		s.pid = pid
	}
}

// NewDryRunProvider creates a DryRunProvider for cfg.
func NewDryRunProvider(logger *zap.Logger, cfg *config.Config, opts ...DryRunOption) *DryRunProvider {
	iso := cfg.Isolation
	settings := &dryRunSettings{
		fs:     afero.NewCopyOnWriteFs(afero.NewReadOnlyFs(afero.NewOsFs()), afero.NewMemMapFs()),
		lookup: identity.NewHostDatabase(logger, iso.UserShell, iso.UserHome).Lookup,
	}
	for _, opt := range opts {
		opt(settings)
	}

	plan := &Plan{}
	db := &planDatabase{
		plan:     plan,
		lookup:   settings.lookup,
		commands: identity.DefaultCommands(),
		shell:    iso.UserShell,
		home:     iso.UserHome,
		created:  map[string]*identity.Account{},
	}
	managerOpts := []identity.ManagerOption{identity.WithUserPrefix(iso.UserPrefix), identity.WithHome(iso.UserHome)}
	if settings.pid != 0 {
		managerOpts = append(managerOpts, identity.WithPID(settings.pid))
	}

	return &DryRunProvider{
		logger:     logger,
		plan:       plan,
		identities: identity.NewManager(logger, db, managerOpts...),
		builder:    rootfs.NewBuilder(logger, settings.fs, planMounter{plan: plan}, rootfsConfig(cfg)),
		policy:     netpolicy.NewBasic(logger, netpolicy.WithStrict(iso.StrictNetwork)),
		env:        envConfig(cfg),
		rootBase:   iso.RootBase,
	}
}

// Plan returns the recorded plan.
func (d *DryRunProvider) Plan() *Plan {
	return d.plan
}

// Name implements Provider.
func (d *DryRunProvider) Name() string {
	return config.BackendDryRun
}

// ResolveIdentity implements Provider.
func (d *DryRunProvider) ResolveIdentity(ctx context.Context, spec *capability.Spec) (identity.Identity, error) {
	id, err := d.identities.Resolve(ctx, spec.Identity)
	if err != nil {
		return id, err
	}
	d.plan.Add("run as %s", id)
	return id, nil
}

// PrepareRoot implements Provider.
func (d *DryRunProvider) PrepareRoot(_ context.Context, spec *capability.Spec, ictx *Context, binary string) ([]string, error) {
	root := filepath.Join(d.rootBase, ictx.Name)
	d.plan.Add("create root %s", root)
	d.plan.Add("stage %s as %s", binary, rootfs.StagedPath(binary))
	return d.builder.Prepare(rootfs.Request{
		Root:     root,
		Spec:     spec,
		Identity: ictx.Identity,
		Binary:   binary,
	}, ictx)
}

// CreateSandbox implements Provider.
func (d *DryRunProvider) CreateSandbox(_ context.Context, ictx *Context) error {
	d.plan.Add("create sandbox %s", ictx.Name)
	return nil
}

// ApplyLimits implements Provider.
func (d *DryRunProvider) ApplyLimits(_ context.Context, ictx *Context, l capability.Limits) []string {
	if l.MemoryBytes > 0 {
		d.plan.Add("limit %s memory to %d bytes", ictx.Name, l.MemoryBytes)
	}
	if l.MaxProcesses > 0 {
		d.plan.Add("limit %s to %d processes", ictx.Name, l.MaxProcesses)
	}
	if l.MaxCPUPercent > 0 {
		d.plan.Add("limit %s to %d%% cpu", ictx.Name, l.MaxCPUPercent)
	}
	return nil
}

// ApplyNetworkPolicy implements Provider.
func (d *DryRunProvider) ApplyNetworkPolicy(_ context.Context, ictx *Context, spec *capability.Spec) ([]string, error) {
	decision, warnings, err := d.policy.Decide(spec)
	if err != nil {
		return nil, err
	}
	if decision.Isolate {
		d.plan.Add("isolate %s from the network", ictx.Name)
	} else {
		d.plan.Add("share the host network with %s", ictx.Name)
	}
	ictx.NetworkIsolated = decision.Isolate
	return warnings, nil
}

// Attach implements Provider.
func (d *DryRunProvider) Attach(_ context.Context, ictx *Context) error {
	d.plan.Add("attach to %s with root %s", ictx.Name, ictx.Root)
	return nil
}

// DropPrivileges implements Provider.
func (d *DryRunProvider) DropPrivileges(_ context.Context, ictx *Context, spec *capability.Spec) error {
	id := ictx.Identity
	d.plan.Add("drop privileges to uid %d gid %d", id.UID, id.GID)
	for _, kv := range privilege.Environment(id, spec, d.env) {
		d.plan.Add("export %s", kv)
	}
	if spec.Limits.MaxFiles > 0 {
		d.plan.Add("limit %s to %d open files", ictx.Name, spec.Limits.MaxFiles)
	}
	return nil
}

// Detach implements Provider.
func (d *DryRunProvider) Detach(ictx *Context) error {
	d.plan.Add("detach from %s", ictx.Name)
	return nil
}

// Unmount implements Provider.
func (d *DryRunProvider) Unmount(target string) error {
	return d.builder.Unmount(target)
}

// DestroySandbox implements Provider.
func (d *DryRunProvider) DestroySandbox(ictx *Context) error {
	d.plan.Add("destroy sandbox %s", ictx.Name)
	return nil
}

// RemoveRoot implements Provider.
func (d *DryRunProvider) RemoveRoot(root string) error {
	d.plan.Add("remove root %s", root)
	return d.builder.Remove(root)
}

// DeleteIdentity implements Provider.
func (d *DryRunProvider) DeleteIdentity(ctx context.Context, id identity.Identity) error {
	return d.identities.Release(ctx, id)
}

// planDatabase looks accounts up on the host and records changes instead of
// making them. A created account is visible to later lookups with
// placeholder ids.
type planDatabase struct {
	plan     *Plan
	lookup   func(name string) (*identity.Account, error)
	commands identity.Commands
	shell    string
	home     string

	mu      sync.Mutex
	created map[string]*identity.Account
}

func (p *planDatabase) Lookup(name string) (*identity.Account, error) {
	p.mu.Lock()
	acct, ok := p.created[name]
	p.mu.Unlock()
	if ok {
		return acct, nil
	}
	return p.lookup(name)
}

func (p *planDatabase) Create(_ context.Context, name string) error {
	p.plan.Add("run %s", strings.Join(p.commands.Create(name, p.shell, p.home), " "))
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created[name] = &identity.Account{Username: name, UID: -1, GID: -1, Home: p.home}
	return nil
}

func (p *planDatabase) Delete(_ context.Context, name string) error {
	p.plan.Add("run %s", strings.Join(p.commands.Delete(name), " "))
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.created, name)
	return nil
}

// planMounter records mounts. Nothing is ever mounted, so nothing is ever
// found under a root.
type planMounter struct {
	plan *Plan
}

func (m planMounter) BindMount(source, target string, readOnly bool) error {
	mode := "read-write"
	if readOnly {
		mode = "read-only"
	}
	m.plan.Add("bind %s on %s %s", source, target, mode)
	return nil
}

func (m planMounter) MountDevices(target string) error {
	m.plan.Add("mount device view on %s", target)
	return nil
}

func (m planMounter) Unmount(target string) error {
	m.plan.Add("unmount %s", target)
	return nil
}

func (m planMounter) MountsUnder(string) ([]string, error) {
	return nil, nil
}
