package sandbox

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/isolate/capability"
	"github.com/isdmx/isolate/identity"
	"github.com/isdmx/isolate/limits"
	"github.com/isdmx/isolate/netpolicy"
	"github.com/isdmx/isolate/privilege"
	"github.com/isdmx/isolate/rootfs"
)

// Jailer is the platform's confinement primitive.
type Jailer interface {
	Name() string
	// Prepare runs before the root is populated.
	Prepare(ictx *Context) error
	// Create registers the sandbox. It fails if the name is taken.
	Create(ictx *Context) error
	// Network records or applies the network decision before Attach.
	Network(ictx *Context, isolate bool) error
	Attach(ictx *Context) error
	Detach(ictx *Context) error
	Destroy(ictx *Context) error
}

// HostProvider isolates the calling process on the running host.
type HostProvider struct {
	logger     *zap.Logger
	identities *identity.Manager
	builder    *rootfs.Builder
	enforcer   limits.Enforcer
	policy     netpolicy.Policy
	dropper    *privilege.Dropper
	jailer     Jailer
	rootBase   string
}

// HostComponents are the parts a HostProvider is assembled from.
type HostComponents struct {
	Identities *identity.Manager
	Builder    *rootfs.Builder
	Enforcer   limits.Enforcer
	Policy     netpolicy.Policy
	Dropper    *privilege.Dropper
	Jailer     Jailer
	// RootBase is the directory holding sandbox roots.
	RootBase string
}

// NewHostProvider creates a HostProvider.
func NewHostProvider(logger *zap.Logger, c HostComponents) *HostProvider {
	return &HostProvider{
		logger:     logger,
		identities: c.Identities,
		builder:    c.Builder,
		enforcer:   c.Enforcer,
		policy:     c.Policy,
		dropper:    c.Dropper,
		jailer:     c.Jailer,
		rootBase:   c.RootBase,
	}
}

// Name implements Provider.
func (h *HostProvider) Name() string {
	return h.jailer.Name()
}

// ResolveIdentity implements Provider.
func (h *HostProvider) ResolveIdentity(ctx context.Context, spec *capability.Spec) (identity.Identity, error) {
	return h.identities.Resolve(ctx, spec.Identity)
}

// PrepareRoot implements Provider.
func (h *HostProvider) PrepareRoot(_ context.Context, spec *capability.Spec, ictx *Context, binary string) ([]string, error) {
	if err := h.jailer.Prepare(ictx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	return h.builder.Prepare(rootfs.Request{
		Root:     filepath.Join(h.rootBase, ictx.Name),
		Spec:     spec,
		Identity: ictx.Identity,
		Binary:   binary,
	}, ictx)
}

// CreateSandbox implements Provider.
func (h *HostProvider) CreateSandbox(_ context.Context, ictx *Context) error {
	if err := h.jailer.Create(ictx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSandboxCreation, ictx.Name, err)
	}
	return nil
}

// ApplyLimits implements Provider.
func (h *HostProvider) ApplyLimits(_ context.Context, ictx *Context, l capability.Limits) []string {
	return h.enforcer.Apply(ictx.Name, l)
}

// ApplyNetworkPolicy implements Provider.
func (h *HostProvider) ApplyNetworkPolicy(_ context.Context, ictx *Context, spec *capability.Spec) ([]string, error) {
	d, warnings, err := h.policy.Decide(spec)
	if err != nil {
		return nil, err
	}
	if err := h.jailer.Network(ictx, d.Isolate); err != nil {
		return warnings, fmt.Errorf("%w: %v", ErrNetworkPolicy, err)
	}
	ictx.NetworkIsolated = d.Isolate
	return warnings, nil
}

// Attach implements Provider.
func (h *HostProvider) Attach(_ context.Context, ictx *Context) error {
	if err := h.jailer.Attach(ictx); err != nil {
		return fmt.Errorf("%w: %v", ErrAttach, err)
	}
	return nil
}

// DropPrivileges implements Provider. Process-wide ceilings go last so
// nothing before the exec runs under them.
func (h *HostProvider) DropPrivileges(_ context.Context, ictx *Context, spec *capability.Spec) error {
	if err := h.dropper.DropTo(ictx.Identity, spec); err != nil {
		return err
	}
	if pe, ok := h.enforcer.(limits.ProcessEnforcer); ok {
		ictx.warn(pe.ApplyProcess(spec.Limits)...)
	}
	return nil
}

// TeardownNeedsPrivilege implements PrivilegedTeardown.
func (h *HostProvider) TeardownNeedsPrivilege() bool {
	return true
}

// Detach implements Provider.
func (h *HostProvider) Detach(ictx *Context) error {
	return h.jailer.Detach(ictx)
}

// Unmount implements Provider.
func (h *HostProvider) Unmount(target string) error {
	return h.builder.Unmount(target)
}

// DestroySandbox implements Provider.
func (h *HostProvider) DestroySandbox(ictx *Context) error {
	return multierr.Append(
		h.enforcer.Release(ictx.Name),
		h.jailer.Destroy(ictx),
	)
}

// RemoveRoot implements Provider.
func (h *HostProvider) RemoveRoot(root string) error {
	return h.builder.Remove(root)
}

// DeleteIdentity implements Provider.
func (h *HostProvider) DeleteIdentity(ctx context.Context, id identity.Identity) error {
	return h.identities.Release(ctx, id)
}
