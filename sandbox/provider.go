package sandbox

import (
	"context"

	"github.com/isdmx/isolate/capability"
	"github.com/isdmx/isolate/identity"
)

// Provider is one platform's implementation of the setup steps and of the
// primitives teardown is built from. The Controller calls the setup steps
// in order and never skips ahead.
type Provider interface {
	Name() string

	ResolveIdentity(ctx context.Context, spec *capability.Spec) (identity.Identity, error)
	// PrepareRoot builds the root for ictx.Identity and records the root
	// and each mount on ictx as soon as they exist.
	PrepareRoot(ctx context.Context, spec *capability.Spec, ictx *Context, binary string) ([]string, error)
	CreateSandbox(ctx context.Context, ictx *Context) error
	ApplyLimits(ctx context.Context, ictx *Context, l capability.Limits) []string
	ApplyNetworkPolicy(ctx context.Context, ictx *Context, spec *capability.Spec) ([]string, error)
	Attach(ctx context.Context, ictx *Context) error
	DropPrivileges(ctx context.Context, ictx *Context, spec *capability.Spec) error

	// Detach returns the caller to the host's view after Attach, where the
	// platform allows it.
	Detach(ictx *Context) error
	Unmount(target string) error
	DestroySandbox(ictx *Context) error
	RemoveRoot(root string) error
	DeleteIdentity(ctx context.Context, id identity.Identity) error
}

// PrivilegedTeardown is implemented by Providers whose teardown needs the
// rights DropPrivileges gives up. The exit hook leaves a context that
// reached PRIVILEGE_DROPPED on such a provider to the Collector.
type PrivilegedTeardown interface {
	TeardownNeedsPrivilege() bool
}
