// Package sandbox builds and tears down isolation contexts.
//
// A Controller drives one context through a fixed sequence of steps: resolve
// the identity, prepare the root, create the sandbox, apply limits, apply the
// network policy, attach and drop privileges. Each completed step is recorded
// on the Context, and any failure unwinds the recorded steps in reverse
// before Create returns. The same teardown runs from Cleanup and from the
// exit hooks registered on the Controller.
//
// The host work is done by a Provider. HostProvider composes the identity,
// rootfs, limits, netpolicy and privilege packages with a platform Jailer:
// namespaces and a cgroup on Linux, a jail on FreeBSD. DryRunProvider walks
// the same chain and records a Plan instead of changing the host.
//
// Usage:
//
//	provider, err := sandbox.NewProvider(logger, cfg)
//	ctrl := sandbox.NewController(logger, provider,
//	    sandbox.WithExitHooks(hooks),
//	    sandbox.WithName(sandbox.SandboxName(cfg)))
//	ictx, err := ctrl.Create(ctx, spec, binary)
//
// Successful runs exec the target and leave their context behind; a
// Collector removes it once the owning process is gone.
package sandbox
