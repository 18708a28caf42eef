package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/isolate/capability"
	"github.com/isdmx/isolate/config"
	"github.com/isdmx/isolate/exithook"
)

// Controller drives one isolation context through its lifecycle. It owns
// the context: the exit hook it registers captures the Controller, not a
// global.
type Controller struct {
	logger    *zap.Logger
	provider  Provider
	hooks     *exithook.Registry
	name      string
	lookupEnv func(string) string

	mu      sync.Mutex
	ictx    *Context
	created bool

	// cancelled is set by the exit hook without the lock, so a Create in
	// progress stops at the next step.
	cancelled atomic.Bool
}

// ControllerOption defines a functional option for Controller
type ControllerOption func(*Controller)

// WithExitHooks registers teardown on r
func WithExitHooks(r *exithook.Registry) ControllerOption {
	return func(c *Controller) {
		c.hooks = r
	}
}

// WithName sets the sandbox name
func WithName(name string) ControllerOption {
	return func(c *Controller) {
		c.name = name
	}
}

// WithEnvLookup replaces os.Getenv for the target binary variable
func WithEnvLookup(fn func(string) string) ControllerOption {
	return func(c *Controller) {
		c.lookupEnv = fn
	}
}

// NewController creates a Controller. The default sandbox name is
// isolate-<pid>.
func NewController(logger *zap.Logger, provider Provider, opts ...ControllerOption) *Controller {
	c := &Controller{
		logger:    logger,
		provider:  provider,
		name:      fmt.Sprintf("isolate-%d", os.Getpid()),
		lookupEnv: os.Getenv,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type step struct {
	to  State
	run func() error
}

// Create runs the setup chain for spec. target is the absolute host path
// of the binary to stage; when empty it is read from ISOLATE_TARGET_BINARY.
// On success the calling process is attached and runs as the sandbox
// identity, ready to exec the staged binary. On failure everything created
// so far is torn down and a *StepError names the failed transition.
//
// A Controller creates at most one context.
func (c *Controller) Create(ctx context.Context, spec *capability.Spec, target string) (*Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.created {
		return nil, ErrContextExists
	}
	if target == "" {
		target = c.lookupEnv(config.TargetBinaryEnv)
	}
	if target == "" {
		return nil, fmt.Errorf("%w: set %s or pass a path", ErrNoTarget, config.TargetBinaryEnv)
	}
	if !filepath.IsAbs(target) {
		abs, err := filepath.Abs(target)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoTarget, err)
		}
		target = abs
	}

	c.created = true
	ictx := NewContext(c.name)
	c.ictx = ictx

	// Registered first so a signal during setup still tears down. The hook
	// cancels the remaining steps, then waits for Create to release the lock.
	if c.hooks != nil {
		c.hooks.Register("isolation context "+ictx.Name, func() {
			c.cancelled.Store(true)
			if err := c.exitTeardown(); err != nil {
				c.logger.Error("exit-time teardown incomplete", zap.String("sandbox", ictx.Name), zap.Error(err))
			}
		})
	}

	p := c.provider
	log := c.logger.With(zap.String("sandbox", ictx.Name), zap.String("provider", p.Name()))
	log.Info("creating isolation context", zap.String("target", target), zap.String("policy", spec.Summary()))

	steps := []step{
		{StateIdentityResolved, func() error {
			id, err := p.ResolveIdentity(ctx, spec)
			if err != nil {
				return err
			}
			ictx.Identity = id
			ictx.IdentityResolved = true
			return nil
		}},
		{StateRootPrepared, func() error {
			warnings, err := p.PrepareRoot(ctx, spec, ictx, target)
			ictx.warn(warnings...)
			return err
		}},
		{StateSandboxCreated, func() error {
			if err := p.CreateSandbox(ctx, ictx); err != nil {
				return err
			}
			ictx.SandboxCreated = true
			return nil
		}},
		{StateLimitsApplied, func() error {
			ictx.warn(p.ApplyLimits(ctx, ictx, spec.Limits)...)
			return nil
		}},
		{StateNetworkPolicyApplied, func() error {
			warnings, err := p.ApplyNetworkPolicy(ctx, ictx, spec)
			ictx.warn(warnings...)
			return err
		}},
		{StateAttached, func() error {
			if err := p.Attach(ctx, ictx); err != nil {
				return err
			}
			ictx.Attached = true
			return nil
		}},
		{StatePrivilegeDropped, func() error {
			return p.DropPrivileges(ctx, ictx, spec)
		}},
	}

	for _, s := range steps {
		err := ErrCancelled
		if !c.cancelled.Load() {
			err = s.run()
		}
		if err != nil {
			stepErr := &StepError{Step: s.to, Err: err}
			log.Error("isolation setup failed, rolling back",
				zap.Stringer("state", ictx.State), zap.Stringer("step", s.to), zap.Error(err))
			ictx.State = StateRollingBack
			stepErr.Teardown = c.teardown(ictx)
			return nil, stepErr
		}
		ictx.State = s.to
		log.Debug("isolation step complete", zap.Stringer("state", s.to))
	}

	log.Info("isolation context ready",
		zap.String("root", ictx.Root),
		zap.String("identity", ictx.Identity.String()),
		zap.Int("mounts", len(ictx.Mounts)),
		zap.Int("warnings", len(ictx.Warnings)))
	return ictx, nil
}

// Context returns the current isolation context, or nil before Create.
func (c *Controller) Context() *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ictx
}

// Cleanup tears the context down. It is safe to call before Create, after a
// failed Create and any number of times.
func (c *Controller) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ictx == nil {
		return nil
	}
	return c.teardown(c.ictx)
}

// exitTeardown is Cleanup for the exit hook. Once a host provider has
// dropped privileges the process can no longer unmount or delete accounts,
// so the context is left for isolate gc.
func (c *Controller) exitTeardown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ictx == nil {
		return nil
	}
	pt, ok := c.provider.(PrivilegedTeardown)
	if ok && pt.TeardownNeedsPrivilege() && c.ictx.State == StatePrivilegeDropped {
		c.logger.Warn("privileges already dropped, leaving the isolation context to isolate gc",
			zap.String("sandbox", c.ictx.Name), zap.String("root", c.ictx.Root))
		return nil
	}
	return c.teardown(c.ictx)
}

// teardown runs off the calling goroutine: after Attach that goroutine is
// locked to a thread carrying the sandbox's namespaces and root, while new
// goroutines see the host.
func (c *Controller) teardown(ictx *Context) error {
	done := make(chan error, 1)
	go func() {
		done <- c.undo(ictx)
	}()
	return <-done
}

// undo reverses whatever ictx records, in reverse setup order. Each action
// is attempted even if an earlier one failed, and each success is cleared
// from ictx so a repeated teardown only retries what failed.
func (c *Controller) undo(ictx *Context) error {
	if ictx.Empty() {
		ictx.State = StateTornDown
		return nil
	}

	p := c.provider
	log := c.logger.With(zap.String("sandbox", ictx.Name))
	var errs error

	if ictx.Attached {
		if err := p.Detach(ictx); err != nil {
			log.Warn("cannot leave sandbox, teardown is best effort", zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("detach: %w", err))
		} else {
			ictx.Attached = false
		}
	}

	var remaining []string
	for i := len(ictx.Mounts) - 1; i >= 0; i-- {
		target := ictx.Mounts[i]
		if err := p.Unmount(target); err != nil {
			log.Warn("failed to unmount", zap.String("target", target), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("unmount %s: %w", target, err))
			remaining = append([]string{target}, remaining...)
		}
	}
	ictx.Mounts = remaining

	if ictx.SandboxCreated {
		if err := p.DestroySandbox(ictx); err != nil {
			log.Warn("failed to remove sandbox", zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("remove sandbox: %w", err))
		} else {
			ictx.SandboxCreated = false
		}
	}

	if ictx.Root != "" {
		if err := p.RemoveRoot(ictx.Root); err != nil {
			log.Warn("failed to remove root", zap.String("root", ictx.Root), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("remove root: %w", err))
		} else {
			ictx.Root = ""
		}
	}

	if ictx.IdentityResolved && ictx.Identity.Owned {
		if err := p.DeleteIdentity(context.Background(), ictx.Identity); err != nil {
			log.Warn("failed to delete user", zap.String("user", ictx.Identity.Username), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("delete user: %w", err))
		} else {
			ictx.Identity.Owned = false
		}
	}

	if errs == nil {
		ictx.State = StateTornDown
		log.Info("isolation context torn down")
	}
	return errs
}
