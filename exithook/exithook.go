// Package exithook runs registered cleanup functions once when the process
// ends through Exit or a termination signal.
//
// Go has no atexit: os.Exit skips deferred calls. Every exit path of the
// program must therefore go through Registry.Exit, and HandleSignals covers
// SIGINT and SIGTERM.
package exithook

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

type hook struct {
	name string
	fn   func()
}

// Registry holds exit hooks.
type Registry struct {
	logger *zap.Logger
	mu     sync.Mutex
	hooks  []hook
	ran    bool
	done   chan struct{}
	exit   func(code int)
}

// RegistryOption defines a functional option for Registry
type RegistryOption func(*Registry)

// WithExitFunc replaces os.Exit
func WithExitFunc(fn func(code int)) RegistryOption {
	return func(r *Registry) {
		r.exit = fn
	}
}

// New creates an empty Registry.
func New(logger *zap.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		logger: logger,
		done:   make(chan struct{}),
		exit:   os.Exit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds fn. Hooks run in reverse registration order. Registering
// after Run has no effect.
func (r *Registry) Register(name string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ran {
		r.logger.Warn("exit hook registered after exit hooks ran", zap.String("hook", name))
		return
	}
	r.hooks = append(r.hooks, hook{name: name, fn: fn})
}

// Run runs every hook once. Later calls wait for the first to finish. A
// panicking hook is logged and does not stop the others.
func (r *Registry) Run() {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.ran = true
	hooks := r.hooks
	r.hooks = nil
	r.mu.Unlock()

	defer close(r.done)
	for i := len(hooks) - 1; i >= 0; i-- {
		r.call(hooks[i])
	}
}

// Ran reports whether the hooks have started running.
func (r *Registry) Ran() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ran
}

func (r *Registry) call(h hook) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("exit hook panicked", zap.String("hook", h.name), zap.Any("panic", p))
		}
	}()
	r.logger.Debug("running exit hook", zap.String("hook", h.name))
	h.fn()
}

// Exit runs the hooks and terminates the process with code.
func (r *Registry) Exit(code int) {
	r.Run()
	_ = r.logger.Sync()
	r.exit(code)
}

// HandleSignals exits with status 128+signo on SIGINT or SIGTERM after
// running the hooks. The returned function stops the handler. A signal
// already delivered is still handled, and stop waits for that handling, so
// Ran is settled once stop returns.
func (r *Registry) HandleSignals() (stop func()) {
	ch := make(chan os.Signal, 1)
	done := make(chan struct{})
	exited := make(chan struct{})
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	handle := func(sig os.Signal) {
		r.logger.Warn("terminating on signal", zap.Stringer("signal", sig))
		code := 1
		if s, ok := sig.(syscall.Signal); ok {
			code = 128 + int(s)
		}
		r.Exit(code)
	}
	go func() {
		defer close(exited)
		select {
		case sig := <-ch:
			handle(sig)
		case <-done:
			select {
			case sig := <-ch:
				handle(sig)
			default:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
		<-exited
	}
}
