package sandbox

import (
	"github.com/isdmx/isolate/identity"
)

// Context is the state of one isolation context. Fields are filled as setup
// steps succeed and cleared as teardown undoes them, so teardown can run on
// a context in any state, any number of times.
type Context struct {
	// Name identifies the sandbox in the platform's registry.
	Name string
	Root string

	Identity         identity.Identity
	IdentityResolved bool

	// Mounts are kept in mount order and undone in reverse.
	Mounts []string

	SandboxCreated  bool
	NetworkIsolated bool
	Attached        bool

	State State

	// Warnings collects the non-fatal problems of every step.
	Warnings []string
}

// NewContext creates an empty context for the sandbox name.
func NewContext(name string) *Context {
	return &Context{Name: name, State: StateInit}
}

// SetRoot records the sandbox root directory.
func (c *Context) SetRoot(path string) {
	c.Root = path
}

// AddMount records a mount made under the root.
func (c *Context) AddMount(target string) {
	c.Mounts = append(c.Mounts, target)
}

func (c *Context) warn(warnings ...string) {
	c.Warnings = append(c.Warnings, warnings...)
}

// Empty reports whether the context holds nothing to tear down.
func (c *Context) Empty() bool {
	return len(c.Mounts) == 0 &&
		!c.SandboxCreated &&
		c.Root == "" &&
		!(c.IdentityResolved && c.Identity.Owned) &&
		!c.Attached
}
