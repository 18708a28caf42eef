// Package limits installs resource ceilings scoped to one sandbox.
//
// Each ceiling is applied independently. A ceiling the platform cannot
// install is reported as a warning and the sandbox runs without it.
package limits

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/isdmx/isolate/capability"
)

// Enforcer applies capability limits to a named sandbox.
type Enforcer interface {
	// Apply installs every nonzero limit and returns one warning per limit
	// that could not be installed.
	Apply(sandbox string, l capability.Limits) []string
	// Release removes whatever Apply installed outside the sandbox itself.
	Release(sandbox string) error
}

// ProcessEnforcer is implemented by Enforcers with ceilings that bind the
// calling process rather than the sandbox. ApplyProcess must run after the
// privilege drop, as the last step before exec: setup and rollback need
// the descriptors a low ceiling would deny them.
type ProcessEnforcer interface {
	ApplyProcess(l capability.Limits) []string
}

// Unsupported is the Enforcer of platforms without resource control.
type Unsupported struct {
	logger *zap.Logger
}

// NewUnsupported creates an Enforcer that installs nothing.
func NewUnsupported(logger *zap.Logger) *Unsupported {
	return &Unsupported{logger: logger}
}

// Apply implements Enforcer.
func (u *Unsupported) Apply(sandbox string, l capability.Limits) []string {
	var warnings []string
	for _, name := range requested(l) {
		msg := fmt.Sprintf("%s limit not applied: resource control unsupported on %s", name, runtime.GOOS)
		u.logger.Warn(msg, zap.String("sandbox", sandbox))
		warnings = append(warnings, msg)
	}
	return warnings
}

// Release implements Enforcer.
func (u *Unsupported) Release(string) error {
	return nil
}

func requested(l capability.Limits) []string {
	var names []string
	if l.MemoryBytes > 0 {
		names = append(names, "memory")
	}
	if l.MaxProcesses > 0 {
		names = append(names, "processes")
	}
	if l.MaxFiles > 0 {
		names = append(names, "files")
	}
	if l.MaxCPUPercent > 0 {
		names = append(names, "cpu")
	}
	return names
}
