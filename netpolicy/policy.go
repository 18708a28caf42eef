// Package netpolicy decides how much network a sandbox gets.
//
// The backends can only cut a sandbox off the network entirely. Per-rule
// allow lists are not enforced: Basic reports every such rule so the
// caller can surface it, and in strict mode refuses to continue instead.
package netpolicy

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/isolate/capability"
)

// ErrNetworkPolicy is returned in strict mode for a policy that cannot be
// enforced.
var ErrNetworkPolicy = errors.New("network policy error")

// Decision is what the backend must do with the sandbox's network.
type Decision struct {
	// Isolate removes all network access.
	Isolate bool
	// Unenforced lists the rules that are left to the host's network.
	Unenforced []capability.NetworkRule
}

// Policy turns the network rules of a spec into a Decision.
type Policy interface {
	Decide(spec *capability.Spec) (Decision, []string, error)
}

// Basic is the all-or-nothing Policy.
type Basic struct {
	logger *zap.Logger
	strict bool
}

// BasicOption defines a functional option for Basic
type BasicOption func(*Basic)

// WithStrict makes unenforceable rules an error instead of a warning
func WithStrict(strict bool) BasicOption {
	return func(b *Basic) {
		b.strict = strict
	}
}

// NewBasic creates a Basic policy.
func NewBasic(logger *zap.Logger, opts ...BasicOption) *Basic {
	b := &Basic{logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Decide implements Policy.
func (b *Basic) Decide(spec *capability.Spec) (Decision, []string, error) {
	if spec.DeniesAllNetwork() {
		b.logger.Info("network isolated")
		return Decision{Isolate: true}, nil, nil
	}

	var d Decision
	var warnings []string
	for _, rule := range spec.NetworkRules {
		d.Unenforced = append(d.Unenforced, rule)
		warnings = append(warnings, fmt.Sprintf("network rule %s not enforced, host network is shared", rule))
	}
	if spec.NetworkDefaultDeny && len(d.Unenforced) > 0 {
		warnings = append(warnings, "network_default deny with allow rules cannot be enforced, host network is shared")
	}

	if b.strict && len(warnings) > 0 {
		return Decision{}, nil, fmt.Errorf("%w: %d rules cannot be enforced", ErrNetworkPolicy, len(d.Unenforced))
	}
	for _, w := range warnings {
		b.logger.Warn(w)
	}
	return d, warnings, nil
}
