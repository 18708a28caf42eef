package sandbox

import (
	"errors"
	"fmt"

	"github.com/isdmx/isolate/identity"
	"github.com/isdmx/isolate/netpolicy"
	"github.com/isdmx/isolate/privilege"
	"github.com/isdmx/isolate/rootfs"
)

// State is a stage of the isolation context lifecycle.
type State int

// States in setup order, then the rollback and teardown states.
const (
	StateInit State = iota
	StateIdentityResolved
	StateRootPrepared
	StateSandboxCreated
	StateLimitsApplied
	StateNetworkPolicyApplied
	StateAttached
	StatePrivilegeDropped
	StateRollingBack
	StateTornDown
)

var stateNames = map[State]string{
	StateInit:                 "INIT",
	StateIdentityResolved:     "IDENTITY_RESOLVED",
	StateRootPrepared:         "ROOT_PREPARED",
	StateSandboxCreated:       "SANDBOX_CREATED",
	StateLimitsApplied:        "LIMITS_APPLIED",
	StateNetworkPolicyApplied: "NETWORK_POLICY_APPLIED",
	StateAttached:             "ATTACHED",
	StatePrivilegeDropped:     "PRIVILEGE_DROPPED",
	StateRollingBack:          "ROLLING_BACK",
	StateTornDown:             "TORN_DOWN",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Setup errors. Identity, filesystem, network and privilege failures carry
// the sentinel of the package that produced them.
var (
	ErrSandboxCreation = errors.New("sandbox creation failed")
	ErrAttach          = errors.New("sandbox attach failed")
	ErrContextExists   = errors.New("isolation context already exists")
	ErrNoTarget        = errors.New("no target binary")
	ErrCancelled       = errors.New("isolation setup cancelled")

	ErrIdentity      = identity.ErrIdentity
	ErrFilesystem    = rootfs.ErrFilesystem
	ErrNetworkPolicy = netpolicy.ErrNetworkPolicy
	ErrPrivilege     = privilege.ErrPrivilege
)

// StepError reports the transition that failed during Create. Teardown
// holds any error from the rollback that followed.
type StepError struct {
	Step     State
	Err      error
	Teardown error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Step, e.Err)
	if e.Teardown != nil {
		msg += fmt.Sprintf(" (rollback incomplete: %v)", e.Teardown)
	}
	return msg
}

func (e *StepError) Unwrap() error {
	return e.Err
}
