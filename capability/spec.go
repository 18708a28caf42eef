package capability

import (
	"fmt"
	"strconv"
	"strings"
)

// List bounds. Entries past these limits are dropped with a diagnostic.
const (
	MaxNetworkRules = 16
	MaxFileRules    = 32
	MaxEnvVars      = 32
)

// AutoUser is the username sentinel asking for a synthesized per-invocation account.
const AutoUser = "auto"

// AnyPort matches every port of a network rule.
const AnyPort = -1

// Protocol of a network rule
type Protocol string

// Protocol constants
const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolUnix Protocol = "unix"
	ProtocolNone Protocol = "none"
)

// Direction of a network rule
type Direction int

// Direction constants
const (
	DirectionBoth Direction = iota
	DirectionOutbound
	DirectionInbound
)

func (d Direction) String() string {
	switch d {
	case DirectionOutbound:
		return "outbound"
	case DirectionInbound:
		return "inbound"
	default:
		return "both"
	}
}

// Permission is a set of read/write/execute bits for a file rule.
type Permission uint8

// Permission bits, same values as access(2) R_OK/W_OK/X_OK.
const (
	PermExecute Permission = 1 << iota
	PermWrite
	PermRead
)

// Has reports whether every bit of other is set in p.
func (p Permission) Has(other Permission) bool {
	return p&other == other
}

func (p Permission) String() string {
	var b strings.Builder
	if p.Has(PermRead) {
		b.WriteByte('r')
	}
	if p.Has(PermWrite) {
		b.WriteByte('w')
	}
	if p.Has(PermExecute) {
		b.WriteByte('x')
	}
	return b.String()
}

// Identity selects the account the sandboxed process runs as.
type Identity struct {
	// Username is a concrete account name or AutoUser.
	Username string
	// CreateUser permits creating the account when it does not exist.
	CreateUser bool
	// UID and GID are optional pre-resolved ids.
	UID *int
	GID *int
}

// IsAuto reports whether the identity asks for a synthesized account.
func (i Identity) IsAuto() bool {
	return i.Username == AutoUser
}

// NetworkRule is one network access rule.
type NetworkRule struct {
	Protocol  Protocol
	Address   string
	Port      int
	Direction Direction
}

// String renders the rule in the capability-file grammar.
func (r NetworkRule) String() string {
	if r.Protocol == ProtocolNone {
		return string(ProtocolNone)
	}
	parts := []string{string(r.Protocol)}
	if r.Address != "" {
		parts = append(parts, r.Address)
	}
	if r.Protocol != ProtocolUnix && r.Port != AnyPort {
		parts = append(parts, strconv.Itoa(r.Port))
	}
	if r.Direction != DirectionBoth {
		parts = append(parts, r.Direction.String())
	}
	return strings.Join(parts, ":")
}

// FileRule grants access to a host path.
type FileRule struct {
	Path        string
	Permissions Permission
}

func (r FileRule) String() string {
	return r.Path + ":" + r.Permissions.String()
}

// EnvVar is a name/value pair exported to the sandboxed process.
type EnvVar struct {
	Name  string
	Value string
}

// Limits are resource ceilings. Zero means unlimited.
type Limits struct {
	MemoryBytes   uint64
	MaxProcesses  int
	MaxFiles      int
	MaxCPUPercent int
}

// HasLimits reports whether any ceiling is set.
func (l Limits) HasLimits() bool {
	return l.MemoryBytes > 0 || l.MaxProcesses > 0 || l.MaxFiles > 0 || l.MaxCPUPercent > 0
}

// Spec is the validated isolation policy. It carries no OS handles and is
// not modified once loaded.
type Spec struct {
	Identity      Identity
	WorkspacePath string

	NetworkRules       []NetworkRule
	NetworkDefaultDeny bool

	FileRules     []FileRule
	FSDefaultDeny bool

	Env      []EnvVar
	EnvClear bool

	Limits Limits
}

// Default returns the unrestricted policy used when no capability file is
// available: an auto-created user, allow-by-default network and filesystem
// and an inherited environment.
func Default() *Spec {
	return &Spec{
		Identity: Identity{
			Username:   AutoUser,
			CreateUser: true,
		},
	}
}

// DeniesAllNetwork reports whether the policy leaves the sandbox without any
// network access: an explicit "none" rule, or default deny with no rules.
func (s *Spec) DeniesAllNetwork() bool {
	for _, r := range s.NetworkRules {
		if r.Protocol == ProtocolNone {
			return true
		}
	}
	return s.NetworkDefaultDeny && len(s.NetworkRules) == 0
}

// Summary returns a short human readable description.
func (s *Spec) Summary() string {
	user := s.Identity.Username
	if s.Identity.CreateUser {
		user += " (auto-create)"
	}
	return fmt.Sprintf("user=%s memory=%d processes=%d files=%d cpu=%d network_rules=%d file_rules=%d env=%d",
		user, s.Limits.MemoryBytes, s.Limits.MaxProcesses, s.Limits.MaxFiles, s.Limits.MaxCPUPercent,
		len(s.NetworkRules), len(s.FileRules), len(s.Env))
}
