package capability

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

// ParseMemory parses a memory size such as "128M", "1.5G", "4096" or "0".
// The optional unit is one of K, M, G or B (case-insensitive); K, M and G may
// carry a trailing B ("128MB"). Zero means no limit.
func ParseMemory(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty memory size")
	}

	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || s[end] == '.') {
		end++
	}
	numStr, suffix := s[:end], strings.ToUpper(s[end:])
	if numStr == "" {
		return 0, fmt.Errorf("invalid memory size %q: missing number", s)
	}

	value, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", s, err)
	}

	var multiplier float64
	switch suffix {
	case "", "B":
		multiplier = 1
	case "K", "KB":
		multiplier = 1 << 10
	case "M", "MB":
		multiplier = 1 << 20
	case "G", "GB":
		multiplier = 1 << 30
	default:
		return 0, fmt.Errorf("invalid memory size %q: unknown unit %q", s, s[end:])
	}

	bytes := value * multiplier
	if bytes >= math.MaxUint64 {
		return 0, fmt.Errorf("invalid memory size %q: overflow", s)
	}
	return uint64(bytes), nil
}

// ParseNetworkRule parses a rule of the form
//
//	none
//	unix:<path>
//	<proto>[:<port>][:<direction>]
//	<proto>:<address>[:<port>][:<direction>]
//
// where proto is tcp or udp and direction is in, out, inbound or outbound.
func ParseNetworkRule(s string) (NetworkRule, error) {
	s = strings.TrimSpace(s)
	if s == string(ProtocolNone) {
		return NetworkRule{Protocol: ProtocolNone, Port: AnyPort}, nil
	}

	fields := strings.Split(s, ":")
	rule := NetworkRule{
		Protocol: Protocol(strings.ToLower(fields[0])),
		Port:     AnyPort,
	}
	rest := fields[1:]

	switch rule.Protocol {
	case ProtocolUnix:
		// The socket path may itself contain colons.
		path := strings.Join(rest, ":")
		if path == "" {
			return NetworkRule{}, fmt.Errorf("unix rule requires a socket path")
		}
		rule.Address = path
		return rule, nil
	case ProtocolTCP, ProtocolUDP:
	case "":
		return NetworkRule{}, fmt.Errorf("missing protocol")
	default:
		return NetworkRule{}, fmt.Errorf("unknown protocol %q", fields[0])
	}

	// A trailing direction word may follow any of the forms.
	if n := len(rest); n > 0 {
		if dir, ok := parseDirection(rest[n-1]); ok {
			rule.Direction = dir
			rest = rest[:n-1]
		}
	}

	switch len(rest) {
	case 0:
		rule.Address = "0.0.0.0"
	case 1:
		if isNumeric(rest[0]) {
			port, err := parsePort(rest[0])
			if err != nil {
				return NetworkRule{}, err
			}
			rule.Address = "0.0.0.0"
			rule.Port = port
		} else {
			rule.Address = rest[0]
		}
	case 2:
		if rest[0] == "" {
			return NetworkRule{}, fmt.Errorf("empty address")
		}
		port, err := parsePort(rest[1])
		if err != nil {
			return NetworkRule{}, err
		}
		rule.Address = rest[0]
		rule.Port = port
	default:
		return NetworkRule{}, fmt.Errorf("too many fields in %q", s)
	}

	if rule.Address == "" {
		return NetworkRule{}, fmt.Errorf("empty address")
	}
	return rule, nil
}

func parseDirection(s string) (Direction, bool) {
	switch strings.ToLower(s) {
	case "out", "outbound":
		return DirectionOutbound, true
	case "in", "inbound":
		return DirectionInbound, true
	case "both":
		return DirectionBoth, true
	}
	return DirectionBoth, false
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port == AnyPort {
		return AnyPort, nil
	}
	if port <= 0 || port >= 65536 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' {
		s = s[1:]
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

// ParseFileRule parses "<path>[:<perms>]" where perms is a combination of
// r, w and x. Without perms the rule is read-only.
func ParseFileRule(s string) (FileRule, error) {
	s = strings.TrimSpace(s)
	path, perms, hasPerms := strings.Cut(s, ":")
	if path == "" {
		return FileRule{}, fmt.Errorf("missing path")
	}
	if !filepath.IsAbs(path) {
		return FileRule{}, fmt.Errorf("path %q is not absolute", path)
	}

	rule := FileRule{Path: filepath.Clean(path)}
	if !hasPerms || perms == "" {
		rule.Permissions = PermRead
		return rule, nil
	}

	for _, c := range strings.ToLower(perms) {
		switch c {
		case 'r':
			rule.Permissions |= PermRead
		case 'w':
			rule.Permissions |= PermWrite
		case 'x':
			rule.Permissions |= PermExecute
		default:
			return FileRule{}, fmt.Errorf("unknown permission %q in %q", c, perms)
		}
	}
	return rule, nil
}

// ParseEnvVar parses "NAME=value".
func ParseEnvVar(s string) (EnvVar, error) {
	name, value, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok {
		return EnvVar{}, fmt.Errorf("missing '=' in %q", s)
	}
	if name == "" {
		return EnvVar{}, fmt.Errorf("empty variable name in %q", s)
	}
	return EnvVar{Name: name, Value: value}, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

func parseDefault(s string) (deny bool, err error) {
	switch strings.ToLower(s) {
	case "deny":
		return true, nil
	case "allow":
		return false, nil
	}
	return false, fmt.Errorf("invalid default policy %q, must be allow or deny", s)
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}
