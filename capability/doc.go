// Package capability defines the isolation policy consumed by the sandbox
// controller and loads it from capability files.
//
// A capability file holds one "key: value" directive per line:
//
//	user: auto
//	memory: 64M
//	processes: 32
//	network: tcp:8080:inbound
//	filesystem: /srv/data:rw
//	env: LANG=C
//	network_default: deny
//
// Files ending in .yaml or .yml carry the same directives as a YAML mapping.
// Malformed entries never fail a load; they are skipped and reported as
// Diagnostics.
//
// Usage:
//
//	spec, diags, err := capability.Load("myapp.caps")
//	if err != nil {
//	    spec = capability.Default()
//	}
package capability
