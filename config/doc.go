// Package config provides application configuration management.
//
// The config package loads host-side settings for the isolation context
// (backend selection, sandbox root location, naming prefixes, library and
// system mount layout, cgroup location) together with logging and MCP server
// settings. Values come from an optional isolate.yaml, ISOLATE_* environment
// variables and command-line flags bound to viper.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Backend: %s\n", cfg.Isolation.Backend)
package config
