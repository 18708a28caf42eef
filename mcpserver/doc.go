// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes read-only inspection tools over MCP using the
// mark3labs/mcp-go library:
//
//   - describe_capabilities loads a capability file and returns the effective
//     policy and its per-entry diagnostics.
//   - plan_isolation runs the full setup and teardown chain against the
//     dry-run backend and returns the host changes it would make.
//
// Neither tool changes the host. Actual isolation is only done by the
// isolate run command, which replaces its own process with the target.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
