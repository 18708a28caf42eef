// Command isolate runs a single program inside a throwaway isolation
// context built from operating system primitives.
//
//	isolate run [-c file.caps] [-n] <binary> [args...]
//
// The context is described by a capability file next to the binary. isolate
// resolves or synthesizes the account the program runs as, builds a minimal
// root with the binary, its libraries and the requested files, creates a
// sandbox (namespaces and a cgroup on Linux, a jail on FreeBSD), applies
// resource and network limits, enters the sandbox, drops privileges and
// replaces itself with the program. Any failure before the exec unwinds
// every completed step in reverse.
//
// Other commands check capability files, collect leftovers of finished runs
// and serve dry-run planning over MCP. The application uses fx for wiring,
// zap for logging and viper for configuration.
package main
