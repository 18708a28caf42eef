// Package identity resolves the account a sandboxed process runs as.
//
// A concrete username is looked up on the host before the sandbox is
// entered, because the account database inside the sandbox root is
// synthesized and only knows root and the target identity. The "auto"
// username synthesizes a per-invocation account named <prefix>-<pid>; an
// existing account of that name is reused and never deleted.
package identity
