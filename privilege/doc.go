// Package privilege performs the last privileged step of a sandbox setup:
// switching the process to the sandbox identity and replacing its
// environment. A drop that fails or cannot be verified is never downgraded
// to a warning.
package privilege
