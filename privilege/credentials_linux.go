package privilege

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// processCredentials changes ids through package syscall, which applies
// them to every thread of the process.
type processCredentials struct{}

func (processCredentials) Setgroups(gids []int) error { return syscall.Setgroups(gids) }
func (processCredentials) Setgid(gid int) error       { return syscall.Setgid(gid) }
func (processCredentials) Setuid(uid int) error       { return syscall.Setuid(uid) }
func (processCredentials) Getuid() int                { return unix.Getuid() }
func (processCredentials) Geteuid() int               { return unix.Geteuid() }
func (processCredentials) Getgid() int                { return unix.Getgid() }
func (processCredentials) Getegid() int               { return unix.Getegid() }
