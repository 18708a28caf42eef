//go:build unix && !linux

package privilege

import "golang.org/x/sys/unix"

type processCredentials struct{}

func (processCredentials) Setgroups(gids []int) error { return unix.Setgroups(gids) }
func (processCredentials) Setgid(gid int) error       { return unix.Setgid(gid) }
func (processCredentials) Setuid(uid int) error       { return unix.Setuid(uid) }
func (processCredentials) Getuid() int                { return unix.Getuid() }
func (processCredentials) Geteuid() int               { return unix.Geteuid() }
func (processCredentials) Getgid() int                { return unix.Getgid() }
func (processCredentials) Getegid() int               { return unix.Getegid() }
