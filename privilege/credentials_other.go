//go:build !unix

package privilege

import (
	"fmt"
	"runtime"
)

type processCredentials struct{}

func unsupported() error { return fmt.Errorf("credentials cannot be changed on %s", runtime.GOOS) }

func (processCredentials) Setgroups([]int) error { return unsupported() }
func (processCredentials) Setgid(int) error      { return unsupported() }
func (processCredentials) Setuid(int) error      { return unsupported() }
func (processCredentials) Getuid() int           { return -1 }
func (processCredentials) Geteuid() int          { return -1 }
func (processCredentials) Getgid() int           { return -1 }
func (processCredentials) Getegid() int          { return -1 }
