package privilege

import (
	seccomp "github.com/elastic/go-seccomp-bpf"
)

// DeniedSyscalls fail with EPERM in the sandboxed process.
var DeniedSyscalls = []string{
	"mount", "umount2", "pivot_root", "chroot",
	"unshare", "setns",
	"ptrace",
	"kexec_load", "init_module", "finit_module", "delete_module",
	"reboot", "swapon", "swapoff", "acct",
}

func loadSyscallFilter() error {
	return seccomp.LoadFilter(seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy: seccomp.Policy{
			DefaultAction: seccomp.ActionAllow,
			Syscalls: []seccomp.SyscallGroup{
				{Action: seccomp.ActionErrno, Names: DeniedSyscalls},
			},
		},
	})
}
