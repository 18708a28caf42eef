package limits

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

type syscallSink struct{}

// NewRuleSink returns the kernel's rctl interface.
func NewRuleSink() RuleSink {
	return syscallSink{}
}

func (syscallSink) AddRule(rule string) error {
	return rctlCall(unix.SYS_RCTL_ADD_RULE, rule)
}

func (syscallSink) RemoveRules(filter string) error {
	err := rctlCall(unix.SYS_RCTL_REMOVE_RULE, filter)
	// ESRCH: nothing matched.
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func rctlCall(trap uintptr, rule string) error {
	buf, err := unix.ByteSliceFromString(rule)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall6(trap, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), 0, 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
