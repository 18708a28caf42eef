//go:build !linux

package privilege

func loadSyscallFilter() error {
	return nil
}
