package limits

import "golang.org/x/sys/unix"

func setNoFile(n uint64) error {
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: n, Max: n})
}
