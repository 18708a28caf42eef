package limits

import "golang.org/x/sys/unix"

func setNoFile(n uint64) error {
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: int64(n), Max: int64(n)})
}
