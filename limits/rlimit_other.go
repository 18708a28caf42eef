//go:build !linux && !freebsd

package limits

import (
	"fmt"
	"runtime"
)

func setNoFile(uint64) error {
	return fmt.Errorf("RLIMIT_NOFILE unsupported on %s", runtime.GOOS)
}
