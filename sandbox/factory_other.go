//go:build !linux && !freebsd

package sandbox

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/isdmx/isolate/config"
	"github.com/isdmx/isolate/limits"
)

const nativeBackend = ""

func nativeJailer(_ *zap.Logger, _ *config.Config, backend string) (Jailer, limits.Enforcer, error) {
	return nil, nil, fmt.Errorf("backend %s is not available on %s", backend, runtime.GOOS)
}
