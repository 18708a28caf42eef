package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/isolate/config"
	"github.com/isdmx/isolate/limits"
)

const nativeBackend = config.BackendJail

func nativeJailer(logger *zap.Logger, _ *config.Config, backend string) (Jailer, limits.Enforcer, error) {
	if backend != config.BackendJail {
		return nil, nil, fmt.Errorf("backend %s is not available on freebsd", backend)
	}
	return NewJailJailer(logger), limits.NewRctl(logger, limits.NewRuleSink()), nil
}
