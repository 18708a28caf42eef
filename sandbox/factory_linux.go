package sandbox

import (
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/isdmx/isolate/config"
	"github.com/isdmx/isolate/limits"
)

const nativeBackend = config.BackendNamespace

func nativeJailer(logger *zap.Logger, cfg *config.Config, backend string) (Jailer, limits.Enforcer, error) {
	if backend != config.BackendNamespace {
		return nil, nil, fmt.Errorf("backend %s is not available on linux", backend)
	}
	fs := afero.NewOsFs()
	root := cfg.Isolation.CgroupRoot
	return NewNamespaceJailer(logger, fs, root), limits.NewCgroup(logger, fs, root), nil
}
