package sandbox

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/isdmx/isolate/config"
	"github.com/isdmx/isolate/identity"
	"github.com/isdmx/isolate/netpolicy"
	"github.com/isdmx/isolate/privilege"
	"github.com/isdmx/isolate/rootfs"
)

// NewProvider creates the Provider selected by isolation.backend. The auto
// backend picks the running platform's native one.
func NewProvider(logger *zap.Logger, cfg *config.Config) (Provider, error) {
	backend := cfg.Isolation.Backend
	if backend == config.BackendAuto {
		backend = nativeBackend
	}

	switch backend {
	case config.BackendDryRun:
		return NewDryRunProvider(logger, cfg), nil
	case config.BackendNamespace, config.BackendJail:
		components := hostComponents(logger, cfg)
		jailer, enforcer, err := nativeJailer(logger, cfg, backend)
		if err != nil {
			return nil, err
		}
		components.Jailer = jailer
		components.Enforcer = enforcer
		return NewHostProvider(logger, components), nil
	case "":
		return nil, fmt.Errorf("no isolation backend for this platform, use %q", config.BackendDryRun)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// SandboxName is the name of the sandbox created by this process.
func SandboxName(cfg *config.Config) string {
	return fmt.Sprintf("%s-%d", cfg.Isolation.NamePrefix, os.Getpid())
}

func hostComponents(logger *zap.Logger, cfg *config.Config) HostComponents {
	iso := cfg.Isolation
	db := identity.NewHostDatabase(logger, iso.UserShell, iso.UserHome)

	return HostComponents{
		Identities: identity.NewManager(logger, db, identity.WithUserPrefix(iso.UserPrefix), identity.WithHome(iso.UserHome)),
		Builder:    rootfs.NewBuilder(logger, afero.NewOsFs(), rootfs.NewMounter(logger), rootfsConfig(cfg)),
		Policy:     netpolicy.NewBasic(logger, netpolicy.WithStrict(iso.StrictNetwork)),
		Dropper:    privilege.NewDropper(logger, envConfig(cfg), privilege.WithSyscallFilter(iso.Seccomp)),
		RootBase:   iso.RootBase,
	}
}

func rootfsConfig(cfg *config.Config) rootfs.Config {
	return rootfs.Config{
		SystemMounts:   cfg.Isolation.SystemMounts,
		WorkspaceMount: cfg.Isolation.WorkspaceMount,
		UserShell:      cfg.Isolation.UserShell,
		UserHome:       cfg.Isolation.UserHome,
	}
}

func envConfig(cfg *config.Config) privilege.EnvConfig {
	return privilege.EnvConfig{
		Home:        cfg.Isolation.UserHome,
		LibraryPath: cfg.Isolation.LibraryPath,
		SearchPath:  cfg.Isolation.SearchPath,
	}
}
