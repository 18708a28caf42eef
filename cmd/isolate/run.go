package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/isdmx/isolate/capability"
	"github.com/isdmx/isolate/config"
	"github.com/isdmx/isolate/exithook"
	"github.com/isdmx/isolate/rootfs"
	"github.com/isdmx/isolate/sandbox"
)

var (
	capsFile string
	dryRun   bool
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <binary> [args...]",
	Short: "Run a binary inside a fresh isolation context",
	Long: `Run builds an isolation context for the binary from its capability file
(<binary>.caps unless -c is given), then replaces itself with the binary.
A missing capability file falls back to the default policy. Everything
after the binary is passed to it unchanged.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIsolated,
}

func init() {
	runCmd.Flags().StringVarP(&capsFile, "caps", "c", "", "capability file")
	runCmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "print the setup and teardown plan without changing the host")
	runCmd.Flags().SetInterspersed(false)
	rootCmd.AddCommand(runCmd)
}

func newExitHooks(log *zap.Logger) *exithook.Registry {
	return exithook.New(log)
}

func newController(log *zap.Logger, cfg *config.Config, provider sandbox.Provider, hooks *exithook.Registry) *sandbox.Controller {
	return sandbox.NewController(log, provider,
		sandbox.WithExitHooks(hooks),
		sandbox.WithName(sandbox.SandboxName(cfg)))
}

// loadSpec reads the capability file, falling back to the default policy
// when it is missing or unreadable.
func loadSpec(log *zap.Logger, path string) *capability.Spec {
	spec, diags, err := capability.Load(path)
	if err != nil {
		if errors.Is(err, capability.ErrNotFound) {
			log.Warn("no capability file, using the default policy", zap.String("path", path))
		} else {
			log.Warn("capability file unusable, using the default policy", zap.String("path", path), zap.Error(err))
		}
		return capability.Default()
	}
	for _, d := range diags {
		log.Warn("capability entry skipped", zap.String("path", path), zap.Stringer("entry", d))
	}
	return spec
}

func runIsolated(_ *cobra.Command, args []string) error {
	binary, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve %s: %w", args[0], err)
	}
	caps := capsFile
	if caps == "" {
		caps = binary + ".caps"
	}
	if dryRun {
		viper.Set("isolation.backend", config.BackendDryRun)
	} else if os.Geteuid() != 0 {
		return fmt.Errorf("isolate run must be started as root, use --dry-run to inspect the plan")
	}
	if err := os.Setenv(config.TargetBinaryEnv, binary); err != nil {
		return err
	}

	var (
		log        *zap.Logger
		hooks      *exithook.Registry
		provider   sandbox.Provider
		controller *sandbox.Controller
	)
	app := fx.New(
		core,
		fx.Provide(
			newExitHooks,
			sandbox.NewProvider,
			newController,
		),
		fx.Populate(&log, &hooks, &provider, &controller),
	)
	if err := app.Err(); err != nil {
		return err
	}

	stop := hooks.HandleSignals()
	spec := loadSpec(log, caps)

	// Every exit from here on goes through hooks.Exit so teardown runs.
	ictx, err := controller.Create(context.Background(), spec, "")
	if err != nil {
		log.Error("isolation setup failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "isolate:", err)
		hooks.Exit(1)
		return nil
	}
	for _, w := range ictx.Warnings {
		fmt.Fprintln(os.Stderr, "isolate: warning:", w)
	}

	if plan, ok := provider.(*sandbox.DryRunProvider); ok {
		setup := len(plan.Plan().Steps())
		err := controller.Cleanup()
		steps := plan.Plan().Steps()
		fmt.Println("setup:")
		for _, s := range steps[:setup] {
			fmt.Println("  ", s)
		}
		fmt.Println("teardown:")
		for _, s := range steps[setup:] {
			fmt.Println("  ", s)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "isolate:", err)
			hooks.Exit(1)
		}
		hooks.Exit(0)
		return nil
	}

	target := rootfs.StagedPath(binary)
	argv := append([]string{target}, args[1:]...)
	stop()
	if hooks.Ran() {
		// A signal arrived after setup; its handler owns the exit.
		log.Warn("not executing target, terminating on signal")
		hooks.Exit(1)
		return nil
	}
	log.Debug("executing target", zap.String("path", target), zap.Strings("argv", argv))
	_ = log.Sync()

	err = unix.Exec(target, argv, os.Environ())
	log.Error("exec failed", zap.String("path", target), zap.Error(err))
	fmt.Fprintln(os.Stderr, "isolate: exec:", err)
	hooks.Exit(1)
	return nil
}
