package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/isolate/config"
	"github.com/isdmx/isolate/sandbox"
)

var gcDryRun bool

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove accounts, roots and sandboxes left by finished runs",
	Long: `Gc removes what a successful run leaves behind once its process is gone:
the synthesized account, the sandbox root with its mounts, and the sandbox
with its limits. Leftovers of running processes are not touched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !gcDryRun && os.Geteuid() != 0 {
			return fmt.Errorf("isolate gc must be started as root, use --dry-run to list leftovers")
		}

		var (
			cfg *config.Config
			log *zap.Logger
		)
		app := fx.New(core, fx.Populate(&cfg, &log))
		if err := app.Err(); err != nil {
			return err
		}

		garbage, err := sandbox.NewHostCollector(log, cfg, gcDryRun).Collect(context.Background())
		out := cmd.OutOrStdout()
		verb := "removed"
		if gcDryRun {
			verb = "would remove"
		}
		for _, u := range garbage.Users {
			fmt.Fprintf(out, "%s user %s\n", verb, u)
		}
		for _, r := range garbage.Roots {
			fmt.Fprintf(out, "%s root %s\n", verb, r)
		}
		for _, s := range garbage.Sandboxes {
			fmt.Fprintf(out, "%s sandbox %s\n", verb, s)
		}
		return err
	},
}

func init() {
	gcCmd.Flags().BoolVarP(&gcDryRun, "dry-run", "n", false, "list leftovers without removing them")
	rootCmd.AddCommand(gcCmd)
}
