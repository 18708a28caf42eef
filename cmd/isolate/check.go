package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/isdmx/isolate/capability"
)

var checkCmd = &cobra.Command{
	Use:   "check <file|binary>",
	Short: "Parse a capability file and print the resulting policy",
	Long: `Check parses a capability file and prints the policy it yields together
with the entries that were skipped. Given a binary instead of a .caps or
YAML file, the binary's sibling <binary>.caps is read.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		switch filepath.Ext(path) {
		case ".caps", ".yaml", ".yml":
		default:
			path += ".caps"
		}

		spec, diags, err := capability.Load(path)
		if err != nil {
			return err
		}
		policy, err := spec.YAML()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# %s\n# %s\n", path, spec.Summary())
		fmt.Fprint(out, string(policy))
		for _, d := range diags {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning:", d)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
