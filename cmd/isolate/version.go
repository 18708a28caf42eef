package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the current version of isolate, set during build time.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of isolate",
	RunE: func(_ *cobra.Command, _ []string) error {
		fmt.Println("isolate", Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
