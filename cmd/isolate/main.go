package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/isolate/config"
	"github.com/isdmx/isolate/logger"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "isolate",
	Short:         "Run a program in a throwaway sandbox built from OS primitives",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if configFile != "" {
			viper.SetConfigFile(configFile)
		}
		if verbose {
			viper.Set("logging.level", "debug")
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default: ./isolate.yaml, /etc/isolate/isolate.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	flags.String("backend", "", "isolation backend: auto, namespace, jail or dryrun")
	_ = viper.BindPFlag("isolation.backend", flags.Lookup("backend"))
}

// fxLogger routes fx events to the application logger.
func fxLogger(log *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: log}
}

// core provides the configuration and the logger every command uses.
var core = fx.Options(
	fx.Provide(
		config.New,
		logger.NewFromConfig,
	),
	fx.WithLogger(fxLogger),
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "isolate:", err)
		os.Exit(1)
	}
}
