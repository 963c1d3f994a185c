package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// cfgFile is the configuration file path.
	cfgFile string
	// logLevel overrides the configured logging level [info|debug|trace].
	logLevel string
)

// RootCmd is the root command instance, sub commands register themselves here.
var RootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "dispatchd dispatches maintenance operations to fleet hardware assets",
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "dispatchd config file")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logging level [info|debug|trace]")
}
