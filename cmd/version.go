package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetmaint/dispatchd/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print dispatchd version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Print(version.Current().String())
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
