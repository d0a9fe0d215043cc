package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/plugwire/plugwire/protocol"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("plugwire %s (protocol %s, %s)\n", Version, protocol.Version, runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
