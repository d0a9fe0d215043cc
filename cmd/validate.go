package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plugwire/plugwire/manifest"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plugin-dir>...",
	Short: "Validate plugin manifests",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	failures := 0
	for _, dir := range args {
		m, err := manifest.ParseDir(dir)
		if err != nil {
			fmt.Printf("%s: INVALID\n  %v\n", dir, err)
			failures++
			continue
		}
		fmt.Printf("%s: ok — %s (%s)\n", dir, m.Name, strings.Join(m.FunctionNames(), ", "))
		if m.Passthrough {
			fmt.Println("  passthrough: enabled")
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d invalid manifest(s)", failures)
	}
	return nil
}
