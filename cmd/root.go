// Package cmd provides CLI commands.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plugwire/plugwire/config"
	"github.com/plugwire/plugwire/logger"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	logLevelOverride string
)

// rootCmd is the root command.
var rootCmd = &cobra.Command{
	Use:   "plugwire",
	Short: "plugwire - run and test assistant plugins",
	Long: `plugwire hosts pipe-based assistant plugins: it discovers them by
manifest, spawns their processes, and speaks the JSON-RPC plugin
protocol over stdio.

Get started with: plugwire run ./plugins`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "info", "Log level for this run (debug, info, warn, error)")
	rootCmd.PersistentPreRunE = initLogging
}

func initLogging(cmd *cobra.Command, args []string) error {
	level := strings.ToLower(strings.TrimSpace(logLevelOverride))
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %q (use debug, info, warn, error)", logLevelOverride)
	}

	logCfg := logger.Config{
		Enabled: true,
		Level:   level,
		Stderr:  true,
	}
	if err := logger.Init(logCfg, config.BaseDir()); err != nil {
		return fmt.Errorf("logger init error: %w", err)
	}
	return nil
}
