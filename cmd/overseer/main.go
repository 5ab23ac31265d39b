// overseer runs goal decompositions through a reviewed worker pool and
// manages staged configuration rollouts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"overseer/internal/config"
	"overseer/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "overseer",
	Short: "overseer - reviewed task orchestration with safe evolution",
	Long: `overseer executes a goal decomposition as a dependency-ordered task
graph. Every task result passes a reviewer gate before it counts as done;
rejected work is re-queued with feedback, bounded by a revision limit.

Configuration changes roll out in stages (canary, majority, full) with
automatic rollback on metric regression.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		if err := logging.Initialize(logging.Options{
			Level:      level,
			JSONFormat: cfg.Logging.JSONFormat,
			OutputPath: cfg.Logging.OutputPath,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "overseer.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(evolveCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
