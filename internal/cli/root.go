// Package cli provides the command-line interface for lakeflow.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/raphaelgruber/lakeflow/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool
	memory  bool

	cfg      config.Config
	settings config.Settings
	logger   *slog.Logger
	closeLog func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "lakeflow",
	Short: "Information-request workflow engine",
	Long: `Lakeflow answers free-form information requests by gathering content from
archives, recursively compacting it and generating an AI-authored answer.

Requests are processed by stateless event handlers that coordinate through
atomic counters in SurrealDB.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}
		logger, closeLog = config.SetupLogger(cfg)
		slog.SetDefault(logger)

		var err error
		settings, err = config.LoadSettings(cfg.SettingsFile)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLog != nil {
			if err := closeLog(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&memory, "memory", false, "use an in-memory store instead of SurrealDB")

	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(usageCmd)
}
