// Package cmd defines the adjutant command tree.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jfelden/adjutant/internal/config"
	"github.com/jfelden/adjutant/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "adjutant",
	Short: "A personal productivity agent runtime",
	Long: `Adjutant coordinates five specialized workers (meeting preparation, task
decomposition, communication, research, schedule optimization) over a shared
task queue, message bus, and persistent memory store. Calendar exports dropped
into the watch directory are analyzed for conflicts and turned into tasks.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDashboard,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .adjutant/config.yaml, ~/.config/adjutant/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging to a file")

	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
		return nil
	}
}

// initLogging sets up file logging when debug mode is requested via flag or
// environment. The returned cleanup closes the log file.
func initLogging() (func(), error) {
	if !debugFlag && os.Getenv("ADJUTANT_DEBUG") == "" {
		return func() {}, nil
	}
	logPath := os.Getenv("ADJUTANT_LOG")
	if logPath == "" {
		logPath = "debug.log"
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	log.Info(log.CatConfig, "Adjutant starting", "version", version, "logPath", logPath)
	return cleanup, nil
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
