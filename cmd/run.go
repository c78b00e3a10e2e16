package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent runtime without the dashboard",
	Long: `Run the full runtime headless: workers, task queue, message bus, event
router, and the calendar watcher. Useful under a process supervisor or when
another terminal attaches the dashboard later.

Example:
  adjutant run
  adjutant run --config ./config.yaml`,
	RunE: runHeadless,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runHeadless(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	rt, err := buildRuntime(cfg)
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}

	fmt.Printf("adjutant runtime started (%d workers)\n", len(rt.Orch.Workers()))
	if cfg.Calendar.WatchDir != "" {
		fmt.Printf("watching %s for calendar exports\n", cfg.Calendar.WatchDir)
	}
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\nReceived %s, shutting down...\n", sig)

	rt.Shutdown()
	fmt.Println("Runtime stopped")
	return nil
}
