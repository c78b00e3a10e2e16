package cmd

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/jfelden/adjutant/internal/calendar"
	"github.com/jfelden/adjutant/internal/dashboard"
	"github.com/jfelden/adjutant/internal/log"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Run the runtime with the terminal dashboard",
	Long: `Run the full runtime and attach the read-only terminal dashboard showing
queue depth, worker states, and the live activity feed. This is also the
default when adjutant is invoked without a subcommand.`,
	RunE: runDashboard,
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	rt, err := buildRuntime(cfg)
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}
	defer rt.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sources := dashboard.Sources{
		Orch:   rt.Orch,
		Engine: rt.Engine,
		Router: rt.Router,
	}
	if cfg.Calendar.WatchDir != "" {
		sources.Conflicts = func() []calendar.Conflict {
			conflicts, err := rt.CurrentConflicts(ctx)
			if err != nil {
				log.ErrorErr(log.CatConflict, "Conflict snapshot unavailable", err)
				return nil
			}
			return conflicts
		}
	}
	model := dashboard.New(ctx, sources)

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running dashboard: %w", err)
	}
	return nil
}
