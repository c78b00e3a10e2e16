// Package dashboard renders a read-only terminal view of a running adjutant
// instance: queue depth, worker states, engine load, event router stats,
// current calendar conflicts, a rolling activity feed from the orchestrator
// and router brokers, and a tail of the debug log.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jfelden/adjutant/internal/calendar"
	"github.com/jfelden/adjutant/internal/events"
	"github.com/jfelden/adjutant/internal/log"
	"github.com/jfelden/adjutant/internal/pubsub"
	"github.com/jfelden/adjutant/internal/runtime/engine"
	"github.com/jfelden/adjutant/internal/runtime/orchestrator"
	"github.com/jfelden/adjutant/internal/runtime/worker"
)

const (
	maxActivity  = 12
	maxConflicts = 4
	maxLogLines  = 6
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	workingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("220"))

	idleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("76"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)
)

type keyMap struct {
	Quit key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "esc", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// Sources are the live subsystems the dashboard reads from. Conflicts is an
// optional snapshot accessor; when set, the current calendar conflicts are
// polled on each refresh.
type Sources struct {
	Orch      *orchestrator.Orchestrator
	Engine    *engine.Engine
	Router    *events.Router
	Conflicts func() []calendar.Conflict
}

type tickMsg time.Time

// Model is the dashboard's Bubble Tea model.
type Model struct {
	src     Sources
	keys    keyMap
	spinner spinner.Model

	orchListener   *pubsub.ContinuousListener[orchestrator.Event]
	routerListener *pubsub.ContinuousListener[events.Notice]
	logListener    *log.LogListener

	metrics     orchestrator.Metrics
	engineStats engine.Metrics
	routerStats events.Stats
	conflicts   []calendar.Conflict
	activity    []string
	logLines    []string

	width  int
	height int
}

// New builds the dashboard over the given sources, subscribing to the
// orchestrator and router brokers and the log line stream until ctx is
// cancelled.
func New(ctx context.Context, src Sources) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = labelStyle

	m := Model{src: src, keys: defaultKeyMap(), spinner: sp}
	if src.Orch != nil {
		m.orchListener = pubsub.NewContinuousListener(ctx, src.Orch.Broker())
		m.metrics = src.Orch.Metrics()
	}
	if src.Router != nil {
		m.routerListener = pubsub.NewContinuousListener(ctx, src.Router.Broker())
		m.routerStats = src.Router.Stats()
	}
	if src.Engine != nil {
		m.engineStats = src.Engine.Stats()
	}
	if src.Conflicts != nil {
		m.conflicts = src.Conflicts()
	}
	m.logListener = log.NewListener(ctx)
	return m
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{tick(), m.spinner.Tick}
	if m.orchListener != nil {
		cmds = append(cmds, m.orchListener.Listen())
	}
	if m.routerListener != nil {
		cmds = append(cmds, m.routerListener.Listen())
	}
	if m.logListener != nil {
		cmds = append(cmds, m.logListener.Listen())
	}
	return tea.Batch(cmds...)
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.refresh()
		return m, tick()

	case pubsub.Event[orchestrator.Event]:
		m.push(formatOrchEvent(msg.Payload))
		if m.orchListener != nil {
			return m, m.orchListener.Listen()
		}

	case pubsub.Event[events.Notice]:
		m.push(formatNotice(msg.Payload))
		if m.routerListener != nil {
			return m, m.routerListener.Listen()
		}

	case pubsub.Event[string]:
		m.pushLog(msg.Payload)
		if m.logListener != nil {
			return m, m.logListener.Listen()
		}
	}
	return m, nil
}

func (m *Model) refresh() {
	if m.src.Orch != nil {
		m.metrics = m.src.Orch.Metrics()
	}
	if m.src.Engine != nil {
		m.engineStats = m.src.Engine.Stats()
	}
	if m.src.Router != nil {
		m.routerStats = m.src.Router.Stats()
	}
	if m.src.Conflicts != nil {
		m.conflicts = m.src.Conflicts()
	}
}

func (m *Model) push(line string) {
	stamped := time.Now().Format("15:04:05") + "  " + line
	m.activity = append(m.activity, stamped)
	if len(m.activity) > maxActivity {
		m.activity = m.activity[len(m.activity)-maxActivity:]
	}
}

func (m *Model) pushLog(line string) {
	m.logLines = append(m.logLines, line)
	if len(m.logLines) > maxLogLines {
		m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
	}
}

func formatOrchEvent(e orchestrator.Event) string {
	switch e.Kind {
	case orchestrator.EventAssigned:
		return fmt.Sprintf("task %s assigned to %s", e.TaskID, e.Worker)
	case orchestrator.EventCompleted:
		return fmt.Sprintf("task %s completed by %s", e.TaskID, e.Worker)
	case orchestrator.EventFailed:
		return fmt.Sprintf("task %s failed on %s", e.TaskID, e.Worker)
	case orchestrator.EventRetried:
		return fmt.Sprintf("task %s retrying after %s", e.TaskID, e.Worker)
	case orchestrator.EventCancelled:
		return fmt.Sprintf("task %s cancelled", e.TaskID)
	default:
		return fmt.Sprintf("%s %s", e.Kind, e.TaskID)
	}
}

func formatNotice(n events.Notice) string {
	if n.Outcome == nil {
		return fmt.Sprintf("event %s (%s) submitted", n.Event.ID, n.Event.Kind)
	}
	if n.Outcome.Success {
		return fmt.Sprintf("event %s (%s) handled in %s", n.Event.ID, n.Event.Kind, n.Outcome.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("event %s (%s) failed: %s", n.Event.ID, n.Event.Kind, n.Outcome.Error)
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("adjutant"))
	b.WriteString("\n\n")

	b.WriteString(m.statsView())
	b.WriteString("\n")
	b.WriteString(m.workersView())
	b.WriteString("\n")
	if m.src.Conflicts != nil {
		b.WriteString(m.conflictsView())
		b.WriteString("\n")
	}
	b.WriteString(m.activityView())
	if m.logListener != nil {
		b.WriteString("\n")
		b.WriteString(m.logView())
	}

	b.WriteString(helpStyle.Render(m.keys.Quit.Help().Key + " " + m.keys.Quit.Help().Desc))
	return b.String()
}

func (m Model) statsView() string {
	pairs := []struct {
		label string
		value string
	}{
		{"queue", fmt.Sprintf("%d", m.metrics.QueueDepth)},
		{"running", fmt.Sprintf("%d/%d", m.engineStats.Running, engineCapacity(m.src.Engine))},
		{"completed", fmt.Sprintf("%d", m.metrics.Completed)},
		{"failed", fmt.Sprintf("%d", m.metrics.Failed)},
		{"avg", m.metrics.AvgCompletionTime.Round(time.Millisecond).String()},
		{"events", fmt.Sprintf("%d processed / %d dropped", m.routerStats.Processed, m.routerStats.Dropped)},
	}

	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, labelStyle.Render(p.label+" ")+valueStyle.Render(p.value))
	}
	return sectionStyle.Render("System") + "\n" + strings.Join(parts, labelStyle.Render("  |  ")) + "\n"
}

func engineCapacity(e *engine.Engine) int {
	if e == nil {
		return 0
	}
	return e.Capacity()
}

func (m Model) workersView() string {
	if m.src.Orch == nil {
		return ""
	}
	workers := m.src.Orch.Workers()
	names := make([]string, 0, len(workers))
	for name := range workers {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(sectionStyle.Render("Workers"))
	b.WriteString("\n")
	for _, name := range names {
		w := workers[name]
		wm := w.Metrics()
		b.WriteString(fmt.Sprintf("  %-20s %s  %s\n",
			name,
			statusBadge(w.Status()),
			labelStyle.Render(fmt.Sprintf("tasks %d  ok %.0f%%  util %.0f%%",
				wm.TotalTasks, wm.SuccessRate*100, m.metrics.Utilization[name]*100)),
		))
	}
	return b.String()
}

func statusBadge(s worker.Status) string {
	switch s {
	case worker.StatusWorking:
		return workingStyle.Render(string(s))
	case worker.StatusError:
		return errorStyle.Render(string(s))
	case worker.StatusWaiting:
		return workingStyle.Render(string(s))
	default:
		return idleStyle.Render(string(s))
	}
}

func (m Model) conflictsView() string {
	var b strings.Builder
	b.WriteString(sectionStyle.Render("Conflicts"))
	b.WriteString("\n")
	if len(m.conflicts) == 0 {
		b.WriteString("  " + idleStyle.Render("schedule clear"))
		b.WriteString("\n")
		return b.String()
	}
	shown := m.conflicts
	if len(shown) > maxConflicts {
		shown = shown[:maxConflicts]
	}
	for _, c := range shown {
		b.WriteString(fmt.Sprintf("  %s  %s\n",
			severityBadge(c.Severity), valueStyle.Render(c.Description)))
	}
	if rest := len(m.conflicts) - len(shown); rest > 0 {
		b.WriteString("  " + labelStyle.Render(fmt.Sprintf("... and %d more", rest)) + "\n")
	}
	return b.String()
}

func severityBadge(s calendar.Severity) string {
	switch s {
	case calendar.SeverityCritical, calendar.SeverityHigh:
		return errorStyle.Render(string(s))
	case calendar.SeverityMedium:
		return workingStyle.Render(string(s))
	default:
		return labelStyle.Render(string(s))
	}
}

func (m Model) activityView() string {
	var b strings.Builder
	b.WriteString(sectionStyle.Render("Activity"))
	b.WriteString("\n")
	if len(m.activity) == 0 {
		b.WriteString("  " + m.spinner.View() + labelStyle.Render(" waiting for events..."))
		b.WriteString("\n")
		return b.String()
	}
	for _, line := range m.activity {
		b.WriteString("  " + line + "\n")
	}
	return b.String()
}

func (m Model) logView() string {
	var b strings.Builder
	b.WriteString(sectionStyle.Render("Log"))
	b.WriteString("\n")
	for _, line := range m.logLines {
		b.WriteString("  " + labelStyle.Render(line) + "\n")
	}
	if len(m.logLines) == 0 {
		b.WriteString("  " + labelStyle.Render("no log output yet") + "\n")
	}
	return b.String()
}
