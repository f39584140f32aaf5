// Package tui is a read-only terminal monitor for a running orchestrator.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/goldenrecord/internal/events"
	"github.com/aristath/goldenrecord/internal/persistence"
	"github.com/aristath/goldenrecord/internal/task"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneStats PaneID = iota
	PaneEvents
)

const paneCount = 2

// StatsFunc fetches the current task counts.
type StatsFunc func(ctx context.Context) ([]persistence.StateCount, error)

// refreshMsg triggers a stats fetch.
type refreshMsg struct{}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	statsPane   StatsPaneModel
	logPane     EventLogModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	stats       StatsFunc
	refresh     time.Duration
	width       int
	height      int
	quitting    bool
}

// New creates a new TUI model.
// It subscribes to all events from the event bus and polls stats every refresh interval.
func New(eventBus *events.EventBus, stats StatsFunc, steps []task.Step, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = time.Second
	}
	return Model{
		statsPane:   NewStatsPaneModel(steps),
		logPane:     NewEventLogModel(),
		focusedPane: PaneEvents,
		eventSub:    eventBus.SubscribeAll(256),
		stats:       stats,
		refresh:     refresh,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), fetchStats(m.stats))
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

func fetchStats(stats StatsFunc) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		counts, err := stats(ctx)
		return statsMsg{counts: counts, err: err, at: time.Now()}
	}
}

func scheduleRefresh(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return refreshMsg{} })
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if pane, ok := paneKeys[msg.String()]; ok {
			m.focusedPane = pane
			m.updateFocusStates()
			break
		}

		switch msg.String() {
		case keyQuit, keyInterrupt:
			m.quitting = true
			return m, tea.Quit

		case keyNextPane:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case keyPrevPane:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case keyRefresh:
			cmds = append(cmds, fetchStats(m.stats))

		default:
			var cmd tea.Cmd
			m.logPane, cmd = m.logPane.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case statsMsg:
		var cmd tea.Cmd
		m.statsPane, cmd = m.statsPane.Update(msg)
		cmds = append(cmds, cmd, scheduleRefresh(m.refresh))

	case refreshMsg:
		cmds = append(cmds, fetchStats(m.stats))

	case tickMsg:
		var cmd tea.Cmd
		m.logPane, cmd = m.logPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.Event:
		var cmd tea.Cmd
		m.logPane, cmd = m.logPane.Update(msg)
		cmds = append(cmds, cmd)
		// Also wait for next event
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.statsPane.View(), m.logPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, helpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 40) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // reserve 1 line for help bar

	m.statsPane.SetSize(leftWidth, availableHeight)
	m.logPane.SetSize(rightWidth, availableHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.statsPane.SetFocused(m.focusedPane == PaneStats)
	m.logPane.SetFocused(m.focusedPane == PaneEvents)
}
