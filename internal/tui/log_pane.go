package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/goldenrecord/internal/events"
	"github.com/aristath/goldenrecord/internal/task"
)

const maxLogLines = 500

// EventLogModel is a scrollable log of lifecycle events.
type EventLogModel struct {
	lines     []string
	viewport  viewport.Model
	width     int
	height    int
	focused   bool
	updateTag int // for debouncing
}

// NewEventLogModel creates an empty event log.
func NewEventLogModel() EventLogModel {
	vp := viewport.New(0, 0)
	vp.SetContent("Waiting for events...")
	return EventLogModel{viewport: vp}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the event log.
func (m EventLogModel) Update(msg tea.Msg) (EventLogModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.Event:
		m.lines = append(m.lines, formatEvent(msg))
		if over := len(m.lines) - maxLogLines; over > 0 {
			m.lines = m.lines[over:]
		}
		m.updateTag++
		tag := m.updateTag
		return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
			return tickMsg{tag: tag}
		})

	case tickMsg:
		// Only update if this tick matches the current tag (debouncing)
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// formatEvent renders one event as a log line.
func formatEvent(e events.Event) string {
	switch e := e.(type) {
	case events.TaskCreatedEvent:
		return fmt.Sprintf("%s %s created (%s, queued at %s)", stamp(e.Timestamp), e.ID, e.Mode, e.Step)
	case events.TaskReservedEvent:
		return fmt.Sprintf("%s %s reserved at %s", stamp(e.Timestamp), e.ID, e.Step)
	case events.TaskAdvancedEvent:
		return fmt.Sprintf("%s %s %s -> %s", stamp(e.Timestamp), e.ID, e.From, e.To)
	case events.TaskSucceededEvent:
		return fmt.Sprintf("%s %s %s after %v", stamp(e.Timestamp), e.ID, resultStyle(task.ResultSuccess).Render("succeeded"), e.Duration.Round(time.Millisecond))
	case events.TaskFailedEvent:
		reason := "failed"
		if e.TimedOut {
			reason = "timed out"
		}
		return fmt.Sprintf("%s %s %s at %s (%d errors)", stamp(e.Timestamp), e.ID, resultStyle(task.ResultError).Render(reason), e.Step, len(e.Errors))
	case events.TaskEvictedEvent:
		if e.Expired {
			return fmt.Sprintf("%s %s evicted", stamp(e.Timestamp), e.ID)
		}
		return fmt.Sprintf("%s %s removed", stamp(e.Timestamp), e.ID)
	case events.SweepCompletedEvent:
		return mutedStyle.Render(fmt.Sprintf("%s sweep: %d timed out, %d evicted, %d failed", stamp(e.Timestamp), e.TimedOut, e.Evicted, e.Failures))
	default:
		return fmt.Sprintf("%s %s", e.EventType(), e.TaskID())
	}
}

func stamp(t time.Time) string {
	return t.Format(time.TimeOnly)
}

// View renders the event log.
func (m EventLogModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	title := titleStyle.Render("Events")
	content := lipgloss.JoinVertical(lipgloss.Left, title, m.viewport.View())

	return paneStyle(m.focused).
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// updateViewportContent follows the tail of the log.
func (m *EventLogModel) updateViewportContent() {
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *EventLogModel) resizeViewport() {
	m.viewport.Width = max(m.width-4, 10)
	m.viewport.Height = max(m.height-3, 3) // border and title
}

// SetSize updates the pane dimensions.
func (m *EventLogModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *EventLogModel) SetFocused(focused bool) {
	m.focused = focused
}
