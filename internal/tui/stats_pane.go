package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/goldenrecord/internal/persistence"
	"github.com/aristath/goldenrecord/internal/task"
)

// statsMsg carries the result of one stats fetch.
type statsMsg struct {
	counts []persistence.StateCount
	err    error
	at     time.Time
}

type stepCounts struct {
	queued   int
	reserved int
}

// StatsPaneModel shows live task counts per result state and per step.
type StatsPaneModel struct {
	steps     []task.Step // display order
	perStep   map[task.Step]*stepCounts
	pending   int
	succeeded int
	failed    int
	lastErr   error
	updated   time.Time
	width     int
	height    int
	focused   bool
}

// NewStatsPaneModel creates a stats pane listing steps in the given order.
func NewStatsPaneModel(steps []task.Step) StatsPaneModel {
	return StatsPaneModel{
		steps:   append([]task.Step(nil), steps...),
		perStep: make(map[task.Step]*stepCounts),
	}
}

// Update handles messages for the stats pane.
func (m StatsPaneModel) Update(msg tea.Msg) (StatsPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case statsMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.apply(msg.counts)
			m.updated = msg.at
		}
	}

	return m, nil
}

func (m *StatsPaneModel) apply(counts []persistence.StateCount) {
	m.pending, m.succeeded, m.failed = 0, 0, 0
	m.perStep = make(map[task.Step]*stepCounts)

	for _, c := range counts {
		switch c.ResultState {
		case task.ResultPending:
			m.pending += c.Count
		case task.ResultSuccess:
			m.succeeded += c.Count
		case task.ResultError:
			m.failed += c.Count
		}

		sc, ok := m.perStep[c.Step]
		if !ok {
			sc = &stepCounts{}
			m.perStep[c.Step] = sc
			if !containsStep(m.steps, c.Step) {
				m.steps = append(m.steps, c.Step)
			}
		}
		if c.ResultState != task.ResultPending {
			continue
		}
		switch c.StepState {
		case task.StepQueued:
			sc.queued += c.Count
		case task.StepReserved:
			sc.reserved += c.Count
		}
	}
}

func containsStep(steps []task.Step, s task.Step) bool {
	for _, step := range steps {
		if step == s {
			return true
		}
	}
	return false
}

// View renders the stats pane.
func (m StatsPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := titleStyle.Render("Golden Record Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	total := m.pending + m.succeeded + m.failed
	b.WriteString(fmt.Sprintf("Total:     %d\n", total))
	b.WriteString(fmt.Sprintf("Succeeded: %s\n", resultStyle(task.ResultSuccess).Render(fmt.Sprintf("%d", m.succeeded))))
	b.WriteString(fmt.Sprintf("Pending:   %s\n", resultStyle(task.ResultPending).Render(fmt.Sprintf("%d", m.pending))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", resultStyle(task.ResultError).Render(fmt.Sprintf("%d", m.failed))))
	b.WriteString("\n")

	if total > 0 {
		barWidth := min(m.width-4, 40)
		successWidth := (m.succeeded * barWidth) / total
		failedWidth := (m.failed * barWidth) / total
		pendingWidth := barWidth - successWidth - failedWidth

		bar := resultStyle(task.ResultSuccess).Render(strings.Repeat("=", max(0, successWidth)))
		bar += resultStyle(task.ResultError).Render(strings.Repeat("!", max(0, failedWidth)))
		bar += mutedStyle.Render(strings.Repeat(".", max(0, pendingWidth)))

		b.WriteString(fmt.Sprintf("[%s]  %d/%d\n\n", bar, m.succeeded+m.failed, total))
	}

	b.WriteString(fmt.Sprintf("%-16s %8s %8s\n", "Step", "Queued", "Reserved"))
	for _, step := range m.steps {
		sc := m.perStep[step]
		if sc == nil {
			sc = &stepCounts{}
		}
		b.WriteString(fmt.Sprintf("%-16s %8d %8d\n", step, sc.queued, sc.reserved))
	}

	b.WriteString("\n")
	switch {
	case m.lastErr != nil:
		b.WriteString(resultStyle(task.ResultError).Render("stats unavailable: " + m.lastErr.Error()))
	case m.updated.IsZero():
		b.WriteString(mutedStyle.Render("Waiting for stats..."))
	default:
		b.WriteString(mutedStyle.Render("Updated " + m.updated.Format(time.TimeOnly)))
	}

	return paneStyle(m.focused).
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *StatsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *StatsPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
