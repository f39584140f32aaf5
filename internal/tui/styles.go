package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/goldenrecord/internal/task"
)

var (
	colorAccent = lipgloss.Color("62")
	colorDim    = lipgloss.Color("240")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	mutedStyle = lipgloss.NewStyle().Foreground(colorDim)
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// resultStyles colours counts and events by the task outcome they describe.
var resultStyles = map[task.ResultState]lipgloss.Style{
	task.ResultPending: lipgloss.NewStyle().Foreground(lipgloss.Color("yellow")).Bold(true),
	task.ResultSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("green")).Bold(true),
	task.ResultError:   lipgloss.NewStyle().Foreground(lipgloss.Color("red")).Bold(true),
}

func resultStyle(s task.ResultState) lipgloss.Style {
	if style, ok := resultStyles[s]; ok {
		return style
	}
	return mutedStyle
}

// paneStyle frames a pane, highlighting the border when it has focus.
func paneStyle(focused bool) lipgloss.Style {
	border := colorDim
	if focused {
		border = colorAccent
	}
	return lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border)
}
