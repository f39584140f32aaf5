package tui

import "strings"

const (
	keyQuit      = "q"
	keyInterrupt = "ctrl+c"
	keyNextPane  = "tab"
	keyPrevPane  = "shift+tab"
	keyRefresh   = "r"
)

// paneKeys jump straight to a pane.
var paneKeys = map[string]PaneID{
	"1": PaneStats,
	"2": PaneEvents,
}

var helpBindings = []struct{ keys, action string }{
	{"tab", "next pane"},
	{"1/2", "stats/events"},
	{"j/k", "scroll events"},
	{keyRefresh, "refresh counts"},
	{keyQuit, "quit"},
}

func helpView() string {
	parts := make([]string, len(helpBindings))
	for i, b := range helpBindings {
		parts[i] = b.keys + " " + b.action
	}
	return helpStyle.Render(strings.Join(parts, " · "))
}
