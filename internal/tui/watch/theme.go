// Package watch implements the toolbridge system watch TUI: a live table of
// workers with their state and health, fed by API polling and the SSE stream.
package watch

import "github.com/charmbracelet/lipgloss"

var (
	colorAccent = lipgloss.Color("#874BFD")
	colorText   = lipgloss.Color("#FAFAFA")
	colorMuted  = lipgloss.Color("#888888")
	colorOK     = lipgloss.Color("#00FF00")
	colorWarn   = lipgloss.Color("#FFFF00")
	colorBad    = lipgloss.Color("#FF0000")
)

// Theme holds every style the watch TUI renders with.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	DotOn  lipgloss.Style
	DotOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	fg := func(c lipgloss.TerminalColor) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }
	return Theme{
		StatusOK:      fg(colorOK),
		StatusRunning: fg(colorWarn),
		StatusFailed:  fg(colorBad),

		Border:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorAccent),
		Title:     fg(colorText).Bold(true).Padding(0, 1),
		Header:    fg(lipgloss.Color("#61AFEF")).Bold(true),
		Dim:       fg(colorMuted),
		Highlight: fg(lipgloss.Color("#E5C07B")),

		DotOn:  fg(colorOK),
		DotOff: fg(lipgloss.Color("#444444")),
	}
}
