package watch

import (
	"fmt"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

var workerColumns = []table.Column{
	{Title: "WORKER", Width: 18},
	{Title: "STATE", Width: 9},
	{Title: "HEALTH", Width: 9},
	{Title: "PID", Width: 7},
	{Title: "CONNS", Width: 7},
	{Title: "REQS", Width: 8},
	{Title: "FAIL%", Width: 6},
	{Title: "AVG ms", Width: 8},
	{Title: "CRASHES", Width: 7},
}

func newWorkerTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns(workerColumns),
		table.WithFocused(true),
		table.WithHeight(8),
		table.WithWidth(100),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.Foreground(theme.Header.GetForeground()).Bold(true)
	s.Selected = s.Selected.Foreground(colorText).Background(colorAccent)
	t.SetStyles(s)
	return t
}

// workerTableRows converts worker rows to table rows.
func workerTableRows(rows []WorkerRow) []table.Row {
	out := make([]table.Row, 0, len(rows))
	for _, w := range rows {
		pid := "-"
		if w.PID > 0 {
			pid = fmt.Sprintf("%d", w.PID)
		}
		state := w.State
		if w.PermanentlyFailed {
			state = "failed"
		}
		failPct := "-"
		if w.Metrics.RequestsTotal > 0 {
			failPct = fmt.Sprintf("%.0f", 100*float64(w.Metrics.FailuresTotal)/float64(w.Metrics.RequestsTotal))
		}
		out = append(out, table.Row{
			w.ID,
			state,
			w.Health,
			pid,
			fmt.Sprintf("%d/%d", w.Pool.InUse, w.Pool.Max),
			fmt.Sprintf("%d", w.Metrics.RequestsTotal),
			failPct,
			fmt.Sprintf("%.1f", w.Metrics.AvgLatencyMs),
			fmt.Sprintf("%d", w.Metrics.Crashes),
		})
	}
	return out
}

func renderWorkers(t table.Model, rows []WorkerRow, theme Theme, width int) string {
	innerWidth := width - 4
	if len(rows) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("WORKERS"),
			theme.Dim.Render("  No workers configured"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	parts := []string{theme.Title.Render("WORKERS"), t.View()}
	if sel := t.Cursor(); sel >= 0 && sel < len(rows) && rows[sel].LastError != "" {
		parts = append(parts, theme.StatusFailed.Render(" last error: "+rows[sel].LastError))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
