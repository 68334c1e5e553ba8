package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks router health from /healthz polling.
type HealthState struct {
	Status         string
	UptimeSeconds  int64
	Workers        int
	WorkersReady   int
	WorkersDown    int
	WorkersRunning int
	Connected      bool
	LastCheck      time.Time
}

func renderHeader(health HealthState, liveness string, act activity, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	statusIcon := "✅"
	switch {
	case !health.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
		statusIcon = "🔌"
	case health.Status != "ok" && health.Status != "":
		statusText = theme.StatusFailed.Render("UNHEALTHY")
		statusIcon = "⚠️"
	case health.WorkersDown > 0:
		statusText = theme.StatusRunning.Render("DEGRADED")
		statusIcon = "⚠️"
	}

	uptimeStr := formatDuration(time.Duration(health.UptimeSeconds) * time.Second)

	lastEventStr := "never"
	if last := act.last(); !last.IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", time.Since(last).Round(time.Second))
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" TOOLBRIDGE WATCH %s", liveness)

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := max(innerWidth-titleWidth-clockWidth-4, 1)
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s %s  ⏱ %s  Workers: %d  Running: %d  Ready: %d  Down: %d",
		statusIcon, statusText,
		uptimeStr,
		health.Workers,
		health.WorkersRunning,
		health.WorkersReady,
		health.WorkersDown,
	)

	activityLine := fmt.Sprintf(" Last event: %s  Activity: %s",
		lastEventStr,
		act.render(theme),
	)

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		activityLine,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
