package watch

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

const activityDots = 5

func newLiveness(theme Theme) spinner.Model {
	return spinner.New(
		spinner.WithSpinner(spinner.MiniDot),
		spinner.WithStyle(theme.Highlight),
	)
}

// activity tracks event arrivals over a sliding window.
type activity struct {
	window time.Duration
	stamps []time.Time
}

func newActivity(window time.Duration) activity {
	return activity{window: window}
}

func (a *activity) observe(at time.Time) {
	a.stamps = append(a.stamps, at)
}

// prune drops arrivals older than the window.
func (a *activity) prune(now time.Time) {
	cut := 0
	for cut < len(a.stamps) && now.Sub(a.stamps[cut]) > a.window {
		cut++
	}
	a.stamps = a.stamps[cut:]
}

func (a activity) last() time.Time {
	if len(a.stamps) == 0 {
		return time.Time{}
	}
	return a.stamps[len(a.stamps)-1]
}

// rate is events per second over the window.
func (a activity) rate() float64 {
	if a.window <= 0 {
		return 0
	}
	return float64(len(a.stamps)) / a.window.Seconds()
}

// render lights one dot per event per second, up to activityDots.
func (a activity) render(theme Theme) string {
	lit := int(math.Min(activityDots, math.Ceil(a.rate())))
	var b strings.Builder
	for i := range activityDots {
		if i < lit {
			b.WriteString(theme.DotOn.Render("●"))
		} else {
			b.WriteString(theme.DotOff.Render("○"))
		}
	}
	fmt.Fprintf(&b, " %.1f/s", a.rate())
	return b.String()
}
