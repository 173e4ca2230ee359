package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// gatewayHealth mirrors the last /healthz answer.
type gatewayHealth struct {
	Status        string
	UptimeSeconds int64
	QueueDepth    int
	Triggers      int
	Connected     bool
	LastCheck     time.Time
}

// totals aggregates the per-trigger counters for the summary panel.
type totals struct {
	Registered int
	Known      int
	Accepted   int
	Ignored    int
	Rejected   int
}

func sumTriggers(triggers map[string]*TriggerState) totals {
	var t totals
	for _, ts := range triggers {
		t.Known++
		if ts.Registered {
			t.Registered++
		}
		t.Accepted += ts.Accepted
		t.Ignored += ts.Ignored
		t.Rejected += ts.Rejected
	}
	return t
}

func (h gatewayHealth) badge(theme Theme) string {
	switch {
	case !h.Connected:
		return theme.StatusQueued.Render("OFFLINE")
	case h.Status == "" || h.Status == "ok":
		return theme.StatusOK.Render("ONLINE")
	default:
		return theme.StatusFailed.Render(strings.ToUpper(h.Status))
	}
}

func renderSummary(m Model) string {
	theme := m.theme
	innerWidth := m.width - 4
	t := sumTriggers(m.triggers)

	label := func(s string) string { return theme.Label.Render(s) }

	title := theme.Title.Render("JOAI-GW") + " " + m.spinner.View()
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	gap := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 2
	if gap < 1 {
		gap = 1
	}
	top := title + strings.Repeat(" ", gap) + clock

	gateway := fmt.Sprintf(" %s  %s %s  %s %d",
		m.health.badge(theme),
		label("up"), formatDuration(time.Duration(m.health.UptimeSeconds)*time.Second),
		label("pending"), m.health.QueueDepth,
	)

	registered := theme.StatusOK.Render(fmt.Sprintf("%d/%d", t.Registered, t.Known))
	if t.Registered < t.Known {
		registered = theme.StatusWarn.Render(fmt.Sprintf("%d/%d", t.Registered, t.Known))
	}
	drift := theme.Dim.Render("0")
	if m.drift > 0 {
		drift = theme.StatusWarn.Render(fmt.Sprint(m.drift))
	}
	subs := fmt.Sprintf(" %s %s  %s %s", label("registered"), registered, label("drift"), drift)

	deliveries := fmt.Sprintf(" %s %d  %s %d  %s %s  %s %s",
		label("accepted"), t.Accepted,
		label("ignored"), t.Ignored,
		label("rejected"), rejectedCount(t.Rejected, theme),
		label("last event"), sinceLabel(m.lastEvent),
	)

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, top, gateway, subs, deliveries),
	)
}

func rejectedCount(n int, theme Theme) string {
	if n == 0 {
		return "0"
	}
	return theme.StatusFailed.Render(fmt.Sprint(n))
}

func sinceLabel(at time.Time) string {
	if at.IsZero() {
		return "never"
	}
	return formatDuration(time.Since(at)) + " ago"
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
