package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/joai-gw/internal/events"
	"github.com/mattjoyce/joai-gw/internal/node"
)

// TriggerState tracks one trigger node from /triggers and the event stream.
type TriggerState struct {
	Name       string
	AgentID    string
	WebhookID  string
	Registered bool

	Accepted int
	Ignored  int
	Rejected int
	LastCall time.Time
}

func newTriggerTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Trigger", Width: 18},
			{Title: "Agent", Width: 14},
			{Title: "Webhook", Width: 10},
			{Title: "Acc", Width: 5},
			{Title: "Ign", Width: 5},
			{Title: "Rej", Width: 5},
			{Title: "Last call", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// applyStatuses merges a /triggers snapshot into the tracked state. Call
// counters survive the refresh.
func applyStatuses(triggers map[string]*TriggerState, statuses []node.TriggerStatus) {
	for _, st := range statuses {
		ts, ok := triggers[st.Name]
		if !ok {
			ts = &TriggerState{Name: st.Name}
			triggers[st.Name] = ts
		}
		ts.AgentID = st.AgentID
		ts.WebhookID = st.WebhookID
		ts.Registered = st.Registered
	}
}

// updateTriggerState processes an event and updates trigger tracking.
func updateTriggerState(triggers map[string]*TriggerState, e events.Event) {
	var data struct {
		Trigger   string `json:"trigger"`
		AgentID   string `json:"agent_id"`
		WebhookID string `json:"webhook_id"`
	}
	_ = json.Unmarshal(e.Data, &data)
	if data.Trigger == "" {
		return
	}

	ts, ok := triggers[data.Trigger]
	if !ok {
		ts = &TriggerState{Name: data.Trigger}
		triggers[data.Trigger] = ts
	}

	switch e.Type {
	case events.TriggerActivated:
		ts.Registered = true
		ts.AgentID = data.AgentID
		ts.WebhookID = data.WebhookID
	case events.TriggerDeactivated:
		ts.Registered = false
		ts.WebhookID = ""
	case events.TriggerDrift:
		ts.WebhookID = ""
	case events.WebhookAccepted:
		ts.Accepted++
		ts.LastCall = e.At
	case events.WebhookIgnored:
		ts.Ignored++
		ts.LastCall = e.At
	case events.WebhookRejected:
		ts.Rejected++
		ts.LastCall = e.At
	}
}

func triggerRows(triggers map[string]*TriggerState, theme Theme) []table.Row {
	names := make([]string, 0, len(triggers))
	for name := range triggers {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]table.Row, 0, len(names))
	for _, name := range names {
		ts := triggers[name]
		st := theme.StatusQueued.Render("○")
		if ts.Registered {
			st = theme.StatusOK.Render("●")
		}
		if ts.Rejected > 0 {
			st = theme.StatusFailed.Render("●")
		}
		last := "-"
		if !ts.LastCall.IsZero() {
			last = ts.LastCall.Format("15:04:05")
		}
		rows = append(rows, table.Row{
			st,
			ts.Name,
			short(ts.AgentID, 14),
			short(ts.WebhookID, 10),
			fmt.Sprint(ts.Accepted),
			fmt.Sprint(ts.Ignored),
			fmt.Sprint(ts.Rejected),
			last,
		})
	}
	return rows
}

func renderTriggers(t table.Model, theme Theme, width int) string {
	innerWidth := width - 4
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("TRIGGERS"),
		t.View(),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func short(s string, n int) string {
	if s == "" {
		return "-"
	}
	if len(s) > n {
		return s[:n-1] + "…"
	}
	return s
}
