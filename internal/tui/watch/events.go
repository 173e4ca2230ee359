package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/joai-gw/internal/events"
)

const visibleEvents = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= visibleEvents {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.WebhookAccepted, events.TriggerActivated, events.MessageSent:
		typeStyle = theme.StatusOK
	case events.WebhookRejected, events.MessageFailed:
		typeStyle = theme.StatusFailed
	case events.WebhookIgnored, events.TriggerDrift:
		typeStyle = theme.StatusWarn
	case events.TriggerChecked, events.TriggerDeactivated:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	for _, key := range []string{"trigger", "event", "agent_id", "reason", "webhook_id"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	if ids, ok := data["execution_ids"].([]any); ok && len(ids) > 0 {
		parts = append(parts, fmt.Sprintf("%d item(s)", len(ids)))
	}
	if n, ok := data["deleted"].(float64); ok && n > 0 {
		parts = append(parts, fmt.Sprintf("deleted=%d", int(n)))
	}
	if n, ok := data["count"].(float64); ok && e.Type == events.ExecutionsPruned {
		parts = append(parts, fmt.Sprintf("pruned=%d", int(n)))
	}
	if errText, ok := data["error"].(string); ok {
		parts = append(parts, errText)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
