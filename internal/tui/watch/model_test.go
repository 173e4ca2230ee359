package watch

import (
	"bufio"
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/joai-gw/internal/events"
	"github.com/mattjoyce/joai-gw/internal/node"
)

func event(id int64, typ string, data map[string]any) eventMsg {
	b, _ := json.Marshal(data)
	return eventMsg(events.Event{ID: id, Type: typ, At: time.Now(), Data: b})
}

func TestUpdateTracksTriggerEvents(t *testing.T) {
	var m tea.Model = *New("http://gw.test", "key")

	m, _ = m.Update(triggersMsg{{Name: "support", AgentID: "agent-1"}})
	m, _ = m.Update(event(1, events.TriggerActivated, map[string]any{"trigger": "support", "agent_id": "agent-1", "webhook_id": "wh-1"}))
	m, _ = m.Update(event(2, events.WebhookAccepted, map[string]any{"trigger": "support", "execution_ids": []string{"e1"}}))
	m, _ = m.Update(event(3, events.WebhookRejected, map[string]any{"trigger": "support", "reason": "invalid_secret"}))
	m, _ = m.Update(event(4, events.WebhookIgnored, map[string]any{"trigger": "other"}))

	got := m.(Model)
	require.Contains(t, got.triggers, "support")
	ts := got.triggers["support"]
	assert.True(t, ts.Registered)
	assert.Equal(t, "wh-1", ts.WebhookID)
	assert.Equal(t, 1, ts.Accepted)
	assert.Equal(t, 1, ts.Rejected)
	assert.Equal(t, 1, got.triggers["other"].Ignored)
	assert.Equal(t, int64(4), got.lastID)
	assert.Len(t, got.eventLog, 4)
	assert.Equal(t, events.WebhookIgnored, got.eventLog[0].Type)
	assert.Len(t, got.table.Rows(), 2)
}

func TestSchedulerTicksStayOutOfLog(t *testing.T) {
	var m tea.Model = *New("http://gw.test", "key")
	m, _ = m.Update(event(1, events.SchedulerTick, map[string]any{}))
	m, _ = m.Update(event(2, events.TriggerDrift, map[string]any{"trigger": "support"}))

	got := m.(Model)
	require.Len(t, got.eventLog, 1)
	assert.Equal(t, events.TriggerDrift, got.eventLog[0].Type)
	assert.Equal(t, int64(2), got.lastID)
	assert.Equal(t, 1, got.drift)
}

func TestClearKeyEmptiesLog(t *testing.T) {
	var m tea.Model = *New("http://gw.test", "key")
	m, _ = m.Update(event(1, events.TriggerChecked, map[string]any{"trigger": "support"}))
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	assert.Empty(t, m.(Model).eventLog)
}

func TestSumTriggers(t *testing.T) {
	got := sumTriggers(map[string]*TriggerState{
		"support": {Registered: true, Accepted: 2, Rejected: 1},
		"sales":   {Ignored: 3},
	})
	assert.Equal(t, totals{Registered: 1, Known: 2, Accepted: 2, Ignored: 3, Rejected: 1}, got)
}

func TestExtractEventDesc(t *testing.T) {
	drift := events.Event(event(1, events.TriggerDrift, map[string]any{"trigger": "support", "agent_id": "agent-1", "webhook_id": "wh-1"}))
	assert.Equal(t, "support agent-1 wh-1", extractEventDesc(drift))

	pruned := events.Event(event(2, events.ExecutionsPruned, map[string]any{"count": 4}))
	assert.Equal(t, "pruned=4", extractEventDesc(pruned))
}

func TestStatusRefreshKeepsCounters(t *testing.T) {
	triggers := map[string]*TriggerState{"support": {Name: "support", Accepted: 3}}
	applyStatuses(triggers, []node.TriggerStatus{{Name: "support", Registered: true, WebhookID: "wh-2"}})

	assert.Equal(t, 3, triggers["support"].Accepted)
	assert.True(t, triggers["support"].Registered)
	assert.Equal(t, "wh-2", triggers["support"].WebhookID)
}

func TestEventLogIsBounded(t *testing.T) {
	var m tea.Model = *New("http://gw.test", "key")
	for i := int64(1); i <= maxEventLog+5; i++ {
		m, _ = m.Update(event(i, events.TriggerChecked, map[string]any{"trigger": "support"}))
	}
	assert.Len(t, m.(Model).eventLog, maxEventLog)
}

func TestHealthAndDisconnect(t *testing.T) {
	var m tea.Model = *New("http://gw.test", "key")

	m, _ = m.Update(healthMsg{Status: "ok", QueueDepth: 2, Triggers: 1})
	got := m.(Model)
	assert.True(t, got.health.Connected)
	assert.Equal(t, 2, got.health.QueueDepth)

	m, cmd := m.Update(sseDisconnectedMsg{})
	assert.False(t, m.(Model).health.Connected)
	assert.NotNil(t, cmd)
}

func TestViewRenders(t *testing.T) {
	var m tea.Model = *New("http://gw.test", "key")
	assert.Contains(t, m.View(), "Connecting")

	m, _ = m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m, _ = m.Update(event(1, events.WebhookAccepted, map[string]any{"trigger": "support", "event": "agent.message"}))
	view := m.View()
	assert.Contains(t, view, "TRIGGERS")
	assert.Contains(t, view, "registered")
	assert.Contains(t, view, "webhook.accepted")
	assert.Contains(t, view, "quit")
}

func TestReadSSE(t *testing.T) {
	stream := ": keep-alive\n\nid: 7\nevent: trigger.checked\ndata: {\"trigger\":\"support\"}\n\nid: 8\nevent: webhook.ignored\ndata: {}\n\n"
	ch := make(chan events.Event, 4)

	readSSE(bufio.NewScanner(strings.NewReader(stream)), ch)
	close(ch)

	var got []events.Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, events.TriggerChecked, got[0].Type)
	assert.JSONEq(t, `{"trigger":"support"}`, string(got[0].Data))
	assert.Equal(t, events.WebhookIgnored, got[1].Type)
}
