package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the gateway.
const (
	TriggerActivated   = "trigger.activated"
	TriggerDeactivated = "trigger.deactivated"
	TriggerChecked     = "trigger.checked"
	WebhookAccepted    = "webhook.accepted"
	WebhookIgnored     = "webhook.ignored"
	WebhookRejected    = "webhook.rejected"
	MessageSent        = "message.sent"
	MessageFailed      = "message.failed"
	TriggerDrift       = "trigger.drift"
	SchedulerTick      = "scheduler.tick"
	ExecutionsPruned   = "executions.pruned"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Publisher is the write side of the hub.
type Publisher interface {
	Publish(eventType string, data any)
}

// Hub fans lifecycle and delivery events out to SSE clients and keeps a
// bounded backlog for clients that connect late.
type Hub struct {
	seq atomic.Int64

	mu      sync.Mutex
	backlog []Event
	head    int
	count   int

	subs    map[int]chan Event
	nextSub int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		backlog: make([]Event, capacity),
		subs:    make(map[int]chan Event),
	}
}

func (h *Hub) Publish(eventType string, data any) {
	ev := Event{
		ID:   h.seq.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: json.RawMessage(`{}`),
	}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			ev.Data = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.appendLocked(ev)
	for _, ch := range h.subs {
		// Slow subscribers drop events.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener. The returned func unsubscribes and closes
// the channel; calling it twice is safe.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Since returns buffered events newer than lastID, oldest first. A zero
// lastID returns the whole backlog.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		ev := h.backlog[(h.head+i)%len(h.backlog)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) appendLocked(ev Event) {
	n := len(h.backlog)
	if h.count < n {
		h.backlog[(h.head+h.count)%n] = ev
		h.count++
		return
	}
	h.backlog[h.head] = ev
	h.head = (h.head + 1) % n
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(string, any) {}
