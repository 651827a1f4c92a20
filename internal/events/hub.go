// Package events is the agent's in-process activity feed. The dispatcher and
// agent publish lifecycle events here; the API serves them to operators.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Event types published by the agent.
const (
	TypeEventQueued      = "event.queued"
	TypeEventProcessed   = "event.processed"
	TypeEventFailed      = "event.failed"
	TypeWorkerAdded      = "worker.added"
	TypeWorkerExited     = "worker.exited"
	TypeDispatcherState  = "dispatcher.state"
	TypeFaceIndexSync    = "face_index.sync"
	TypeVirtualFSRebuild = "virtualfs.rebuild"
	TypeSourceConnected  = "source.connected"
	TypeSourceDisconnect = "source.disconnected"
	TypeAutotagBacklog   = "autotag.backlog"
	TypeAgentShutdown    = "agent.shutdown"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub with a ring buffer so late readers can catch up.
type Hub struct {
	nextID atomic.Int64
	clock  clock.Clock

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

// NewHub creates a hub retaining the last capacity events.
func NewHub(capacity int) *Hub {
	return NewHubWithClock(capacity, clock.New())
}

// NewHubWithClock is NewHub with an injected clock for timestamps.
func NewHubWithClock(capacity int, clk clock.Clock) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		clock: clk,
		ring:  make([]Event, capacity),
		subs:  make(map[int]chan Event),
	}
}

// Publish records an event. Subscribers that are not keeping up miss it.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   h.clock.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe returns a channel of new events and a function that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest first,
// optionally restricted to types starting with prefix.
func (h *Hub) SnapshotSince(lastID int64, prefix string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID <= lastID {
			continue
		}
		if prefix != "" && !strings.HasPrefix(ev.Type, prefix) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// LastID is the ID of the most recently published event.
func (h *Hub) LastID() int64 {
	return h.nextID.Load()
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
