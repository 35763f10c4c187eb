package store

import (
	"path/filepath"
	"sync"
)

// Node lifecycle event kinds.
const (
	EventOnline     = "online"
	EventOffline    = "offline"
	EventRegistered = "registered"
	EventDeparted   = "departed"
)

// NodeEvent is one cluster lifecycle observation.
type NodeEvent struct {
	NodeID    string `json:"nodeId"`
	NodeName  string `json:"nodeName,omitempty"`
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
}

const maxNodeEvents = 200

type eventFile struct {
	Version   int         `json:"version"`
	UpdatedAt int64       `json:"updatedAt"`
	Events    []NodeEvent `json:"events"`
}

// EventStore is a ring of the last 200 lifecycle events, most recent
// first. Pruning happens on insertion only.
type EventStore struct {
	path   string
	mu     sync.RWMutex
	events []NodeEvent
	sv     saver
}

// NewEventStore loads node-events.json from dir (best-effort).
func NewEventStore(dir string) *EventStore {
	e := &EventStore{path: filepath.Join(dir, "node-events.json")}
	e.sv.write = e.save

	var f eventFile
	if readJSON(e.path, &f) {
		e.events = f.Events
	}
	return e
}

// Append records an event at the head of the ring.
func (e *EventStore) Append(ev NodeEvent) NodeEvent {
	if ev.Timestamp == 0 {
		ev.Timestamp = nowMs()
	}

	e.mu.Lock()
	e.events = append([]NodeEvent{ev}, e.events...)
	if len(e.events) > maxNodeEvents {
		e.events = e.events[:maxNodeEvents]
	}
	e.mu.Unlock()
	e.sv.schedule()
	return ev
}

// List returns up to limit events, most recent first (0 = all).
func (e *EventStore) List(limit int) []NodeEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := len(e.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]NodeEvent, n)
	copy(out, e.events[:n])
	return out
}

// Flush writes pending state synchronously.
func (e *EventStore) Flush() { e.sv.flush() }

func (e *EventStore) save() {
	e.mu.RLock()
	f := eventFile{Version: 1, UpdatedAt: nowMs(), Events: append([]NodeEvent(nil), e.events...)}
	e.mu.RUnlock()
	writeJSON(e.path, f) // error swallowed; next debounced save retries
}
