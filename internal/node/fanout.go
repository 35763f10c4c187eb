package node

import "sync"

// Event kinds on the fan-out channel.
const (
	EventTaskUpdate  = "task.update"
	EventChatMessage = "chat.message"
	EventNodeEvent   = "node.event"
)

// Event is one fan-out notification for presenters.
type Event struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

const fanoutBuffer = 64

// fanout is a single latched channel with drop-if-slow delivery: a
// slow presenter loses events instead of blocking the coordinator.
type fanout struct {
	mu sync.Mutex
	ch chan Event
}

func newFanout() *fanout {
	return &fanout{}
}

// Subscribe latches the channel on first use; later calls return the
// same channel.
func (f *fanout) Subscribe() <-chan Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch == nil {
		f.ch = make(chan Event, fanoutBuffer)
	}
	return f.ch
}

func (f *fanout) publish(e Event) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- e:
	default:
		// Buffer full; the event is dropped rather than blocking.
	}
}
