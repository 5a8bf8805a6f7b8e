package manager

import (
	"sync"
	"time"

	"github.com/shaunagostinho/pinlink/internal/session"
)

// Event is a session event tagged with the slot it came from.
type Event struct {
	Slot   int               `json:"slot"`
	Kind   session.EventKind `json:"kind"`
	Port   string            `json:"port"`
	Time   time.Time         `json:"time"`
	State  session.State     `json:"state"`
	Sample *session.Sample   `json:"sample,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func slotEvent(slot int, ev session.Event) Event {
	out := Event{
		Slot:   slot,
		Kind:   ev.Kind,
		Port:   ev.Port,
		Time:   ev.Time,
		State:  ev.State,
		Sample: ev.Sample,
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}

// Hub fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	onDrop func()
}

func NewHub(onDrop func()) *Hub {
	return &Hub{subs: make(map[chan Event]struct{}), onDrop: onDrop}
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// subscriber too slow, skip
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
