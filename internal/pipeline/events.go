package pipeline

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventProgress    EventKind = "progress"
	EventStreamToken EventKind = "stream_token"
	EventStreamDone  EventKind = "stream_done"
	EventCompleted   EventKind = "completed"
	EventFailed      EventKind = "failed"
)

// Event is one pipeline notification. Which fields are set depends on Kind:
// Message for progress/failed, Token for stream_token, Text for stream_done,
// CardCount for completed.
type Event struct {
	BatchID   string    `json:"batch_id"`
	Kind      EventKind `json:"kind"`
	Message   string    `json:"message,omitempty"`
	Token     string    `json:"token,omitempty"`
	Text      string    `json:"text,omitempty"`
	CardCount int       `json:"card_count,omitempty"`
	At        time.Time `json:"at"`
}

// Bus fans pipeline events out to any number of subscribers. Publishing
// never blocks: a subscriber whose buffer is full misses the event, which
// keeps slow observers off the pipeline's control path.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and a cancel func that must be called
// when the subscriber is done.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// subscriber is behind; drop rather than stall the pipeline
		}
	}
}

func (b *Bus) progress(batchID, message string) {
	b.Publish(Event{BatchID: batchID, Kind: EventProgress, Message: message})
}
