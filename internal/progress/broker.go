package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBufSize = 256

// Event types understood by the UI collaborator.
const (
	TypeProcessing = "processing"
	TypeInfo       = "info"
	TypeSuccess    = "success"
	TypeWarning    = "warning"
	TypeError      = "error"
)

// Event is one downloadProgress notification.
type Event struct {
	Message string    `json:"message"`
	Type    string    `json:"type"`
	TabID   string    `json:"tab_id,omitempty"`
	RunID   string    `json:"run_id,omitempty"`
	Time    time.Time `json:"time"`
}

// Reporter accepts progress events without acknowledging them.
type Reporter interface {
	Publish(evt Event)
}

// Broker fans out events to all subscribed SSE clients.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers a new client. The returned channel is buffered; slow
// consumers have events dropped.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers evt to every subscriber that has room for it. It never
// blocks. A zero Time is stamped with the current time.
func (b *Broker) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
