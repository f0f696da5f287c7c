package offgate

import (
	"sync"

	"github.com/google/uuid"
)

// Message is one outbound notification to connected sessions.
type Message struct {
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
}

const msgUpdated = "SW_UPDATED"

// Broadcaster fans messages out to subscribed sessions. Sends never block: a
// subscriber that cannot keep up loses messages instead of stalling the rest.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]chan Message
}

func newBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[string]chan Message{}}
}

func (b *Broadcaster) Subscribe() (string, <-chan Message) {
	id := uuid.NewString()
	ch := make(chan Message, 8)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) Broadcast(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (b *Broadcaster) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
