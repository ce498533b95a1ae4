package api

import (
	"sync"
)

// EngagementEvent is one live visitor interaction on a card, streamed to
// dashboard clients over SSE or websocket.
type EngagementEvent struct {
	Type string
	Data map[string]any
}

// Broker fans engagement events out to in-process subscribers, keyed by card.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan EngagementEvent]struct{} // cardId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan EngagementEvent]struct{}{}}
}

func (b *Broker) Subscribe(cardID string) chan EngagementEvent {
	ch := make(chan EngagementEvent, 8)
	b.mu.Lock()
	if b.subs[cardID] == nil {
		b.subs[cardID] = map[chan EngagementEvent]struct{}{}
	}
	b.subs[cardID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(cardID string, ch chan EngagementEvent) {
	b.mu.Lock()
	if m := b.subs[cardID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, cardID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

// Publish drops events for slow subscribers rather than blocking the
// producer.
func (b *Broker) Publish(cardID string, evt EngagementEvent) {
	b.mu.Lock()
	for ch := range b.subs[cardID] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
