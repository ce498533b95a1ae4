package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// EventBroker fans live engagement events out to stream subscribers.
type EventBroker interface {
	Subscribe(cardID string) chan EngagementEvent
	Unsubscribe(cardID string, ch chan EngagementEvent)
	Publish(cardID string, evt EngagementEvent)
}

// RedisBroker implements EventBroker over Redis Pub/Sub so multiple API
// replicas share one engagement feed.
type RedisBroker struct {
	rdb *redis.Client

	mu sync.Mutex
	ps map[chan EngagementEvent]*redis.PubSub
}

func NewRedisBroker(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{rdb: redis.NewClient(opt), ps: map[chan EngagementEvent]*redis.PubSub{}}, nil
}

func (b *RedisBroker) Subscribe(cardID string) chan EngagementEvent {
	ch := make(chan EngagementEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(cardID))
	// initial receive confirms the subscription is live
	_, _ = ps.Receive(ctx)
	b.mu.Lock()
	b.ps[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt EngagementEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
				select {
				case ch <- evt:
				default:
				}
			}
		}
	}()
	return ch
}

// Unsubscribe closes the underlying pubsub; the reader goroutine then closes
// the channel.
func (b *RedisBroker) Unsubscribe(cardID string, ch chan EngagementEvent) {
	b.mu.Lock()
	ps := b.ps[ch]
	delete(b.ps, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(cardID string, evt EngagementEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	_ = b.rdb.Publish(ctx, b.chanName(cardID), data).Err()
}

func (b *RedisBroker) chanName(cardID string) string { return "card:" + cardID }
