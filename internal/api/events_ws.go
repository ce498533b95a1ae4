package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type   string         `json:"type"`
	CardID string         `json:"cardId,omitempty"`
	Event  string         `json:"event,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// EventsWSHandler handles /v1/ws: a client subscribes to one or more cards and
// receives their engagement events as they happen.
func (s *Server) EventsWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	// WriteJSON is not safe for concurrent use; fanout goroutines share this lock.
	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(v)
	}

	subs := map[string]chan EngagementEvent{}
	defer func() {
		for cardID, ch := range subs {
			s.Broker.Unsubscribe(cardID, ch)
		}
	}()

	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := write(wsMessage{Type: "ping"}); err != nil {
				return
			}
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			if msg.CardID == "" {
				_ = write(wsMessage{Type: "error", Data: map[string]any{"message": "cardId required"}})
				continue
			}
			if _, ok := subs[msg.CardID]; ok {
				continue
			}
			ch := s.Broker.Subscribe(msg.CardID)
			subs[msg.CardID] = ch
			_ = write(wsMessage{Type: "subscribed", CardID: msg.CardID})
			go func(cardID string, c chan EngagementEvent) {
				for evt := range c {
					if err := write(wsMessage{Type: "event", CardID: cardID, Event: evt.Type, Data: evt.Data}); err != nil {
						return
					}
				}
			}(msg.CardID, ch)
		case "unsubscribe":
			if ch, ok := subs[msg.CardID]; ok {
				s.Broker.Unsubscribe(msg.CardID, ch)
				delete(subs, msg.CardID)
				_ = write(wsMessage{Type: "complete", CardID: msg.CardID})
			}
		}
	}
}
