// Package notify fans game events out to websocket subscribers.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one message pushed to subscribers of a game.
type Event struct {
	GameID  string          `json:"game_id"`
	Type    string          `json:"type"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

const defaultBuffer = 32

type subscriber struct {
	gameID string
	ch     chan Event
}

// Hub is an in-process pub/sub keyed by game id. Publish never blocks; a
// subscriber whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscriber]struct{}
	buffer  int
	dropped map[string]int
	log     *slog.Logger
	now     func() time.Time

	upgrader websocket.Upgrader
}

func NewHub(logger *slog.Logger, buffer int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		subs:    map[string]map[*subscriber]struct{}{},
		buffer:  buffer,
		dropped: map[string]int{},
		log:     logger,
		now:     time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) Publish(gameID, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("event encode failed", "game_id", gameID, "event", event, "error", err)
		return
	}
	ev := Event{GameID: gameID, Type: event, At: h.now().UTC(), Payload: raw}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[gameID] {
		select {
		case sub.ch <- ev:
		default:
			h.dropped[gameID]++
			h.log.Warn("subscriber too slow, event dropped", "game_id", gameID, "event", event)
		}
	}
}

// Dropped reports how many events for gameID were lost to slow subscribers.
func (h *Hub) Dropped(gameID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped[gameID]
}

// Subscribe registers a listener for gameID. The returned cancel func closes
// the channel and is safe to call more than once.
func (h *Hub) Subscribe(gameID string) (<-chan Event, func()) {
	sub := &subscriber{gameID: gameID, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	if h.subs[gameID] == nil {
		h.subs[gameID] = map[*subscriber]struct{}{}
	}
	h.subs[gameID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[gameID], sub)
			if len(h.subs[gameID]) == 0 {
				delete(h.subs, gameID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (h *Hub) Subscribers(gameID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[gameID])
}

// ServeWS upgrades the request and streams gameID's events until either side
// goes away. Inbound frames are read only to notice the close.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, gameID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "game_id", gameID, "error", err)
		return
	}
	defer conn.Close()

	events, cancelSub := h.Subscribe(gameID)
	defer cancelSub()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				b, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
