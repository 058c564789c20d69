package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestPublishReachesOnlyThatGame(t *testing.T) {
	h := NewHub(nil, 4)
	g1, cancel1 := h.Subscribe("g1")
	defer cancel1()
	g2, cancel2 := h.Subscribe("g2")
	defer cancel2()

	h.Publish("g1", "phase.changed", map[string]string{"phase_id": "p1"})

	select {
	case ev := <-g1:
		if ev.Type != "phase.changed" || ev.GameID != "g1" || string(ev.Payload) != `{"phase_id":"p1"}` {
			t.Fatalf("event got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("g1 subscriber got nothing")
	}
	select {
	case ev := <-g2:
		t.Fatalf("g2 subscriber got %+v", ev)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(nil, 1)
	_, cancel := h.Subscribe("g1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for range 5 {
			h.Publish("g1", "readiness.changed", struct{}{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
	if got := h.Dropped("g1"); got != 4 {
		t.Fatalf("dropped got %d", got)
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	h := NewHub(nil, 1)
	ch, cancel := h.Subscribe("g1")
	if h.Subscribers("g1") != 1 {
		t.Fatalf("subscribers got %d", h.Subscribers("g1"))
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after cancel")
	}
	if h.Subscribers("g1") != 0 {
		t.Fatalf("subscribers after cancel got %d", h.Subscribers("g1"))
	}
	h.Publish("g1", "game.paused", struct{}{})
}

func TestServeWSStreamsEvents(t *testing.T) {
	h := NewHub(nil, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, "g1")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers("g1") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("server never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.Publish("g1", "game.finished", map[string]any{"game_id": "g1", "status": "FINISHED"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "game.finished" || ev.GameID != "g1" {
		t.Fatalf("event got %+v", ev)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for h.Subscribers("g1") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription outlived the connection")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
