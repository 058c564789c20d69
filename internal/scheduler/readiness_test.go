package scheduler

import (
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"bourse/internal/game"
)

func players(humans, bots int) []game.Player {
	var out []game.Player
	for i := range humans {
		out = append(out, game.Player{ID: string(rune('a' + i))})
	}
	for i := range bots {
		out = append(out, game.Player{ID: "bot" + string(rune('a'+i)), IsBot: true})
	}
	return out
}

func TestBotsFollowHumans(t *testing.T) {
	r := NewReadiness(4)
	r.Track("g1", players(2, 1))
	r.Reset("g1", "ph1")

	st, err := r.MarkReady("g1", "a")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if st.AllReady || !slices.Equal(st.Ready, []string{"a"}) || !slices.Equal(st.Waiting, []string{"b", "bota"}) {
		t.Fatalf("one human ready got %+v", st)
	}
	st, _ = r.MarkReady("g1", "b")
	if !st.AllReady || len(st.Waiting) != 0 || len(st.Ready) != 3 || st.PhaseID != "ph1" {
		t.Fatalf("all humans ready got %+v", st)
	}

	r.Reset("g1", "ph2")
	st, _ = r.State("g1")
	if st.AllReady || len(st.Ready) != 0 || st.PhaseID != "ph2" {
		t.Fatalf("after reset got %+v", st)
	}
}

func TestReadinessUnknownGameAndPlayer(t *testing.T) {
	r := NewReadiness(4)
	if _, err := r.MarkReady("nope", "a"); !errors.Is(err, game.ErrNotFound) {
		t.Fatalf("unknown game got %v", err)
	}
	r.Track("g1", players(1, 0))
	if _, err := r.MarkReady("g1", "z"); !errors.Is(err, game.ErrNotFound) {
		t.Fatalf("unknown player got %v", err)
	}
	if r.Reset("nope", "ph") {
		t.Fatalf("reset of an unknown game should report false")
	}
}

func TestReadinessIsBounded(t *testing.T) {
	r := NewReadiness(2)
	r.Track("g1", players(1, 0))
	r.Track("g2", players(1, 0))
	// touching g1 makes g2 the oldest
	if _, err := r.MarkReady("g1", "a"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	r.Track("g3", players(1, 0))
	if r.Len() != 2 {
		t.Fatalf("len got %d", r.Len())
	}
	if _, ok := r.State("g2"); ok {
		t.Fatalf("least recently used game should be evicted")
	}
	for _, id := range []string{"g1", "g3"} {
		if _, ok := r.State(id); !ok {
			t.Fatalf("%s evicted", id)
		}
	}
	r.Evict("g1")
	if _, ok := r.State("g1"); ok || r.Len() != 1 {
		t.Fatalf("evict left %d entries", r.Len())
	}
}

func TestAllBotGameIsAlwaysReady(t *testing.T) {
	r := NewReadiness(1)
	r.Track("g1", players(0, 2))
	st, _ := r.State("g1")
	if !st.AllReady || len(st.Ready) != 2 {
		t.Fatalf("bots only got %+v", st)
	}
}

func TestTimerFires(t *testing.T) {
	timers := NewTimers()
	fired := make(chan struct{})
	timers.Schedule("g1", time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer never fired")
	}
	if timers.Pending("g1") {
		t.Fatalf("fired timer still pending")
	}
}

func TestTimerCancelAndReplace(t *testing.T) {
	timers := NewTimers()
	var stale atomic.Int32
	timers.Schedule("g1", 20*time.Millisecond, func() { stale.Add(1) })
	if !timers.Cancel("g1") {
		t.Fatalf("cancel should report a pending timer")
	}
	if timers.Cancel("g1") {
		t.Fatalf("second cancel should report nothing pending")
	}

	timers.Schedule("g1", 20*time.Millisecond, func() { stale.Add(1) })
	fired := make(chan struct{})
	timers.Schedule("g1", 40*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("replacement never fired")
	}
	if n := stale.Load(); n != 0 {
		t.Fatalf("replaced or cancelled callbacks ran %d times", n)
	}
}
