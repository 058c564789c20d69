package scheduler

import (
	"container/list"
	"errors"
	"fmt"
	"slices"
	"sync"

	"bourse/internal/game"
)

// ReadyState is the payload of readiness.changed.
type ReadyState struct {
	GameID   string   `json:"game_id"`
	PhaseID  string   `json:"phase_id"`
	Ready    []string `json:"ready"`
	Waiting  []string `json:"waiting"`
	AllReady bool     `json:"all_ready"`
}

type readyEntry struct {
	gameID  string
	phaseID string
	bots    map[string]bool
	ready   map[string]bool
}

func (r *readyEntry) humansReady() bool {
	for id, bot := range r.bots {
		if !bot && !r.ready[id] {
			return false
		}
	}
	return true
}

func (r *readyEntry) state() ReadyState {
	s := ReadyState{GameID: r.gameID, PhaseID: r.phaseID, AllReady: r.humansReady()}
	for id := range r.bots {
		// bots follow the humans
		if r.ready[id] || (r.bots[id] && s.AllReady) {
			s.Ready = append(s.Ready, id)
		} else {
			s.Waiting = append(s.Waiting, id)
		}
	}
	slices.Sort(s.Ready)
	slices.Sort(s.Waiting)
	return s
}

// errNotTracked marks a game the cache dropped or never saw.
var errNotTracked = errors.New("readiness not tracked")

// Readiness is the process-wide readiness cache. It holds at most capacity
// games and drops the least recently touched one when full.
type Readiness struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

func NewReadiness(capacity int) *Readiness {
	if capacity <= 0 {
		capacity = 1
	}
	return &Readiness{capacity: capacity, order: list.New(), entries: map[string]*list.Element{}}
}

// Track registers the players of a game, replacing what was there.
func (r *Readiness) Track(gameID string, players []game.Player) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := &readyEntry{gameID: gameID, bots: map[string]bool{}, ready: map[string]bool{}}
	for _, p := range players {
		entry.bots[p.ID] = p.IsBot
	}
	if el, ok := r.entries[gameID]; ok {
		el.Value = entry
		r.order.MoveToFront(el)
		return
	}
	r.entries[gameID] = r.order.PushFront(entry)
	for r.order.Len() > r.capacity {
		oldest := r.order.Back()
		r.order.Remove(oldest)
		delete(r.entries, oldest.Value.(*readyEntry).gameID)
	}
}

// Reset clears readiness for a new phase. It reports false when the game is
// not cached.
func (r *Readiness) Reset(gameID, phaseID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.entries[gameID]
	if !ok {
		return false
	}
	entry := el.Value.(*readyEntry)
	entry.phaseID = phaseID
	clear(entry.ready)
	r.order.MoveToFront(el)
	return true
}

// MarkReady records a player as ready and reports the resulting state.
func (r *Readiness) MarkReady(gameID, playerID string) (ReadyState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.entries[gameID]
	if !ok {
		return ReadyState{}, fmt.Errorf("%w: %w: game %s", game.ErrNotFound, errNotTracked, gameID)
	}
	entry := el.Value.(*readyEntry)
	if _, ok := entry.bots[playerID]; !ok {
		return ReadyState{}, fmt.Errorf("%w: player %s in game %s", game.ErrNotFound, playerID, gameID)
	}
	entry.ready[playerID] = true
	r.order.MoveToFront(el)
	return entry.state(), nil
}

func (r *Readiness) State(gameID string) (ReadyState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.entries[gameID]
	if !ok {
		return ReadyState{}, false
	}
	return el.Value.(*readyEntry).state(), true
}

func (r *Readiness) Evict(gameID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.entries[gameID]; ok {
		r.order.Remove(el)
		delete(r.entries, gameID)
	}
}

func (r *Readiness) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}
