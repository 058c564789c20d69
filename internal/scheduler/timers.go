package scheduler

import (
	"sync"
	"time"
)

// Timers runs one cancellable callback per key. Scheduling a key again
// replaces the pending callback.
type Timers struct {
	mu      sync.Mutex
	pending map[string]*armed
	seq     uint64
}

type armed struct {
	timer *time.Timer
	seq   uint64
}

func NewTimers() *Timers {
	return &Timers{pending: map[string]*armed{}}
}

func (t *Timers) Schedule(key string, delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.pending[key]; ok {
		cur.timer.Stop()
	}
	t.seq++
	seq := t.seq
	a := &armed{seq: seq}
	a.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		cur, ok := t.pending[key]
		live := ok && cur.seq == seq
		if live {
			delete(t.pending, key)
		}
		t.mu.Unlock()
		if live {
			fn()
		}
	})
	t.pending[key] = a
}

// Cancel stops the callback for key and reports whether one was pending.
func (t *Timers) Cancel(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.pending[key]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(t.pending, key)
	return true
}

func (t *Timers) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	return ok
}

func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, a := range t.pending {
		a.timer.Stop()
		delete(t.pending, key)
	}
}
