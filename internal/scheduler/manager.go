package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bourse/internal/game"
	"bourse/internal/phase"
)

var ErrNotRunning = errors.New("game is not running")

const (
	commandBuffer      = 16
	maxAdvanceAttempts = 5
	maxAdvanceBackoff  = 5 * time.Second
)

type commandKind int

const (
	cmdFire commandKind = iota
	cmdReady
	cmdPause
	cmdResume
	cmdRetry
	cmdTrack
	cmdStop
)

type command struct {
	kind    commandKind
	phaseID string
	reply   chan error
}

// Manager owns one runner goroutine per live game. All phase pointer moves
// for a game happen on its runner.
type Manager struct {
	engine *Engine
	timers *Timers
	ready  *Readiness
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	runners map[string]*runner
}

func NewManager(engine *Engine, ready *Readiness, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if ready == nil {
		ready = NewReadiness(1024)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine:  engine,
		timers:  NewTimers(),
		ready:   ready,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
		runners: map[string]*runner{},
	}
}

func (m *Manager) Engine() *Engine { return m.engine }

func (m *Manager) Readiness() *Readiness { return m.ready }

// CreateGame persists a new game and starts its runner.
func (m *Manager) CreateGame(ctx context.Context, spec GameSpec) (game.Game, error) {
	g, err := m.engine.Bootstrap(ctx, spec)
	if err != nil {
		return game.Game{}, err
	}
	if err := m.start(g.ID, false); err != nil {
		return g, err
	}
	return g, nil
}

// Start runs the current phase of an existing game from the beginning.
func (m *Manager) Start(gameID string) error {
	return m.start(gameID, false)
}

// Recover starts a runner for every active game without one. Phases that
// already started keep their remaining time and are not re-run.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	games, err := m.engine.repo.ActiveGames(ctx)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, g := range games {
		if m.Running(g.ID) {
			continue
		}
		if err := m.start(g.ID, true); err != nil {
			return started, err
		}
		started++
	}
	m.log.Info("games recovered", "count", started)
	return started, nil
}

func (m *Manager) start(gameID string, resume bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ctx.Err(); err != nil {
		return fmt.Errorf("manager stopped: %w", err)
	}
	if _, ok := m.runners[gameID]; ok {
		return nil
	}
	r := &runner{
		m:      m,
		gameID: gameID,
		cmds:   make(chan command, commandBuffer),
		done:   make(chan struct{}),
		log:    m.log.With("game_id", gameID),
	}
	m.runners[gameID] = r
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		r.run(m.ctx, resume)
		m.remove(r)
	}()
	return nil
}

func (m *Manager) remove(r *runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runners[r.gameID] != r {
		return
	}
	m.timers.Cancel(r.gameID)
	m.ready.Evict(r.gameID)
	delete(m.runners, r.gameID)
}

func (m *Manager) runner(gameID string) (*runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[gameID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, gameID)
	}
	return r, nil
}

func (m *Manager) Running(gameID string) bool {
	_, err := m.runner(gameID)
	return err == nil
}

func (m *Manager) command(ctx context.Context, gameID string, kind commandKind) error {
	r, err := m.runner(gameID)
	if err != nil {
		return err
	}
	return r.send(ctx, command{kind: kind})
}

// Ready marks a player ready for the current phase. Once every human is
// ready the bots follow and the phase ends early.
func (m *Manager) Ready(ctx context.Context, gameID, playerID string) (ReadyState, error) {
	r, err := m.runner(gameID)
	if err != nil {
		return ReadyState{}, err
	}
	st, err := m.ready.MarkReady(gameID, playerID)
	if errors.Is(err, errNotTracked) {
		// evicted while the runner is live; the runner re-tracks its phase
		if err := r.send(ctx, command{kind: cmdTrack}); err != nil {
			return ReadyState{}, err
		}
		st, err = m.ready.MarkReady(gameID, playerID)
	}
	if err != nil {
		return ReadyState{}, err
	}
	m.engine.publish(gameID, EventReadinessChanged, st)
	if st.AllReady {
		if err := r.send(ctx, command{kind: cmdReady}); err != nil {
			return st, err
		}
	}
	return st, nil
}

func (m *Manager) Pause(ctx context.Context, gameID string) error {
	return m.command(ctx, gameID, cmdPause)
}

func (m *Manager) Resume(ctx context.Context, gameID string) error {
	return m.command(ctx, gameID, cmdResume)
}

// RetryCurrentPhase re-runs the hook of the current phase without advancing.
func (m *Manager) RetryCurrentPhase(ctx context.Context, gameID string) error {
	return m.command(ctx, gameID, cmdRetry)
}

// Stop ends a game's runner and waits for it to exit.
func (m *Manager) Stop(ctx context.Context, gameID string) error {
	r, err := m.runner(gameID)
	if err != nil {
		return err
	}
	if err := r.send(ctx, command{kind: cmdStop}); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every runner and waits for them.
func (m *Manager) Shutdown() {
	m.cancel()
	m.timers.Stop()
	m.wg.Wait()
}

type runner struct {
	m      *Manager
	gameID string
	cmds   chan command
	done   chan struct{}
	log    *slog.Logger

	phase     game.Phase
	timerless bool
	paused    bool
	finished  bool
	remaining time.Duration
}

func (r *runner) send(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case r.cmds <- c:
	case <-r.done:
		return fmt.Errorf("%w: %s", ErrNotRunning, r.gameID)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-r.done:
		select {
		case err := <-c.reply:
			return err
		default:
			return fmt.Errorf("%w: %s", ErrNotRunning, r.gameID)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers a timer command without waiting for a reply.
func (r *runner) post(c command) {
	select {
	case r.cmds <- c:
	case <-r.done:
	}
}

func (r *runner) run(ctx context.Context, resume bool) {
	defer close(r.done)
	fresh := !resume
	r.log.Info("runner started", "resume", resume)
	defer r.log.Info("runner stopped")
	for {
		if err := r.enter(ctx, fresh); err != nil {
			r.log.Error("entering phase failed", "err", err)
			return
		}
		fresh = true
		if r.finished {
			return
		}
		if !r.wait(ctx) {
			return
		}
		if !r.advance(ctx) {
			return
		}
	}
}

// enter starts the current phase, or picks up its remaining time when a
// recovered phase had already started.
func (r *runner) enter(ctx context.Context, fresh bool) error {
	eng := r.m.engine
	g, p, err := eng.Current(ctx, r.gameID)
	if err != nil {
		return err
	}
	if g.Status != game.GameActive {
		r.finished = true
		return nil
	}
	if fresh || p.StartedAt == nil {
		if p, err = eng.RunPhase(ctx, r.gameID); err != nil {
			return err
		}
		if g, err = eng.repo.Game(ctx, r.gameID); err != nil {
			return err
		}
		r.remaining = p.Duration
	} else {
		r.remaining = phase.Remaining(p.StartedAt, p.Duration, eng.now())
		eng.announce(g, p, r.remaining)
	}
	r.phase = p
	r.timerless = g.Timerless
	r.paused = g.Paused
	r.finished = g.Status != game.GameActive
	r.resetReadiness(ctx)
	return nil
}

func (r *runner) resetReadiness(ctx context.Context) {
	if r.m.ready.Reset(r.gameID, r.phase.ID) {
		return
	}
	players, err := r.m.engine.repo.Players(ctx, r.gameID)
	if err != nil {
		r.log.Warn("load players for readiness failed", "err", err)
		return
	}
	r.m.ready.Track(r.gameID, players)
	r.m.ready.Reset(r.gameID, r.phase.ID)
}

func (r *runner) allReady() bool {
	st, ok := r.m.ready.State(r.gameID)
	return ok && st.AllReady
}

// due reports whether the phase can end right away.
func (r *runner) due() bool {
	if r.paused {
		return false
	}
	if r.phase.Duration == 0 {
		return true
	}
	// timerless phases end on readiness alone, however long they ran
	if r.timerless {
		return r.allReady()
	}
	return r.remaining <= 0
}

func (r *runner) arm() {
	if r.paused || r.timerless {
		return
	}
	phaseID := r.phase.ID
	r.m.timers.Schedule(r.gameID, r.remaining, func() {
		r.post(command{kind: cmdFire, phaseID: phaseID})
	})
}

// wait blocks until the phase should end. It reports false when the runner
// has to stop.
func (r *runner) wait(ctx context.Context) bool {
	if r.due() {
		return true
	}
	r.arm()
	for {
		select {
		case <-ctx.Done():
			r.m.timers.Cancel(r.gameID)
			return false
		case c := <-r.cmds:
			advance, stop := r.handle(ctx, c)
			if stop {
				r.m.timers.Cancel(r.gameID)
				return false
			}
			if advance {
				r.m.timers.Cancel(r.gameID)
				return true
			}
		}
	}
}

func (r *runner) handle(ctx context.Context, c command) (advance, stop bool) {
	var err error
	defer func() {
		if c.reply != nil {
			c.reply <- err
		}
	}()
	eng := r.m.engine
	switch c.kind {
	case cmdFire:
		return c.phaseID == r.phase.ID && !r.paused, false
	case cmdReady:
		return !r.paused && r.allReady(), false
	case cmdPause:
		if r.paused {
			return false, false
		}
		remaining := phase.Remaining(r.phase.StartedAt, r.phase.Duration, eng.now())
		var g game.Game
		if g, err = eng.setPaused(ctx, r.gameID, true); err != nil {
			return false, false
		}
		r.m.timers.Cancel(r.gameID)
		r.paused, r.remaining = true, remaining
		r.log.Info("game paused", "phase", r.phase.Name, "remaining", remaining)
		eng.publish(r.gameID, EventGamePaused, GameEvent{GameID: r.gameID, Status: g.Status, Paused: true, PhaseID: r.phase.ID})
		return false, false
	case cmdResume:
		if !r.paused {
			return false, false
		}
		var g game.Game
		if g, err = eng.setPaused(ctx, r.gameID, false); err != nil {
			return false, false
		}
		if p, stampErr := eng.restamp(ctx, r.phase, r.remaining); stampErr != nil {
			r.log.Warn("restamp on resume failed", "phase_id", r.phase.ID, "err", stampErr)
		} else {
			r.phase = p
		}
		r.paused = false
		r.log.Info("game resumed", "phase", r.phase.Name, "remaining", r.remaining)
		eng.publish(r.gameID, EventGameResumed, GameEvent{GameID: r.gameID, Status: g.Status, PhaseID: r.phase.ID})
		if r.due() || r.allReady() {
			return true, false
		}
		r.arm()
		return false, false
	case cmdRetry:
		r.m.timers.Cancel(r.gameID)
		r.log.Info("retrying phase", "phase", r.phase.Name, "phase_id", r.phase.ID)
		if err = r.enter(ctx, true); err != nil {
			return false, true
		}
		if r.finished {
			return false, true
		}
		if r.due() {
			return true, false
		}
		r.arm()
		return false, false
	case cmdTrack:
		if _, ok := r.m.ready.State(r.gameID); !ok {
			r.resetReadiness(ctx)
		}
		return false, false
	case cmdStop:
		return false, true
	}
	err = fmt.Errorf("unknown command %d", c.kind)
	return false, false
}

// advance moves to the next phase, retrying failed transitions with a
// doubling backoff. Invariant violations stop the runner.
func (r *runner) advance(ctx context.Context) bool {
	delay := r.m.engine.rules.CommitBackoff
	if delay <= 0 {
		delay = 75 * time.Millisecond
	}
	for attempt := 1; ; attempt++ {
		_, err := r.m.engine.Advance(ctx, r.gameID)
		if err == nil {
			return true
		}
		switch {
		case errors.Is(err, game.ErrGameFinished):
			return false
		case errors.Is(err, game.ErrInvariantViolation):
			r.log.Error("advance failed, runner stopped", "phase", r.phase.Name, "err", err)
			return false
		case attempt >= maxAdvanceAttempts:
			r.log.Error("advance retries exhausted, runner stopped", "phase", r.phase.Name, "attempts", attempt, "err", err)
			return false
		}
		r.log.Warn("advance failed", "phase", r.phase.Name, "attempt", attempt, "err", err)
		if err := sleepWithContext(ctx, delay); err != nil {
			return false
		}
		delay = min(delay*2, maxAdvanceBackoff)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
