package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"bourse/internal/config"
	"bourse/internal/game"
	"bourse/internal/store/memory"
)

const patience = 3 * time.Second

func newManager(t *testing.T, rules config.Rules) (*Manager, *memory.Store, *captureBus) {
	t.Helper()
	e, repo, bus := newEngine(rules)
	m := NewManager(e, NewReadiness(8), nil)
	t.Cleanup(m.Shutdown)
	return m, repo, bus
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(patience)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitStarted waits until the runner sits in name with readiness reset for it.
func waitStarted(t *testing.T, m *Manager, gameID string, name game.PhaseName) game.Phase {
	t.Helper()
	var p game.Phase
	eventually(t, string(name), func() bool {
		_, cur, err := m.Engine().Current(context.Background(), gameID)
		if err != nil || cur.Name != name || cur.StartedAt == nil {
			return false
		}
		st, ok := m.Readiness().State(gameID)
		p = cur
		return ok && st.PhaseID == cur.ID
	})
	return p
}

func humanID(t *testing.T, repo *memory.Store, gameID string) string {
	t.Helper()
	players, err := repo.Players(context.Background(), gameID)
	if err != nil {
		t.Fatalf("players: %v", err)
	}
	for _, p := range players {
		if !p.IsBot {
			return p.ID
		}
	}
	t.Fatalf("no human player")
	return ""
}

func timerless() GameSpec {
	spec := testSpec()
	spec.Timerless = true
	return spec
}

func TestReadyEndsTimerlessPhase(t *testing.T) {
	m, repo, bus := newManager(t, quietRules())
	ctx := context.Background()
	g, err := m.CreateGame(ctx, timerless())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitStarted(t, m, g.ID, game.PhaseInfluenceBidAction)

	st, err := m.Ready(ctx, g.ID, humanID(t, repo, g.ID))
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if !st.AllReady || len(st.Ready) != 2 {
		t.Fatalf("ready state got %+v", st)
	}
	// the zero-length resolve phase passes straight through
	waitStarted(t, m, g.ID, game.PhaseSetCompanyIPOPrices)
	if bus.count(EventReadinessChanged) != 1 || bus.count(EventPhaseChanged) != 3 {
		t.Fatalf("events got %v", bus.events)
	}
}

func TestReadyRejectsStrangers(t *testing.T) {
	m, _, _ := newManager(t, quietRules())
	ctx := context.Background()
	g, err := m.CreateGame(ctx, timerless())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitStarted(t, m, g.ID, game.PhaseInfluenceBidAction)
	if _, err := m.Ready(ctx, g.ID, "stranger"); !errors.Is(err, game.ErrNotFound) {
		t.Fatalf("stranger got %v", err)
	}
	if _, err := m.Ready(ctx, "no-such-game", "p"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("unknown game got %v", err)
	}
}

func TestTimerEndsPhase(t *testing.T) {
	rules := quietRules()
	rules.Durations = map[game.PhaseName]time.Duration{game.PhaseInfluenceBidAction: 20 * time.Millisecond}
	m, _, _ := newManager(t, rules)
	g, err := m.CreateGame(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitStarted(t, m, g.ID, game.PhaseSetCompanyIPOPrices)
}

func TestPauseHoldsThePhase(t *testing.T) {
	rules := quietRules()
	rules.Durations = map[game.PhaseName]time.Duration{game.PhaseInfluenceBidAction: 200 * time.Millisecond}
	m, repo, bus := newManager(t, rules)
	ctx := context.Background()
	g, err := m.CreateGame(ctx, testSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first := waitStarted(t, m, g.ID, game.PhaseInfluenceBidAction)
	if err := m.Pause(ctx, g.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := m.Pause(ctx, g.ID); err != nil {
		t.Fatalf("second pause: %v", err)
	}
	stored, _ := repo.Game(ctx, g.ID)
	if !stored.Paused {
		t.Fatalf("pause was not persisted")
	}
	time.Sleep(400 * time.Millisecond)
	if _, p, _ := m.Engine().Current(ctx, g.ID); p.ID != first.ID {
		t.Fatalf("paused game moved to %s", p.Name)
	}

	if err := m.Resume(ctx, g.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitStarted(t, m, g.ID, game.PhaseSetCompanyIPOPrices)
	stored, _ = repo.Game(ctx, g.ID)
	if stored.Paused {
		t.Fatalf("resume was not persisted")
	}
	if bus.count(EventGamePaused) != 1 || bus.count(EventGameResumed) != 1 {
		t.Fatalf("events got %v", bus.events)
	}
}

func TestRetryCurrentPhaseRerunsHook(t *testing.T) {
	m, _, bus := newManager(t, quietRules())
	ctx := context.Background()
	var runs atomic.Int32
	m.Engine().Hooks().Register(game.PhaseInfluenceBidAction, func(context.Context, game.Game, game.Phase) error {
		runs.Add(1)
		return nil
	})
	g, err := m.CreateGame(ctx, timerless())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first := waitStarted(t, m, g.ID, game.PhaseInfluenceBidAction)
	if err := m.RetryCurrentPhase(ctx, g.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if runs.Load() != 2 {
		t.Fatalf("hook ran %d times", runs.Load())
	}
	again := waitStarted(t, m, g.ID, game.PhaseInfluenceBidAction)
	if again.ID != first.ID {
		t.Fatalf("retry advanced to %s", again.Name)
	}
	if bus.count(EventPhaseChanged) != 2 {
		t.Fatalf("phase.changed published %d times", bus.count(EventPhaseChanged))
	}
}

func TestPanickingHookStillAdvances(t *testing.T) {
	m, repo, _ := newManager(t, quietRules())
	ctx := context.Background()
	m.Engine().Hooks().Register(game.PhaseInfluenceBidResolve, func(context.Context, game.Game, game.Phase) error {
		panic("resolver bug")
	})
	g, err := m.CreateGame(ctx, timerless())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitStarted(t, m, g.ID, game.PhaseInfluenceBidAction)
	if _, err := m.Ready(ctx, g.ID, humanID(t, repo, g.ID)); err != nil {
		t.Fatalf("ready: %v", err)
	}
	waitStarted(t, m, g.ID, game.PhaseSetCompanyIPOPrices)
}

func TestRecoverKeepsStartedPhase(t *testing.T) {
	m, _, _ := newManager(t, quietRules())
	ctx := context.Background()
	var runs atomic.Int32
	m.Engine().Hooks().Register(game.PhaseInfluenceBidAction, func(context.Context, game.Game, game.Phase) error {
		runs.Add(1)
		return nil
	})
	g, err := m.Engine().Bootstrap(ctx, timerless())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := m.Engine().RunPhase(ctx, g.ID); err != nil {
		t.Fatalf("run phase: %v", err)
	}

	n, err := m.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover got %d %v", n, err)
	}
	waitStarted(t, m, g.ID, game.PhaseInfluenceBidAction)
	if runs.Load() != 1 {
		t.Fatalf("recovered phase hook ran %d times", runs.Load())
	}
	if n, _ := m.Recover(ctx); n != 0 {
		t.Fatalf("second recover started %d runners", n)
	}
}

func TestStopEvictsReadiness(t *testing.T) {
	m, _, _ := newManager(t, quietRules())
	ctx := context.Background()
	g, err := m.CreateGame(ctx, timerless())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitStarted(t, m, g.ID, game.PhaseInfluenceBidAction)
	if err := m.Stop(ctx, g.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	eventually(t, "runner exit", func() bool { return !m.Running(g.ID) })
	if _, ok := m.Readiness().State(g.ID); ok {
		t.Fatalf("stopped game still cached")
	}
	if err := m.Pause(ctx, g.ID); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("pause after stop got %v", err)
	}
}

func TestBotOnlyGamePlaysToTheEnd(t *testing.T) {
	m, repo, bus := newManager(t, quietRules())
	ctx := context.Background()
	spec := timerless()
	spec.Players = []PlayerSpec{{Name: "r1", IsBot: true}, {Name: "r2", IsBot: true}}
	spec.MaxTurns = 2
	g, err := m.CreateGame(ctx, spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	eventually(t, "game end", func() bool {
		cur, err := repo.Game(ctx, g.ID)
		return err == nil && cur.Status == game.GameFinished
	})
	eventually(t, "runner exit", func() bool { return !m.Running(g.ID) })
	cur, _ := repo.Game(ctx, g.ID)
	if cur.TurnNumber != 2 {
		t.Fatalf("finished on turn %d", cur.TurnNumber)
	}
	if bus.count(EventGameFinished) != 1 {
		t.Fatalf("game.finished published %d times", bus.count(EventGameFinished))
	}
	if _, ok := m.Readiness().State(g.ID); ok {
		t.Fatalf("finished game still cached")
	}
}

func TestTimerlessPhaseOutlivesItsDuration(t *testing.T) {
	rules := quietRules()
	rules.Durations = map[game.PhaseName]time.Duration{game.PhaseInfluenceBidAction: 30 * time.Millisecond}
	m, repo, _ := newManager(t, rules)
	ctx := context.Background()
	g, err := m.CreateGame(ctx, timerless())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first := waitStarted(t, m, g.ID, game.PhaseInfluenceBidAction)
	time.Sleep(80 * time.Millisecond)

	if err := m.Pause(ctx, g.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := m.Resume(ctx, g.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, p, _ := m.Engine().Current(ctx, g.ID); p.ID != first.ID {
		t.Fatalf("resume moved a timerless game to %s", p.Name)
	}

	// a recovered runner sees the same overrun phase
	if err := m.Stop(ctx, g.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	eventually(t, "runner exit", func() bool { return !m.Running(g.ID) })
	if n, err := m.Recover(ctx); err != nil || n != 1 {
		t.Fatalf("recover got %d %v", n, err)
	}
	waitStarted(t, m, g.ID, game.PhaseInfluenceBidAction)
	time.Sleep(100 * time.Millisecond)
	if _, p, _ := m.Engine().Current(ctx, g.ID); p.ID != first.ID {
		t.Fatalf("recover moved a timerless game to %s", p.Name)
	}

	if _, err := m.Ready(ctx, g.ID, humanID(t, repo, g.ID)); err != nil {
		t.Fatalf("ready: %v", err)
	}
	waitStarted(t, m, g.ID, game.PhaseSetCompanyIPOPrices)
}

func TestReadyRetracksEvictedGame(t *testing.T) {
	e, repo, _ := newEngine(quietRules())
	m := NewManager(e, NewReadiness(1), nil)
	t.Cleanup(m.Shutdown)
	ctx := context.Background()

	a, err := m.CreateGame(ctx, timerless())
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	waitStarted(t, m, a.ID, game.PhaseInfluenceBidAction)
	b, err := m.CreateGame(ctx, timerless())
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	waitStarted(t, m, b.ID, game.PhaseInfluenceBidAction)
	if _, ok := m.Readiness().State(a.ID); ok {
		t.Fatalf("capacity 1 kept both games")
	}

	st, err := m.Ready(ctx, a.ID, humanID(t, repo, a.ID))
	if err != nil {
		t.Fatalf("ready a: %v", err)
	}
	if !st.AllReady {
		t.Fatalf("ready a state got %+v", st)
	}
	waitStarted(t, m, a.ID, game.PhaseSetCompanyIPOPrices)

	if _, err := m.Ready(ctx, b.ID, humanID(t, repo, b.ID)); err != nil {
		t.Fatalf("ready b: %v", err)
	}
	waitStarted(t, m, b.ID, game.PhaseSetCompanyIPOPrices)
}
