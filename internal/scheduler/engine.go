// Package scheduler drives games through the phase state machine: it picks
// the next playable phase, runs the phase's hook, and waits on timers or
// player readiness before moving on.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"bourse/internal/config"
	"bourse/internal/game"
	"bourse/internal/phase"
	"bourse/internal/store"

	"github.com/google/uuid"
)

const (
	EventPhaseChanged     = "phase.changed"
	EventReadinessChanged = "readiness.changed"
	EventGamePaused       = "game.paused"
	EventGameResumed      = "game.resumed"
	EventGameFinished     = "game.finished"
)

// Publisher is the notification bus as the scheduler sees it.
type Publisher interface {
	Publish(gameID, event string, payload any)
}

// PhaseEvent is the payload of phase.changed.
type PhaseEvent struct {
	GameID      string         `json:"game_id"`
	PhaseID     string         `json:"phase_id"`
	Name        game.PhaseName `json:"name"`
	RoundKind   game.RoundKind `json:"round_kind,omitempty"`
	SubRound    int            `json:"sub_round,omitempty"`
	CompanyID   string         `json:"company_id,omitempty"`
	TurnNumber  int            `json:"turn_number"`
	RemainingMS int64          `json:"remaining_ms"`
	Timerless   bool           `json:"timerless"`
}

// GameEvent is the payload of the pause, resume and finish events.
type GameEvent struct {
	GameID  string          `json:"game_id"`
	Status  game.GameStatus `json:"status"`
	Paused  bool            `json:"paused"`
	PhaseID string          `json:"phase_id"`
}

type Engine struct {
	repo  store.Repository
	table *phase.Table
	rules config.Rules
	hooks *Hooks
	bus   Publisher
	log   *slog.Logger
	now   func() time.Time
}

type Options struct {
	Rules  config.Rules
	Table  *phase.Table
	Hooks  *Hooks
	Bus    Publisher
	Logger *slog.Logger
}

func NewEngine(repo store.Repository, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	table := opts.Table
	if table == nil {
		table = phase.DefaultTable()
	}
	hooks := opts.Hooks
	if hooks == nil {
		hooks = NewHooks()
	}
	e := &Engine{
		repo:  repo,
		table: table,
		rules: opts.Rules,
		hooks: hooks,
		bus:   opts.Bus,
		log:   logger,
		now:   time.Now,
	}
	e.registerBuiltins()
	return e
}

// SetClock replaces the timestamp source, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) Hooks() *Hooks { return e.hooks }

func (e *Engine) Rules() config.Rules { return e.rules }

func (e *Engine) publish(gameID, event string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(gameID, event, payload)
}

// Current returns the game and its current phase.
func (e *Engine) Current(ctx context.Context, gameID string) (game.Game, game.Phase, error) {
	g, err := e.repo.Game(ctx, gameID)
	if err != nil {
		return game.Game{}, game.Phase{}, err
	}
	p, err := e.repo.Phase(ctx, g.CurrentPhaseID)
	if err != nil {
		return g, game.Phase{}, fmt.Errorf("current phase of %s: %w", gameID, err)
	}
	return g, p, nil
}

// cursorOf rebuilds the state machine position from the persisted phase.
func cursorOf(ctx context.Context, q phase.Query, g game.Game, p game.Phase) (phase.Cursor, error) {
	c := phase.Cursor{
		Name:     p.Name,
		Round:    p.RoundKind,
		RoundID:  p.RoundID,
		SubRound: p.SubRound,
		Company:  -1,
		Turn:     g.TurnNumber,
	}
	if p.CompanyID == "" {
		return c, nil
	}
	active, err := phase.ActiveCompanies(ctx, q, g.ID)
	if err != nil {
		return c, err
	}
	for i, company := range active {
		if company.ID == p.CompanyID {
			c.Company = i
			break
		}
	}
	return c, nil
}

// Advance moves the game to its next playable phase in one repository
// transaction. Skipped phases are never persisted. Only the game's runner
// calls it.
func (e *Engine) Advance(ctx context.Context, gameID string) (game.Phase, error) {
	var (
		next    game.Phase
		skipped []game.PhaseName
		turn    int
	)
	err := e.repo.WithTx(ctx, func(tx store.Tx) error {
		g, err := tx.Game(ctx, gameID)
		if err != nil {
			return err
		}
		if g.Status != game.GameActive {
			return game.ErrGameFinished
		}
		cur, err := tx.Phase(ctx, g.CurrentPhaseID)
		if err != nil {
			return err
		}
		from, err := cursorOf(ctx, tx, g, cur)
		if err != nil {
			return err
		}
		preds := phase.NewPredicates(tx, e.rules, e.log)
		step, err := e.table.Walk(ctx, from, preds.Env(g), e.rules.LoopCap())
		if err != nil {
			if errors.Is(err, phase.ErrSkipLoop) {
				return fmt.Errorf("%w: %w", game.ErrInvariantViolation, err)
			}
			return err
		}
		now := e.now().UTC()

		if step.NewTurn {
			t := game.Turn{ID: uuid.NewString(), GameID: g.ID, Number: step.Turn, CreatedAt: now}
			if err := tx.InsertTurn(ctx, t); err != nil {
				return err
			}
			g.CurrentTurnID = t.ID
			g.TurnNumber = t.Number
		}

		roundID := step.RoundID
		if step.Round != game.RoundNone {
			switch {
			case roundID == "":
				r := game.Round{ID: uuid.NewString(), GameID: g.ID, TurnID: g.CurrentTurnID, Kind: step.Round, SubRound: step.SubRound, CreatedAt: now}
				if err := tx.InsertRound(ctx, r); err != nil {
					return err
				}
				roundID = r.ID
			case step.NewSubRound:
				r, err := tx.Round(ctx, roundID)
				if err != nil {
					return err
				}
				r.SubRound = step.SubRound
				if err := tx.UpdateRound(ctx, r); err != nil {
					return err
				}
			}
			switch step.Round {
			case game.RoundStock:
				g.CurrentStockRoundID = roundID
			case game.RoundOperating:
				g.CurrentOperatingRound = roundID
			case game.RoundInfluence:
				g.CurrentInfluenceRound = roundID
			}
		}

		companyID := ""
		if step.Company >= 0 {
			active, err := phase.ActiveCompanies(ctx, tx, g.ID)
			if err != nil {
				return err
			}
			if step.Company >= len(active) {
				return game.Invariant("company index %d with %d active companies", step.Company, len(active))
			}
			companyID = active[step.Company].ID
		}

		next = game.Phase{
			ID:        uuid.NewString(),
			GameID:    g.ID,
			TurnID:    g.CurrentTurnID,
			Name:      step.Name,
			RoundID:   roundID,
			RoundKind: step.Round,
			SubRound:  step.SubRound,
			CompanyID: companyID,
			Duration:  phase.Duration(step.Name, e.rules),
			CreatedAt: now,
		}
		if err := tx.InsertPhase(ctx, next); err != nil {
			return err
		}
		g.CurrentPhaseID = next.ID
		skipped = step.Skipped
		turn = g.TurnNumber
		return tx.UpdateGame(ctx, g)
	})
	if err != nil {
		return game.Phase{}, err
	}
	e.log.Info("phase advanced", "game_id", gameID, "phase", next.Name, "phase_id", next.ID, "turn", turn, "skipped", len(skipped))
	if len(skipped) > 0 {
		e.log.Debug("phases skipped", "game_id", gameID, "phases", skipped)
	}
	return next, nil
}

// RunPhase invokes the hook of the current phase, stamps its start time and
// announces it. A failing or panicking hook is logged and does not stop the
// phase from starting.
func (e *Engine) RunPhase(ctx context.Context, gameID string) (game.Phase, error) {
	g, p, err := e.Current(ctx, gameID)
	if err != nil {
		return game.Phase{}, err
	}
	if err := e.runHook(ctx, g, p); err != nil {
		e.log.Error("phase hook failed", "game_id", gameID, "phase", p.Name, "phase_id", p.ID, "err", err)
	}
	at := e.now().UTC()
	if err := e.repo.WithTx(ctx, func(tx store.Tx) error {
		return tx.StampPhaseStart(ctx, p.ID, at)
	}); err != nil {
		return p, err
	}
	p.StartedAt = &at
	// hooks may have finished the game or moved money
	if fresh, err := e.repo.Game(ctx, gameID); err == nil {
		g = fresh
	}
	e.announce(g, p, p.Duration)
	return p, nil
}

func (e *Engine) announce(g game.Game, p game.Phase, remaining time.Duration) {
	e.publish(g.ID, EventPhaseChanged, PhaseEvent{
		GameID:      g.ID,
		PhaseID:     p.ID,
		Name:        p.Name,
		RoundKind:   p.RoundKind,
		SubRound:    p.SubRound,
		CompanyID:   p.CompanyID,
		TurnNumber:  g.TurnNumber,
		RemainingMS: remaining.Milliseconds(),
		Timerless:   g.Timerless,
	})
}

func (e *Engine) runHook(ctx context.Context, g game.Game, p game.Phase) (err error) {
	hook, ok := e.hooks.Lookup(p.Name)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v", r)
			e.log.Error("phase hook panicked", "game_id", g.ID, "phase", p.Name, "stack", string(debug.Stack()))
		}
	}()
	return hook(ctx, g, p)
}

// restamp moves a phase's start time so that remaining is what is left of
// its duration at now.
func (e *Engine) restamp(ctx context.Context, p game.Phase, remaining time.Duration) (game.Phase, error) {
	at := e.now().UTC().Add(remaining - p.Duration)
	err := e.repo.WithTx(ctx, func(tx store.Tx) error {
		return tx.StampPhaseStart(ctx, p.ID, at)
	})
	if err != nil {
		return p, err
	}
	p.StartedAt = &at
	return p, nil
}

func (e *Engine) setPaused(ctx context.Context, gameID string, paused bool) (game.Game, error) {
	var out game.Game
	err := e.repo.WithTx(ctx, func(tx store.Tx) error {
		g, err := tx.Game(ctx, gameID)
		if err != nil {
			return err
		}
		if g.Status != game.GameActive {
			return game.ErrGameFinished
		}
		g.Paused = paused
		out = g
		return tx.UpdateGame(ctx, g)
	})
	return out, err
}
