package scheduler

import (
	"context"
	"fmt"
	"sync"

	"bourse/internal/game"
	"bourse/internal/market"
	"bourse/internal/phase"
	"bourse/internal/store"

	"github.com/google/uuid"
)

// Hook resolves what a phase does when it becomes current.
type Hook func(ctx context.Context, g game.Game, p game.Phase) error

// ActionResolver resolves the effects of a phase the engine treats as
// opaque, such as company votes or loans.
type ActionResolver interface {
	Resolve(ctx context.Context, g game.Game, p game.Phase) error
}

type ActionResolverFunc func(ctx context.Context, g game.Game, p game.Phase) error

func (f ActionResolverFunc) Resolve(ctx context.Context, g game.Game, p game.Phase) error {
	return f(ctx, g, p)
}

// Hooks maps phase names to hooks. Phases without a hook are no-ops.
type Hooks struct {
	mu    sync.RWMutex
	hooks map[game.PhaseName]Hook
}

func NewHooks() *Hooks {
	return &Hooks{hooks: map[game.PhaseName]Hook{}}
}

func (h *Hooks) Register(name game.PhaseName, hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[name] = hook
}

func (h *Hooks) RegisterResolver(name game.PhaseName, r ActionResolver) {
	h.Register(name, r.Resolve)
}

func (h *Hooks) Lookup(name game.PhaseName) (Hook, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hook, ok := h.hooks[name]
	return hook, ok
}

func (h *Hooks) setDefault(name game.PhaseName, hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.hooks[name]; !ok {
		h.hooks[name] = hook
	}
}

type resolution func(ctx context.Context, gameID string) (market.Summary, error)

func settle(fn resolution) Hook {
	return func(ctx context.Context, g game.Game, _ game.Phase) error {
		_, err := fn(ctx, g.ID)
		return err
	}
}

// RegisterMarket wires the settlement phases to the market engine.
func (h *Hooks) RegisterMarket(m *market.Engine) {
	h.Register(game.PhaseStockResolveLimit, settle(m.SettleLimitOrders))
	h.Register(game.PhaseStockResolveMarket, settle(m.ResolveMarketOrders))
	h.Register(game.PhaseStockResolveShort, settle(m.ResolveShortOrders))
	h.Register(game.PhaseStockShortInterest, settle(m.ChargeShortInterest))
	h.Register(game.PhaseStockResolveOption, settle(m.ResolveOptionOrders))
	h.Register(game.PhaseStockResolveOptions, settle(m.ResolvePendingOptions))
	h.Register(game.PhaseStockOpenLimitOrders, settle(m.OpenLimitOrders))
}

func (e *Engine) registerBuiltins() {
	e.hooks.setDefault(game.PhaseStartTurn, e.startTurn)
	e.hooks.setDefault(game.PhaseEndTurn, e.endTurn)
	e.hooks.setDefault(game.PhaseGameEnd, e.finish)
}

func (e *Engine) gameLog(ctx context.Context, tx store.Tx, g game.Game, p game.Phase, format string, args ...any) error {
	return tx.InsertLogs(ctx, []game.LogEntry{{
		ID:        uuid.NewString(),
		GameID:    g.ID,
		PhaseID:   p.ID,
		Message:   fmt.Sprintf(format, args...),
		CreatedAt: e.now().UTC(),
	}})
}

func (e *Engine) startTurn(ctx context.Context, g game.Game, p game.Phase) error {
	return e.repo.WithTx(ctx, func(tx store.Tx) error {
		return e.gameLog(ctx, tx, g, p, "Turn %d started", g.TurnNumber)
	})
}

func (e *Engine) endTurn(ctx context.Context, g game.Game, p game.Phase) error {
	over := phase.GameOver(g, e.rules)
	e.log.Info("turn ended", "game_id", g.ID, "turn", g.TurnNumber, "bank_pool", g.BankPool, "game_over", over)
	return e.repo.WithTx(ctx, func(tx store.Tx) error {
		if over {
			return e.gameLog(ctx, tx, g, p, "Turn %d ended, the game is over", g.TurnNumber)
		}
		return e.gameLog(ctx, tx, g, p, "Turn %d ended", g.TurnNumber)
	})
}

func (e *Engine) finish(ctx context.Context, g game.Game, p game.Phase) error {
	err := e.repo.WithTx(ctx, func(tx store.Tx) error {
		cur, err := tx.Game(ctx, g.ID)
		if err != nil {
			return err
		}
		cur.Status = game.GameFinished
		cur.Paused = false
		if err := tx.UpdateGame(ctx, cur); err != nil {
			return err
		}
		return e.gameLog(ctx, tx, cur, p, "Game over after %d turns", cur.TurnNumber)
	})
	if err != nil {
		return err
	}
	e.log.Info("game finished", "game_id", g.ID, "turn", g.TurnNumber)
	e.publish(g.ID, EventGameFinished, GameEvent{GameID: g.ID, Status: game.GameFinished, PhaseID: p.ID})
	return nil
}
