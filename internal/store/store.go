// Package store is the repository contract the engine persists through.
// Implementations live in the memory, postgres and sqlite subpackages.
package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"bourse/internal/game"
)

// ErrConflict is returned by a commit that lost a write race. It is the only
// error the ledger retries besides driver-specific serialization failures.
var ErrConflict = errors.New("store: write conflict")

// OrderFilter selects player orders. Zero fields match everything.
type OrderFilter struct {
	GameID       string
	CompanyID    string
	PlayerID     string
	PhaseID      string
	StockRoundID string
	SubRound     int
	Kinds        []game.OrderKind
	Statuses     []game.OrderStatus
	// CoverRequested and ExerciseRequested only filter when set.
	CoverRequested    bool
	ExerciseRequested bool
}

func (f OrderFilter) Match(o game.PlayerOrder) bool {
	if f.GameID != "" && o.GameID != f.GameID {
		return false
	}
	if f.CompanyID != "" && o.CompanyID != f.CompanyID {
		return false
	}
	if f.PlayerID != "" && o.PlayerID != f.PlayerID {
		return false
	}
	if f.PhaseID != "" && o.PhaseID != f.PhaseID {
		return false
	}
	if f.StockRoundID != "" && o.StockRoundID != f.StockRoundID {
		return false
	}
	if f.SubRound != 0 && o.SubRound != f.SubRound {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, o.Kind) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, o.Status) {
		return false
	}
	if f.CoverRequested && !o.CoverRequested {
		return false
	}
	if f.ExerciseRequested && !o.ExerciseRequested {
		return false
	}
	return true
}

// SortOrders orders by creation time, then id. Every implementation returns
// orders in this order.
func SortOrders(orders []game.PlayerOrder) {
	slices.SortStableFunc(orders, func(a, b game.PlayerOrder) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

type Reader interface {
	Game(ctx context.Context, id string) (game.Game, error)
	ActiveGames(ctx context.Context) ([]game.Game, error)
	Turn(ctx context.Context, id string) (game.Turn, error)
	Round(ctx context.Context, id string) (game.Round, error)
	Phase(ctx context.Context, id string) (game.Phase, error)
	Players(ctx context.Context, gameID string) ([]game.Player, error)
	Companies(ctx context.Context, gameID string) ([]game.Company, error)
	Shares(ctx context.Context, gameID string) ([]game.Share, error)
	Orders(ctx context.Context, f OrderFilter) ([]game.PlayerOrder, error)
	Order(ctx context.Context, id string) (game.PlayerOrder, error)
	// Transactions and Logs return the newest entries first; limit <= 0 means all.
	Transactions(ctx context.Context, gameID string, limit int) ([]game.Transaction, error)
	Logs(ctx context.Context, gameID string, limit int) ([]game.LogEntry, error)
}

// Tx is one atomic unit of work. AdjustCash enforces the non-negative
// invariant for players, companies and margin accounts with
// game.ErrNegativeBalance, whatever the caller planned.
type Tx interface {
	Reader
	InsertGame(ctx context.Context, g game.Game) error
	UpdateGame(ctx context.Context, g game.Game) error
	InsertTurn(ctx context.Context, t game.Turn) error
	InsertRound(ctx context.Context, r game.Round) error
	UpdateRound(ctx context.Context, r game.Round) error
	InsertPhase(ctx context.Context, p game.Phase) error
	StampPhaseStart(ctx context.Context, phaseID string, at time.Time) error
	InsertPlayers(ctx context.Context, players []game.Player) error
	InsertCompanies(ctx context.Context, companies []game.Company) error
	UpdateCompany(ctx context.Context, c game.Company) error
	InsertOrder(ctx context.Context, o game.PlayerOrder) error
	UpdateOrder(ctx context.Context, o game.PlayerOrder) error
	InsertShares(ctx context.Context, shares []game.Share) error
	UpdateShares(ctx context.Context, shares []game.Share) error
	AdjustCash(ctx context.Context, ref game.EntityRef, delta int64) error
	InsertTransactions(ctx context.Context, txs []game.Transaction) error
	InsertLogs(ctx context.Context, logs []game.LogEntry) error
}

type Repository interface {
	Reader
	// WithTx runs fn in a transaction and commits when fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

type transient interface {
	Transient() bool
}

// IsTransient reports whether err is worth retrying with the same input.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	var t transient
	return errors.As(err, &t) && t.Transient()
}

// TransientError marks a driver error as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string   { return e.Err.Error() }
func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Transient() bool { return true }

// CashColumn names what AdjustCash mutates for ref, and rejects entities
// without a cash balance.
func CashColumn(ref game.EntityRef) (string, error) {
	switch ref.Kind {
	case game.EntityPlayer:
		return "cash", nil
	case game.EntityMargin:
		return "margin", nil
	case game.EntityCompany:
		return "cash", nil
	case game.EntityBank:
		return "bank_pool", nil
	default:
		return "", game.Invariant("%s holds no cash", ref)
	}
}
