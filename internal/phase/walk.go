package phase

import (
	"context"
	"fmt"

	"bourse/internal/game"
)

// Cursor is where a game stands in the state machine. RoundID is empty for
// a round the walk has decided to open but that is not persisted yet.
// Company indexes the game's active companies, -1 outside per-company phases.
type Cursor struct {
	Name     game.PhaseName
	Round    game.RoundKind
	RoundID  string
	SubRound int
	Company  int
	Turn     int
}

// Env answers the questions a walk asks at every candidate phase.
type Env interface {
	Flags(ctx context.Context, c Cursor) (Flags, error)
	ShouldRun(ctx context.Context, c Cursor) bool
}

// Step is the outcome of a walk: the playable phase it settled on, what has
// to be opened for it, and what was skipped on the way.
type Step struct {
	Cursor
	NewTurn     bool
	NewRound    bool
	NewSubRound bool
	Skipped     []game.PhaseName
}

func (c Cursor) apply(tr Transition) Cursor {
	next := c
	next.Name = tr.Next
	next.Round = tr.Round
	if tr.Round != c.Round || tr.NewRound {
		next.RoundID = ""
		next.SubRound = 0
		if tr.Round == game.RoundStock {
			next.SubRound = 1
		}
	}
	if tr.NewSubRound {
		next.SubRound = c.SubRound + 1
	}
	if tr.NewTurn {
		next.Turn = c.Turn + 1
	}
	switch tr.Company {
	case CompanyFirst:
		next.Company = 0
	case CompanyNext:
		next.Company = c.Company + 1
	case CompanyKeep:
	default:
		next.Company = -1
	}
	return next
}

// Walk follows the table from the current phase until env agrees to run a
// candidate. It gives up with ErrSkipLoop after limit candidates.
func (t *Table) Walk(ctx context.Context, from Cursor, env Env, limit int) (Step, error) {
	cur := from
	var out Step
	for i := 0; i < limit; i++ {
		flags, err := env.Flags(ctx, cur)
		if err != nil {
			return Step{}, fmt.Errorf("flags at %s: %w", cur.Name, err)
		}
		tr, err := t.Next(cur.Name, flags)
		if err != nil {
			return Step{}, err
		}
		out.NewTurn = out.NewTurn || tr.NewTurn
		out.NewRound = out.NewRound || tr.NewRound || tr.Round != cur.Round
		out.NewSubRound = out.NewSubRound || tr.NewSubRound
		cur = cur.apply(tr)
		if cur.Round == game.RoundNone {
			out.NewRound = false
		}
		if err := ctx.Err(); err != nil {
			return Step{}, err
		}
		if env.ShouldRun(ctx, cur) {
			out.Cursor = cur
			return out, nil
		}
		out.Skipped = append(out.Skipped, cur.Name)
	}
	return Step{}, fmt.Errorf("%w: %d candidates after %s", ErrSkipLoop, limit, from.Name)
}
