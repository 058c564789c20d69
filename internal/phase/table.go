// Package phase holds the turn state machine: which phase follows which,
// which phases can be skipped for the current game state, and how long each
// one lasts.
package phase

import (
	"errors"
	"fmt"

	"bourse/internal/game"
)

var (
	ErrTerminalPhase = errors.New("phase has no successor")
	ErrUnknownPhase  = errors.New("unknown phase")
	ErrSkipLoop      = errors.New("skip loop did not settle on a playable phase")
)

// Flags is the game context a transition may branch on.
type Flags struct {
	SubRoundExhausted  bool
	Modern             bool
	GameOver           bool
	HasActiveCompanies bool
	MoreCompanies      bool
}

// CompanyStep says what a transition does to the per-company cursor.
type CompanyStep int

const (
	CompanyNone CompanyStep = iota
	CompanyFirst
	CompanyNext
	CompanyKeep
)

type Transition struct {
	Next        game.PhaseName
	Round       game.RoundKind
	NewTurn     bool
	NewRound    bool
	NewSubRound bool
	Company     CompanyStep
}

type rule func(f Flags) Transition

func to(next game.PhaseName, round game.RoundKind) rule {
	return func(Flags) Transition { return Transition{Next: next, Round: round} }
}

func with(next game.PhaseName, round game.RoundKind, adjust func(*Transition)) rule {
	return func(Flags) Transition {
		t := Transition{Next: next, Round: round}
		adjust(&t)
		return t
	}
}

func newRound(t *Transition)    { t.NewRound = true }
func keepCompany(t *Transition) { t.Company = CompanyKeep }

// Table maps each phase to the rule choosing its nominal successor.
type Table struct {
	rules map[game.PhaseName]rule
}

const (
	influence = game.RoundInfluence
	stock     = game.RoundStock
	operating = game.RoundOperating
	none      = game.RoundNone
)

func DefaultTable() *Table {
	r := map[game.PhaseName]rule{
		game.PhaseInfluenceBidAction:  to(game.PhaseInfluenceBidResolve, influence),
		game.PhaseInfluenceBidResolve: to(game.PhaseSetCompanyIPOPrices, influence),
		game.PhaseSetCompanyIPOPrices: to(game.PhaseStartTurn, none),

		game.PhaseStartTurn:           to(game.PhaseHeadlineResolve, none),
		game.PhaseHeadlineResolve:     to(game.PhasePrizeVoteAction, none),
		game.PhasePrizeVoteAction:     to(game.PhasePrizeVoteResolve, none),
		game.PhasePrizeVoteResolve:    to(game.PhasePrizeDistribute, none),
		game.PhasePrizeDistribute:     to(game.PhasePrizeDistributeDone, none),
		game.PhasePrizeDistributeDone: with(game.PhaseStockMeet, stock, newRound),

		game.PhaseStockMeet:          to(game.PhaseStockResolveLimit, stock),
		game.PhaseStockResolveLimit:  to(game.PhaseStockActionOrder, stock),
		game.PhaseStockActionOrder:   to(game.PhaseStockActionResult, stock),
		game.PhaseStockActionResult:  to(game.PhaseStockActionReveal, stock),
		game.PhaseStockActionReveal:  to(game.PhaseStockResolveMarket, stock),
		game.PhaseStockResolveMarket: to(game.PhaseStockActionShort, stock),
		game.PhaseStockActionShort:   to(game.PhaseStockResolveShort, stock),
		game.PhaseStockResolveShort:  to(game.PhaseStockActionOption, stock),
		game.PhaseStockActionOption:  to(game.PhaseStockResolveOption, stock),
		game.PhaseStockResolveOption: to(game.PhaseStockOpenLimitOrders, stock),
		game.PhaseStockOpenLimitOrders: func(f Flags) Transition {
			if !f.SubRoundExhausted {
				return Transition{Next: game.PhaseStockResolveLimit, Round: stock, NewSubRound: true}
			}
			return Transition{Next: game.PhaseStockShortInterest, Round: stock}
		},
		game.PhaseStockShortInterest:  to(game.PhaseStockResolveOptions, stock),
		game.PhaseStockResolveOptions: to(game.PhaseStockResultsOverview, stock),
		game.PhaseStockResultsOverview: func(f Flags) Transition {
			if f.Modern {
				return Transition{Next: game.PhaseFactoryConstruction, Round: operating, NewRound: true}
			}
			return Transition{Next: game.PhaseOperatingMeet, Round: operating, NewRound: true}
		},

		game.PhaseOperatingMeet: to(game.PhaseOperatingProduction, operating),
		game.PhaseOperatingProduction: func(f Flags) Transition {
			if f.HasActiveCompanies {
				return Transition{Next: game.PhaseProductionVote, Round: operating, Company: CompanyFirst}
			}
			return Transition{Next: game.PhaseStockPriceAdjust, Round: operating}
		},
		game.PhaseProductionVote: with(game.PhaseProductionVoteDone, operating, keepCompany),
		game.PhaseProductionVoteDone: func(f Flags) Transition {
			if f.MoreCompanies {
				return Transition{Next: game.PhaseProductionVote, Round: operating, Company: CompanyNext}
			}
			return Transition{Next: game.PhaseStockPriceAdjust, Round: operating}
		},
		game.PhaseStockPriceAdjust: enterCompanyVote,

		game.PhaseFactoryConstruction: to(game.PhaseFactoryResult, operating),
		game.PhaseFactoryResult:       to(game.PhaseMarketingAction, operating),
		game.PhaseMarketingAction:     to(game.PhaseMarketingResult, operating),
		game.PhaseMarketingResult:     to(game.PhaseResearchAction, operating),
		game.PhaseResearchAction:      to(game.PhaseResearchResult, operating),
		game.PhaseResearchResult:      to(game.PhaseConsumption, operating),
		game.PhaseConsumption:         to(game.PhaseEarningsCall, operating),
		game.PhaseEarningsCall:        enterCompanyVote,

		game.PhaseCompanyVote:       with(game.PhaseCompanyVoteResult, operating, keepCompany),
		game.PhaseCompanyVoteResult: with(game.PhaseCompanyVoteResolve, operating, keepCompany),
		game.PhaseCompanyVoteResolve: func(f Flags) Transition {
			if f.MoreCompanies {
				return Transition{Next: game.PhaseCompanyVote, Round: operating, Company: CompanyNext}
			}
			return Transition{Next: game.PhaseLoanAction, Round: operating}
		},

		game.PhaseLoanAction:        to(game.PhaseLoanResolve, operating),
		game.PhaseLoanResolve:       to(game.PhaseResolveInsolvency, operating),
		game.PhaseResolveInsolvency: to(game.PhaseInsolvencyAction, operating),
		game.PhaseInsolvencyAction:  to(game.PhaseInsolvencyResult, operating),
		game.PhaseInsolvencyResult:  to(game.PhaseCapitalGains, operating),
		game.PhaseCapitalGains:      to(game.PhaseDivestment, operating),
		game.PhaseDivestment:        to(game.PhaseSectorNewCompany, none),
		game.PhaseSectorNewCompany:  to(game.PhaseEndTurn, none),
		game.PhaseEndTurn: func(f Flags) Transition {
			if f.GameOver {
				return Transition{Next: game.PhaseGameEnd, Round: none}
			}
			return Transition{Next: game.PhaseStartTurn, Round: none, NewTurn: true}
		},
	}
	return &Table{rules: r}
}

func enterCompanyVote(f Flags) Transition {
	if f.HasActiveCompanies {
		return Transition{Next: game.PhaseCompanyVote, Round: operating, Company: CompanyFirst}
	}
	return Transition{Next: game.PhaseLoanAction, Round: operating}
}

// Next returns the nominal successor of name under flags.
func (t *Table) Next(name game.PhaseName, flags Flags) (Transition, error) {
	if name == game.PhaseGameEnd {
		return Transition{}, ErrTerminalPhase
	}
	r, ok := t.rules[name]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %q", ErrUnknownPhase, name)
	}
	return r(flags), nil
}

// Successors lists every phase name can lead to under any flags.
func (t *Table) Successors(name game.PhaseName) []game.PhaseName {
	r, ok := t.rules[name]
	if !ok {
		return nil
	}
	seen := map[game.PhaseName]bool{}
	var out []game.PhaseName
	for mask := 0; mask < 1<<5; mask++ {
		f := Flags{
			SubRoundExhausted:  mask&1 != 0,
			Modern:             mask&2 != 0,
			GameOver:           mask&4 != 0,
			HasActiveCompanies: mask&8 != 0,
			MoreCompanies:      mask&16 != 0,
		}
		if n := r(f).Next; !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
