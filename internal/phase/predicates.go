package phase

import (
	"context"
	"log/slog"

	"bourse/internal/config"
	"bourse/internal/game"
	"bourse/internal/store"
)

// Query is the read-only repository surface the predicates need.
type Query interface {
	Game(ctx context.Context, id string) (game.Game, error)
	Players(ctx context.Context, gameID string) ([]game.Player, error)
	Companies(ctx context.Context, gameID string) ([]game.Company, error)
	Shares(ctx context.Context, gameID string) ([]game.Share, error)
	Orders(ctx context.Context, f store.OrderFilter) ([]game.PlayerOrder, error)
}

// Predicate reports whether a phase has anything to do. It must not write.
type Predicate func(ctx context.Context, q Query, g game.Game, c Cursor) (bool, error)

// Predicates decides which phases run for a game. Phases without a
// predicate always run.
type Predicates struct {
	q      Query
	rules  config.Rules
	log    *slog.Logger
	checks map[game.PhaseName]Predicate
}

func NewPredicates(q Query, rules config.Rules, logger *slog.Logger) *Predicates {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Predicates{q: q, rules: rules, log: logger}
	p.checks = p.defaults()
	return p
}

// Has reports whether name can be skipped at all.
func (p *Predicates) Has(name game.PhaseName) bool {
	_, ok := p.checks[name]
	return ok
}

// Check evaluates the predicate for c.Name.
func (p *Predicates) Check(ctx context.Context, g game.Game, c Cursor) (bool, error) {
	check, ok := p.checks[c.Name]
	if !ok {
		return true, nil
	}
	return check(ctx, p.q, g, c)
}

// ShouldRun is Check with errors logged and treated as "run".
func (p *Predicates) ShouldRun(ctx context.Context, g game.Game, c Cursor) bool {
	ok, err := p.Check(ctx, g, c)
	if err != nil {
		p.log.Warn("skip predicate failed, running phase", "game_id", g.ID, "phase", c.Name, "err", err)
		return true
	}
	return ok
}

// Flags computes the transition flags for c.
func (p *Predicates) Flags(ctx context.Context, g game.Game, c Cursor) (Flags, error) {
	f := Flags{
		Modern:   g.Modern(),
		GameOver: GameOver(g, p.rules),
	}
	if c.Round == game.RoundStock {
		exhausted := c.SubRound >= p.rules.MaxSubRounds
		if !exhausted {
			placed, err := hasOrders(ctx, p.q, store.OrderFilter{GameID: g.ID, StockRoundID: c.RoundID, SubRound: c.SubRound})
			if err != nil {
				return f, err
			}
			exhausted = c.RoundID == "" || !placed
		}
		f.SubRoundExhausted = exhausted
	}
	active, err := ActiveCompanies(ctx, p.q, g.ID)
	if err != nil {
		return f, err
	}
	f.HasActiveCompanies = len(active) > 0
	f.MoreCompanies = c.Company >= 0 && c.Company+1 < len(active)
	return f, nil
}

// Env binds the predicates to one game for Table.Walk.
func (p *Predicates) Env(g game.Game) Env { return gameEnv{p: p, g: g} }

type gameEnv struct {
	p *Predicates
	g game.Game
}

func (e gameEnv) Flags(ctx context.Context, c Cursor) (Flags, error) { return e.p.Flags(ctx, e.g, c) }
func (e gameEnv) ShouldRun(ctx context.Context, c Cursor) bool        { return e.p.ShouldRun(ctx, e.g, c) }

// GameOver reports whether the bank ran dry or the last turn was played.
func GameOver(g game.Game, rules config.Rules) bool {
	maxTurns := g.MaxTurns
	if maxTurns <= 0 {
		maxTurns = rules.MaxTurns
	}
	return g.BankPool <= 0 || g.TurnNumber >= maxTurns
}

// ActiveCompanies lists the companies the per-company phases walk through,
// in symbol order.
func ActiveCompanies(ctx context.Context, q Query, gameID string) ([]game.Company, error) {
	companies, err := q.Companies(ctx, gameID)
	if err != nil {
		return nil, err
	}
	var out []game.Company
	for _, c := range companies {
		if c.Status == game.CompanyActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func hasOrders(ctx context.Context, q Query, f store.OrderFilter) (bool, error) {
	orders, err := q.Orders(ctx, f)
	return len(orders) > 0, err
}

func ordersWhere(f store.OrderFilter) Predicate {
	return func(ctx context.Context, q Query, g game.Game, _ Cursor) (bool, error) {
		f.GameID = g.ID
		return hasOrders(ctx, q, f)
	}
}

func companiesWith(status game.CompanyStatus) Predicate {
	return func(ctx context.Context, q Query, g game.Game, _ Cursor) (bool, error) {
		companies, err := q.Companies(ctx, g.ID)
		if err != nil {
			return false, err
		}
		for _, c := range companies {
			if c.Status == status {
				return true, nil
			}
		}
		return false, nil
	}
}

func enabled(on bool) Predicate {
	return func(context.Context, Query, game.Game, Cursor) (bool, error) { return on, nil }
}

func kinds(k ...game.OrderKind) []game.OrderKind       { return k }
func statuses(s ...game.OrderStatus) []game.OrderStatus { return s }

func (p *Predicates) defaults() map[game.PhaseName]Predicate {
	currentSubRound := func(ctx context.Context, q Query, g game.Game, c Cursor) (bool, error) {
		if c.RoundID == "" {
			return false, nil
		}
		return hasOrders(ctx, q, store.OrderFilter{GameID: g.ID, StockRoundID: c.RoundID, SubRound: c.SubRound})
	}
	pendingMarket := func(ctx context.Context, q Query, g game.Game, c Cursor) (bool, error) {
		if c.RoundID == "" {
			return false, nil
		}
		return hasOrders(ctx, q, store.OrderFilter{GameID: g.ID, StockRoundID: c.RoundID, Kinds: kinds(game.OrderMarket), Statuses: statuses(game.OrderPending)})
	}
	shortWork := func(ctx context.Context, q Query, g game.Game, _ Cursor) (bool, error) {
		pending, err := hasOrders(ctx, q, store.OrderFilter{GameID: g.ID, Kinds: kinds(game.OrderShort), Statuses: statuses(game.OrderPending)})
		if err != nil || pending {
			return pending, err
		}
		return hasOrders(ctx, q, store.OrderFilter{GameID: g.ID, Kinds: kinds(game.OrderShort), Statuses: statuses(game.OrderOpen), CoverRequested: true})
	}
	capitalGains := func(_ context.Context, _ Query, _ game.Game, c Cursor) (bool, error) {
		return c.Turn > 0 && c.Turn%p.rules.CapitalGainsEvery == 0, nil
	}
	overCertificateLimit := func(ctx context.Context, q Query, g game.Game, _ Cursor) (bool, error) {
		limit := g.CertificateLimit
		if limit <= 0 {
			limit = p.rules.CertificateLimit
		}
		shares, err := q.Shares(ctx, g.ID)
		if err != nil {
			return false, err
		}
		held := map[string]int{}
		for _, s := range shares {
			if s.Location == game.LocationPlayer {
				held[s.PlayerID]++
				if held[s.PlayerID] > limit {
					return true, nil
				}
			}
		}
		return false, nil
	}
	active := companiesWith(game.CompanyActive)
	insolvent := companiesWith(game.CompanyInsolvent)

	return map[game.PhaseName]Predicate{
		game.PhaseStockResolveLimit:    ordersWhere(store.OrderFilter{Kinds: kinds(game.OrderLimit), Statuses: statuses(game.OrderFilledPendingSettlement)}),
		game.PhaseStockActionResult:    currentSubRound,
		game.PhaseStockActionReveal:    currentSubRound,
		game.PhaseStockResolveMarket:   pendingMarket,
		game.PhaseStockActionShort:     enabled(p.rules.ShortsEnabled),
		game.PhaseStockResolveShort:    shortWork,
		game.PhaseStockShortInterest:   ordersWhere(store.OrderFilter{Kinds: kinds(game.OrderShort), Statuses: statuses(game.OrderOpen)}),
		game.PhaseStockActionOption:    enabled(p.rules.OptionsEnabled),
		game.PhaseStockResolveOption:   ordersWhere(store.OrderFilter{Kinds: kinds(game.OrderOption), Statuses: statuses(game.OrderPending)}),
		game.PhaseStockResolveOptions:  ordersWhere(store.OrderFilter{Kinds: kinds(game.OrderOption), Statuses: statuses(game.OrderOpen)}),
		game.PhaseStockOpenLimitOrders: ordersWhere(store.OrderFilter{Kinds: kinds(game.OrderLimit), Statuses: statuses(game.OrderPending)}),

		game.PhaseOperatingMeet:       active,
		game.PhaseOperatingProduction: active,
		game.PhaseProductionVoteDone:  active,
		game.PhaseStockPriceAdjust:    active,
		game.PhaseCompanyVoteResult:   active,
		game.PhaseCompanyVoteResolve:  active,
		game.PhaseFactoryConstruction: active,
		game.PhaseFactoryResult:       active,
		game.PhaseMarketingAction:     active,
		game.PhaseMarketingResult:     active,
		game.PhaseResearchAction:      active,
		game.PhaseResearchResult:      active,
		game.PhaseConsumption:         active,
		game.PhaseEarningsCall:        active,
		game.PhaseLoanAction:          active,
		game.PhaseLoanResolve:         active,

		game.PhaseResolveInsolvency: insolvent,
		game.PhaseInsolvencyAction:  insolvent,
		game.PhaseInsolvencyResult:  insolvent,
		game.PhaseCapitalGains:      capitalGains,
		game.PhaseDivestment:        overCertificateLimit,
		game.PhaseSectorNewCompany:  companiesWith(game.CompanyInactive),
	}
}
