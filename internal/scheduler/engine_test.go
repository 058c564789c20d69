package scheduler

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"bourse/internal/config"
	"bourse/internal/distribution"
	"bourse/internal/game"
	"bourse/internal/market"
	"bourse/internal/store"
	"bourse/internal/store/memory"
)

type captureBus struct {
	mu     sync.Mutex
	events []string
}

func (c *captureBus) Publish(_ string, event string, _ any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureBus) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e == event {
			n++
		}
	}
	return n
}

func quietRules() config.Rules {
	rules := config.DefaultRules()
	rules.ShortsEnabled = false
	rules.OptionsEnabled = false
	return rules
}

func newEngine(rules config.Rules) (*Engine, *memory.Store, *captureBus) {
	repo := memory.New()
	bus := &captureBus{}
	return NewEngine(repo, Options{Rules: rules, Bus: bus}), repo, bus
}

func testSpec() GameSpec {
	return GameSpec{
		Name:      "friday",
		Players:   []PlayerSpec{{Name: "alice"}, {Name: "robo", IsBot: true}},
		Companies: []CompanySpec{{Symbol: "beta", IPOPrice: 20}, {Name: "Acme Corp", Symbol: "ACME", IPOPrice: 40}},
	}
}

type stop struct {
	name   game.PhaseName
	symbol string
}

func (e *Engine) symbolOf(t *testing.T, gameID, companyID string) string {
	t.Helper()
	if companyID == "" {
		return ""
	}
	companies, err := e.repo.Companies(context.Background(), gameID)
	if err != nil {
		t.Fatalf("companies: %v", err)
	}
	for _, c := range companies {
		if c.ID == companyID {
			return c.Symbol
		}
	}
	t.Fatalf("company %s not found", companyID)
	return ""
}

// advanceTo advances until the current phase is name, running every phase
// it passes through.
func advanceTo(t *testing.T, e *Engine, gameID string, name game.PhaseName) []stop {
	t.Helper()
	ctx := context.Background()
	var seen []stop
	for range 100 {
		p, err := e.Advance(ctx, gameID)
		if err != nil {
			t.Fatalf("advance after %v: %v", seen, err)
		}
		seen = append(seen, stop{p.Name, e.symbolOf(t, gameID, p.CompanyID)})
		if _, err := e.RunPhase(ctx, gameID); err != nil {
			t.Fatalf("run %s: %v", p.Name, err)
		}
		if p.Name == name {
			return seen
		}
	}
	t.Fatalf("never reached %s, saw %v", name, seen)
	return nil
}

func TestBootstrap(t *testing.T) {
	e, repo, _ := newEngine(quietRules())
	ctx := context.Background()
	g, err := e.Bootstrap(ctx, testSpec())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if g.Distribution != game.DistributionFair || g.Mechanics != game.MechanicsLegacy || g.TurnNumber != 1 {
		t.Fatalf("defaults got %+v", g)
	}
	if g.MaxTurns != game.DefaultMaxTurns || g.CertificateLimit != game.DefaultCertificateLimit || g.BankPool != 12000 {
		t.Fatalf("rule defaults got %+v", g)
	}
	_, p, err := e.Current(ctx, g.ID)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if p.Name != game.PhaseInfluenceBidAction || p.RoundKind != game.RoundInfluence || p.StartedAt != nil || p.Duration <= 0 {
		t.Fatalf("first phase got %+v", p)
	}
	players, _ := repo.Players(ctx, g.ID)
	if len(players) != 2 || players[0].Name != "alice" || players[0].Priority != 1 || !players[1].IsBot || players[1].Cash != 300 {
		t.Fatalf("players got %+v", players)
	}
	companies, _ := repo.Companies(ctx, g.ID)
	if len(companies) != 2 || companies[0].Symbol != "ACME" || companies[0].Name != "Acme Corp" || companies[1].Name != "BETA" {
		t.Fatalf("companies got %+v", companies)
	}
	if companies[0].StockTier != "GROWTH" || companies[0].StockPrice != 39 {
		t.Fatalf("off-grid ipo price should snap down, got %+v", companies[0])
	}
	shares, _ := repo.Shares(ctx, g.ID)
	if len(shares) != 2*game.DefaultSharesPerCompany {
		t.Fatalf("shares got %d", len(shares))
	}
	for _, s := range shares {
		if s.Location != game.LocationIPO {
			t.Fatalf("share outside ipo: %+v", s)
		}
	}
	logs, _ := repo.Logs(ctx, g.ID, 0)
	if len(logs) != 1 {
		t.Fatalf("logs got %+v", logs)
	}
}

func TestBootstrapRejectsBadSpecs(t *testing.T) {
	tests := []struct {
		name string
		edit func(*GameSpec)
	}{
		{"no name", func(s *GameSpec) { s.Name = " " }},
		{"no players", func(s *GameSpec) { s.Players = nil }},
		{"no companies", func(s *GameSpec) { s.Companies = nil }},
		{"bad symbol", func(s *GameSpec) { s.Companies[0].Symbol = "A1" }},
		{"duplicate symbol", func(s *GameSpec) { s.Companies[1].Symbol = "BETA" }},
		{"zero ipo price", func(s *GameSpec) { s.Companies[0].IPOPrice = 0 }},
		{"unknown distribution", func(s *GameSpec) { s.Distribution = "RANDOM" }},
		{"unknown mechanics", func(s *GameSpec) { s.Mechanics = "FUTURE" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, repo, _ := newEngine(quietRules())
			spec := testSpec()
			tc.edit(&spec)
			if _, err := e.Bootstrap(context.Background(), spec); !errors.Is(err, ErrInvalidGame) {
				t.Fatalf("got %v want ErrInvalidGame", err)
			}
			if repo.Commits() != 0 {
				t.Fatalf("rejected spec was persisted")
			}
		})
	}
}

func TestAdvanceWalksAFullLegacyTurn(t *testing.T) {
	e, repo, _ := newEngine(quietRules())
	ctx := context.Background()
	g, err := e.Bootstrap(ctx, testSpec())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	firstTurn := g.CurrentTurnID
	got := advanceTo(t, e, g.ID, game.PhaseStartTurn)
	if !slices.Equal(got, []stop{
		{game.PhaseInfluenceBidResolve, ""},
		{game.PhaseSetCompanyIPOPrices, ""},
		{game.PhaseStartTurn, ""},
	}) {
		t.Fatalf("influence round got %v", got)
	}

	got = advanceTo(t, e, g.ID, game.PhaseStartTurn)
	want := []stop{
		{game.PhaseHeadlineResolve, ""},
		{game.PhasePrizeVoteAction, ""},
		{game.PhasePrizeVoteResolve, ""},
		{game.PhasePrizeDistribute, ""},
		{game.PhasePrizeDistributeDone, ""},
		{game.PhaseStockMeet, ""},
		{game.PhaseStockActionOrder, ""},
		{game.PhaseStockResultsOverview, ""},
		{game.PhaseOperatingMeet, ""},
		{game.PhaseOperatingProduction, ""},
		{game.PhaseProductionVote, "ACME"},
		{game.PhaseProductionVoteDone, "ACME"},
		{game.PhaseProductionVote, "BETA"},
		{game.PhaseProductionVoteDone, "BETA"},
		{game.PhaseStockPriceAdjust, ""},
		{game.PhaseCompanyVote, "ACME"},
		{game.PhaseCompanyVoteResult, "ACME"},
		{game.PhaseCompanyVoteResolve, "ACME"},
		{game.PhaseCompanyVote, "BETA"},
		{game.PhaseCompanyVoteResult, "BETA"},
		{game.PhaseCompanyVoteResolve, "BETA"},
		{game.PhaseLoanAction, ""},
		{game.PhaseLoanResolve, ""},
		{game.PhaseEndTurn, ""},
		{game.PhaseStartTurn, ""},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("turn got\n%v\nwant\n%v", got, want)
	}

	g, err = repo.Game(ctx, g.ID)
	if err != nil {
		t.Fatalf("game: %v", err)
	}
	if g.TurnNumber != 2 || g.CurrentTurnID == firstTurn {
		t.Fatalf("second turn got %d %s", g.TurnNumber, g.CurrentTurnID)
	}
	turn, err := repo.Turn(ctx, g.CurrentTurnID)
	if err != nil || turn.Number != 2 {
		t.Fatalf("turn record got %+v %v", turn, err)
	}
	stockRound, err := repo.Round(ctx, g.CurrentStockRoundID)
	if err != nil || stockRound.Kind != game.RoundStock || stockRound.SubRound != 1 || stockRound.TurnID != firstTurn {
		t.Fatalf("stock round got %+v %v", stockRound, err)
	}
	opRound, err := repo.Round(ctx, g.CurrentOperatingRound)
	if err != nil || opRound.Kind != game.RoundOperating {
		t.Fatalf("operating round got %+v %v", opRound, err)
	}
}

func TestAdvanceModernTurnUsesModernPhases(t *testing.T) {
	e, _, _ := newEngine(quietRules())
	spec := testSpec()
	spec.Mechanics = game.MechanicsModern
	g, err := e.Bootstrap(context.Background(), spec)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	advanceTo(t, e, g.ID, game.PhaseStockResultsOverview)
	got := advanceTo(t, e, g.ID, game.PhaseCompanyVote)
	want := []stop{
		{game.PhaseFactoryConstruction, ""},
		{game.PhaseFactoryResult, ""},
		{game.PhaseMarketingAction, ""},
		{game.PhaseMarketingResult, ""},
		{game.PhaseResearchAction, ""},
		{game.PhaseResearchResult, ""},
		{game.PhaseConsumption, ""},
		{game.PhaseEarningsCall, ""},
		{game.PhaseCompanyVote, "ACME"},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("modern operating round got %v", got)
	}
}

func TestAdvanceOpensNextSubRound(t *testing.T) {
	e, repo, _ := newEngine(quietRules())
	ctx := context.Background()
	g, err := e.Bootstrap(ctx, testSpec())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	order := advanceTo(t, e, g.ID, game.PhaseStockActionOrder)
	g, _ = repo.Game(ctx, g.ID)
	err = repo.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertOrder(ctx, game.PlayerOrder{
			ID: "o1", GameID: g.ID, Kind: game.OrderMarket, Status: game.OrderFilled,
			StockRoundID: g.CurrentStockRoundID, SubRound: 1, PhaseID: g.CurrentPhaseID,
		})
	})
	if err != nil {
		t.Fatalf("insert order: %v", err)
	}
	if order[len(order)-1].name != game.PhaseStockActionOrder {
		t.Fatalf("setup got %v", order)
	}

	got := advanceTo(t, e, g.ID, game.PhaseStockActionOrder)
	want := []stop{
		{game.PhaseStockActionResult, ""},
		{game.PhaseStockActionReveal, ""},
		{game.PhaseStockActionOrder, ""},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("second window got %v", got)
	}
	_, p, _ := e.Current(ctx, g.ID)
	round, err := repo.Round(ctx, p.RoundID)
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if p.SubRound != 2 || round.SubRound != 2 || round.ID != g.CurrentStockRoundID {
		t.Fatalf("sub-round got phase %d round %+v", p.SubRound, round)
	}

	// the second window saw no orders, so the round closes
	if got := advanceTo(t, e, g.ID, game.PhaseStockResultsOverview); len(got) != 1 {
		t.Fatalf("closing the round got %v", got)
	}
}

func TestAdvanceEndsGame(t *testing.T) {
	e, repo, bus := newEngine(quietRules())
	ctx := context.Background()
	spec := testSpec()
	spec.MaxTurns = 1
	g, err := e.Bootstrap(ctx, spec)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	got := advanceTo(t, e, g.ID, game.PhaseGameEnd)
	if got[len(got)-2].name != game.PhaseEndTurn {
		t.Fatalf("game end should follow END_TURN, got %v", got)
	}
	g, _ = repo.Game(ctx, g.ID)
	if g.Status != game.GameFinished || g.TurnNumber != 1 {
		t.Fatalf("finished game got %+v", g)
	}
	if _, err := e.Advance(ctx, g.ID); !errors.Is(err, game.ErrGameFinished) {
		t.Fatalf("advance after game end got %v", err)
	}
	if bus.count(EventGameFinished) != 1 {
		t.Fatalf("game.finished published %d times", bus.count(EventGameFinished))
	}
}

func TestRunPhaseSurvivesHookPanic(t *testing.T) {
	e, _, bus := newEngine(quietRules())
	ctx := context.Background()
	e.Hooks().Register(game.PhaseInfluenceBidAction, func(context.Context, game.Game, game.Phase) error {
		panic("boom")
	})
	g, err := e.Bootstrap(ctx, testSpec())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	p, err := e.RunPhase(ctx, g.ID)
	if err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if p.StartedAt == nil {
		t.Fatalf("phase was not stamped")
	}
	if bus.count(EventPhaseChanged) != 1 {
		t.Fatalf("phase.changed published %d times", bus.count(EventPhaseChanged))
	}
	if _, err := e.Advance(ctx, g.ID); err != nil {
		t.Fatalf("advance after panic: %v", err)
	}
}

func TestRunPhaseSurvivesHookError(t *testing.T) {
	e, repo, _ := newEngine(quietRules())
	ctx := context.Background()
	e.Hooks().RegisterResolver(game.PhaseInfluenceBidAction, ActionResolverFunc(func(context.Context, game.Game, game.Phase) error {
		return errors.New("resolver down")
	}))
	g, err := e.Bootstrap(ctx, testSpec())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := e.RunPhase(ctx, g.ID); err != nil {
		t.Fatalf("run phase: %v", err)
	}
	p, err := repo.Phase(ctx, g.CurrentPhaseID)
	if err != nil || p.StartedAt == nil {
		t.Fatalf("phase got %+v %v", p, err)
	}
}

func TestMarketHooksSettleOrders(t *testing.T) {
	rules := quietRules()
	e, repo, _ := newEngine(rules)
	ctx := context.Background()
	m, err := market.New(repo, market.Options{Rules: rules, Random: distribution.NewLockedSource(1)})
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	e.Hooks().RegisterMarket(m)
	for _, name := range []game.PhaseName{
		game.PhaseStockResolveLimit, game.PhaseStockResolveMarket, game.PhaseStockResolveShort,
		game.PhaseStockShortInterest, game.PhaseStockResolveOption, game.PhaseStockResolveOptions,
		game.PhaseStockOpenLimitOrders,
	} {
		if _, ok := e.Hooks().Lookup(name); !ok {
			t.Fatalf("no hook for %s", name)
		}
	}

	g, err := e.Bootstrap(ctx, testSpec())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	advanceTo(t, e, g.ID, game.PhaseStockActionOrder)
	players, _ := repo.Players(ctx, g.ID)
	companies, _ := repo.Companies(ctx, g.ID)
	acme := companies[0]
	o, err := m.CreatePlayerOrder(ctx, market.OrderInput{
		GameID: g.ID, PlayerID: players[0].ID, CompanyID: acme.ID,
		Kind: game.OrderMarket, Location: game.LocationIPO, Quantity: 2,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	got := advanceTo(t, e, g.ID, game.PhaseStockResolveMarket)
	if len(got) != 3 {
		t.Fatalf("settlement path got %v", got)
	}
	filled, err := repo.Order(ctx, o.ID)
	if err != nil || filled.Status != game.OrderFilled {
		t.Fatalf("order got %+v %v", filled, err)
	}
	p, _ := repo.Players(ctx, g.ID)
	if p[0].Cash != 300-2*acme.IPOPrice {
		t.Fatalf("cash got %d", p[0].Cash)
	}
}
