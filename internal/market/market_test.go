package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"bourse/internal/config"
	"bourse/internal/distribution"
	"bourse/internal/game"
	"bourse/internal/ledger"
	"bourse/internal/store"
	"bourse/internal/store/memory"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

var epoch = time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)

type fixture struct {
	repo *memory.Store
	eng  *Engine
	seq  int
}

// newFixture seeds game g1 in STOCK_ACTION_ORDER with players p1..p3
// holding 1000 each, ACME (c1, 48, IPO 40, 10 IPO + 10 open market),
// BETA (c2, 20, 10 open market) and an inactive DEAD (c3).
func newFixture(t tb, tune func(*config.Rules)) *fixture {
	t.Helper()
	rules := config.DefaultRules()
	rules.CommitBackoff = time.Millisecond
	if tune != nil {
		tune(&rules)
	}
	repo := memory.New()
	ctx := context.Background()
	err := repo.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertGame(ctx, game.Game{
			ID:                  "g1",
			Status:              game.GameActive,
			CurrentPhaseID:      "ph-order",
			CurrentTurnID:       "t1",
			TurnNumber:          1,
			CurrentStockRoundID: "r1",
			BankPool:            10000,
			Distribution:        game.DistributionBidPriority,
			CertificateLimit:    game.DefaultCertificateLimit,
			MaxTurns:            game.DefaultMaxTurns,
		}); err != nil {
			return err
		}
		if err := tx.InsertTurn(ctx, game.Turn{ID: "t1", GameID: "g1", Number: 1}); err != nil {
			return err
		}
		if err := tx.InsertRound(ctx, game.Round{ID: "r1", GameID: "g1", TurnID: "t1", Kind: game.RoundStock, SubRound: 1}); err != nil {
			return err
		}
		if err := tx.InsertPhase(ctx, game.Phase{ID: "ph-order", GameID: "g1", TurnID: "t1", Name: game.PhaseStockActionOrder, RoundID: "r1", RoundKind: game.RoundStock, SubRound: 1}); err != nil {
			return err
		}
		if err := tx.InsertPlayers(ctx, []game.Player{
			{ID: "p1", GameID: "g1", Name: "ada", Cash: 1000, Priority: 1},
			{ID: "p2", GameID: "g1", Name: "bob", Cash: 1000, Priority: 2},
			{ID: "p3", GameID: "g1", Name: "cyd", Cash: 1000, Priority: 3, IsBot: true},
		}); err != nil {
			return err
		}
		if err := tx.InsertCompanies(ctx, []game.Company{
			{ID: "c1", GameID: "g1", Symbol: "ACME", StockPrice: 48, IPOPrice: 40, StockTier: "GROWTH", Status: game.CompanyActive},
			{ID: "c2", GameID: "g1", Symbol: "BETA", StockPrice: 20, StockTier: "STARTUP", Status: game.CompanyActive},
			{ID: "c3", GameID: "g1", Symbol: "DEAD", StockPrice: 10, Status: game.CompanyInactive},
		}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	eng, err := New(repo, Options{Rules: rules, Random: distribution.NewLockedSource(1)})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	eng.SetClock(func() time.Time { return epoch })
	f := &fixture{repo: repo, eng: eng}
	f.shares(t, "c1", game.LocationIPO, "", 10)
	f.shares(t, "c1", game.LocationOpenMarket, "", 10)
	f.shares(t, "c2", game.LocationOpenMarket, "", 10)
	return f
}

func (f *fixture) shares(t tb, companyID string, loc game.ShareLocation, playerID string, n int) {
	t.Helper()
	out := make([]game.Share, n)
	for i := range out {
		f.seq++
		out[i] = game.Share{ID: fmt.Sprintf("sh-%04d", f.seq), GameID: "g1", CompanyID: companyID, Location: loc, PlayerID: playerID}
	}
	err := f.repo.WithTx(context.Background(), func(tx store.Tx) error { return tx.InsertShares(context.Background(), out) })
	if err != nil {
		t.Fatalf("insert shares: %v", err)
	}
}

// order inserts o after filling in the usual defaults and returns its id.
func (f *fixture) order(t tb, o game.PlayerOrder) string {
	t.Helper()
	f.seq++
	if o.ID == "" {
		o.ID = fmt.Sprintf("o-%04d", f.seq)
	}
	o.GameID = "g1"
	if o.PhaseID == "" {
		o.PhaseID = "ph-order"
	}
	if o.StockRoundID == "" {
		o.StockRoundID = "r1"
	}
	if o.Kind == "" {
		o.Kind = game.OrderMarket
	}
	if o.Status == "" {
		o.Status = game.OrderPending
	}
	if o.Location == "" {
		if o.IsSell {
			o.Location = game.LocationPlayer
		} else {
			o.Location = game.LocationOpenMarket
		}
	}
	o.CreatedAt = epoch.Add(time.Duration(f.seq) * time.Second)
	err := f.repo.WithTx(context.Background(), func(tx store.Tx) error { return tx.InsertOrder(context.Background(), o) })
	if err != nil {
		t.Fatalf("insert order: %v", err)
	}
	return o.ID
}

func (f *fixture) get(t tb, id string) game.PlayerOrder {
	t.Helper()
	o, err := f.repo.Order(context.Background(), id)
	if err != nil {
		t.Fatalf("order %s: %v", id, err)
	}
	return o
}

func (f *fixture) player(t tb, id string) game.Player {
	t.Helper()
	players, err := f.repo.Players(context.Background(), "g1")
	if err != nil {
		t.Fatalf("players: %v", err)
	}
	for _, p := range players {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("player %s missing", id)
	return game.Player{}
}

func (f *fixture) company(t tb, id string) game.Company {
	t.Helper()
	c, err := findCompany(context.Background(), f.repo, "g1", id)
	if err != nil {
		t.Fatalf("company: %v", err)
	}
	return c
}

func (f *fixture) bank(t tb) int64 {
	t.Helper()
	g, err := f.repo.Game(context.Background(), "g1")
	if err != nil {
		t.Fatalf("game: %v", err)
	}
	return g.BankPool
}

// count returns the shares of companyID at loc (and player, for PLAYER),
// plus how many of those are committed.
func (f *fixture) count(t tb, companyID string, loc game.ShareLocation, playerID string) (total, committed int) {
	t.Helper()
	shares, err := f.repo.Shares(context.Background(), "g1")
	if err != nil {
		t.Fatalf("shares: %v", err)
	}
	for _, s := range shares {
		if s.CompanyID == companyID && s.Location == loc && s.PlayerID == playerID {
			total++
			if s.Committed {
				committed++
			}
		}
	}
	return total, committed
}

func (f *fixture) adjust(t tb, ref game.EntityRef, delta int64) {
	t.Helper()
	err := f.repo.WithTx(context.Background(), func(tx store.Tx) error { return tx.AdjustCash(context.Background(), ref, delta) })
	if err != nil {
		t.Fatalf("adjust %s: %v", ref, err)
	}
}

func (f *fixture) updateGame(t tb, fn func(*game.Game)) {
	t.Helper()
	ctx := context.Background()
	err := f.repo.WithTx(ctx, func(tx store.Tx) error {
		g, err := tx.Game(ctx, "g1")
		if err != nil {
			return err
		}
		fn(&g)
		return tx.UpdateGame(ctx, g)
	})
	if err != nil {
		t.Fatalf("update game: %v", err)
	}
}

func TestBidPriorityScarceSupply(t *testing.T) {
	f := newFixture(t, nil)
	high := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c1", Quantity: 6, Value: 50})
	low := f.order(t, game.PlayerOrder{PlayerID: "p2", CompanyID: "c1", Quantity: 6, Value: 40})

	sum, err := f.eng.ResolveMarketOrders(context.Background(), "g1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.get(t, high); got.Status != game.OrderFilled || got.FilledQuantity != 6 {
		t.Fatalf("high bid got %s/%d want FILLED/6", got.Status, got.FilledQuantity)
	}
	if got := f.get(t, low); got.Status != game.OrderFilled || got.FilledQuantity != 4 {
		t.Fatalf("low bid got %s/%d want FILLED/4", got.Status, got.FilledQuantity)
	}
	if len(sum.Windows) != 1 {
		t.Fatalf("windows got %d want 1", len(sum.Windows))
	}
	w := sum.Windows[0]
	if len(w.Rejected) != 1 || w.Rejected[0].OrderID != low || w.Rejected[0].Quantity != 2 {
		t.Fatalf("rejections got %+v want 2 shares of %s", w.Rejected, low)
	}
	if w.NetQuantity != 10 {
		t.Fatalf("net quantity got %d want 10", w.NetQuantity)
	}
	if got := f.player(t, "p1").Cash; got != 1000-6*48 {
		t.Fatalf("p1 cash got %d", got)
	}
	if got := f.player(t, "p2").Cash; got != 1000-4*48 {
		t.Fatalf("p2 cash got %d", got)
	}
	if got := f.bank(t); got != 10000+10*48 {
		t.Fatalf("bank got %d", got)
	}
	// 10 net shares in GROWTH (fill size 4): 48 -> 51 -> 54, 2 carried.
	c := f.company(t, "c1")
	if c.StockPrice != 54 || c.TierSharesFulfilled != 2 {
		t.Fatalf("price got %d rem %d want 54 rem 2", c.StockPrice, c.TierSharesFulfilled)
	}
	if n, _ := f.count(t, "c1", game.LocationOpenMarket, ""); n != 0 {
		t.Fatalf("open market left %d", n)
	}
}

func TestAggregateCashAcrossOrders(t *testing.T) {
	f := newFixture(t, nil)
	f.adjust(t, game.PlayerEntity("p1"), -900)
	first := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c2", Quantity: 3})
	second := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c2", Quantity: 3})

	if _, err := f.eng.ResolveMarketOrders(context.Background(), "g1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.get(t, first).Status; got != game.OrderFilled {
		t.Fatalf("first order got %s", got)
	}
	got := f.get(t, second)
	if got.Status != game.OrderRejected || !strings.Contains(got.RejectReason, game.ErrInsufficientFunds.Error()) {
		t.Fatalf("second order got %s %q", got.Status, got.RejectReason)
	}
	if cash := f.player(t, "p1").Cash; cash != 40 {
		t.Fatalf("cash got %d want 40", cash)
	}
	if n, _ := f.count(t, "c2", game.LocationPlayer, "p1"); n != 3 {
		t.Fatalf("p1 holds %d want 3", n)
	}
	// 3 net in STARTUP (fill size 3) is one step.
	if c := f.company(t, "c2"); c.StockPrice != 22 || c.TierSharesFulfilled != 0 {
		t.Fatalf("price got %d rem %d", c.StockPrice, c.TierSharesFulfilled)
	}
}

func TestSellsSettleBeforeBuys(t *testing.T) {
	f := newFixture(t, nil)
	f.shares(t, "c2", game.LocationPlayer, "p2", 2)
	// Drain the open market so only the sell can supply the buy.
	f.order(t, game.PlayerOrder{PlayerID: "p3", CompanyID: "c2", Quantity: 6})
	f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c2", Quantity: 4})
	if _, err := f.eng.ResolveMarketOrders(context.Background(), "g1"); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n, _ := f.count(t, "c2", game.LocationOpenMarket, ""); n != 0 {
		t.Fatalf("open market should be empty, has %d", n)
	}

	buy := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c2", Quantity: 2, PhaseID: "ph-third"})
	sell := f.order(t, game.PlayerOrder{PlayerID: "p2", CompanyID: "c2", Quantity: 2, IsSell: true, PhaseID: "ph-third"})
	before := f.company(t, "c2")
	sum, err := f.eng.ResolveMarketOrders(context.Background(), "g1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.get(t, sell).Status; got != game.OrderFilled {
		t.Fatalf("sell got %s", got)
	}
	if got := f.get(t, buy); got.Status != game.OrderFilled || got.FilledQuantity != 2 {
		t.Fatalf("buy got %s/%d", got.Status, got.FilledQuantity)
	}
	if sum.Windows[0].NetQuantity != 0 {
		t.Fatalf("net got %d want 0", sum.Windows[0].NetQuantity)
	}
	after := f.company(t, "c2")
	if after.StockPrice != before.StockPrice || after.TierSharesFulfilled != before.TierSharesFulfilled {
		t.Fatalf("net zero moved price %d -> %d", before.StockPrice, after.StockPrice)
	}
}

func TestEarlierSubPhaseSettlesFirst(t *testing.T) {
	f := newFixture(t, nil)
	// p3 has the worse bid and priority, but its phase came first.
	late := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c2", Quantity: 6, Value: 99, PhaseID: "ph-b"})
	early := f.order(t, game.PlayerOrder{PlayerID: "p3", CompanyID: "c2", Quantity: 6, Value: 1, PhaseID: "ph-a"})
	ctx := context.Background()
	err := f.repo.WithTx(ctx, func(tx store.Tx) error {
		o, err := tx.Order(ctx, early)
		if err != nil {
			return err
		}
		o.CreatedAt = epoch.Add(-time.Hour)
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if _, err := f.eng.ResolveMarketOrders(ctx, "g1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.get(t, early); got.Status != game.OrderFilled || got.FilledQuantity != 6 {
		t.Fatalf("early got %s/%d", got.Status, got.FilledQuantity)
	}
	if got := f.get(t, late); got.FilledQuantity != 4 {
		t.Fatalf("late got %s/%d want 4 filled", got.Status, got.FilledQuantity)
	}
}

func TestOwnershipCapRejectsOrder(t *testing.T) {
	f := newFixture(t, nil)
	// BETA has 10 shares outstanding; 60% is 6.
	id := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c2", Quantity: 7})
	if _, err := f.eng.ResolveMarketOrders(context.Background(), "g1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got := f.get(t, id)
	if got.Status != game.OrderRejected || !strings.Contains(got.RejectReason, game.ErrOwnershipCap.Error()) {
		t.Fatalf("got %s %q", got.Status, got.RejectReason)
	}
	if cash := f.player(t, "p1").Cash; cash != 1000 {
		t.Fatalf("rejected order moved cash: %d", cash)
	}
}

func TestCertificateLimitRejectsOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.updateGame(t, func(g *game.Game) { g.CertificateLimit = 3 })
	f.shares(t, "c1", game.LocationPlayer, "p1", 2)
	id := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c2", Quantity: 2})
	if _, err := f.eng.ResolveMarketOrders(context.Background(), "g1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.get(t, id); !strings.Contains(got.RejectReason, game.ErrCertificateLimit.Error()) {
		t.Fatalf("got %s %q", got.Status, got.RejectReason)
	}
}

func TestIPOBuyPaysCompany(t *testing.T) {
	f := newFixture(t, nil)
	id := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c1", Quantity: 2, Location: game.LocationIPO})
	if _, err := f.eng.ResolveMarketOrders(context.Background(), "g1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.get(t, id).Status; got != game.OrderFilled {
		t.Fatalf("got %s", got)
	}
	if cash := f.company(t, "c1").Cash; cash != 80 {
		t.Fatalf("company cash got %d want 80 (2 at IPO price 40)", cash)
	}
	if cash := f.player(t, "p1").Cash; cash != 920 {
		t.Fatalf("player cash got %d", cash)
	}
	if n, _ := f.count(t, "c1", game.LocationIPO, ""); n != 8 {
		t.Fatalf("IPO left %d want 8", n)
	}
}

func TestInsufficientSharesRejectsSell(t *testing.T) {
	f := newFixture(t, nil)
	f.shares(t, "c2", game.LocationPlayer, "p1", 1)
	id := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c2", Quantity: 2, IsSell: true})
	if _, err := f.eng.ResolveMarketOrders(context.Background(), "g1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got := f.get(t, id)
	if got.Status != game.OrderRejected || !strings.Contains(got.RejectReason, game.ErrInsufficientShares.Error()) {
		t.Fatalf("got %s %q", got.Status, got.RejectReason)
	}
	if n, _ := f.count(t, "c2", game.LocationPlayer, "p1"); n != 1 {
		t.Fatalf("rejected sell moved shares: %d left", n)
	}
}

func TestNotTradableCompanyRejectsOrders(t *testing.T) {
	f := newFixture(t, nil)
	id := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c3", Quantity: 1})
	if _, err := f.eng.ResolveMarketOrders(context.Background(), "g1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.get(t, id); got.Status != game.OrderRejected {
		t.Fatalf("got %s", got.Status)
	}
	logs, err := f.repo.Logs(context.Background(), "g1", 10)
	if err != nil || len(logs) == 0 {
		t.Fatalf("expected a log line for the rejection, got %d (%v)", len(logs), err)
	}
}

func TestLimitOrdersCrossAndSettle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.shares(t, "c1", game.LocationPlayer, "p1", 8)
	f.shares(t, "c1", game.LocationPlayer, "p2", 2)
	buyLimit := f.order(t, game.PlayerOrder{PlayerID: "p3", CompanyID: "c1", Kind: game.OrderLimit, Quantity: 2, Value: 45})
	sellLimit := f.order(t, game.PlayerOrder{PlayerID: "p2", CompanyID: "c1", Kind: game.OrderLimit, Quantity: 2, Value: 60, IsSell: true})
	if _, err := f.eng.OpenLimitOrders(ctx, "g1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := f.get(t, buyLimit).Status; got != game.OrderOpen {
		t.Fatalf("limit after open got %s", got)
	}

	f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c1", Quantity: 8, IsSell: true})
	if _, err := f.eng.ResolveMarketOrders(ctx, "g1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// 8 net sold in GROWTH: 48 -> 45 -> 42.
	if c := f.company(t, "c1"); c.StockPrice != 42 {
		t.Fatalf("price got %d want 42", c.StockPrice)
	}
	if got := f.get(t, buyLimit).Status; got != game.OrderFilledPendingSettlement {
		t.Fatalf("crossed buy limit got %s", got)
	}
	if got := f.get(t, sellLimit).Status; got != game.OrderOpen {
		t.Fatalf("uncrossed sell limit got %s", got)
	}

	if _, err := f.eng.SettleLimitOrders(ctx, "g1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := f.get(t, buyLimit); got.Status != game.OrderFilled || got.FilledQuantity != 2 {
		t.Fatalf("settled limit got %s/%d", got.Status, got.FilledQuantity)
	}
	if cash := f.player(t, "p3").Cash; cash != 1000-2*45 {
		t.Fatalf("limit should settle at its own value, cash %d", cash)
	}
	if c := f.company(t, "c1"); c.StockPrice != 42 {
		t.Fatalf("limit settlement moved price to %d", c.StockPrice)
	}
}

func TestShortOpenAndCover(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c1", Kind: game.OrderShort, Quantity: 4})
	if _, err := f.eng.ResolveShortOrders(ctx, "g1"); err != nil {
		t.Fatalf("open shorts: %v", err)
	}
	o := f.get(t, id)
	if o.Status != game.OrderOpen || o.Strike != 48 || o.MarginHeld != 288 {
		t.Fatalf("short got %s strike %d margin %d", o.Status, o.Strike, o.MarginHeld)
	}
	p := f.player(t, "p1")
	if p.Cash != 904 || p.Margin != 288 {
		t.Fatalf("after open cash %d margin %d want 904/288", p.Cash, p.Margin)
	}
	if _, committed := f.count(t, "c1", game.LocationOpenMarket, ""); committed != 4 {
		t.Fatalf("pledged %d want 4", committed)
	}
	if c := f.company(t, "c1"); c.StockPrice != 45 {
		t.Fatalf("short should push price down, got %d", c.StockPrice)
	}

	if _, err := f.eng.RequestCover(ctx, "g1", "p2", id); !errors.Is(err, game.ErrUnauthorized) {
		t.Fatalf("cover by another player got %v", err)
	}
	if _, err := f.eng.RequestCover(ctx, "g1", "p1", id); err != nil {
		t.Fatalf("request cover: %v", err)
	}
	if _, err := f.eng.ResolveShortOrders(ctx, "g1"); err != nil {
		t.Fatalf("cover: %v", err)
	}
	o = f.get(t, id)
	if o.Status != game.OrderFilled || o.MarginHeld != 0 {
		t.Fatalf("covered short got %s margin %d", o.Status, o.MarginHeld)
	}
	p = f.player(t, "p1")
	// bought back at 45: 180 from margin, 108 released.
	if p.Cash != 1012 || p.Margin != 0 {
		t.Fatalf("after cover cash %d margin %d want 1012/0", p.Cash, p.Margin)
	}
	if _, committed := f.count(t, "c1", game.LocationOpenMarket, ""); committed != 0 {
		t.Fatalf("pledge not released: %d", committed)
	}
	if got := f.bank(t); got != 10000-192+180 {
		t.Fatalf("bank got %d", got)
	}
	if c := f.company(t, "c1"); c.StockPrice != 48 {
		t.Fatalf("cover should push price up, got %d", c.StockPrice)
	}
}

func TestShortInterestForcesCover(t *testing.T) {
	f := newFixture(t, func(r *config.Rules) { r.ShortInterestPct = decimal.NewFromInt(200) })
	ctx := context.Background()
	id := f.order(t, game.PlayerOrder{PlayerID: "p2", CompanyID: "c2", Kind: game.OrderShort, Quantity: 2})
	if _, err := f.eng.ResolveShortOrders(ctx, "g1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	// proceeds 40, initial margin 20.
	p := f.player(t, "p2")
	if p.Cash != 980 || p.Margin != 60 {
		t.Fatalf("after open cash %d margin %d", p.Cash, p.Margin)
	}
	f.adjust(t, game.PlayerEntity("p2"), -980)

	sum, err := f.eng.ChargeShortInterest(ctx, "g1")
	if err != nil {
		t.Fatalf("interest: %v", err)
	}
	if sum.Rejected != 1 {
		t.Fatalf("unpaid interest should be reported, got %+v", sum)
	}
	o := f.get(t, id)
	if !o.CoverRequested || o.MarginHeld != 0 || o.Status != game.OrderOpen {
		t.Fatalf("short got cover=%v margin=%d status=%s", o.CoverRequested, o.MarginHeld, o.Status)
	}
	if p := f.player(t, "p2"); p.Cash != 0 || p.Margin != 0 {
		t.Fatalf("balances cash %d margin %d", p.Cash, p.Margin)
	}
	if got := f.bank(t); got != 10000-40+60 {
		t.Fatalf("bank got %d", got)
	}
}

func TestShortInterestFromCash(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c1", Kind: game.OrderShort, Quantity: 4})
	if _, err := f.eng.ResolveShortOrders(ctx, "g1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.eng.ChargeShortInterest(ctx, "g1"); err != nil {
		t.Fatalf("interest: %v", err)
	}
	// 4 at 45 is 180; 5% is 9.
	if p := f.player(t, "p1"); p.Cash != 904-9 || p.Margin != 288 {
		t.Fatalf("cash %d margin %d", p.Cash, p.Margin)
	}
	if o := f.get(t, id); o.CoverRequested {
		t.Fatalf("paid interest should not force a cover")
	}
}

func TestOptionPremiumExerciseAndExpiry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	exercised := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c1", Kind: game.OrderOption, Location: game.LocationDerivative, Quantity: 2, Value: 5})
	lapsing := f.order(t, game.PlayerOrder{PlayerID: "p2", CompanyID: "c1", Kind: game.OrderOption, Location: game.LocationDerivative, Quantity: 1, Value: 5})
	if _, err := f.eng.ResolveOptionOrders(ctx, "g1"); err != nil {
		t.Fatalf("write options: %v", err)
	}
	o := f.get(t, exercised)
	if o.Status != game.OrderOpen || o.Strike != 48 || o.ExpiresTurn != 4 {
		t.Fatalf("option got %s strike %d expires %d", o.Status, o.Strike, o.ExpiresTurn)
	}
	if cash := f.player(t, "p1").Cash; cash != 990 {
		t.Fatalf("premium not charged, cash %d", cash)
	}

	if _, err := f.eng.RequestExercise(ctx, "g1", "p1", exercised); err != nil {
		t.Fatalf("request exercise: %v", err)
	}
	if _, err := f.eng.ResolvePendingOptions(ctx, "g1"); err != nil {
		t.Fatalf("exercise: %v", err)
	}
	if got := f.get(t, exercised).Status; got != game.OrderFilled {
		t.Fatalf("exercised option got %s", got)
	}
	if cash := f.player(t, "p1").Cash; cash != 990-96 {
		t.Fatalf("exercise cost, cash %d", cash)
	}
	if n, _ := f.count(t, "c1", game.LocationPlayer, "p1"); n != 2 {
		t.Fatalf("exercise delivered %d shares", n)
	}
	if c := f.company(t, "c1"); c.StockPrice != 48 {
		t.Fatalf("exercise moved price to %d", c.StockPrice)
	}
	if got := f.get(t, lapsing).Status; got != game.OrderOpen {
		t.Fatalf("unexpired option got %s", got)
	}

	f.updateGame(t, func(g *game.Game) { g.TurnNumber = 4 })
	sum, err := f.eng.ResolvePendingOptions(ctx, "g1")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if got := f.get(t, lapsing).Status; got != game.OrderExpired || sum.Expired != 1 {
		t.Fatalf("lapsed option got %s (expired %d)", got, sum.Expired)
	}
}

func TestFailedExerciseKeepsContractOpen(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c1", Kind: game.OrderOption, Location: game.LocationDerivative, Quantity: 2, Value: 5})
	if _, err := f.eng.ResolveOptionOrders(ctx, "g1"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := f.eng.RequestExercise(ctx, "g1", "p1", id); err != nil {
		t.Fatalf("request: %v", err)
	}
	f.adjust(t, game.PlayerEntity("p1"), -990)
	if _, err := f.eng.ResolvePendingOptions(ctx, "g1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	o := f.get(t, id)
	if o.Status != game.OrderOpen || o.ExerciseRequested {
		t.Fatalf("got %s requested=%v", o.Status, o.ExerciseRequested)
	}
}

// greedyOver hands every bid its full quantity regardless of supply.
type greedyOver struct{}

func (greedyOver) Kind() game.DistributionStrategy { return "OVER" }

func (greedyOver) Allocate(bids []distribution.Bid, _ int) []distribution.Fill {
	out := make([]distribution.Fill, 0, len(bids))
	for _, b := range bids {
		out = append(out, distribution.Fill{OrderID: b.OrderID, PlayerID: b.PlayerID, Quantity: b.Quantity})
	}
	return out
}

func TestOverAllocation(t *testing.T) {
	for _, mint := range []bool{false, true} {
		t.Run(fmt.Sprintf("mint=%v", mint), func(t *testing.T) {
			f := newFixture(t, func(r *config.Rules) { r.MintOnOversell = mint })
			ctx := context.Background()
			f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c2", Quantity: 6})
			f.order(t, game.PlayerOrder{PlayerID: "p2", CompanyID: "c2", Quantity: 6})
			orders, err := f.repo.Orders(ctx, store.OrderFilter{GameID: "g1", CompanyID: "c2"})
			if err != nil {
				t.Fatalf("orders: %v", err)
			}
			book, err := ledger.Load(ctx, f.repo, "g1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			company := f.company(t, "c2")
			res, batches, err := f.eng.ResolveSettlementWindow(book, &company, orders, greedyOver{}, WindowOptions{})
			if !mint {
				if !errors.Is(err, game.ErrOverAllocation) || !errors.Is(err, game.ErrInvariantViolation) {
					t.Fatalf("got %v want over-allocation invariant", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if err := f.eng.ledger.Commit(ctx, batches); err != nil {
				t.Fatalf("commit: %v", err)
			}
			if len(res.Filled) != 2 {
				t.Fatalf("filled %d want 2", len(res.Filled))
			}
			p1, _ := f.count(t, "c2", game.LocationPlayer, "p1")
			p2, _ := f.count(t, "c2", game.LocationPlayer, "p2")
			if p1 != 6 || p2 != 6 {
				t.Fatalf("holdings %d/%d want 6/6", p1, p2)
			}
		})
	}
}

func TestCreatePlayerOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o, err := f.eng.CreatePlayerOrder(ctx, OrderInput{GameID: "g1", PlayerID: "p1", CompanyID: "c1", Kind: "market", Quantity: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.Status != game.OrderPending || o.Location != game.LocationOpenMarket || o.StockRoundID != "r1" || o.SubRound != 1 || o.PhaseID != "ph-order" {
		t.Fatalf("order got %+v", o)
	}
	stored := f.get(t, o.ID)
	if stored.Kind != game.OrderMarket {
		t.Fatalf("stored kind %s", stored.Kind)
	}

	tests := []struct {
		name string
		in   OrderInput
		want error
	}{
		{"zero quantity", OrderInput{PlayerID: "p1", CompanyID: "c1", Kind: game.OrderMarket}, game.ErrInvalidOrder},
		{"limit without value", OrderInput{PlayerID: "p1", CompanyID: "c1", Kind: game.OrderLimit, Quantity: 1}, game.ErrInvalidOrder},
		{"limit from IPO", OrderInput{PlayerID: "p1", CompanyID: "c1", Kind: game.OrderLimit, Location: game.LocationIPO, Quantity: 1, Value: 40}, game.ErrInvalidOrder},
		{"unknown kind", OrderInput{PlayerID: "p1", CompanyID: "c1", Kind: "SWAP", Quantity: 1}, game.ErrInvalidOrder},
		{"short outside its window", OrderInput{PlayerID: "p1", CompanyID: "c1", Kind: game.OrderShort, Quantity: 1}, game.ErrPhaseClosed},
		{"option outside its window", OrderInput{PlayerID: "p1", CompanyID: "c1", Kind: game.OrderOption, Quantity: 1, Value: 2}, game.ErrPhaseClosed},
		{"unknown player", OrderInput{PlayerID: "zz", CompanyID: "c1", Kind: game.OrderMarket, Quantity: 1}, game.ErrNotFound},
		{"unknown company", OrderInput{PlayerID: "p1", CompanyID: "zz", Kind: game.OrderMarket, Quantity: 1}, game.ErrNotFound},
		{"inactive company", OrderInput{PlayerID: "p1", CompanyID: "c3", Kind: game.OrderMarket, Quantity: 1}, game.ErrCompanyNotTradable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.GameID = "g1"
			if _, err := f.eng.CreatePlayerOrder(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
		})
	}

	f.updateGame(t, func(g *game.Game) { g.Status = game.GameFinished })
	if _, err := f.eng.CreatePlayerOrder(ctx, OrderInput{GameID: "g1", PlayerID: "p1", CompanyID: "c1", Kind: game.OrderMarket, Quantity: 1}); !errors.Is(err, game.ErrGameFinished) {
		t.Fatalf("finished game got %v", err)
	}
}

func TestDisabledShortsAreRefused(t *testing.T) {
	f := newFixture(t, func(r *config.Rules) { r.ShortsEnabled = false })
	_, err := f.eng.CreatePlayerOrder(context.Background(), OrderInput{GameID: "g1", PlayerID: "p1", CompanyID: "c1", Kind: game.OrderShort, Quantity: 1})
	if !errors.Is(err, game.ErrInvalidOrder) {
		t.Fatalf("got %v", err)
	}
}

type captureBus struct{ events []string }

func (c *captureBus) Publish(gameID, event string, _ any) { c.events = append(c.events, gameID+" "+event) }

func TestResolutionPublishes(t *testing.T) {
	f := newFixture(t, nil)
	bus := &captureBus{}
	f.eng.bus = bus
	f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c1", Quantity: 1})
	if _, err := f.eng.ResolveMarketOrders(context.Background(), "g1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(bus.events) != 1 || bus.events[0] != "g1 "+EventOrdersResolved {
		t.Fatalf("events got %v", bus.events)
	}
}

func TestResolutionConservesSharesAndCash(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		strategy := rapid.SampledFrom([]game.DistributionStrategy{game.DistributionFair, game.DistributionBidPriority, game.DistributionPriority}).Draw(rt, "strategy")
		f := newFixture(rt, nil)
		f.updateGame(rt, func(g *game.Game) { g.Distribution = strategy })
		for _, p := range []string{"p1", "p2"} {
			f.shares(rt, "c1", game.LocationPlayer, p, 3)
			f.shares(rt, "c2", game.LocationPlayer, p, 3)
		}
		for _, p := range []string{"p1", "p2", "p3"} {
			f.adjust(rt, game.PlayerEntity(p), -rapid.Int64Range(0, 900).Draw(rt, "spend"))
		}
		ctx := context.Background()
		sharesBefore := map[string]int{}
		all, _ := f.repo.Shares(ctx, "g1")
		for _, s := range all {
			sharesBefore[s.CompanyID]++
		}
		cashBefore := f.totalCash(rt)

		n := rapid.IntRange(1, 12).Draw(rt, "orders")
		for i := 0; i < n; i++ {
			sell := rapid.Bool().Draw(rt, "sell")
			o := game.PlayerOrder{
				PlayerID:  rapid.SampledFrom([]string{"p1", "p2", "p3"}).Draw(rt, "player"),
				CompanyID: rapid.SampledFrom([]string{"c1", "c2"}).Draw(rt, "company"),
				Quantity:  rapid.IntRange(1, 6).Draw(rt, "qty"),
				Value:     rapid.Int64Range(0, 60).Draw(rt, "value"),
				IsSell:    sell,
				PhaseID:   rapid.SampledFrom([]string{"ph-a", "ph-b"}).Draw(rt, "phase"),
			}
			if !sell {
				o.Location = rapid.SampledFrom([]game.ShareLocation{game.LocationIPO, game.LocationOpenMarket}).Draw(rt, "location")
			}
			f.order(rt, o)
		}
		if _, err := f.eng.ResolveMarketOrders(ctx, "g1"); err != nil {
			rt.Fatalf("resolve: %v", err)
		}

		sharesAfter := map[string]int{}
		all, _ = f.repo.Shares(ctx, "g1")
		for _, s := range all {
			sharesAfter[s.CompanyID]++
			if !s.Consistent() {
				rt.Fatalf("share %s inconsistent: %+v", s.ID, s)
			}
		}
		for c, want := range sharesBefore {
			if sharesAfter[c] != want {
				rt.Fatalf("company %s shares %d -> %d", c, want, sharesAfter[c])
			}
		}
		if got := f.totalCash(rt); got != cashBefore {
			rt.Fatalf("cash not conserved: %d -> %d", cashBefore, got)
		}
		players, _ := f.repo.Players(ctx, "g1")
		for _, p := range players {
			if p.Cash < 0 || p.Margin < 0 {
				rt.Fatalf("player %s negative: cash %d margin %d", p.ID, p.Cash, p.Margin)
			}
		}
		companies, _ := f.repo.Companies(ctx, "g1")
		for _, c := range companies {
			if c.Cash < 0 {
				rt.Fatalf("company %s negative cash %d", c.ID, c.Cash)
			}
		}
		orders, _ := f.repo.Orders(ctx, store.OrderFilter{GameID: "g1"})
		for _, o := range orders {
			if !o.Status.Terminal() {
				rt.Fatalf("order %s left %s", o.ID, o.Status)
			}
			if o.FilledQuantity > o.Quantity {
				rt.Fatalf("order %s filled %d of %d", o.ID, o.FilledQuantity, o.Quantity)
			}
		}
	})
}

func (f *fixture) totalCash(t tb) int64 {
	t.Helper()
	ctx := context.Background()
	total := f.bank(t)
	players, _ := f.repo.Players(ctx, "g1")
	for _, p := range players {
		total += p.Cash + p.Margin
	}
	companies, _ := f.repo.Companies(ctx, "g1")
	for _, c := range companies {
		total += c.Cash
	}
	return total
}

// coverRace runs hook once, the first time the engine loads a book.
type coverRace struct {
	*memory.Store
	hook func()
}

func (c *coverRace) Shares(ctx context.Context, gameID string) ([]game.Share, error) {
	if hook := c.hook; hook != nil {
		c.hook = nil
		hook()
	}
	return c.Store.Shares(ctx, gameID)
}

func TestShortInterestKeepsConcurrentCover(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c1", Kind: game.OrderShort, Quantity: 4})
	if _, err := f.eng.ResolveShortOrders(ctx, "g1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	race := &coverRace{Store: f.repo}
	race.hook = func() {
		if _, err := f.eng.RequestCover(ctx, "g1", "p1", id); err != nil {
			t.Errorf("request cover: %v", err)
		}
	}
	eng, err := New(race, Options{Rules: config.DefaultRules(), Random: distribution.NewLockedSource(1)})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	eng.SetClock(func() time.Time { return epoch })
	if _, err := eng.ChargeShortInterest(ctx, "g1"); err != nil {
		t.Fatalf("interest: %v", err)
	}
	o := f.get(t, id)
	if !o.CoverRequested || o.Status != game.OrderOpen {
		t.Fatalf("cover request lost: cover=%v status=%s", o.CoverRequested, o.Status)
	}
	if p := f.player(t, "p1"); p.Cash != 904-9 || p.Margin != 288 {
		t.Fatalf("cash %d margin %d", p.Cash, p.Margin)
	}
}

func TestLimitOrderCrossedWhenOpened(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	// ACME trades at 48 already.
	buy := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c1", Kind: game.OrderLimit, Quantity: 2, Value: 50})
	sell := f.order(t, game.PlayerOrder{PlayerID: "p2", CompanyID: "c1", Kind: game.OrderLimit, Quantity: 1, Value: 46, IsSell: true})
	resting := f.order(t, game.PlayerOrder{PlayerID: "p1", CompanyID: "c2", Kind: game.OrderLimit, Quantity: 1, Value: 15})
	f.shares(t, "c1", game.LocationPlayer, "p2", 1)
	if _, err := f.eng.OpenLimitOrders(ctx, "g1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, tc := range []struct {
		id   string
		want game.OrderStatus
	}{
		{buy, game.OrderFilledPendingSettlement},
		{sell, game.OrderFilledPendingSettlement},
		{resting, game.OrderOpen},
	} {
		if got := f.get(t, tc.id).Status; got != tc.want {
			t.Fatalf("order %s got %s want %s", tc.id, got, tc.want)
		}
	}

	if _, err := f.eng.SettleLimitOrders(ctx, "g1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := f.get(t, buy); got.Status != game.OrderFilled || got.FilledQuantity != 2 {
		t.Fatalf("settled buy got %s/%d", got.Status, got.FilledQuantity)
	}
	if cash := f.player(t, "p1").Cash; cash != 1000-2*50 {
		t.Fatalf("buy should settle at its limit, cash %d", cash)
	}
}
