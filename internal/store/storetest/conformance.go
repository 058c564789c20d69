// Package storetest holds the behaviour every store.Repository must share.
// Each implementation runs Run from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"bourse/internal/game"
	"bourse/internal/store"
)

// Run exercises a fresh repository per subtest.
func Run(t *testing.T, open func(t *testing.T) store.Repository) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, repo store.Repository)
	}{
		{"RoundTripsTheGameGraph", roundTripsTheGameGraph},
		{"UpdateGameKeepsBankPool", updateGameKeepsBankPool},
		{"AdjustCashGuardsBalances", adjustCashGuardsBalances},
		{"FailedTxLeavesNothingBehind", failedTxLeavesNothingBehind},
		{"OrdersFilterAndOrdering", ordersFilterAndOrdering},
		{"SharesStayConsistent", sharesStayConsistent},
		{"HistoryNewestFirst", historyNewestFirst},
		{"MissingRowsAreNotFound", missingRowsAreNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

var epoch = time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

func seed(t *testing.T, repo store.Repository) {
	t.Helper()
	ctx := context.Background()
	err := repo.WithTx(ctx, func(tx store.Tx) error {
		g := game.Game{
			ID: "g1", Name: "seeded", Status: game.GameActive, TurnNumber: 1,
			BankPool: 1000, Distribution: game.DistributionFair, Mechanics: game.MechanicsLegacy,
			CertificateLimit: 10, MaxTurns: 5, CreatedAt: epoch,
		}
		if err := tx.InsertGame(ctx, g); err != nil {
			return err
		}
		if err := tx.InsertPlayers(ctx, []game.Player{
			{ID: "p2", GameID: "g1", Name: "bob", Cash: 50, Priority: 2},
			{ID: "p1", GameID: "g1", Name: "alice", Cash: 100, Priority: 1},
		}); err != nil {
			return err
		}
		return tx.InsertCompanies(ctx, []game.Company{
			{ID: "c2", GameID: "g1", Name: "Zed", Symbol: "ZED", StockPrice: 20, IPOPrice: 20, StockTier: "STARTUP", Status: game.CompanyActive},
			{ID: "c1", GameID: "g1", Name: "Acme", Symbol: "ACME", StockPrice: 39, IPOPrice: 39, StockTier: "GROWTH", Cash: 50, Status: game.CompanyActive},
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func roundTripsTheGameGraph(t *testing.T, repo store.Repository) {
	seed(t, repo)
	ctx := context.Background()
	started := epoch.Add(time.Minute)
	err := repo.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertTurn(ctx, game.Turn{ID: "t1", GameID: "g1", Number: 1, CreatedAt: epoch}); err != nil {
			return err
		}
		if err := tx.InsertRound(ctx, game.Round{ID: "r1", GameID: "g1", TurnID: "t1", Kind: game.RoundStock, SubRound: 1, CreatedAt: epoch}); err != nil {
			return err
		}
		if err := tx.UpdateRound(ctx, game.Round{ID: "r1", GameID: "g1", TurnID: "t1", Kind: game.RoundStock, SubRound: 2, CreatedAt: epoch}); err != nil {
			return err
		}
		p := game.Phase{
			ID: "ph1", GameID: "g1", TurnID: "t1", Name: game.PhaseStockActionOrder,
			RoundID: "r1", RoundKind: game.RoundStock, SubRound: 2, CompanyID: "c1",
			Duration: 90 * time.Second, CreatedAt: epoch,
		}
		if err := tx.InsertPhase(ctx, p); err != nil {
			return err
		}
		return tx.StampPhaseStart(ctx, "ph1", started)
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	g, err := repo.Game(ctx, "g1")
	if err != nil || g.Name != "seeded" || g.BankPool != 1000 || g.Mechanics != game.MechanicsLegacy || !g.CreatedAt.Equal(epoch) {
		t.Fatalf("game got %+v %v", g, err)
	}
	active, err := repo.ActiveGames(ctx)
	if err != nil || len(active) != 1 || active[0].ID != "g1" {
		t.Fatalf("active got %v %v", active, err)
	}
	turn, err := repo.Turn(ctx, "t1")
	if err != nil || turn.Number != 1 {
		t.Fatalf("turn got %+v %v", turn, err)
	}
	rd, err := repo.Round(ctx, "r1")
	if err != nil || rd.SubRound != 2 || rd.Kind != game.RoundStock {
		t.Fatalf("round got %+v %v", rd, err)
	}
	p, err := repo.Phase(ctx, "ph1")
	if err != nil || p.Duration != 90*time.Second || p.StartedAt == nil || !p.StartedAt.Equal(started) || p.CompanyID != "c1" {
		t.Fatalf("phase got %+v %v", p, err)
	}
	players, err := repo.Players(ctx, "g1")
	if err != nil || len(players) != 2 || players[0].ID != "p1" {
		t.Fatalf("players should sort by priority, got %+v %v", players, err)
	}
	companies, err := repo.Companies(ctx, "g1")
	if err != nil || len(companies) != 2 || companies[0].Symbol != "ACME" {
		t.Fatalf("companies should sort by symbol, got %+v %v", companies, err)
	}

	err = repo.WithTx(ctx, func(tx store.Tx) error {
		c := companies[0]
		c.StockPrice = 42
		c.Cash = 999999
		c.Status = game.CompanyInsolvent
		return tx.UpdateCompany(ctx, c)
	})
	if err != nil {
		t.Fatalf("update company: %v", err)
	}
	companies, _ = repo.Companies(ctx, "g1")
	if companies[0].StockPrice != 42 || companies[0].Cash != 50 || companies[0].Status != game.CompanyInsolvent {
		t.Fatalf("company update should keep cash, got %+v", companies[0])
	}
}

func updateGameKeepsBankPool(t *testing.T, repo store.Repository) {
	seed(t, repo)
	ctx := context.Background()
	err := repo.WithTx(ctx, func(tx store.Tx) error {
		g, err := tx.Game(ctx, "g1")
		if err != nil {
			return err
		}
		if err := tx.AdjustCash(ctx, game.Bank("g1"), -300); err != nil {
			return err
		}
		g.Paused = true
		g.TurnNumber = 2
		return tx.UpdateGame(ctx, g)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	g, _ := repo.Game(ctx, "g1")
	if g.BankPool != 700 || !g.Paused || g.TurnNumber != 2 {
		t.Fatalf("game got %+v", g)
	}
}

func adjustCashGuardsBalances(t *testing.T, repo store.Repository) {
	seed(t, repo)
	ctx := context.Background()
	for _, ref := range []game.EntityRef{game.PlayerEntity("p1"), game.CompanyEntity("c1"), game.MarginEntity("p1")} {
		err := repo.WithTx(ctx, func(tx store.Tx) error {
			return tx.AdjustCash(ctx, ref, -1000)
		})
		if !errors.Is(err, game.ErrNegativeBalance) {
			t.Fatalf("%s overdraft got %v", ref, err)
		}
	}
	if err := repo.WithTx(ctx, func(tx store.Tx) error {
		return tx.AdjustCash(ctx, game.OpenMarket("g1"), 1)
	}); !errors.Is(err, game.ErrInvariantViolation) {
		t.Fatalf("open market cash got %v", err)
	}
	if err := repo.WithTx(ctx, func(tx store.Tx) error {
		return tx.AdjustCash(ctx, game.PlayerEntity("ghost"), 1)
	}); !errors.Is(err, game.ErrNotFound) {
		t.Fatalf("ghost player got %v", err)
	}

	err := repo.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.AdjustCash(ctx, game.PlayerEntity("p1"), -40); err != nil {
			return err
		}
		if err := tx.AdjustCash(ctx, game.MarginEntity("p1"), 40); err != nil {
			return err
		}
		return tx.AdjustCash(ctx, game.Bank("g1"), -5000)
	})
	if err != nil {
		t.Fatalf("valid moves: %v", err)
	}
	players, _ := repo.Players(ctx, "g1")
	if players[0].Cash != 60 || players[0].Margin != 40 {
		t.Fatalf("player got %+v", players[0])
	}
	g, _ := repo.Game(ctx, "g1")
	if g.BankPool != -4000 {
		t.Fatalf("bank may run dry, got %d", g.BankPool)
	}
}

func failedTxLeavesNothingBehind(t *testing.T, repo store.Repository) {
	seed(t, repo)
	ctx := context.Background()
	boom := errors.New("boom")
	err := repo.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.AdjustCash(ctx, game.PlayerEntity("p1"), -40); err != nil {
			return err
		}
		if err := tx.InsertLogs(ctx, []game.LogEntry{{ID: "l1", GameID: "g1", Message: "lost", CreatedAt: epoch}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	players, _ := repo.Players(ctx, "g1")
	if players[0].Cash != 100 {
		t.Fatalf("cash got %d want 100", players[0].Cash)
	}
	if logs, _ := repo.Logs(ctx, "g1", 0); len(logs) != 0 {
		t.Fatalf("logs leaked: %v", logs)
	}
}

func ordersFilterAndOrdering(t *testing.T, repo store.Repository) {
	seed(t, repo)
	ctx := context.Background()
	orders := []game.PlayerOrder{
		{ID: "o3", PlayerID: "p1", CompanyID: "c1", Kind: game.OrderMarket, Status: game.OrderPending, SubRound: 1, CreatedAt: epoch.Add(2 * time.Second)},
		{ID: "o1", PlayerID: "p2", CompanyID: "c1", Kind: game.OrderLimit, Status: game.OrderOpen, SubRound: 1, CreatedAt: epoch},
		{ID: "o2", PlayerID: "p1", CompanyID: "c2", Kind: game.OrderShort, Status: game.OrderOpen, SubRound: 2, CoverRequested: true, CreatedAt: epoch},
	}
	err := repo.WithTx(ctx, func(tx store.Tx) error {
		for _, o := range orders {
			o.GameID = "g1"
			o.PhaseID = "ph1"
			o.StockRoundID = "r1"
			o.Location = game.LocationOpenMarket
			o.Quantity = 2
			o.UpdatedAt = o.CreatedAt
			if err := tx.InsertOrder(ctx, o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	ids := func(f store.OrderFilter) string {
		t.Helper()
		got, err := repo.Orders(ctx, f)
		if err != nil {
			t.Fatalf("orders: %v", err)
		}
		out := ""
		for _, o := range got {
			out += o.ID
		}
		return out
	}
	tests := []struct {
		name string
		f    store.OrderFilter
		want string
	}{
		{"all", store.OrderFilter{GameID: "g1"}, "o1o2o3"},
		{"player", store.OrderFilter{GameID: "g1", PlayerID: "p1"}, "o2o3"},
		{"company", store.OrderFilter{GameID: "g1", CompanyID: "c1"}, "o1o3"},
		{"statuses", store.OrderFilter{GameID: "g1", Statuses: []game.OrderStatus{game.OrderOpen}}, "o1o2"},
		{"kinds", store.OrderFilter{GameID: "g1", Kinds: []game.OrderKind{game.OrderMarket, game.OrderShort}}, "o2o3"},
		{"sub round", store.OrderFilter{GameID: "g1", SubRound: 2}, "o2"},
		{"cover", store.OrderFilter{GameID: "g1", CoverRequested: true}, "o2"},
		{"other game", store.OrderFilter{GameID: "g2"}, ""},
	}
	for _, tc := range tests {
		if got := ids(tc.f); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}

	err = repo.WithTx(ctx, func(tx store.Tx) error {
		o, err := tx.Order(ctx, "o3")
		if err != nil {
			return err
		}
		o.Status = game.OrderFilled
		o.FilledQuantity = 2
		o.Value = 78
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	o, err := repo.Order(ctx, "o3")
	if err != nil || o.Status != game.OrderFilled || o.Value != 78 || o.FilledQuantity != 2 {
		t.Fatalf("order got %+v %v", o, err)
	}
}

func sharesStayConsistent(t *testing.T, repo store.Repository) {
	seed(t, repo)
	ctx := context.Background()
	err := repo.WithTx(ctx, func(tx store.Tx) error {
		var shares []game.Share
		for i := range 3 {
			shares = append(shares, game.Share{ID: fmt.Sprintf("s%d", i), GameID: "g1", CompanyID: "c1", Location: game.LocationIPO})
		}
		return tx.InsertShares(ctx, shares)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	bad := []game.Share{
		{ID: "s0", GameID: "g1", CompanyID: "c1", Location: game.LocationPlayer},
		{ID: "s0", GameID: "g1", CompanyID: "c1", Location: game.LocationIPO, PlayerID: "p1"},
		{ID: "s0", GameID: "g1", CompanyID: "c2", Location: game.LocationIPO},
	}
	for _, sh := range bad {
		err := repo.WithTx(ctx, func(tx store.Tx) error { return tx.UpdateShares(ctx, []game.Share{sh}) })
		if !errors.Is(err, game.ErrInvariantViolation) {
			t.Fatalf("update %+v got %v", sh, err)
		}
	}
	err = repo.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpdateShares(ctx, []game.Share{{ID: "s1", GameID: "g1", CompanyID: "c1", Location: game.LocationPlayer, PlayerID: "p1", Price: 39}})
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	shares, _ := repo.Shares(ctx, "g1")
	if len(shares) != 3 || shares[1].PlayerID != "p1" || shares[1].Price != 39 || shares[0].Location != game.LocationIPO {
		t.Fatalf("shares got %+v", shares)
	}
}

func historyNewestFirst(t *testing.T, repo store.Repository) {
	seed(t, repo)
	ctx := context.Background()
	for i := range 3 {
		err := repo.WithTx(ctx, func(tx store.Tx) error {
			at := epoch.Add(time.Duration(i) * time.Second)
			if err := tx.InsertTransactions(ctx, []game.Transaction{{
				ID: fmt.Sprintf("x%d", i), GroupID: "grp", GameID: "g1",
				From: game.PlayerEntity("p1"), To: game.OpenMarket("g1"),
				Amount: int64(i + 1), Shares: 1, CompanyID: "c1", Type: game.TxBuyShares, CreatedAt: at,
			}}); err != nil {
				return err
			}
			return tx.InsertLogs(ctx, []game.LogEntry{{ID: fmt.Sprintf("l%d", i), GameID: "g1", Message: "m", CreatedAt: at}})
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	txs, err := repo.Transactions(ctx, "g1", 2)
	if err != nil || len(txs) != 2 || txs[0].ID != "x2" || txs[1].ID != "x1" {
		t.Fatalf("transactions got %+v %v", txs, err)
	}
	if txs[0].From != game.PlayerEntity("p1") || txs[0].To != game.OpenMarket("g1") || txs[0].Type != game.TxBuyShares {
		t.Fatalf("transaction refs got %+v", txs[0])
	}
	logs, err := repo.Logs(ctx, "g1", 0)
	if err != nil || len(logs) != 3 || logs[0].ID != "l2" {
		t.Fatalf("logs got %+v %v", logs, err)
	}
}

func missingRowsAreNotFound(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	checks := map[string]func() error{
		"game":  func() error { _, err := repo.Game(ctx, "nope"); return err },
		"turn":  func() error { _, err := repo.Turn(ctx, "nope"); return err },
		"round": func() error { _, err := repo.Round(ctx, "nope"); return err },
		"phase": func() error { _, err := repo.Phase(ctx, "nope"); return err },
		"order": func() error { _, err := repo.Order(ctx, "nope"); return err },
		"update game": func() error {
			return repo.WithTx(ctx, func(tx store.Tx) error { return tx.UpdateGame(ctx, game.Game{ID: "nope"}) })
		},
		"stamp phase": func() error {
			return repo.WithTx(ctx, func(tx store.Tx) error { return tx.StampPhaseStart(ctx, "nope", epoch) })
		},
	}
	for name, check := range checks {
		if err := check(); !errors.Is(err, game.ErrNotFound) {
			t.Fatalf("%s got %v", name, err)
		}
	}
}
