package market

import (
	"context"

	"bourse/internal/game"
	"bourse/internal/ledger"
	"bourse/internal/store"
)

// ResolveMarketOrders settles the pending market orders of the current stock
// round. Companies go one after another; within a company each creating
// phase is its own window, earliest first.
func (e *Engine) ResolveMarketOrders(ctx context.Context, gameID string) (Summary, error) {
	sum := Summary{GameID: gameID, Phase: game.PhaseStockResolveMarket}
	g, err := e.repo.Game(ctx, gameID)
	if err != nil {
		return sum, err
	}
	strategy, err := e.strategy(g.Distribution)
	if err != nil {
		return sum, err
	}
	orders, err := e.repo.Orders(ctx, store.OrderFilter{
		GameID:       gameID,
		StockRoundID: g.CurrentStockRoundID,
		Kinds:        []game.OrderKind{game.OrderMarket},
		Statuses:     []game.OrderStatus{game.OrderPending},
	})
	if err != nil {
		return sum, err
	}
	if g.CurrentStockRoundID == "" {
		orders = nil
	}

	err = e.forEachCompany(ctx, gameID, orders, func(book *ledger.Book, company *game.Company, own []game.PlayerOrder) ([]*ledger.Batch, error) {
		if !company.Tradable() {
			return e.rejectAll(book, company, own, game.ErrCompanyNotTradable), nil
		}
		var batches []*ledger.Batch
		stepped := false
		for _, window := range subPhases(own) {
			res, out, err := e.ResolveSettlementWindow(book, company, window, strategy, WindowOptions{CertificateLimit: g.CertificateLimit})
			if err != nil {
				return nil, err
			}
			sum.add(res)
			batches = append(batches, out...)
			stepped = stepped || res.NetQuantity != 0
		}
		if stepped {
			cross, err := e.crossLimitOrders(ctx, gameID, company)
			if err != nil {
				return nil, err
			}
			batches = append(batches, cross)
		}
		return batches, nil
	})
	if err != nil {
		return sum, err
	}
	e.publish(sum)
	return sum, nil
}

// crossLimitOrders flags OPEN limit orders the company's new price reached:
// buy limits at or above the price, sell limits at or below it.
func (e *Engine) crossLimitOrders(ctx context.Context, gameID string, company *game.Company) (*ledger.Batch, error) {
	open, err := e.repo.Orders(ctx, store.OrderFilter{
		GameID:    gameID,
		CompanyID: company.ID,
		Kinds:     []game.OrderKind{game.OrderLimit},
		Statuses:  []game.OrderStatus{game.OrderOpen},
	})
	if err != nil {
		return nil, err
	}
	batch := &ledger.Batch{Label: "limit-cross " + company.ID}
	for _, o := range open {
		if !limitCrossed(o, company.StockPrice) {
			continue
		}
		o.Status = game.OrderFilledPendingSettlement
		e.stamp(&o)
		batch.Orders = append(batch.Orders, o)
	}
	return batch, nil
}

// limitCrossed reports whether price reached o: buy limits at or above it,
// sell limits at or below it.
func limitCrossed(o game.PlayerOrder, price int64) bool {
	if o.IsSell {
		return price >= o.Value
	}
	return price <= o.Value
}

// OpenLimitOrders moves the round's pending limit orders onto the book. An
// order the current price already reached is flagged straight away.
func (e *Engine) OpenLimitOrders(ctx context.Context, gameID string) (Summary, error) {
	sum := Summary{GameID: gameID, Phase: game.PhaseStockOpenLimitOrders}
	pending, err := e.repo.Orders(ctx, store.OrderFilter{
		GameID:   gameID,
		Kinds:    []game.OrderKind{game.OrderLimit},
		Statuses: []game.OrderStatus{game.OrderPending},
	})
	if err != nil || len(pending) == 0 {
		return sum, err
	}
	book, err := ledger.Load(ctx, e.repo, gameID)
	if err != nil {
		return sum, err
	}
	book.SetClock(e.now)
	companies, err := e.repo.Companies(ctx, gameID)
	if err != nil {
		return sum, err
	}
	prices := make(map[string]int64, len(companies))
	for _, c := range companies {
		prices[c.ID] = c.StockPrice
	}
	batch := &ledger.Batch{Label: "open-limits"}
	crossed := 0
	for _, o := range pending {
		o.Status = game.OrderOpen
		if price, ok := prices[o.CompanyID]; ok && limitCrossed(o, price) {
			o.Status = game.OrderFilledPendingSettlement
			crossed++
		}
		e.stamp(&o)
		batch.Orders = append(batch.Orders, o)
	}
	book.Log(batch, "%d limit order(s) opened, %d already crossed", len(pending), crossed)
	if err := e.ledger.Commit(ctx, []*ledger.Batch{batch}); err != nil {
		return sum, err
	}
	e.publish(sum)
	return sum, nil
}

// SettleLimitOrders settles limit orders flagged by an earlier price move at
// their own limit value. Settlement does not move the price again.
func (e *Engine) SettleLimitOrders(ctx context.Context, gameID string) (Summary, error) {
	sum := Summary{GameID: gameID, Phase: game.PhaseStockResolveLimit}
	g, err := e.repo.Game(ctx, gameID)
	if err != nil {
		return sum, err
	}
	strategy, err := e.strategy(g.Distribution)
	if err != nil {
		return sum, err
	}
	orders, err := e.repo.Orders(ctx, store.OrderFilter{
		GameID:   gameID,
		Kinds:    []game.OrderKind{game.OrderLimit},
		Statuses: []game.OrderStatus{game.OrderFilledPendingSettlement},
	})
	if err != nil {
		return sum, err
	}
	err = e.forEachCompany(ctx, gameID, orders, func(book *ledger.Book, company *game.Company, own []game.PlayerOrder) ([]*ledger.Batch, error) {
		if !company.Tradable() {
			return e.rejectAll(book, company, own, game.ErrCompanyNotTradable), nil
		}
		var batches []*ledger.Batch
		for _, window := range subPhases(own) {
			res, out, err := e.ResolveSettlementWindow(book, company, window, strategy, WindowOptions{
				PriceFor:         func(o game.PlayerOrder) int64 { return o.Value },
				NoStep:           true,
				CertificateLimit: g.CertificateLimit,
			})
			if err != nil {
				return nil, err
			}
			sum.add(res)
			batches = append(batches, out...)
		}
		return batches, nil
	})
	if err != nil {
		return sum, err
	}
	e.publish(sum)
	return sum, nil
}

func (e *Engine) rejectAll(book *ledger.Book, company *game.Company, orders []game.PlayerOrder, cause error) []*ledger.Batch {
	res := WindowResult{CompanyID: company.ID}
	batch := &ledger.Batch{Label: "reject " + company.ID}
	for _, o := range orders {
		e.reject(book, batch, &res, o, cause)
	}
	return []*ledger.Batch{batch}
}
