package market

import (
	"context"
	"errors"
	"fmt"

	"bourse/internal/game"
	"bourse/internal/ledger"
	"bourse/internal/store"

	"github.com/shopspring/decimal"
)

// percentOf is ceil(amount * pct / 100).
func percentOf(amount int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(pct).Div(decimal.NewFromInt(100)).Ceil().IntPart()
}

// ResolveShortOrders closes cover-requested shorts first, then opens the
// pending ones. Opening pledges open-market shares, credits the proceeds and
// the initial margin to the player's margin account; covering buys the
// position back from margin, then cash, and releases what margin is left.
// The net of opened and covered quantity moves the price once per company.
func (e *Engine) ResolveShortOrders(ctx context.Context, gameID string) (Summary, error) {
	sum := Summary{GameID: gameID, Phase: game.PhaseStockResolveShort}
	covers, err := e.repo.Orders(ctx, store.OrderFilter{
		GameID:         gameID,
		Kinds:          []game.OrderKind{game.OrderShort},
		Statuses:       []game.OrderStatus{game.OrderOpen},
		CoverRequested: true,
	})
	if err != nil {
		return sum, err
	}
	opens, err := e.repo.Orders(ctx, store.OrderFilter{
		GameID:   gameID,
		Kinds:    []game.OrderKind{game.OrderShort},
		Statuses: []game.OrderStatus{game.OrderPending},
	})
	if err != nil {
		return sum, err
	}

	err = e.forEachCompany(ctx, gameID, append(covers, opens...), func(book *ledger.Book, company *game.Company, own []game.PlayerOrder) ([]*ledger.Batch, error) {
		res := WindowResult{CompanyID: company.ID, PriceBefore: company.StockPrice, PriceAfter: company.StockPrice}
		price := company.StockPrice
		var batches []*ledger.Batch
		for _, o := range own {
			if o.Status == game.OrderOpen {
				batch := &ledger.Batch{Label: "cover " + o.ID}
				if err := e.cover(book, batch, company, o, price); err != nil {
					e.log.Info("cover failed", "game_id", gameID, "order_id", o.ID, "err", err)
					book.Log(batch, "player %s could not cover short %s: %v", o.PlayerID, o.ID, err)
					res.Rejected = append(res.Rejected, Rejection{OrderID: o.ID, PlayerID: o.PlayerID, Quantity: o.Quantity, Reason: err.Error()})
				} else {
					res.Filled = append(res.Filled, OrderFill{OrderID: o.ID, PlayerID: o.PlayerID, Quantity: o.Quantity, Price: price})
					res.NetQuantity += o.Quantity
				}
				batches = append(batches, batch)
			}
		}
		for _, o := range own {
			if o.Status != game.OrderPending {
				continue
			}
			batch := &ledger.Batch{Label: "short " + o.ID}
			if !company.Tradable() {
				e.reject(book, batch, &res, o, game.ErrCompanyNotTradable)
			} else if err := e.openShort(book, batch, company, o, price); err != nil {
				e.reject(book, batch, &res, o, err)
			} else {
				res.Filled = append(res.Filled, OrderFill{OrderID: o.ID, PlayerID: o.PlayerID, Quantity: o.Quantity, Price: price})
				res.NetQuantity -= o.Quantity
			}
			batches = append(batches, batch)
		}
		if res.NetQuantity != 0 {
			move := e.track.Step(company.StockPrice, res.NetQuantity, company.TierSharesFulfilled)
			company.StockPrice, company.TierSharesFulfilled, company.StockTier = move.Price, move.Remainder, move.Tier
			res.PriceAfter, res.Steps = move.Price, move.Steps
			batches = append(batches, &ledger.Batch{Label: "price " + company.ID, Companies: []game.Company{*company}})
		}
		sum.add(res)
		return batches, nil
	})
	if err != nil {
		return sum, err
	}
	e.publish(sum)
	return sum, nil
}

func (e *Engine) openShort(book *ledger.Book, batch *ledger.Batch, company *game.Company, o game.PlayerOrder, price int64) error {
	proceeds, err := game.Notional(price, o.Quantity)
	if err != nil {
		return err
	}
	initial := percentOf(proceeds, e.rules.ShortMarginPct)
	err = book.Try(batch, func(b *ledger.Batch) error {
		if err := book.Pledge(b, company.ID, ledger.OpenMarketHolder, o.Quantity, true); err != nil {
			return err
		}
		if err := book.Transfer(b, game.PlayerEntity(o.PlayerID), game.MarginEntity(o.PlayerID), initial, game.TxMarginDeposit, company.ID, "short margin "+company.Symbol); err != nil {
			return err
		}
		return book.Transfer(b, game.Bank(book.GameID), game.MarginEntity(o.PlayerID), proceeds, game.TxShortOpen, company.ID, "short proceeds "+company.Symbol)
	})
	if err != nil {
		return err
	}
	o.Status = game.OrderOpen
	o.FilledQuantity = o.Quantity
	o.Strike = price
	o.MarginHeld = proceeds + initial
	e.stamp(&o)
	batch.Orders = append(batch.Orders, o)
	book.Log(batch, "player %s shorted %d %s at %d", o.PlayerID, o.Quantity, company.Symbol, price)
	return nil
}

func (e *Engine) cover(book *ledger.Book, batch *ledger.Batch, company *game.Company, o game.PlayerOrder, price int64) error {
	cost, err := game.Notional(price, o.Quantity)
	if err != nil {
		return err
	}
	margin := game.MarginEntity(o.PlayerID)
	fromMargin := min(cost, o.MarginHeld, book.Balance(margin))
	fromCash := cost - fromMargin
	err = book.Try(batch, func(b *ledger.Batch) error {
		if err := book.Transfer(b, margin, game.Bank(book.GameID), fromMargin, game.TxShortCover, company.ID, "cover "+company.Symbol); err != nil {
			return err
		}
		if err := book.Transfer(b, game.PlayerEntity(o.PlayerID), game.Bank(book.GameID), fromCash, game.TxShortCover, company.ID, "cover "+company.Symbol); err != nil {
			return err
		}
		if err := book.Pledge(b, company.ID, ledger.OpenMarketHolder, o.Quantity, false); err != nil {
			return game.Invariant("short %s pledged shares missing: %v", o.ID, err)
		}
		release := min(o.MarginHeld-fromMargin, book.Balance(margin))
		if release > 0 {
			return book.Transfer(b, margin, game.PlayerEntity(o.PlayerID), release, game.TxMarginRelease, company.ID, "margin release "+company.Symbol)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, game.ErrInvariantViolation) {
			return err
		}
		return fmt.Errorf("cover %s: %w", company.Symbol, err)
	}
	o.Status = game.OrderFilled
	o.MarginHeld = 0
	o.CoverRequested = false
	e.stamp(&o)
	batch.Orders = append(batch.Orders, o)
	book.Log(batch, "player %s covered %d %s at %d", o.PlayerID, o.Quantity, company.Symbol, price)
	return nil
}

// ChargeShortInterest bills every open short a percentage of its current
// value, from cash first and margin second. A position that cannot pay in
// full is flagged for a forced cover.
func (e *Engine) ChargeShortInterest(ctx context.Context, gameID string) (Summary, error) {
	sum := Summary{GameID: gameID, Phase: game.PhaseStockShortInterest}
	open, err := e.repo.Orders(ctx, store.OrderFilter{
		GameID:   gameID,
		Kinds:    []game.OrderKind{game.OrderShort},
		Statuses: []game.OrderStatus{game.OrderOpen},
	})
	if err != nil {
		return sum, err
	}
	err = e.forEachCompany(ctx, gameID, open, func(book *ledger.Book, company *game.Company, own []game.PlayerOrder) ([]*ledger.Batch, error) {
		res := WindowResult{CompanyID: company.ID, PriceBefore: company.StockPrice, PriceAfter: company.StockPrice}
		var batches []*ledger.Batch
		for _, o := range own {
			value, err := game.Notional(company.StockPrice, o.Quantity)
			if err != nil {
				return nil, err
			}
			due := percentOf(value, e.rules.ShortInterestPct)
			if due == 0 {
				continue
			}
			batch := &ledger.Batch{Label: "interest " + o.ID}
			cash := game.PlayerEntity(o.PlayerID)
			margin := game.MarginEntity(o.PlayerID)
			fromCash := min(due, book.Balance(cash))
			fromMargin := min(due-fromCash, book.Balance(margin))
			if err := book.Transfer(batch, cash, game.Bank(gameID), fromCash, game.TxShortInterest, company.ID, "short interest "+company.Symbol); err != nil {
				return nil, err
			}
			if err := book.Transfer(batch, margin, game.Bank(gameID), fromMargin, game.TxShortInterest, company.ID, "short interest "+company.Symbol); err != nil {
				return nil, err
			}
			unpaid := due - fromCash - fromMargin
			if unpaid > 0 {
				book.Log(batch, "player %s short %s owes %d interest it cannot pay; forced cover", o.PlayerID, o.ID, unpaid)
				res.Rejected = append(res.Rejected, Rejection{OrderID: o.ID, PlayerID: o.PlayerID, Quantity: o.Quantity, Reason: "interest unpaid"})
			} else {
				res.Filled = append(res.Filled, OrderFill{OrderID: o.ID, PlayerID: o.PlayerID, Quantity: o.Quantity, Price: due})
			}
			// a cover the player requested meanwhile must not be lost
			batch.Patches = append(batch.Patches, ledger.OrderPatch{ID: o.ID, Apply: func(stored *game.PlayerOrder) {
				stored.MarginHeld = max(0, stored.MarginHeld-fromMargin)
				stored.CoverRequested = stored.CoverRequested || unpaid > 0
				e.stamp(stored)
			}})
			batches = append(batches, batch)
		}
		sum.add(res)
		return batches, nil
	})
	if err != nil {
		return sum, err
	}
	e.publish(sum)
	return sum, nil
}

// ResolveOptionOrders writes the pending option contracts: the premium is
// value times quantity, paid to the bank, and the strike is today's price.
func (e *Engine) ResolveOptionOrders(ctx context.Context, gameID string) (Summary, error) {
	sum := Summary{GameID: gameID, Phase: game.PhaseStockResolveOption}
	g, err := e.repo.Game(ctx, gameID)
	if err != nil {
		return sum, err
	}
	pending, err := e.repo.Orders(ctx, store.OrderFilter{
		GameID:   gameID,
		Kinds:    []game.OrderKind{game.OrderOption},
		Statuses: []game.OrderStatus{game.OrderPending},
	})
	if err != nil {
		return sum, err
	}
	err = e.forEachCompany(ctx, gameID, pending, func(book *ledger.Book, company *game.Company, own []game.PlayerOrder) ([]*ledger.Batch, error) {
		res := WindowResult{CompanyID: company.ID, PriceBefore: company.StockPrice, PriceAfter: company.StockPrice}
		var batches []*ledger.Batch
		for _, o := range own {
			batch := &ledger.Batch{Label: "option " + o.ID}
			batches = append(batches, batch)
			if !company.Tradable() {
				e.reject(book, batch, &res, o, game.ErrCompanyNotTradable)
				continue
			}
			premium, err := game.Notional(o.Value, o.Quantity)
			if err == nil {
				err = book.Transfer(batch, game.PlayerEntity(o.PlayerID), game.Bank(gameID), premium, game.TxOptionPremium, company.ID, "option premium "+company.Symbol)
			}
			if err != nil {
				e.reject(book, batch, &res, o, err)
				continue
			}
			o.Status = game.OrderOpen
			o.FilledQuantity = o.Quantity
			o.Strike = company.StockPrice
			o.ExpiresTurn = g.TurnNumber + e.rules.OptionTermTurns
			e.stamp(&o)
			batch.Orders = append(batch.Orders, o)
			book.Log(batch, "player %s bought %d %s options at strike %d, expiring turn %d", o.PlayerID, o.Quantity, company.Symbol, o.Strike, o.ExpiresTurn)
			res.Filled = append(res.Filled, OrderFill{OrderID: o.ID, PlayerID: o.PlayerID, Quantity: o.Quantity, Price: premium})
		}
		sum.add(res)
		return batches, nil
	})
	if err != nil {
		return sum, err
	}
	e.publish(sum)
	return sum, nil
}

// ResolvePendingOptions exercises contracts whose holders asked for it,
// buying open-market shares at the strike without moving the price, and
// lapses contracts past their expiry turn.
func (e *Engine) ResolvePendingOptions(ctx context.Context, gameID string) (Summary, error) {
	sum := Summary{GameID: gameID, Phase: game.PhaseStockResolveOptions}
	g, err := e.repo.Game(ctx, gameID)
	if err != nil {
		return sum, err
	}
	open, err := e.repo.Orders(ctx, store.OrderFilter{
		GameID:   gameID,
		Kinds:    []game.OrderKind{game.OrderOption},
		Statuses: []game.OrderStatus{game.OrderOpen},
	})
	if err != nil {
		return sum, err
	}
	err = e.forEachCompany(ctx, gameID, open, func(book *ledger.Book, company *game.Company, own []game.PlayerOrder) ([]*ledger.Batch, error) {
		res := WindowResult{CompanyID: company.ID, PriceBefore: company.StockPrice, PriceAfter: company.StockPrice}
		var batches []*ledger.Batch
		for _, o := range own {
			batch := &ledger.Batch{Label: "exercise " + o.ID}
			changed := false
			if o.ExerciseRequested {
				err := e.checkCaps(book, company, o.PlayerID, o.Quantity, g.CertificateLimit)
				if err == nil && !company.Tradable() {
					err = game.ErrCompanyNotTradable
				}
				if err == nil {
					err = book.Try(batch, func(b *ledger.Batch) error {
						cost, err := game.Notional(o.Strike, o.Quantity)
						if err != nil {
							return err
						}
						if err := book.Transfer(b, game.PlayerEntity(o.PlayerID), game.Bank(gameID), cost, game.TxOptionExercise, company.ID, "exercise "+company.Symbol); err != nil {
							return err
						}
						return book.MoveShares(b, company.ID, ledger.OpenMarketHolder, ledger.PlayerHolder(o.PlayerID), o.Quantity, o.Strike, game.TxOptionExercise, "exercise "+company.Symbol)
					})
				}
				if err == nil {
					o.Status = game.OrderFilled
					book.Log(batch, "player %s exercised %d %s options at %d", o.PlayerID, o.Quantity, company.Symbol, o.Strike)
					res.Filled = append(res.Filled, OrderFill{OrderID: o.ID, PlayerID: o.PlayerID, Quantity: o.Quantity, Price: o.Strike})
				} else {
					o.ExerciseRequested = false
					book.Log(batch, "player %s could not exercise option %s: %v", o.PlayerID, o.ID, err)
					res.Rejected = append(res.Rejected, Rejection{OrderID: o.ID, PlayerID: o.PlayerID, Quantity: o.Quantity, Reason: err.Error()})
				}
				changed = true
			}
			if o.Status == game.OrderOpen && o.ExpiresTurn <= g.TurnNumber {
				o.Status = game.OrderExpired
				book.Log(batch, "player %s option %s on %s expired", o.PlayerID, o.ID, company.Symbol)
				sum.Expired++
				changed = true
			}
			if changed {
				e.stamp(&o)
				batch.Orders = append(batch.Orders, o)
				batches = append(batches, batch)
			}
		}
		sum.add(res)
		return batches, nil
	})
	if err != nil {
		return sum, err
	}
	e.publish(sum)
	return sum, nil
}
