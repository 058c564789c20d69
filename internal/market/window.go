package market

import (
	"errors"
	"fmt"

	"bourse/internal/distribution"
	"bourse/internal/game"
	"bourse/internal/ledger"

	"github.com/shopspring/decimal"
)

type OrderFill struct {
	OrderID  string `json:"order_id"`
	PlayerID string `json:"player_id"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

type Rejection struct {
	OrderID  string `json:"order_id"`
	PlayerID string `json:"player_id"`
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason"`
}

// WindowResult is the outcome of one settlement window for one company.
type WindowResult struct {
	CompanyID   string      `json:"company_id"`
	Filled      []OrderFill `json:"filled,omitempty"`
	Rejected    []Rejection `json:"rejected,omitempty"`
	NetQuantity int         `json:"net_quantity"`
	PriceBefore int64       `json:"price_before"`
	PriceAfter  int64       `json:"price_after"`
	Steps       int         `json:"steps"`
}

func (w WindowResult) PriceDelta() int64 { return w.PriceAfter - w.PriceBefore }

// WindowOptions tune ResolveSettlementWindow for the different order kinds.
type WindowOptions struct {
	// PriceFor overrides the settlement price; nil settles at the price the
	// company had when the window opened.
	PriceFor func(o game.PlayerOrder) int64
	// NoStep settles without moving the price.
	NoStep           bool
	CertificateLimit int
	TxBuy, TxSell    game.TransactionType
}

// ResolveSettlementWindow settles one window of orders for company against
// book. Sells settle first, then buys per location, scarce supply being
// allocated by strategy. The net filled quantity drives one price step.
// Every order yields its own batch; the company update comes last.
func (e *Engine) ResolveSettlementWindow(book *ledger.Book, company *game.Company, orders []game.PlayerOrder, strategy distribution.Strategy, opts WindowOptions) (WindowResult, []*ledger.Batch, error) {
	if opts.TxBuy == "" {
		opts.TxBuy = game.TxBuyShares
	}
	if opts.TxSell == "" {
		opts.TxSell = game.TxSellShares
	}
	res := WindowResult{CompanyID: company.ID, PriceBefore: company.StockPrice, PriceAfter: company.StockPrice}
	openPrice := company.StockPrice
	priceFor := func(o game.PlayerOrder) int64 {
		if opts.PriceFor != nil {
			return opts.PriceFor(o)
		}
		if o.Location == game.LocationIPO && company.IPOPrice > 0 {
			return company.IPOPrice
		}
		return openPrice
	}

	var batches []*ledger.Batch
	var sells, buys []game.PlayerOrder
	for _, o := range orders {
		if o.IsSell {
			sells = append(sells, o)
		} else {
			buys = append(buys, o)
		}
	}

	for _, o := range sells {
		batch := &ledger.Batch{Label: "sell " + o.ID}
		price := priceFor(o)
		err := book.Try(batch, func(b *ledger.Batch) error {
			notional, err := game.Notional(price, o.Quantity)
			if err != nil {
				return err
			}
			if err := book.MoveShares(b, company.ID, ledger.PlayerHolder(o.PlayerID), ledger.OpenMarketHolder, o.Quantity, price, opts.TxSell, "sell "+company.Symbol); err != nil {
				return err
			}
			return book.Transfer(b, game.Bank(book.GameID), game.PlayerEntity(o.PlayerID), notional, opts.TxSell, company.ID, "sale proceeds "+company.Symbol)
		})
		if err != nil {
			e.reject(book, batch, &res, o, err)
		} else {
			e.fill(book, batch, &res, company, o, o.Quantity, price)
			res.NetQuantity -= o.Quantity
		}
		batches = append(batches, batch)
	}

	for _, loc := range []game.ShareLocation{game.LocationIPO, game.LocationOpenMarket} {
		var group []game.PlayerOrder
		for _, o := range buys {
			if o.Location == loc {
				group = append(group, o)
			}
		}
		if len(group) == 0 {
			continue
		}
		out, err := e.settleBuys(book, company, group, loc, strategy, priceFor, opts, &res)
		if err != nil {
			return res, nil, err
		}
		batches = append(batches, out...)
	}
	for _, o := range buys {
		if o.Location != game.LocationIPO && o.Location != game.LocationOpenMarket {
			batch := &ledger.Batch{Label: "buy " + o.ID}
			e.reject(book, batch, &res, o, fmt.Errorf("%w: cannot buy from %s", game.ErrInvalidOrder, o.Location))
			batches = append(batches, batch)
		}
	}

	if !opts.NoStep && res.NetQuantity != 0 {
		move := e.track.Step(company.StockPrice, res.NetQuantity, company.TierSharesFulfilled)
		company.StockPrice = move.Price
		company.TierSharesFulfilled = move.Remainder
		company.StockTier = move.Tier
		res.PriceAfter = move.Price
		res.Steps = move.Steps
		batch := &ledger.Batch{Label: "price " + company.ID, Companies: []game.Company{*company}}
		if move.Steps != 0 {
			book.Log(batch, "%s moved %d step(s) from %d to %d on net quantity %d", company.Symbol, move.Steps, res.PriceBefore, move.Price, res.NetQuantity)
		}
		batches = append(batches, batch)
	}
	return res, batches, nil
}

func (e *Engine) settleBuys(book *ledger.Book, company *game.Company, group []game.PlayerOrder, loc game.ShareLocation, strategy distribution.Strategy, priceFor func(game.PlayerOrder) int64, opts WindowOptions, res *WindowResult) ([]*ledger.Batch, error) {
	holder := ledger.OpenMarketHolder
	payee := game.Bank(book.GameID)
	if loc == game.LocationIPO {
		holder = ledger.IPOHolder
		payee = game.CompanyEntity(company.ID)
	}
	available := book.Available(company.ID, holder)

	byID := make(map[string]game.PlayerOrder, len(group))
	bids := make([]distribution.Bid, 0, len(group))
	for _, o := range group {
		byID[o.ID] = o
		bids = append(bids, distribution.Bid{
			OrderID:   o.ID,
			PlayerID:  o.PlayerID,
			Quantity:  o.Quantity,
			Value:     o.Value,
			Priority:  book.Priority(o.PlayerID),
			CreatedAt: o.CreatedAt,
		})
	}

	var fills []distribution.Fill
	if distribution.Demand(bids) <= available {
		for _, b := range bids {
			fills = append(fills, distribution.Fill{OrderID: b.OrderID, PlayerID: b.PlayerID, Quantity: b.Quantity})
		}
	} else {
		fills = strategy.Allocate(bids, available)
	}

	var pre []*ledger.Batch
	if over := distribution.Allocated(fills) - available; over > 0 {
		if !e.rules.MintOnOversell {
			return nil, fmt.Errorf("%w: %w: %d shares of %s allocated from %s, %d available",
				game.ErrInvariantViolation, game.ErrOverAllocation, distribution.Allocated(fills), company.Symbol, loc, available)
		}
		batch := &ledger.Batch{Label: "mint " + company.ID}
		book.Mint(batch, company.ID, holder, over, company.StockPrice, "oversell cover")
		book.Log(batch, "%d %s shares minted into %s to cover an oversold allocation", over, company.Symbol, loc)
		e.log.Warn("minted oversold shares", "game_id", book.GameID, "company_id", company.ID, "count", over)
		pre = append(pre, batch)
	}

	batches := pre
	for _, f := range fills {
		o := byID[f.OrderID]
		batch := &ledger.Batch{Label: "buy " + o.ID}
		batches = append(batches, batch)
		if f.Quantity == 0 {
			e.reject(book, batch, res, o, fmt.Errorf("%w: no %s shares left at %s", game.ErrInsufficientShares, company.Symbol, loc))
			continue
		}
		price := priceFor(o)
		if err := e.checkCaps(book, company, o.PlayerID, f.Quantity, opts.CertificateLimit); err != nil {
			e.reject(book, batch, res, o, err)
			continue
		}
		err := book.Try(batch, func(b *ledger.Batch) error {
			notional, err := game.Notional(price, f.Quantity)
			if err != nil {
				return err
			}
			if err := book.Transfer(b, game.PlayerEntity(o.PlayerID), payee, notional, opts.TxBuy, company.ID, "buy "+company.Symbol); err != nil {
				return err
			}
			return book.MoveShares(b, company.ID, holder, ledger.PlayerHolder(o.PlayerID), f.Quantity, price, opts.TxBuy, "buy "+company.Symbol)
		})
		if err != nil {
			e.reject(book, batch, res, o, err)
			continue
		}
		e.fill(book, batch, res, company, o, f.Quantity, price)
		res.NetQuantity += f.Quantity
	}
	return batches, nil
}

// checkCaps validates the ownership percentage cap and the certificate limit
// for a player about to receive qty shares.
func (e *Engine) checkCaps(book *ledger.Book, company *game.Company, playerID string, qty, certLimit int) error {
	outstanding := book.Outstanding(company.ID)
	if outstanding > 0 {
		after := decimal.NewFromInt(int64(book.Held(company.ID, playerID) + qty))
		limit := decimal.NewFromInt(int64(outstanding)).Mul(e.rules.MaxOwnershipPct).Div(decimal.NewFromInt(100))
		if after.GreaterThan(limit) {
			return fmt.Errorf("%w: would hold %s of %d %s shares, cap %s%%", game.ErrOwnershipCap, after, outstanding, company.Symbol, e.rules.MaxOwnershipPct)
		}
	}
	if certLimit > 0 && book.Certificates(playerID)+qty > certLimit {
		return fmt.Errorf("%w: %d + %d over %d", game.ErrCertificateLimit, book.Certificates(playerID), qty, certLimit)
	}
	return nil
}

func (e *Engine) fill(book *ledger.Book, batch *ledger.Batch, res *WindowResult, company *game.Company, o game.PlayerOrder, qty int, price int64) {
	o.FilledQuantity = qty
	o.Status = game.OrderFilled
	e.stamp(&o)
	batch.Orders = append(batch.Orders, o)
	res.Filled = append(res.Filled, OrderFill{OrderID: o.ID, PlayerID: o.PlayerID, Quantity: qty, Price: price})
	side := "bought"
	if o.IsSell {
		side = "sold"
	}
	book.Log(batch, "player %s %s %d %s at %d", o.PlayerID, side, qty, company.Symbol, price)
	if qty < o.Quantity {
		res.Rejected = append(res.Rejected, Rejection{OrderID: o.ID, PlayerID: o.PlayerID, Quantity: o.Quantity - qty, Reason: "partially filled"})
		book.Log(batch, "player %s order %s: %d of %d %s not filled", o.PlayerID, o.ID, o.Quantity-qty, o.Quantity, company.Symbol)
	}
}

func (e *Engine) reject(book *ledger.Book, batch *ledger.Batch, res *WindowResult, o game.PlayerOrder, cause error) {
	if errors.Is(cause, game.ErrInvariantViolation) {
		e.log.Error("order resolution hit invariant", "game_id", book.GameID, "order_id", o.ID, "err", cause)
	} else {
		e.log.Info("order rejected", "game_id", book.GameID, "order_id", o.ID, "company_id", o.CompanyID, "err", cause)
	}
	o.Status = game.OrderRejected
	o.RejectReason = cause.Error()
	e.stamp(&o)
	batch.Orders = append(batch.Orders, o)
	res.Rejected = append(res.Rejected, Rejection{OrderID: o.ID, PlayerID: o.PlayerID, Quantity: o.Quantity, Reason: o.RejectReason})
	book.Log(batch, "player %s order %s rejected: %s", o.PlayerID, o.ID, o.RejectReason)
}
