package market

import (
	"context"
	"fmt"
	"strings"

	"bourse/internal/game"
	"bourse/internal/store"

	"github.com/google/uuid"
)

// OrderInput is what humans and bots submit; both go through
// CreatePlayerOrder.
type OrderInput struct {
	GameID    string             `json:"game_id"`
	PlayerID  string             `json:"player_id"`
	CompanyID string             `json:"company_id"`
	Kind      game.OrderKind     `json:"kind"`
	Location  game.ShareLocation `json:"location"`
	Quantity  int                `json:"quantity"`
	Value     int64              `json:"value"`
	IsSell    bool               `json:"is_sell"`
}

// orderWindow names the phase that accepts each order kind.
var orderWindow = map[game.OrderKind]game.PhaseName{
	game.OrderMarket: game.PhaseStockActionOrder,
	game.OrderLimit:  game.PhaseStockActionOrder,
	game.OrderShort:  game.PhaseStockActionShort,
	game.OrderOption: game.PhaseStockActionOption,
}

func normalize(in *OrderInput) error {
	in.Kind = game.OrderKind(strings.ToUpper(strings.TrimSpace(string(in.Kind))))
	in.Location = game.ShareLocation(strings.ToUpper(strings.TrimSpace(string(in.Location))))
	if in.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be > 0", game.ErrInvalidOrder)
	}
	if in.Value < 0 {
		return fmt.Errorf("%w: value must be >= 0", game.ErrInvalidOrder)
	}
	switch in.Kind {
	case game.OrderMarket, game.OrderLimit:
		if in.IsSell {
			in.Location = game.LocationPlayer
		} else if in.Location == "" {
			in.Location = game.LocationOpenMarket
		}
		if !in.IsSell && in.Location != game.LocationOpenMarket && (in.Kind == game.OrderLimit || in.Location != game.LocationIPO) {
			return fmt.Errorf("%w: %s buys cannot target %s", game.ErrInvalidOrder, in.Kind, in.Location)
		}
		if in.Kind == game.OrderLimit && in.Value <= 0 {
			return fmt.Errorf("%w: limit orders need a limit value", game.ErrInvalidOrder)
		}
	case game.OrderShort:
		if in.IsSell {
			return fmt.Errorf("%w: shorts are opened, not sold", game.ErrInvalidOrder)
		}
		in.Location = game.LocationOpenMarket
	case game.OrderOption:
		if in.IsSell {
			return fmt.Errorf("%w: only call options can be bought", game.ErrInvalidOrder)
		}
		if in.Value <= 0 {
			return fmt.Errorf("%w: options need a premium per share", game.ErrInvalidOrder)
		}
		in.Location = game.LocationDerivative
	default:
		return fmt.Errorf("%w: unknown kind %q", game.ErrInvalidOrder, in.Kind)
	}
	return nil
}

// CreatePlayerOrder validates and records an order during the phase that
// accepts its kind. Funds and shares are not checked here; resolution does
// that against the whole window.
func (e *Engine) CreatePlayerOrder(ctx context.Context, in OrderInput) (game.PlayerOrder, error) {
	var out game.PlayerOrder
	if err := normalize(&in); err != nil {
		return out, err
	}
	if in.Kind == game.OrderShort && !e.rules.ShortsEnabled || in.Kind == game.OrderOption && !e.rules.OptionsEnabled {
		return out, fmt.Errorf("%w: %s orders are disabled", game.ErrInvalidOrder, in.Kind)
	}
	err := e.repo.WithTx(ctx, func(tx store.Tx) error {
		g, err := tx.Game(ctx, in.GameID)
		if err != nil {
			return err
		}
		if g.Status != game.GameActive {
			return game.ErrGameFinished
		}
		ph, err := tx.Phase(ctx, g.CurrentPhaseID)
		if err != nil {
			return err
		}
		if ph.Name != orderWindow[in.Kind] {
			return fmt.Errorf("%w: %s orders are taken during %s, current phase is %s", game.ErrPhaseClosed, in.Kind, orderWindow[in.Kind], ph.Name)
		}
		if err := requirePlayer(ctx, tx, in.GameID, in.PlayerID); err != nil {
			return err
		}
		company, err := findCompany(ctx, tx, in.GameID, in.CompanyID)
		if err != nil {
			return err
		}
		if !company.Tradable() {
			return fmt.Errorf("%w: %s is %s", game.ErrCompanyNotTradable, company.Symbol, company.Status)
		}
		subRound := 0
		if g.CurrentStockRoundID != "" {
			round, err := tx.Round(ctx, g.CurrentStockRoundID)
			if err != nil {
				return err
			}
			subRound = round.SubRound
		}
		now := e.now().UTC()
		out = game.PlayerOrder{
			ID:           uuid.NewString(),
			GameID:       in.GameID,
			PlayerID:     in.PlayerID,
			CompanyID:    in.CompanyID,
			PhaseID:      ph.ID,
			StockRoundID: g.CurrentStockRoundID,
			SubRound:     subRound,
			Kind:         in.Kind,
			Location:     in.Location,
			Quantity:     in.Quantity,
			Value:        in.Value,
			IsSell:       in.IsSell,
			Status:       game.OrderPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return tx.InsertOrder(ctx, out)
	})
	if err != nil {
		return game.PlayerOrder{}, err
	}
	e.log.Info("order accepted", "game_id", in.GameID, "order_id", out.ID, "kind", out.Kind, "company_id", out.CompanyID, "quantity", out.Quantity)
	return out, nil
}

// RequestCover flags an open short for closing at the next short resolution.
func (e *Engine) RequestCover(ctx context.Context, gameID, playerID, orderID string) (game.PlayerOrder, error) {
	return e.flagOrder(ctx, gameID, playerID, orderID, game.OrderShort, func(o *game.PlayerOrder) { o.CoverRequested = true })
}

// RequestExercise flags an open option for exercise at the next option
// resolution.
func (e *Engine) RequestExercise(ctx context.Context, gameID, playerID, orderID string) (game.PlayerOrder, error) {
	return e.flagOrder(ctx, gameID, playerID, orderID, game.OrderOption, func(o *game.PlayerOrder) { o.ExerciseRequested = true })
}

func (e *Engine) flagOrder(ctx context.Context, gameID, playerID, orderID string, kind game.OrderKind, set func(*game.PlayerOrder)) (game.PlayerOrder, error) {
	var out game.PlayerOrder
	err := e.repo.WithTx(ctx, func(tx store.Tx) error {
		o, err := tx.Order(ctx, orderID)
		if err != nil {
			return err
		}
		if o.GameID != gameID || o.Kind != kind {
			return fmt.Errorf("%w: %s order %s", game.ErrNotFound, kind, orderID)
		}
		if o.PlayerID != playerID {
			return game.ErrUnauthorized
		}
		if o.Status != game.OrderOpen {
			return fmt.Errorf("%w: order is %s", game.ErrInvalidOrder, o.Status)
		}
		set(&o)
		e.stamp(&o)
		out = o
		return tx.UpdateOrder(ctx, o)
	})
	return out, err
}

func requirePlayer(ctx context.Context, r store.Reader, gameID, playerID string) error {
	players, err := r.Players(ctx, gameID)
	if err != nil {
		return err
	}
	for _, p := range players {
		if p.ID == playerID {
			return nil
		}
	}
	return fmt.Errorf("%w: player %s", game.ErrNotFound, playerID)
}

func findCompany(ctx context.Context, r store.Reader, gameID, companyID string) (game.Company, error) {
	companies, err := r.Companies(ctx, gameID)
	if err != nil {
		return game.Company{}, err
	}
	for _, c := range companies {
		if c.ID == companyID {
			return c, nil
		}
	}
	return game.Company{}, fmt.Errorf("%w: company %s", game.ErrNotFound, companyID)
}
