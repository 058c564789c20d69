package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bourse/internal/game"
	"bourse/internal/phase"
	"bourse/internal/store"

	"github.com/google/uuid"
)

var ErrInvalidGame = errors.New("invalid game")

type PlayerSpec struct {
	Name  string `json:"name"`
	IsBot bool   `json:"is_bot"`
}

type CompanySpec struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	IPOPrice int64  `json:"ipo_price"`
}

// GameSpec describes a game to create. Zero values fall back to the rules.
type GameSpec struct {
	Name             string                    `json:"name"`
	Players          []PlayerSpec              `json:"players"`
	Companies        []CompanySpec             `json:"companies"`
	Distribution     game.DistributionStrategy `json:"distribution"`
	Mechanics        game.OperationMechanics   `json:"mechanics"`
	Timerless        bool                      `json:"timerless"`
	MaxTurns         int                       `json:"max_turns"`
	CertificateLimit int                       `json:"certificate_limit"`
}

func (s *GameSpec) normalize() error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidGame)
	}
	if len(s.Players) == 0 {
		return fmt.Errorf("%w: at least one player is required", ErrInvalidGame)
	}
	if len(s.Companies) == 0 {
		return fmt.Errorf("%w: at least one company is required", ErrInvalidGame)
	}
	if s.Distribution == "" {
		s.Distribution = game.DistributionFair
	}
	switch s.Distribution {
	case game.DistributionFair, game.DistributionBidPriority, game.DistributionPriority:
	default:
		return fmt.Errorf("%w: unknown distribution %q", ErrInvalidGame, s.Distribution)
	}
	if s.Mechanics == "" {
		s.Mechanics = game.MechanicsLegacy
	}
	if s.Mechanics != game.MechanicsLegacy && s.Mechanics != game.MechanicsModern {
		return fmt.Errorf("%w: unknown mechanics %q", ErrInvalidGame, s.Mechanics)
	}
	if s.MaxTurns < 0 || s.CertificateLimit < 0 {
		return fmt.Errorf("%w: max_turns and certificate_limit must be >= 0", ErrInvalidGame)
	}
	seen := map[string]bool{}
	for i := range s.Companies {
		c := &s.Companies[i]
		c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
		if err := game.ValidateSymbol(c.Symbol); err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidGame, c.Symbol, err)
		}
		if seen[c.Symbol] {
			return fmt.Errorf("%w: duplicate symbol %s", ErrInvalidGame, c.Symbol)
		}
		seen[c.Symbol] = true
		if c.IPOPrice <= 0 {
			return fmt.Errorf("%w: %s needs a positive ipo price", ErrInvalidGame, c.Symbol)
		}
		if strings.TrimSpace(c.Name) == "" {
			c.Name = c.Symbol
		}
	}
	for i := range s.Players {
		if strings.TrimSpace(s.Players[i].Name) == "" {
			s.Players[i].Name = fmt.Sprintf("Player %d", i+1)
		}
	}
	return nil
}

// Bootstrap persists a new game positioned on its first phase. The phase
// is not started; the runner does that.
func (e *Engine) Bootstrap(ctx context.Context, spec GameSpec) (game.Game, error) {
	if err := spec.normalize(); err != nil {
		return game.Game{}, err
	}
	track, err := e.rules.Track()
	if err != nil {
		return game.Game{}, err
	}
	now := e.now().UTC()
	g := game.Game{
		ID:               uuid.NewString(),
		Name:             spec.Name,
		Status:           game.GameActive,
		TurnNumber:       1,
		BankPool:         e.rules.BankPool,
		Distribution:     spec.Distribution,
		Mechanics:        spec.Mechanics,
		Timerless:        spec.Timerless,
		CertificateLimit: spec.CertificateLimit,
		MaxTurns:         spec.MaxTurns,
		CreatedAt:        now,
	}
	if g.CertificateLimit == 0 {
		g.CertificateLimit = e.rules.CertificateLimit
	}
	if g.MaxTurns == 0 {
		g.MaxTurns = e.rules.MaxTurns
	}
	turn := game.Turn{ID: uuid.NewString(), GameID: g.ID, Number: 1, CreatedAt: now}
	round := game.Round{ID: uuid.NewString(), GameID: g.ID, TurnID: turn.ID, Kind: game.RoundInfluence, CreatedAt: now}
	first := game.Phase{
		ID:        uuid.NewString(),
		GameID:    g.ID,
		TurnID:    turn.ID,
		Name:      game.PhaseInfluenceBidAction,
		RoundID:   round.ID,
		RoundKind: game.RoundInfluence,
		Duration:  phase.Duration(game.PhaseInfluenceBidAction, e.rules),
		CreatedAt: now,
	}
	g.CurrentTurnID = turn.ID
	g.CurrentInfluenceRound = round.ID
	g.CurrentPhaseID = first.ID

	players := make([]game.Player, 0, len(spec.Players))
	for i, p := range spec.Players {
		players = append(players, game.Player{
			ID:       uuid.NewString(),
			GameID:   g.ID,
			Name:     p.Name,
			Cash:     e.rules.StartingCash,
			Priority: i + 1,
			IsBot:    p.IsBot,
		})
	}
	var (
		companies []game.Company
		shares    []game.Share
	)
	for _, c := range spec.Companies {
		price := track.Snap(c.IPOPrice)
		company := game.Company{
			ID:         uuid.NewString(),
			GameID:     g.ID,
			Name:       c.Name,
			Symbol:     c.Symbol,
			StockPrice: price,
			IPOPrice:   price,
			StockTier:  track.TierOf(price).Name,
			Status:     game.CompanyActive,
		}
		companies = append(companies, company)
		for range e.rules.SharesPerCompany {
			shares = append(shares, game.Share{
				ID:        uuid.NewString(),
				GameID:    g.ID,
				CompanyID: company.ID,
				Location:  game.LocationIPO,
				Price:     price,
			})
		}
	}

	err = e.repo.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertGame(ctx, g); err != nil {
			return err
		}
		if err := tx.InsertTurn(ctx, turn); err != nil {
			return err
		}
		if err := tx.InsertRound(ctx, round); err != nil {
			return err
		}
		if err := tx.InsertPhase(ctx, first); err != nil {
			return err
		}
		if err := tx.InsertPlayers(ctx, players); err != nil {
			return err
		}
		if err := tx.InsertCompanies(ctx, companies); err != nil {
			return err
		}
		if err := tx.InsertShares(ctx, shares); err != nil {
			return err
		}
		return e.gameLog(ctx, tx, g, first, "Game %s created with %d players and %d companies", g.Name, len(players), len(companies))
	})
	if err != nil {
		return game.Game{}, err
	}
	e.log.Info("game created", "game_id", g.ID, "players", len(players), "companies", len(companies), "mechanics", g.Mechanics)
	return g, nil
}
