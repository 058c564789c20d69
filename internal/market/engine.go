// Package market resolves player orders: it nets buys against sells per
// company and settlement window, allocates scarce shares, steps prices on the
// grid and commits the resulting ledger movements.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"bourse/internal/config"
	"bourse/internal/distribution"
	"bourse/internal/game"
	"bourse/internal/ledger"
	"bourse/internal/pricetrack"
	"bourse/internal/store"
)

// Publisher is the slice of the notification bus the engine uses.
type Publisher interface {
	Publish(gameID, event string, payload any)
}

const EventOrdersResolved = "orders.resolved"

type Engine struct {
	repo       store.Repository
	ledger     *ledger.Service
	track      *pricetrack.Track
	rules      config.Rules
	strategies map[game.DistributionStrategy]distribution.Strategy
	bus        Publisher
	log        *slog.Logger
	now        func() time.Time
}

type Options struct {
	Rules  config.Rules
	Ledger *ledger.Service
	// Random drives the FAIR lottery; nil seeds from the clock.
	Random distribution.RandomSource
	Bus    Publisher
	Logger *slog.Logger
}

func New(repo store.Repository, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	track, err := opts.Rules.Track()
	if err != nil {
		return nil, err
	}
	rng := opts.Random
	if rng == nil {
		rng = distribution.NewLockedSource(time.Now().UnixNano())
	}
	strategies := map[game.DistributionStrategy]distribution.Strategy{}
	for _, kind := range []game.DistributionStrategy{game.DistributionFair, game.DistributionBidPriority, game.DistributionPriority} {
		s, err := distribution.New(kind, rng)
		if err != nil {
			return nil, err
		}
		strategies[kind] = s
	}
	led := opts.Ledger
	if led == nil {
		led = ledger.NewService(repo, logger, ledger.Options{
			BatchSize: opts.Rules.CommitBatchSize,
			Retries:   opts.Rules.CommitRetries,
			Backoff:   opts.Rules.CommitBackoff,
		})
	}
	return &Engine{
		repo:       repo,
		ledger:     led,
		track:      track,
		rules:      opts.Rules,
		strategies: strategies,
		bus:        opts.Bus,
		log:        logger,
		now:        time.Now,
	}, nil
}

func (e *Engine) Track() *pricetrack.Track { return e.track }

// SetClock replaces the timestamp source, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) strategy(kind game.DistributionStrategy) (distribution.Strategy, error) {
	s, ok := e.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("unknown distribution strategy %q", kind)
	}
	return s, nil
}

// Summary reports one resolution phase.
type Summary struct {
	GameID   string         `json:"game_id"`
	Phase    game.PhaseName `json:"phase"`
	Windows  []WindowResult `json:"windows,omitempty"`
	Filled   int            `json:"filled"`
	Rejected int            `json:"rejected"`
	Expired  int            `json:"expired,omitempty"`
}

func (s *Summary) add(w WindowResult) {
	s.Windows = append(s.Windows, w)
	s.Filled += len(w.Filled)
	s.Rejected += len(w.Rejected)
}

func (e *Engine) publish(sum Summary) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(sum.GameID, EventOrdersResolved, sum)
}

// companyStep is the work done for one company: it receives a freshly
// loaded Book so its checks see everything earlier companies committed.
type companyStep func(book *ledger.Book, company *game.Company, orders []game.PlayerOrder) ([]*ledger.Batch, error)

// forEachCompany resolves orders company by company, strictly sequentially,
// committing each company's batches before the next company is loaded.
func (e *Engine) forEachCompany(ctx context.Context, gameID string, orders []game.PlayerOrder, step companyStep) error {
	byCompany := map[string][]game.PlayerOrder{}
	for _, o := range orders {
		byCompany[o.CompanyID] = append(byCompany[o.CompanyID], o)
	}
	companies, err := e.repo.Companies(ctx, gameID)
	if err != nil {
		return err
	}
	for _, c := range companies {
		own := byCompany[c.ID]
		if len(own) == 0 {
			continue
		}
		book, err := ledger.Load(ctx, e.repo, gameID)
		if err != nil {
			return err
		}
		book.SetClock(e.now)
		fresh, err := e.company(ctx, gameID, c.ID)
		if err != nil {
			return err
		}
		batches, err := step(book, &fresh, own)
		if err != nil {
			e.log.Error("company resolution failed", "game_id", gameID, "company_id", c.ID, "err", err)
			return err
		}
		if err := e.ledger.Commit(ctx, batches); err != nil {
			e.log.Error("company commit failed", "game_id", gameID, "company_id", c.ID, "err", err)
			return err
		}
	}
	return nil
}

func (e *Engine) company(ctx context.Context, gameID, companyID string) (game.Company, error) {
	return findCompany(ctx, e.repo, gameID, companyID)
}

// subPhases splits a company's orders into settlement windows by the phase
// that created them, earliest window first.
func subPhases(orders []game.PlayerOrder) [][]game.PlayerOrder {
	idx := map[string]int{}
	var out [][]game.PlayerOrder
	sorted := slices.Clone(orders)
	store.SortOrders(sorted)
	for _, o := range sorted {
		i, ok := idx[o.PhaseID]
		if !ok {
			i = len(out)
			idx[o.PhaseID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], o)
	}
	return out
}

func (e *Engine) stamp(o *game.PlayerOrder) {
	o.UpdatedAt = e.now().UTC()
}
