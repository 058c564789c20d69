// Package ledger moves cash and shares between economic entities. A Book
// stages every movement in memory so validation sees the aggregate effect of
// earlier decisions; Service commits the staged batches atomically.
package ledger

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"bourse/internal/game"
	"bourse/internal/store"

	"github.com/google/uuid"
)

// Batch is the unit the ledger commits. Each batch belongs to exactly one
// repository transaction together with the other batches of its chunk.
type Batch struct {
	Label        string
	Cash         []CashDelta
	Shares       []game.Share
	NewShares    []game.Share
	Orders       []game.PlayerOrder
	Patches      []OrderPatch
	Companies    []game.Company
	Transactions []game.Transaction
	Logs         []game.LogEntry
}

type CashDelta struct {
	Ref   game.EntityRef
	Delta int64
}

// OrderPatch edits the stored copy of an order inside the commit, so
// fields written by other transactions since the batch was built survive.
type OrderPatch struct {
	ID    string
	Apply func(o *game.PlayerOrder)
}

func (b *Batch) Empty() bool {
	return len(b.Cash) == 0 && len(b.Shares) == 0 && len(b.NewShares) == 0 &&
		len(b.Orders) == 0 && len(b.Patches) == 0 && len(b.Companies) == 0 && len(b.Transactions) == 0 && len(b.Logs) == 0
}

// Apply writes the batch through tx.
func (b *Batch) Apply(ctx context.Context, tx store.Tx) error {
	for _, d := range b.Cash {
		if err := tx.AdjustCash(ctx, d.Ref, d.Delta); err != nil {
			return err
		}
	}
	if len(b.NewShares) > 0 {
		if err := tx.InsertShares(ctx, b.NewShares); err != nil {
			return err
		}
	}
	if len(b.Shares) > 0 {
		if err := tx.UpdateShares(ctx, b.Shares); err != nil {
			return err
		}
	}
	for _, o := range b.Orders {
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
	}
	for _, p := range b.Patches {
		o, err := tx.Order(ctx, p.ID)
		if err != nil {
			return err
		}
		p.Apply(&o)
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
	}
	for _, c := range b.Companies {
		if err := tx.UpdateCompany(ctx, c); err != nil {
			return err
		}
	}
	if len(b.Transactions) > 0 {
		if err := tx.InsertTransactions(ctx, b.Transactions); err != nil {
			return err
		}
	}
	if len(b.Logs) > 0 {
		if err := tx.InsertLogs(ctx, b.Logs); err != nil {
			return err
		}
	}
	return nil
}

// Book is a staged view of one game's balances and share positions.
type Book struct {
	GameID  string
	TurnID  string
	PhaseID string
	now     func() time.Time

	cash     map[game.EntityRef]int64
	priority map[string]int
	shares   map[string]game.Share
	// ids keeps share iteration deterministic.
	ids []string
}

func NewBook(g game.Game, players []game.Player, companies []game.Company, shares []game.Share) *Book {
	b := &Book{
		GameID: g.ID,
		TurnID: g.CurrentTurnID,
		now:    time.Now,
		cash:     map[game.EntityRef]int64{game.Bank(g.ID): g.BankPool},
		priority: make(map[string]int, len(players)),
		shares:   make(map[string]game.Share, len(shares)),
	}
	for _, p := range players {
		b.priority[p.ID] = p.Priority
		b.cash[game.PlayerEntity(p.ID)] = p.Cash
		b.cash[game.MarginEntity(p.ID)] = p.Margin
	}
	for _, c := range companies {
		b.cash[game.CompanyEntity(c.ID)] = c.Cash
	}
	for _, s := range shares {
		b.shares[s.ID] = s
		b.ids = append(b.ids, s.ID)
	}
	slices.Sort(b.ids)
	return b
}

// Load builds a Book from the repository's current state.
func Load(ctx context.Context, r store.Reader, gameID string) (*Book, error) {
	g, err := r.Game(ctx, gameID)
	if err != nil {
		return nil, err
	}
	players, err := r.Players(ctx, gameID)
	if err != nil {
		return nil, err
	}
	companies, err := r.Companies(ctx, gameID)
	if err != nil {
		return nil, err
	}
	shares, err := r.Shares(ctx, gameID)
	if err != nil {
		return nil, err
	}
	b := NewBook(g, players, companies, shares)
	b.PhaseID = g.CurrentPhaseID
	return b, nil
}

// SetClock replaces the timestamp source, for tests.
func (b *Book) SetClock(now func() time.Time) { b.now = now }

func (b *Book) Balance(ref game.EntityRef) int64 { return b.cash[ref] }

// Priority is the player's turn priority; lower goes first.
func (b *Book) Priority(playerID string) int { return b.priority[playerID] }

// Transfer stages a cash movement and its Transaction record. Entities under
// the non-negative rule fail with ErrInsufficientFunds instead of going below
// zero; nothing is staged in that case.
func (b *Book) Transfer(batch *Batch, from, to game.EntityRef, amount int64, kind game.TransactionType, companyID, desc string) error {
	if amount < 0 {
		return game.Invariant("negative transfer %d from %s", amount, from)
	}
	if amount == 0 {
		return nil
	}
	if _, err := store.CashColumn(from); err != nil {
		return err
	}
	if _, err := store.CashColumn(to); err != nil {
		return err
	}
	if from.MustStayNonNegative() && b.cash[from] < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", game.ErrInsufficientFunds, from, b.cash[from], amount)
	}
	b.cash[from] -= amount
	b.cash[to] += amount
	batch.Cash = append(batch.Cash, CashDelta{Ref: from, Delta: -amount}, CashDelta{Ref: to, Delta: amount})
	batch.Transactions = append(batch.Transactions, b.record(from, to, amount, 0, kind, companyID, desc))
	return nil
}

// Try runs fn against a scratch batch. On success the scratch work is
// appended to batch; on failure the Book is restored and batch is untouched.
func (b *Book) Try(batch *Batch, fn func(scratch *Batch) error) error {
	cash := maps.Clone(b.cash)
	shares := maps.Clone(b.shares)
	ids := slices.Clone(b.ids)
	scratch := &Batch{Label: batch.Label}
	if err := fn(scratch); err != nil {
		b.cash, b.shares, b.ids = cash, shares, ids
		return err
	}
	batch.merge(scratch)
	return nil
}

func (b *Batch) merge(o *Batch) {
	b.Cash = append(b.Cash, o.Cash...)
	b.Shares = append(b.Shares, o.Shares...)
	b.NewShares = append(b.NewShares, o.NewShares...)
	b.Orders = append(b.Orders, o.Orders...)
	b.Patches = append(b.Patches, o.Patches...)
	b.Companies = append(b.Companies, o.Companies...)
	b.Transactions = append(b.Transactions, o.Transactions...)
	b.Logs = append(b.Logs, o.Logs...)
}

// Log stages a human-readable game log line.
func (b *Book) Log(batch *Batch, format string, args ...any) {
	batch.Logs = append(batch.Logs, game.LogEntry{
		ID:        uuid.NewString(),
		GameID:    b.GameID,
		PhaseID:   b.PhaseID,
		Message:   fmt.Sprintf(format, args...),
		CreatedAt: b.now().UTC(),
	})
}

func (b *Book) record(from, to game.EntityRef, amount int64, shares int, kind game.TransactionType, companyID, desc string) game.Transaction {
	return game.Transaction{
		ID:          uuid.NewString(),
		GameID:      b.GameID,
		TurnID:      b.TurnID,
		PhaseID:     b.PhaseID,
		From:        from,
		To:          to,
		Amount:      amount,
		Shares:      shares,
		CompanyID:   companyID,
		Type:        kind,
		Description: desc,
		CreatedAt:   b.now().UTC(),
	}
}

// Holder names a share position: a location plus, for PLAYER, the player.
type Holder struct {
	Location game.ShareLocation
	PlayerID string
}

func PlayerHolder(playerID string) Holder { return Holder{Location: game.LocationPlayer, PlayerID: playerID} }

var (
	OpenMarketHolder = Holder{Location: game.LocationOpenMarket}
	IPOHolder        = Holder{Location: game.LocationIPO}
)

func (h Holder) entity(gameID, companyID string) game.EntityRef {
	switch h.Location {
	case game.LocationPlayer:
		return game.PlayerEntity(h.PlayerID)
	case game.LocationIPO:
		return game.IPO(companyID)
	default:
		return game.OpenMarket(gameID)
	}
}

func (b *Book) matches(s game.Share, companyID string, h Holder) bool {
	return s.CompanyID == companyID && s.Location == h.Location && s.PlayerID == h.PlayerID
}

// Available counts uncommitted shares of companyID at h.
func (b *Book) Available(companyID string, h Holder) int {
	n := 0
	for _, id := range b.ids {
		if s := b.shares[id]; b.matches(s, companyID, h) && !s.Committed {
			n++
		}
	}
	return n
}

// Committed counts pledged shares of companyID at h.
func (b *Book) Committed(companyID string, h Holder) int {
	n := 0
	for _, id := range b.ids {
		if s := b.shares[id]; b.matches(s, companyID, h) && s.Committed {
			n++
		}
	}
	return n
}

// Held counts every share of companyID the player owns, pledged or not.
func (b *Book) Held(companyID, playerID string) int {
	n := 0
	h := PlayerHolder(playerID)
	for _, id := range b.ids {
		if b.matches(b.shares[id], companyID, h) {
			n++
		}
	}
	return n
}

// Certificates counts the player's shares across all companies.
func (b *Book) Certificates(playerID string) int {
	n := 0
	for _, id := range b.ids {
		if s := b.shares[id]; s.Location == game.LocationPlayer && s.PlayerID == playerID {
			n++
		}
	}
	return n
}

// Outstanding counts all shares of the company wherever they sit.
func (b *Book) Outstanding(companyID string) int {
	n := 0
	for _, id := range b.ids {
		if b.shares[id].CompanyID == companyID {
			n++
		}
	}
	return n
}

// MoveShares stages qty uncommitted shares of companyID from one holder to
// another at price and records the movement.
func (b *Book) MoveShares(batch *Batch, companyID string, from, to Holder, qty int, price int64, kind game.TransactionType, desc string) error {
	if qty <= 0 {
		return game.Invariant("share move of %d", qty)
	}
	picked := make([]string, 0, qty)
	for _, id := range b.ids {
		if s := b.shares[id]; b.matches(s, companyID, from) && !s.Committed {
			picked = append(picked, id)
			if len(picked) == qty {
				break
			}
		}
	}
	if len(picked) < qty {
		return fmt.Errorf("%w: %s holds %d of %s, needs %d", game.ErrInsufficientShares, from.entity(b.GameID, companyID), len(picked), companyID, qty)
	}
	for _, id := range picked {
		s := b.shares[id]
		s.Location = to.Location
		s.PlayerID = to.PlayerID
		s.Price = price
		b.shares[id] = s
		batch.Shares = append(batch.Shares, s)
	}
	batch.Transactions = append(batch.Transactions,
		b.record(from.entity(b.GameID, companyID), to.entity(b.GameID, companyID), 0, qty, kind, companyID, desc))
	return nil
}

// Pledge flips the committed flag on qty shares at h. pledge=true commits
// free shares, false releases committed ones.
func (b *Book) Pledge(batch *Batch, companyID string, h Holder, qty int, pledge bool) error {
	if qty <= 0 {
		return nil
	}
	var picked []string
	for _, id := range b.ids {
		if s := b.shares[id]; b.matches(s, companyID, h) && s.Committed != pledge {
			picked = append(picked, id)
			if len(picked) == qty {
				break
			}
		}
	}
	if len(picked) < qty {
		return fmt.Errorf("%w: %d of %d shares of %s free to pledge", game.ErrInsufficientShares, len(picked), qty, companyID)
	}
	for _, id := range picked {
		s := b.shares[id]
		s.Committed = pledge
		b.shares[id] = s
		batch.Shares = append(batch.Shares, s)
	}
	return nil
}

// Mint issues qty new shares of companyID straight into h.
func (b *Book) Mint(batch *Batch, companyID string, h Holder, qty int, price int64, desc string) {
	for i := 0; i < qty; i++ {
		s := game.Share{
			ID:        uuid.NewString(),
			GameID:    b.GameID,
			CompanyID: companyID,
			Location:  h.Location,
			PlayerID:  h.PlayerID,
			Price:     price,
		}
		b.shares[s.ID] = s
		b.ids = append(b.ids, s.ID)
		batch.NewShares = append(batch.NewShares, s)
	}
	slices.Sort(b.ids)
	batch.Transactions = append(batch.Transactions,
		b.record(game.CompanyEntity(companyID), h.entity(b.GameID, companyID), 0, qty, game.TxShareIssue, companyID, desc))
}
