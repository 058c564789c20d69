// Package memory is an in-process repository. Transactions work on a copy of
// the state that replaces the live state on commit, so a failed unit of work
// leaves nothing behind.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"bourse/internal/game"
	"bourse/internal/store"
)

type state struct {
	games        map[string]game.Game
	turns        map[string]game.Turn
	rounds       map[string]game.Round
	phases       map[string]game.Phase
	players      map[string]game.Player
	companies    map[string]game.Company
	shares       map[string]game.Share
	orders       map[string]game.PlayerOrder
	transactions []game.Transaction
	logs         []game.LogEntry
}

func newState() *state {
	return &state{
		games:     map[string]game.Game{},
		turns:     map[string]game.Turn{},
		rounds:    map[string]game.Round{},
		phases:    map[string]game.Phase{},
		players:   map[string]game.Player{},
		companies: map[string]game.Company{},
		shares:    map[string]game.Share{},
		orders:    map[string]game.PlayerOrder{},
	}
}

func (s *state) clone() *state {
	return &state{
		games:        maps.Clone(s.games),
		turns:        maps.Clone(s.turns),
		rounds:       maps.Clone(s.rounds),
		phases:       maps.Clone(s.phases),
		players:      maps.Clone(s.players),
		companies:    maps.Clone(s.companies),
		shares:       maps.Clone(s.shares),
		orders:       maps.Clone(s.orders),
		transactions: slices.Clone(s.transactions),
		logs:         slices.Clone(s.logs),
	}
}

type Store struct {
	mu sync.RWMutex
	// writeMu serializes transactions; readers only hold mu briefly.
	writeMu   sync.Mutex
	cur       *state
	failNext  int
	commitErr error
	commits   int
}

func New() *Store {
	return &Store{cur: newState()}
}

// FailNextCommits makes the next n commits fail with err (store.ErrConflict
// when err is nil) after fn ran, discarding the work.
func (s *Store) FailNextCommits(n int, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err == nil {
		err = store.ErrConflict
	}
	s.failNext = n
	s.commitErr = err
}

// Commits counts successful transactions.
func (s *Store) Commits() int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.commits
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	work := s.cur.clone()
	s.mu.RUnlock()

	if err := fn(&txn{reader: reader{st: work}}); err != nil {
		return err
	}
	if s.failNext > 0 {
		s.failNext--
		return s.commitErr
	}

	s.mu.Lock()
	s.cur = work
	s.mu.Unlock()
	s.commits++
	return nil
}

func (s *Store) snapshot() reader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.cur}
}

func (s *Store) Game(ctx context.Context, id string) (game.Game, error) {
	return s.snapshot().Game(ctx, id)
}

func (s *Store) ActiveGames(ctx context.Context) ([]game.Game, error) {
	return s.snapshot().ActiveGames(ctx)
}

func (s *Store) Turn(ctx context.Context, id string) (game.Turn, error) {
	return s.snapshot().Turn(ctx, id)
}

func (s *Store) Round(ctx context.Context, id string) (game.Round, error) {
	return s.snapshot().Round(ctx, id)
}

func (s *Store) Phase(ctx context.Context, id string) (game.Phase, error) {
	return s.snapshot().Phase(ctx, id)
}

func (s *Store) Players(ctx context.Context, gameID string) ([]game.Player, error) {
	return s.snapshot().Players(ctx, gameID)
}

func (s *Store) Companies(ctx context.Context, gameID string) ([]game.Company, error) {
	return s.snapshot().Companies(ctx, gameID)
}

func (s *Store) Shares(ctx context.Context, gameID string) ([]game.Share, error) {
	return s.snapshot().Shares(ctx, gameID)
}

func (s *Store) Orders(ctx context.Context, f store.OrderFilter) ([]game.PlayerOrder, error) {
	return s.snapshot().Orders(ctx, f)
}

func (s *Store) Order(ctx context.Context, id string) (game.PlayerOrder, error) {
	return s.snapshot().Order(ctx, id)
}

func (s *Store) Transactions(ctx context.Context, gameID string, limit int) ([]game.Transaction, error) {
	return s.snapshot().Transactions(ctx, gameID, limit)
}

func (s *Store) Logs(ctx context.Context, gameID string, limit int) ([]game.LogEntry, error) {
	return s.snapshot().Logs(ctx, gameID, limit)
}

// reader never mutates st, so a snapshot pointer stays valid after a commit
// swaps the live state.
type reader struct {
	st *state
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", game.ErrNotFound, kind, id)
}

func (r reader) Game(_ context.Context, id string) (game.Game, error) {
	g, ok := r.st.games[id]
	if !ok {
		return game.Game{}, notFound("game", id)
	}
	return g, nil
}

func (r reader) ActiveGames(_ context.Context) ([]game.Game, error) {
	var out []game.Game
	for _, g := range r.st.games {
		if g.Status == game.GameActive {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b game.Game) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (r reader) Turn(_ context.Context, id string) (game.Turn, error) {
	t, ok := r.st.turns[id]
	if !ok {
		return game.Turn{}, notFound("turn", id)
	}
	return t, nil
}

func (r reader) Round(_ context.Context, id string) (game.Round, error) {
	rd, ok := r.st.rounds[id]
	if !ok {
		return game.Round{}, notFound("round", id)
	}
	return rd, nil
}

func (r reader) Phase(_ context.Context, id string) (game.Phase, error) {
	p, ok := r.st.phases[id]
	if !ok {
		return game.Phase{}, notFound("phase", id)
	}
	if p.StartedAt != nil {
		at := *p.StartedAt
		p.StartedAt = &at
	}
	return p, nil
}

func (r reader) Players(_ context.Context, gameID string) ([]game.Player, error) {
	var out []game.Player
	for _, p := range r.st.players {
		if p.GameID == gameID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b game.Player) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return compareStrings(a.ID, b.ID)
	})
	return out, nil
}

func (r reader) Companies(_ context.Context, gameID string) ([]game.Company, error) {
	var out []game.Company
	for _, c := range r.st.companies {
		if c.GameID == gameID {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b game.Company) int { return compareStrings(a.Symbol, b.Symbol) })
	return out, nil
}

func (r reader) Shares(_ context.Context, gameID string) ([]game.Share, error) {
	var out []game.Share
	for _, sh := range r.st.shares {
		if sh.GameID == gameID {
			out = append(out, sh)
		}
	}
	slices.SortFunc(out, func(a, b game.Share) int { return compareStrings(a.ID, b.ID) })
	return out, nil
}

func (r reader) Orders(_ context.Context, f store.OrderFilter) ([]game.PlayerOrder, error) {
	var out []game.PlayerOrder
	for _, o := range r.st.orders {
		if f.Match(o) {
			out = append(out, o)
		}
	}
	store.SortOrders(out)
	return out, nil
}

func (r reader) Order(_ context.Context, id string) (game.PlayerOrder, error) {
	o, ok := r.st.orders[id]
	if !ok {
		return game.PlayerOrder{}, notFound("order", id)
	}
	return o, nil
}

func (r reader) Transactions(_ context.Context, gameID string, limit int) ([]game.Transaction, error) {
	var out []game.Transaction
	for i := len(r.st.transactions) - 1; i >= 0; i-- {
		if t := r.st.transactions[i]; t.GameID == gameID {
			out = append(out, t)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r reader) Logs(_ context.Context, gameID string, limit int) ([]game.LogEntry, error) {
	var out []game.LogEntry
	for i := len(r.st.logs) - 1; i >= 0; i-- {
		if l := r.st.logs[i]; l.GameID == gameID {
			out = append(out, l)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

type txn struct {
	reader
}

func (t *txn) InsertGame(_ context.Context, g game.Game) error {
	if _, ok := t.st.games[g.ID]; ok {
		return fmt.Errorf("game %s already exists", g.ID)
	}
	t.st.games[g.ID] = g
	return nil
}

func (t *txn) UpdateGame(_ context.Context, g game.Game) error {
	cur, ok := t.st.games[g.ID]
	if !ok {
		return notFound("game", g.ID)
	}
	g.BankPool = cur.BankPool
	t.st.games[g.ID] = g
	return nil
}

func (t *txn) InsertTurn(_ context.Context, tn game.Turn) error {
	t.st.turns[tn.ID] = tn
	return nil
}

func (t *txn) InsertRound(_ context.Context, r game.Round) error {
	t.st.rounds[r.ID] = r
	return nil
}

func (t *txn) UpdateRound(_ context.Context, r game.Round) error {
	if _, ok := t.st.rounds[r.ID]; !ok {
		return notFound("round", r.ID)
	}
	t.st.rounds[r.ID] = r
	return nil
}

func (t *txn) InsertPhase(_ context.Context, p game.Phase) error {
	if _, ok := t.st.phases[p.ID]; ok {
		return fmt.Errorf("phase %s already exists", p.ID)
	}
	t.st.phases[p.ID] = p
	return nil
}

func (t *txn) StampPhaseStart(_ context.Context, phaseID string, at time.Time) error {
	p, ok := t.st.phases[phaseID]
	if !ok {
		return notFound("phase", phaseID)
	}
	p.StartedAt = &at
	t.st.phases[phaseID] = p
	return nil
}

func (t *txn) InsertPlayers(_ context.Context, players []game.Player) error {
	for _, p := range players {
		t.st.players[p.ID] = p
	}
	return nil
}

func (t *txn) InsertCompanies(_ context.Context, companies []game.Company) error {
	for _, c := range companies {
		t.st.companies[c.ID] = c
	}
	return nil
}

func (t *txn) UpdateCompany(_ context.Context, c game.Company) error {
	cur, ok := t.st.companies[c.ID]
	if !ok {
		return notFound("company", c.ID)
	}
	// cash only moves through AdjustCash
	c.Cash = cur.Cash
	t.st.companies[c.ID] = c
	return nil
}

func (t *txn) InsertOrder(_ context.Context, o game.PlayerOrder) error {
	if _, ok := t.st.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	t.st.orders[o.ID] = o
	return nil
}

func (t *txn) UpdateOrder(_ context.Context, o game.PlayerOrder) error {
	if _, ok := t.st.orders[o.ID]; !ok {
		return notFound("order", o.ID)
	}
	t.st.orders[o.ID] = o
	return nil
}

func (t *txn) InsertShares(_ context.Context, shares []game.Share) error {
	for _, sh := range shares {
		if !sh.Consistent() {
			return game.Invariant("share %s location %s with player %q", sh.ID, sh.Location, sh.PlayerID)
		}
		t.st.shares[sh.ID] = sh
	}
	return nil
}

func (t *txn) UpdateShares(_ context.Context, shares []game.Share) error {
	for _, sh := range shares {
		cur, ok := t.st.shares[sh.ID]
		if !ok {
			return notFound("share", sh.ID)
		}
		if cur.CompanyID != sh.CompanyID {
			return game.Invariant("share %s cannot change company", sh.ID)
		}
		if !sh.Consistent() {
			return game.Invariant("share %s location %s with player %q", sh.ID, sh.Location, sh.PlayerID)
		}
		t.st.shares[sh.ID] = sh
	}
	return nil
}

func (t *txn) AdjustCash(_ context.Context, ref game.EntityRef, delta int64) error {
	if _, err := store.CashColumn(ref); err != nil {
		return err
	}
	var balance *int64
	switch ref.Kind {
	case game.EntityPlayer, game.EntityMargin:
		p, ok := t.st.players[ref.ID]
		if !ok {
			return notFound("player", ref.ID)
		}
		if ref.Kind == game.EntityPlayer {
			balance = &p.Cash
		} else {
			balance = &p.Margin
		}
		defer func() { t.st.players[ref.ID] = p }()
	case game.EntityCompany:
		c, ok := t.st.companies[ref.ID]
		if !ok {
			return notFound("company", ref.ID)
		}
		balance = &c.Cash
		defer func() { t.st.companies[ref.ID] = c }()
	case game.EntityBank:
		g, ok := t.st.games[ref.ID]
		if !ok {
			return notFound("game", ref.ID)
		}
		balance = &g.BankPool
		defer func() { t.st.games[ref.ID] = g }()
	}
	next := *balance + delta
	if next < 0 && ref.MustStayNonNegative() {
		return fmt.Errorf("%w: %s balance %d, delta %d", game.ErrNegativeBalance, ref, *balance, delta)
	}
	*balance = next
	return nil
}

func (t *txn) InsertTransactions(_ context.Context, txs []game.Transaction) error {
	t.st.transactions = append(t.st.transactions, txs...)
	return nil
}

func (t *txn) InsertLogs(_ context.Context, logs []game.LogEntry) error {
	t.st.logs = append(t.st.logs, logs...)
	return nil
}
