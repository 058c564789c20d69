// Package postgres persists games in PostgreSQL. Every unit of work runs in a
// serializable transaction; serialization failures and deadlocks surface as
// store.TransientError so the ledger and scheduler retry them.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bourse/internal/game"
	"bourse/internal/store"
)

type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
	reader
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, log: logger, reader: reader{q: pool}}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txn{reader: reader{q: tx}}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		err = classify(err)
		if store.IsTransient(err) {
			s.log.Debug("commit conflicted", "error", err)
		}
		return err
	}
	return nil
}

// classify marks serialization failures and deadlocks as retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return &store.TransientError{Err: err}
	}
	return err
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type reader struct {
	q querier
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", game.ErrNotFound, kind, id)
}

func one[T any](row pgx.Row, scan func(pgx.Row) (T, error), kind, id string) (T, error) {
	v, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return v, notFound(kind, id)
	}
	return v, err
}

func many[T any](rows pgx.Rows, err error, scan func(pgx.Row) (T, error)) ([]T, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const gameCols = `id, name, status, current_phase_id, current_turn_id, turn_number,
	current_stock_round_id, current_operating_round_id, current_influence_round_id,
	bank_pool, consumer_pool, distribution, mechanics, timerless, paused,
	certificate_limit, max_turns, created_at`

func scanGame(row pgx.Row) (game.Game, error) {
	var g game.Game
	err := row.Scan(&g.ID, &g.Name, &g.Status, &g.CurrentPhaseID, &g.CurrentTurnID, &g.TurnNumber,
		&g.CurrentStockRoundID, &g.CurrentOperatingRound, &g.CurrentInfluenceRound,
		&g.BankPool, &g.ConsumerPool, &g.Distribution, &g.Mechanics, &g.Timerless, &g.Paused,
		&g.CertificateLimit, &g.MaxTurns, &g.CreatedAt)
	return g, err
}

func (r reader) Game(ctx context.Context, id string) (game.Game, error) {
	return one(r.q.QueryRow(ctx, `SELECT `+gameCols+` FROM bourse.games WHERE id = $1`, id), scanGame, "game", id)
}

func (r reader) ActiveGames(ctx context.Context) ([]game.Game, error) {
	rows, err := r.q.Query(ctx, `SELECT `+gameCols+` FROM bourse.games WHERE status = $1 ORDER BY created_at, id`, game.GameActive)
	return many(rows, err, scanGame)
}

func scanTurn(row pgx.Row) (game.Turn, error) {
	var t game.Turn
	err := row.Scan(&t.ID, &t.GameID, &t.Number, &t.CreatedAt)
	return t, err
}

func (r reader) Turn(ctx context.Context, id string) (game.Turn, error) {
	return one(r.q.QueryRow(ctx, `SELECT id, game_id, number, created_at FROM bourse.turns WHERE id = $1`, id), scanTurn, "turn", id)
}

func scanRound(row pgx.Row) (game.Round, error) {
	var rd game.Round
	err := row.Scan(&rd.ID, &rd.GameID, &rd.TurnID, &rd.Kind, &rd.SubRound, &rd.CreatedAt)
	return rd, err
}

func (r reader) Round(ctx context.Context, id string) (game.Round, error) {
	return one(r.q.QueryRow(ctx, `SELECT id, game_id, turn_id, kind, sub_round, created_at FROM bourse.rounds WHERE id = $1`, id), scanRound, "round", id)
}

func scanPhase(row pgx.Row) (game.Phase, error) {
	var p game.Phase
	var durationMS int64
	err := row.Scan(&p.ID, &p.GameID, &p.TurnID, &p.Name, &p.RoundID, &p.RoundKind, &p.SubRound,
		&p.CompanyID, &durationMS, &p.StartedAt, &p.CreatedAt)
	p.Duration = time.Duration(durationMS) * time.Millisecond
	return p, err
}

func (r reader) Phase(ctx context.Context, id string) (game.Phase, error) {
	return one(r.q.QueryRow(ctx, `
		SELECT id, game_id, turn_id, name, round_id, round_kind, sub_round, company_id, duration_ms, started_at, created_at
		FROM bourse.phases WHERE id = $1`, id), scanPhase, "phase", id)
}

func scanPlayer(row pgx.Row) (game.Player, error) {
	var p game.Player
	err := row.Scan(&p.ID, &p.GameID, &p.Name, &p.Cash, &p.Margin, &p.Priority, &p.IsBot)
	return p, err
}

func (r reader) Players(ctx context.Context, gameID string) ([]game.Player, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, game_id, name, cash, margin, priority, is_bot
		FROM bourse.players WHERE game_id = $1 ORDER BY priority, id`, gameID)
	return many(rows, err, scanPlayer)
}

func scanCompany(row pgx.Row) (game.Company, error) {
	var c game.Company
	err := row.Scan(&c.ID, &c.GameID, &c.Name, &c.Symbol, &c.StockPrice, &c.IPOPrice, &c.StockTier,
		&c.TierSharesFulfilled, &c.Cash, &c.Status)
	return c, err
}

func (r reader) Companies(ctx context.Context, gameID string) ([]game.Company, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, game_id, name, symbol, stock_price, ipo_price, stock_tier, tier_shares_fulfilled, cash, status
		FROM bourse.companies WHERE game_id = $1 ORDER BY symbol`, gameID)
	return many(rows, err, scanCompany)
}

func scanShare(row pgx.Row) (game.Share, error) {
	var sh game.Share
	err := row.Scan(&sh.ID, &sh.GameID, &sh.CompanyID, &sh.Location, &sh.PlayerID, &sh.Price, &sh.Committed)
	return sh, err
}

func (r reader) Shares(ctx context.Context, gameID string) ([]game.Share, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, game_id, company_id, location, player_id, price, committed
		FROM bourse.shares WHERE game_id = $1 ORDER BY id`, gameID)
	return many(rows, err, scanShare)
}

const orderCols = `id, game_id, player_id, company_id, phase_id, stock_round_id, sub_round, kind,
	location, quantity, filled_quantity, value, is_sell, status, reject_reason, strike,
	expires_turn, margin_held, cover_requested, exercise_requested, created_at, updated_at`

func scanOrder(row pgx.Row) (game.PlayerOrder, error) {
	var o game.PlayerOrder
	err := row.Scan(&o.ID, &o.GameID, &o.PlayerID, &o.CompanyID, &o.PhaseID, &o.StockRoundID, &o.SubRound, &o.Kind,
		&o.Location, &o.Quantity, &o.FilledQuantity, &o.Value, &o.IsSell, &o.Status, &o.RejectReason, &o.Strike,
		&o.ExpiresTurn, &o.MarginHeld, &o.CoverRequested, &o.ExerciseRequested, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// orderWhere renders f as a WHERE clause with positional arguments.
func orderWhere(f store.OrderFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.GameID != "" {
		add("game_id = $%d", f.GameID)
	}
	if f.CompanyID != "" {
		add("company_id = $%d", f.CompanyID)
	}
	if f.PlayerID != "" {
		add("player_id = $%d", f.PlayerID)
	}
	if f.PhaseID != "" {
		add("phase_id = $%d", f.PhaseID)
	}
	if f.StockRoundID != "" {
		add("stock_round_id = $%d", f.StockRoundID)
	}
	if f.SubRound != 0 {
		add("sub_round = $%d", f.SubRound)
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		add("kind = ANY($%d)", kinds)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	if f.CoverRequested {
		conds = append(conds, "cover_requested")
	}
	if f.ExerciseRequested {
		conds = append(conds, "exercise_requested")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r reader) Orders(ctx context.Context, f store.OrderFilter) ([]game.PlayerOrder, error) {
	where, args := orderWhere(f)
	rows, err := r.q.Query(ctx, `SELECT `+orderCols+` FROM bourse.orders`+where+` ORDER BY created_at, id`, args...)
	out, err := many(rows, err, scanOrder)
	if err != nil {
		return nil, err
	}
	// timestamptz keeps microseconds only; resort with the shared comparator
	store.SortOrders(out)
	return out, nil
}

func (r reader) Order(ctx context.Context, id string) (game.PlayerOrder, error) {
	return one(r.q.QueryRow(ctx, `SELECT `+orderCols+` FROM bourse.orders WHERE id = $1`, id), scanOrder, "order", id)
}

func scanTransaction(row pgx.Row) (game.Transaction, error) {
	var t game.Transaction
	err := row.Scan(&t.ID, &t.GroupID, &t.GameID, &t.TurnID, &t.PhaseID, &t.From.Kind, &t.From.ID,
		&t.To.Kind, &t.To.ID, &t.Amount, &t.Shares, &t.CompanyID, &t.Type, &t.Description, &t.CreatedAt)
	return t, err
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func (r reader) Transactions(ctx context.Context, gameID string, limit int) ([]game.Transaction, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, group_id, game_id, turn_id, phase_id, from_kind, from_id, to_kind, to_id,
			amount, shares, company_id, type, description, created_at
		FROM bourse.transactions WHERE game_id = $1 ORDER BY seq DESC`+limitClause(limit), gameID)
	return many(rows, err, scanTransaction)
}

func scanLog(row pgx.Row) (game.LogEntry, error) {
	var l game.LogEntry
	err := row.Scan(&l.ID, &l.GameID, &l.PhaseID, &l.Message, &l.CreatedAt)
	return l, err
}

func (r reader) Logs(ctx context.Context, gameID string, limit int) ([]game.LogEntry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, game_id, phase_id, message, created_at
		FROM bourse.logs WHERE game_id = $1 ORDER BY seq DESC`+limitClause(limit), gameID)
	return many(rows, err, scanLog)
}

type txn struct {
	reader
}

func (t *txn) exec(ctx context.Context, kind, id, sql string, args ...any) error {
	tag, err := t.q.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(kind, id)
	}
	return nil
}

func (t *txn) InsertGame(ctx context.Context, g game.Game) error {
	_, err := t.q.Exec(ctx, `INSERT INTO bourse.games (`+gameCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		g.ID, g.Name, g.Status, g.CurrentPhaseID, g.CurrentTurnID, g.TurnNumber,
		g.CurrentStockRoundID, g.CurrentOperatingRound, g.CurrentInfluenceRound,
		g.BankPool, g.ConsumerPool, g.Distribution, g.Mechanics, g.Timerless, g.Paused,
		g.CertificateLimit, g.MaxTurns, g.CreatedAt)
	return err
}

// UpdateGame writes everything but bank_pool, which only AdjustCash moves.
func (t *txn) UpdateGame(ctx context.Context, g game.Game) error {
	return t.exec(ctx, "game", g.ID, `
		UPDATE bourse.games SET name = $2, status = $3, current_phase_id = $4, current_turn_id = $5,
			turn_number = $6, current_stock_round_id = $7, current_operating_round_id = $8,
			current_influence_round_id = $9, consumer_pool = $10, distribution = $11, mechanics = $12,
			timerless = $13, paused = $14, certificate_limit = $15, max_turns = $16
		WHERE id = $1`,
		g.ID, g.Name, g.Status, g.CurrentPhaseID, g.CurrentTurnID, g.TurnNumber,
		g.CurrentStockRoundID, g.CurrentOperatingRound, g.CurrentInfluenceRound,
		g.ConsumerPool, g.Distribution, g.Mechanics, g.Timerless, g.Paused,
		g.CertificateLimit, g.MaxTurns)
}

func (t *txn) InsertTurn(ctx context.Context, tn game.Turn) error {
	_, err := t.q.Exec(ctx, `INSERT INTO bourse.turns (id, game_id, number, created_at) VALUES ($1,$2,$3,$4)`,
		tn.ID, tn.GameID, tn.Number, tn.CreatedAt)
	return err
}

func (t *txn) InsertRound(ctx context.Context, r game.Round) error {
	_, err := t.q.Exec(ctx, `INSERT INTO bourse.rounds (id, game_id, turn_id, kind, sub_round, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		r.ID, r.GameID, r.TurnID, r.Kind, r.SubRound, r.CreatedAt)
	return err
}

func (t *txn) UpdateRound(ctx context.Context, r game.Round) error {
	return t.exec(ctx, "round", r.ID, `UPDATE bourse.rounds SET sub_round = $2 WHERE id = $1`, r.ID, r.SubRound)
}

func (t *txn) InsertPhase(ctx context.Context, p game.Phase) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO bourse.phases (id, game_id, turn_id, name, round_id, round_kind, sub_round, company_id, duration_ms, started_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.GameID, p.TurnID, p.Name, p.RoundID, p.RoundKind, p.SubRound, p.CompanyID,
		p.Duration.Milliseconds(), p.StartedAt, p.CreatedAt)
	return err
}

func (t *txn) StampPhaseStart(ctx context.Context, phaseID string, at time.Time) error {
	return t.exec(ctx, "phase", phaseID, `UPDATE bourse.phases SET started_at = $2 WHERE id = $1`, phaseID, at)
}

func (t *txn) InsertPlayers(ctx context.Context, players []game.Player) error {
	batch := &pgx.Batch{}
	for _, p := range players {
		batch.Queue(`INSERT INTO bourse.players (id, game_id, name, cash, margin, priority, is_bot) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			p.ID, p.GameID, p.Name, p.Cash, p.Margin, p.Priority, p.IsBot)
	}
	return t.sendBatch(ctx, batch)
}

func (t *txn) InsertCompanies(ctx context.Context, companies []game.Company) error {
	batch := &pgx.Batch{}
	for _, c := range companies {
		batch.Queue(`
			INSERT INTO bourse.companies (id, game_id, name, symbol, stock_price, ipo_price, stock_tier, tier_shares_fulfilled, cash, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			c.ID, c.GameID, c.Name, c.Symbol, c.StockPrice, c.IPOPrice, c.StockTier, c.TierSharesFulfilled, c.Cash, c.Status)
	}
	return t.sendBatch(ctx, batch)
}

// UpdateCompany leaves cash alone; it only moves through AdjustCash.
func (t *txn) UpdateCompany(ctx context.Context, c game.Company) error {
	return t.exec(ctx, "company", c.ID, `
		UPDATE bourse.companies SET name = $2, symbol = $3, stock_price = $4, ipo_price = $5,
			stock_tier = $6, tier_shares_fulfilled = $7, status = $8
		WHERE id = $1`,
		c.ID, c.Name, c.Symbol, c.StockPrice, c.IPOPrice, c.StockTier, c.TierSharesFulfilled, c.Status)
}

func orderArgs(o game.PlayerOrder) []any {
	return []any{o.ID, o.GameID, o.PlayerID, o.CompanyID, o.PhaseID, o.StockRoundID, o.SubRound, o.Kind,
		o.Location, o.Quantity, o.FilledQuantity, o.Value, o.IsSell, o.Status, o.RejectReason, o.Strike,
		o.ExpiresTurn, o.MarginHeld, o.CoverRequested, o.ExerciseRequested, o.CreatedAt, o.UpdatedAt}
}

func (t *txn) InsertOrder(ctx context.Context, o game.PlayerOrder) error {
	_, err := t.q.Exec(ctx, `INSERT INTO bourse.orders (`+orderCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`, orderArgs(o)...)
	return err
}

func (t *txn) UpdateOrder(ctx context.Context, o game.PlayerOrder) error {
	return t.exec(ctx, "order", o.ID, `
		UPDATE bourse.orders SET game_id = $2, player_id = $3, company_id = $4, phase_id = $5,
			stock_round_id = $6, sub_round = $7, kind = $8, location = $9, quantity = $10,
			filled_quantity = $11, value = $12, is_sell = $13, status = $14, reject_reason = $15,
			strike = $16, expires_turn = $17, margin_held = $18, cover_requested = $19,
			exercise_requested = $20, created_at = $21, updated_at = $22
		WHERE id = $1`, orderArgs(o)...)
}

func (t *txn) InsertShares(ctx context.Context, shares []game.Share) error {
	batch := &pgx.Batch{}
	for _, sh := range shares {
		if !sh.Consistent() {
			return game.Invariant("share %s location %s with player %q", sh.ID, sh.Location, sh.PlayerID)
		}
		batch.Queue(`INSERT INTO bourse.shares (id, game_id, company_id, location, player_id, price, committed) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			sh.ID, sh.GameID, sh.CompanyID, sh.Location, sh.PlayerID, sh.Price, sh.Committed)
	}
	return t.sendBatch(ctx, batch)
}

func (t *txn) UpdateShares(ctx context.Context, shares []game.Share) error {
	for _, sh := range shares {
		if !sh.Consistent() {
			return game.Invariant("share %s location %s with player %q", sh.ID, sh.Location, sh.PlayerID)
		}
		var companyID string
		err := t.q.QueryRow(ctx, `SELECT company_id FROM bourse.shares WHERE id = $1 FOR UPDATE`, sh.ID).Scan(&companyID)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("share", sh.ID)
		}
		if err != nil {
			return err
		}
		if companyID != sh.CompanyID {
			return game.Invariant("share %s cannot change company", sh.ID)
		}
		if _, err := t.q.Exec(ctx, `
			UPDATE bourse.shares SET location = $2, player_id = $3, price = $4, committed = $5 WHERE id = $1`,
			sh.ID, sh.Location, sh.PlayerID, sh.Price, sh.Committed); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) AdjustCash(ctx context.Context, ref game.EntityRef, delta int64) error {
	column, err := store.CashColumn(ref)
	if err != nil {
		return err
	}
	table, kind := "bourse.players", "player"
	switch ref.Kind {
	case game.EntityCompany:
		table, kind = "bourse.companies", "company"
	case game.EntityBank:
		table, kind = "bourse.games", "game"
	}
	var balance int64
	err = t.q.QueryRow(ctx, `SELECT `+column+` FROM `+table+` WHERE id = $1 FOR UPDATE`, ref.ID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(kind, ref.ID)
	}
	if err != nil {
		return err
	}
	if balance+delta < 0 && ref.MustStayNonNegative() {
		return fmt.Errorf("%w: %s balance %d, delta %d", game.ErrNegativeBalance, ref, balance, delta)
	}
	_, err = t.q.Exec(ctx, `UPDATE `+table+` SET `+column+` = `+column+` + $2 WHERE id = $1`, ref.ID, delta)
	return err
}

func (t *txn) InsertTransactions(ctx context.Context, txs []game.Transaction) error {
	batch := &pgx.Batch{}
	for _, x := range txs {
		batch.Queue(`
			INSERT INTO bourse.transactions (id, group_id, game_id, turn_id, phase_id, from_kind, from_id, to_kind, to_id,
				amount, shares, company_id, type, description, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			x.ID, x.GroupID, x.GameID, x.TurnID, x.PhaseID, x.From.Kind, x.From.ID, x.To.Kind, x.To.ID,
			x.Amount, x.Shares, x.CompanyID, x.Type, x.Description, x.CreatedAt)
	}
	return t.sendBatch(ctx, batch)
}

func (t *txn) InsertLogs(ctx context.Context, logs []game.LogEntry) error {
	batch := &pgx.Batch{}
	for _, l := range logs {
		batch.Queue(`INSERT INTO bourse.logs (id, game_id, phase_id, message, created_at) VALUES ($1,$2,$3,$4,$5)`,
			l.ID, l.GameID, l.PhaseID, l.Message, l.CreatedAt)
	}
	return t.sendBatch(ctx, batch)
}

// sendBatch needs the pgx.Tx underneath; the pool reader never calls it.
func (t *txn) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	tx, ok := t.q.(pgx.Tx)
	if !ok {
		return fmt.Errorf("batch outside a transaction")
	}
	return tx.SendBatch(ctx, batch).Close()
}

var _ store.Repository = (*Store)(nil)
