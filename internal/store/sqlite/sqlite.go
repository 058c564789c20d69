// Package sqlite is the single-node repository: an embedded SQLite file driven
// through gorm. Writers are serialized in process; SQLITE_BUSY surfaces as a
// store.TransientError.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bourse/internal/game"
	"bourse/internal/store"
)

type Store struct {
	db      *gorm.DB
	log     *slog.Logger
	writeMu sync.Mutex
	reader
}

// Open creates the file's directory, connects and migrates.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.AutoMigrate(allModels...); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db, log: log, reader: reader{db: db}}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txn{reader: reader{db: tx}})
	})
	return classify(err)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return &store.TransientError{Err: err}
	}
	return err
}

type reader struct {
	db *gorm.DB
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", game.ErrNotFound, kind, id)
}

func take[R any](ctx context.Context, db *gorm.DB, kind, id string) (R, error) {
	var row R
	err := db.WithContext(ctx).Take(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, notFound(kind, id)
	}
	return row, err
}

func (r reader) Game(ctx context.Context, id string) (game.Game, error) {
	row, err := take[gameRow](ctx, r.db, "game", id)
	return row.model(), err
}

func (r reader) ActiveGames(ctx context.Context) ([]game.Game, error) {
	var rows []gameRow
	if err := r.db.WithContext(ctx).Where("status = ?", string(game.GameActive)).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]game.Game, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.model())
	}
	return out, nil
}

func (r reader) Turn(ctx context.Context, id string) (game.Turn, error) {
	row, err := take[turnRow](ctx, r.db, "turn", id)
	return game.Turn{ID: row.ID, GameID: row.GameID, Number: row.Number, CreatedAt: row.CreatedAt}, err
}

func (r reader) Round(ctx context.Context, id string) (game.Round, error) {
	row, err := take[roundRow](ctx, r.db, "round", id)
	return game.Round{
		ID: row.ID, GameID: row.GameID, TurnID: row.TurnID,
		Kind: game.RoundKind(row.Kind), SubRound: row.SubRound, CreatedAt: row.CreatedAt,
	}, err
}

func (r reader) Phase(ctx context.Context, id string) (game.Phase, error) {
	row, err := take[phaseRow](ctx, r.db, "phase", id)
	return row.model(), err
}

func (r reader) Players(ctx context.Context, gameID string) ([]game.Player, error) {
	var rows []playerRow
	if err := r.db.WithContext(ctx).Where("game_id = ?", gameID).Order("priority, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]game.Player, 0, len(rows))
	for _, p := range rows {
		out = append(out, game.Player{
			ID: p.ID, GameID: p.GameID, Name: p.Name, Cash: p.Cash,
			Margin: p.Margin, Priority: p.Priority, IsBot: p.IsBot,
		})
	}
	return out, nil
}

func (r reader) Companies(ctx context.Context, gameID string) ([]game.Company, error) {
	var rows []companyRow
	if err := r.db.WithContext(ctx).Where("game_id = ?", gameID).Order("symbol").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]game.Company, 0, len(rows))
	for _, c := range rows {
		out = append(out, game.Company{
			ID: c.ID, GameID: c.GameID, Name: c.Name, Symbol: c.Symbol,
			StockPrice: c.StockPrice, IPOPrice: c.IPOPrice, StockTier: c.StockTier,
			TierSharesFulfilled: c.TierSharesFulfilled, Cash: c.Cash, Status: game.CompanyStatus(c.Status),
		})
	}
	return out, nil
}

func (r reader) Shares(ctx context.Context, gameID string) ([]game.Share, error) {
	var rows []shareRow
	if err := r.db.WithContext(ctx).Where("game_id = ?", gameID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]game.Share, 0, len(rows))
	for _, sh := range rows {
		out = append(out, game.Share{
			ID: sh.ID, GameID: sh.GameID, CompanyID: sh.CompanyID, Location: game.ShareLocation(sh.Location),
			PlayerID: sh.PlayerID, Price: sh.Price, Committed: sh.Committed,
		})
	}
	return out, nil
}

func (r reader) Orders(ctx context.Context, f store.OrderFilter) ([]game.PlayerOrder, error) {
	q := r.db.WithContext(ctx).Model(&orderRow{})
	if f.GameID != "" {
		q = q.Where("game_id = ?", f.GameID)
	}
	if f.CompanyID != "" {
		q = q.Where("company_id = ?", f.CompanyID)
	}
	if f.PlayerID != "" {
		q = q.Where("player_id = ?", f.PlayerID)
	}
	if f.PhaseID != "" {
		q = q.Where("phase_id = ?", f.PhaseID)
	}
	if f.StockRoundID != "" {
		q = q.Where("stock_round_id = ?", f.StockRoundID)
	}
	if f.SubRound != 0 {
		q = q.Where("sub_round = ?", f.SubRound)
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		q = q.Where("kind IN ?", kinds)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.CoverRequested {
		q = q.Where("cover_requested = ?", true)
	}
	if f.ExerciseRequested {
		q = q.Where("exercise_requested = ?", true)
	}
	var rows []orderRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]game.PlayerOrder, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.model())
	}
	store.SortOrders(out)
	return out, nil
}

func (r reader) Order(ctx context.Context, id string) (game.PlayerOrder, error) {
	row, err := take[orderRow](ctx, r.db, "order", id)
	return row.model(), err
}

func newestFirst(db *gorm.DB, gameID string, limit int) *gorm.DB {
	q := db.Where("game_id = ?", gameID).Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q
}

func (r reader) Transactions(ctx context.Context, gameID string, limit int) ([]game.Transaction, error) {
	var rows []transactionRow
	if err := newestFirst(r.db.WithContext(ctx), gameID, limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]game.Transaction, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.model())
	}
	return out, nil
}

func (r reader) Logs(ctx context.Context, gameID string, limit int) ([]game.LogEntry, error) {
	var rows []logRow
	if err := newestFirst(r.db.WithContext(ctx), gameID, limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]game.LogEntry, 0, len(rows))
	for _, l := range rows {
		out = append(out, game.LogEntry{ID: l.ID, GameID: l.GameID, PhaseID: l.PhaseID, Message: l.Message, CreatedAt: l.CreatedAt})
	}
	return out, nil
}

type txn struct {
	reader
}

// update writes every column of row except the omitted ones and reports a
// missing id as not found.
func (t *txn) update(ctx context.Context, model any, kind, id string, row any, omit ...string) error {
	res := t.db.WithContext(ctx).Model(model).Where("id = ?", id).
		Select("*").Omit(append([]string{"id"}, omit...)...).UpdateColumns(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(kind, id)
	}
	return nil
}

func (t *txn) InsertGame(ctx context.Context, g game.Game) error {
	row := toGameRow(g)
	return t.db.WithContext(ctx).Create(&row).Error
}

func (t *txn) UpdateGame(ctx context.Context, g game.Game) error {
	return t.update(ctx, &gameRow{}, "game", g.ID, toGameRow(g), "bank_pool", "created_at")
}

func (t *txn) InsertTurn(ctx context.Context, tn game.Turn) error {
	return t.db.WithContext(ctx).Create(&turnRow{ID: tn.ID, GameID: tn.GameID, Number: tn.Number, CreatedAt: tn.CreatedAt}).Error
}

func (t *txn) InsertRound(ctx context.Context, r game.Round) error {
	return t.db.WithContext(ctx).Create(&roundRow{
		ID: r.ID, GameID: r.GameID, TurnID: r.TurnID, Kind: string(r.Kind), SubRound: r.SubRound, CreatedAt: r.CreatedAt,
	}).Error
}

func (t *txn) UpdateRound(ctx context.Context, r game.Round) error {
	res := t.db.WithContext(ctx).Model(&roundRow{}).Where("id = ?", r.ID).UpdateColumn("sub_round", r.SubRound)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("round", r.ID)
	}
	return nil
}

func (t *txn) InsertPhase(ctx context.Context, p game.Phase) error {
	row := toPhaseRow(p)
	return t.db.WithContext(ctx).Create(&row).Error
}

func (t *txn) StampPhaseStart(ctx context.Context, phaseID string, at time.Time) error {
	res := t.db.WithContext(ctx).Model(&phaseRow{}).Where("id = ?", phaseID).UpdateColumn("started_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("phase", phaseID)
	}
	return nil
}

func (t *txn) InsertPlayers(ctx context.Context, players []game.Player) error {
	if len(players) == 0 {
		return nil
	}
	rows := make([]playerRow, 0, len(players))
	for _, p := range players {
		rows = append(rows, playerRow{
			ID: p.ID, GameID: p.GameID, Name: p.Name, Cash: p.Cash,
			Margin: p.Margin, Priority: p.Priority, IsBot: p.IsBot,
		})
	}
	return t.db.WithContext(ctx).Create(&rows).Error
}

func toCompanyRow(c game.Company) companyRow {
	return companyRow{
		ID: c.ID, GameID: c.GameID, Name: c.Name, Symbol: c.Symbol,
		StockPrice: c.StockPrice, IPOPrice: c.IPOPrice, StockTier: c.StockTier,
		TierSharesFulfilled: c.TierSharesFulfilled, Cash: c.Cash, Status: string(c.Status),
	}
}

func (t *txn) InsertCompanies(ctx context.Context, companies []game.Company) error {
	if len(companies) == 0 {
		return nil
	}
	rows := make([]companyRow, 0, len(companies))
	for _, c := range companies {
		rows = append(rows, toCompanyRow(c))
	}
	return t.db.WithContext(ctx).Create(&rows).Error
}

func (t *txn) UpdateCompany(ctx context.Context, c game.Company) error {
	return t.update(ctx, &companyRow{}, "company", c.ID, toCompanyRow(c), "cash", "game_id")
}

func (t *txn) InsertOrder(ctx context.Context, o game.PlayerOrder) error {
	row := toOrderRow(o)
	return t.db.WithContext(ctx).Create(&row).Error
}

func (t *txn) UpdateOrder(ctx context.Context, o game.PlayerOrder) error {
	return t.update(ctx, &orderRow{}, "order", o.ID, toOrderRow(o))
}

func toShareRow(sh game.Share) shareRow {
	return shareRow{
		ID: sh.ID, GameID: sh.GameID, CompanyID: sh.CompanyID, Location: string(sh.Location),
		PlayerID: sh.PlayerID, Price: sh.Price, Committed: sh.Committed,
	}
}

func (t *txn) InsertShares(ctx context.Context, shares []game.Share) error {
	if len(shares) == 0 {
		return nil
	}
	rows := make([]shareRow, 0, len(shares))
	for _, sh := range shares {
		if !sh.Consistent() {
			return game.Invariant("share %s location %s with player %q", sh.ID, sh.Location, sh.PlayerID)
		}
		rows = append(rows, toShareRow(sh))
	}
	return t.db.WithContext(ctx).CreateInBatches(&rows, 200).Error
}

func (t *txn) UpdateShares(ctx context.Context, shares []game.Share) error {
	for _, sh := range shares {
		if !sh.Consistent() {
			return game.Invariant("share %s location %s with player %q", sh.ID, sh.Location, sh.PlayerID)
		}
		cur, err := take[shareRow](ctx, t.db, "share", sh.ID)
		if err != nil {
			return err
		}
		if cur.CompanyID != sh.CompanyID {
			return game.Invariant("share %s cannot change company", sh.ID)
		}
		if err := t.update(ctx, &shareRow{}, "share", sh.ID, toShareRow(sh), "game_id", "company_id"); err != nil {
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
	var model any = &playerRow{}
	kind := "player"
	switch ref.Kind {
	case game.EntityCompany:
		model, kind = &companyRow{}, "company"
	case game.EntityBank:
		model, kind = &gameRow{}, "game"
	}
	var balances []int64
	if err := t.db.WithContext(ctx).Model(model).Where("id = ?", ref.ID).Pluck(column, &balances).Error; err != nil {
		return err
	}
	if len(balances) == 0 {
		return notFound(kind, ref.ID)
	}
	if balances[0]+delta < 0 && ref.MustStayNonNegative() {
		return fmt.Errorf("%w: %s balance %d, delta %d", game.ErrNegativeBalance, ref, balances[0], delta)
	}
	return t.db.WithContext(ctx).Model(model).Where("id = ?", ref.ID).
		UpdateColumn(column, gorm.Expr(column+" + ?", delta)).Error
}

func (t *txn) InsertTransactions(ctx context.Context, txs []game.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	rows := make([]transactionRow, 0, len(txs))
	for _, x := range txs {
		rows = append(rows, toTransactionRow(x))
	}
	return t.db.WithContext(ctx).Create(&rows).Error
}

func (t *txn) InsertLogs(ctx context.Context, logs []game.LogEntry) error {
	if len(logs) == 0 {
		return nil
	}
	rows := make([]logRow, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, logRow{ID: l.ID, GameID: l.GameID, PhaseID: l.PhaseID, Message: l.Message, CreatedAt: l.CreatedAt})
	}
	return t.db.WithContext(ctx).Create(&rows).Error
}

var _ store.Repository = (*Store)(nil)
