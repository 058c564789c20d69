package sqlite

import (
	"time"

	"bourse/internal/game"
)

type gameRow struct {
	ID                      string `gorm:"primaryKey"`
	Name                    string
	Status                  string `gorm:"index"`
	CurrentPhaseID          string
	CurrentTurnID           string
	TurnNumber              int
	CurrentStockRoundID     string
	CurrentOperatingRoundID string
	CurrentInfluenceRoundID string
	BankPool                int64
	ConsumerPool            int
	Distribution            string
	Mechanics               string
	Timerless               bool
	Paused                  bool
	CertificateLimit        int
	MaxTurns                int
	CreatedAt               time.Time
}

func (gameRow) TableName() string { return "games" }

func toGameRow(g game.Game) gameRow {
	return gameRow{
		ID: g.ID, Name: g.Name, Status: string(g.Status),
		CurrentPhaseID: g.CurrentPhaseID, CurrentTurnID: g.CurrentTurnID, TurnNumber: g.TurnNumber,
		CurrentStockRoundID:     g.CurrentStockRoundID,
		CurrentOperatingRoundID: g.CurrentOperatingRound,
		CurrentInfluenceRoundID: g.CurrentInfluenceRound,
		BankPool:                g.BankPool, ConsumerPool: g.ConsumerPool,
		Distribution: string(g.Distribution), Mechanics: string(g.Mechanics),
		Timerless: g.Timerless, Paused: g.Paused,
		CertificateLimit: g.CertificateLimit, MaxTurns: g.MaxTurns, CreatedAt: g.CreatedAt,
	}
}

func (r gameRow) model() game.Game {
	return game.Game{
		ID: r.ID, Name: r.Name, Status: game.GameStatus(r.Status),
		CurrentPhaseID: r.CurrentPhaseID, CurrentTurnID: r.CurrentTurnID, TurnNumber: r.TurnNumber,
		CurrentStockRoundID:   r.CurrentStockRoundID,
		CurrentOperatingRound: r.CurrentOperatingRoundID,
		CurrentInfluenceRound: r.CurrentInfluenceRoundID,
		BankPool:              r.BankPool, ConsumerPool: r.ConsumerPool,
		Distribution: game.DistributionStrategy(r.Distribution), Mechanics: game.OperationMechanics(r.Mechanics),
		Timerless: r.Timerless, Paused: r.Paused,
		CertificateLimit: r.CertificateLimit, MaxTurns: r.MaxTurns, CreatedAt: r.CreatedAt,
	}
}

type turnRow struct {
	ID        string `gorm:"primaryKey"`
	GameID    string `gorm:"index"`
	Number    int
	CreatedAt time.Time
}

func (turnRow) TableName() string { return "turns" }

type roundRow struct {
	ID        string `gorm:"primaryKey"`
	GameID    string `gorm:"index"`
	TurnID    string
	Kind      string
	SubRound  int
	CreatedAt time.Time
}

func (roundRow) TableName() string { return "rounds" }

type phaseRow struct {
	ID         string `gorm:"primaryKey"`
	GameID     string `gorm:"index"`
	TurnID     string
	Name       string
	RoundID    string
	RoundKind  string
	SubRound   int
	CompanyID  string
	DurationMS int64
	StartedAt  *time.Time
	CreatedAt  time.Time
}

func (phaseRow) TableName() string { return "phases" }

func toPhaseRow(p game.Phase) phaseRow {
	return phaseRow{
		ID: p.ID, GameID: p.GameID, TurnID: p.TurnID, Name: string(p.Name),
		RoundID: p.RoundID, RoundKind: string(p.RoundKind), SubRound: p.SubRound, CompanyID: p.CompanyID,
		DurationMS: p.Duration.Milliseconds(), StartedAt: p.StartedAt, CreatedAt: p.CreatedAt,
	}
}

func (r phaseRow) model() game.Phase {
	return game.Phase{
		ID: r.ID, GameID: r.GameID, TurnID: r.TurnID, Name: game.PhaseName(r.Name),
		RoundID: r.RoundID, RoundKind: game.RoundKind(r.RoundKind), SubRound: r.SubRound, CompanyID: r.CompanyID,
		Duration: time.Duration(r.DurationMS) * time.Millisecond, StartedAt: r.StartedAt, CreatedAt: r.CreatedAt,
	}
}

type playerRow struct {
	ID       string `gorm:"primaryKey"`
	GameID   string `gorm:"index"`
	Name     string
	Cash     int64
	Margin   int64
	Priority int
	IsBot    bool
}

func (playerRow) TableName() string { return "players" }

type companyRow struct {
	ID                  string `gorm:"primaryKey"`
	GameID              string `gorm:"uniqueIndex:companies_game_symbol"`
	Name                string
	Symbol              string `gorm:"uniqueIndex:companies_game_symbol"`
	StockPrice          int64
	IPOPrice            int64
	StockTier           string
	TierSharesFulfilled int
	Cash                int64
	Status              string
}

func (companyRow) TableName() string { return "companies" }

type shareRow struct {
	ID        string `gorm:"primaryKey"`
	GameID    string `gorm:"index"`
	CompanyID string
	Location  string
	PlayerID  string
	Price     int64
	Committed bool
}

func (shareRow) TableName() string { return "shares" }

type orderRow struct {
	ID                string `gorm:"primaryKey"`
	GameID            string `gorm:"index"`
	PlayerID          string
	CompanyID         string
	PhaseID           string
	StockRoundID      string
	SubRound          int
	Kind              string
	Location          string
	Quantity          int
	FilledQuantity    int
	Value             int64
	IsSell            bool
	Status            string
	RejectReason      string
	Strike            int64
	ExpiresTurn       int
	MarginHeld        int64
	CoverRequested    bool
	ExerciseRequested bool
	CreatedAt         time.Time
	UpdatedAt         time.Time `gorm:"autoUpdateTime:false"`
}

func (orderRow) TableName() string { return "orders" }

func toOrderRow(o game.PlayerOrder) orderRow {
	return orderRow{
		ID: o.ID, GameID: o.GameID, PlayerID: o.PlayerID, CompanyID: o.CompanyID, PhaseID: o.PhaseID,
		StockRoundID: o.StockRoundID, SubRound: o.SubRound, Kind: string(o.Kind), Location: string(o.Location),
		Quantity: o.Quantity, FilledQuantity: o.FilledQuantity, Value: o.Value, IsSell: o.IsSell,
		Status: string(o.Status), RejectReason: o.RejectReason, Strike: o.Strike, ExpiresTurn: o.ExpiresTurn,
		MarginHeld: o.MarginHeld, CoverRequested: o.CoverRequested, ExerciseRequested: o.ExerciseRequested,
		CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt,
	}
}

func (r orderRow) model() game.PlayerOrder {
	return game.PlayerOrder{
		ID: r.ID, GameID: r.GameID, PlayerID: r.PlayerID, CompanyID: r.CompanyID, PhaseID: r.PhaseID,
		StockRoundID: r.StockRoundID, SubRound: r.SubRound, Kind: game.OrderKind(r.Kind), Location: game.ShareLocation(r.Location),
		Quantity: r.Quantity, FilledQuantity: r.FilledQuantity, Value: r.Value, IsSell: r.IsSell,
		Status: game.OrderStatus(r.Status), RejectReason: r.RejectReason, Strike: r.Strike, ExpiresTurn: r.ExpiresTurn,
		MarginHeld: r.MarginHeld, CoverRequested: r.CoverRequested, ExerciseRequested: r.ExerciseRequested,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

type transactionRow struct {
	Seq         int64  `gorm:"primaryKey;autoIncrement"`
	ID          string `gorm:"uniqueIndex"`
	GroupID     string
	GameID      string `gorm:"index"`
	TurnID      string
	PhaseID     string
	FromKind    string
	FromID      string
	ToKind      string
	ToID        string
	Amount      int64
	Shares      int
	CompanyID   string
	Type        string
	Description string
	CreatedAt   time.Time
}

func (transactionRow) TableName() string { return "transactions" }

func toTransactionRow(t game.Transaction) transactionRow {
	return transactionRow{
		ID: t.ID, GroupID: t.GroupID, GameID: t.GameID, TurnID: t.TurnID, PhaseID: t.PhaseID,
		FromKind: string(t.From.Kind), FromID: t.From.ID, ToKind: string(t.To.Kind), ToID: t.To.ID,
		Amount: t.Amount, Shares: t.Shares, CompanyID: t.CompanyID, Type: string(t.Type),
		Description: t.Description, CreatedAt: t.CreatedAt,
	}
}

func (r transactionRow) model() game.Transaction {
	return game.Transaction{
		ID: r.ID, GroupID: r.GroupID, GameID: r.GameID, TurnID: r.TurnID, PhaseID: r.PhaseID,
		From:   game.EntityRef{Kind: game.EntityKind(r.FromKind), ID: r.FromID},
		To:     game.EntityRef{Kind: game.EntityKind(r.ToKind), ID: r.ToID},
		Amount: r.Amount, Shares: r.Shares, CompanyID: r.CompanyID, Type: game.TransactionType(r.Type),
		Description: r.Description, CreatedAt: r.CreatedAt,
	}
}

type logRow struct {
	Seq       int64  `gorm:"primaryKey;autoIncrement"`
	ID        string `gorm:"uniqueIndex"`
	GameID    string `gorm:"index"`
	PhaseID   string
	Message   string
	CreatedAt time.Time
}

func (logRow) TableName() string { return "logs" }

var allModels = []any{
	&gameRow{}, &turnRow{}, &roundRow{}, &phaseRow{}, &playerRow{},
	&companyRow{}, &shareRow{}, &orderRow{}, &transactionRow{}, &logRow{},
}
