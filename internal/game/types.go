package game

import "time"

type DistributionStrategy string

const (
	DistributionFair        DistributionStrategy = "FAIR"
	DistributionBidPriority DistributionStrategy = "BID_PRIORITY"
	DistributionPriority    DistributionStrategy = "PRIORITY"
)

type OperationMechanics string

const (
	MechanicsLegacy OperationMechanics = "LEGACY"
	MechanicsModern OperationMechanics = "MODERN"
)

type GameStatus string

const (
	GameActive   GameStatus = "ACTIVE"
	GameFinished GameStatus = "FINISHED"
)

type Game struct {
	ID                    string               `json:"id"`
	Name                  string               `json:"name"`
	Status                GameStatus           `json:"status"`
	CurrentPhaseID        string               `json:"current_phase_id"`
	CurrentTurnID         string               `json:"current_turn_id"`
	TurnNumber            int                  `json:"turn_number"`
	CurrentStockRoundID   string               `json:"current_stock_round_id,omitempty"`
	CurrentOperatingRound string               `json:"current_operating_round_id,omitempty"`
	CurrentInfluenceRound string               `json:"current_influence_round_id,omitempty"`
	BankPool              int64                `json:"bank_pool"`
	ConsumerPool          int                  `json:"consumer_pool"`
	Distribution          DistributionStrategy `json:"distribution"`
	Mechanics             OperationMechanics   `json:"mechanics"`
	Timerless             bool                 `json:"timerless"`
	Paused                bool                 `json:"paused"`
	CertificateLimit      int                  `json:"certificate_limit"`
	MaxTurns              int                  `json:"max_turns"`
	CreatedAt             time.Time            `json:"created_at"`
}

func (g Game) Modern() bool { return g.Mechanics == MechanicsModern }

type Turn struct {
	ID        string    `json:"id"`
	GameID    string    `json:"game_id"`
	Number    int       `json:"number"`
	CreatedAt time.Time `json:"created_at"`
}

type RoundKind string

const (
	RoundNone      RoundKind = ""
	RoundStock     RoundKind = "STOCK"
	RoundOperating RoundKind = "OPERATING"
	RoundInfluence RoundKind = "INFLUENCE"
)

// Round groups phases of one kind. For stock rounds SubRound counts the
// settlement windows opened so far, starting at 1.
type Round struct {
	ID        string    `json:"id"`
	GameID    string    `json:"game_id"`
	TurnID    string    `json:"turn_id"`
	Kind      RoundKind `json:"kind"`
	SubRound  int       `json:"sub_round"`
	CreatedAt time.Time `json:"created_at"`
}

// Phase is append-only history. Only StartedAt is written after creation.
type Phase struct {
	ID        string        `json:"id"`
	GameID    string        `json:"game_id"`
	TurnID    string        `json:"turn_id"`
	Name      PhaseName     `json:"name"`
	RoundID   string        `json:"round_id,omitempty"`
	RoundKind RoundKind     `json:"round_kind,omitempty"`
	SubRound  int           `json:"sub_round,omitempty"`
	CompanyID string        `json:"company_id,omitempty"`
	Duration  time.Duration `json:"duration"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

type Player struct {
	ID       string `json:"id"`
	GameID   string `json:"game_id"`
	Name     string `json:"name"`
	Cash     int64  `json:"cash"`
	Margin   int64  `json:"margin"`
	Priority int    `json:"priority"`
	IsBot    bool   `json:"is_bot"`
}

type CompanyStatus string

const (
	CompanyActive    CompanyStatus = "ACTIVE"
	CompanyInactive  CompanyStatus = "INACTIVE"
	CompanyInsolvent CompanyStatus = "INSOLVENT"
	CompanyBankrupt  CompanyStatus = "BANKRUPT"
)

type Company struct {
	ID                  string        `json:"id"`
	GameID              string        `json:"game_id"`
	Name                string        `json:"name"`
	Symbol              string        `json:"symbol"`
	StockPrice          int64         `json:"stock_price"`
	IPOPrice            int64         `json:"ipo_price"`
	StockTier           string        `json:"stock_tier"`
	TierSharesFulfilled int           `json:"tier_shares_fulfilled"`
	Cash                int64         `json:"cash"`
	Status              CompanyStatus `json:"status"`
}

// Tradable reports whether orders may target the company.
func (c Company) Tradable() bool {
	return c.Status == CompanyActive || c.Status == CompanyInsolvent
}

type ShareLocation string

const (
	LocationIPO        ShareLocation = "IPO"
	LocationOpenMarket ShareLocation = "OPEN_MARKET"
	LocationPlayer     ShareLocation = "PLAYER"
	LocationDerivative ShareLocation = "DERIVATIVE"
)

type Share struct {
	ID        string        `json:"id"`
	GameID    string        `json:"game_id"`
	CompanyID string        `json:"company_id"`
	Location  ShareLocation `json:"location"`
	PlayerID  string        `json:"player_id,omitempty"`
	Price     int64         `json:"price"`
	Committed bool          `json:"committed"`
}

// Consistent reports whether location and player reference agree.
func (s Share) Consistent() bool {
	if s.Location == LocationPlayer {
		return s.PlayerID != ""
	}
	return s.PlayerID == ""
}

type OrderKind string

const (
	OrderMarket OrderKind = "MARKET"
	OrderLimit  OrderKind = "LIMIT"
	OrderShort  OrderKind = "SHORT"
	OrderOption OrderKind = "OPTION"
)

type OrderStatus string

const (
	OrderPending                 OrderStatus = "PENDING"
	OrderOpen                    OrderStatus = "OPEN"
	OrderFilledPendingSettlement OrderStatus = "FILLED_PENDING_SETTLEMENT"
	OrderFilled                  OrderStatus = "FILLED"
	OrderRejected                OrderStatus = "REJECTED"
	OrderExpired                 OrderStatus = "EXPIRED"
)

func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderExpired
}

type PlayerOrder struct {
	ID                string        `json:"id"`
	GameID            string        `json:"game_id"`
	PlayerID          string        `json:"player_id"`
	CompanyID         string        `json:"company_id"`
	PhaseID           string        `json:"phase_id"`
	StockRoundID      string        `json:"stock_round_id"`
	SubRound          int           `json:"sub_round"`
	Kind              OrderKind     `json:"kind"`
	Location          ShareLocation `json:"location"`
	Quantity          int           `json:"quantity"`
	FilledQuantity    int           `json:"filled_quantity"`
	Value             int64         `json:"value"`
	IsSell            bool          `json:"is_sell"`
	Status            OrderStatus   `json:"status"`
	RejectReason      string        `json:"reject_reason,omitempty"`
	Strike            int64         `json:"strike,omitempty"`
	ExpiresTurn       int           `json:"expires_turn,omitempty"`
	MarginHeld        int64         `json:"margin_held,omitempty"`
	CoverRequested    bool          `json:"cover_requested,omitempty"`
	ExerciseRequested bool          `json:"exercise_requested,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

type EntityKind string

const (
	EntityBank       EntityKind = "BANK"
	EntityPlayer     EntityKind = "PLAYER"
	EntityCompany    EntityKind = "COMPANY"
	EntityMargin     EntityKind = "MARGIN"
	EntityOpenMarket EntityKind = "OPEN_MARKET"
	EntityIPO        EntityKind = "IPO"
)

// EntityRef names an economic entity. Bank, open market and IPO are
// per-game singletons and carry the game id.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

func Bank(gameID string) EntityRef           { return EntityRef{Kind: EntityBank, ID: gameID} }
func PlayerEntity(id string) EntityRef       { return EntityRef{Kind: EntityPlayer, ID: id} }
func CompanyEntity(id string) EntityRef      { return EntityRef{Kind: EntityCompany, ID: id} }
func MarginEntity(playerID string) EntityRef { return EntityRef{Kind: EntityMargin, ID: playerID} }
func OpenMarket(gameID string) EntityRef     { return EntityRef{Kind: EntityOpenMarket, ID: gameID} }
func IPO(companyID string) EntityRef         { return EntityRef{Kind: EntityIPO, ID: companyID} }

// MustStayNonNegative reports whether the entity's cash is covered by the
// non-negative balance invariant. The bank pool may run dry; that ends the game.
func (e EntityRef) MustStayNonNegative() bool {
	return e.Kind == EntityPlayer || e.Kind == EntityCompany || e.Kind == EntityMargin
}

func (e EntityRef) String() string { return string(e.Kind) + ":" + e.ID }

type TransactionType string

const (
	TxBuyShares      TransactionType = "BUY_SHARES"
	TxSellShares     TransactionType = "SELL_SHARES"
	TxShortOpen      TransactionType = "SHORT_OPEN"
	TxShortCover     TransactionType = "SHORT_COVER"
	TxShortInterest  TransactionType = "SHORT_INTEREST"
	TxMarginDeposit  TransactionType = "MARGIN_DEPOSIT"
	TxMarginRelease  TransactionType = "MARGIN_RELEASE"
	TxOptionPremium  TransactionType = "OPTION_PREMIUM"
	TxOptionExercise TransactionType = "OPTION_EXERCISE"
	TxShareIssue     TransactionType = "SHARE_ISSUE"
	TxTransfer       TransactionType = "TRANSFER"
)

// Transaction is an immutable ledger entry. Amount is cash, Shares a share count;
// either may be zero.
type Transaction struct {
	ID          string          `json:"id"`
	GroupID     string          `json:"group_id"`
	GameID      string          `json:"game_id"`
	TurnID      string          `json:"turn_id,omitempty"`
	PhaseID     string          `json:"phase_id,omitempty"`
	From        EntityRef       `json:"from"`
	To          EntityRef       `json:"to"`
	Amount      int64           `json:"amount"`
	Shares      int             `json:"shares"`
	CompanyID   string          `json:"company_id,omitempty"`
	Type        TransactionType `json:"type"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

type LogEntry struct {
	ID        string    `json:"id"`
	GameID    string    `json:"game_id"`
	PhaseID   string    `json:"phase_id,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
