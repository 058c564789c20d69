package config

import (
	"fmt"
	"os"
	"time"

	"bourse/internal/game"
	"bourse/internal/pricetrack"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// TierRule is one price grid tier as written in the rules file.
type TierRule struct {
	Name      string `yaml:"name"`
	From      int64  `yaml:"from"`
	To        int64  `yaml:"to"`
	Increment int64  `yaml:"increment"`
	FillSize  int    `yaml:"fill_size"`
}

// Rules are the tunable game rules shared by every game in the process.
type Rules struct {
	Tiers []TierRule `yaml:"tiers"`

	CommitBatchSize int           `yaml:"commit_batch_size"`
	CommitRetries   int           `yaml:"commit_retries"`
	CommitBackoff   time.Duration `yaml:"commit_backoff"`

	MaxSubRounds      int             `yaml:"max_sub_rounds"`
	MaxOwnershipPct   decimal.Decimal `yaml:"max_ownership_pct"`
	ShortsEnabled     bool            `yaml:"shorts_enabled"`
	ShortMarginPct    decimal.Decimal `yaml:"short_margin_pct"`
	ShortInterestPct  decimal.Decimal `yaml:"short_interest_pct"`
	OptionsEnabled    bool            `yaml:"options_enabled"`
	OptionTermTurns   int             `yaml:"option_term_turns"`
	CapitalGainsEvery int             `yaml:"capital_gains_every"`
	MintOnOversell    bool            `yaml:"mint_on_oversell"`

	StartingCash     int64 `yaml:"starting_cash"`
	BankPool         int64 `yaml:"bank_pool"`
	SharesPerCompany int   `yaml:"shares_per_company"`
	CertificateLimit int   `yaml:"certificate_limit"`
	MaxTurns         int   `yaml:"max_turns"`

	// SkipLoopCap bounds the scheduler's skip loop; 0 means one more than
	// the number of phase names.
	SkipLoopCap int `yaml:"skip_loop_cap"`
	// Durations overrides the default duration of named phases.
	Durations map[game.PhaseName]time.Duration `yaml:"durations"`
}

func DefaultRules() Rules {
	return Rules{
		Tiers: []TierRule{
			{Name: "INCUBATOR", From: 0, To: 10, Increment: 1, FillSize: 2},
			{Name: "STARTUP", From: 12, To: 30, Increment: 2, FillSize: 3},
			{Name: "GROWTH", From: 33, To: 60, Increment: 3, FillSize: 4},
			{Name: "ESTABLISHED", From: 65, To: 100, Increment: 5, FillSize: 5},
			{Name: "ENTERPRISE", From: 110, To: 200, Increment: 10, FillSize: 6},
			{Name: "CONGLOMERATE", From: 220, To: 400, Increment: 20, FillSize: 8},
			{Name: "TITAN", From: 450, To: 1000, Increment: 50, FillSize: 10},
		},
		CommitBatchSize:   5,
		CommitRetries:     3,
		CommitBackoff:     75 * time.Millisecond,
		MaxSubRounds:      3,
		MaxOwnershipPct:   decimal.NewFromInt(60),
		ShortsEnabled:     true,
		ShortMarginPct:    decimal.NewFromInt(50),
		ShortInterestPct:  decimal.NewFromInt(5),
		OptionsEnabled:    true,
		OptionTermTurns:   3,
		CapitalGainsEvery: 3,
		StartingCash:      300,
		BankPool:          12000,
		SharesPerCompany:  game.DefaultSharesPerCompany,
		CertificateLimit:  game.DefaultCertificateLimit,
		MaxTurns:          game.DefaultMaxTurns,
	}
}

// LoadRules overlays the YAML file at path on DefaultRules. An empty path
// returns the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("read rules: %w", err)
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return rules, fmt.Errorf("parse rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return rules, err
	}
	return rules, nil
}

func (r Rules) Validate() error {
	if _, err := r.Track(); err != nil {
		return err
	}
	if r.CommitBatchSize <= 0 {
		return fmt.Errorf("commit_batch_size must be > 0")
	}
	if r.CommitRetries <= 0 {
		return fmt.Errorf("commit_retries must be > 0")
	}
	if r.MaxSubRounds <= 0 {
		return fmt.Errorf("max_sub_rounds must be > 0")
	}
	hundred := decimal.NewFromInt(100)
	if !r.MaxOwnershipPct.IsPositive() || r.MaxOwnershipPct.GreaterThan(hundred) {
		return fmt.Errorf("max_ownership_pct must be in (0, 100]")
	}
	if r.ShortMarginPct.IsNegative() || r.ShortInterestPct.IsNegative() {
		return fmt.Errorf("short percentages must be >= 0")
	}
	if r.OptionTermTurns <= 0 {
		return fmt.Errorf("option_term_turns must be > 0")
	}
	if r.CapitalGainsEvery <= 0 {
		return fmt.Errorf("capital_gains_every must be > 0")
	}
	if r.SharesPerCompany <= 0 || r.CertificateLimit <= 0 || r.MaxTurns <= 0 {
		return fmt.Errorf("shares_per_company, certificate_limit and max_turns must be > 0")
	}
	if r.StartingCash < 0 || r.BankPool < 0 {
		return fmt.Errorf("starting_cash and bank_pool must be >= 0")
	}
	if r.SkipLoopCap < 0 {
		return fmt.Errorf("skip_loop_cap must be >= 0")
	}
	for name, d := range r.Durations {
		if !name.Valid() {
			return fmt.Errorf("durations: unknown phase %q", name)
		}
		if d < 0 {
			return fmt.Errorf("durations: %s must be >= 0", name)
		}
	}
	return nil
}

// Track builds the price grid described by Tiers.
func (r Rules) Track() (*pricetrack.Track, error) {
	tiers := make([]pricetrack.Tier, 0, len(r.Tiers))
	for _, t := range r.Tiers {
		prices := pricetrack.Range(t.From, t.To, t.Increment)
		if len(prices) == 0 {
			return nil, fmt.Errorf("%w: tier %q has an empty range", pricetrack.ErrInvalidTrack, t.Name)
		}
		tiers = append(tiers, pricetrack.Tier{Name: t.Name, Prices: prices, FillSize: t.FillSize})
	}
	return pricetrack.New(tiers)
}

// LoopCap is the effective skip loop bound.
func (r Rules) LoopCap() int {
	if r.SkipLoopCap > 0 {
		return r.SkipLoopCap
	}
	return len(game.AllPhaseNames) + 1
}
