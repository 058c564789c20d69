package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bourse/internal/game"
	"bourse/internal/pricetrack"

	"github.com/shopspring/decimal"
)

func TestDefaultRulesValidate(t *testing.T) {
	r := DefaultRules()
	if err := r.Validate(); err != nil {
		t.Fatalf("default rules invalid: %v", err)
	}
	tr, err := r.Track()
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if tr.Floor() != 0 || tr.Ceiling() != 1000 {
		t.Fatalf("unexpected grid bounds %d..%d", tr.Floor(), tr.Ceiling())
	}
	if r.LoopCap() != len(game.AllPhaseNames)+1 {
		t.Fatalf("loop cap got %d", r.LoopCap())
	}
}

func TestLoadRulesOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	body := `
commit_batch_size: 4
max_ownership_pct: "55.5"
mint_on_oversell: true
durations:
  STOCK_ACTION_ORDER: 2m
tiers:
  - {name: LOW, from: 10, to: 50, increment: 10, fill_size: 3}
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	r, err := LoadRules(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.CommitBatchSize != 4 || r.CommitRetries != 3 {
		t.Fatalf("batch=%d retries=%d", r.CommitBatchSize, r.CommitRetries)
	}
	if !r.MaxOwnershipPct.Equal(decimal.RequireFromString("55.5")) {
		t.Fatalf("ownership pct got %s", r.MaxOwnershipPct)
	}
	if !r.MintOnOversell {
		t.Fatalf("expected mint_on_oversell")
	}
	if r.Durations[game.PhaseStockActionOrder] != 2*time.Minute {
		t.Fatalf("duration got %s", r.Durations[game.PhaseStockActionOrder])
	}
	tr, _ := r.Track()
	if tr.Ceiling() != 50 {
		t.Fatalf("ceiling got %d", tr.Ceiling())
	}
}

func TestRulesValidateRejects(t *testing.T) {
	cases := map[string]func(*Rules){
		"descending grid": func(r *Rules) {
			r.Tiers = []TierRule{{Name: "A", From: 10, To: 20, Increment: 5, FillSize: 1}, {Name: "B", From: 5, To: 8, Increment: 1, FillSize: 1}}
		},
		"zero batch":     func(r *Rules) { r.CommitBatchSize = 0 },
		"ownership 101":  func(r *Rules) { r.MaxOwnershipPct = decimal.NewFromInt(101) },
		"unknown phase":  func(r *Rules) { r.Durations = map[game.PhaseName]time.Duration{"NOPE": time.Second} },
		"negative bank":  func(r *Rules) { r.BankPool = -1 },
		"no sub-rounds":  func(r *Rules) { r.MaxSubRounds = 0 },
		"empty tier":     func(r *Rules) { r.Tiers = []TierRule{{Name: "A", From: 5, To: 1, Increment: 1, FillSize: 1}} },
		"negative short": func(r *Rules) { r.ShortInterestPct = decimal.NewFromInt(-1) },
	}
	for name, mutate := range cases {
		r := DefaultRules()
		mutate(&r)
		if err := r.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	r := DefaultRules()
	r.Tiers[1].FillSize = 0
	if err := r.Validate(); !errors.Is(err, pricetrack.ErrInvalidTrack) {
		t.Fatalf("expected ErrInvalidTrack, got %v", err)
	}
}

func TestLoadAPIFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("BOURSE_STORE", "memory")
	t.Setenv("BOURSE_READINESS_CAPACITY", "8")
	cfg, err := LoadAPIFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.Store != StoreMemory || cfg.ReadinessCapacity != 8 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	t.Setenv("BOURSE_STORE", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := LoadAPIFromEnv(); err == nil {
		t.Fatalf("expected DATABASE_URL error")
	}
	t.Setenv("BOURSE_STORE", "mongo")
	if _, err := LoadAPIFromEnv(); err == nil {
		t.Fatalf("expected store error")
	}
}
