package notify_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"bourse/internal/game"
	"bourse/internal/market"
	"bourse/internal/notify"
	"bourse/internal/scheduler"
)

func TestSchemas_ValidatePayloads(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}
	// round trip through json so the validator sees the wire form
	validate := func(s *jsonschema.Schema, payload any) {
		t.Helper()
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate %s: %v", b, err)
		}
	}

	validate(compile("phase_changed.schema.json"), scheduler.PhaseEvent{
		GameID: "g1", PhaseID: "p1", Name: game.PhaseStockActionOrder,
		RoundKind: game.RoundStock, SubRound: 2, CompanyID: "c1",
		TurnNumber: 3, RemainingMS: 15000,
	})
	validate(compile("readiness_changed.schema.json"), scheduler.ReadyState{
		GameID: "g1", PhaseID: "p1", Ready: []string{"a"}, Waiting: []string{"b"},
	})
	validate(compile("game_state.schema.json"), scheduler.GameEvent{
		GameID: "g1", Status: game.GameFinished, PhaseID: "p9",
	})
	validate(compile("orders_resolved.schema.json"), market.Summary{
		GameID: "g1", Phase: game.PhaseStockResolveMarket, Filled: 1, Rejected: 1,
		Windows: []market.WindowResult{{
			CompanyID:   "c1",
			Filled:      []market.OrderFill{{OrderID: "o1", PlayerID: "a", Quantity: 2, Price: 40}},
			Rejected:    []market.Rejection{{OrderID: "o2", PlayerID: "b", Quantity: 1, Reason: "insufficient cash"}},
			NetQuantity: 2, PriceBefore: 39, PriceAfter: 40, Steps: 1,
		}},
	})

	h := notify.NewHub(nil, 1)
	ch, cancel := h.Subscribe("g1")
	defer cancel()
	h.Publish("g1", scheduler.EventGamePaused, scheduler.GameEvent{GameID: "g1", Status: game.GameActive, Paused: true})
	select {
	case ev := <-ch:
		validate(compile("event.schema.json"), ev)
	case <-time.After(time.Second):
		t.Fatalf("no event")
	}
}

func TestSchemas_RejectBadPayloads(t *testing.T) {
	s, err := jsonschema.Compile(filepath.Join("..", "..", "schemas", "phase_changed.schema.json"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var v any
	_ = json.Unmarshal([]byte(`{"game_id":"g1","phase_id":"p1","name":"stock action","turn_number":0,"remaining_ms":-1,"timerless":false}`), &v)
	if err := s.Validate(v); err == nil {
		t.Fatalf("bad payload validated")
	}
}
