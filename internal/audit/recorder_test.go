package audit

import (
	"context"
	"testing"
	"time"

	"bourse/internal/game"
	"bourse/internal/ledger"
)

var _ ledger.Recorder = (*Recorder)(nil)

func tx(id string, amount int64) game.Transaction {
	return game.Transaction{
		ID:     id,
		GameID: "g1",
		From:   game.Bank("g1"),
		To:     game.PlayerEntity("p1"),
		Amount: amount,
		Type:   game.TxTransfer,
	}
}

func TestRecorderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rec := NewRecorder(dir, nil)
	ctx := context.Background()
	if err := rec.Record(ctx, []game.Transaction{tx("t1", 10), tx("t2", 20)}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := rec.Record(ctx, []game.Transaction{tx("t3", 30)}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := rec.Record(ctx, nil); err != nil {
		t.Fatalf("empty record: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := Files(dir)
	if err != nil || len(files) != 1 {
		t.Fatalf("files got %v %v", files, err)
	}
	var ids []string
	var total int64
	err = Replay(files[0], func(t game.Transaction) error {
		ids = append(ids, t.ID)
		total += t.Amount
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(ids) != 3 || ids[0] != "t1" || ids[2] != "t3" || total != 60 {
		t.Fatalf("replayed %v total %d", ids, total)
	}
}

func TestRecorderRotatesDaily(t *testing.T) {
	dir := t.TempDir()
	rec := NewRecorder(dir, nil)
	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return day }
	ctx := context.Background()
	if err := rec.Record(ctx, []game.Transaction{tx("t1", 1)}); err != nil {
		t.Fatalf("record: %v", err)
	}
	day = day.Add(2 * time.Hour)
	if err := rec.Record(ctx, []game.Transaction{tx("t2", 2)}); err != nil {
		t.Fatalf("record: %v", err)
	}
	_ = rec.Close()

	files, _ := Files(dir)
	if len(files) != 2 {
		t.Fatalf("files got %v", files)
	}
	var first []string
	_ = Replay(files[0], func(t game.Transaction) error { first = append(first, t.ID); return nil })
	if len(first) != 1 || first[0] != "t1" {
		t.Fatalf("first day got %v", first)
	}
}

func TestRecorderReopensAppending(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	for _, id := range []string{"t1", "t2"} {
		rec := NewRecorder(dir, nil)
		if err := rec.Record(ctx, []game.Transaction{tx(id, 5)}); err != nil {
			t.Fatalf("record: %v", err)
		}
		_ = rec.Close()
	}
	files, _ := Files(dir)
	var n int
	_ = Replay(files[0], func(game.Transaction) error { n++; return nil })
	if n != 2 {
		t.Fatalf("replayed %d transactions across reopen", n)
	}
}
