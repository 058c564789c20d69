package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"bourse/internal/game"
	"bourse/internal/store"
	"bourse/internal/store/storetest"
)

func setupTestDB(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Repository { return setupTestDB(t) })
}

func TestReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bourse.db")
	ctx := context.Background()
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertGame(ctx, game.Game{ID: "g1", Name: "kept", Status: game.GameActive, BankPool: 12})
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = s.Close()

	s, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	g, err := s.Game(ctx, "g1")
	if err != nil || g.Name != "kept" || g.BankPool != 12 {
		t.Fatalf("game got %+v %v", g, err)
	}
}

func TestClassifyBusy(t *testing.T) {
	if !store.IsTransient(classify(errors.New("database is locked (5) (SQLITE_BUSY)"))) {
		t.Fatalf("busy should be transient")
	}
	if store.IsTransient(classify(errors.New("UNIQUE constraint failed"))) {
		t.Fatalf("constraint errors are not transient")
	}
}
