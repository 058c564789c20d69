package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bourse/internal/game"
	"bourse/internal/store"
)

// Recorder receives transactions after their batch committed.
type Recorder interface {
	Record(ctx context.Context, txs []game.Transaction) error
}

type Options struct {
	BatchSize int
	Retries   int
	Backoff   time.Duration
}

type Service struct {
	repo     store.Repository
	log      *slog.Logger
	opts     Options
	recorder Recorder
}

func NewService(repo store.Repository, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 75 * time.Millisecond
	}
	return &Service{repo: repo, log: logger, opts: opts}
}

func (s *Service) SetRecorder(r Recorder) { s.recorder = r }

// Commit writes batches in chunks of BatchSize, one repository transaction
// per chunk. A chunk is retried on transient failure; anything else, or a
// chunk that keeps conflicting, aborts the remaining chunks.
func (s *Service) Commit(ctx context.Context, batches []*Batch) error {
	var pending []*Batch
	for _, b := range batches {
		if b != nil && !b.Empty() {
			pending = append(pending, b)
		}
	}
	for start := 0; start < len(pending); start += s.opts.BatchSize {
		end := min(start+s.opts.BatchSize, len(pending))
		chunk := pending[start:end]
		err := s.withRetry(ctx, chunk[0].Label, func(tx store.Tx) error {
			for _, b := range chunk {
				if err := b.Apply(ctx, tx); err != nil {
					return fmt.Errorf("batch %s: %w", b.Label, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.record(ctx, chunk)
	}
	return nil
}

func (s *Service) record(ctx context.Context, chunk []*Batch) {
	if s.recorder == nil {
		return
	}
	var txs []game.Transaction
	for _, b := range chunk {
		txs = append(txs, b.Transactions...)
	}
	if len(txs) == 0 {
		return
	}
	if err := s.recorder.Record(ctx, txs); err != nil {
		s.log.Warn("record transactions failed", "count", len(txs), "err", err)
	}
}

func (s *Service) withRetry(ctx context.Context, label string, fn func(tx store.Tx) error) error {
	retryDelay := s.opts.Backoff
	var lastErr error
	for attempt := 0; attempt < s.opts.Retries; attempt++ {
		err := s.repo.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !store.IsTransient(err) {
			return classify(err)
		}
		lastErr = err
		s.log.Warn("ledger commit conflict", "batch", label, "attempt", attempt+1, "err", err)
		if attempt == s.opts.Retries-1 {
			break
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	s.log.Error("ledger commit retries exhausted", "batch", label, "attempts", s.opts.Retries, "err", lastErr)
	return fmt.Errorf("%w: %w: batch %s failed after %d attempts: %v",
		game.ErrInvariantViolation, game.ErrTxConflict, label, s.opts.Retries, lastErr)
}

// classify escalates write-time balance and allocation failures to
// invariant violations and passes everything else through.
func classify(err error) error {
	if errors.Is(err, game.ErrInvariantViolation) {
		return err
	}
	if errors.Is(err, game.ErrNegativeBalance) || errors.Is(err, game.ErrOverAllocation) {
		return fmt.Errorf("%w: %w", game.ErrInvariantViolation, err)
	}
	return err
}

// single runs one staged operation against the repository's current state
// inside one retried transaction.
func (s *Service) single(ctx context.Context, gameID, label string, stage func(b *Book, batch *Batch) error) error {
	var done *Batch
	err := s.withRetry(ctx, label, func(tx store.Tx) error {
		b, err := Load(ctx, tx, gameID)
		if err != nil {
			return err
		}
		batch := &Batch{Label: label}
		if err := stage(b, batch); err != nil {
			return err
		}
		done = batch
		return batch.Apply(ctx, tx)
	})
	if err != nil {
		return err
	}
	s.record(ctx, []*Batch{done})
	return nil
}

// AddMoney pays amount from the bank to to.
func (s *Service) AddMoney(ctx context.Context, gameID string, to game.EntityRef, amount int64, desc string) error {
	return s.single(ctx, gameID, "add-money", func(b *Book, batch *Batch) error {
		return b.Transfer(batch, game.Bank(gameID), to, amount, game.TxTransfer, "", desc)
	})
}

// RemoveMoney takes amount from from into the bank. It fails with
// ErrInsufficientFunds rather than clamping.
func (s *Service) RemoveMoney(ctx context.Context, gameID string, from game.EntityRef, amount int64, desc string) error {
	return s.single(ctx, gameID, "remove-money", func(b *Book, batch *Batch) error {
		return b.Transfer(batch, from, game.Bank(gameID), amount, game.TxTransfer, "", desc)
	})
}

func (s *Service) TransferMoney(ctx context.Context, gameID string, from, to game.EntityRef, amount int64, kind game.TransactionType, desc string) error {
	return s.single(ctx, gameID, "transfer-money", func(b *Book, batch *Batch) error {
		return b.Transfer(batch, from, to, amount, kind, "", desc)
	})
}

func (s *Service) TransferShares(ctx context.Context, gameID, companyID string, from, to Holder, qty int, price int64, desc string) error {
	return s.single(ctx, gameID, "transfer-shares", func(b *Book, batch *Batch) error {
		return b.MoveShares(batch, companyID, from, to, qty, price, game.TxTransfer, desc)
	})
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
