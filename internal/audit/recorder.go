// Package audit keeps an append-only, zstd compressed JSONL trail of every
// committed ledger transaction.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"bourse/internal/game"
)

// Recorder rotates its output file once per UTC day. Each Record call is
// flushed as its own zstd frame so a crash loses at most the call in flight.
type Recorder struct {
	dir    string
	prefix string
	log    *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	curDay string
	f      *os.File
	enc    *zstd.Encoder
	w      *bufio.Writer
}

func NewRecorder(dir string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{dir: dir, prefix: "transactions", log: logger, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, txs []game.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	day := r.now().UTC().Format("2006-01-02")
	if day != r.curDay {
		if err := r.rotateLocked(day); err != nil {
			return fmt.Errorf("rotate audit file: %w", err)
		}
	}
	for _, tx := range txs {
		b, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		if _, err := r.w.Write(b); err != nil {
			return err
		}
		if err := r.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := r.w.Flush(); err != nil {
		return err
	}
	if err := r.enc.Flush(); err != nil {
		return err
	}
	r.log.Debug("audit recorded", "count", len(txs), "file", r.pathFor(day))
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *Recorder) rotateLocked(day string) error {
	if err := r.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.pathFor(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	r.f = f
	r.enc = enc
	r.w = bufio.NewWriterSize(enc, 64*1024)
	r.curDay = day
	return nil
}

func (r *Recorder) closeLocked() error {
	var err error
	if r.w != nil {
		_ = r.w.Flush()
	}
	if r.enc != nil {
		err = r.enc.Close()
		r.enc = nil
	}
	if r.f != nil {
		_ = r.f.Close()
		r.f = nil
	}
	r.w = nil
	r.curDay = ""
	return err
}

func (r *Recorder) pathFor(day string) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s-%s.jsonl.zst", r.prefix, day))
}

// Files lists the audit files under dir, oldest first.
func Files(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "transactions-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Replay decodes every transaction in path in write order. fn returning an
// error stops the scan.
func Replay(path string, fn func(game.Transaction) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return decode(f, fn)
}

func decode(src io.Reader, fn func(game.Transaction) error) error {
	dec, err := zstd.NewReader(src)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var tx game.Transaction
		if err := json.Unmarshal(sc.Bytes(), &tx); err != nil {
			return fmt.Errorf("decode audit line: %w", err)
		}
		if err := fn(tx); err != nil {
			return err
		}
	}
	return sc.Err()
}
