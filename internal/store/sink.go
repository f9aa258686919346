package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"bookfetch/internal/download"
	"bookfetch/internal/logging"
)

const sinkWriteTimeout = 5 * time.Second

// HistorySink persists transfer events as rows in the transfers table.
// Database errors are logged; they never affect the transfer itself.
type HistorySink struct {
	store *Store

	mu   sync.Mutex
	rows map[string]int64 // transfer key -> row id
}

// NewHistorySink returns a sink writing to s.
func NewHistorySink(s *Store) *HistorySink {
	return &HistorySink{store: s, rows: make(map[string]int64)}
}

func sinkKey(t download.Transfer) string { return t.ID + "|" + t.URL }

func (h *HistorySink) OnStarted(t download.Transfer) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()
	id, err := h.store.RecordStarted(ctx, t.ID, t.URL, t.Title, t.Destination)
	if err != nil {
		logging.LogDBOperation("record_started", 0, err)
		return
	}
	h.mu.Lock()
	h.rows[sinkKey(t)] = id
	h.mu.Unlock()
}

func (h *HistorySink) OnProgress(t download.Transfer, p download.Progress) {
	if p.Indeterminate {
		return
	}
	id, ok := h.rowID(t, false)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()
	if err := h.store.RecordProgress(ctx, id, p.Percent, p.Bytes); err != nil {
		logging.LogDBOperation("record_progress", id, err)
	}
}

func (h *HistorySink) OnCompleted(t download.Transfer, c download.Completion) {
	id, ok := h.rowID(t, true)
	if !ok {
		return
	}
	status := StatusCompleted
	switch {
	case c.Canceled():
		status = StatusCanceled
	case !c.Success():
		status = StatusFailed
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()
	if err := h.store.RecordCompleted(ctx, id, status, c.Bytes, c.Message()); err != nil {
		logging.LogDBOperation("record_completed", id, err)
	}
}

func (h *HistorySink) rowID(t download.Transfer, remove bool) (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.rows[sinkKey(t)]
	if ok && remove {
		delete(h.rows, sinkKey(t))
	}
	return id, ok
}

// Indexer is a post-processor that records each completed file in the
// library table together with its size and SHA-256.
type Indexer struct {
	store *Store
}

// NewIndexer returns an Indexer writing to s.
func NewIndexer(s *Store) *Indexer {
	return &Indexer{store: s}
}

func (ix *Indexer) Process(ctx context.Context, f download.File) error {
	sum, size, err := hashFile(ctx, f.Path)
	if errors.Is(err, os.ErrNotExist) {
		// a stale entry must not outlive its file
		if rerr := ix.store.RemoveLibraryEntry(ctx, f.Path); rerr != nil {
			logging.LogDBOperation("remove_library_entry", 0, rerr)
		}
	}
	if err != nil {
		return fmt.Errorf("index %s: %w", f.Path, err)
	}
	return ix.store.IndexFile(ctx, LibraryEntry{
		Path:   f.Path,
		URL:    f.URL,
		Title:  f.Title,
		Size:   size,
		SHA256: sum,
	})
}

func hashFile(ctx context.Context, path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	h := sha256.New()
	n, err := io.Copy(h, ctxReader{ctx: ctx, r: file})
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ctxReader stops a long read once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
