package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"bookfetch/internal/download"
)

func TestHistorySink_RecordsLifecycle(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	sink := NewHistorySink(store)
	tr := download.Transfer{ID: "tid", URL: "https://example.com/a.epub", Destination: "/books/a.epub", Title: "A"}

	sink.OnStarted(tr)
	sink.OnProgress(tr, download.IndeterminateProgress())
	sink.OnProgress(tr, download.Progress{Percent: 50, Bytes: 500, Total: 1000})

	rows, err := store.ListTransfers(ctx, ListFilter{})
	if err != nil || len(rows) != 1 {
		t.Fatalf("ListTransfers() = %d rows, %v", len(rows), err)
	}
	if rows[0].Progress != 50 || rows[0].Status != StatusDownloading {
		t.Errorf("unexpected in-flight row %+v", rows[0])
	}

	sink.OnCompleted(tr, download.Completion{Bytes: 1000})
	got, _, _ := store.GetTransfer(ctx, rows[0].ID)
	if got.Status != StatusCompleted || got.Bytes != 1000 {
		t.Errorf("unexpected completed row %+v", got)
	}
	if len(sink.rows) != 0 {
		t.Errorf("row mapping leaked: %v", sink.rows)
	}
}

func TestHistorySink_FailureAndCancel(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()
	sink := NewHistorySink(store)

	failed := download.Transfer{ID: "f", URL: "https://example.com/f"}
	sink.OnStarted(failed)
	sink.OnCompleted(failed, download.Completion{Err: errors.New("connection reset")})

	canceled := download.Transfer{ID: "c", URL: "https://example.com/c"}
	sink.OnStarted(canceled)
	sink.OnCompleted(canceled, download.Completion{Err: context.Canceled})

	f, _ := store.ListTransfers(ctx, ListFilter{URL: failed.URL})
	if len(f) != 1 || f[0].Status != StatusFailed || f[0].ErrorMessage != "connection reset" {
		t.Errorf("unexpected failed rows %+v", f)
	}
	c, _ := store.ListTransfers(ctx, ListFilter{URL: canceled.URL})
	if len(c) != 1 || c[0].Status != StatusCanceled {
		t.Errorf("unexpected canceled rows %+v", c)
	}
}

func TestHistorySink_UnknownTransferIgnored(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	sink := NewHistorySink(store)

	sink.OnProgress(download.Transfer{ID: "ghost"}, download.Progress{Percent: 10})
	sink.OnCompleted(download.Transfer{ID: "ghost"}, download.Completion{})

	rows, _ := store.ListTransfers(context.Background(), ListFilter{})
	if len(rows) != 0 {
		t.Errorf("expected no rows, got %+v", rows)
	}
}

func TestIndexer_Process(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "a.epub")
	content := []byte("Call me Ishmael.")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)

	ix := NewIndexer(store)
	if err := ix.Process(ctx, download.File{URL: "https://example.com/a.epub", Path: path, Title: "A"}); err != nil {
		t.Fatalf("Process() failed: %v", err)
	}

	got, ok, err := store.GetLibraryEntry(ctx, path)
	if err != nil || !ok {
		t.Fatalf("GetLibraryEntry() = %v, %v", ok, err)
	}
	if got.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("sha256 = %s, want %x", got.SHA256, sum)
	}
	if got.Size != int64(len(content)) || got.Title != "A" {
		t.Errorf("unexpected entry %+v", got)
	}
}

func TestIndexer_MissingFile(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	gone := filepath.Join(t.TempDir(), "gone")
	if err := store.IndexFile(ctx, LibraryEntry{Path: gone, URL: "https://example.com/gone"}); err != nil {
		t.Fatalf("IndexFile() failed: %v", err)
	}

	ix := NewIndexer(store)
	err := ix.Process(ctx, download.File{Path: gone})
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
	if _, ok, _ := store.GetLibraryEntry(ctx, gone); ok {
		t.Error("stale library entry kept for a missing file")
	}
}

func TestIndexer_CanceledContext(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	path := filepath.Join(t.TempDir(), "a")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewIndexer(store).Process(ctx, download.File{Path: path}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
