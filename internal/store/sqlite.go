package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bookfetch/internal/logging"

	_ "modernc.org/sqlite"
)

// Transfer status values stored in the transfers table.
const (
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCanceled    = "canceled"
)

// Transfer represents a row in the transfers table.
type Transfer struct {
	ID           int64     `json:"id"`
	TransferID   string    `json:"transfer_id"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Destination  string    `json:"destination"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress"`
	Bytes        int64     `json:"bytes"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store wraps an sql.DB and provides typed helpers.
type Store struct {
	db *sql.DB

	subMu sync.RWMutex
	subs  map[chan ChangeEvent]struct{}
}

type ChangeType string

const (
	ChangeUpsert  ChangeType = "upsert"
	ChangeLibrary ChangeType = "library"
)

type ChangeEvent struct {
	Type ChangeType
	ID   int64 // 0 means "resync needed"
}

// Open opens or creates a SQLite database at the given path and ensures schema.
func Open(path string) (*Store, error) {
	// Pragmas: busy timeout and WAL for better concurrency.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Conservative limits.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db:   db,
		subs: make(map[chan ChangeEvent]struct{}),
	}, nil
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS transfers (
    id INTEGER PRIMARY KEY,
    transfer_id TEXT NOT NULL,
    url TEXT NOT NULL,
    title TEXT,
    destination TEXT NOT NULL,
    status TEXT NOT NULL,
    progress INTEGER DEFAULT 0,
    bytes INTEGER DEFAULT 0,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
CREATE INDEX IF NOT EXISTS idx_transfers_created_at ON transfers(created_at);
CREATE INDEX IF NOT EXISTS idx_transfers_url ON transfers(url);

CREATE TABLE IF NOT EXISTS library (
    path TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    title TEXT,
    size INTEGER NOT NULL,
    sha256 TEXT NOT NULL,
    indexed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

// SubscribeChanges subscribes to mutation events.
// The returned unsubscribe function must be called to avoid leaks.
func (s *Store) SubscribeChanges(buffer int) (<-chan ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ChangeEvent, buffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	unsubscribe := func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}
	return ch, unsubscribe
}

func (s *Store) emitChange(evt ChangeEvent) {
	s.subMu.RLock()
	targets := make([]chan ChangeEvent, 0, len(s.subs))
	for ch := range s.subs {
		targets = append(targets, ch)
	}
	s.subMu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			// Channel is saturated; collapse to a single resync event.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ChangeEvent{Type: evt.Type, ID: 0}:
			default:
			}
		}
	}
}

// RecordStarted inserts a downloading row for an accepted transfer and returns its ID.
func (s *Store) RecordStarted(ctx context.Context, transferID, url, title, destination string) (int64, error) {
	if strings.TrimSpace(url) == "" {
		return 0, ErrEmptyURL
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO transfers (transfer_id, url, title, destination, status, progress, bytes)
VALUES (?, ?, ?, ?, ?, 0, 0)`, transferID, url, title, destination, StatusDownloading)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get insert id: %w", err)
	}
	logging.LogDBUpdate("record_started", id, map[string]any{"url": url, "destination": destination})
	s.emitChange(ChangeEvent{Type: ChangeUpsert, ID: id})
	return id, nil
}

// RecordProgress stores the latest percentage and byte count for a row.
func (s *Store) RecordProgress(ctx context.Context, id int64, progress int, bytes int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE transfers SET progress = ?, bytes = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`,
		progress, bytes, id, StatusDownloading)
	if err != nil {
		return err
	}
	logging.LogDBUpdate("record_progress", id, map[string]any{"progress": progress})
	s.emitChange(ChangeEvent{Type: ChangeUpsert, ID: id})
	return nil
}

// RecordCompleted moves a row to its terminal status. errMsg is stored only
// for failed and canceled rows.
func (s *Store) RecordCompleted(ctx context.Context, id int64, status string, bytes int64, errMsg string) error {
	st := normalizeStatus(status)
	var err error
	if st == StatusCompleted {
		_, err = s.db.ExecContext(ctx, `UPDATE transfers SET status = ?, progress = 100, bytes = ?, error_message = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			st, bytes, id)
	} else {
		var msg any
		if trimmed := strings.TrimSpace(errMsg); trimmed != "" {
			msg = trimmed
		}
		_, err = s.db.ExecContext(ctx, `UPDATE transfers SET status = ?, bytes = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			st, bytes, msg, id)
	}
	if err != nil {
		return err
	}
	fields := map[string]any{"status": st, "bytes": bytes}
	if errMsg != "" {
		fields["error_message"] = errMsg
	}
	logging.LogDBUpdate("record_completed", id, fields)
	s.emitChange(ChangeEvent{Type: ChangeUpsert, ID: id})
	return nil
}

// ListFilter narrows ListTransfers.
type ListFilter struct {
	Status string // optional: downloading|completed|failed|canceled
	URL    string // optional exact match
	Sort   string // created_at|title|status
	Order  string // asc|desc
	Limit  int    // optional
	Offset int    // optional
}

const transferColumns = `id, transfer_id, url, title, destination, status, progress, bytes, error_message, created_at, updated_at`

// ListTransfers returns transfer rows filtered and sorted.
func (s *Store) ListTransfers(ctx context.Context, f ListFilter) ([]Transfer, error) {
	sortCol := "created_at"
	switch strings.ToLower(f.Sort) {
	case "title":
		sortCol = "title"
	case "status":
		sortCol = "status"
	}
	order := "DESC"
	if strings.ToLower(f.Order) == "asc" {
		order = "ASC"
	}

	var (
		args  []any
		where []string
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, normalizeStatus(f.Status))
	}
	if f.URL != "" {
		where = append(where, "url = ?")
		args = append(args, f.URL)
	}

	sb := strings.Builder{}
	sb.WriteString("SELECT " + transferColumns + " FROM transfers")
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(sortCol)
	sb.WriteByte(' ')
	sb.WriteString(order)
	sb.WriteString(", id ")
	sb.WriteString(order)
	if f.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
		if f.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, f.Offset)
		}
	} else if f.Offset > 0 {
		sb.WriteString(" LIMIT -1 OFFSET ?")
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Transfer, 0, 64)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTransfer returns a single row by ID.
func (s *Store) GetTransfer(ctx context.Context, id int64) (Transfer, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transfer{}, false, nil
	}
	if err != nil {
		return Transfer{}, false, err
	}
	return t, true, nil
}

// CountByStatus returns the number of rows with the given status.
func (s *Store) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfers WHERE status = ?`, normalizeStatus(status)).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// MarkInterrupted fails rows left in downloading by a previous process.
func (s *Store) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE transfers SET status = ?, error_message = 'interrupted', updated_at = CURRENT_TIMESTAMP WHERE status = ?`,
		StatusFailed, StatusDownloading)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		logging.LogDBOperation("mark_interrupted", affected, nil)
		s.emitChange(ChangeEvent{Type: ChangeUpsert, ID: 0})
	}
	return affected, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(r scanner) (Transfer, error) {
	var (
		t      Transfer
		title  sql.NullString
		errMsg sql.NullString
	)
	if err := r.Scan(&t.ID, &t.TransferID, &t.URL, &title, &t.Destination, &t.Status, &t.Progress, &t.Bytes, &errMsg, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Transfer{}, err
	}
	t.Title = title.String
	t.ErrorMessage = errMsg.String
	return t, nil
}

func normalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "started", "downloading":
		return StatusDownloading
	case "completed", "success", "succeeded":
		return StatusCompleted
	case "canceled", "cancelled":
		return StatusCanceled
	default:
		return StatusFailed
	}
}
