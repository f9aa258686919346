package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"bookfetch/internal/logging"
)

// LibraryEntry is one indexed file in the output directory.
type LibraryEntry struct {
	Path      string    `json:"path"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	IndexedAt time.Time `json:"indexed_at"`
}

// IndexFile inserts or replaces the library entry for e.Path.
func (s *Store) IndexFile(ctx context.Context, e LibraryEntry) error {
	if strings.TrimSpace(e.Path) == "" {
		return ErrEmptyPath
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO library (path, url, title, size, sha256, indexed_at)
VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(path) DO UPDATE SET
    url = excluded.url,
    title = excluded.title,
    size = excluded.size,
    sha256 = excluded.sha256,
    indexed_at = CURRENT_TIMESTAMP`, e.Path, e.URL, e.Title, e.Size, e.SHA256)
	if err != nil {
		return err
	}
	logging.LogDBUpdate("index_file", 0, map[string]any{"path": e.Path, "url": e.URL, "size": e.Size})
	s.emitChange(ChangeEvent{Type: ChangeLibrary})
	return nil
}

// ListLibrary returns indexed files, most recently indexed first.
func (s *Store) ListLibrary(ctx context.Context, limit int) ([]LibraryEntry, error) {
	q := `SELECT path, url, title, size, sha256, indexed_at FROM library ORDER BY indexed_at DESC, path ASC`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LibraryEntry
	for rows.Next() {
		e, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetLibraryEntry returns the entry stored for path.
func (s *Store) GetLibraryEntry(ctx context.Context, path string) (LibraryEntry, bool, error) {
	if strings.TrimSpace(path) == "" {
		return LibraryEntry{}, false, ErrEmptyPath
	}
	row := s.db.QueryRowContext(ctx, `SELECT path, url, title, size, sha256, indexed_at FROM library WHERE path = ?`, path)
	e, err := scanLibrary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LibraryEntry{}, false, nil
	}
	if err != nil {
		return LibraryEntry{}, false, err
	}
	return e, true, nil
}

// RemoveLibraryEntry drops the entry for path, e.g. after the file was deleted.
func (s *Store) RemoveLibraryEntry(ctx context.Context, path string) error {
	if strings.TrimSpace(path) == "" {
		return ErrEmptyPath
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM library WHERE path = ?`, path); err != nil {
		return err
	}
	s.emitChange(ChangeEvent{Type: ChangeLibrary})
	return nil
}

func scanLibrary(r scanner) (LibraryEntry, error) {
	var (
		e     LibraryEntry
		title sql.NullString
	)
	if err := r.Scan(&e.Path, &e.URL, &title, &e.Size, &e.SHA256, &e.IndexedAt); err != nil {
		return LibraryEntry{}, err
	}
	e.Title = title.String
	return e, nil
}
