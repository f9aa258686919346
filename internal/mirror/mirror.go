// Package mirror copies completed downloads into a blob bucket. Any bucket
// URL understood by gocloud.dev/blob can be used; file:// and mem:// are
// registered here.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"bookfetch/internal/download"
)

// ErrOutsideRoot is returned for files that are not under the mirror root.
var ErrOutsideRoot = errors.New("mirror: file outside output directory")

// Mirror is a download.PostProcessor that uploads each completed file to a
// bucket, keyed by its path relative to root.
type Mirror struct {
	bucket *blob.Bucket
	root   string
}

// Open opens bucketURL and returns a Mirror for files under root.
func Open(ctx context.Context, bucketURL, root string) (*Mirror, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	return New(bkt, root), nil
}

// New wraps an already opened bucket.
func New(bkt *blob.Bucket, root string) *Mirror {
	return &Mirror{bucket: bkt, root: filepath.Clean(root)}
}

// Key returns the object key for a local path.
func (m *Mirror) Key(path string) (string, error) {
	rel, err := filepath.Rel(m.root, filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return filepath.ToSlash(rel), nil
}

func (m *Mirror) Process(ctx context.Context, f download.File) error {
	key, err := m.Key(f.Path)
	if err != nil {
		return err
	}
	src, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := m.bucket.NewWriter(ctx, key, &blob.WriterOptions{
		Metadata: map[string]string{
			"source_url": f.URL,
			"title":      f.Title,
		},
	})
	if err != nil {
		return fmt.Errorf("create object %s: %w", key, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", key, err)
	}
	return nil
}

// Close releases the bucket.
func (m *Mirror) Close() error {
	return m.bucket.Close()
}
