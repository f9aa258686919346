package store

import "errors"

var (
	// ErrEmptyURL indicates a URL parameter is missing or empty
	ErrEmptyURL = errors.New("empty_url")

	// ErrEmptyPath indicates a library path parameter is missing or empty
	ErrEmptyPath = errors.New("empty_path")
)
