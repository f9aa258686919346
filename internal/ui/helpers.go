package ui

import (
	"fmt"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"bookfetch/internal/download"
)

// ShortID trims a long transfer ID for display in the dashboard table.
// Handles UTF-8 properly by counting runes, not bytes.
func ShortID(id string) string {
	const maxLen = 8
	if utf8.RuneCountInString(id) <= maxLen {
		return id
	}

	// Truncate at rune boundary
	count := 0
	for i := range id {
		if count >= maxLen {
			return id[:i]
		}
		count++
	}
	return id
}

// ProgressLabel renders an item's progress column.
func ProgressLabel(it download.Item) string {
	switch {
	case it.State == download.StateCompleted:
		return "100%"
	case it.Indeterminate:
		return "…"
	default:
		return fmt.Sprintf("%d%%", it.Progress)
	}
}

// SizeLabel renders "received / total", or just the received size when the
// total is unknown.
func SizeLabel(bytes, total int64) string {
	if bytes < 0 {
		bytes = 0
	}
	if total <= 0 {
		return humanize.Bytes(uint64(bytes))
	}
	return humanize.Bytes(uint64(bytes)) + " / " + humanize.Bytes(uint64(total))
}

// StateClass maps a state to the badge CSS class.
func StateClass(s download.State) string {
	switch s {
	case download.StateCompleted:
		return "badge ok"
	case download.StateFailed:
		return "badge err"
	default:
		return "badge run"
	}
}
