package ui

import "bookfetch/internal/download"

// TruncateWithEllipsis truncates text to maxRunes and appends an ellipsis when needed.
func TruncateWithEllipsis(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "…"
}

// DisplayTitle falls back to the URL when an item has no title.
func DisplayTitle(it download.Item) string {
	if it.Title != "" {
		return TruncateWithEllipsis(it.Title, 80)
	}
	return TruncateWithEllipsis(it.URL, 80)
}
