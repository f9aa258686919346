package download

import (
	"context"
	"errors"
	"fmt"
)

// Transfer identifies one accepted download. ID is derived from Destination
// so the same file always maps to the same rendering handle.
type Transfer struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Destination string `json:"destination"`
	Title       string `json:"title"`
}

// Progress is a single progress update. When Indeterminate is set the total
// size is unknown and Percent carries no meaning.
type Progress struct {
	Percent       int   `json:"percent"`
	Indeterminate bool  `json:"indeterminate"`
	Bytes         int64 `json:"bytes"`
	Total         int64 `json:"total"`
}

// IndeterminateProgress is emitted once at the start of a transfer whose
// length the server did not declare.
func IndeterminateProgress() Progress {
	return Progress{Indeterminate: true, Total: -1}
}

func (p Progress) String() string {
	if p.Indeterminate {
		return "indeterminate"
	}
	return fmt.Sprintf("%d%%", p.Percent)
}

// Completion is the terminal event payload. Err is nil on success.
type Completion struct {
	Err   error `json:"-"`
	Bytes int64 `json:"bytes"`
}

// Success reports whether the transfer finished without error.
func (c Completion) Success() bool { return c.Err == nil }

// Message returns the human readable failure reason, or "" on success.
func (c Completion) Message() string { return failureMessage(c.Err) }

// Canceled reports whether the transfer was stopped by manager shutdown.
func (c Completion) Canceled() bool {
	return c.Err != nil && errors.Is(c.Err, context.Canceled)
}

// EventSink receives transfer events. For a single transfer OnStarted comes
// first, OnProgress calls follow in non-decreasing byte order, and OnCompleted
// is delivered exactly once and last. Calls for one transfer never overlap;
// calls for different transfers may run concurrently. Implementations should
// be fast: every call runs on the transfer goroutine.
type EventSink interface {
	OnStarted(t Transfer)
	OnProgress(t Transfer, p Progress)
	OnCompleted(t Transfer, c Completion)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) OnStarted(Transfer)               {}
func (NopSink) OnProgress(Transfer, Progress)    {}
func (NopSink) OnCompleted(Transfer, Completion) {}

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

// NewMultiSink drops nil sinks from the list.
func NewMultiSink(sinks ...EventSink) MultiSink {
	out := make(MultiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m MultiSink) OnStarted(t Transfer) {
	for _, s := range m {
		s.OnStarted(t)
	}
}

func (m MultiSink) OnProgress(t Transfer, p Progress) {
	for _, s := range m {
		s.OnProgress(t, p)
	}
}

func (m MultiSink) OnCompleted(t Transfer, c Completion) {
	for _, s := range m {
		s.OnCompleted(t, c)
	}
}
