package download

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"bookfetch/internal/logging"
)

// transferState is owned by a single transfer goroutine for its lifetime.
type transferState struct {
	bytes    int64
	total    int64
	interval time.Duration
	nextEmit time.Time
}

func newTransferState(total int64, start time.Time, interval time.Duration) *transferState {
	return &transferState{
		total:    total,
		interval: interval,
		nextEmit: start.Add(interval),
	}
}

// advance records n more bytes and returns a progress event when the total
// is known and the emission window has elapsed.
func (s *transferState) advance(n int64, now time.Time) (Progress, bool) {
	s.bytes += n
	if s.total <= 0 || !now.After(s.nextEmit) {
		return Progress{}, false
	}
	s.nextEmit = now.Add(s.interval)
	pct := s.bytes * 100 / s.total
	if pct > 100 {
		pct = 100
	}
	return Progress{Percent: int(pct), Bytes: s.bytes, Total: s.total}, true
}

// stream opens the destination, copies the transport body into it chunk by
// chunk, and emits throttled progress. On any error the partial file is
// removed before returning.
func (m *Manager) stream(t Transfer) (written int64, err error) {
	f, err := os.OpenFile(t.Destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrFileCreate, t.Destination, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", t.Destination, cerr)
		}
		if err != nil {
			if rerr := os.Remove(t.Destination); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				logging.LogTransferError(t.ID, t.URL, "remove partial file", rerr)
			}
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transfer panic: %v", r)
		}
	}()

	body, length, err := m.transport.Get(m.ctx, t.URL)
	if err != nil {
		return 0, &TransportError{URL: t.URL, Err: err}
	}
	defer body.Close()

	st := newTransferState(length, m.now(), m.interval)
	if length <= 0 {
		m.sink.OnProgress(t, IndeterminateProgress())
	}

	buf := make([]byte, m.chunkSize)
	for {
		if cerr := m.ctx.Err(); cerr != nil {
			return st.bytes, fmt.Errorf("transfer canceled: %w", cerr)
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return st.bytes, fmt.Errorf("write %s: %w", t.Destination, werr)
			}
			if p, ok := st.advance(int64(n), m.now()); ok {
				logging.LogTransferProgress(t.ID, p.Percent, p.Bytes, p.Total)
				m.sink.OnProgress(t, p)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if cerr := m.ctx.Err(); cerr != nil {
				return st.bytes, fmt.Errorf("transfer canceled: %w", cerr)
			}
			return st.bytes, &TransportError{URL: t.URL, Err: rerr}
		}
	}
	return st.bytes, nil
}
