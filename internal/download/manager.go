package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"bookfetch/internal/logging"
)

const (
	// DefaultChunkSize is the read buffer used by each transfer.
	DefaultChunkSize = 8 * 1024
	// DefaultProgressInterval bounds how often progress is emitted per transfer.
	DefaultProgressInterval = time.Second
	// postProcessTimeout caps the time spent in post-processors per transfer.
	postProcessTimeout = 2 * time.Minute
)

// Transport performs a GET and exposes the body plus the declared length
// (-1 when the server did not provide one). Authentication, cookies and
// proxies are the transport's business.
type Transport interface {
	Get(ctx context.Context, url string) (body io.ReadCloser, length int64, err error)
}

// Options configures a Manager. Transport is required; everything else has a default.
type Options struct {
	Transport      Transport
	Registry       *KeyRegistry
	Sink           EventSink
	Lifecycle      Lifecycle
	PostProcessors []PostProcessor

	// ChunkSize is the read buffer size. Default: 8 KiB
	ChunkSize int
	// ProgressInterval is the progress emission window. Default: 1s
	ProgressInterval time.Duration
	// Now is the clock used for progress throttling. Default: time.Now
	Now func() time.Time
}

// Manager accepts download requests, guarantees at most one in-flight
// transfer per URL, and runs each accepted transfer on its own goroutine.
type Manager struct {
	transport Transport
	registry  *KeyRegistry
	sink      EventSink
	lifecycle Lifecycle
	post      []PostProcessor
	chunkSize int
	interval  time.Duration
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // orders wg.Add in Submit against Shutdown
	wg      sync.WaitGroup
	closing atomic.Bool
}

// NewManager creates a Manager from opts.
func NewManager(opts Options) *Manager {
	if opts.Transport == nil {
		panic("download: NewManager requires a Transport")
	}
	if opts.Registry == nil {
		opts.Registry = NewKeyRegistry(0)
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	if opts.Lifecycle == nil {
		opts.Lifecycle = NewCounter(nil)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: opts.Transport,
		registry:  opts.Registry,
		sink:      opts.Sink,
		lifecycle: opts.Lifecycle,
		post:      opts.PostProcessors,
		chunkSize: opts.ChunkSize,
		interval:  opts.ProgressInterval,
		now:       opts.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit validates req and, if the URL is free, starts a transfer in the
// background. The URL is reserved before the destination is examined, so a
// second request for a URL in flight is always DuplicateInProgress, even when
// the first transfer has already created its file. Directory and destination
// problems are returned as errors; AlreadyPresent and DuplicateInProgress
// are reported through the Ticket.
func (m *Manager) Submit(req Request) (Ticket, error) {
	if err := req.validate(); err != nil {
		return Ticket{}, err
	}
	t := req.transfer()

	m.mu.Lock()
	if m.closing.Load() {
		m.mu.Unlock()
		return Ticket{}, ErrShuttingDown
	}
	if !m.registry.TryReserve(t.URL) {
		m.mu.Unlock()
		logging.LogSubmitRejected(t.ID, t.URL, string(OutcomeDuplicate))
		return closedTicket(t, OutcomeDuplicate), nil
	}
	m.mu.Unlock()

	present, err := checkDestination(t.Destination)
	if err != nil || present {
		m.registry.Release(t.URL)
		if err != nil {
			logging.LogSubmitRejected(t.ID, t.URL, err.Error())
			return Ticket{}, err
		}
		logging.LogSubmitRejected(t.ID, t.URL, string(OutcomeAlreadyPresent))
		return closedTicket(t, OutcomeAlreadyPresent), nil
	}

	m.mu.Lock()
	if m.closing.Load() {
		m.mu.Unlock()
		m.registry.Release(t.URL)
		return Ticket{}, ErrShuttingDown
	}
	m.lifecycle.Acquire()
	m.wg.Add(1)
	m.mu.Unlock()

	done := make(chan struct{})
	go m.run(t, done)

	return Ticket{Transfer: t, Outcome: OutcomeAccepted, Done: done}, nil
}

// checkDestination creates the parent directory if needed and reports
// whether a regular file is already at dest.
func checkDestination(dest string) (bool, error) {
	if err := ensureParentDir(dest); err != nil {
		return false, err
	}
	info, err := os.Stat(dest)
	switch {
	case err == nil && !info.Mode().IsRegular():
		return false, fmt.Errorf("%w: %s", ErrDestinationConflict, dest)
	case err == nil:
		return true, nil
	case !errors.Is(err, os.ErrNotExist):
		return false, fmt.Errorf("%w: %s: %w", ErrDestinationConflict, dest, err)
	}
	return false, nil
}

// IsInProgress reports whether url is currently being downloaded.
func (m *Manager) IsInProgress(url string) bool {
	return m.registry.Contains(url)
}

// Active returns the URLs currently being downloaded, sorted.
func (m *Manager) Active() []string {
	return m.registry.Keys()
}

// StopAccepting makes further Submit calls fail with ErrShuttingDown.
func (m *Manager) StopAccepting() {
	m.mu.Lock()
	m.closing.Store(true)
	m.mu.Unlock()
}

// Wait blocks until every accepted transfer has delivered its terminal event.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown stops accepting work and waits for in-flight transfers. If ctx
// expires first, remaining transfers are canceled (their partial files are
// removed and they complete as failures) and Shutdown waits for them to
// finish before returning ctx's error. Safe to call multiple times.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.StopAccepting()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		logging.LogTransfersCanceled(m.registry.Len(), ctx.Err())
		m.cancel()
		<-done
		return ctx.Err()
	}
}

// run is the transfer goroutine. OnStarted is its first event. The terminal
// step always runs: release the URL, deliver exactly one completion, release
// the lifecycle.
func (m *Manager) run(t Transfer, done chan<- struct{}) {
	defer close(done)
	defer m.wg.Done()

	m.sink.OnStarted(t)
	logging.LogTransferStart(t.ID, t.URL, t.Destination)
	started := m.now()

	n, err := m.stream(t)
	if err == nil {
		m.postProcess(File{URL: t.URL, Path: t.Destination, Title: t.Title, Size: n})
	}

	m.registry.Release(t.URL)
	m.sink.OnCompleted(t, Completion{Err: err, Bytes: n})
	m.lifecycle.Release()

	if err != nil {
		logging.LogTransferError(t.ID, t.URL, "transfer failed", err)
		return
	}
	logging.LogTransferComplete(t.ID, t.Destination, n, m.now().Sub(started))
}

func (m *Manager) postProcess(f File) {
	if len(m.post) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), postProcessTimeout)
	defer cancel()
	for _, p := range m.post {
		err := p.Process(ctx, f)
		logging.LogPostProcess(f.Path, fmt.Sprintf("%T", p), err)
	}
}

func closedTicket(t Transfer, o Outcome) Ticket {
	done := make(chan struct{})
	close(done)
	return Ticket{Transfer: t, Outcome: o, Done: done}
}

// ensureParentDir creates the destination's parent directory when missing.
func ensureParentDir(dest string) error {
	dir := filepath.Dir(dest)
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%w: %s: not a directory", ErrDirectoryCreation, dir)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s: %w", ErrDirectoryCreation, dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDirectoryCreation, dir, err)
	}
	return nil
}
