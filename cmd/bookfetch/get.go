package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"bookfetch/internal/config"
	"bookfetch/internal/download"
	fetchhttp "bookfetch/internal/http"
)

func newGetCmd(cfg *config.Config) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "get URL [DEST]",
		Short: "Download one URL in the foreground",
		Long: `Download one URL in the foreground with a progress bar.

DEST defaults to a path derived from the URL under --output-dir, or under
the current directory when no output directory is configured. An existing
DEST is left untouched.

Examples:
  bookfetch get https://example.com/books/moby.epub
  bookfetch get https://example.com/books/moby.epub ./moby.epub`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			textByDefault(cmd, cfg)
			if err := setupLogging(cfg, cmd.ErrOrStderr()); err != nil {
				return err
			}
			dest := ""
			if len(args) == 2 {
				dest = args[1]
			}
			return runGet(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, args[0], dest, quiet)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Hide the progress bar")
	return cmd
}

func runGet(ctx context.Context, out, barOut io.Writer, cfg *config.Config, rawURL, dest string, quiet bool) error {
	dest, err := resolveGetDestination(cfg.OutputDir, rawURL, dest)
	if err != nil {
		return err
	}

	idle := make(chan struct{})
	var once sync.Once
	sink := newBarSink(barOut, !quiet)
	mgr := download.NewManager(download.Options{
		Transport: fetchhttp.NewClient(fetchhttp.Options{
			Timeout:   cfg.HTTPTimeout,
			UserAgent: cfg.UserAgent,
		}),
		Sink:      sink,
		Lifecycle: download.NewCounter(func() { once.Do(func() { close(idle) }) }),
		ChunkSize: cfg.ChunkSize,
	})

	ticket, err := mgr.Submit(download.Request{URL: rawURL, Destination: dest})
	if err != nil {
		return err
	}
	if !ticket.Accepted() {
		fmt.Fprintf(out, "%s: %s\n", ticket.Outcome, ticket.Transfer.Destination)
		return nil
	}

	select {
	case <-idle:
	case <-ctx.Done():
		// cancel the transfer now; its partial file is removed
		expired, cancel := context.WithCancel(context.Background())
		cancel()
		_ = mgr.Shutdown(expired)
	}
	mgr.Wait()

	c := sink.result()
	if !c.Success() {
		return fmt.Errorf("download %s: %s", rawURL, c.Message())
	}
	fmt.Fprintf(out, "saved %s (%s)\n", ticket.Transfer.Destination, humanize.Bytes(uint64(c.Bytes)))
	return nil
}

// resolveGetDestination returns an absolute destination for rawURL. An
// explicit dest is used as given; otherwise the URL is mapped under root,
// falling back to the working directory.
func resolveGetDestination(root, rawURL, dest string) (string, error) {
	if dest != "" {
		return filepath.Abs(dest)
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("working directory: %w", err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	return download.DestinationFor(root, rawURL)
}

// barSink renders one transfer on a terminal progress bar. Until a
// determinate event arrives the bar is a byte spinner.
type barSink struct {
	mu      sync.Mutex
	w       io.Writer
	visible bool
	bar     *progressbar.ProgressBar
	max     int64
	done    download.Completion
}

func newBarSink(w io.Writer, visible bool) *barSink {
	return &barSink{w: w, visible: visible, max: -1}
}

func (s *barSink) OnStarted(t download.Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bar = progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(s.w),
		progressbar.OptionSetVisibility(s.visible),
		progressbar.OptionSetDescription(t.Title),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(20),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(s.w, "\n") }),
	)
}

func (s *barSink) OnProgress(_ download.Transfer, p download.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bar == nil || p.Indeterminate {
		return
	}
	if p.Total != s.max {
		s.max = p.Total
		s.bar.ChangeMax64(p.Total)
	}
	_ = s.bar.Set64(p.Bytes)
}

func (s *barSink) OnCompleted(_ download.Transfer, c download.Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = c
	if s.bar == nil {
		return
	}
	if c.Success() {
		if s.max > 0 {
			_ = s.bar.Set64(s.max)
		}
		_ = s.bar.Finish()
		return
	}
	_ = s.bar.Exit()
}

func (s *barSink) result() download.Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
