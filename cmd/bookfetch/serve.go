package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"bookfetch/internal/config"
	"bookfetch/internal/download"
	fetchhttp "bookfetch/internal/http"
	"bookfetch/internal/logging"
	"bookfetch/internal/mirror"
	"bookfetch/internal/server"
	"bookfetch/internal/store"
)

const shutdownTimeout = 20 * time.Second

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the intake API and dashboard",
		Long: `Run the HTTP intake API and dashboard.

Downloads run in the background, one per URL. On SIGINT or SIGTERM the
server stops accepting work and waits for in-flight transfers; transfers
still running when the grace period ends are canceled and their partial
files removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Host, "host", cfg.Host, "Host address to bind")
	f.IntVar(&cfg.Port, "port", cfg.Port, "Server port")
	f.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns, "Maximum concurrent HTTP connections, 0 for unlimited")
	f.IntVar(&cfg.RatePerMinute, "rate", cfg.RatePerMinute, "Intake requests per minute per client IP")
	f.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to SQLite database (default: OS cache dir: bookfetch/bookfetch.db)")
	f.DurationVar(&cfg.ProgressInterval, "progress-interval", cfg.ProgressInterval, "Minimum time between progress events per transfer")
	f.StringVar(&cfg.MirrorURL, "mirror", cfg.MirrorURL, "Bucket URL completed files are copied to, e.g. file:///srv/mirror")
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	if err := setupLogging(cfg, cmd.OutOrStdout()); err != nil {
		return err
	}
	if err := cfg.ResolveOutputDir(); err != nil {
		return err
	}
	if err := cfg.ResolveDBPath(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.AbsOutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.AbsDBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}

	st, err := store.Open(cfg.AbsDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer st.Close()

	// rows left downloading by a previous process can never complete
	if n, err := st.MarkInterrupted(ctx); err != nil {
		logging.LogDBOperation("mark_interrupted", 0, err)
	} else if n > 0 {
		logging.LogDBUpdate("mark_interrupted", 0, map[string]any{"rows": n})
	}

	post := []download.PostProcessor{store.NewIndexer(st)}
	if cfg.MirrorURL != "" {
		m, err := mirror.Open(ctx, cfg.MirrorURL, cfg.AbsOutputDir)
		if err != nil {
			return err
		}
		defer m.Close()
		post = append(post, m)
	}

	board := download.NewStatusBoard(0)
	mgr := download.NewManager(download.Options{
		Transport: fetchhttp.NewClient(fetchhttp.Options{
			Timeout:   cfg.HTTPTimeout,
			UserAgent: cfg.UserAgent,
		}),
		Sink:             download.NewMultiSink(board, store.NewHistorySink(st)),
		PostProcessors:   post,
		ChunkSize:        cfg.ChunkSize,
		ProgressInterval: cfg.ProgressInterval,
	})

	handler := server.New(mgr, board, st, server.Options{
		OutputDir:     cfg.AbsOutputDir,
		RatePerMinute: cfg.RatePerMinute,
	})
	defer handler.Close()

	ln, err := server.Listen(cfg.Addr, cfg.MaxConns)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.LogServerStart(ln.Addr().String(), cfg.Summary())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		mgr.StopAccepting()
		drain(mgr)
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	logging.LogServerShutdown(fmt.Sprintf("shutdown signal received; draining %d transfers", board.ActiveCount()), nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	mgr.StopAccepting()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.LogServerShutdown("http shutdown", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logging.LogServerShutdown("transfers canceled at deadline", err)
	}
	logging.LogServerShutdown("shutdown complete", nil)
	return nil
}

// drain gives in-flight transfers the usual grace period after a fatal
// server error.
func drain(mgr *download.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		logging.LogServerShutdown("transfers canceled at deadline", err)
	}
}
