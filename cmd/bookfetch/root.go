package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"bookfetch/internal/config"
	"bookfetch/internal/logging"
)

// newRootCmd builds the command tree. Environment variables are applied to
// the defaults before flags are bound, so an explicit flag always wins.
func newRootCmd() *cobra.Command {
	cfg := config.New()
	envErr := cfg.ApplyEnv()

	root := &cobra.Command{
		Use:           "bookfetch",
		Short:         "Fetch books and documents in the background",
		Long:          fmt.Sprintf("bookfetch %s\n\nFetch books and documents over HTTP, one transfer per URL.", config.Version),
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return envErr
		},
	}
	root.SetVersionTemplate("bookfetch {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	pf.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: json|text")
	pf.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory downloads are written under (default ~/Books/bookfetch)")
	pf.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Read buffer size per transfer in bytes")
	pf.DurationVar(&cfg.HTTPTimeout, "http-timeout", cfg.HTTPTimeout, "Timeout for a whole request, 0 for none")
	pf.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "User-Agent header sent to origins")

	root.AddCommand(newServeCmd(cfg), newGetCmd(cfg), newVersionCmd())
	return root
}

// setupLogging validates cfg and installs the global logger.
func setupLogging(cfg *config.Config, w io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logging.InitWithFormat(logging.ParseLevel(cfg.LogLevel), logging.ParseFormat(cfg.LogFormat), w)
	return nil
}

// textByDefault switches to terminal logging unless a format was asked for.
func textByDefault(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("log-format") || os.Getenv("BOOKFETCH_LOG_FORMAT") != "" {
		return
	}
	cfg.LogFormat = string(logging.FormatText)
}
