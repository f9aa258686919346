package logging

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

var (
	// Logger is the global structured logger instance
	Logger *slog.Logger
)

// Format selects the handler used by Init.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Init initializes the global structured logger writing JSON to stdout.
func Init(level slog.Level) {
	InitWithFormat(level, FormatJSON, os.Stdout)
}

// InitWithFormat initializes the global logger with the given handler format.
// Text output goes through charmbracelet/log for terminal use.
func InitWithFormat(level slog.Level, format Format, w io.Writer) {
	var handler slog.Handler
	switch format {
	case FormatText:
		cl := charmlog.NewWithOptions(w, charmlog.Options{
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
			Level:           charmLevel(level),
		})
		handler = cl
	default:
		opts := &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				// Format time as ISO8601
				if a.Key == slog.TimeKey {
					if t, ok := a.Value.Any().(time.Time); ok {
						a.Value = slog.StringValue(t.Format(time.RFC3339))
					}
				}
				return a
			},
		}
		handler = slog.NewJSONHandler(w, opts)
	}
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func charmLevel(level slog.Level) charmlog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmlog.DebugLevel
	case level <= slog.LevelInfo:
		return charmlog.InfoLevel
	case level <= slog.LevelWarn:
		return charmlog.WarnLevel
	default:
		return charmlog.ErrorLevel
	}
}

// ParseLevel converts a string log level to slog.Level
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "info", "INFO":
		return slog.LevelInfo
	case "warn", "WARN":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseFormat converts a string to a Format, defaulting to JSON.
func ParseFormat(format string) Format {
	if strings.EqualFold(strings.TrimSpace(format), string(FormatText)) {
		return FormatText
	}
	return FormatJSON
}

// Helper functions for common logging patterns

// RedactURL removes secrets from URL logs while retaining debugging value.
// It strips userinfo and masks query parameter values.
func RedactURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed == nil {
		return rawURL
	}

	parsed.User = nil

	if parsed.RawQuery != "" {
		query := parsed.Query()
		for key := range query {
			query.Set(key, "***")
		}
		parsed.RawQuery = query.Encode()
	}

	return parsed.String()
}

// LogTransferStart logs the start of a transfer
func LogTransferStart(transferID, url, destination string) {
	if Logger == nil {
		return
	}
	Logger.Info("transfer started",
		"event", "transfer_start",
		"transfer_id", transferID,
		"url", RedactURL(url),
		"destination", destination)
}

// LogTransferProgress logs emitted progress updates
func LogTransferProgress(transferID string, percent int, bytes, total int64) {
	if Logger == nil {
		return
	}
	Logger.Debug("transfer progress",
		"event", "transfer_progress",
		"transfer_id", transferID,
		"percent", percent,
		"bytes", bytes,
		"total", total)
}

// LogTransferComplete logs successful transfer completion
func LogTransferComplete(transferID, destination string, bytes int64, elapsed time.Duration) {
	if Logger == nil {
		return
	}
	Logger.Info("transfer complete",
		"event", "transfer_complete",
		"transfer_id", transferID,
		"destination", destination,
		"bytes", bytes,
		"size", humanize.Bytes(uint64(max(bytes, 0))),
		"duration_ms", elapsed.Milliseconds())
}

// LogTransferError logs transfer failures
func LogTransferError(transferID, url, msg string, err error) {
	if Logger == nil {
		return
	}
	Logger.Error(msg,
		"event", "transfer_error",
		"transfer_id", transferID,
		"url", RedactURL(url),
		"error", err)
}

// LogTransfersCanceled logs in-flight transfers being canceled at shutdown
func LogTransfersCanceled(n int, cause error) {
	if Logger == nil {
		return
	}
	Logger.Warn("canceling in-flight transfers",
		"event", "transfers_canceled",
		"count", n,
		"cause", cause)
}

// LogSubmitRejected logs a submit that did not start a transfer
func LogSubmitRejected(transferID, url, reason string) {
	if Logger == nil {
		return
	}
	Logger.Info("submit rejected",
		"event", "submit_rejected",
		"transfer_id", transferID,
		"url", RedactURL(url),
		"reason", reason)
}

// LogPostProcess logs a post-processing step for a completed file
func LogPostProcess(path, processor string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Warn("post-process failed",
			"event", "post_process_error",
			"path", path,
			"processor", processor,
			"error", err)
		return
	}
	Logger.Debug("post-process done",
		"event", "post_process",
		"path", path,
		"processor", processor)
}

// LogDBOperation logs database operations
func LogDBOperation(operation string, id int64, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error("database operation failed",
			"event", "db_operation_error",
			"operation", operation,
			"id", id,
			"error", err)
	} else {
		Logger.Info("database operation",
			"event", "db_operation",
			"operation", operation,
			"id", id)
	}
}

// LogDBUpdate logs database updates
func LogDBUpdate(operation string, id int64, fields map[string]any) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "db_update",
		"operation", operation,
		"id", id,
	}
	for k, v := range fields {
		if strings.EqualFold(k, "url") {
			if urlValue, ok := v.(string); ok {
				v = RedactURL(urlValue)
			}
		}
		attrs = append(attrs, k, v)
	}
	Logger.Debug("database updated", attrs...)
}

// LogHTTPRequest logs HTTP request handling
func LogHTTPRequest(method, path, remoteAddr string, duration time.Duration, status int, responseBytes int) {
	if Logger == nil {
		return
	}
	Logger.Info("http request",
		"event", "http_request",
		"method", method,
		"path", path,
		"remote_addr", remoteAddr,
		"duration_ms", duration.Milliseconds(),
		"status", status,
		"response_bytes", responseBytes)
}

// LogServerStart logs server startup
func LogServerStart(addr string, config map[string]any) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "server_start",
		"addr", addr,
	}
	for k, v := range config {
		attrs = append(attrs, k, v)
	}
	Logger.Info("server started", attrs...)
}

// LogServerShutdown logs server shutdown events
func LogServerShutdown(msg string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error(msg,
			"event", "server_shutdown_error",
			"error", err)
	} else {
		Logger.Info(msg,
			"event", "server_shutdown")
	}
}

// With returns a logger with additional context
func With(ctx context.Context, attrs ...any) *slog.Logger {
	if Logger == nil {
		return slog.Default()
	}
	return Logger.With(attrs...)
}
