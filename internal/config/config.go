package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the bookfetch application
type Config struct {
	// Server configuration
	Host          string
	Port          int
	Addr          string // computed from Host:Port
	MaxConns      int    // concurrent HTTP connections, 0 = unlimited
	RatePerMinute int    // intake requests per minute per client IP

	// File system
	OutputDir    string // user-provided
	AbsOutputDir string // resolved/absolute path
	DBPath       string // user-provided
	AbsDBPath    string // resolved/absolute path

	// Transfer behavior
	ChunkSize        int
	ProgressInterval time.Duration
	HTTPTimeout      time.Duration
	UserAgent        string
	MirrorURL        string // optional blob bucket URL, e.g. file:///srv/mirror

	// Logging
	LogLevel  string // debug|info|warn|error
	LogFormat string // json|text

	// Validation & computed
	Version   string    // app version
	StartTime time.Time // when the app started
}

// New creates a Config with default values
func New() *Config {
	return &Config{
		Host:             "0.0.0.0",
		Port:             8080,
		MaxConns:         256,
		RatePerMinute:    60,
		ChunkSize:        8 * 1024,
		ProgressInterval: time.Second,
		HTTPTimeout:      0,
		UserAgent:        "bookfetch/" + Version,
		LogLevel:         "info",
		LogFormat:        "json",
		StartTime:        time.Now(),
		Version:          Version,
	}
}

// Version is overridden at build time with -ldflags "-X bookfetch/internal/config.Version=...".
var Version = "dev"

// ApplyEnv overrides fields from BOOKFETCH_* environment variables when set.
// Malformed numeric values are reported rather than silently ignored.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("BOOKFETCH_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("BOOKFETCH_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("BOOKFETCH_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("BOOKFETCH_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BOOKFETCH_PORT: %w", err)
		}
		c.Port = n
	}
	if v := os.Getenv("BOOKFETCH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("BOOKFETCH_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("BOOKFETCH_PROGRESS_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BOOKFETCH_PROGRESS_INTERVAL: %w", err)
		}
		c.ProgressInterval = d
	}
	if v := os.Getenv("BOOKFETCH_USER_AGENT"); v != "" {
		c.UserAgent = v
	}
	if v := os.Getenv("BOOKFETCH_MIRROR_URL"); v != "" {
		c.MirrorURL = v
	}
	return nil
}

// Validate checks that all required configuration is present and valid
func (c *Config) Validate() error {
	// Validate port range
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}

	if c.ChunkSize == 0 {
		c.ChunkSize = 8 * 1024
	}
	if c.ChunkSize < 512 || c.ChunkSize > 16<<20 {
		return fmt.Errorf("invalid chunk size: %d (must be 512B-16MiB)", c.ChunkSize)
	}

	if c.ProgressInterval <= 0 {
		c.ProgressInterval = time.Second
	}
	if c.HTTPTimeout < 0 {
		return fmt.Errorf("invalid http timeout: %s", c.HTTPTimeout)
	}
	if c.MaxConns < 0 {
		c.MaxConns = 0
	}
	if c.RatePerMinute < 1 {
		c.RatePerMinute = 60
	}

	// Validate log level
	validLevels := []string{"debug", "info", "warn", "error"}
	c.LogLevel = strings.ToLower(c.LogLevel)
	valid := false
	for _, level := range validLevels {
		if c.LogLevel == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log level: %s (must be debug|info|warn|error)", c.LogLevel)
	}

	c.LogFormat = strings.ToLower(c.LogFormat)
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid log format: %s (must be json|text)", c.LogFormat)
	}

	// Compute address
	c.Addr = c.ComputeAddr()

	return nil
}

// ResolveOutputDir expands the output directory path and resolves it to an absolute path
// If empty, defaults to $HOME/Books/bookfetch
func (c *Config) ResolveOutputDir() error {
	if c.OutputDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("get home directory: %w", err)
		}
		c.OutputDir = filepath.Join(home, "Books", "bookfetch")
	}

	expanded, err := expandHome(c.OutputDir)
	if err != nil {
		return err
	}
	c.OutputDir = expanded

	// Resolve to absolute path
	abs, err := filepath.Abs(c.OutputDir)
	if err != nil {
		return fmt.Errorf("resolve absolute path for %s: %w", c.OutputDir, err)
	}
	c.AbsOutputDir = abs

	return nil
}

// ResolveDBPath expands the database path and resolves it to an absolute path
// If empty, defaults to OS cache directory
func (c *Config) ResolveDBPath() error {
	if c.DBPath == "" {
		c.DBPath = defaultCacheDBPath()
	}

	expanded, err := expandHome(c.DBPath)
	if err != nil {
		return err
	}
	c.DBPath = expanded

	// Resolve to absolute path
	abs, err := filepath.Abs(c.DBPath)
	if err != nil {
		return fmt.Errorf("resolve absolute path for %s: %w", c.DBPath, err)
	}
	c.AbsDBPath = abs

	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand home directory: %w", err)
	}
	if p == "~" {
		return home, nil
	}
	return filepath.Join(home, p[2:]), nil // Skip "~/"
}

// ComputeAddr returns the full server address as host:port
func (c *Config) ComputeAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String returns a pretty-printed representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf(`Config{
  Server:
    Host: %s
    Port: %d
    Addr: %s
    MaxConns: %d
    RatePerMinute: %d
  Files:
    OutputDir: %s (resolved: %s)
    DBPath: %s (resolved: %s)
  Transfer:
    ChunkSize: %d
    ProgressInterval: %s
    HTTPTimeout: %s
    UserAgent: %s
    MirrorURL: %s
  Logging:
    LogLevel: %s
    LogFormat: %s
  Meta:
    Version: %s
    StartTime: %s
}`, c.Host, c.Port, c.Addr, c.MaxConns, c.RatePerMinute,
		c.OutputDir, c.AbsOutputDir,
		c.DBPath, c.AbsDBPath,
		c.ChunkSize, c.ProgressInterval, c.HTTPTimeout, c.UserAgent, c.MirrorURL,
		c.LogLevel, c.LogFormat,
		c.Version, c.StartTime.Format(time.RFC3339))
}

// Summary returns a one-line summary of key configuration
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"addr":              c.Addr,
		"output_dir":        c.AbsOutputDir,
		"db_path":           c.AbsDBPath,
		"chunk_size":        c.ChunkSize,
		"progress_interval": c.ProgressInterval.String(),
		"max_conns":         c.MaxConns,
		"mirror":            c.MirrorURL != "",
		"log_level":         c.LogLevel,
		"version":           c.Version,
	}
}

// defaultCacheDBPath returns the cross-platform default path for the SQLite DB
// - Windows: %APPDATA%/bookfetch/bookfetch.db
// - Linux/macOS: $HOME/.cache/bookfetch/bookfetch.db
func defaultCacheDBPath() string {
	if runtime.GOOS == "windows" {
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "bookfetch", "bookfetch.db")
		}
		// Fallback to user home if APPDATA is not set
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "AppData", "Roaming", "bookfetch", "bookfetch.db")
		}
		// Last resort: current directory
		return "bookfetch.db"
	}
	// Linux/macOS default cache location
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "bookfetch", "bookfetch.db")
	}
	// Fallback: place in working directory
	return filepath.Join("bookfetch", "bookfetch.db")
}
