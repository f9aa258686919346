package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"bookfetch/internal/download"
	"bookfetch/internal/logging"
	"bookfetch/internal/store"
	"bookfetch/internal/ui"
)

type downloadManager interface {
	Submit(req download.Request) (download.Ticket, error)
	IsInProgress(url string) bool
	Active() []string
}

type statusBoard interface {
	Snapshot(id string) []download.Item
}

type rateLimiter interface {
	Allow(key string) bool
}

// Options configures the HTTP surface.
type Options struct {
	// OutputDir is the root every requested destination is resolved against.
	OutputDir string
	// RatePerMinute caps requests per client IP. Default: 60
	RatePerMinute int
}

// Server is the intake and dashboard handler.
type Server struct {
	handler http.Handler
	rl      *ipRateLimiter
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops background maintenance of the rate limiter.
func (s *Server) Close() {
	s.rl.Stop()
}

// New returns a Server with routes and middleware wired. A nil store
// disables the history and library endpoints.
func New(mgr downloadManager, board statusBoard, st *store.Store, opts Options) *Server {
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = 60
	}
	rl := newIPRateLimiter(opts.RatePerMinute, time.Minute)
	mux := http.NewServeMux()

	submit := func(rawURL, dest, title string) (int, map[string]any) {
		if !validURL(rawURL) {
			return http.StatusBadRequest, errorBody("invalid_url")
		}
		abs, err := resolveDestination(opts.OutputDir, rawURL, dest)
		if err != nil {
			return http.StatusBadRequest, errorBody("invalid_destination")
		}
		tk, err := mgr.Submit(download.Request{URL: rawURL, Destination: abs, Title: title})
		if err != nil {
			code, msg := submitError(err)
			return code, errorBody(msg)
		}
		body := map[string]any{
			"status":      "success",
			"message":     string(tk.Outcome),
			"id":          tk.Transfer.ID,
			"destination": tk.Transfer.Destination,
		}
		switch tk.Outcome {
		case download.OutcomeAccepted:
			return http.StatusAccepted, body
		case download.OutcomeAlreadyPresent:
			return http.StatusOK, body
		default:
			body["status"] = "error"
			return http.StatusConflict, body
		}
	}

	// Routes
	mux.HandleFunc("/api/downloads", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req struct {
			URL         string `json:"url"`
			Destination string `json:"destination"`
			Title       string `json:"title"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || strings.TrimSpace(req.URL) == "" {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid_request"))
			return
		}
		code, body := submit(strings.TrimSpace(req.URL), req.Destination, req.Title)
		writeJSON(w, code, body)
	}))

	mux.HandleFunc("/api/downloads/in_progress", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		u := strings.TrimSpace(r.URL.Query().Get("url"))
		if u == "" {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid_request"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "url": u, "in_progress": mgr.IsInProgress(u)})
	}))

	mux.HandleFunc("/api/status", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		id := r.URL.Query().Get("id")
		resp := map[string]any{
			"status":    "success",
			"downloads": board.Snapshot(id),
			"active":    mgr.Active(),
		}
		if st != nil {
			counts := make(map[string]int64, len(historyStatuses))
			for _, status := range historyStatuses {
				n, err := st.CountByStatus(r.Context(), status)
				if err != nil {
					logging.LogDBOperation("count_by_status", 0, err)
					writeJSON(w, http.StatusInternalServerError, errorBody("internal_error"))
					return
				}
				counts[status] = n
			}
			resp["history"] = counts
		}
		writeJSON(w, http.StatusOK, resp)
	}))

	// DB-backed listings; only registered if a store is provided.
	if st != nil {
		mux.HandleFunc("/api/history", with(rl, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			q := r.URL.Query()
			f := store.ListFilter{
				Status: q.Get("status"),
				URL:    q.Get("url"),
				Sort:   q.Get("sort"),
				Order:  q.Get("order"),
				Limit:  atoiDefault(q.Get("limit"), 100),
				Offset: atoiDefault(q.Get("offset"), 0),
			}
			rows, err := st.ListTransfers(r.Context(), f)
			if err != nil {
				logging.LogDBOperation("list_transfers", 0, err)
				writeJSON(w, http.StatusInternalServerError, errorBody("internal_error"))
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "transfers": rows})
		}))

		mux.HandleFunc("/api/library", with(rl, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			if p := r.URL.Query().Get("path"); p != "" {
				libraryEntry(w, r, st, p)
				return
			}
			entries, err := st.ListLibrary(r.Context(), atoiDefault(r.URL.Query().Get("limit"), 0))
			if err != nil {
				logging.LogDBOperation("list_library", 0, err)
				writeJSON(w, http.StatusInternalServerError, errorBody("internal_error"))
				return
			}
			if entries == nil {
				entries = []store.LibraryEntry{}
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "files": entries})
		}))

		mux.HandleFunc("/api/events", with(rl, eventsHandler(st)))
	}

	// Dashboard (HTML via templ + htmx)
	dashboard := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = ui.Dashboard(board.Snapshot("")).Render(r.Context(), w)
	}
	mux.HandleFunc("/", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("not found"))
			return
		}
		dashboard(w, r)
	}))
	mux.HandleFunc("/dashboard", with(rl, dashboard))

	// the rows fragment is polled every second, so it is not rate limited
	mux.HandleFunc("/dashboard/rows", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		q := r.URL.Query()
		items := filterItems(board.Snapshot(""), strings.ToLower(strings.TrimSpace(q.Get("status"))))
		sortItems(items, strings.ToLower(strings.TrimSpace(q.Get("sort"))), strings.ToLower(strings.TrimSpace(q.Get("order"))))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = ui.TransferTable(items).Render(r.Context(), w)
	})

	mux.HandleFunc("/dashboard/submit", with(rl, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("invalid form"))
			return
		}
		code, body := submit(strings.TrimSpace(r.Form.Get("url")), "", r.Form.Get("title"))
		if code >= 400 && code != http.StatusConflict {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(strings.ReplaceAll(body["message"].(string), "_", " ")))
			return
		}
		// Redirect back to dashboard so the htmx poll refreshes
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
	}))

	// Healthcheck
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{handler: recoverer(logger(mux)), rl: rl}
}

var historyStatuses = []string{store.StatusDownloading, store.StatusCompleted, store.StatusFailed, store.StatusCanceled}

// libraryEntry answers a single-path library lookup. An entry whose file is
// gone from disk is dropped and reported as not found.
func libraryEntry(w http.ResponseWriter, r *http.Request, st *store.Store, path string) {
	e, ok, err := st.GetLibraryEntry(r.Context(), path)
	if err != nil {
		logging.LogDBOperation("get_library_entry", 0, err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal_error"))
		return
	}
	if ok {
		if _, statErr := os.Stat(e.Path); errors.Is(statErr, os.ErrNotExist) {
			if err := st.RemoveLibraryEntry(r.Context(), e.Path); err != nil {
				logging.LogDBOperation("remove_library_entry", 0, err)
			}
			ok = false
		}
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("not_found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "file": e})
}

// submitError maps Submit failures to an HTTP status and message.
func submitError(err error) (int, string) {
	switch {
	case errors.Is(err, download.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, download.ErrDestinationConflict):
		return http.StatusBadRequest, "destination_conflict"
	case errors.Is(err, download.ErrDirectoryCreation):
		return http.StatusInternalServerError, "cannot_create_directory"
	case errors.Is(err, download.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

var errInvalidDestination = errors.New("invalid_destination")

// resolveDestination maps a client supplied relative destination into root.
// An empty destination is derived from the URL.
func resolveDestination(root, rawURL, dest string) (string, error) {
	if root == "" {
		return "", errInvalidDestination
	}
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return download.DestinationFor(root, rawURL)
	}
	if filepath.IsAbs(dest) || strings.HasPrefix(dest, "/") || strings.HasPrefix(dest, `\`) {
		return "", errInvalidDestination
	}
	clean := filepath.Clean(filepath.FromSlash(dest))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errInvalidDestination
	}
	return filepath.Join(root, clean), nil
}

func filterItems(items []download.Item, status string) []download.Item {
	if status == "" {
		return items
	}
	out := make([]download.Item, 0, len(items))
	for _, it := range items {
		if string(it.State) == status {
			out = append(out, it)
		}
	}
	return out
}

func sortItems(items []download.Item, by, order string) {
	var less func(a, b download.Item) bool
	switch by {
	case "title":
		less = func(a, b download.Item) bool {
			return strings.ToLower(ui.DisplayTitle(a)) < strings.ToLower(ui.DisplayTitle(b))
		}
	case "status":
		less = func(a, b download.Item) bool { return a.State < b.State }
	case "progress":
		less = func(a, b download.Item) bool { return a.Progress < b.Progress }
	case "date":
		less = func(a, b download.Item) bool { return a.StartedAt.Before(b.StartedAt) }
	default:
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		if order == "desc" {
			return less(items[j], items[i])
		}
		return less(items[i], items[j])
	})
}

// Utilities

func errorBody(msg string) map[string]any {
	return map[string]any{"status": "error", "message": msg}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody("method_not_allowed"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func validURL(u string) bool {
	if len(u) == 0 || len(u) > 2048 { // sanity cap
		return false
	}
	parsed, err := url.Parse(u)
	if err != nil || parsed == nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	if parsed.Host == "" {
		return false
	}
	return true
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return def
	}
	return n
}
