package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"bookfetch/internal/download"
)

// helpers
func doJSON(t *testing.T, h http.Handler, method, path, ip string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return resp
}

type mockMgr struct {
	submitFn   func(req download.Request) (download.Ticket, error)
	inProgress map[string]bool
	active     []string
	submitted  []download.Request
}

func (m *mockMgr) Submit(req download.Request) (download.Ticket, error) {
	m.submitted = append(m.submitted, req)
	if m.submitFn == nil {
		return download.Ticket{Transfer: download.Transfer{ID: "id", Destination: req.Destination}, Outcome: download.OutcomeAccepted}, nil
	}
	return m.submitFn(req)
}

func (m *mockMgr) IsInProgress(url string) bool { return m.inProgress[url] }
func (m *mockMgr) Active() []string             { return m.active }

type mockBoard struct {
	items []download.Item
}

func (b *mockBoard) Snapshot(id string) []download.Item {
	if id == "" {
		return b.items
	}
	for _, it := range b.items {
		if it.ID == id {
			return []download.Item{it}
		}
	}
	return []download.Item{}
}

func newTestServer(t *testing.T, mgr *mockMgr, board *mockBoard) *Server {
	t.Helper()
	if board == nil {
		board = &mockBoard{}
	}
	s := New(mgr, board, nil, Options{OutputDir: "/srv/books", RatePerMinute: 1000})
	t.Cleanup(s.Close)
	return s
}

func outcome(o download.Outcome) func(download.Request) (download.Ticket, error) {
	return func(req download.Request) (download.Ticket, error) {
		return download.Ticket{Transfer: download.Transfer{ID: "tid", Destination: req.Destination}, Outcome: o}, nil
	}
}

func failing(err error) func(download.Request) (download.Ticket, error) {
	return func(download.Request) (download.Ticket, error) { return download.Ticket{}, err }
}

func TestSubmit_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		submitFn func(download.Request) (download.Ticket, error)
		wantCode int
		wantMsg  string
	}{
		{"started", outcome(download.OutcomeAccepted), http.StatusAccepted, "started"},
		{"already present", outcome(download.OutcomeAlreadyPresent), http.StatusOK, "already_present"},
		{"duplicate", outcome(download.OutcomeDuplicate), http.StatusConflict, "duplicate_in_progress"},
		{"conflict", failing(fmt.Errorf("%w: /x", download.ErrDestinationConflict)), http.StatusBadRequest, "destination_conflict"},
		{"mkdir", failing(fmt.Errorf("%w: /x", download.ErrDirectoryCreation)), http.StatusInternalServerError, "cannot_create_directory"},
		{"shutting down", failing(download.ErrShuttingDown), http.StatusServiceUnavailable, "shutting_down"},
		{"invalid", failing(download.ErrInvalidRequest), http.StatusBadRequest, "invalid_request"},
		{"unknown", failing(fmt.Errorf("boom")), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &mockMgr{submitFn: tt.submitFn}, nil)
			w := doJSON(t, h, http.MethodPost, "/api/downloads", "10.0.0.1", map[string]string{"url": "https://example.com/a.epub"})
			if w.Code != tt.wantCode {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("content-type=%s", ct)
			}
			if resp := decode(t, w); resp["message"] != tt.wantMsg {
				t.Fatalf("resp=%v", resp)
			}
		})
	}
}

func TestSubmit_DestinationResolution(t *testing.T) {
	mgr := &mockMgr{}
	h := newTestServer(t, mgr, nil)

	w := doJSON(t, h, http.MethodPost, "/api/downloads", "10.0.0.2", map[string]string{
		"url":         "https://example.com/a.epub",
		"destination": "fiction/moby.epub",
		"title":       "Moby Dick",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if len(mgr.submitted) != 1 {
		t.Fatalf("expected one submit, got %d", len(mgr.submitted))
	}
	got := mgr.submitted[0]
	if got.Destination != filepath.Join("/srv/books", "fiction", "moby.epub") || got.Title != "Moby Dick" {
		t.Errorf("unexpected request %+v", got)
	}

	w = doJSON(t, h, http.MethodPost, "/api/downloads", "10.0.0.2", map[string]string{"url": "https://example.com/lib/b.pdf"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d", w.Code)
	}
	if want := filepath.Join("/srv/books", "example.com", "lib", "b.pdf"); mgr.submitted[1].Destination != want {
		t.Errorf("derived destination = %s, want %s", mgr.submitted[1].Destination, want)
	}
}

func TestSubmit_InvalidDestination(t *testing.T) {
	for _, dest := range []string{"/etc/passwd", "../escape", "a/../../escape", ".."} {
		mgr := &mockMgr{}
		h := newTestServer(t, mgr, nil)
		w := doJSON(t, h, http.MethodPost, "/api/downloads", "10.0.0.3", map[string]string{"url": "https://example.com/a", "destination": dest})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%q: status=%d", dest, w.Code)
		}
		if resp := decode(t, w); resp["message"] != "invalid_destination" {
			t.Fatalf("%q: resp=%v", dest, resp)
		}
		if len(mgr.submitted) != 0 {
			t.Errorf("%q: manager should not be called", dest)
		}
	}
}

func TestSubmit_MethodNotAllowed(t *testing.T) {
	h := newTestServer(t, &mockMgr{}, nil)
	w := doJSON(t, h, http.MethodGet, "/api/downloads", "10.0.0.4", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", w.Code)
	}
	if resp := decode(t, w); resp["message"] != "method_not_allowed" {
		t.Fatalf("resp=%v", resp)
	}
}

func TestSubmit_InvalidJSON(t *testing.T) {
	h := newTestServer(t, &mockMgr{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/downloads", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "10.0.0.5")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestSubmit_InvalidURL(t *testing.T) {
	h := newTestServer(t, &mockMgr{}, nil)
	w := doJSON(t, h, http.MethodPost, "/api/downloads", "10.0.0.6", map[string]string{"url": "ftp://example"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	if resp := decode(t, w); resp["message"] != "invalid_url" {
		t.Fatalf("resp=%v", resp)
	}
}

func TestInProgress(t *testing.T) {
	mgr := &mockMgr{inProgress: map[string]bool{"https://example.com/a": true}}
	h := newTestServer(t, mgr, nil)

	w := doJSON(t, h, http.MethodGet, "/api/downloads/in_progress?url="+url.QueryEscape("https://example.com/a"), "10.0.0.7", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if resp := decode(t, w); resp["in_progress"] != true {
		t.Fatalf("resp=%v", resp)
	}

	w = doJSON(t, h, http.MethodGet, "/api/downloads/in_progress?url=https://example.com/b", "10.0.0.7", nil)
	if resp := decode(t, w); resp["in_progress"] != false {
		t.Fatalf("resp=%v", resp)
	}

	w = doJSON(t, h, http.MethodGet, "/api/downloads/in_progress", "10.0.0.7", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing url: status=%d", w.Code)
	}
}

func TestStatus_AllAndByID(t *testing.T) {
	board := &mockBoard{items: []download.Item{
		{ID: "a", URL: "https://example.com/a", Progress: 10, State: download.StateDownloading},
		{ID: "b", URL: "https://example.com/b", Progress: 100, State: download.StateCompleted},
	}}
	h := newTestServer(t, &mockMgr{active: []string{"https://example.com/a"}}, board)

	w := doJSON(t, h, http.MethodGet, "/api/status", "10.0.0.8", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var resp struct {
		Status    string          `json:"status"`
		Downloads []download.Item `json:"downloads"`
		Active    []string        `json:"active"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Downloads) != 2 || len(resp.Active) != 1 {
		t.Fatalf("resp=%+v", resp)
	}

	w = doJSON(t, h, http.MethodGet, "/api/status?id=b", "10.0.0.8", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Downloads) != 1 || resp.Downloads[0].State != download.StateCompleted {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestStatus_MethodNotAllowed(t *testing.T) {
	h := newTestServer(t, &mockMgr{}, nil)
	w := doJSON(t, h, http.MethodPost, "/api/status", "10.0.0.9", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestHistory_NotRegisteredWithoutStore(t *testing.T) {
	h := newTestServer(t, &mockMgr{}, nil)
	w := doJSON(t, h, http.MethodGet, "/api/history", "10.0.0.10", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestRateLimiting(t *testing.T) {
	s := New(&mockMgr{}, &mockBoard{}, nil, Options{OutputDir: "/srv/books", RatePerMinute: 2})
	defer s.Close()

	for i := 0; i < 2; i++ {
		w := doJSON(t, s, http.MethodGet, "/api/status", "192.0.2.1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status=%d", i, w.Code)
		}
	}
	w := doJSON(t, s, http.MethodGet, "/api/status", "192.0.2.1", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if resp := decode(t, w); resp["message"] != "rate_limited" {
		t.Fatalf("resp=%v", resp)
	}
	// other clients are unaffected
	if w := doJSON(t, s, http.MethodGet, "/api/status", "192.0.2.2", nil); w.Code != http.StatusOK {
		t.Fatalf("other ip: status=%d", w.Code)
	}
}

func TestHealthz_OK(t *testing.T) {
	h := newTestServer(t, &mockMgr{}, nil)
	w := doJSON(t, h, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ok") {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestRecoverer(t *testing.T) {
	h := recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := doJSON(t, h, http.MethodGet, "/", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestResolveDestination(t *testing.T) {
	if _, err := resolveDestination("", "https://h/a", ""); err == nil {
		t.Error("expected error without output dir")
	}
	got, err := resolveDestination("/r", "https://h/a", "sub/./b.epub")
	if err != nil || got != filepath.Join("/r", "sub", "b.epub") {
		t.Errorf("resolveDestination = %q, %v", got, err)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.9:1234"
	if got := clientIP(req); got != "192.0.2.9" {
		t.Errorf("clientIP = %s", got)
	}
	req.Header.Set("X-Real-IP", "198.51.100.4")
	if got := clientIP(req); got != "198.51.100.4" {
		t.Errorf("clientIP(X-Real-IP) = %s", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.5" {
		t.Errorf("clientIP(XFF) = %s", got)
	}
}
