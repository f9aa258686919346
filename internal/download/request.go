package download

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Request asks the manager to fetch URL into Destination.
type Request struct {
	URL         string `json:"url"`
	Destination string `json:"destination"`
	// Title is a display label; defaults to the destination's base name.
	Title string `json:"title,omitempty"`
}

// Outcome is the synchronous answer to Submit.
type Outcome string

const (
	// OutcomeAccepted means the URL was reserved and a transfer was started.
	OutcomeAccepted Outcome = "started"
	// OutcomeAlreadyPresent means the destination file exists; nothing was fetched.
	OutcomeAlreadyPresent Outcome = "already_present"
	// OutcomeDuplicate means the URL is already being downloaded.
	OutcomeDuplicate Outcome = "duplicate_in_progress"
)

// Ticket is returned by Submit. Done is closed after the terminal event of an
// accepted transfer has been delivered; for other outcomes it is already closed.
type Ticket struct {
	Transfer Transfer
	Outcome  Outcome
	Done     <-chan struct{}
}

// Accepted reports whether Submit started a transfer.
func (t Ticket) Accepted() bool { return t.Outcome == OutcomeAccepted }

// TransferID derives the rendering handle for a destination path. The same
// path always yields the same ID.
func TransferID(destination string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(filepath.Clean(destination)))).String()
}

func (r Request) validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("%w: empty url", ErrInvalidRequest)
	}
	if r.Destination == "" || !filepath.IsAbs(r.Destination) {
		return fmt.Errorf("%w: destination must be an absolute path: %q", ErrInvalidRequest, r.Destination)
	}
	return nil
}

func (r Request) transfer() Transfer {
	dest := filepath.Clean(r.Destination)
	title := strings.TrimSpace(r.Title)
	if title == "" {
		title = filepath.Base(dest)
	}
	return Transfer{
		ID:          TransferID(dest),
		URL:         r.URL,
		Destination: dest,
		Title:       title,
	}
}

// DestinationFor maps a URL to a file path under root. The mapping is
// deterministic and distinct URLs map to distinct paths: the lowercased host
// becomes a directory and path segments are sanitised. When that drops
// anything from the URL (scheme other than https, a port, characters
// outside the safe set, empty segments, query or fragment) the file name
// gets a short hash of the whole URL.
func DestinationFor(root, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: url has no host: %q", ErrInvalidRequest, rawURL)
	}

	host := sanitizeSegment(strings.ToLower(u.Host))
	parts := []string{host}
	for _, s := range strings.Split(u.EscapedPath(), "/") {
		if unescaped, err := url.PathUnescape(s); err == nil {
			s = unescaped
		}
		s = sanitizeSegment(s)
		if s == "" || s == "." || s == ".." {
			continue
		}
		parts = append(parts, s)
	}
	if len(parts) == 1 || strings.HasSuffix(u.Path, "/") {
		parts = append(parts, "index")
	}

	// the plain mapping is only used when it spells the URL back exactly
	if "https://"+strings.Join(parts, "/") != rawURL {
		last := parts[len(parts)-1]
		ext := path.Ext(last)
		suffix := strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceURL, []byte(rawURL)).String(), "-", "")[:12]
		parts[len(parts)-1] = strings.TrimSuffix(last, ext) + "-" + suffix + ext
	}
	return filepath.Join(append([]string{root}, parts...)...), nil
}

// sanitizeSegment keeps letters, digits, dot, dash and underscore.
func sanitizeSegment(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
