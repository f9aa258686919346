package download

import (
	"sort"
	"sync"
)

// KeyRegistry is the single-flight guard: a thread-safe set of URLs that are
// currently downloading. It is owned by whoever constructs the Manager and is
// passed in explicitly.
type KeyRegistry struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

// NewKeyRegistry creates an empty KeyRegistry with the specified initial capacity.
func NewKeyRegistry(capacity int) *KeyRegistry {
	if capacity <= 0 {
		capacity = 16
	}
	return &KeyRegistry{
		urls: make(map[string]struct{}, capacity),
	}
}

// TryReserve inserts url if absent and reports whether the reservation succeeded.
func (r *KeyRegistry) TryReserve(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.urls[url]; exists {
		return false
	}
	r.urls[url] = struct{}{}
	return true
}

// Release removes url. It is a no-op if url is not reserved.
func (r *KeyRegistry) Release(url string) {
	r.mu.Lock()
	delete(r.urls, url)
	r.mu.Unlock()
}

// Contains reports whether url is reserved at the time of the call.
func (r *KeyRegistry) Contains(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.urls[url]
	return ok
}

// Len returns the number of reserved URLs.
func (r *KeyRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.urls)
}

// Keys returns a sorted copy of the reserved URLs.
func (r *KeyRegistry) Keys() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.urls))
	for u := range r.urls {
		out = append(out, u)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}
