package download

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// State is the dashboard state of a transfer.
type State string

const (
	StateDownloading State = "downloading"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// Item is the dashboard view of one transfer.
type Item struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	Destination   string    `json:"destination"`
	Title         string    `json:"title"`
	Progress      int       `json:"progress"` // 0-100
	Indeterminate bool      `json:"indeterminate"`
	Bytes         int64     `json:"bytes"`
	Total         int64     `json:"total"`
	State         State     `json:"state"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StatusBoard is an EventSink that keeps the latest status of every active
// transfer plus a bounded set of recently finished ones. It only ever holds
// copies of event data; transfer state stays with the transfer goroutine.
type StatusBoard struct {
	mu     sync.RWMutex
	active map[string]*Item
	recent *lru.Cache[string, Item]
	now    func() time.Time
}

// NewStatusBoard keeps up to keepFinished finished items (default 64).
func NewStatusBoard(keepFinished int) *StatusBoard {
	if keepFinished <= 0 {
		keepFinished = 64
	}
	recent, err := lru.New[string, Item](keepFinished)
	if err != nil {
		// only fails for a non-positive size, guarded above
		panic(err)
	}
	return &StatusBoard{
		active: make(map[string]*Item),
		recent: recent,
		now:    time.Now,
	}
}

func (b *StatusBoard) OnStarted(t Transfer) {
	now := b.now()
	b.mu.Lock()
	b.recent.Remove(t.ID)
	b.active[t.ID] = &Item{
		ID:          t.ID,
		URL:         t.URL,
		Destination: t.Destination,
		Title:       t.Title,
		State:       StateDownloading,
		Total:       -1,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	b.mu.Unlock()
}

func (b *StatusBoard) OnProgress(t Transfer, p Progress) {
	b.mu.Lock()
	if it, ok := b.active[t.ID]; ok {
		it.Indeterminate = p.Indeterminate
		it.Total = p.Total
		if !p.Indeterminate && p.Percent > it.Progress {
			it.Progress = p.Percent
		}
		if p.Bytes > it.Bytes {
			it.Bytes = p.Bytes
		}
		it.UpdatedAt = b.now()
	}
	b.mu.Unlock()
}

func (b *StatusBoard) OnCompleted(t Transfer, c Completion) {
	b.mu.Lock()
	it, ok := b.active[t.ID]
	if !ok {
		it = &Item{ID: t.ID, URL: t.URL, Destination: t.Destination, Title: t.Title, StartedAt: b.now()}
	}
	delete(b.active, t.ID)
	it.Bytes = c.Bytes
	it.UpdatedAt = b.now()
	if c.Success() {
		it.State = StateCompleted
		it.Progress = 100
		it.Indeterminate = false
		it.Error = ""
	} else {
		it.State = StateFailed
		it.Error = c.Message()
	}
	b.recent.Add(t.ID, *it)
	b.mu.Unlock()
}

// Get returns a copy of the item with the given ID.
func (b *StatusBoard) Get(id string) (Item, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if it, ok := b.active[id]; ok {
		return *it, true
	}
	return b.recent.Peek(id)
}

// Snapshot returns copies of all items, newest first. If id is non-empty,
// returns at most that item.
func (b *StatusBoard) Snapshot(id string) []Item {
	if id != "" {
		if it, ok := b.Get(id); ok {
			return []Item{it}
		}
		return []Item{}
	}

	b.mu.RLock()
	out := make([]Item, 0, len(b.active)+b.recent.Len())
	for _, it := range b.active {
		out = append(out, *it)
	}
	for _, it := range b.recent.Values() {
		out = append(out, it)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// ActiveCount returns the number of transfers still downloading.
func (b *StatusBoard) ActiveCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.active)
}
