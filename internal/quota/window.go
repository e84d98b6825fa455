package quota

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Window is one fixed rate window for an identity.
type Window struct {
	Count int
	Start time.Time
	End   time.Time
}

// Active reports whether now still falls inside the window. The window is
// closed at both ends.
func (w Window) Active(now time.Time) bool {
	return !w.Start.IsZero() && !now.After(w.End)
}

// SecondsLeft rounds the time remaining in the window up to whole seconds.
func (w Window) SecondsLeft(now time.Time) int {
	left := w.End.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

// WindowStore counts requests per identity in fixed windows. Implementations
// must make Take atomic per key within their own scope.
type WindowStore interface {
	// Take counts one request. A missing or elapsed window restarts at 1.
	// When limit > 0 and the window already holds limit requests, the count
	// is left as is and allowed is false.
	Take(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (w Window, allowed bool, err error)
	// Peek returns the current window without counting a request.
	Peek(ctx context.Context, key string, now time.Time) (Window, bool, error)
	Reset(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryWindowStore keeps windows in process memory. Entries carry a cache
// TTL so idle identities age out without a sweep.
type MemoryWindowStore struct {
	mu    sync.Mutex
	items *cache.Cache
}

func NewMemoryWindowStore(cleanupInterval time.Duration) *MemoryWindowStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &MemoryWindowStore{items: cache.New(cache.NoExpiration, cleanupInterval)}
}

func (s *MemoryWindowStore) Take(_ context.Context, key string, window time.Duration, limit int, now time.Time) (Window, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.lookup(key)
	if !ok || !w.Active(now) {
		w = Window{Count: 1, Start: now, End: now.Add(window)}
		s.items.Set(key, w, window+time.Second)
		return w, true, nil
	}
	if limit > 0 && w.Count >= limit {
		return w, false, nil
	}
	w.Count++
	s.items.Set(key, w, w.End.Sub(now)+time.Second)
	return w, true, nil
}

func (s *MemoryWindowStore) Peek(_ context.Context, key string, now time.Time) (Window, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.lookup(key)
	if !ok || !w.Active(now) {
		return Window{}, false, nil
	}
	return w, true, nil
}

func (s *MemoryWindowStore) Reset(_ context.Context, key string) error {
	s.items.Delete(key)
	return nil
}

func (s *MemoryWindowStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, item := range s.items.Items() {
		w, ok := item.Object.(Window)
		if !ok || !w.Active(now) {
			s.items.Delete(key)
			removed++
		}
	}
	return removed, nil
}

// Len is the number of tracked windows, expired or not.
func (s *MemoryWindowStore) Len() int {
	return s.items.ItemCount()
}

func (s *MemoryWindowStore) lookup(key string) (Window, bool) {
	v, ok := s.items.Get(key)
	if !ok {
		return Window{}, false
	}
	w, ok := v.(Window)
	return w, ok
}
