// Package limiter implements the sliding window rate limiter handed to
// message handlers.
package limiter

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// WindowConfig bounds one key: at most Max acquisitions per Period.
type WindowConfig struct {
	Period time.Duration
	Max    int
}

// Limiter guards a single key.
type Limiter interface {
	TryAcquire() bool
}

// Factory hands out limiters bound to a key and window.
type Factory interface {
	Limiter(key string, cfg WindowConfig) Limiter
}

type window struct {
	mu       sync.Mutex
	hits     []time.Time
	period   time.Duration
	lastSeen time.Time
	// removed is set once Cleanup has unlinked the window from the map.
	removed bool
}

// SlidingWindowFactory keeps one window per key. Windows are created on
// first use and dropped by Cleanup once idle for longer than their period.
type SlidingWindowFactory struct {
	windows *xsync.MapOf[string, *window]
	now     func() time.Time
}

type Option func(*SlidingWindowFactory)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(f *SlidingWindowFactory) { f.now = now }
}

func NewSlidingWindowFactory(opts ...Option) *SlidingWindowFactory {
	f := &SlidingWindowFactory{
		windows: xsync.NewMapOf[string, *window](),
		now:     time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *SlidingWindowFactory) Limiter(key string, cfg WindowConfig) Limiter {
	return &keyLimiter{factory: f, key: key, cfg: cfg}
}

// Count returns the acquisitions currently inside key's window.
func (f *SlidingWindowFactory) Count(key string) int {
	w, ok := f.windows.Load(key)
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(f.now())
	return len(w.hits)
}

// Size returns the number of live windows.
func (f *SlidingWindowFactory) Size() int {
	return f.windows.Size()
}

// Cleanup drops windows that saw no acquisition for a whole period.
func (f *SlidingWindowFactory) Cleanup() int {
	now := f.now()
	removed := 0
	f.windows.Range(func(key string, _ *window) bool {
		f.windows.Compute(key, func(w *window, loaded bool) (*window, bool) {
			if !loaded {
				return w, true
			}
			w.mu.Lock()
			defer w.mu.Unlock()
			if now.Sub(w.lastSeen) <= w.period {
				return w, false
			}
			w.removed = true
			removed++
			return w, true
		})
		return true
	})
	return removed
}

type keyLimiter struct {
	factory *SlidingWindowFactory
	key     string
	cfg     WindowConfig
}

func (l *keyLimiter) TryAcquire() bool {
	// An empty key or a non-positive window disables limiting.
	if l.key == "" || l.cfg.Max <= 0 || l.cfg.Period <= 0 {
		return true
	}

	for {
		w, _ := l.factory.windows.LoadOrCompute(l.key, func() *window {
			return &window{period: l.cfg.Period}
		})
		w.mu.Lock()
		if w.removed {
			// Lost a race with Cleanup; the next load creates a fresh window.
			w.mu.Unlock()
			continue
		}
		ok := l.acquire(w)
		w.mu.Unlock()
		return ok
	}
}

// acquire records a hit in w unless the window is full. w.mu must be held.
func (l *keyLimiter) acquire(w *window) bool {
	now := l.factory.now()
	if l.cfg.Period > w.period {
		w.period = l.cfg.Period
	}
	w.lastSeen = now
	w.evictBefore(now.Add(-l.cfg.Period))

	if len(w.hits) >= l.cfg.Max {
		return false
	}
	w.hits = append(w.hits, now)
	return true
}

func (w *window) evict(now time.Time) {
	w.evictBefore(now.Add(-w.period))
}

// evictBefore drops hits at or before cutoff. hits is kept in time order.
func (w *window) evictBefore(cutoff time.Time) {
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}
