package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	reapInterval = 5 * time.Minute
	reapIdleAge  = 5 * time.Minute
)

// fallbackLimiter is the replica-local degraded mode: a sliding window
// over in-memory timestamps admitting 10% of the configured limit. It is
// deliberately restrictive; dropping publishes beats unbounded admission
// while coordination is lost.
type fallbackLimiter struct {
	mu      sync.Mutex
	windows map[string]*memWindow
	window  time.Duration
	now     func() time.Time
}

type memWindow struct {
	stamps []time.Time
}

func newFallbackLimiter(window time.Duration, now func() time.Time) *fallbackLimiter {
	return &fallbackLimiter{
		windows: make(map[string]*memWindow),
		window:  window,
		now:     now,
	}
}

func (f *fallbackLimiter) allow(key string, limit int) Decision {
	degraded := limit / 10

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	w := f.windows[key]
	if w == nil {
		w = &memWindow{}
		f.windows[key] = w
	}
	w.prune(now.Add(-f.window))

	if len(w.stamps) >= degraded {
		reset := now.Add(f.window)
		if len(w.stamps) > 0 {
			reset = w.stamps[0].Add(f.window)
		}
		return Decision{Allowed: false, ResetTime: reset, Limit: degraded}
	}

	w.stamps = append(w.stamps, now)
	return Decision{
		Allowed:   true,
		Remaining: degraded - len(w.stamps),
		ResetTime: w.stamps[0].Add(f.window),
		Limit:     degraded,
	}
}

// prune drops leading stamps at or before cutoff; stamps are appended in
// time order.
func (w *memWindow) prune(cutoff time.Time) {
	drop := 0
	for _, s := range w.stamps {
		if s.After(cutoff) {
			break
		}
		drop++
	}
	w.stamps = w.stamps[drop:]
}

func (f *fallbackLimiter) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.reap()
		}
	}
}

// reap drops windows idle for longer than the reap age.
func (f *fallbackLimiter) reap() {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := f.now().Add(-reapIdleAge)
	for key, w := range f.windows {
		if len(w.stamps) == 0 || w.stamps[len(w.stamps)-1].Before(cutoff) {
			delete(f.windows, key)
		}
	}
}
