// Package ratelimit throttles how often a single identity may trigger an
// execution. It keeps a sliding window of call timestamps per identity in
// process memory; nothing is persisted across restarts.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Limiter is a per-identity sliding-window counter. Up to maxCalls calls are
// admitted in any trailing period.
type Limiter struct {
	maxCalls int
	period   time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	windows map[string]*window
}

// window holds one identity's timestamps in non-decreasing order.
type window struct {
	mu    sync.Mutex
	calls []time.Time
	swept bool // removed from the map; callers must fetch a fresh window
}

type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

func New(maxCalls int, period time.Duration, opts ...Option) *Limiter {
	if maxCalls < 1 {
		maxCalls = 1
	}
	if period <= 0 {
		period = time.Minute
	}
	l := &Limiter{
		maxCalls: maxCalls,
		period:   period,
		now:      time.Now,
		windows:  make(map[string]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records a call for identity and reports whether it is admitted.
// A denied call leaves the window untouched.
func (l *Limiter) Allow(identity string) bool {
	for {
		w := l.windowFor(identity)
		w.mu.Lock()
		if w.swept {
			w.mu.Unlock()
			continue
		}
		allowed := l.admit(w)
		w.mu.Unlock()
		return allowed
	}
}

func (l *Limiter) admit(w *window) bool {
	now := l.now()
	w.evict(now.Add(-l.period))

	if len(w.calls) >= l.maxCalls {
		return false
	}
	w.calls = append(w.calls, now)
	return true
}

// RetryAfter returns how long identity has to wait before the oldest call in
// its window expires. Zero means a call would be admitted now.
func (l *Limiter) RetryAfter(identity string) time.Duration {
	l.mu.RLock()
	w, ok := l.windows[identity]
	l.mu.RUnlock()
	if !ok {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	w.evict(now.Add(-l.period))
	if len(w.calls) < l.maxCalls {
		return 0
	}
	return w.calls[0].Add(l.period).Sub(now)
}

func (l *Limiter) windowFor(identity string) *window {
	l.mu.RLock()
	w, ok := l.windows[identity]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[identity]; ok {
		return w
	}
	w = &window{}
	l.windows[identity] = w
	return w
}

// evict drops the prefix of timestamps strictly older than cutoff.
func (w *window) evict(cutoff time.Time) {
	i := 0
	for i < len(w.calls) && w.calls[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	w.calls = append(w.calls[:0], w.calls[i:]...)
}

// Sweep forgets identities whose windows are empty after eviction and
// returns how many were removed. Not needed for correctness; it only bounds
// memory for identities that stop calling.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.period)
	removed := 0
	for id, w := range l.windows {
		w.mu.Lock()
		w.evict(cutoff)
		empty := len(w.calls) == 0
		if empty {
			w.swept = true
		}
		w.mu.Unlock()
		if empty {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of identities currently tracked.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := l.Sweep(); n > 0 {
					log.Debug().Int("identities", n).Msg("swept idle rate limit windows")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
