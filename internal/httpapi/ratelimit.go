package httpapi

import (
	"sync"
	"time"
)

// windowLimiter counts requests per key inside fixed windows and exposes the
// Limit/Remaining/Reset triple the response headers need. Keys are
// "<group>:<client-ip>", so each endpoint group meters independently.
//
// Stale keys are swept by a janitor goroutine; stop it with close().
type windowLimiter struct {
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*windowBucket

	quit     chan struct{}
	quitOnce sync.Once
}

type windowBucket struct {
	start    time.Time // window this count belongs to
	count    int
	lastSeen time.Time
}

func newWindowLimiter(window time.Duration) *windowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	l := &windowLimiter{
		window:  window,
		buckets: make(map[string]*windowBucket),
		quit:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// allow records one request against key and reports whether it fits inside
// the current window, how many requests remain, and when the window resets.
func (l *windowLimiter) allow(key string, limit int, now time.Time) (ok bool, remaining int, reset time.Time) {
	if limit <= 0 {
		return true, 0, now.Add(l.window)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.buckets[key]
	if !exists || now.Sub(b.start) >= l.window {
		b = &windowBucket{start: now}
		l.buckets[key] = b
	}
	b.lastSeen = now
	reset = b.start.Add(l.window)

	if b.count >= limit {
		return false, 0, reset
	}
	b.count++
	return true, limit - b.count, reset
}

func (l *windowLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-l.quit:
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for key, b := range l.buckets {
				if now.Sub(b.lastSeen) > 2*l.window {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *windowLimiter) close() {
	l.quitOnce.Do(func() { close(l.quit) })
}
