package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// handshakeLimiter applies global and per-IP token buckets to new transport
// handshakes. Quiet IPs are swept after an hour so the map stays bounded.
type handshakeLimiter struct {
	perIPRate  rate.Limit
	perIPBurst int
	global     *rate.Limiter

	mu   sync.Mutex
	byIP map[string]*ipBucket

	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newHandshakeLimiter(perIP float64, perIPBurst int, global float64, globalBurst int) *handshakeLimiter {
	if perIP <= 0 {
		perIP = 5
	}
	if perIPBurst <= 0 {
		perIPBurst = 10
	}
	if global <= 0 {
		global = 200
	}
	if globalBurst <= 0 {
		globalBurst = 400
	}
	l := &handshakeLimiter{
		perIPRate:  rate.Limit(perIP),
		perIPBurst: perIPBurst,
		global:     rate.NewLimiter(rate.Limit(global), globalBurst),
		byIP:       make(map[string]*ipBucket),
		stopCh:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *handshakeLimiter) allow(ip string) bool {
	if !l.global.Allow() {
		return false
	}
	l.mu.Lock()
	b := l.byIP[ip]
	if b == nil {
		b = &ipBucket{lim: rate.NewLimiter(l.perIPRate, l.perIPBurst)}
		l.byIP[ip] = b
	}
	b.lastSeen = time.Now()
	lim := b.lim
	l.mu.Unlock()
	return lim.Allow()
}

func (l *handshakeLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Hour)
			l.mu.Lock()
			for ip, b := range l.byIP {
				if b.lastSeen.Before(cutoff) {
					delete(l.byIP, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *handshakeLimiter) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// clientIP extracts the originating address, honoring proxy headers.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, found := strings.Cut(fwd, ",")
		if found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
