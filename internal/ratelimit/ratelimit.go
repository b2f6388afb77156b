// Package ratelimit provides fixed-window rate limiters for a single entity
// (one socket connection) and for many keyed entities (client IPs).
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Limiter is a simple fixed-window rate limiter for a single entity.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
	now         func() time.Time
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
		now:         time.Now,
	}
}

// Allow returns true if the request is within the rate limit. A rate of
// zero or less disables limiting.
func (l *Limiter) Allow() bool {
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// Keyed is a fixed-window limiter tracking each key independently.
type Keyed struct {
	mu      sync.Mutex
	windows map[string]*window
	rate    int
	window  time.Duration
	now     func() time.Time
}

type window struct {
	count int
	start time.Time
}

// NewKeyed creates a keyed limiter allowing rate requests per window for
// each key.
func NewKeyed(rate int, win time.Duration) *Keyed {
	return &Keyed{
		windows: make(map[string]*window),
		rate:    rate,
		window:  win,
		now:     time.Now,
	}
}

// Allow reports whether key has not exceeded its rate limit.
func (k *Keyed) Allow(key string) bool {
	if k.rate <= 0 {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	w, ok := k.windows[key]
	if !ok || now.Sub(w.start) > k.window {
		k.windows[key] = &window{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= k.rate
}

// Cleanup removes entries whose window has expired.
func (k *Keyed) Cleanup() {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	for key, w := range k.windows {
		if now.Sub(w.start) > k.window {
			delete(k.windows, key)
		}
	}
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.windows)
}

// Run calls Cleanup every interval until ctx is done.
func (k *Keyed) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Cleanup()
		}
	}
}

// ClientIP extracts the client IP from a request, respecting
// X-Forwarded-For for proxied deployments.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
