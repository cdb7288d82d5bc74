package api

import (
	"net"
	"sync"
	"time"
)

// rateLimiter is a simple fixed-window rate limiter keyed by remote address.
// Each address has an independent counter that resets after window duration.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*windowBucket
}

type windowBucket struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*windowBucket),
	}
}

// Allow returns true if the address is within its rate limit, false when
// exceeded. It is safe for concurrent use from multiple goroutines.
func (r *rateLimiter) Allow(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	b, ok := r.buckets[addr]
	if !ok || now.After(b.resetAt) {
		r.buckets[addr] = &windowBucket{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if b.count >= r.limit {
		return false
	}
	b.count++
	return true
}

// clientAddr strips the port from an http RemoteAddr so one client maps to
// one bucket regardless of ephemeral ports.
func clientAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
