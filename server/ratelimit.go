package server

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// rateLimiter allows a fixed number of requests per client within a sliding window.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string][]time.Time
	now     func() time.Time
	limit   int
	window  time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		clients: make(map[string][]time.Time),
		now:     time.Now,
		limit:   limit,
		window:  window,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	// Clean old entries
	var recent []time.Time
	for _, ts := range rl.clients[ip] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= rl.limit {
		rl.clients[ip] = recent
		return false
	}

	rl.clients[ip] = append(recent, now)
	return true
}

func clientIP(r *http.Request) string {
	// X-Forwarded-For is set by the Cloud Run front end
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
