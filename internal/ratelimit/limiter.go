// Package ratelimit bounds how fast any one client can hit the API.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages per-client token buckets.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewLimiter creates a limiter allowing requestsPerHour sustained requests
// per client with the given burst.
func NewLimiter(requestsPerHour, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:    burst,
	}
}

// GetLimiter returns the bucket for a client, creating it on first use.
func (l *Limiter) GetLimiter(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[clientID]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[clientID] = limiter
	}
	return limiter
}

// Allow reports whether a request from the client may proceed now.
func (l *Limiter) Allow(clientID string) bool {
	return l.GetLimiter(clientID).Allow()
}

// Tokens returns the client's currently available tokens.
func (l *Limiter) Tokens(clientID string) float64 {
	return l.GetLimiter(clientID).Tokens()
}
