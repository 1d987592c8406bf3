package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// MultiLimiter paces outbound requests per upstream
type MultiLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewMultiLimiter creates a new multi-limiter
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// AddLimiter adds a new rate limiter for an upstream
// requestsPerSecond: the sustained rate (e.g., 0.5 means one request every two seconds)
// burst: maximum burst size
func (m *MultiLimiter) AddLimiter(name string, requestsPerSecond float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[name] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Wait blocks until the limiter for name allows an event. Upstreams without
// a limiter are not paced.
func (m *MultiLimiter) Wait(ctx context.Context, name string) error {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("limiter %s: %w", name, err)
	}
	return nil
}

// Has reports whether a limiter is registered for name
func (m *MultiLimiter) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.limiters[name]
	return ok
}

// Upstream limiter names
const (
	LimiterNASA   = "nasa"
	LimiterISS    = "iss"
	LimiterSpaceX = "spacex"
)

// NewDefaultLimiter creates a limiter with polite per-upstream limits
func NewDefaultLimiter() *MultiLimiter {
	m := NewMultiLimiter()

	// api.nasa.gov: 1000 requests per hour per key, burst 5
	m.AddLimiter(LimiterNASA, 1000.0/(60*60), 5)

	// wheretheiss.at: roughly 1 request per second
	m.AddLimiter(LimiterISS, 1, 1)

	// SpaceX API: unauthenticated, be polite - 1 per second, burst 5
	m.AddLimiter(LimiterSpaceX, 1, 5)

	return m
}
