package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate is a token-bucket admission gate keyed by client identity. Every key
// gets its own bucket holding up to tokensPerSecond tokens and refilling at
// tokensPerSecond. Buckets are created full on a key's first request.
type Gate struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewGate creates a gate admitting tokensPerSecond requests per second per key
func NewGate(tokensPerSecond int) *Gate {
	if tokensPerSecond < 1 {
		tokensPerSecond = 1
	}
	return &Gate{
		limit:   rate.Limit(tokensPerSecond),
		burst:   tokensPerSecond,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow spends one token of key's bucket if one is available
func (g *Gate) Allow(key string) bool {
	return g.AllowAt(key, time.Now())
}

// AllowAt is Allow evaluated at now
func (g *Gate) AllowAt(key string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	bucket, ok := g.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(g.limit, g.burst)
		g.buckets[key] = bucket
	}
	return bucket.AllowN(now, 1)
}

// Keys returns the number of buckets created so far
func (g *Gate) Keys() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buckets)
}
