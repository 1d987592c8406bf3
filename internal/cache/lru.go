package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRU is an in-process Store with a size bound and a per-entry TTL.
type LRU struct {
	cache *expirable.LRU[string, []byte]
}

// NewLRU creates an LRU holding at most size entries for ttl each
func NewLRU(size int, ttl time.Duration) *LRU {
	return &LRU{
		cache: expirable.NewLRU[string, []byte](size, nil, ttl),
	}
}

func (c *LRU) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.cache.Get(key)
	return v, ok, nil
}

func (c *LRU) Set(_ context.Context, key string, value []byte) error {
	c.cache.Add(key, value)
	return nil
}

func (c *LRU) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		c.cache.Remove(key)
	}
	return nil
}

func (c *LRU) DeletePrefix(_ context.Context, prefix string) error {
	for _, key := range c.cache.Keys() {
		if hasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
	return nil
}

// Len returns the number of live entries.
func (c *LRU) Len() int {
	return c.cache.Len()
}

func (c *LRU) Close() error {
	c.cache.Purge()
	return nil
}
