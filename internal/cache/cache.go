// Package cache holds the read-through cache in front of the store. Entries
// are JSON documents keyed by route; coordinators drop the affected keys
// after every write.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/space-ingest/internal/metrics"
	"github.com/space-ingest/pkg/logger"
)

// Keys shared by the read API and the coordinators.
const (
	KeyISSLast     = "iss:last"
	KeyISSTrend    = "iss:trend"
	KeySummary     = "space:summary"
	PrefixOSDRList = "osdr:list:"
	prefixLatest   = "space:latest:"
)

// KeyLatest returns the key of the latest cached payload of source.
func KeyLatest(source string) string {
	return prefixLatest + source
}

// KeyOSDRList returns the key of one catalog page.
func KeyOSDRList(limit, offset int) string {
	return fmt.Sprintf("%s%d:%d", PrefixOSDRList, limit, offset)
}

// Store is a byte-oriented TTL cache
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Invalidator drops cached entries after a write
type Invalidator interface {
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Nop is an Invalidator that does nothing.
type Nop struct{}

func (Nop) Delete(context.Context, ...string) error    { return nil }
func (Nop) DeletePrefix(context.Context, string) error { return nil }

var _ Invalidator = (*Reader)(nil)

// loadTimeout bounds a shared load once it no longer follows any caller.
const loadTimeout = 30 * time.Second

// Reader coalesces concurrent loads of the same key and stores the result.
// Coordinators invalidate through it so that a load which started before an
// invalidation never writes its result back.
type Reader struct {
	store Store
	group singleflight.Group
	log   *logger.Logger

	mu  sync.RWMutex
	gen uint64
}

// NewReader creates a read-through cache over store
func NewReader(store Store, log *logger.Logger) *Reader {
	return &Reader{
		store: store,
		log:   log.WithComponent("cache"),
	}
}

// Store returns the underlying store.
func (r *Reader) Store() Store {
	return r.store
}

// GetOrLoad returns the cached document for key, or runs load, caches its
// result and returns it. Cache failures degrade to calling load.
//
// The shared load is detached from the caller that started it; each caller
// stops waiting when its own ctx is done.
func (r *Reader) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if data, ok := r.get(ctx, key); ok {
		metrics.ReadCacheLookups.WithLabelValues("hit").Inc()
		return data, nil
	}
	metrics.ReadCacheLookups.WithLabelValues("miss").Inc()

	// Callers arriving after an invalidation start a new flight.
	gen := r.generation()
	flight := fmt.Sprintf("%s#%d", key, gen)

	ch := r.group.DoChan(flight, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		if data, ok := r.get(lctx, key); ok {
			return data, nil
		}
		data, err := load(lctx)
		if err != nil {
			return nil, err
		}
		r.setIfCurrent(lctx, key, data, gen)
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Delete drops keys and discards the results of loads already running.
func (r *Reader) Delete(ctx context.Context, keys ...string) error {
	r.invalidate()
	return r.store.Delete(ctx, keys...)
}

// DeletePrefix drops every key starting with prefix and discards the results
// of loads already running.
func (r *Reader) DeletePrefix(ctx context.Context, prefix string) error {
	r.invalidate()
	return r.store.DeletePrefix(ctx, prefix)
}

func (r *Reader) generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen
}

func (r *Reader) invalidate() {
	r.mu.Lock()
	r.gen++
	r.mu.Unlock()
}

// setIfCurrent stores data unless an invalidation happened since gen was
// read. The read lock keeps a concurrent invalidation from landing between
// the check and the write.
func (r *Reader) setIfCurrent(ctx context.Context, key string, data []byte, gen uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.gen != gen {
		r.log.Debug().Str("key", key).Msg("Invalidated during load, not caching")
		return
	}
	if err := r.store.Set(ctx, key, data); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Cache set failed")
	}
}

func (r *Reader) get(ctx context.Context, key string) ([]byte, bool) {
	data, ok, err := r.store.Get(ctx, key)
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("Cache get failed")
		return nil, false
	}
	return data, ok
}

func hasPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}
