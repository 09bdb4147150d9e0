package resilience

import (
	"context"
	"sync"
	"time"
)

type fallbackEntry[V any] struct {
	value  V
	stored time.Time
}

// Fallback remembers the last good value per key and serves it when a fresh
// fetch fails. Values older than MaxAge are not served; a zero MaxAge means
// stale values never expire.
type Fallback[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]fallbackEntry[V]
	maxAge  time.Duration
	now     func() time.Time
}

// NewFallback creates an empty fallback cache.
func NewFallback[K comparable, V any](maxAge time.Duration) *Fallback[K, V] {
	return &Fallback[K, V]{
		entries: make(map[K]fallbackEntry[V]),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Get calls fetch and caches its result. When fetch fails and a usable cached
// value exists, that value is returned with stale=true and a nil error.
func (f *Fallback[K, V]) Get(ctx context.Context, key K, fetch func(ctx context.Context) (V, error)) (value V, stale bool, err error) {
	value, err = fetch(ctx)
	if err == nil {
		f.Put(key, value)
		return value, false, nil
	}
	if cached, ok := f.Lookup(key); ok {
		return cached, true, nil
	}
	var zero V
	return zero, false, err
}

// Put stores value as the latest known good value for key.
func (f *Fallback[K, V]) Put(key K, value V) {
	f.mu.Lock()
	f.entries[key] = fallbackEntry[V]{value: value, stored: f.now()}
	f.mu.Unlock()
}

// Lookup returns the cached value for key if it is still within MaxAge.
func (f *Fallback[K, V]) Lookup(key K) (V, bool) {
	f.mu.RLock()
	entry, ok := f.entries[key]
	f.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	if f.maxAge > 0 && f.now().Sub(entry.stored) > f.maxAge {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Forget drops the cached value for key.
func (f *Fallback[K, V]) Forget(key K) {
	f.mu.Lock()
	delete(f.entries, key)
	f.mu.Unlock()
}
