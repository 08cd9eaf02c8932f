package kv

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/jellydator/ttlcache/v3"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process [Store] backed by a ttlcache. Hits do not extend
// an entry's lifetime; only Set and Expire do, as with Redis. Key patterns
// follow Redis glob rules, so "*" also matches ':' and '/'. It is safe for
// concurrent use.
type Memory struct {
	mu     sync.RWMutex
	cache  *ttlcache.Cache[string, string]
	closed bool
}

// NewMemory returns an empty in-process store. Expired entries are removed
// on access and whenever Keys runs.
func NewMemory() *Memory {
	return &Memory{
		cache: ttlcache.New[string, string](
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

func entryTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttlcache.NoTTL
	}
	return ttl
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	item := m.cache.Get(key)
	if item == nil || item.IsExpired() {
		return "", false, nil
	}
	return item.Value(), true, nil
}

// Set implements [Store].
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.cache.Set(key, value, entryTTL(ttl))
	return nil
}

// Expire implements [Store]. It is a no-op for missing keys.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if item := m.cache.Get(key); item != nil && !item.IsExpired() {
		m.cache.Set(key, item.Value(), entryTTL(ttl))
	}
	return nil
}

// Del implements [Store].
func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, k := range keys {
		m.cache.Delete(k)
	}
	return nil
}

// Keys implements [Store]. Results are sorted.
func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("kv: pattern %q: %w", pattern, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.cache.DeleteExpired()

	var out []string
	m.cache.Range(func(item *ttlcache.Item[string, string]) bool {
		if !item.IsExpired() && g.Match(item.Key()) {
			out = append(out, item.Key())
		}
		return true
	})
	sort.Strings(out)
	return out, nil
}

// Ping implements [Store].
func (m *Memory) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Len returns the number of stored entries, including ones that have expired
// but not yet been removed.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache.Len()
}

// Close marks the store closed; every later call fails with [ErrClosed].
// Tests use it to simulate an unreachable backing store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cache.DeleteAll()
	return nil
}
