package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"automation-dispatch-engine/internal/models"
)

// LimitReader is the slice of the store the limiter needs.
type LimitReader interface {
	GetResourceLimit(ctx context.Context, resourceKey string) (models.ResourceLimit, error)
}

// StoreSource reads per-key bucket parameters from the store with a short
// TTL cache, falling back to defaults for unconfigured keys. Lookups on the
// dispatch hot path must not hit Postgres every time.
type StoreSource struct {
	reader   LimitReader
	clock    clockwork.Clock
	cacheTTL time.Duration
	defaults StaticSource

	mu    sync.RWMutex
	cache map[string]cachedLimit
}

type cachedLimit struct {
	capacity int
	refill   float64
	expires  time.Time
}

// NewStoreSource builds a cached limit source over the store.
func NewStoreSource(reader LimitReader, clock clockwork.Clock, cacheTTL time.Duration, defaults StaticSource) *StoreSource {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	return &StoreSource{
		reader:   reader,
		clock:    clock,
		cacheTTL: cacheTTL,
		defaults: defaults,
		cache:    make(map[string]cachedLimit),
	}
}

func (s *StoreSource) Lookup(ctx context.Context, resourceKey string) (int, float64) {
	now := s.clock.Now()

	s.mu.RLock()
	entry, ok := s.cache[resourceKey]
	s.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.capacity, entry.refill
	}

	capacity, refill := s.defaults.Capacity, s.defaults.RefillPerSecond
	if limit, err := s.reader.GetResourceLimit(ctx, resourceKey); err == nil {
		capacity, refill = limit.Capacity, limit.RefillPerSecond
	}
	// Store errors (including not-found) fall back to defaults and still
	// cache, so a down store cannot stampede Postgres from the hot path.

	s.mu.Lock()
	s.cache[resourceKey] = cachedLimit{capacity: capacity, refill: refill, expires: now.Add(s.cacheTTL)}
	s.mu.Unlock()
	return capacity, refill
}

// Invalidate drops one key's cached parameters, applying operator updates
// without waiting out the TTL.
func (s *StoreSource) Invalidate(resourceKey string) {
	s.mu.Lock()
	delete(s.cache, resourceKey)
	s.mu.Unlock()
}
