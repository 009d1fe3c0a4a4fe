package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"automation-dispatch-engine/internal/faults"
	"automation-dispatch-engine/internal/models"
)

type fakeLimitReader struct {
	limits map[string]models.ResourceLimit
	calls  int
}

func (r *fakeLimitReader) GetResourceLimit(_ context.Context, key string) (models.ResourceLimit, error) {
	r.calls++
	l, ok := r.limits[key]
	if !ok {
		return models.ResourceLimit{}, faults.ErrNotFound
	}
	return l, nil
}

func TestStoreSourceCaches(t *testing.T) {
	ctx := context.Background()
	reader := &fakeLimitReader{limits: map[string]models.ResourceLimit{
		"acct:1": {ResourceKey: "acct:1", Capacity: 7, RefillPerSecond: 2},
	}}
	clock := clockwork.NewFakeClock()
	source := NewStoreSource(reader, clock, 30*time.Second, StaticSource{Capacity: 10, RefillPerSecond: 0.1})

	capacity, refill := source.Lookup(ctx, "acct:1")
	if capacity != 7 || refill != 2 {
		t.Fatalf("lookup = (%d, %f)", capacity, refill)
	}
	source.Lookup(ctx, "acct:1")
	source.Lookup(ctx, "acct:1")
	if reader.calls != 1 {
		t.Fatalf("reader hit %d times inside TTL, want 1", reader.calls)
	}

	clock.Advance(31 * time.Second)
	source.Lookup(ctx, "acct:1")
	if reader.calls != 2 {
		t.Fatalf("reader hit %d times after TTL, want 2", reader.calls)
	}
}

func TestStoreSourceDefaults(t *testing.T) {
	ctx := context.Background()
	reader := &fakeLimitReader{limits: map[string]models.ResourceLimit{}}
	source := NewStoreSource(reader, clockwork.NewFakeClock(), 30*time.Second,
		StaticSource{Capacity: 10, RefillPerSecond: 0.1})

	capacity, refill := source.Lookup(ctx, "unconfigured")
	if capacity != 10 || refill != 0.1 {
		t.Fatalf("defaults not applied: (%d, %f)", capacity, refill)
	}

	// Misses cache too: the hot path must not stampede the store.
	source.Lookup(ctx, "unconfigured")
	if reader.calls != 1 {
		t.Fatalf("reader hit %d times, want 1", reader.calls)
	}
}

func TestStoreSourceInvalidate(t *testing.T) {
	ctx := context.Background()
	reader := &fakeLimitReader{limits: map[string]models.ResourceLimit{
		"acct:1": {ResourceKey: "acct:1", Capacity: 7, RefillPerSecond: 2},
	}}
	source := NewStoreSource(reader, clockwork.NewFakeClock(), 30*time.Second, StaticSource{})

	source.Lookup(ctx, "acct:1")
	reader.limits["acct:1"] = models.ResourceLimit{ResourceKey: "acct:1", Capacity: 99, RefillPerSecond: 5}

	source.Invalidate("acct:1")
	capacity, _ := source.Lookup(ctx, "acct:1")
	if capacity != 99 {
		t.Fatalf("invalidate did not refresh: capacity = %d", capacity)
	}
}
