package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"automation-dispatch-engine/internal/faults"
)

// Decision is the limiter's answer for one acquisition attempt.
type Decision struct {
	Granted bool
	// RetryAfter is how long until the bucket can cover the requested cost.
	// Zero when granted.
	RetryAfter time.Duration
	// ResetAt is the wall-clock instant the caller should reschedule to.
	ResetAt time.Time
	// Remaining is the token count left after this decision.
	Remaining float64
}

// LimitSource supplies bucket parameters per resource key. The engine never
// hardcodes platform numbers; whatever the caller configures is enforced.
type LimitSource interface {
	Lookup(ctx context.Context, resourceKey string) (capacity int, refillPerSecond float64)
}

// StaticSource applies the same bucket parameters to every resource key.
type StaticSource struct {
	Capacity        int
	RefillPerSecond float64
}

func (s StaticSource) Lookup(context.Context, string) (int, float64) {
	return s.Capacity, s.RefillPerSecond
}

// TokenBucket is a per-resource-key token bucket backed by Redis. Each key's
// state mutates inside a single Lua script invocation, so updates are atomic
// per key with no lock shared across unrelated keys.
type TokenBucket struct {
	client *redis.Client
	clock  clockwork.Clock
	limits LimitSource
	ttl    time.Duration
	// fallbackRetry bounds the reschedule horizon when a bucket can never
	// refill enough (refill rate zero, or cost above capacity).
	fallbackRetry time.Duration
}

// NewTokenBucket constructs a limiter reading per-key parameters from limits.
func NewTokenBucket(client *redis.Client, clock clockwork.Clock, limits LimitSource, ttl, fallbackRetry time.Duration) *TokenBucket {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if fallbackRetry == 0 {
		fallbackRetry = time.Minute
	}
	return &TokenBucket{
		client:        client,
		clock:         clock,
		limits:        limits,
		ttl:           ttl,
		fallbackRetry: fallbackRetry,
	}
}

// TryAcquire consumes cost tokens for the resource key if available.
func (b *TokenBucket) TryAcquire(ctx context.Context, resourceKey string, cost int) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	capacity, refill := b.limits.Lookup(ctx, resourceKey)
	now := b.clock.Now()
	res, err := bucketScript.Run(ctx, b.client, []string{"ratelimit:" + resourceKey},
		capacity, refill, cost, now.UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, faults.System(err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Decision{}, faults.System(err)
	}

	d := Decision{
		Granted:   toInt64(arr[0]) == 1,
		Remaining: toFloat(arr[1]),
	}
	if !d.Granted {
		retryMS := toInt64(arr[2])
		if retryMS < 0 {
			d.RetryAfter = b.fallbackRetry
		} else {
			d.RetryAfter = time.Duration(retryMS) * time.Millisecond
		}
		d.ResetAt = now.Add(d.RetryAfter)
	}
	return d, nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	case string:
		// the script stringifies fractional token counts; Lua integers come
		// back as int64 instead
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// bucketScript refills continuously (elapsed * refill, capped at capacity)
// and answers with {allowed, remaining, retry_after_ms}. retry_after_ms is
// -1 when the bucket can never cover the cost.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
local retry = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
elseif refill > 0 and cost <= capacity then
  retry = math.ceil((cost - tokens) / refill * 1000)
else
  retry = -1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens), retry}
`)
