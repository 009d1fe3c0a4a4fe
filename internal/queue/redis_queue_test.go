package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"automation-dispatch-engine/internal/faults"
)

func newTestQueue(t *testing.T) (*Queue, *clockwork.FakeClock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := clockwork.NewFakeClock()
	return New(client, clock, 30*time.Second, 5*time.Second), clock
}

func TestEnqueueAndClaim(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", 5, "acct:1", clock.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	id, err := q.ClaimNext(ctx, "w1", "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("claimed %q, want job-1", id)
	}

	// Claimed jobs are invisible until released or reclaimed.
	id, err = q.ClaimNext(ctx, "w2", "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if id != "" {
		t.Fatalf("second claim returned %q, want none", id)
	}
}

func TestClaimPriorityOrder(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	_ = q.Enqueue(ctx, "low", 9, "acct:1", clock.Now())
	_ = q.Enqueue(ctx, "high", 1, "acct:1", clock.Now())
	_ = q.Enqueue(ctx, "mid-a", 5, "acct:1", clock.Now())
	_ = q.Enqueue(ctx, "mid-b", 5, "acct:1", clock.Now())

	want := []string{"high", "mid-a", "mid-b", "low"}
	for _, expected := range want {
		id, err := q.ClaimNext(ctx, "w1", "")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if id != expected {
			t.Fatalf("claimed %q, want %q", id, expected)
		}
	}
}

func TestClaimExactlyOnce(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	const jobs = 20
	for i := 0; i < jobs; i++ {
		if err := q.Enqueue(ctx, fmt.Sprintf("job-%d", i), 5, "acct:1", clock.Now()); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	claims := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				id, err := q.ClaimNext(ctx, fmt.Sprintf("w%d", worker), "")
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if id == "" {
					return
				}
				mu.Lock()
				claims[id]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(claims) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claims), jobs)
	}
	for id, n := range claims {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestClaimResourceFilter(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	_ = q.Enqueue(ctx, "other", 5, "acct:2", clock.Now())
	_ = q.Enqueue(ctx, "wanted", 5, "acct:1", clock.Now())

	id, err := q.ClaimNext(ctx, "w1", "acct:1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if id != "wanted" {
		t.Fatalf("claimed %q, want wanted", id)
	}

	// The non-matching job rotated back and is still claimable unfiltered.
	id, _ = q.ClaimNext(ctx, "w1", "")
	if id != "other" {
		t.Fatalf("claimed %q, want other", id)
	}
}

func TestScheduledPromotion(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	runAt := clock.Now().Add(10 * time.Second)
	if err := q.Enqueue(ctx, "job-1", 3, "acct:1", runAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	id, _ := q.ClaimNext(ctx, "w1", "")
	if id != "" {
		t.Fatalf("future job claimable before due time")
	}

	n, err := q.PromoteScheduled(ctx, 100)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 0 {
		t.Fatalf("promoted %d jobs before due time", n)
	}

	clock.Advance(11 * time.Second)
	n, err = q.PromoteScheduled(ctx, 100)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted %d jobs, want 1", n)
	}

	id, _ = q.ClaimNext(ctx, "w1", "")
	if id != "job-1" {
		t.Fatalf("claimed %q after promotion, want job-1", id)
	}
}

func TestScheduledPromotionKeepsAdmissionOrder(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	// Same priority, same due time, enqueue order reversed from job-ID order.
	runAt := clock.Now().Add(10 * time.Second)
	for _, id := range []string{"job-z", "job-m", "job-a"} {
		if err := q.Enqueue(ctx, id, 5, "acct:1", runAt); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	clock.Advance(11 * time.Second)
	n, err := q.PromoteScheduled(ctx, 100)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 3 {
		t.Fatalf("promoted %d jobs, want 3", n)
	}

	for _, want := range []string{"job-z", "job-m", "job-a"} {
		id, err := q.ClaimNext(ctx, "w1", "")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if id != want {
			t.Fatalf("claimed %q, want %q", id, want)
		}
	}
}

func TestReclaimExpired(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1", 5, "acct:1", clock.Now())
	id, _ := q.ClaimNext(ctx, "w1", "")
	if id != "job-1" {
		t.Fatalf("claimed %q, want job-1", id)
	}

	ids, err := q.ReclaimExpired(ctx, 100)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("reclaimed live claim: %v", ids)
	}

	clock.Advance(31 * time.Second)
	ids, err = q.ReclaimExpired(ctx, 100)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("reclaimed %v, want [job-1]", ids)
	}

	id, _ = q.ClaimNext(ctx, "w2", "")
	if id != "job-1" {
		t.Fatalf("reclaimed job not claimable: got %q", id)
	}
}

func TestExtendClaim(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1", 5, "acct:1", clock.Now())
	_, _ = q.ClaimNext(ctx, "w1", "")

	if err := q.ExtendClaim(ctx, "job-1", 5*time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}

	clock.Advance(31 * time.Second)
	ids, _ := q.ReclaimExpired(ctx, 100)
	if len(ids) != 0 {
		t.Fatalf("extended claim reclaimed early: %v", ids)
	}

	deadline, ok, err := q.ClaimDeadline(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("claim deadline: ok=%v err=%v", ok, err)
	}
	if !deadline.After(clock.Now()) {
		t.Fatalf("deadline %s not in the future", deadline)
	}
}

func TestRemoveLeavesInflight(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-a", 5, "acct:1", clock.Now())
	_ = q.Enqueue(ctx, "job-b", 5, "acct:1", clock.Now())
	id, _ := q.ClaimNext(ctx, "w1", "")
	if id != "job-a" {
		t.Fatalf("claimed %q, want job-a first", id)
	}

	if err := q.Remove(ctx, "job-a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := q.Remove(ctx, "job-b"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	// The claimed job stays in-flight; only the ready copy is gone.
	inflight, _ := q.InflightDepth(ctx)
	if inflight != 1 {
		t.Fatalf("inflight depth = %d, want 1", inflight)
	}
	ready, _ := q.ReadyDepth(ctx)
	if ready != 0 {
		t.Fatalf("ready depth = %d, want 0", ready)
	}
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", 0, "acct:1", clock.Now()); !faults.IsValidation(err) {
		t.Fatalf("priority 0 accepted: %v", err)
	}
	if err := q.Enqueue(ctx, "job-1", 11, "acct:1", clock.Now()); !faults.IsValidation(err) {
		t.Fatalf("priority 11 accepted: %v", err)
	}
	past := clock.Now().Add(-time.Minute)
	if err := q.Enqueue(ctx, "job-1", 5, "acct:1", past); !faults.IsValidation(err) {
		t.Fatalf("stale not_before accepted: %v", err)
	}
	// Within skew tolerance clamps instead of rejecting.
	if err := q.Enqueue(ctx, "job-2", 5, "acct:1", clock.Now().Add(-time.Second)); err != nil {
		t.Fatalf("skewed not_before rejected: %v", err)
	}
}
