package dispatcher

import (
	"testing"
	"time"
)

func TestBackoffRange(t *testing.T) {
	base := 2 * time.Second
	max := 5 * time.Minute

	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 100; i++ {
			d := Backoff(base, max, attempt)
			floor := base * time.Duration(int64(1)<<uint(attempt))
			if floor > max {
				floor = max
			}
			if d < floor {
				t.Fatalf("attempt %d: backoff %s below exponential floor %s", attempt, d, floor)
			}
			if d > max {
				t.Fatalf("attempt %d: backoff %s above cap %s", attempt, d, max)
			}
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	base := time.Second
	max := 10 * time.Second

	// Deep attempt counts must not overflow past the cap.
	for _, attempt := range []int{20, 40, 63, 100} {
		if d := Backoff(base, max, attempt); d != max {
			t.Fatalf("attempt %d: backoff %s, want cap %s", attempt, d, max)
		}
	}
}

func TestBackoffDegenerateInputs(t *testing.T) {
	if d := Backoff(0, time.Minute, 1); d <= 0 || d > time.Minute {
		t.Fatalf("zero base produced %s", d)
	}
	if d := Backoff(time.Second, time.Minute, 0); d < 2*time.Second || d > time.Minute {
		t.Fatalf("attempt 0 produced %s", d)
	}
}
