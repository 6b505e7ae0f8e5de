package resilience

import (
	"testing"
	"time"
)

func TestJobBackoffDoubles(t *testing.T) {
	base := 30 * time.Second
	cap := 5 * time.Minute

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 5 * time.Minute},  // capped
		{10, 5 * time.Minute}, // stays capped, no overflow
		{0, 30 * time.Second}, // clamped to first attempt
	}
	for _, c := range cases {
		if got := JobBackoff(c.attempt, base, cap); got != c.want {
			t.Errorf("JobBackoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestJobBackoffDeterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		if JobBackoff(3, 30*time.Second, 5*time.Minute) != 120*time.Second {
			t.Fatal("backoff must be deterministic")
		}
	}
}
