package workers

import (
	"testing"
	"time"
)

func TestCalculateBackoff(t *testing.T) {
	base := 5 * time.Second
	maxDelay := 300 * time.Second

	cases := []struct {
		crashCount int
		want       time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{7, 300 * time.Second}, // 5*2^6=320, capped at 300
		{10, 300 * time.Second},
	}
	for _, c := range cases {
		got := calculateBackoff(c.crashCount, base, maxDelay)
		if got != c.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", c.crashCount, got, c.want)
		}
	}
}
