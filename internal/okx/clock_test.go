package okx

import (
	"testing"
	"time"
)

func TestMedianOddCount(t *testing.T) {
	t.Parallel()
	if got := median([]int64{5, -3, 100}); got != 5 {
		t.Errorf("median = %d, want 5", got)
	}
}

func TestMedianResistsOutlier(t *testing.T) {
	t.Parallel()
	// One slow round trip must not move the result.
	if got := median([]int64{12, 10, 5000}); got != 12 {
		t.Errorf("median = %d, want 12", got)
	}
}

func TestMedianEvenCountTakesUpperMiddle(t *testing.T) {
	t.Parallel()
	if got := median([]int64{1, 2, 3, 4}); got != 3 {
		t.Errorf("median = %d, want 3", got)
	}
}

func TestMedianDoesNotMutateInput(t *testing.T) {
	t.Parallel()
	in := []int64{3, 1, 2}
	median(in)
	if in[0] != 3 || in[1] != 1 || in[2] != 2 {
		t.Errorf("input reordered: %v", in)
	}
}

func TestNowMsAppliesOffset(t *testing.T) {
	t.Parallel()
	var c Clock
	c.offsetMs.Store(1500) // local clock runs 1.5s ahead of the server

	now := time.Now().UnixMilli()
	got := c.NowMs()
	if diff := now - 1500 - got; diff < -100 || diff > 100 {
		t.Errorf("NowMs drifted %dms from expected", diff)
	}
	if c.OffsetMs() != 1500 {
		t.Errorf("OffsetMs = %d, want 1500", c.OffsetMs())
	}
}

func TestZeroClockIsUncorrected(t *testing.T) {
	t.Parallel()
	var c Clock
	now := time.Now().UnixMilli()
	if diff := c.NowMs() - now; diff < -100 || diff > 100 {
		t.Errorf("zero clock off by %dms", diff)
	}
}
