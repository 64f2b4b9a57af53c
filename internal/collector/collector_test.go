package collector

import (
	"testing"
	"time"
)

func TestActivityTrackerResetSeedsAllKeys(t *testing.T) {
	t.Parallel()
	a := newActivityTracker()
	now := time.Now()
	a.reset([]string{"book:BTC-USDT-SWAP", "trade:BTC-USDT-SWAP"}, now)

	silences := a.silences(now)
	if len(silences) != 2 {
		t.Fatalf("tracked %d keys, want 2", len(silences))
	}
	for k, d := range silences {
		if d != 0 {
			t.Errorf("%s silent %v right after reset", k, d)
		}
	}
}

func TestActivityTrackerTouch(t *testing.T) {
	t.Parallel()
	a := newActivityTracker()
	base := time.Now()
	a.reset([]string{"book:X", "trade:X"}, base)

	a.touch("trade:X", base.Add(40*time.Second))

	silences := a.silences(base.Add(time.Minute))
	if silences["book:X"] != time.Minute {
		t.Errorf("book:X silent %v, want 1m", silences["book:X"])
	}
	if silences["trade:X"] != 20*time.Second {
		t.Errorf("trade:X silent %v, want 20s", silences["trade:X"])
	}
}

func TestActivityTrackerResetDropsStaleKeys(t *testing.T) {
	t.Parallel()
	a := newActivityTracker()
	now := time.Now()
	a.reset([]string{"candle:X:1m"}, now)
	a.reset([]string{"candle:X:5m"}, now)

	silences := a.silences(now)
	if _, stale := silences["candle:X:1m"]; stale {
		t.Error("reset kept a key from the previous session")
	}
	if _, ok := silences["candle:X:5m"]; !ok {
		t.Error("reset lost the new session key")
	}
}
