package kline

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"okx-swap-agent/internal/store"
	"okx-swap-agent/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFindGaps(t *testing.T) {
	t.Parallel()
	st, err := store.Open(filepath.Join(t.TempDir(), "kline.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	barMs := types.Bar1D.Millis()
	nowMs := 20000*barMs + 12345 // mid-bar, aligns down to day 20000
	first := nowMs/barMs*barMs - 30*barMs

	// Persist every expected opening except one mid-window day and the
	// current (still-open) bar.
	missing := first + 10*barMs
	current := nowMs / barMs * barMs
	for ts := first; ts <= current; ts += barMs {
		if ts == missing || ts == current {
			continue
		}
		err := st.UpsertKline(ctx, types.Kline{
			Symbol:    "BTC-USDT-SWAP",
			Timeframe: types.Bar1D,
			OpenTime:  ts,
			Open:      100,
			High:      101,
			Low:       99,
			Close:     100,
			Volume:    1,
			Confirmed: true,
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	m := &Manager{db: st, logger: testLogger()}
	gaps, err := m.FindGaps(ctx, "BTC-USDT-SWAP", types.Bar1D, nowMs, 30)
	if err != nil {
		t.Fatalf("find gaps: %v", err)
	}
	if len(gaps) != 2 {
		t.Fatalf("got %d gaps %v, want 2", len(gaps), gaps)
	}
	if gaps[0].Start != missing || gaps[0].End != missing {
		t.Errorf("mid gap = %+v, want (%d, %d)", gaps[0], missing, missing)
	}
	// The current bar's opening is expected too: its run is (T, T).
	if gaps[1].Start != current || gaps[1].End != current {
		t.Errorf("current-bar gap = %+v, want (%d, %d)", gaps[1], current, current)
	}
}

func TestFindGapsComplete(t *testing.T) {
	t.Parallel()
	st, err := store.Open(filepath.Join(t.TempDir(), "kline.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	barMs := types.Bar1D.Millis()
	nowMs := 20000 * barMs
	first := nowMs - 30*barMs
	for ts := first; ts <= nowMs; ts += barMs {
		err := st.UpsertKline(ctx, types.Kline{
			Symbol:    "BTC-USDT-SWAP",
			Timeframe: types.Bar1D,
			OpenTime:  ts,
			Open:      100,
			High:      101,
			Low:       99,
			Close:     100,
			Volume:    1,
			Confirmed: true,
		})
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	m := &Manager{db: st, logger: testLogger()}
	gaps, err := m.FindGaps(ctx, "BTC-USDT-SWAP", types.Bar1D, nowMs, 30)
	if err != nil {
		t.Fatalf("find gaps: %v", err)
	}
	if len(gaps) != 0 {
		t.Errorf("complete window reported gaps: %v", gaps)
	}
}

func TestHistoryDays(t *testing.T) {
	t.Parallel()
	if got := HistoryDays(types.Bar1m, 30); got != 3 {
		t.Errorf("1m = %d, want 3", got)
	}
	if got := HistoryDays(types.Bar5m, 30); got != 7 {
		t.Errorf("5m = %d, want 7", got)
	}
	if got := HistoryDays(types.Timeframe("2H"), 12); got != 12 {
		t.Errorf("unknown timeframe = %d, want fallback 12", got)
	}
}

func TestGapBars(t *testing.T) {
	t.Parallel()
	g := Gap{Start: 0, End: 0}
	if got := g.Bars(types.Bar1m); got != 1 {
		t.Errorf("single-bar gap = %d, want 1", got)
	}
	g = Gap{Start: 0, End: 9 * types.Bar5m.Millis()}
	if got := g.Bars(types.Bar5m); got != 10 {
		t.Errorf("ten-bar gap = %d, want 10", got)
	}
}

func TestFromCandle(t *testing.T) {
	t.Parallel()
	c := types.Candle{"1700000000000", "100", "110", "95", "105", "12.5", "0", "0", "1"}

	k, ok := FromCandle("BTC-USDT-SWAP", types.Bar5m, c, 1700000400000)
	if !ok {
		t.Fatal("valid candle rejected")
	}
	if k.OpenTime != 1700000000000 || k.Open != 100 || k.High != 110 || k.Low != 95 || k.Close != 105 || k.Volume != 12.5 {
		t.Errorf("fields: %+v", k)
	}
	if !k.Confirmed {
		t.Error("confirm flag at index 8 not honored")
	}
	if k.LastUpdate != 1700000400000 {
		t.Errorf("LastUpdate = %d", k.LastUpdate)
	}
}

func TestFromCandleUnconfirmedWhenFlagMissing(t *testing.T) {
	t.Parallel()
	// Six-element candle carries OHLCV but no confirm flag.
	c := types.Candle{"1700000000000", "100", "110", "95", "105", "12.5"}
	k, ok := FromCandle("BTC-USDT-SWAP", types.Bar1m, c, 0)
	if !ok {
		t.Fatal("six-element candle rejected")
	}
	if k.Confirmed {
		t.Error("short candle must not be confirmed")
	}
}

func TestFromCandleTooShort(t *testing.T) {
	t.Parallel()
	if _, ok := FromCandle("BTC-USDT-SWAP", types.Bar1m, types.Candle{"1700000000000", "100"}, 0); ok {
		t.Error("accepted a candle without OHLCV")
	}
}

func TestMergeGaps(t *testing.T) {
	t.Parallel()
	bar := types.Bar1m.Millis()
	gaps := []Gap{
		{Start: 0, End: 2 * bar},
		{Start: 3 * bar, End: 4 * bar}, // adjacent: starts one bar after
		{Start: 10 * bar, End: 11 * bar},
	}

	out := MergeGaps(gaps, types.Bar1m)
	if len(out) != 2 {
		t.Fatalf("merged into %d runs, want 2: %+v", len(out), out)
	}
	if out[0].Start != 0 || out[0].End != 4*bar {
		t.Errorf("first run = %+v", out[0])
	}
	if out[1].Start != 10*bar || out[1].End != 11*bar {
		t.Errorf("second run = %+v", out[1])
	}
}

func TestMergeGapsOverlapping(t *testing.T) {
	t.Parallel()
	bar := types.Bar5m.Millis()
	out := MergeGaps([]Gap{
		{Start: 0, End: 5 * bar},
		{Start: 2 * bar, End: 3 * bar}, // contained
	}, types.Bar5m)
	if len(out) != 1 || out[0].End != 5*bar {
		t.Errorf("contained run mishandled: %+v", out)
	}
}

func TestMergeGapsSingleton(t *testing.T) {
	t.Parallel()
	in := []Gap{{Start: 100, End: 200}}
	if out := MergeGaps(in, types.Bar1m); len(out) != 1 || out[0] != in[0] {
		t.Errorf("singleton altered: %+v", out)
	}
}
