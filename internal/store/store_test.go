package store

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	"okx-swap-agent/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func bar(openTime int64, close float64, confirmed bool) types.Kline {
	return types.Kline{
		Symbol:    "BTC-USDT-SWAP",
		Timeframe: types.Bar5m,
		OpenTime:  openTime,
		Open:      close - 1,
		High:      close + 2,
		Low:       close - 2,
		Close:     close,
		Volume:    10,
		Confirmed: confirmed,
	}
}

func TestUpsertKlineOverwritesUnconfirmed(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertKline(ctx, bar(1000, 100, false)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertKline(ctx, bar(1000, 105, false)); err != nil {
		t.Fatal(err)
	}

	rows, err := s.RecentKlines(ctx, "BTC-USDT-SWAP", types.Bar5m, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Close != 105 {
		t.Errorf("rows = %+v, want single bar with close 105", rows)
	}
}

func TestUpsertKlineFreezesConfirmed(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertKline(ctx, bar(1000, 100, true)); err != nil {
		t.Fatal(err)
	}
	// A late tick must not touch the confirmed row.
	if err := s.UpsertKline(ctx, bar(1000, 999, false)); err != nil {
		t.Fatal(err)
	}

	rows, err := s.RecentKlines(ctx, "BTC-USDT-SWAP", types.Bar5m, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Close != 100 || !rows[0].Confirmed {
		t.Errorf("confirmed bar mutated: %+v", rows)
	}
}

func TestRecentKlinesAscendingWindow(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		if err := s.UpsertKline(ctx, bar(i*300_000, float64(100+i), true)); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := s.RecentKlines(ctx, "BTC-USDT-SWAP", types.Bar5m, 3, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("len = %d, want 3", len(rows))
	}
	if rows[0].OpenTime != 2*300_000 || rows[2].OpenTime != 4*300_000 {
		t.Errorf("window not the newest three ascending: %d..%d",
			rows[0].OpenTime, rows[2].OpenTime)
	}
}

func TestKlineOpenTimesAndUnconfirmed(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertKlines(ctx, []types.Kline{
		bar(0, 100, true),
		bar(300_000, 101, false),
		bar(600_000, 102, true),
	}); err != nil {
		t.Fatal(err)
	}

	times, err := s.KlineOpenTimes(ctx, "BTC-USDT-SWAP", types.Bar5m, 0, 600_000)
	if err != nil {
		t.Fatal(err)
	}
	if len(times) != 3 || times[0] != 0 || times[2] != 600_000 {
		t.Errorf("open times = %v", times)
	}

	unconfirmed, err := s.UnconfirmedKlines(ctx, "BTC-USDT-SWAP")
	if err != nil {
		t.Fatal(err)
	}
	if len(unconfirmed) != 1 || unconfirmed[0].OpenTime != 300_000 {
		t.Errorf("unconfirmed = %+v", unconfirmed)
	}
}

func TestLatestPressure(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LatestPressure(ctx, "BTC-USDT-SWAP", 60); err != nil || ok {
		t.Fatalf("empty table: ok=%v err=%v", ok, err)
	}

	for _, ts := range []int64{1000, 2000} {
		if err := s.InsertPressure(ctx, types.Pressure{
			Symbol: "BTC-USDT-SWAP", WindowSec: 60, Ts: ts, BuyVol: float64(ts), Ratio: 1,
		}); err != nil {
			t.Fatal(err)
		}
	}

	p, ok, err := s.LatestPressure(ctx, "BTC-USDT-SWAP", 60)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if p.Ts != 2000 || p.BuyVol != 2000 {
		t.Errorf("latest = %+v", p)
	}
}

func TestDecisionsRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertDecision(ctx, types.Decision{
		Ts: 1000, Symbol: "BTC-USDT-SWAP", PosSide: types.Long,
		Action: types.SignalOpenLong, PosID: "12345", Confidence: 70, Reason: "突破",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Error("autoincrement id missing")
	}
	if _, err := s.InsertDecision(ctx, types.Decision{
		Ts: 2000, Symbol: "BTC-USDT-SWAP", Action: types.SignalHold,
	}); err != nil {
		t.Fatal(err)
	}

	linked, err := s.DecisionsByPosID(ctx, "12345")
	if err != nil {
		t.Fatal(err)
	}
	if len(linked) != 1 || linked[0].Action != types.SignalOpenLong {
		t.Errorf("linked = %+v", linked)
	}

	recent, err := s.RecentDecisions(ctx, "BTC-USDT-SWAP", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Ts != 1000 || recent[1].Ts != 2000 {
		t.Errorf("recent not oldest first: %+v", recent)
	}
}

func TestClosedPositionPreservesReview(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	c := types.ClosedPosition{
		Symbol: "BTC-USDT-SWAP", PosSide: types.Long, Size: 1,
		EntryPx: 100, ExitPx: 110, OpenTime: 1000, CloseTime: 2000,
		RealizedPnl: 10, Fee: -0.5,
	}
	if err := s.UpsertClosedPosition(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := s.SetReviewSummary(ctx, c.Symbol, c.PosSide, c.OpenTime, "总结"); err != nil {
		t.Fatal(err)
	}

	// A refresh of the same row must not blank the review.
	c.ExitPx = 111
	if err := s.UpsertClosedPosition(ctx, c); err != nil {
		t.Fatal(err)
	}

	rows, err := s.RecentClosed(ctx, "BTC-USDT-SWAP", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ReviewSummary != "总结" || rows[0].ExitPx != 111 {
		t.Errorf("row = %+v", rows)
	}

	pending, err := s.ClosedWithoutReview(ctx, "BTC-USDT-SWAP", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("reviewed row still pending: %+v", pending)
	}
}

func TestPerformanceStats(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	rows := []types.ClosedPosition{
		{Symbol: "BTC-USDT-SWAP", PosSide: types.Long, OpenTime: 1, CloseTime: 1000, RealizedPnl: 10, Fee: -1},
		{Symbol: "BTC-USDT-SWAP", PosSide: types.Short, OpenTime: 2, CloseTime: 2000, RealizedPnl: -4, Fee: -1},
		{Symbol: "BTC-USDT-SWAP", PosSide: types.Long, OpenTime: 3, CloseTime: 500, RealizedPnl: 99, Fee: 0}, // before window
	}
	for _, c := range rows {
		if err := s.UpsertClosedPosition(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.PerformanceStats(ctx, "BTC-USDT-SWAP", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Trades != 2 || stats.Wins != 1 {
		t.Errorf("trades/wins = %d/%d", stats.Trades, stats.Wins)
	}
	if stats.WinRate != 0.5 || math.Abs(stats.TotalPnl-6) > 1e-9 || math.Abs(stats.AvgPnl-3) > 1e-9 {
		t.Errorf("stats = %+v", stats)
	}
	if math.Abs(stats.TotalFee-(-2)) > 1e-9 {
		t.Errorf("fee = %v", stats.TotalFee)
	}
}

func TestMarshalAdjust(t *testing.T) {
	t.Parallel()
	if MarshalAdjust(nil) != "" {
		t.Error("nil plan must serialize to empty string")
	}
	size := 1.0
	got := MarshalAdjust(&types.AdjustPlan{
		TakeProfit: []types.Layer{{Size: &size, Price: 110}},
	})
	if got == "" || got[0] != '{' {
		t.Errorf("serialized plan = %q", got)
	}
}
