package review

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"okx-swap-agent/internal/store"
	"okx-swap-agent/pkg/types"
)

func TestEnqueueConcurrentWithRun(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := store.Open(filepath.Join(t.TempDir(), "review.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()

	g := New(nil, nil, db, logger)
	ctx, cancel := context.WithCancel(context.Background())
	var runDone sync.WaitGroup
	runDone.Add(1)
	go func() {
		defer runDone.Done()
		g.Run(ctx)
	}()

	// Positions without linked decisions are skipped immediately, so Run
	// keeps deleting from the dedupe set while producers hammer Enqueue.
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				g.Enqueue(types.ClosedPosition{
					Symbol:   "BTC-USDT-SWAP",
					PosSide:  types.Long,
					OpenTime: int64(1700000000000 + p*1000 + i),
				})
			}
		}(p)
	}
	wg.Wait()
	cancel()
	runDone.Wait()
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()
	if got := truncateRunes("short", 200); got != "short" {
		t.Errorf("got %q", got)
	}

	long := strings.Repeat("多", 250)
	got := truncateRunes(long, 200)
	if r := []rune(got); len(r) != 203 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncated to %d runes", len(r))
	}
	// Must cut on rune boundaries, never mid-codepoint.
	if !strings.HasPrefix(got, "多") {
		t.Errorf("mangled multibyte text: %q", got[:12])
	}
}

func TestFromCandle(t *testing.T) {
	t.Parallel()
	k, ok := fromCandle("ETH-USDT-SWAP", types.Candle{"1700000000000", "2000", "2010", "1990", "2005", "33"})
	if !ok {
		t.Fatal("valid candle rejected")
	}
	if k.OpenTime != 1700000000000 || k.Close != 2005 || !k.Confirmed {
		t.Errorf("fields: %+v", k)
	}

	if _, ok := fromCandle("ETH-USDT-SWAP", types.Candle{"1700000000000"}); ok {
		t.Error("short candle accepted")
	}
	if _, ok := fromCandle("ETH-USDT-SWAP", types.Candle{"notanumber", "1", "1", "1", "1", "1"}); ok {
		t.Error("bad timestamp accepted")
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()
	c := types.ClosedPosition{
		Symbol:      "BTC-USDT-SWAP",
		PosSide:     types.Long,
		Size:        2,
		EntryPx:     43000,
		ExitPx:      43800,
		OpenTime:    1700000000000,
		CloseTime:   1700007200000,
		RealizedPnl: 16,
		PnlRatio:    0.0186,
		CloseType:   "manual",
	}
	decisions := []types.Decision{
		{Ts: 1700000000000, Action: types.SignalOpenLong, Confidence: 72, Reason: strings.Repeat("理由", 150)},
	}
	klines := []types.Kline{
		{OpenTime: 1700007500000, Open: 43810, High: 43900, Low: 43700, Close: 43850},
	}

	prompt := buildPrompt(c, decisions, klines)
	for _, want := range []string{"## 交易记录", "## 决策时间线", "## 平仓后行情", "BTC-USDT-SWAP", "OPEN_LONG", "置信72"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if !strings.Contains(prompt, "...") {
		t.Error("long reason not truncated")
	}
}
