// Package tape keeps the rolling public-trade window and derives the
// buy/sell pressure aggregates served to the decision engine.
package tape

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"okx-swap-agent/internal/fastcache"
	"okx-swap-agent/internal/store"
	"okx-swap-agent/pkg/types"
)

const retention = time.Hour

// PressureWindows are the rolling windows aggregated every minute, seconds.
var PressureWindows = []int{60, 300, 900}

// TickFeatures summarizes the last minute of tape for the feature builder.
type TickFeatures struct {
	VWAP          float64 `json:"vwap"`
	Imbalance     float64 `json:"imbalance"` // (buyVol-sellVol)/(buyVol+sellVol)
	PriceRangePct float64 `json:"price_range_pct"`
	TickCount     int     `json:"tick_count"`
	LargeRatio    float64 `json:"large_ratio"` // share of volume in prints > 2x mean size
	LatestTs      int64   `json:"latest_ts"`
}

// Tape is the rolling in-memory trade window for one symbol.
// Trades are appended in arrival order and deduplicated by trade ID.
type Tape struct {
	mu     sync.Mutex
	symbol string
	trades []types.Trade
	seen   map[string]struct{}
	logger *slog.Logger
}

// New creates an empty tape for a symbol.
func New(symbol string, logger *slog.Logger) *Tape {
	return &Tape{
		symbol: symbol,
		seen:   make(map[string]struct{}),
		logger: logger.With("component", "tape", "symbol", symbol),
	}
}

// Add appends one trade. Duplicates (by trade ID) are dropped; reconnects
// can replay the stream head.
func (t *Tape) Add(tr types.Trade) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.seen[tr.ID]; dup {
		return false
	}
	t.seen[tr.ID] = struct{}{}
	t.trades = append(t.trades, tr)
	t.evictStaleLocked(tr.Ts)
	return true
}

// evictStaleLocked drops trades older than the retention window. The slice
// is append-ordered so eviction walks from the front.
func (t *Tape) evictStaleLocked(nowMs int64) {
	cutoff := nowMs - retention.Milliseconds()
	i := 0
	for i < len(t.trades) && t.trades[i].Ts < cutoff {
		delete(t.seen, t.trades[i].ID)
		i++
	}
	if i > 0 {
		t.trades = append(t.trades[:0], t.trades[i:]...)
	}
}

// Len returns the number of retained trades.
func (t *Tape) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.trades)
}

// window copies the trades with Ts >= cutoff.
func (t *Tape) window(cutoffMs int64) []types.Trade {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.Trade, 0, len(t.trades))
	for _, tr := range t.trades {
		if tr.Ts >= cutoffMs {
			out = append(out, tr)
		}
	}
	return out
}

// Pressure computes the buy/sell aggregate for one rolling window ending at
// nowMs. Buy volume with zero sell volume caps the ratio at RatioCap.
func (t *Tape) Pressure(nowMs int64, windowSec int) types.Pressure {
	return ComputePressure(t.symbol, t.window(nowMs-int64(windowSec)*1000), nowMs, windowSec)
}

// ComputePressure aggregates a pre-filtered trade slice into one pressure row.
func ComputePressure(symbol string, trades []types.Trade, nowMs int64, windowSec int) types.Pressure {
	p := types.Pressure{
		Symbol:    symbol,
		WindowSec: windowSec,
		Ts:        nowMs,
	}
	cutoff := nowMs - int64(windowSec)*1000
	for _, tr := range trades {
		if tr.Ts < cutoff {
			continue
		}
		if tr.Side == types.Buy {
			p.BuyVol += tr.Size
			p.BuyCount++
		} else {
			p.SellVol += tr.Size
			p.SellCount++
		}
	}
	switch {
	case p.SellVol > 0:
		p.Ratio = p.BuyVol / p.SellVol
		if p.Ratio > types.RatioCap {
			p.Ratio = types.RatioCap
		}
	case p.BuyVol > 0:
		p.Ratio = types.RatioCap
	default:
		p.Ratio = 1
	}
	return p
}

// Features computes the one-minute tick summary ending at nowMs.
func (t *Tape) Features(nowMs int64) TickFeatures {
	return ComputeFeatures(t.window(nowMs-60_000), nowMs)
}

// ComputeFeatures summarizes trades from the last minute before nowMs.
func ComputeFeatures(all []types.Trade, nowMs int64) TickFeatures {
	cutoff := nowMs - 60_000
	trades := make([]types.Trade, 0, len(all))
	for _, tr := range all {
		if tr.Ts >= cutoff {
			trades = append(trades, tr)
		}
	}
	f := TickFeatures{TickCount: len(trades)}
	if len(trades) == 0 {
		return f
	}

	var notional, volume, buyVol, sellVol float64
	lo, hi := trades[0].Price, trades[0].Price
	for _, tr := range trades {
		notional += tr.Price * tr.Size
		volume += tr.Size
		if tr.Side == types.Buy {
			buyVol += tr.Size
		} else {
			sellVol += tr.Size
		}
		if tr.Price < lo {
			lo = tr.Price
		}
		if tr.Price > hi {
			hi = tr.Price
		}
		if tr.Ts > f.LatestTs {
			f.LatestTs = tr.Ts
		}
	}

	if volume > 0 {
		f.VWAP = notional / volume
		f.Imbalance = (buyVol - sellVol) / volume
	}
	if lo > 0 {
		f.PriceRangePct = (hi - lo) / lo * 100
	}

	mean := volume / float64(len(trades))
	var large float64
	for _, tr := range trades {
		if tr.Size > 2*mean {
			large += tr.Size
		}
	}
	if volume > 0 {
		f.LargeRatio = large / volume
	}
	return f
}

// ————————————————————————————————————————————————————————————————————————
// Aggregator
// ————————————————————————————————————————————————————————————————————————

// Aggregator persists pressure rows for every tape each minute.
type Aggregator struct {
	tapes  map[string]*Tape
	db     *store.Store
	cache  *fastcache.Cache
	nowMs  func() int64
	logger *slog.Logger
}

// NewAggregator builds the minute-cadence persister over a set of tapes.
func NewAggregator(tapes map[string]*Tape, db *store.Store, cache *fastcache.Cache, nowMs func() int64, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		tapes:  tapes,
		db:     db,
		cache:  cache,
		nowMs:  nowMs,
		logger: logger.With("component", "tape_agg"),
	}
}

// Ingest records one trade into its tape and mirrors it to the fast cache.
func (a *Aggregator) Ingest(ctx context.Context, symbol string, tr types.Trade) {
	tape, ok := a.tapes[symbol]
	if !ok {
		return
	}
	if !tape.Add(tr) {
		return
	}
	if err := a.cache.PushTrade(ctx, symbol, tr); err != nil {
		a.logger.Warn("cache trade push failed", "symbol", symbol, "error", err)
	}
}

// Run flushes pressure rows every minute until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.flush(ctx)
		}
	}
}

func (a *Aggregator) flush(ctx context.Context) {
	nowMs := a.nowMs()
	for symbol, tape := range a.tapes {
		for _, w := range PressureWindows {
			p := tape.Pressure(nowMs, w)
			if err := a.db.InsertPressure(ctx, p); err != nil {
				a.logger.Error("pressure insert failed",
					"symbol", symbol, "window", w, "error", err)
			}
		}
	}
}
