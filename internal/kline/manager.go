// Package kline maintains the OHLCV bar store: live WebSocket ingest,
// startup repair of unconfirmed bars, gap detection against a per-timeframe
// retention window, and paged REST backfill.
package kline

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"okx-swap-agent/internal/fastcache"
	"okx-swap-agent/internal/okx"
	"okx-swap-agent/internal/store"
	"okx-swap-agent/pkg/types"
)

const (
	backfillPageLimit = 100  // history-candles page size
	backfillMaxPages  = 1000 // hard cap per gap
)

// historyDays is how far back each timeframe is kept and backfilled.
// Timeframes not listed fall back to the configured default.
var historyDays = map[types.Timeframe]int{
	types.Bar1m:  3,
	types.Bar5m:  7,
	types.Bar15m: 15,
	types.Bar30m: 30,
	types.Bar1H:  30,
	types.Bar4H:  30,
	types.Bar1D:  30,
}

// HistoryDays returns the retention window in days for a timeframe.
func HistoryDays(tf types.Timeframe, fallback int) int {
	if d, ok := historyDays[tf]; ok {
		return d
	}
	return fallback
}

// Gap is a contiguous run of missing bars, inclusive on both ends.
type Gap struct {
	Start int64 // first missing bar open, ms
	End   int64 // last missing bar open, ms
}

// Bars returns how many bars the gap spans.
func (g Gap) Bars(tf types.Timeframe) int64 {
	return (g.End-g.Start)/tf.Millis() + 1
}

// Manager owns kline persistence for one or more symbols.
type Manager struct {
	client *okx.Client
	clock  *okx.Clock
	db     *store.Store
	cache  *fastcache.Cache
	logger *slog.Logger
}

// NewManager wires the kline pipeline.
func NewManager(client *okx.Client, clock *okx.Clock, db *store.Store, cache *fastcache.Cache, logger *slog.Logger) *Manager {
	return &Manager{
		client: client,
		clock:  clock,
		db:     db,
		cache:  cache,
		logger: logger.With("component", "kline"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Live ingest
// ————————————————————————————————————————————————————————————————————————

// FromCandle converts one wire candle into a Kline. ok is false when the
// array is too short to carry OHLCV.
func FromCandle(symbol string, tf types.Timeframe, c types.Candle, nowMs int64) (types.Kline, bool) {
	if len(c) < 6 {
		return types.Kline{}, false
	}
	return types.Kline{
		Symbol:     symbol,
		Timeframe:  tf,
		OpenTime:   atoi64(c[0]),
		Open:       atof(c[1]),
		High:       atof(c[2]),
		Low:        atof(c[3]),
		Close:      atof(c[4]),
		Volume:     atof(c[5]),
		Confirmed:  c.Confirmed(),
		LastUpdate: nowMs,
	}, true
}

// Ingest upserts one live candle frame and refreshes the freshness stamp.
// Confirmed rows in the store stay frozen regardless of what arrives.
func (m *Manager) Ingest(ctx context.Context, symbol string, tf types.Timeframe, c types.Candle) error {
	nowMs := m.clock.NowMs()
	k, ok := FromCandle(symbol, tf, c, nowMs)
	if !ok || k.OpenTime == 0 {
		return nil
	}
	if err := m.db.UpsertKline(ctx, k); err != nil {
		return err
	}
	if err := m.cache.SetKlineStamp(ctx, symbol, tf, nowMs); err != nil {
		m.logger.Warn("kline stamp update failed", "symbol", symbol, "tf", tf, "error", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Startup repair
// ————————————————————————————————————————————————————————————————————————

// Repair finds unconfirmed bars whose period has already elapsed and
// replaces each with the exchange's confirmed version. Bars still inside
// their period are left alone for the live stream to finish.
func (m *Manager) Repair(ctx context.Context, symbol string) error {
	rows, err := m.db.UnconfirmedKlines(ctx, symbol)
	if err != nil {
		return err
	}

	nowMs := m.clock.NowMs()
	repaired := 0
	for _, k := range rows {
		if k.BarEnd() >= nowMs {
			continue
		}

		// history-candles with after = openTime + one bar returns records
		// strictly older than the cursor, so the target bar comes first.
		candles, err := m.client.GetHistoryCandles(ctx, symbol, k.Timeframe,
			k.OpenTime+k.Timeframe.Millis(), 0, 1)
		if err != nil {
			m.logger.Warn("repair fetch failed",
				"symbol", symbol, "tf", k.Timeframe, "open_time", k.OpenTime, "error", err)
			continue
		}
		if len(candles) == 0 {
			continue
		}

		fixed := candles[0]
		for _, c := range candles {
			if atoi64(c[0]) == k.OpenTime {
				fixed = c
				break
			}
		}

		nk, ok := FromCandle(symbol, k.Timeframe, fixed, nowMs)
		if !ok {
			continue
		}
		nk.OpenTime = k.OpenTime
		nk.Confirmed = true
		if err := m.db.UpsertKline(ctx, nk); err != nil {
			return err
		}
		repaired++
	}

	if repaired > 0 {
		m.logger.Info("repaired stale unconfirmed bars", "symbol", symbol, "count", repaired)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Gap detection and backfill
// ————————————————————————————————————————————————————————————————————————

// FindGaps computes the missing bar runs for a (symbol, timeframe) within
// its retention window ending at nowMs. Both window edges align down to the
// bar size; the current bar's opening counts as expected, so a run may end
// on it (the history endpoint returns nothing for it until the bar closes,
// and the live stream fills it in).
func (m *Manager) FindGaps(ctx context.Context, symbol string, tf types.Timeframe, nowMs int64, fallbackDays int) ([]Gap, error) {
	barMs := tf.Millis()
	if barMs == 0 {
		return nil, nil
	}

	days := HistoryDays(tf, fallbackDays)
	end := nowMs / barMs * barMs // aligned opening of the current bar
	start := (nowMs - int64(days)*86_400_000) / barMs * barMs
	if start > end {
		return nil, nil
	}

	existing, err := m.db.KlineOpenTimes(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, err
	}
	have := make(map[int64]struct{}, len(existing))
	for _, ts := range existing {
		have[ts] = struct{}{}
	}

	var gaps []Gap
	for ts := start; ts <= end; ts += barMs {
		if _, ok := have[ts]; ok {
			continue
		}
		if n := len(gaps); n > 0 && gaps[n-1].End+barMs == ts {
			gaps[n-1].End = ts
		} else {
			gaps = append(gaps, Gap{Start: ts, End: ts})
		}
	}
	return gaps, nil
}

// MergeGaps coalesces adjacent or overlapping runs. Input must be sorted
// by Start.
func MergeGaps(gaps []Gap, tf types.Timeframe) []Gap {
	if len(gaps) < 2 {
		return gaps
	}
	out := gaps[:1]
	for _, g := range gaps[1:] {
		last := &out[len(out)-1]
		if g.Start <= last.End+tf.Millis() {
			if g.End > last.End {
				last.End = g.End
			}
			continue
		}
		out = append(out, g)
	}
	return out
}

// Backfill fills one gap by paging history-candles backwards. The after
// cursor starts one bar past the gap end and walks down on the oldest
// timestamp of each page; before pins the lower bound at the gap start.
// Pagination stops on a short page, a non-advancing cursor, the page cap,
// or once the page drops below the gap start.
func (m *Manager) Backfill(ctx context.Context, symbol string, tf types.Timeframe, g Gap) (int, error) {
	barMs := tf.Millis()
	after := g.End + barMs
	before := g.Start - 1
	nowMs := m.clock.NowMs()
	total := 0

	for page := 0; page < backfillMaxPages; page++ {
		candles, err := m.client.GetHistoryCandles(ctx, symbol, tf, after, before, backfillPageLimit)
		if err != nil {
			return total, err
		}
		if len(candles) == 0 {
			break
		}

		batch := make([]types.Kline, 0, len(candles))
		oldest := after
		for _, c := range candles {
			ts := atoi64(c[0])
			if ts < oldest {
				oldest = ts
			}
			if ts < g.Start || ts > g.End {
				continue
			}
			k, ok := FromCandle(symbol, tf, c, nowMs)
			if !ok {
				continue
			}
			k.Confirmed = true // history endpoint only returns elapsed bars
			batch = append(batch, k)
		}
		if err := m.db.UpsertKlines(ctx, batch); err != nil {
			return total, err
		}
		total += len(batch)

		if len(candles) < backfillPageLimit {
			break
		}
		if oldest >= after {
			m.logger.Warn("backfill cursor stalled", "symbol", symbol, "tf", tf, "after", after)
			break
		}
		if oldest <= g.Start {
			break
		}
		after = oldest
	}
	return total, nil
}

// Sync runs repair, gap detection, and backfill for one (symbol, timeframe).
// Called at collector startup and after every stream restart.
func (m *Manager) Sync(ctx context.Context, symbol string, tf types.Timeframe, fallbackDays int) error {
	if err := m.Repair(ctx, symbol); err != nil {
		return err
	}

	gaps, err := m.FindGaps(ctx, symbol, tf, m.clock.NowMs(), fallbackDays)
	if err != nil {
		return err
	}
	if len(gaps) == 0 {
		return nil
	}

	m.logger.Info("backfilling gaps", "symbol", symbol, "tf", tf, "gaps", len(gaps))
	for _, g := range gaps {
		n, err := m.Backfill(ctx, symbol, tf, g)
		if err != nil {
			return err
		}
		m.logger.Info("gap filled",
			"symbol", symbol, "tf", tf,
			"from", time.UnixMilli(g.Start).UTC().Format(time.RFC3339),
			"bars", n)
	}
	return nil
}

func atoi64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func atof(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
