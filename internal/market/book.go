// Package market provides the sequenced local order book.
//
// Book mirrors the exchange L2 book for a single instrument. It is fed from
// the "books" WebSocket channel:
//   - "snapshot" frames replace the whole book and initialize sequencing
//   - "update" frames apply level deltas, verified against seqId/prevSeqId
//
// The Book is concurrency-safe (RWMutex protected) and hands out copying
// snapshots; callers never see internal state.
package market

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"okx-swap-agent/pkg/types"
)

// Book maintains the sequenced local order book for one instrument.
// A delta is only applied when its prevSeqId matches the last applied
// seqId; any discontinuity drops the book until the next snapshot.
type Book struct {
	mu          sync.RWMutex
	symbol      string
	bids        map[float64]float64 // price → size
	asks        map[float64]float64
	lastSeqID   int64
	ts          int64 // exchange timestamp of last applied message, ms
	initialized bool
	dropLogged  bool // one log per uninitialized stretch
	logger      *slog.Logger
}

// NewBook creates an empty, uninitialized book for a symbol.
func NewBook(symbol string, logger *slog.Logger) *Book {
	return &Book{
		symbol: symbol,
		bids:   make(map[float64]float64),
		asks:   make(map[float64]float64),
		logger: logger.With("component", "book", "symbol", symbol),
	}
}

// Apply processes one books-channel frame.
func (b *Book) Apply(action string, d types.WSBookData) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch action {
	case "snapshot":
		b.bids = make(map[float64]float64, len(d.Bids))
		b.asks = make(map[float64]float64, len(d.Asks))
		applyLevels(b.bids, d.Bids)
		applyLevels(b.asks, d.Asks)
		b.lastSeqID = d.SeqID
		b.ts = atoi64(d.Ts)
		b.initialized = true
		b.dropLogged = false

	case "update":
		// Heartbeat: empty sides with prevSeqId==seqId keeps the sequence
		// alive without touching levels.
		if d.PrevSeqID == d.SeqID && len(d.Bids) == 0 && len(d.Asks) == 0 {
			b.lastSeqID = d.SeqID
			b.ts = atoi64(d.Ts)
			return
		}

		if d.SeqID < d.PrevSeqID {
			b.logger.Warn("sequence reset, waiting for snapshot",
				"seq", d.SeqID, "prev_seq", d.PrevSeqID)
			b.initialized = false
			return
		}

		if !b.initialized {
			if !b.dropLogged {
				b.logger.Warn("dropping update before first snapshot", "seq", d.SeqID)
				b.dropLogged = true
			}
			return
		}

		if d.PrevSeqID != b.lastSeqID {
			b.logger.Warn("sequence gap, waiting for snapshot",
				"prev_seq", d.PrevSeqID, "last_seq", b.lastSeqID)
			b.initialized = false
			return
		}

		applyLevels(b.bids, d.Bids)
		applyLevels(b.asks, d.Asks)
		b.lastSeqID = d.SeqID
		b.ts = atoi64(d.Ts)
	}
}

// applyLevels upserts [price, size, ...] string levels into a side.
// Size zero removes the level.
func applyLevels(side map[float64]float64, levels [][]string) {
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		price, _ := strconv.ParseFloat(lvl[0], 64)
		size, _ := strconv.ParseFloat(lvl[1], 64)
		if price == 0 {
			continue
		}
		if size == 0 {
			delete(side, price)
		} else {
			side[price] = size
		}
	}
}

// Initialized reports whether a snapshot has been applied and sequencing
// is currently contiguous.
func (b *Book) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

// LastSeqID returns the last applied sequence number.
func (b *Book) LastSeqID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeqID
}

// LastTs returns the exchange timestamp of the last applied message, ms.
func (b *Book) LastTs() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ts
}

// Snapshot copies the top depth levels of each side into an immutable view.
// depth <= 0 copies the whole book. Bids come back descending, asks ascending.
func (b *Book) Snapshot(depth int) types.BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := types.BookSnapshot{
		Symbol: b.symbol,
		Bids:   sortSide(b.bids, true, depth),
		Asks:   sortSide(b.asks, false, depth),
		SeqID:  b.lastSeqID,
		Ts:     b.ts,
	}
	return snap
}

func sortSide(side map[float64]float64, descending bool, depth int) []types.BookLevel {
	levels := make([]types.BookLevel, 0, len(side))
	for price, size := range side {
		levels = append(levels, types.BookLevel{Price: price, Size: size})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	return levels
}

// BestBidAsk returns the top of book. ok is false while either side is empty.
func (b *Book) BestBidAsk() (bid, ask float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, 0, false
	}
	for price := range b.bids {
		if price > bid {
			bid = price
		}
	}
	ask = -1
	for price := range b.asks {
		if ask < 0 || price < ask {
			ask = price
		}
	}
	return bid, ask, true
}

// MidPrice returns (bestBid+bestAsk)/2, or false while the book is one-sided.
func (b *Book) MidPrice() (float64, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// Metrics computes the per-minute aggregate row. ok is false while the
// book is uninitialized or one-sided.
func (b *Book) Metrics() (types.BookMetrics, bool) {
	snap := b.Snapshot(0)
	if len(snap.Bids) == 0 || len(snap.Asks) == 0 {
		return types.BookMetrics{}, false
	}

	bid1, ask1 := snap.Bids[0], snap.Asks[0]
	mid := (bid1.Price + ask1.Price) / 2

	var bidDepth, askDepth float64
	for i := 0; i < 5 && i < len(snap.Bids); i++ {
		bidDepth += snap.Bids[i].Size
	}
	for i := 0; i < 5 && i < len(snap.Asks); i++ {
		askDepth += snap.Asks[i].Size
	}

	m := types.BookMetrics{
		Symbol:    b.symbol,
		Ts:        snap.Ts,
		Bid1Px:    bid1.Price,
		Bid1Sz:    bid1.Size,
		Ask1Px:    ask1.Price,
		Ask1Sz:    ask1.Size,
		Mid:       mid,
		SpreadPct: (ask1.Price - bid1.Price) / mid * 100,
		BidDepth5: bidDepth,
		AskDepth5: askDepth,
	}
	if askDepth > 0 {
		m.DepthRatio = bidDepth / askDepth
	}
	return m, true
}

// IsStale reports whether the last applied message is older than maxAgeMs
// relative to the corrected now supplied by the caller. A book that never
// received data is always stale.
func (b *Book) IsStale(nowMs, maxAgeMs int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.ts == 0 {
		return true
	}
	return nowMs-b.ts > maxAgeMs
}

func atoi64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
