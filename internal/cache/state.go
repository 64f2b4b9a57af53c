// Package cache keeps warm copies of slow account and market state so the
// decision loop never blocks on REST calls. Each field refreshes on its own
// cadence; readers get the last good value plus a staleness warning once a
// snapshot ages past a minute.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"okx-swap-agent/internal/okx"
	"okx-swap-agent/internal/store"
	"okx-swap-agent/pkg/types"
)

const (
	balanceInterval  = 30 * time.Second
	positionInterval = 20 * time.Second
	stopsInterval    = 20 * time.Second
	historyInterval  = 30 * time.Second
	fundingInterval  = 20 * time.Second
	statsInterval    = 30 * time.Second

	staleAfter = time.Minute

	historyFetchLimit = 20
	statsWindowDays   = 30
	reviewStartupCap  = 5 // closed rows queued for review per startup
)

// State is the cached account and market view for one instrument.
type State struct {
	client *okx.Client
	db     *store.Store
	clock  *okx.Clock
	symbol string
	ccy    string // base currency, e.g. "BTC" from BTC-USDT-SWAP
	logger *slog.Logger

	// OnPositionClosed fires once per newly observed closed position.
	OnPositionClosed func(types.ClosedPosition)
	// OnReviewWanted fires for closed positions still lacking a review.
	OnReviewWanted func(types.ClosedPosition)

	mu           sync.RWMutex
	balance      types.Balance
	positions    []types.Position
	posDecisions map[string][]types.Decision
	stops        map[types.PosSide]types.StopOrderSet
	funding      *types.FundingRate
	stats        *types.MarketStats
	perf         types.PerformanceStats
	updatedAt    map[string]time.Time

	knownClosed   map[string]struct{} // pos IDs already notified
	historySeeded bool
}

// New builds the state cache for one instrument.
func New(client *okx.Client, db *store.Store, clock *okx.Clock, symbol string, logger *slog.Logger) *State {
	ccy := symbol
	if i := strings.Index(symbol, "-"); i > 0 {
		ccy = symbol[:i]
	}
	return &State{
		client:       client,
		db:           db,
		clock:        clock,
		symbol:       symbol,
		ccy:          ccy,
		logger:       logger.With("component", "cache"),
		posDecisions: make(map[string][]types.Decision),
		stops:        make(map[types.PosSide]types.StopOrderSet),
		updatedAt:    make(map[string]time.Time),
		knownClosed:  make(map[string]struct{}),
	}
}

// Start launches all refreshers. Each runs once immediately, then on its
// cadence, until ctx is cancelled.
func (s *State) Start(ctx context.Context) {
	go s.loop(ctx, balanceInterval, s.refreshBalance)
	go s.loop(ctx, positionInterval, s.refreshPositions)
	go s.loop(ctx, stopsInterval, s.refreshStops)
	go s.loop(ctx, historyInterval, s.refreshHistory)
	go s.loop(ctx, fundingInterval, s.refreshFunding)
	go s.loop(ctx, statsInterval, s.refreshStats)
}

func (s *State) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *State) stamp(field string) {
	s.updatedAt[field] = time.Now()
}

func (s *State) warnIfStale(field string) {
	s.mu.RLock()
	at, ok := s.updatedAt[field]
	s.mu.RUnlock()
	if ok && time.Since(at) > staleAfter {
		s.logger.Warn("cached state is stale", "field", field, "age", time.Since(at).Round(time.Second))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Refreshers
// ————————————————————————————————————————————————————————————————————————

func (s *State) refreshBalance(ctx context.Context) {
	avail, err := s.client.GetBalance(ctx)
	if err != nil {
		s.logger.Warn("balance refresh failed", "error", err)
		return
	}
	s.mu.Lock()
	s.balance = types.Balance{AvailUSDT: avail, UpdatedAt: time.Now()}
	s.stamp("balance")
	s.mu.Unlock()
}

func (s *State) refreshPositions(ctx context.Context) {
	rows, err := s.client.GetPositions(ctx, s.symbol)
	if err != nil {
		s.logger.Warn("positions refresh failed", "error", err)
		return
	}

	open := rows[:0]
	for _, p := range rows {
		if p.Size > 0 {
			open = append(open, p)
		}
	}

	decisions := make(map[string][]types.Decision, len(open))
	for _, p := range open {
		ds, err := s.db.DecisionsByPosID(ctx, p.PosID())
		if err != nil {
			s.logger.Warn("decision lookup failed", "pos_id", p.PosID(), "error", err)
			continue
		}
		decisions[p.PosID()] = ds
	}

	s.mu.Lock()
	s.positions = open
	s.posDecisions = decisions
	s.stamp("positions")
	s.mu.Unlock()
}

// refreshStops rebuilds the live protective-order view. Plain reduce
// limits on the closing side are take-profits; conditional algo orders are
// stop-losses. TPs sort away from entry: descending for longs, ascending
// for shorts.
func (s *State) refreshStops(ctx context.Context) {
	pending, err := s.client.GetPendingOrders(ctx, s.symbol)
	if err != nil {
		s.logger.Warn("pending orders refresh failed", "error", err)
		return
	}
	algos, err := s.client.GetAlgoPending(ctx, s.symbol)
	if err != nil {
		s.logger.Warn("algo orders refresh failed", "error", err)
		return
	}

	stops := map[types.PosSide]types.StopOrderSet{}
	for _, side := range []types.PosSide{types.Long, types.Short} {
		var set types.StopOrderSet
		for _, o := range pending {
			if o.PosSide == side && o.Side == side.CloseSide() {
				set.TakeProfits = append(set.TakeProfits, types.StopOrder{
					OrderID: o.OrdID, PosSide: side, Price: o.Px, Size: o.Sz,
				})
			}
		}
		for _, a := range algos {
			if a.PosSide == side {
				set.StopLosses = append(set.StopLosses, types.StopOrder{
					OrderID: a.AlgoID, Algo: true, PosSide: side, Price: a.SlTriggerPx, Size: a.Sz,
				})
			}
		}
		sort.Slice(set.TakeProfits, func(i, j int) bool {
			if side == types.Long {
				return set.TakeProfits[i].Price > set.TakeProfits[j].Price
			}
			return set.TakeProfits[i].Price < set.TakeProfits[j].Price
		})
		stops[side] = set
	}

	s.mu.Lock()
	s.stops = stops
	s.stamp("stops")
	s.mu.Unlock()
}

// refreshHistory upserts recently closed positions, refreshes the 30-day
// stats, notifies newly observed closes, and queues missing reviews.
func (s *State) refreshHistory(ctx context.Context) {
	closed, err := s.client.GetPositionsHistory(ctx, s.symbol, historyFetchLimit)
	if err != nil {
		s.logger.Warn("positions history refresh failed", "error", err)
		return
	}

	s.mu.Lock()
	seeded := s.historySeeded
	s.historySeeded = true
	s.mu.Unlock()

	for _, c := range closed {
		if err := s.db.UpsertClosedPosition(ctx, c); err != nil {
			s.logger.Warn("closed position upsert failed", "pos_id", c.PosID(), "error", err)
			continue
		}
		s.mu.Lock()
		_, known := s.knownClosed[c.PosID()]
		s.knownClosed[c.PosID()] = struct{}{}
		s.mu.Unlock()
		// The first pass only seeds the known set; closes that predate this
		// process are not re-announced.
		if !known && seeded && s.OnPositionClosed != nil {
			s.OnPositionClosed(c)
		}
	}

	since := s.clock.NowMs() - int64(statsWindowDays)*86_400_000
	perf, err := s.db.PerformanceStats(ctx, s.symbol, since)
	if err != nil {
		s.logger.Warn("performance stats failed", "error", err)
	} else {
		s.mu.Lock()
		s.perf = perf
		s.stamp("perf")
		s.mu.Unlock()
	}

	if s.OnReviewWanted != nil {
		wanting, err := s.db.ClosedWithoutReview(ctx, s.symbol, reviewStartupCap)
		if err != nil {
			s.logger.Warn("review backlog lookup failed", "error", err)
			return
		}
		for _, c := range wanting {
			s.OnReviewWanted(c)
		}
	}
}

func (s *State) refreshFunding(ctx context.Context) {
	fr, err := s.client.GetFundingRate(ctx, s.symbol)
	if err != nil {
		s.logger.Warn("funding refresh failed", "error", err)
		return
	}
	s.mu.Lock()
	s.funding = fr
	s.stamp("funding")
	s.mu.Unlock()
}

// refreshStats pulls the slow contract statistics: 15m taker buy/sell
// buckets and the 1H open-interest snapshot.
func (s *State) refreshStats(ctx context.Context) {
	taker, err := s.client.GetTakerVolume(ctx, s.ccy, "15m", 24)
	if err != nil {
		s.logger.Warn("taker volume refresh failed", "error", err)
		return
	}
	oi, err := s.client.GetOpenInterest(ctx, s.ccy, "1H")
	if err != nil {
		s.logger.Warn("open interest refresh failed", "error", err)
		return
	}

	stats := &types.MarketStats{Ts: s.clock.NowMs()}
	// Rows arrive newest first; reverse into oldest-first buckets.
	for i := len(taker) - 1; i >= 0; i-- {
		row := taker[i]
		if len(row) < 3 {
			continue
		}
		stats.TakerSellVol = append(stats.TakerSellVol, atof(row[1]))
		stats.TakerBuyVol = append(stats.TakerBuyVol, atof(row[2]))
	}
	if len(oi) > 0 && len(oi[0]) >= 3 {
		stats.OpenInterest = atof(oi[0][1])
		stats.OIVolume = atof(oi[0][2])
	}

	s.mu.Lock()
	s.stats = stats
	s.stamp("stats")
	s.mu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Readers
// ————————————————————————————————————————————————————————————————————————

// Balance returns the cached available equity.
func (s *State) Balance() types.Balance {
	s.warnIfStale("balance")
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance
}

// Positions returns the cached open positions (size > 0 only).
func (s *State) Positions() []types.Position {
	s.warnIfStale("positions")
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Position, len(s.positions))
	copy(out, s.positions)
	return out
}

// Position returns the open leg for one side, ok=false when flat.
func (s *State) Position(side types.PosSide) (types.Position, bool) {
	for _, p := range s.Positions() {
		if p.PosSide == side {
			return p, true
		}
	}
	return types.Position{}, false
}

// DecisionsFor returns the cached decisions linked to a position.
func (s *State) DecisionsFor(posID string) []types.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.posDecisions[posID]
}

// Stops returns the live protective orders for one side.
func (s *State) Stops(side types.PosSide) types.StopOrderSet {
	s.warnIfStale("stops")
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stops[side]
}

// Funding returns the cached funding snapshot; nil before the first refresh.
func (s *State) Funding() *types.FundingRate {
	s.warnIfStale("funding")
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.funding
}

// MarketStats returns the cached contract statistics; nil before the first refresh.
func (s *State) MarketStats() *types.MarketStats {
	s.warnIfStale("stats")
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Performance returns the cached 30-day trade summary.
func (s *State) Performance() types.PerformanceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.perf
}

func atof(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
