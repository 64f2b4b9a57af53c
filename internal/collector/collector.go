// Package collector runs the standalone market-data process: WebSocket
// ingest for books, candles, and trades, kline repair/backfill, minute
// aggregates, and a watchdog that forces a clean restart when any stream
// goes silent.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"okx-swap-agent/internal/config"
	"okx-swap-agent/internal/fastcache"
	"okx-swap-agent/internal/kline"
	"okx-swap-agent/internal/market"
	"okx-swap-agent/internal/okx"
	"okx-swap-agent/internal/store"
	"okx-swap-agent/internal/tape"
	"okx-swap-agent/pkg/types"
)

const (
	watchdogInterval = 30 * time.Second
	candleWorkers    = 10
	tradeWorkers     = 4
	snapshotThrottle = time.Second // min interval between redis book pushes
	restartSleep     = 5 * time.Second
	teardownGrace    = 5 * time.Second
)

// ErrRestart is returned by a session when the watchdog demands a restart.
var ErrRestart = fmt.Errorf("watchdog restart")

// Collector supervises one ingest session at a time and restarts it on
// stream silence, up to the configured cap.
type Collector struct {
	cfg    *config.Config
	client *okx.Client
	clock  *okx.Clock
	db     *store.Store
	cache  *fastcache.Cache
	logger *slog.Logger

	activity *activityTracker
}

// New wires a collector from already-opened dependencies.
func New(cfg *config.Config, client *okx.Client, clock *okx.Clock, db *store.Store, cache *fastcache.Cache, logger *slog.Logger) *Collector {
	return &Collector{
		cfg:      cfg,
		client:   client,
		clock:    clock,
		db:       db,
		cache:    cache,
		logger:   logger.With("component", "collector"),
		activity: newActivityTracker(),
	}
}

// Supervise runs ingest sessions until ctx is cancelled or the restart cap
// is exhausted. A nil return means clean shutdown; an error means the cap
// was hit with streams still failing.
func (c *Collector) Supervise(ctx context.Context) error {
	restarts := 0
	for {
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			c.logger.Info("collector stopped")
			return nil
		}

		restarts++
		if restarts > c.cfg.Collector.MaxRestarts {
			return fmt.Errorf("restart cap reached after %d restarts: %w", restarts-1, err)
		}
		c.logger.Warn("session ended, restarting",
			"error", err, "restart", restarts, "sleep", restartSleep)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(restartSleep):
		}
	}
}

// runSession performs one full ingest cycle: sync, subscribe, consume,
// watch. Returns when a stream goes silent or ctx is cancelled.
func (c *Collector) runSession(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.clock.Sync(sessCtx, c.client, c.logger); err != nil {
		return fmt.Errorf("clock sync: %w", err)
	}

	km := kline.NewManager(c.client, c.clock, c.db, c.cache, c.logger)
	timeframes := c.timeframes()
	for _, symbol := range c.cfg.Collector.Symbols {
		for _, tf := range timeframes {
			if err := km.Sync(sessCtx, symbol, tf, c.cfg.Collector.HistoryDays); err != nil {
				return fmt.Errorf("kline sync %s %s: %w", symbol, tf, err)
			}
		}
	}

	books := make(map[string]*market.Book, len(c.cfg.Collector.Symbols))
	tapes := make(map[string]*tape.Tape, len(c.cfg.Collector.Symbols))
	for _, symbol := range c.cfg.Collector.Symbols {
		books[symbol] = market.NewBook(symbol, c.logger)
		tapes[symbol] = tape.New(symbol, c.logger)
	}
	agg := tape.NewAggregator(tapes, c.db, c.cache, c.clock.NowMs, c.logger)

	publicFeed := okx.NewFeed(c.cfg.Exchange.WSPublicURL, "public", c.logger)
	businessFeed := okx.NewFeed(c.cfg.Exchange.WSBusinessURL, "business", c.logger)
	c.subscribe(publicFeed, businessFeed, timeframes)

	c.activity.reset(c.streamKeys(timeframes), time.Now())

	var wg sync.WaitGroup
	restart := make(chan error, 1)

	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(sessCtx); err != nil && sessCtx.Err() == nil {
				select {
				case restart <- fmt.Errorf("%s: %w", name, err):
				default:
				}
				cancel()
			}
		}()
	}

	run("ws_public", publicFeed.Run)
	run("ws_business", businessFeed.Run)

	// Book frames must apply in order, so a single consumer drains them.
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.consumeBooks(sessCtx, publicFeed, books)
	}()

	for i := 0; i < candleWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.consumeCandles(sessCtx, businessFeed, km)
		}()
	}
	for i := 0; i < tradeWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.consumeTrades(sessCtx, businessFeed, agg)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		agg.Run(sessCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.metricsLoop(sessCtx, books)
	}()

	err := c.watchdog(sessCtx)
	cancel()
	publicFeed.Close()
	businessFeed.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(teardownGrace):
		c.logger.Warn("teardown grace expired, abandoning workers")
	}

	select {
	case werr := <-restart:
		return werr
	default:
	}
	return err
}

func (c *Collector) timeframes() []types.Timeframe {
	out := make([]types.Timeframe, 0, len(c.cfg.Collector.Timeframes))
	for _, raw := range c.cfg.Collector.Timeframes {
		tf := types.Timeframe(raw)
		if !tf.Valid() {
			c.logger.Warn("skipping unknown timeframe", "tf", raw)
			continue
		}
		out = append(out, tf)
	}
	return out
}

func (c *Collector) subscribe(publicFeed, businessFeed *okx.WSFeed, timeframes []types.Timeframe) {
	var bookArgs, bizArgs []types.WSArg
	for _, symbol := range c.cfg.Collector.Symbols {
		bookArgs = append(bookArgs, types.WSArg{Channel: "books", InstID: symbol})
		bizArgs = append(bizArgs, types.WSArg{Channel: "trades-all", InstID: symbol})
		for _, tf := range timeframes {
			bizArgs = append(bizArgs, types.WSArg{Channel: "candle" + string(tf), InstID: symbol})
		}
	}
	publicFeed.Subscribe(bookArgs)
	businessFeed.Subscribe(bizArgs)
}

func (c *Collector) streamKeys(timeframes []types.Timeframe) []string {
	var keys []string
	for _, symbol := range c.cfg.Collector.Symbols {
		keys = append(keys, "book:"+symbol, "trade:"+symbol)
		for _, tf := range timeframes {
			keys = append(keys, "candle:"+symbol+":"+string(tf))
		}
	}
	return keys
}

// ————————————————————————————————————————————————————————————————————————
// Consumers
// ————————————————————————————————————————————————————————————————————————

func (c *Collector) consumeBooks(ctx context.Context, feed *okx.WSFeed, books map[string]*market.Book) {
	lastPush := make(map[string]time.Time, len(books))

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-feed.BookEvents():
			book, ok := books[evt.Symbol]
			if !ok {
				continue
			}
			book.Apply(evt.Action, evt.Data)
			c.activity.touch("book:"+evt.Symbol, time.Now())

			if !book.Initialized() {
				continue
			}
			if time.Since(lastPush[evt.Symbol]) < snapshotThrottle {
				continue
			}
			lastPush[evt.Symbol] = time.Now()
			if err := c.cache.SetBookSnapshot(ctx, book.Snapshot(25)); err != nil {
				c.logger.Warn("book snapshot push failed", "symbol", evt.Symbol, "error", err)
			}
		}
	}
}

func (c *Collector) consumeCandles(ctx context.Context, feed *okx.WSFeed, km *kline.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-feed.CandleEvents():
			if err := km.Ingest(ctx, evt.Symbol, evt.Timeframe, evt.Candle); err != nil {
				c.logger.Error("candle ingest failed",
					"symbol", evt.Symbol, "tf", evt.Timeframe, "error", err)
				continue
			}
			c.activity.touch("candle:"+evt.Symbol+":"+string(evt.Timeframe), time.Now())
		}
	}
}

func (c *Collector) consumeTrades(ctx context.Context, feed *okx.WSFeed, agg *tape.Aggregator) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-feed.TradeEvents():
			agg.Ingest(ctx, evt.Symbol, evt.Trade)
			c.activity.touch("trade:"+evt.Symbol, time.Now())
		}
	}
}

// metricsLoop persists per-minute book aggregates.
func (c *Collector) metricsLoop(ctx context.Context, books map[string]*market.Book) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for symbol, book := range books {
				m, ok := book.Metrics()
				if !ok {
					continue
				}
				if err := c.db.InsertBookMetrics(ctx, m); err != nil {
					c.logger.Error("book metrics insert failed", "symbol", symbol, "error", err)
				}
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Watchdog
// ————————————————————————————————————————————————————————————————————————

// watchdog checks stream activity every 30s. A stream silent strictly
// longer than the configured timeout ends the session; one past 70% of the
// timeout only warns.
func (c *Collector) watchdog(ctx context.Context) error {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	timeout := c.cfg.Collector.DataTimeout
	warnAt := time.Duration(float64(timeout) * 0.7)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			for key, silent := range c.activity.silences(now) {
				if silent > timeout {
					c.logger.Error("stream silent past timeout",
						"stream", key, "silent", silent.Round(time.Second))
					return fmt.Errorf("%w: %s silent %s", ErrRestart, key, silent.Round(time.Second))
				}
				if silent > warnAt {
					c.logger.Warn("stream quiet",
						"stream", key, "silent", silent.Round(time.Second))
				}
			}
		}
	}
}

// activityTracker records the last observed time per stream key.
type activityTracker struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newActivityTracker() *activityTracker {
	return &activityTracker{last: make(map[string]time.Time)}
}

// reset seeds every key with now so a fresh session gets a full timeout
// before its first frame is demanded.
func (a *activityTracker) reset(keys []string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = make(map[string]time.Time, len(keys))
	for _, k := range keys {
		a.last[k] = now
	}
}

func (a *activityTracker) touch(key string, now time.Time) {
	a.mu.Lock()
	a.last[key] = now
	a.mu.Unlock()
}

// silences returns the per-stream quiet duration.
func (a *activityTracker) silences(now time.Time) map[string]time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]time.Duration, len(a.last))
	for k, t := range a.last {
		out[k] = now.Sub(t)
	}
	return out
}
