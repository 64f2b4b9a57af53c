// Package fastcache is the Redis layer shared by the collector and the
// agent. The collector writes live trades, book snapshots, and kline
// freshness stamps; the agent reads them without touching SQLite.
//
// Keys:
//
//	trades:<symbol>                   list of trade JSON, newest first
//	orderbook:<symbol>                latest book snapshot JSON
//	kline_last_update:<symbol>:<tf>   ms timestamp of the last kline ingest
package fastcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"okx-swap-agent/pkg/types"
)

const (
	tradeRetention = time.Hour
	tradeMaxLen    = 50_000 // hard cap so a quiet pruner cannot leak memory
	keyTTL         = 2 * time.Hour
)

// Cache wraps the Redis client with the typed accessors both processes use.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, addr string, db int, logger *slog.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Cache{rdb: rdb, logger: logger.With("component", "fastcache")}, nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

func tradesKey(symbol string) string { return "trades:" + symbol }
func bookKey(symbol string) string   { return "orderbook:" + symbol }

func stampKey(symbol string, tf types.Timeframe) string {
	return "kline_last_update:" + symbol + ":" + string(tf)
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// PushTrade prepends one trade to the symbol's list and prunes entries older
// than an hour from the tail.
func (c *Cache) PushTrade(ctx context.Context, symbol string, t types.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}

	key := tradesKey(symbol)
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, tradeMaxLen-1)
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push trade: %w", err)
	}

	// The tail holds the oldest entries; drop those outside the retention
	// window. Cheap enough to do inline because the list stays pruned.
	cutoff := t.Ts - tradeRetention.Milliseconds()
	for {
		raw, err := c.rdb.LIndex(ctx, key, -1).Result()
		if err != nil {
			if err == redis.Nil {
				return nil
			}
			return fmt.Errorf("prune trades: %w", err)
		}
		var last types.Trade
		if err := json.Unmarshal([]byte(raw), &last); err != nil || last.Ts >= cutoff {
			return nil
		}
		if err := c.rdb.RPop(ctx, key).Err(); err != nil {
			return fmt.Errorf("prune trades: %w", err)
		}
	}
}

// RecentTrades returns the trades within the last `seconds` seconds, newest
// first, relative to nowMs (corrected time).
func (c *Cache) RecentTrades(ctx context.Context, symbol string, nowMs int64, seconds int) ([]types.Trade, error) {
	raws, err := c.rdb.LRange(ctx, tradesKey(symbol), 0, tradeMaxLen-1).Result()
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}

	cutoff := nowMs - int64(seconds)*1000
	out := make([]types.Trade, 0, len(raws))
	for _, raw := range raws {
		var t types.Trade
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		if t.Ts < cutoff {
			break // list is newest first, the rest is older
		}
		out = append(out, t)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Order book snapshot
// ————————————————————————————————————————————————————————————————————————

// SetBookSnapshot stores the latest book snapshot for the agent to read.
func (c *Cache) SetBookSnapshot(ctx context.Context, snap types.BookSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal book snapshot: %w", err)
	}
	if err := c.rdb.Set(ctx, bookKey(snap.Symbol), data, keyTTL).Err(); err != nil {
		return fmt.Errorf("set book snapshot: %w", err)
	}
	return nil
}

// GetBookSnapshot returns the latest stored snapshot; ok is false when absent.
func (c *Cache) GetBookSnapshot(ctx context.Context, symbol string) (types.BookSnapshot, bool, error) {
	raw, err := c.rdb.Get(ctx, bookKey(symbol)).Result()
	if err != nil {
		if err == redis.Nil {
			return types.BookSnapshot{}, false, nil
		}
		return types.BookSnapshot{}, false, fmt.Errorf("get book snapshot: %w", err)
	}
	var snap types.BookSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return types.BookSnapshot{}, false, fmt.Errorf("unmarshal book snapshot: %w", err)
	}
	return snap, true, nil
}

// ————————————————————————————————————————————————————————————————————————
// Kline freshness stamps
// ————————————————————————————————————————————————————————————————————————

// SetKlineStamp records the wall time (ms) of the last kline ingest for a
// (symbol, timeframe) stream. The watchdog and the freshness gate read it.
func (c *Cache) SetKlineStamp(ctx context.Context, symbol string, tf types.Timeframe, tsMs int64) error {
	if err := c.rdb.Set(ctx, stampKey(symbol, tf), tsMs, keyTTL).Err(); err != nil {
		return fmt.Errorf("set kline stamp: %w", err)
	}
	return nil
}

// GetKlineStamp returns the last ingest timestamp; ok is false when absent.
func (c *Cache) GetKlineStamp(ctx context.Context, symbol string, tf types.Timeframe) (int64, bool, error) {
	raw, err := c.rdb.Get(ctx, stampKey(symbol, tf)).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get kline stamp: %w", err)
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse kline stamp: %w", err)
	}
	return ts, true, nil
}
