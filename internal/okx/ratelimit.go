// ratelimit.go implements token-bucket rate limiting for the OKX v5 API.
//
// OKX enforces per-endpoint-family limits measured in requests per 2-second
// windows. This file provides a smooth token-bucket implementation that
// refills continuously (rather than in 2s bursts) to avoid hitting hard
// limits.
//
// Three buckets are maintained:
//   - Public:  20 burst / 10 per sec (market data, 20/2s limit)
//   - Trade:   60 burst / 30 per sec (order placement/cancel, 60/2s limit)
//   - Account: 10 burst / 5 per sec  (balance/positions, 10/2s limit)
package okx

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by OKX API endpoint family.
// Each call must go through the matching bucket's Wait() before the
// HTTP request is issued.
type RateLimiter struct {
	Public  *TokenBucket // /api/v5/market, /api/v5/public, /api/v5/rubik
	Trade   *TokenBucket // /api/v5/trade
	Account *TokenBucket // /api/v5/account
}

// NewRateLimiter creates rate limiters tuned to OKX's published limits.
// Capacities are set to the 2-second burst allowance, rates to half for
// smooth refill.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Public:  NewTokenBucket(20, 10), // 20 per 2s window
		Trade:   NewTokenBucket(60, 30), // 60 per 2s window
		Account: NewTokenBucket(10, 5),  // 10 per 2s window
	}
}
