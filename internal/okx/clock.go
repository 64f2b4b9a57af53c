// clock.go estimates the offset between the local clock and the exchange
// server clock. Every freshness comparison in the system uses corrected
// time so that a skewed host clock cannot mask (or fake) stale data.
package okx

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"
)

const (
	clockSamples       = 3
	clockSampleSpacing = 500 * time.Millisecond
)

// Clock holds the measured local-minus-server offset in milliseconds.
// The zero value reports uncorrected local time until Sync succeeds.
type Clock struct {
	offsetMs atomic.Int64
}

// Sync takes clockSamples round-trip measurements against the server time
// endpoint and stores the median offset. Each sample estimates one-way
// latency as half the round trip:
//
//	offset = (t_before + rtt/2) - t_server
func (c *Clock) Sync(ctx context.Context, client *Client, logger *slog.Logger) error {
	samples := make([]int64, 0, clockSamples)

	for i := 0; i < clockSamples; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(clockSampleSpacing):
			}
		}

		before := time.Now().UnixMilli()
		serverTs, err := client.GetServerTime(ctx)
		after := time.Now().UnixMilli()
		if err != nil {
			logger.Warn("server time sample failed", "attempt", i+1, "error", err)
			continue
		}

		latency := (after - before) / 2
		samples = append(samples, before+latency-serverTs)
	}

	if len(samples) == 0 {
		return fmt.Errorf("clock sync: all samples failed")
	}

	offset := median(samples)
	c.offsetMs.Store(offset)
	logger.Info("clock synced", "offset_ms", offset, "samples", len(samples))
	return nil
}

// NowMs returns the corrected current time in milliseconds.
func (c *Clock) NowMs() int64 {
	return time.Now().UnixMilli() - c.offsetMs.Load()
}

// OffsetMs returns the stored offset in milliseconds.
func (c *Clock) OffsetMs() int64 {
	return c.offsetMs.Load()
}

// median returns the middle value of the samples (upper middle for even
// counts). The median resists a single outlier round trip, the mean does not.
func median(samples []int64) int64 {
	s := make([]int64, len(samples))
	copy(s, samples)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s[len(s)/2]
}
