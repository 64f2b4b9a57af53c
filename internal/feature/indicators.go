// indicators.go implements the technical indicators fed into prompts.
// All of them operate on confirmed bars ordered oldest first.
package feature

import (
	"okx-swap-agent/pkg/types"
)

// EMA returns the exponential moving average series for the given period.
// The first period-1 entries carry the seed SMA ramp-up and should not be
// read; callers normally take only the last value.
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) == 0 {
		return nil
	}
	out := make([]float64, len(values))
	k := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// LastEMA returns the final EMA value, or 0 with ok=false when there is
// not enough data.
func LastEMA(values []float64, period int) (float64, bool) {
	if len(values) < period {
		return 0, false
	}
	ema := EMA(values, period)
	return ema[len(ema)-1], true
}

// RSI returns Wilder's relative strength index for the final bar.
func RSI(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// MACDHist returns the final MACD histogram value (12/26 EMA difference
// minus its 9-period signal line).
func MACDHist(closes []float64) (float64, bool) {
	if len(closes) < 35 {
		return 0, false
	}
	fast := EMA(closes, 12)
	slow := EMA(closes, 26)
	macd := make([]float64, len(closes))
	for i := range closes {
		macd[i] = fast[i] - slow[i]
	}
	signal := EMA(macd, 9)
	last := len(closes) - 1
	return macd[last] - signal[last], true
}

// ATR returns the average true range of the final `period` bars.
func ATR(klines []types.Kline, period int) (float64, bool) {
	if len(klines) < period+1 {
		return 0, false
	}

	var sum float64
	start := len(klines) - period
	for i := start; i < len(klines); i++ {
		k := klines[i]
		prevClose := klines[i-1].Close
		tr := k.High - k.Low
		if d := abs(k.High - prevClose); d > tr {
			tr = d
		}
		if d := abs(k.Low - prevClose); d > tr {
			tr = d
		}
		sum += tr
	}
	return sum / float64(period), true
}

// VolumeRatio compares the final bar's volume to the mean of the lookback
// bars before it.
func VolumeRatio(klines []types.Kline, lookback int) (float64, bool) {
	if len(klines) < lookback+1 {
		return 0, false
	}

	var sum float64
	start := len(klines) - 1 - lookback
	for i := start; i < len(klines)-1; i++ {
		sum += klines[i].Volume
	}
	mean := sum / float64(lookback)
	if mean == 0 {
		return 0, false
	}
	return klines[len(klines)-1].Volume / mean, true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Closes extracts the close series from bars.
func Closes(klines []types.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}
