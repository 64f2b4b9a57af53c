// parse.go extracts structured analyses from model output. Streaming
// responses put the scalar decision fields before the long reason prose, so
// an early analysis can be cut out of the buffer as soon as the reason key
// starts streaming.
package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"okx-swap-agent/pkg/types"
)

var (
	reasonKeyRe = regexp.MustCompile(`"reason"\s*:\s*"`)

	// Narrow fallbacks for responses that never parse as JSON.
	signalRe     = regexp.MustCompile(`"signal"\s*:\s*"([A-Z_]+)"`)
	confidenceRe = regexp.MustCompile(`"confidence"\s*:\s*(\d+)`)
	sizeRe       = regexp.MustCompile(`"size"\s*:\s*([0-9.]+)`)
	holdingRe    = regexp.MustCompile(`"holding_time"\s*:\s*"([^"]*)"`)
	adjustTypeRe = regexp.MustCompile(`"adjust_type"\s*:\s*"([^"]*)"`)
	newSLRe      = regexp.MustCompile(`"new_stop_loss_price"\s*:\s*([0-9.]+)`)
	newTPRe      = regexp.MustCompile(`"new_take_profit_price"\s*:\s*([0-9.]+)`)
	slRateRe     = regexp.MustCompile(`"stop_loss_rate"\s*:\s*([0-9.]+)`)
	tpRateRe     = regexp.MustCompile(`"take_profit_rate"\s*:\s*([0-9.]+)`)
)

// cleanFences strips markdown code fences and trims to the outermost JSON
// object.
func cleanFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return strings.TrimSpace(s)
}

// validSignal reports whether the model emitted a known signal.
func validSignal(s types.Signal) bool {
	switch s {
	case types.SignalOpenLong, types.SignalOpenShort, types.SignalAdjustStop,
		types.SignalCloseLong, types.SignalCloseShort, types.SignalHold:
		return true
	}
	return false
}

// TryEarly attempts to build an analysis from a partial stream buffer. It
// succeeds once the reason key has appeared: everything before it is closed
// into a standalone object and parsed strictly. Returns ok=false until the
// buffer carries enough structure.
func TryEarly(buf string) (types.Analysis, bool) {
	cleaned := cleanFences(buf)
	loc := reasonKeyRe.FindStringIndex(cleaned)
	if loc == nil {
		return types.Analysis{}, false
	}

	head := strings.TrimSpace(cleaned[:loc[0]])
	head = strings.TrimSuffix(head, ",")
	if !strings.HasPrefix(head, "{") {
		return types.Analysis{}, false
	}

	var a types.Analysis
	if err := json.Unmarshal([]byte(head+"}"), &a); err != nil {
		// Nested objects before reason can leave the head unbalanced;
		// fall back to scalar extraction.
		fa, ok := extractScalars(cleaned)
		if !ok {
			return types.Analysis{}, false
		}
		a = fa
	}

	if !validSignal(a.Signal) {
		return types.Analysis{}, false
	}
	a.Early = true
	a.Success = true
	return a, true
}

// extractScalars pulls signal/confidence/size out of non-JSON text.
func extractScalars(s string) (types.Analysis, bool) {
	var a types.Analysis
	m := signalRe.FindStringSubmatch(s)
	if m == nil {
		return a, false
	}
	a.Signal = types.Signal(m[1])
	if !validSignal(a.Signal) {
		return a, false
	}
	cm := confidenceRe.FindStringSubmatch(s)
	if cm == nil {
		return a, false
	}
	a.Confidence, _ = strconv.Atoi(cm[1])
	a.Size = matchFloat(sizeRe, s)
	a.NewStopLossPx = matchFloat(newSLRe, s)
	a.NewTakeProfitPx = matchFloat(newTPRe, s)
	a.StopLossRate = matchFloat(slRateRe, s)
	a.TakeProfitRate = matchFloat(tpRateRe, s)
	if m := holdingRe.FindStringSubmatch(s); m != nil {
		a.HoldingTime = m[1]
	}
	if m := adjustTypeRe.FindStringSubmatch(s); m != nil {
		a.AdjustType = m[1]
	}
	return a, true
}

func matchFloat(re *regexp.Regexp, s string) *float64 {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &v
}

// ParseFull parses the complete model response. When strict parsing fails
// and an early analysis exists, the early one is returned with a marker
// reason; otherwise scalar extraction is the last resort.
func ParseFull(raw string, early *types.Analysis) (types.Analysis, error) {
	cleaned := cleanFences(raw)

	var a types.Analysis
	if err := json.Unmarshal([]byte(cleaned), &a); err == nil && validSignal(a.Signal) {
		a.Success = true
		return a, nil
	}

	if early != nil {
		a = *early
		a.Reason = "[流式解析失败，使用早期决策]"
		return a, nil
	}

	if fa, ok := extractScalars(cleaned); ok {
		fa.Success = true
		fa.Reason = "JSON解析失败"
		return fa, nil
	}

	return types.Analysis{}, fmt.Errorf("unparseable model response (%d bytes)", len(raw))
}
