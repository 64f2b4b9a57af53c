// Package review writes one post-mortem per closed position: the decisions
// that drove the trade, the price action around and after the exit, and a
// model-written summary persisted onto the closed-position row.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"okx-swap-agent/internal/llm"
	"okx-swap-agent/internal/okx"
	"okx-swap-agent/internal/store"
	"okx-swap-agent/pkg/types"
)

const (
	reviewTemperature = 0.7
	reviewTimeout     = 60 * time.Second
	reasonMaxChars    = 200
	afterCloseWindow  = 30 * time.Minute
	postTradeBars     = 15
	candleFetchLimit  = 80
	queueSize         = 16

	systemPrompt = "你是一名资深交易复盘分析师。请基于给出的交易记录、决策时间线和后续行情，" +
		"用中文写一段简明的复盘总结：判断开平仓时机是否合理、止盈止损设置是否恰当、" +
		"决策逻辑中的问题，以及下次可以改进的地方。直接输出总结文本，不要输出JSON。"
)

// Generator consumes closed positions and writes their reviews.
type Generator struct {
	client *okx.Client
	llm    *llm.Client
	db     *store.Store
	logger *slog.Logger
	queue  chan types.ClosedPosition

	mu     sync.Mutex // guards queued; Enqueue and Run run on different goroutines
	queued map[string]struct{}
}

// New builds a review generator.
func New(client *okx.Client, llmClient *llm.Client, db *store.Store, logger *slog.Logger) *Generator {
	return &Generator{
		client: client,
		llm:    llmClient,
		db:     db,
		logger: logger.With("component", "review"),
		queue:  make(chan types.ClosedPosition, queueSize),
		queued: make(map[string]struct{}),
	}
}

// Enqueue schedules a closed position for review. Duplicates and a full
// queue are dropped; the backlog scan will retry them.
func (g *Generator) Enqueue(c types.ClosedPosition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.queued[c.PosID()]; dup {
		return
	}
	select {
	case g.queue <- c:
		g.queued[c.PosID()] = struct{}{}
	default:
		g.logger.Warn("review queue full, dropping", "pos_id", c.PosID())
	}
}

// Run processes queued reviews until ctx is cancelled. Reviews block on the
// model, so they run outside the decision loop.
func (g *Generator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-g.queue:
			if err := g.review(ctx, c); err != nil {
				g.logger.Warn("review failed", "pos_id", c.PosID(), "error", err)
			}
			g.mu.Lock()
			delete(g.queued, c.PosID())
			g.mu.Unlock()
		}
	}
}

// review generates and persists one summary. Positions with no linked
// decisions are skipped: there is nothing to critique.
func (g *Generator) review(ctx context.Context, c types.ClosedPosition) error {
	if c.ReviewSummary != "" {
		return nil
	}
	decisions, err := g.db.DecisionsByPosID(ctx, c.PosID())
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		g.logger.Info("skipping review, no linked decisions", "pos_id", c.PosID())
		return nil
	}

	klines, err := g.postTradeKlines(ctx, c)
	if err != nil {
		g.logger.Warn("post-trade klines unavailable", "pos_id", c.PosID(), "error", err)
	}

	prompt := buildPrompt(c, decisions, klines)
	summary, err := g.llm.Complete(ctx, systemPrompt, prompt, reviewTemperature, reviewTimeout)
	if err != nil {
		return fmt.Errorf("review completion: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return fmt.Errorf("empty review")
	}

	if err := g.db.SetReviewSummary(ctx, c.Symbol, c.PosSide, c.OpenTime, summary); err != nil {
		return err
	}
	g.logger.Info("review written", "pos_id", c.PosID(), "chars", len(summary))
	return nil
}

// postTradeKlines fetches the confirmed 5m bars ending half an hour after
// the close, so the summary can judge whether the exit was early or late.
func (g *Generator) postTradeKlines(ctx context.Context, c types.ClosedPosition) ([]types.Kline, error) {
	cursor := c.CloseTime + afterCloseWindow.Milliseconds() + types.Bar5m.Millis()
	candles, err := g.client.GetHistoryCandles(ctx, c.Symbol, types.Bar5m, cursor, 0, candleFetchLimit)
	if err != nil {
		return nil, err
	}

	// Rows come newest first; keep the newest confirmed bars and restore
	// chronological order.
	out := make([]types.Kline, 0, postTradeBars)
	for _, row := range candles {
		if len(row) > 8 && !row.Confirmed() {
			continue
		}
		if k, ok := fromCandle(c.Symbol, row); ok {
			out = append(out, k)
		}
		if len(out) == postTradeBars {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func buildPrompt(c types.ClosedPosition, decisions []types.Decision, klines []types.Kline) string {
	var sb strings.Builder

	sb.WriteString("## 交易记录\n")
	sb.WriteString("| 合约 | 方向 | 数量 | 开仓价 | 平仓价 | 盈亏(USDT) | 收益率 | 持仓时长 | 平仓方式 |\n")
	sb.WriteString("|---|---|---|---|---|---|---|---|---|\n")
	fmt.Fprintf(&sb, "| %s | %s | %.1f | %.2f | %.2f | %.2f | %.2f%% | %s | %s |\n\n",
		c.Symbol, c.PosSide, c.Size, c.EntryPx, c.ExitPx,
		c.RealizedPnl, c.PnlRatio*100, c.HoldDuration().Round(time.Minute), c.CloseType)

	sb.WriteString("## 决策时间线\n")
	for _, d := range decisions {
		fmt.Fprintf(&sb, "- %s %s 置信%d: %s\n",
			time.UnixMilli(d.Ts).UTC().Format("2006-01-02 15:04"),
			d.Action, d.Confidence, truncateRunes(d.Reason, reasonMaxChars))
	}
	sb.WriteString("\n")

	if len(klines) > 0 {
		fmt.Fprintf(&sb, "## 平仓后行情 (5m, 截至平仓后30分钟)\n时间,开,高,低,收\n")
		for _, k := range klines {
			fmt.Fprintf(&sb, "%s,%.2f,%.2f,%.2f,%.2f\n",
				time.UnixMilli(k.OpenTime).UTC().Format("15:04"),
				k.Open, k.High, k.Low, k.Close)
		}
	}
	return sb.String()
}

func fromCandle(symbol string, c types.Candle) (types.Kline, bool) {
	if len(c) < 6 {
		return types.Kline{}, false
	}
	ts, err := strconv.ParseInt(c[0], 10, 64)
	if err != nil {
		return types.Kline{}, false
	}
	parse := func(s string) float64 {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	return types.Kline{
		Symbol:    symbol,
		Timeframe: types.Bar5m,
		OpenTime:  ts,
		Open:      parse(c[1]),
		High:      parse(c[2]),
		Low:       parse(c[3]),
		Close:     parse(c[4]),
		Volume:    parse(c[5]),
		Confirmed: true,
	}, true
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
