// Package feature assembles the market and account snapshot fed to the
// decision engine, renders it into the analysis prompt, and gates every
// cycle on data freshness.
package feature

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"okx-swap-agent/internal/cache"
	"okx-swap-agent/internal/config"
	"okx-swap-agent/internal/fastcache"
	"okx-swap-agent/internal/journal"
	"okx-swap-agent/internal/okx"
	"okx-swap-agent/internal/store"
	"okx-swap-agent/internal/tape"
	"okx-swap-agent/pkg/types"
)

const (
	shortBars     = 50 // bars of the short timeframe in prompts
	longBars      = 30
	indicatorBars = 100 // lookback fetched for indicator warm-up
)

// Snapshot is everything one analysis cycle sees.
type Snapshot struct {
	Symbol    string
	NowMs     int64
	LastPrice float64

	ShortTF     types.Timeframe
	LongTF      types.Timeframe
	ShortKlines []types.Kline
	LongKlines  []types.Kline

	EMA20       float64
	RSI7        float64
	RSI14       float64
	MACDHist    float64
	ATR3        float64
	VolumeRatio float64

	Book     types.BookSnapshot
	Pressure map[int]types.Pressure // keyed by window seconds
	Tick     tape.TickFeatures

	Funding *types.FundingRate
	Stats   *types.MarketStats

	Balance   types.Balance
	Positions []types.Position
	Stops     map[types.PosSide]types.StopOrderSet
	Perf      types.PerformanceStats
	History   []journal.Entry
}

// StaleError names the data sources that failed the freshness gate.
type StaleError struct {
	Sources []string
}

func (e *StaleError) Error() string {
	return "数据滞后: " + strings.Join(e.Sources, ", ")
}

// Builder assembles snapshots and prompts for one instrument.
type Builder struct {
	cfg     *config.Config
	db      *store.Store
	fast    *fastcache.Cache
	state   *cache.State
	clock   *okx.Clock
	history *journal.Journal
	prompts *PromptSet
	logger  *slog.Logger
}

// NewBuilder wires the feature pipeline and loads (seeding if missing) the
// prompt templates from <dataDir>/prompts.json.
func NewBuilder(cfg *config.Config, db *store.Store, fast *fastcache.Cache, state *cache.State, clock *okx.Clock, history *journal.Journal, logger *slog.Logger) (*Builder, error) {
	prompts, err := LoadPrompts(filepath.Join(cfg.Store.DataDir, "prompts.json"))
	if err != nil {
		return nil, err
	}
	return &Builder{
		cfg:     cfg,
		db:      db,
		fast:    fast,
		state:   state,
		clock:   clock,
		history: history,
		prompts: prompts,
		logger:  logger.With("component", "feature"),
	}, nil
}

// CheckFreshness verifies that klines, trades, and the order book are all
// younger than the configured threshold. Returns a StaleError naming every
// stale source.
func (b *Builder) CheckFreshness(ctx context.Context) error {
	symbol := b.cfg.Trading.Symbol
	nowMs := b.clock.NowMs()
	maxAge := b.cfg.Trading.FreshnessThreshold.Milliseconds()
	var stale []string

	tf := types.Timeframe(b.cfg.Trading.ShortTimeframe)
	stamp, ok, err := b.fast.GetKlineStamp(ctx, symbol, tf)
	if err != nil {
		return fmt.Errorf("kline stamp: %w", err)
	}
	if !ok || nowMs-stamp > maxAge {
		stale = append(stale, fmt.Sprintf("K线(%s)", tf))
	}

	trades, err := b.fast.RecentTrades(ctx, symbol, nowMs, int(b.cfg.Trading.FreshnessThreshold.Seconds()))
	if err != nil {
		return fmt.Errorf("recent trades: %w", err)
	}
	if len(trades) == 0 {
		stale = append(stale, "成交流")
	}

	book, ok, err := b.fast.GetBookSnapshot(ctx, symbol)
	if err != nil {
		return fmt.Errorf("book snapshot: %w", err)
	}
	if !ok || nowMs-book.Ts > maxAge {
		stale = append(stale, "盘口")
	}

	if len(stale) > 0 {
		return &StaleError{Sources: stale}
	}
	return nil
}

// Build assembles the full snapshot for one cycle.
func (b *Builder) Build(ctx context.Context) (*Snapshot, error) {
	symbol := b.cfg.Trading.Symbol
	nowMs := b.clock.NowMs()
	shortTF := types.Timeframe(b.cfg.Trading.ShortTimeframe)
	longTF := types.Timeframe(b.cfg.Trading.LongTimeframe)

	shortK, err := b.db.RecentKlines(ctx, symbol, shortTF, indicatorBars, true)
	if err != nil {
		return nil, fmt.Errorf("short klines: %w", err)
	}
	longK, err := b.db.RecentKlines(ctx, symbol, longTF, longBars, true)
	if err != nil {
		return nil, fmt.Errorf("long klines: %w", err)
	}
	if len(shortK) == 0 {
		return nil, fmt.Errorf("no %s klines for %s", shortTF, symbol)
	}

	snap := &Snapshot{
		Symbol:      symbol,
		NowMs:       nowMs,
		ShortTF:     shortTF,
		LongTF:      longTF,
		ShortKlines: tail(shortK, shortBars),
		LongKlines:  longK,
		Pressure:    make(map[int]types.Pressure, len(tape.PressureWindows)),
	}

	closes := Closes(shortK)
	snap.LastPrice = closes[len(closes)-1]
	if v, ok := LastEMA(closes, 20); ok {
		snap.EMA20 = v
	}
	if v, ok := RSI(closes, 7); ok {
		snap.RSI7 = v
	}
	if v, ok := RSI(closes, 14); ok {
		snap.RSI14 = v
	}
	if v, ok := MACDHist(closes); ok {
		snap.MACDHist = v
	}
	if v, ok := ATR(shortK, 3); ok {
		snap.ATR3 = v
	}
	if v, ok := VolumeRatio(shortK, 20); ok {
		snap.VolumeRatio = v
	}

	if book, ok, err := b.fast.GetBookSnapshot(ctx, symbol); err != nil {
		b.logger.Warn("book snapshot read failed", "error", err)
	} else if ok {
		snap.Book = book
		if mid := midPrice(book); mid > 0 {
			snap.LastPrice = mid
		}
	}

	trades, err := b.fast.RecentTrades(ctx, symbol, nowMs, 900)
	if err != nil {
		b.logger.Warn("recent trades read failed", "error", err)
	} else {
		snap.Tick = tape.ComputeFeatures(trades, nowMs)
		for _, w := range tape.PressureWindows {
			snap.Pressure[w] = tape.ComputePressure(symbol, trades, nowMs, w)
		}
	}

	snap.Funding = b.state.Funding()
	snap.Stats = b.state.MarketStats()
	snap.Balance = b.state.Balance()
	snap.Positions = b.state.Positions()
	snap.Stops = map[types.PosSide]types.StopOrderSet{
		types.Long:  b.state.Stops(types.Long),
		types.Short: b.state.Stops(types.Short),
	}
	snap.Perf = b.state.Performance()

	snap.History = b.history.Entries()

	return snap, nil
}

// SystemPrompt returns the configured system prompt.
func (b *Builder) SystemPrompt() string {
	return b.prompts.System
}

// UserPrompt renders the snapshot into the analysis prompt.
func (b *Builder) UserPrompt(s *Snapshot) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s\n\n", b.prompts.UserHeader)
	fmt.Fprintf(&sb, "## 基本信息\n")
	fmt.Fprintf(&sb, "- 合约: %s\n", s.Symbol)
	fmt.Fprintf(&sb, "- 时间: %s\n", time.UnixMilli(s.NowMs).UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&sb, "- 最新价: %.2f\n", s.LastPrice)
	fmt.Fprintf(&sb, "- 可用余额: %.2f USDT\n\n", s.Balance.AvailUSDT)

	fmt.Fprintf(&sb, "## 技术指标 (%s)\n", s.ShortTF)
	fmt.Fprintf(&sb, "- EMA20: %.2f\n- RSI7: %.1f\n- RSI14: %.1f\n", s.EMA20, s.RSI7, s.RSI14)
	fmt.Fprintf(&sb, "- MACD柱: %.4f\n- ATR3: %.2f\n- 量比: %.2f\n\n", s.MACDHist, s.ATR3, s.VolumeRatio)

	writeKlines(&sb, fmt.Sprintf("## %s K线 (最近%d根)", s.ShortTF, len(s.ShortKlines)), s.ShortKlines)
	writeKlines(&sb, fmt.Sprintf("## %s K线 (最近%d根)", s.LongTF, len(s.LongKlines)), s.LongKlines)

	fmt.Fprintf(&sb, "## 买卖压力\n")
	for _, w := range tape.PressureWindows {
		p := s.Pressure[w]
		fmt.Fprintf(&sb, "- %ds: 买量%.1f/卖量%.1f 比值%.2f (买%d笔/卖%d笔)\n",
			w, p.BuyVol, p.SellVol, p.Ratio, p.BuyCount, p.SellCount)
	}
	fmt.Fprintf(&sb, "- 1分钟VWAP: %.2f 失衡度: %.2f 大单占比: %.2f 笔数: %d\n\n",
		s.Tick.VWAP, s.Tick.Imbalance, s.Tick.LargeRatio, s.Tick.TickCount)

	if len(s.Book.Bids) > 0 && len(s.Book.Asks) > 0 {
		bid, ask := s.Book.Bids[0], s.Book.Asks[0]
		fmt.Fprintf(&sb, "## 盘口\n- 买一 %.2f(%.1f) / 卖一 %.2f(%.1f)\n",
			bid.Price, bid.Size, ask.Price, ask.Size)
		fmt.Fprintf(&sb, "- 五档深度: 买%.1f / 卖%.1f\n\n", depth5(s.Book.Bids), depth5(s.Book.Asks))
	}

	if s.Funding != nil {
		fmt.Fprintf(&sb, "## 资金费率\n- 当期: %.6f 下期: %.6f\n\n", s.Funding.Rate, s.Funding.NextRate)
	}
	if s.Stats != nil && len(s.Stats.TakerBuyVol) > 0 {
		n := len(s.Stats.TakerBuyVol)
		fmt.Fprintf(&sb, "## 市场统计\n- 主动买/卖量(最近15m): %.1f / %.1f\n",
			s.Stats.TakerBuyVol[n-1], s.Stats.TakerSellVol[n-1])
		fmt.Fprintf(&sb, "- 持仓量: %.1f\n\n", s.Stats.OpenInterest)
	}

	writePositions(&sb, s)

	fmt.Fprintf(&sb, "## 近30天表现\n- 交易%d笔 胜率%.1f%% 总盈亏%.2f USDT 手续费%.2f\n\n",
		s.Perf.Trades, s.Perf.WinRate*100, s.Perf.TotalPnl, s.Perf.TotalFee)

	if len(s.History) > 0 {
		fmt.Fprintf(&sb, "## 历史决策记录\n")
		for _, e := range s.History {
			fmt.Fprintf(&sb, "- %s %s\n", e.Timestamp, e.Content)
		}
		sb.WriteString("\n")
	}

	sb.WriteString(b.prompts.UserFooter)
	return sb.String()
}

func writeKlines(sb *strings.Builder, title string, klines []types.Kline) {
	if len(klines) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s\n时间,开,高,低,收,量\n", title)
	for _, k := range klines {
		fmt.Fprintf(sb, "%s,%.2f,%.2f,%.2f,%.2f,%.1f\n",
			time.UnixMilli(k.OpenTime).UTC().Format("01-02 15:04"),
			k.Open, k.High, k.Low, k.Close, k.Volume)
	}
	sb.WriteString("\n")
}

func writePositions(sb *strings.Builder, s *Snapshot) {
	if len(s.Positions) == 0 {
		fmt.Fprintf(sb, "## 当前持仓\n- 无\n\n")
		return
	}
	fmt.Fprintf(sb, "## 当前持仓\n")
	for _, p := range s.Positions {
		fmt.Fprintf(sb, "- %s %s %.1f张 均价%.2f 杠杆%.0fx 浮动盈亏%.2f USDT\n",
			p.Symbol, p.PosSide, p.Size, p.AvgPx, p.Leverage, p.UPL)
		set := s.Stops[p.PosSide]
		for _, tp := range set.TakeProfits {
			fmt.Fprintf(sb, "  - 止盈单: %.2f x %.1f\n", tp.Price, tp.Size)
		}
		for _, sl := range set.StopLosses {
			fmt.Fprintf(sb, "  - 止损单: 触发%.2f x %.1f\n", sl.Price, sl.Size)
		}
	}
	sb.WriteString("\n")
}

func midPrice(b types.BookSnapshot) float64 {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0
	}
	return (b.Bids[0].Price + b.Asks[0].Price) / 2
}

func depth5(levels []types.BookLevel) float64 {
	var sum float64
	for i := 0; i < 5 && i < len(levels); i++ {
		sum += levels[i].Size
	}
	return sum
}

func tail(klines []types.Kline, n int) []types.Kline {
	if len(klines) <= n {
		return klines
	}
	return klines[len(klines)-n:]
}

// ————————————————————————————————————————————————————————————————————————
// Prompt templates
// ————————————————————————————————————————————————————————————————————————

// PromptSet holds the editable prompt templates.
type PromptSet struct {
	System     string `json:"system"`
	UserHeader string `json:"user_header"`
	UserFooter string `json:"user_footer"`
}

// LoadPrompts reads the templates from path, writing the defaults first
// when the file does not exist so operators can edit them in place.
func LoadPrompts(path string) (*PromptSet, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if werr := seedPrompts(path); werr != nil {
			return nil, werr
		}
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}

	var ps PromptSet
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	if ps.System == "" {
		ps.System = defaultPrompts.System
	}
	return &ps, nil
}

func seedPrompts(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create prompts dir: %w", err)
	}
	data, err := json.MarshalIndent(defaultPrompts, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write prompts: %w", err)
	}
	return os.Rename(tmp, path)
}

var defaultPrompts = PromptSet{
	System: "你是一名专业的加密货币永续合约交易员，负责分析市场数据并给出交易决策。" +
		"你只输出一个JSON对象，不要输出任何其他内容。JSON字段: " +
		`signal (OPEN_LONG/OPEN_SHORT/ADJUST_STOP/CLOSE_LONG/CLOSE_SHORT/HOLD), ` +
		`confidence (0-100), size (张数, 开仓时必填), ` +
		`adjust_data ({"take_profit":[{"size":张数,"price":价格}...],"stop_loss":[...]}), ` +
		`holding_time (预期持仓时间), reason (决策理由), risk_warning (风险提示)。` +
		"先输出signal、confidence、size、adjust_data等结构化字段，最后输出reason。",
	UserHeader: "以下是当前市场与账户数据，请给出本周期的交易决策。",
	UserFooter: "请基于以上数据输出JSON决策。注意: 分层止盈止损的各层size之和必须等于持仓总量。",
}
