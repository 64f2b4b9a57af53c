// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the agent — market data records,
// account state, AI decisions, and WebSocket event payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order or trade, in OKX wire form.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// PosSide identifies which leg of a hedged position an order targets.
type PosSide string

const (
	Long  PosSide = "long"
	Short PosSide = "short"
)

// CloseSide returns the order side that reduces a position:
// closing a long sells, closing a short buys.
func (p PosSide) CloseSide() Side {
	if p == Long {
		return Sell
	}
	return Buy
}

// Signal enumerates the actions the decision engine can emit.
type Signal string

const (
	SignalOpenLong   Signal = "OPEN_LONG"
	SignalOpenShort  Signal = "OPEN_SHORT"
	SignalAdjustStop Signal = "ADJUST_STOP"
	SignalCloseLong  Signal = "CLOSE_LONG"
	SignalCloseShort Signal = "CLOSE_SHORT"
	SignalHold       Signal = "HOLD"
)

// IsOpen reports whether the signal opens a new position.
func (s Signal) IsOpen() bool {
	return s == SignalOpenLong || s == SignalOpenShort
}

// MarginMode is the margin treatment for a position.
type MarginMode string

const (
	Cross    MarginMode = "cross"
	Isolated MarginMode = "isolated"
)

// Timeframe is an OKX candle bar identifier.
type Timeframe string

const (
	Bar1m  Timeframe = "1m"
	Bar5m  Timeframe = "5m"
	Bar15m Timeframe = "15m"
	Bar30m Timeframe = "30m"
	Bar1H  Timeframe = "1H"
	Bar4H  Timeframe = "4H"
	Bar1D  Timeframe = "1D"
)

// barMillis maps each supported timeframe to its bar duration.
var barMillis = map[Timeframe]int64{
	Bar1m:  60_000,
	Bar5m:  300_000,
	Bar15m: 900_000,
	Bar30m: 1_800_000,
	Bar1H:  3_600_000,
	Bar4H:  14_400_000,
	Bar1D:  86_400_000,
}

// Millis returns the bar duration in milliseconds, or 0 for an unknown timeframe.
func (tf Timeframe) Millis() int64 {
	return barMillis[tf]
}

// Valid reports whether the timeframe is one the collector supports.
func (tf Timeframe) Valid() bool {
	_, ok := barMillis[tf]
	return ok
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Kline is one OHLCV bar. The key is (Symbol, Timeframe, OpenTime).
// Confirmed bars are frozen; unconfirmed bars are overwritten on every tick.
type Kline struct {
	Symbol     string    `db:"symbol" json:"symbol"`
	Timeframe  Timeframe `db:"timeframe" json:"timeframe"`
	OpenTime   int64     `db:"open_time" json:"open_time"` // bar open, ms
	Open       float64   `db:"open" json:"open"`
	High       float64   `db:"high" json:"high"`
	Low        float64   `db:"low" json:"low"`
	Close      float64   `db:"close" json:"close"`
	Volume     float64   `db:"volume" json:"volume"`
	Confirmed  bool      `db:"confirmed" json:"confirmed"`
	LastUpdate int64     `db:"last_update" json:"last_update"` // ingest wall time, ms
}

// BarEnd returns the millisecond timestamp at which this bar's period elapses.
func (k Kline) BarEnd() int64 {
	return k.OpenTime + k.Timeframe.Millis()
}

// Trade is one public trade print. Never mutated after ingest.
type Trade struct {
	ID    string  `json:"trade_id"`
	Ts    int64   `json:"ts"` // exchange timestamp, ms
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
	Side  Side    `json:"side"`
}

// BookLevel is a single bid or ask level: price → size. Size 0 on the wire
// means "remove this level"; stored books never hold zero-size levels.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookSnapshot is an immutable point-in-time copy of one symbol's book,
// bids descending and asks ascending.
type BookSnapshot struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
	SeqID  int64       `json:"seq_id"`
	Ts     int64       `json:"ts"` // exchange timestamp of last applied message, ms
}

// BookMetrics is the per-minute aggregate persisted for later analysis.
type BookMetrics struct {
	Symbol     string  `db:"symbol"`
	Ts         int64   `db:"ts"`
	Bid1Px     float64 `db:"bid1_px"`
	Bid1Sz     float64 `db:"bid1_sz"`
	Ask1Px     float64 `db:"ask1_px"`
	Ask1Sz     float64 `db:"ask1_sz"`
	Mid        float64 `db:"mid"`
	SpreadPct  float64 `db:"spread_pct"`
	BidDepth5  float64 `db:"bid_depth5"`
	AskDepth5  float64 `db:"ask_depth5"`
	DepthRatio float64 `db:"depth_ratio"`
}

// Pressure is the buy/sell aggregate over one rolling window.
// Ratio is buy/sell volume; +Inf collapses to RatioCap for storage.
type Pressure struct {
	Symbol    string  `db:"symbol"`
	WindowSec int     `db:"window_sec"`
	Ts        int64   `db:"ts"`
	BuyVol    float64 `db:"buy_vol"`
	SellVol   float64 `db:"sell_vol"`
	BuyCount  int     `db:"buy_count"`
	SellCount int     `db:"sell_count"`
	Ratio     float64 `db:"ratio"`
}

// RatioCap stands in for +Inf in stores that cannot represent it.
const RatioCap = 1e9

// FundingRate is the current funding snapshot for a perpetual swap.
type FundingRate struct {
	Symbol      string  `json:"symbol"`
	Rate        float64 `json:"rate"`
	NextRate    float64 `json:"next_rate"`
	FundingTime int64   `json:"funding_time"` // ms
}

// MarketStats bundles the slow public statistics used in prompts.
type MarketStats struct {
	TakerBuyVol  []float64 `json:"taker_buy_vol"`  // 15m buckets, oldest first
	TakerSellVol []float64 `json:"taker_sell_vol"` // 15m buckets, oldest first
	OpenInterest float64   `json:"open_interest"`
	OIVolume     float64   `json:"oi_volume"`
	Ts           int64     `json:"ts"`
}

// Instrument holds the contract metadata needed for order sizing.
type Instrument struct {
	Symbol string  `json:"symbol"`
	CtVal  float64 `json:"ct_val"`  // contract value in base currency
	MinSz  float64 `json:"min_sz"`  // minimum order size in contracts
	LotSz  float64 `json:"lot_sz"`  // size increment
	TickSz float64 `json:"tick_sz"` // price increment
}

// ————————————————————————————————————————————————————————————————————————
// Account state
// ————————————————————————————————————————————————————————————————————————

// Balance is the cached available equity snapshot.
type Balance struct {
	AvailUSDT float64   `json:"avail_usdt"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Position is one open leg on the exchange. OpenTime doubles as the join
// key (posId) that links AI decisions to the position they created.
type Position struct {
	Symbol     string     `json:"symbol"`
	PosSide    PosSide    `json:"pos_side"`
	Size       float64    `json:"size"` // contracts, always positive
	AvgPx      float64    `json:"avg_px"`
	OpenTime   int64      `json:"open_time"` // cTime, ms
	Leverage   float64    `json:"leverage"`
	MarginMode MarginMode `json:"margin_mode"`
	UPL        float64    `json:"upl"` // unrealized PnL, USDT
	MarkPx     float64    `json:"mark_px"`
}

// PosID returns the decision join key for this position.
func (p Position) PosID() string {
	return strconv.FormatInt(p.OpenTime, 10)
}

// ClosedPosition mirrors Position after the exchange reports it closed.
// ReviewSummary is filled once by the review generator.
type ClosedPosition struct {
	Symbol        string  `db:"symbol"`
	PosSide       PosSide `db:"pos_side"`
	Size          float64 `db:"size"`
	EntryPx       float64 `db:"entry_px"`
	ExitPx        float64 `db:"exit_px"`
	OpenTime      int64   `db:"open_time"`  // ms
	CloseTime     int64   `db:"close_time"` // ms
	RealizedPnl   float64 `db:"realized_pnl"`
	PnlRatio      float64 `db:"pnl_ratio"`
	Leverage      float64 `db:"leverage"`
	Fee           float64 `db:"fee"`
	CloseType     string  `db:"close_type"` // exchange close reason code
	ReviewSummary string  `db:"review_summary"`
}

// PosID returns the decision join key for the closed position.
func (c ClosedPosition) PosID() string {
	return strconv.FormatInt(c.OpenTime, 10)
}

// HoldDuration returns how long the position was open.
func (c ClosedPosition) HoldDuration() time.Duration {
	return time.Duration(c.CloseTime-c.OpenTime) * time.Millisecond
}

// StopOrder is one live protective order parsed from the exchange.
// Algo marks conditional (stop-loss) orders; plain limits are take-profits.
type StopOrder struct {
	OrderID string  `json:"order_id"`
	Algo    bool    `json:"algo"`
	PosSide PosSide `json:"pos_side"`
	Price   float64 `json:"price"` // limit price or trigger price
	Size    float64 `json:"size"`
}

// StopOrderSet groups the live protective orders for one position side.
type StopOrderSet struct {
	TakeProfits []StopOrder `json:"take_profits"` // sorted away from entry
	StopLosses  []StopOrder `json:"stop_losses"`
}

// PerformanceStats is the rolling 30-day trade summary.
type PerformanceStats struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	WinRate  float64 `json:"win_rate"`
	TotalPnl float64 `json:"total_pnl"`
	AvgPnl   float64 `json:"avg_pnl"`
	TotalFee float64 `json:"total_fee"`
}

// ————————————————————————————————————————————————————————————————————————
// Decisions
// ————————————————————————————————————————————————————————————————————————

// Layer is one take-profit or stop-loss tier. Size is a pointer because the
// model may omit it; a nil size means "fill in from position size at apply
// time".
type Layer struct {
	Size  *float64 `json:"size"`
	Price float64  `json:"price"`
}

// AdjustPlan is the layered TP/SL plan attached to an open or adjust
// decision. At apply time the TP sizes and the SL sizes must each sum to
// the total position size within 1e-3.
type AdjustPlan struct {
	TakeProfit []Layer `json:"take_profit"`
	StopLoss   []Layer `json:"stop_loss"`
}

// Analysis is the structured LLM response. Early analyses carry only the
// scalar fields extracted before the reason prose finished streaming.
type Analysis struct {
	Signal          Signal      `json:"signal"`
	Confidence      int         `json:"confidence"` // 0..100
	Size            *float64    `json:"size,omitempty"`
	AdjustData      *AdjustPlan `json:"adjust_data,omitempty"`
	HoldingTime     string      `json:"holding_time,omitempty"`
	AdjustType      string      `json:"adjust_type,omitempty"`
	NewStopLossPx   *float64    `json:"new_stop_loss_price,omitempty"`
	NewTakeProfitPx *float64    `json:"new_take_profit_price,omitempty"`
	StopLossRate    *float64    `json:"stop_loss_rate,omitempty"`
	TakeProfitRate  *float64    `json:"take_profit_rate,omitempty"`
	Reason          string      `json:"reason,omitempty"`
	RiskWarning     string      `json:"risk_warning,omitempty"`
	Early           bool        `json:"-"` // built from the early probe
	Success         bool        `json:"-"` // false when the cycle aborted
	SessionID       string      `json:"-"`
	ResponseText    string      `json:"-"` // raw model output for logging
}

// Decision is a persisted AI decision row, linked to a position via PosID
// once the orchestrator observes the position.
type Decision struct {
	ID          int64   `db:"id"`
	Ts          int64   `db:"ts"` // ms
	Symbol      string  `db:"symbol"`
	PosSide     PosSide `db:"pos_side"`
	Action      Signal  `db:"action"`
	PosID       string  `db:"pos_id"`
	Confidence  int     `db:"confidence"`
	Size        float64 `db:"size"`
	AdjustJSON  string  `db:"adjust_json"` // serialized AdjustPlan
	HoldingTime string  `db:"holding_time"`
	Reason      string  `db:"reason"`
}

// Conversation is one persisted LLM exchange. Executed flips to true after
// the orchestrator acts on the analysis.
type Conversation struct {
	ID        int64  `db:"id"`
	SessionID string `db:"session_id"`
	Symbol    string `db:"symbol"`
	Prompt    string `db:"prompt"`
	Response  string `db:"response"`
	Analysis  string `db:"analysis"` // serialized Analysis
	Executed  bool   `db:"executed"`
	Ts        int64  `db:"ts"` // ms
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket messages
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON frames on the OKX v5 WebSocket.
// Public channel: "books". Business channel: "candle<tf>", "trades-all".

// WSArg identifies a channel subscription.
type WSArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// WSSubscribeMsg is the subscription request sent after connecting.
type WSSubscribeMsg struct {
	Op   string  `json:"op"` // "subscribe" or "unsubscribe"
	Args []WSArg `json:"args"`
}

// WSMessage is the envelope of every inbound frame. Exactly one of Event
// (subscription ack / error) or Data (channel payload) is meaningful.
type WSMessage struct {
	Event  string          `json:"event,omitempty"` // "subscribe", "error"
	Code   string          `json:"code,omitempty"`
	Msg    string          `json:"msg,omitempty"`
	Arg    WSArg           `json:"arg"`
	Action string          `json:"action,omitempty"` // books: "snapshot" or "update"
	Data   json.RawMessage `json:"data,omitempty"`
}

// WSBookData is one element of a books channel frame. Levels are
// [price, size, liquidatedOrders, orderCount] string quadruples.
type WSBookData struct {
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Ts        string     `json:"ts"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
	Checksum  int32      `json:"checksum"`
}

// WSTradeData is one element of a trades-all frame.
type WSTradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

// Candle is the array form OKX uses for candle frames and REST history:
// [ts, open, high, low, close, volume, volCcy, volCcyQuote, confirm].
type Candle []string

// Confirmed reports whether the bar period has elapsed ("1" at index 8).
func (c Candle) Confirmed() bool {
	return len(c) > 8 && c[8] == "1"
}
