// Package okx implements the OKX v5 REST and WebSocket clients.
//
// The REST client (Client) covers the operations the agent uses:
//   - GetServerTime:       GET  /api/v5/public/time
//   - GetInstrument:       GET  /api/v5/public/instruments
//   - GetCandles:          GET  /api/v5/market/candles
//   - GetHistoryCandles:   GET  /api/v5/market/history-candles
//   - GetFundingRate:      GET  /api/v5/public/funding-rate
//   - GetOpenInterest:     GET  /api/v5/rubik/stat/contracts/open-interest-volume
//   - GetTakerVolume:      GET  /api/v5/rubik/stat/taker-volume
//   - GetBalance:          GET  /api/v5/account/balance
//   - GetPositions:        GET  /api/v5/account/positions
//   - GetPositionsHistory: GET  /api/v5/account/positions-history
//   - GetPendingOrders:    GET  /api/v5/trade/orders-pending
//   - GetAlgoPending:      GET  /api/v5/trade/orders-algo-pending
//   - SetLeverage:         POST /api/v5/account/set-leverage
//   - PlaceOrder:          POST /api/v5/trade/order
//   - PlaceAlgoOrder:      POST /api/v5/trade/order-algo
//   - CancelOrder:         POST /api/v5/trade/cancel-order
//   - CancelAlgoOrders:    POST /api/v5/trade/cancel-algos
//   - ClosePosition:       POST /api/v5/trade/close-position
//
// Every request is rate-limited via per-family TokenBuckets, automatically
// retried on 5xx errors, and signed with HMAC headers for private endpoints.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"okx-swap-agent/internal/config"
	"okx-swap-agent/pkg/types"
)

// Client is the OKX v5 REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client // HTTP client with retry + base URL
	auth   *Auth         // HMAC signer for private requests
	rl     *RateLimiter  // per-endpoint-family rate limiting
	dryRun bool          // when true, mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg *config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Exchange.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	if cfg.Exchange.ProxyURL != "" {
		httpClient.SetProxy(cfg.Exchange.ProxyURL)
	}

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "okx"),
	}
}

// apiResponse is the envelope of every OKX v5 REST response.
type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// get issues a GET through the given bucket. The query is encoded into the
// request path so that private-request signatures cover it.
func (c *Client) get(ctx context.Context, bucket *TokenBucket, path string, query url.Values, private bool) (json.RawMessage, error) {
	if err := bucket.Wait(ctx); err != nil {
		return nil, err
	}

	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	req := c.http.R().SetContext(ctx)
	if private {
		req.SetHeaders(c.auth.Headers(http.MethodGet, requestPath, ""))
	} else if c.auth.demo {
		req.SetHeader("x-simulated-trading", "1")
	}

	var result apiResponse
	resp, err := req.SetResult(&result).Get(requestPath)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	if result.Code != "0" {
		return nil, fmt.Errorf("GET %s: code %s: %s", path, result.Code, result.Msg)
	}
	return result.Data, nil
}

// post issues a signed POST through the given bucket.
func (c *Client) post(ctx context.Context, bucket *TokenBucket, path string, payload any) (json.RawMessage, error) {
	if err := bucket.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	var result apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(http.MethodPost, path, string(body))).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	if result.Code != "0" {
		return nil, fmt.Errorf("POST %s: code %s: %s", path, result.Code, result.Msg)
	}
	return result.Data, nil
}

// ————————————————————————————————————————————————————————————————————————
// Public market data
// ————————————————————————————————————————————————————————————————————————

// GetServerTime returns the exchange server time in milliseconds.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	data, err := c.get(ctx, c.rl.Public, "/api/v5/public/time", nil, false)
	if err != nil {
		return 0, err
	}
	var rows []struct {
		Ts string `json:"ts"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("empty server time response")
	}
	return atoi64(rows[0].Ts), nil
}

// GetInstrument fetches contract metadata for one SWAP instrument.
func (c *Client) GetInstrument(ctx context.Context, instID string) (*types.Instrument, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	q.Set("instId", instID)

	data, err := c.get(ctx, c.rl.Public, "/api/v5/public/instruments", q, false)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		InstID string `json:"instId"`
		CtVal  string `json:"ctVal"`
		MinSz  string `json:"minSz"`
		LotSz  string `json:"lotSz"`
		TickSz string `json:"tickSz"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("instrument %s not found", instID)
	}
	r := rows[0]
	return &types.Instrument{
		Symbol: r.InstID,
		CtVal:  atof(r.CtVal),
		MinSz:  atof(r.MinSz),
		LotSz:  atof(r.LotSz),
		TickSz: atof(r.TickSz),
	}, nil
}

// GetCandles fetches recent candles (newest first, as the exchange returns them).
func (c *Client) GetCandles(ctx context.Context, instID string, bar types.Timeframe, limit int) ([]types.Candle, error) {
	q := url.Values{}
	q.Set("instId", instID)
	q.Set("bar", string(bar))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.getCandles(ctx, "/api/v5/market/candles", q)
}

// GetHistoryCandles pages deep candle history. after/before are millisecond
// cursors in the exchange's inverted convention: after returns records older
// than the cursor, before returns records newer. Zero disables a cursor.
func (c *Client) GetHistoryCandles(ctx context.Context, instID string, bar types.Timeframe, after, before int64, limit int) ([]types.Candle, error) {
	q := url.Values{}
	q.Set("instId", instID)
	q.Set("bar", string(bar))
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.getCandles(ctx, "/api/v5/market/history-candles", q)
}

func (c *Client) getCandles(ctx context.Context, path string, q url.Values) ([]types.Candle, error) {
	data, err := c.get(ctx, c.rl.Public, path, q, false)
	if err != nil {
		return nil, err
	}
	var rows []types.Candle
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}
	return rows, nil
}

// GetFundingRate fetches the current funding snapshot for a perpetual swap.
func (c *Client) GetFundingRate(ctx context.Context, instID string) (*types.FundingRate, error) {
	q := url.Values{}
	q.Set("instId", instID)

	data, err := c.get(ctx, c.rl.Public, "/api/v5/public/funding-rate", q, false)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		FundingRate     string `json:"fundingRate"`
		NextFundingRate string `json:"nextFundingRate"`
		FundingTime     string `json:"fundingTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode funding rate: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty funding rate response")
	}
	r := rows[0]
	return &types.FundingRate{
		Symbol:      instID,
		Rate:        atof(r.FundingRate),
		NextRate:    atof(r.NextFundingRate),
		FundingTime: atoi64(r.FundingTime),
	}, nil
}

// GetOpenInterest fetches contract open-interest volume for a currency.
// Rows are [ts, openInterest, volume] string triples, newest first.
func (c *Client) GetOpenInterest(ctx context.Context, ccy, period string) ([][]string, error) {
	q := url.Values{}
	q.Set("ccy", ccy)
	q.Set("period", period)

	data, err := c.get(ctx, c.rl.Public, "/api/v5/rubik/stat/contracts/open-interest-volume", q, false)
	if err != nil {
		return nil, err
	}
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode open interest: %w", err)
	}
	return rows, nil
}

// GetTakerVolume fetches contract taker buy/sell volume for a currency.
// Rows are [ts, sellVol, buyVol] string triples, newest first.
func (c *Client) GetTakerVolume(ctx context.Context, ccy, period string, limit int) ([][]string, error) {
	q := url.Values{}
	q.Set("ccy", ccy)
	q.Set("instType", "CONTRACTS")
	q.Set("period", period)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	data, err := c.get(ctx, c.rl.Public, "/api/v5/rubik/stat/taker-volume", q, false)
	if err != nil {
		return nil, err
	}
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode taker volume: %w", err)
	}
	return rows, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account
// ————————————————————————————————————————————————————————————————————————

// GetBalance returns the available USDT equity.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	q := url.Values{}
	q.Set("ccy", "USDT")

	data, err := c.get(ctx, c.rl.Account, "/api/v5/account/balance", q, true)
	if err != nil {
		return 0, err
	}
	var rows []struct {
		Details []struct {
			Ccy     string `json:"ccy"`
			AvailEq string `json:"availEq"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	for _, row := range rows {
		for _, d := range row.Details {
			if d.Ccy == "USDT" {
				return atof(d.AvailEq), nil
			}
		}
	}
	return 0, nil
}

// positionRow is the wire form of one open position.
type positionRow struct {
	InstID  string `json:"instId"`
	PosSide string `json:"posSide"`
	Pos     string `json:"pos"`
	AvgPx   string `json:"avgPx"`
	CTime   string `json:"cTime"`
	Lever   string `json:"lever"`
	MgnMode string `json:"mgnMode"`
	Upl     string `json:"upl"`
	MarkPx  string `json:"markPx"`
}

// GetPositions fetches open SWAP positions, including zero-size rows;
// callers filter. Size is reported signed by the exchange and normalized
// to a positive contract count here.
func (c *Client) GetPositions(ctx context.Context, instID string) ([]types.Position, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	if instID != "" {
		q.Set("instId", instID)
	}

	data, err := c.get(ctx, c.rl.Account, "/api/v5/account/positions", q, true)
	if err != nil {
		return nil, err
	}
	var rows []positionRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	out := make([]types.Position, 0, len(rows))
	for _, r := range rows {
		size := atof(r.Pos)
		if size < 0 {
			size = -size
		}
		out = append(out, types.Position{
			Symbol:     r.InstID,
			PosSide:    types.PosSide(r.PosSide),
			Size:       size,
			AvgPx:      atof(r.AvgPx),
			OpenTime:   atoi64(r.CTime),
			Leverage:   atof(r.Lever),
			MarginMode: types.MarginMode(r.MgnMode),
			UPL:        atof(r.Upl),
			MarkPx:     atof(r.MarkPx),
		})
	}
	return out, nil
}

// historyRow is the wire form of one closed-position row. Several fields
// have fallbacks: uTime may be absent (use cTime), realizedPnl may be
// absent (use pnl), closeTotalPos may be absent (use pos).
type historyRow struct {
	InstID        string `json:"instId"`
	PosSide       string `json:"posSide"`
	Pos           string `json:"pos"`
	CloseTotalPos string `json:"closeTotalPos"`
	OpenAvgPx     string `json:"openAvgPx"`
	CloseAvgPx    string `json:"closeAvgPx"`
	CTime         string `json:"cTime"`
	UTime         string `json:"uTime"`
	RealizedPnl   string `json:"realizedPnl"`
	Pnl           string `json:"pnl"`
	PnlRatio      string `json:"pnlRatio"`
	Lever         string `json:"lever"`
	Fee           string `json:"fee"`
	Type          string `json:"type"`
}

// GetPositionsHistory fetches recently closed positions, newest first.
func (c *Client) GetPositionsHistory(ctx context.Context, instID string, limit int) ([]types.ClosedPosition, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	if instID != "" {
		q.Set("instId", instID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	data, err := c.get(ctx, c.rl.Account, "/api/v5/account/positions-history", q, true)
	if err != nil {
		return nil, err
	}
	var rows []historyRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode positions history: %w", err)
	}

	out := make([]types.ClosedPosition, 0, len(rows))
	for _, r := range rows {
		closeTime := atoi64(r.UTime)
		if closeTime == 0 {
			closeTime = atoi64(r.CTime)
		}
		pnl := r.RealizedPnl
		if pnl == "" {
			pnl = r.Pnl
		}
		size := atof(r.CloseTotalPos)
		if size == 0 {
			size = atof(r.Pos)
		}
		out = append(out, types.ClosedPosition{
			Symbol:      r.InstID,
			PosSide:     types.PosSide(r.PosSide),
			Size:        size,
			EntryPx:     atof(r.OpenAvgPx),
			ExitPx:      atof(r.CloseAvgPx),
			OpenTime:    atoi64(r.CTime),
			CloseTime:   closeTime,
			RealizedPnl: atof(pnl),
			PnlRatio:    atof(r.PnlRatio),
			Leverage:    atof(r.Lever),
			Fee:         atof(r.Fee),
			CloseType:   r.Type,
		})
	}
	return out, nil
}

// SetLeverage sets leverage for one side of an instrument.
func (c *Client) SetLeverage(ctx context.Context, instID string, lever float64, mgnMode types.MarginMode, posSide types.PosSide) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set leverage", "inst", instID, "lever", lever, "side", posSide)
		return nil
	}

	payload := map[string]string{
		"instId":  instID,
		"lever":   strconv.FormatFloat(lever, 'f', -1, 64),
		"mgnMode": string(mgnMode),
		"posSide": string(posSide),
	}
	_, err := c.post(ctx, c.rl.Account, "/api/v5/account/set-leverage", payload)
	return err
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// PendingOrder is one live limit order from /trade/orders-pending.
type PendingOrder struct {
	OrdID      string        `json:"ordId"`
	Side       types.Side    `json:"side"`
	PosSide    types.PosSide `json:"posSide"`
	Px         float64       `json:"px"`
	Sz         float64       `json:"sz"`
	State      string        `json:"state"`
	ReduceOnly bool          `json:"reduceOnly"`
}

// GetPendingOrders fetches live limit orders for an instrument.
func (c *Client) GetPendingOrders(ctx context.Context, instID string) ([]PendingOrder, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	q.Set("instId", instID)
	q.Set("ordType", "limit")

	data, err := c.get(ctx, c.rl.Trade, "/api/v5/trade/orders-pending", q, true)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		OrdID      string `json:"ordId"`
		Side       string `json:"side"`
		PosSide    string `json:"posSide"`
		Px         string `json:"px"`
		Sz         string `json:"sz"`
		State      string `json:"state"`
		ReduceOnly string `json:"reduceOnly"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode pending orders: %w", err)
	}

	out := make([]PendingOrder, 0, len(rows))
	for _, r := range rows {
		out = append(out, PendingOrder{
			OrdID:      r.OrdID,
			Side:       types.Side(r.Side),
			PosSide:    types.PosSide(r.PosSide),
			Px:         atof(r.Px),
			Sz:         atof(r.Sz),
			State:      r.State,
			ReduceOnly: r.ReduceOnly == "true",
		})
	}
	return out, nil
}

// AlgoOrder is one live conditional order from /trade/orders-algo-pending.
type AlgoOrder struct {
	AlgoID      string        `json:"algoId"`
	Side        types.Side    `json:"side"`
	PosSide     types.PosSide `json:"posSide"`
	SlTriggerPx float64       `json:"slTriggerPx"`
	Sz          float64       `json:"sz"`
}

// GetAlgoPending fetches live conditional (stop) orders for an instrument.
func (c *Client) GetAlgoPending(ctx context.Context, instID string) ([]AlgoOrder, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	q.Set("instId", instID)
	q.Set("ordType", "conditional")

	data, err := c.get(ctx, c.rl.Trade, "/api/v5/trade/orders-algo-pending", q, true)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		AlgoID      string `json:"algoId"`
		Side        string `json:"side"`
		PosSide     string `json:"posSide"`
		SlTriggerPx string `json:"slTriggerPx"`
		Sz          string `json:"sz"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode algo orders: %w", err)
	}

	out := make([]AlgoOrder, 0, len(rows))
	for _, r := range rows {
		out = append(out, AlgoOrder{
			AlgoID:      r.AlgoID,
			Side:        types.Side(r.Side),
			PosSide:     types.PosSide(r.PosSide),
			SlTriggerPx: atof(r.SlTriggerPx),
			Sz:          atof(r.Sz),
		})
	}
	return out, nil
}

// OrderRequest is the payload for PlaceOrder.
type OrderRequest struct {
	InstID     string        `json:"instId"`
	TdMode     string        `json:"tdMode"`
	Side       types.Side    `json:"side"`
	PosSide    types.PosSide `json:"posSide"`
	OrdType    string        `json:"ordType"` // "market" or "limit"
	Sz         string        `json:"sz"`
	Px         string        `json:"px,omitempty"`
	ReduceOnly bool          `json:"reduceOnly,omitempty"`
}

// PlaceOrder places a single order and returns the order ID.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"inst", req.InstID, "side", req.Side, "type", req.OrdType, "sz", req.Sz, "px", req.Px)
		return "dry-run", nil
	}

	data, err := c.post(ctx, c.rl.Trade, "/api/v5/trade/order", req)
	if err != nil {
		return "", err
	}
	var rows []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return "", fmt.Errorf("decode order response: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("empty order response")
	}
	if rows[0].SCode != "0" && rows[0].SCode != "" {
		return "", fmt.Errorf("order rejected: %s: %s", rows[0].SCode, rows[0].SMsg)
	}
	return rows[0].OrdID, nil
}

// AlgoOrderRequest is the payload for PlaceAlgoOrder. SlOrdPx "-1" means
// the stop fills at market once triggered.
type AlgoOrderRequest struct {
	InstID      string        `json:"instId"`
	TdMode      string        `json:"tdMode"`
	Side        types.Side    `json:"side"`
	PosSide     types.PosSide `json:"posSide"`
	OrdType     string        `json:"ordType"` // "conditional" or "oco"
	Sz          string        `json:"sz"`
	SlTriggerPx string        `json:"slTriggerPx,omitempty"`
	SlOrdPx     string        `json:"slOrdPx,omitempty"`
	TpTriggerPx string        `json:"tpTriggerPx,omitempty"`
	TpOrdPx     string        `json:"tpOrdPx,omitempty"`
}

// PlaceAlgoOrder places a conditional order and returns the algo ID.
func (c *Client) PlaceAlgoOrder(ctx context.Context, req AlgoOrderRequest) (string, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place algo order",
			"inst", req.InstID, "side", req.Side, "sz", req.Sz, "trigger", req.SlTriggerPx)
		return "dry-run", nil
	}

	data, err := c.post(ctx, c.rl.Trade, "/api/v5/trade/order-algo", req)
	if err != nil {
		return "", err
	}
	var rows []struct {
		AlgoID string `json:"algoId"`
		SCode  string `json:"sCode"`
		SMsg   string `json:"sMsg"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return "", fmt.Errorf("decode algo response: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("empty algo response")
	}
	if rows[0].SCode != "0" && rows[0].SCode != "" {
		return "", fmt.Errorf("algo order rejected: %s: %s", rows[0].SCode, rows[0].SMsg)
	}
	return rows[0].AlgoID, nil
}

// CancelOrder cancels a single limit order.
func (c *Client) CancelOrder(ctx context.Context, instID, ordID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "inst", instID, "ord", ordID)
		return nil
	}

	payload := map[string]string{"instId": instID, "ordId": ordID}
	_, err := c.post(ctx, c.rl.Trade, "/api/v5/trade/cancel-order", payload)
	return err
}

// AlgoCancel identifies one algo order for batch cancellation.
type AlgoCancel struct {
	AlgoID string `json:"algoId"`
	InstID string `json:"instId"`
}

// CancelAlgoOrders cancels up to 10 algo orders in one call.
func (c *Client) CancelAlgoOrders(ctx context.Context, items []AlgoCancel) error {
	if len(items) == 0 {
		return nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel algo orders", "count", len(items))
		return nil
	}

	_, err := c.post(ctx, c.rl.Trade, "/api/v5/trade/cancel-algos", items)
	return err
}

// ClosePosition market-closes one side of a position entirely.
func (c *Client) ClosePosition(ctx context.Context, instID string, mgnMode types.MarginMode, posSide types.PosSide) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would close position", "inst", instID, "side", posSide)
		return nil
	}

	payload := map[string]string{
		"instId":  instID,
		"mgnMode": string(mgnMode),
		"posSide": string(posSide),
	}
	_, err := c.post(ctx, c.rl.Trade, "/api/v5/trade/close-position", payload)
	return err
}

// ————————————————————————————————————————————————————————————————————————
// Parse helpers
// ————————————————————————————————————————————————————————————————————————

// atof parses an exchange decimal string; empty or malformed input yields 0.
func atof(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// atoi64 parses an exchange millisecond timestamp; empty input yields 0.
func atoi64(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
