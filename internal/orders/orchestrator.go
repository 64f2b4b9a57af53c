// Package orders turns analyses into exchange actions: market opens with
// post-fill confirmation, layered take-profit/stop-loss placement, stop
// adjustments, and active closes. Every executed action is journaled as a
// decision row keyed to the position it affects.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"okx-swap-agent/internal/cache"
	"okx-swap-agent/internal/config"
	"okx-swap-agent/internal/notify"
	"okx-swap-agent/internal/okx"
	"okx-swap-agent/internal/store"
	"okx-swap-agent/pkg/types"
)

const (
	fillPollInterval = 2 * time.Second
	fillPollTries    = 15 // 30s budget for the position to appear
	sizeTolerance    = 1e-3
	algoCancelBatch  = 10
)

// Orchestrator executes analyses against the exchange.
type Orchestrator struct {
	cfg        *config.Config
	client     *okx.Client
	state      *cache.State
	db         *store.Store
	notifier   *notify.Notifier
	instrument *types.Instrument
	nowMs      func() int64
	logger     *slog.Logger

	mu sync.Mutex // one execution at a time
}

// New wires the orchestrator. instrument supplies minSz/lotSz for clamping.
func New(cfg *config.Config, client *okx.Client, state *cache.State, db *store.Store, notifier *notify.Notifier, instrument *types.Instrument, nowMs func() int64, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		client:     client,
		state:      state,
		db:         db,
		notifier:   notifier,
		instrument: instrument,
		nowMs:      nowMs,
		logger:     logger.With("component", "orders"),
	}
}

// Execute dispatches one analysis. HOLD is a no-op. Execution is serialized;
// a second call while one is in flight waits.
func (o *Orchestrator) Execute(ctx context.Context, a types.Analysis) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.cfg.Trading.AutoExecute {
		o.logger.Info("auto execute disabled, journaling only",
			"session", a.SessionID, "signal", a.Signal)
		o.recordDecision(ctx, a, "", "")
		return nil
	}

	switch a.Signal {
	case types.SignalOpenLong:
		return o.open(ctx, a, types.Long)
	case types.SignalOpenShort:
		return o.open(ctx, a, types.Short)
	case types.SignalAdjustStop:
		return o.adjust(ctx, a)
	case types.SignalCloseLong:
		return o.close(ctx, a, types.Long)
	case types.SignalCloseShort:
		return o.close(ctx, a, types.Short)
	case types.SignalHold:
		o.recordDecision(ctx, a, "", "")
		return nil
	default:
		return fmt.Errorf("unknown signal %q", a.Signal)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Open
// ————————————————————————————————————————————————————————————————————————

func (o *Orchestrator) open(ctx context.Context, a types.Analysis, side types.PosSide) error {
	if _, held := o.state.Position(side); held {
		o.logger.Warn("open skipped, side already held", "session", a.SessionID, "side", side)
		o.recordDecision(ctx, a, side, "")
		return nil
	}
	if a.Size == nil || *a.Size <= 0 {
		return fmt.Errorf("open %s: analysis carries no size", side)
	}

	size := o.clampSize(*a.Size)
	openSide := types.Buy
	if side == types.Short {
		openSide = types.Sell
	}

	ordID, err := o.client.PlaceOrder(ctx, okx.OrderRequest{
		InstID:  o.cfg.Trading.Symbol,
		TdMode:  o.cfg.Trading.MarginMode,
		Side:    openSide,
		PosSide: side,
		OrdType: "market",
		Sz:      formatSize(size),
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", side, err)
	}
	o.logger.Info("market open placed",
		"session", a.SessionID, "side", side, "size", size, "ord_id", ordID)

	pos, ok := o.awaitPosition(ctx, side)
	if !ok {
		o.logger.Error("position never appeared after open", "session", a.SessionID, "side", side)
		o.recordDecision(ctx, a, side, "")
		return fmt.Errorf("open %s: fill not observed within %s", side, fillPollTries*fillPollInterval)
	}

	if a.AdjustData != nil {
		if err := o.applyLayers(ctx, pos, a.AdjustData); err != nil {
			o.logger.Error("protective orders failed after open",
				"session", a.SessionID, "pos_id", pos.PosID(), "error", err)
		}
	}

	o.recordDecision(ctx, a, side, pos.PosID())
	o.notifier.NotifyOpen(pos.Symbol, side, pos.Size, pos.AvgPx, a.Confidence, a.Reason)
	return nil
}

// awaitPosition polls the exchange until the opened side shows up.
// The cache refresh cadence is too slow for this window, so it asks the
// exchange directly.
func (o *Orchestrator) awaitPosition(ctx context.Context, side types.PosSide) (types.Position, bool) {
	for i := 0; i < fillPollTries; i++ {
		select {
		case <-ctx.Done():
			return types.Position{}, false
		case <-time.After(fillPollInterval):
		}

		positions, err := o.client.GetPositions(ctx, o.cfg.Trading.Symbol)
		if err != nil {
			o.logger.Warn("position poll failed", "error", err)
			continue
		}
		for _, p := range positions {
			if p.PosSide == side && p.Size > 0 {
				return p, true
			}
		}
	}
	return types.Position{}, false
}

// ————————————————————————————————————————————————————————————————————————
// Adjust
// ————————————————————————————————————————————————————————————————————————

func (o *Orchestrator) adjust(ctx context.Context, a types.Analysis) error {
	positions := o.state.Positions()
	if len(positions) == 0 {
		o.logger.Warn("adjust skipped, no open position", "session", a.SessionID)
		o.recordDecision(ctx, a, "", "")
		return nil
	}

	for _, pos := range positions {
		plan := a.AdjustData
		if plan == nil {
			plan = planFromScalars(a, pos)
		}
		if plan == nil {
			o.logger.Warn("adjust carries no plan", "session", a.SessionID, "pos_id", pos.PosID())
			continue
		}
		if err := o.applyLayers(ctx, pos, plan); err != nil {
			return fmt.Errorf("adjust %s: %w", pos.PosSide, err)
		}
		o.recordDecision(ctx, a, pos.PosSide, pos.PosID())
		o.notifier.NotifyAdjust(pos.Symbol, pos.PosSide, plan, a.Reason)
	}
	return nil
}

// planFromScalars builds a single-layer plan from the flat price fields the
// model sometimes emits instead of adjust_data.
func planFromScalars(a types.Analysis, pos types.Position) *types.AdjustPlan {
	var plan types.AdjustPlan
	size := pos.Size
	if a.NewTakeProfitPx != nil && *a.NewTakeProfitPx > 0 {
		plan.TakeProfit = []types.Layer{{Size: &size, Price: *a.NewTakeProfitPx}}
	}
	if a.NewStopLossPx != nil && *a.NewStopLossPx > 0 {
		plan.StopLoss = []types.Layer{{Size: &size, Price: *a.NewStopLossPx}}
	}
	if len(plan.TakeProfit) == 0 && len(plan.StopLoss) == 0 {
		return nil
	}
	return &plan
}

// ————————————————————————————————————————————————————————————————————————
// Close
// ————————————————————————————————————————————————————————————————————————

func (o *Orchestrator) close(ctx context.Context, a types.Analysis, side types.PosSide) error {
	pos, held := o.state.Position(side)
	if !held {
		o.logger.Warn("close skipped, side not held", "session", a.SessionID, "side", side)
		o.recordDecision(ctx, a, side, "")
		return nil
	}

	if err := o.cancelProtective(ctx, side); err != nil {
		o.logger.Warn("protective cancel before close failed", "side", side, "error", err)
	}
	if err := o.client.ClosePosition(ctx, pos.Symbol, pos.MarginMode, side); err != nil {
		return fmt.Errorf("close %s: %w", side, err)
	}

	o.recordDecision(ctx, a, side, pos.PosID())
	o.notifier.NotifyClose(pos.Symbol, side, a.Reason)
	o.logger.Info("position closed", "session", a.SessionID, "side", side, "pos_id", pos.PosID())
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Layered TP/SL
// ————————————————————————————————————————————————————————————————————————

// applyLayers replaces the protective orders for one position: all existing
// same-side orders are cancelled first, then take-profit limits and
// stop-loss conditionals go out concurrently.
func (o *Orchestrator) applyLayers(ctx context.Context, pos types.Position, plan *types.AdjustPlan) error {
	filled, err := NormalizePlan(plan, pos.Size)
	if err != nil {
		return err
	}

	if err := o.cancelProtective(ctx, pos.PosSide); err != nil {
		return fmt.Errorf("cancel existing: %w", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(filled.TakeProfit)+len(filled.StopLoss))

	for _, layer := range filled.TakeProfit {
		layer := layer
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.client.PlaceOrder(ctx, okx.OrderRequest{
				InstID:     pos.Symbol,
				TdMode:     string(pos.MarginMode),
				Side:       pos.PosSide.CloseSide(),
				PosSide:    pos.PosSide,
				OrdType:    "limit",
				Sz:         formatSize(*layer.Size),
				Px:         formatPrice(layer.Price),
				ReduceOnly: true,
			})
			if err != nil {
				o.logger.Error("take-profit layer failed",
					"pos_id", pos.PosID(), "price", layer.Price, "error", err)
				errCh <- err
			}
		}()
	}

	for _, layer := range filled.StopLoss {
		layer := layer
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.client.PlaceAlgoOrder(ctx, okx.AlgoOrderRequest{
				InstID:      pos.Symbol,
				TdMode:      string(pos.MarginMode),
				Side:        pos.PosSide.CloseSide(),
				PosSide:     pos.PosSide,
				OrdType:     "conditional",
				Sz:          formatSize(*layer.Size),
				SlTriggerPx: formatPrice(layer.Price),
				SlOrdPx:     "-1", // market fill on trigger
			})
			if err != nil {
				o.logger.Error("stop-loss layer failed",
					"pos_id", pos.PosID(), "trigger", layer.Price, "error", err)
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)
	var failed int
	for range errCh {
		failed++
	}
	if failed > 0 {
		return fmt.Errorf("%d protective layers failed", failed)
	}
	return nil
}

// cancelProtective removes every live TP limit and SL conditional for one
// side.
func (o *Orchestrator) cancelProtective(ctx context.Context, side types.PosSide) error {
	symbol := o.cfg.Trading.Symbol

	pending, err := o.client.GetPendingOrders(ctx, symbol)
	if err != nil {
		return err
	}
	for _, ord := range pending {
		if ord.PosSide != side || ord.Side != side.CloseSide() {
			continue
		}
		if err := o.client.CancelOrder(ctx, symbol, ord.OrdID); err != nil {
			o.logger.Warn("limit cancel failed", "ord_id", ord.OrdID, "error", err)
		}
	}

	algos, err := o.client.GetAlgoPending(ctx, symbol)
	if err != nil {
		return err
	}
	var batch []okx.AlgoCancel
	for _, alg := range algos {
		if alg.PosSide != side {
			continue
		}
		batch = append(batch, okx.AlgoCancel{AlgoID: alg.AlgoID, InstID: symbol})
		if len(batch) == algoCancelBatch {
			if err := o.client.CancelAlgoOrders(ctx, batch); err != nil {
				o.logger.Warn("algo cancel failed", "count", len(batch), "error", err)
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := o.client.CancelAlgoOrders(ctx, batch); err != nil {
			o.logger.Warn("algo cancel failed", "count", len(batch), "error", err)
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Plan validation
// ————————————————————————————————————————————————————————————————————————

// NormalizePlan fills omitted layer sizes and verifies that each side of the
// plan sums to the position size within tolerance. Omitted sizes split the
// unassigned remainder evenly.
func NormalizePlan(plan *types.AdjustPlan, posSize float64) (*types.AdjustPlan, error) {
	if plan == nil {
		return nil, fmt.Errorf("nil plan")
	}
	out := &types.AdjustPlan{
		TakeProfit: fillSizes(plan.TakeProfit, posSize),
		StopLoss:   fillSizes(plan.StopLoss, posSize),
	}
	if err := checkSum("take_profit", out.TakeProfit, posSize); err != nil {
		return nil, err
	}
	if err := checkSum("stop_loss", out.StopLoss, posSize); err != nil {
		return nil, err
	}
	return out, nil
}

func fillSizes(layers []types.Layer, posSize float64) []types.Layer {
	if len(layers) == 0 {
		return nil
	}

	assigned := decimal.Zero
	missing := 0
	for _, l := range layers {
		if l.Size != nil {
			assigned = assigned.Add(decimal.NewFromFloat(*l.Size))
		} else {
			missing++
		}
	}

	out := make([]types.Layer, len(layers))
	copy(out, layers)
	if missing == 0 {
		return out
	}

	remainder := decimal.NewFromFloat(posSize).Sub(assigned)
	share := remainder.Div(decimal.NewFromInt(int64(missing)))
	for i := range out {
		if out[i].Size == nil {
			v, _ := share.Float64()
			out[i].Size = &v
		}
	}
	return out
}

func checkSum(name string, layers []types.Layer, posSize float64) error {
	if len(layers) == 0 {
		return nil
	}
	sum := decimal.Zero
	for _, l := range layers {
		if l.Size == nil || *l.Size <= 0 {
			return fmt.Errorf("%s layer has non-positive size", name)
		}
		if l.Price <= 0 {
			return fmt.Errorf("%s layer has non-positive price", name)
		}
		sum = sum.Add(decimal.NewFromFloat(*l.Size))
	}
	diff := sum.Sub(decimal.NewFromFloat(posSize)).Abs()
	if diff.GreaterThan(decimal.NewFromFloat(sizeTolerance)) {
		return fmt.Errorf("%s sizes sum to %s, position is %s", name, sum, decimal.NewFromFloat(posSize))
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// clampSize rounds to the lot increment and enforces the exchange minimum.
func (o *Orchestrator) clampSize(size float64) float64 {
	if o.instrument == nil {
		return size
	}
	if o.instrument.LotSz > 0 {
		lot := decimal.NewFromFloat(o.instrument.LotSz)
		d := decimal.NewFromFloat(size).Div(lot).Floor().Mul(lot)
		size, _ = d.Float64()
	}
	if size < o.instrument.MinSz {
		size = o.instrument.MinSz
	}
	return size
}

func (o *Orchestrator) recordDecision(ctx context.Context, a types.Analysis, side types.PosSide, posID string) {
	d := types.Decision{
		Ts:          o.nowMs(),
		Symbol:      o.cfg.Trading.Symbol,
		PosSide:     side,
		Action:      a.Signal,
		PosID:       posID,
		Confidence:  a.Confidence,
		AdjustJSON:  store.MarshalAdjust(a.AdjustData),
		HoldingTime: a.HoldingTime,
		Reason:      a.Reason,
	}
	if a.Size != nil {
		d.Size = *a.Size
	}
	if _, err := o.db.InsertDecision(ctx, d); err != nil {
		o.logger.Error("decision journal failed", "session", a.SessionID, "error", err)
	}
}

func formatSize(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
