package orders

import (
	"math"
	"strings"
	"testing"

	"okx-swap-agent/pkg/types"
)

func fp(v float64) *float64 { return &v }

func TestNormalizePlanExplicitSizes(t *testing.T) {
	t.Parallel()
	plan := &types.AdjustPlan{
		TakeProfit: []types.Layer{
			{Size: fp(0.6), Price: 110},
			{Size: fp(0.4), Price: 120},
		},
		StopLoss: []types.Layer{{Size: fp(1), Price: 90}},
	}

	out, err := NormalizePlan(plan, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.TakeProfit) != 2 || *out.TakeProfit[0].Size != 0.6 {
		t.Errorf("take profit layers: %+v", out.TakeProfit)
	}
}

func TestNormalizePlanFillsOmittedSizes(t *testing.T) {
	t.Parallel()
	plan := &types.AdjustPlan{
		TakeProfit: []types.Layer{
			{Size: fp(0.5), Price: 110},
			{Size: nil, Price: 120},
			{Size: nil, Price: 130},
		},
	}

	out, err := NormalizePlan(plan, 2)
	if err != nil {
		t.Fatal(err)
	}
	// 2 - 0.5 = 1.5 remainder split across the two omitted layers.
	if *out.TakeProfit[1].Size != 0.75 || *out.TakeProfit[2].Size != 0.75 {
		t.Errorf("filled sizes: %v / %v, want 0.75 each",
			*out.TakeProfit[1].Size, *out.TakeProfit[2].Size)
	}
	// Input plan stays untouched.
	if plan.TakeProfit[1].Size != nil {
		t.Error("NormalizePlan mutated its input")
	}
}

func TestNormalizePlanSumWithinTolerance(t *testing.T) {
	t.Parallel()
	plan := &types.AdjustPlan{
		StopLoss: []types.Layer{
			{Size: fp(0.3334), Price: 90},
			{Size: fp(0.3333), Price: 85},
			{Size: fp(0.3333), Price: 80},
		},
	}
	if _, err := NormalizePlan(plan, 1); err != nil {
		t.Errorf("sum within 1e-3 rejected: %v", err)
	}
}

func TestNormalizePlanSumMismatch(t *testing.T) {
	t.Parallel()
	plan := &types.AdjustPlan{
		TakeProfit: []types.Layer{{Size: fp(0.5), Price: 110}},
	}
	_, err := NormalizePlan(plan, 1)
	if err == nil {
		t.Fatal("half-size plan accepted for a full position")
	}
	if !strings.Contains(err.Error(), "take_profit") {
		t.Errorf("error does not name the side: %v", err)
	}
}

func TestNormalizePlanRejectsBadLayers(t *testing.T) {
	t.Parallel()
	if _, err := NormalizePlan(&types.AdjustPlan{
		StopLoss: []types.Layer{{Size: fp(-1), Price: 90}},
	}, 1); err == nil {
		t.Error("negative size accepted")
	}
	if _, err := NormalizePlan(&types.AdjustPlan{
		StopLoss: []types.Layer{{Size: fp(1), Price: 0}},
	}, 1); err == nil {
		t.Error("zero price accepted")
	}
	if _, err := NormalizePlan(nil, 1); err == nil {
		t.Error("nil plan accepted")
	}
}

func TestNormalizePlanEmptySidesPass(t *testing.T) {
	t.Parallel()
	out, err := NormalizePlan(&types.AdjustPlan{
		TakeProfit: []types.Layer{{Size: fp(1), Price: 110}},
	}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if out.StopLoss != nil {
		t.Errorf("empty stop side materialized: %+v", out.StopLoss)
	}
}

func TestNormalizePlanAllOmitted(t *testing.T) {
	t.Parallel()
	out, err := NormalizePlan(&types.AdjustPlan{
		TakeProfit: []types.Layer{
			{Price: 110},
			{Price: 120},
			{Price: 130},
		},
	}, 1)
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for _, l := range out.TakeProfit {
		sum += *l.Size
	}
	if math.Abs(sum-1) > 1e-3 {
		t.Errorf("even split sums to %v, want 1", sum)
	}
}

func TestPlanFromScalars(t *testing.T) {
	t.Parallel()
	pos := types.Position{Size: 3}

	plan := planFromScalars(types.Analysis{
		NewTakeProfitPx: fp(120),
		NewStopLossPx:   fp(95),
	}, pos)
	if plan == nil {
		t.Fatal("scalar prices produced no plan")
	}
	if len(plan.TakeProfit) != 1 || plan.TakeProfit[0].Price != 120 || *plan.TakeProfit[0].Size != 3 {
		t.Errorf("take profit: %+v", plan.TakeProfit)
	}
	if len(plan.StopLoss) != 1 || plan.StopLoss[0].Price != 95 {
		t.Errorf("stop loss: %+v", plan.StopLoss)
	}

	if planFromScalars(types.Analysis{}, pos) != nil {
		t.Error("empty analysis produced a plan")
	}
}

func TestClampSize(t *testing.T) {
	t.Parallel()
	o := &Orchestrator{instrument: &types.Instrument{MinSz: 0.1, LotSz: 0.1}}

	if got := o.clampSize(0.57); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("clampSize(0.57) = %v, want 0.5", got)
	}
	if got := o.clampSize(0.04); got != 0.1 {
		t.Errorf("below-minimum size = %v, want minSz 0.1", got)
	}

	bare := &Orchestrator{}
	if got := bare.clampSize(0.57); got != 0.57 {
		t.Errorf("no instrument: %v, want passthrough", got)
	}
}

func TestFormatSizeNoTrailingZeros(t *testing.T) {
	t.Parallel()
	if got := formatSize(0.5); got != "0.5" {
		t.Errorf("formatSize = %q", got)
	}
	if got := formatPrice(43250); got != "43250" {
		t.Errorf("formatPrice = %q", got)
	}
}
