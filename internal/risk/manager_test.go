package risk

import (
	"context"
	"testing"
	"time"

	"crypto-dca-engine/internal/position"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

func newTestManager(t *testing.T, guard *EquityGuard) *Manager {
	t.Helper()
	m, err := NewManager(DefaultConfig(), guard)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

// openPosition builds a position with a single layer filled at entry price
// 100 for quantity 1, opened at the given time.
func openPosition(openedAt time.Time) *position.DcaPosition {
	return &position.DcaPosition{
		ID:              "pos-1",
		Pair:            "BTCUSDT",
		Status:          position.StatusActive,
		TargetProfitPct: 2.5,
		StopLossPct:     8.0,
		OpenedAt:        openedAt,
		Layers: []position.GridLayer{
			{
				Index:          0,
				Price:          100,
				Quantity:       1,
				FilledQuantity: 1,
				FilledPrice:    100,
				NotionalUSD:    100,
				Status:         position.LayerFilled,
				OrderID:        "order-1",
			},
		},
	}
}

// ============================================================================
// EVALUATION PRIORITY
// ============================================================================

func TestEvaluateNoSignalInsideThresholds(t *testing.T) {
	m := newTestManager(t, nil)
	pos := openPosition(time.Now())

	eval := m.Evaluate(pos, 100.5, time.Now())

	if eval.Exit() {
		t.Errorf("expected no exit, got %s (%s)", eval.Signal, eval.Reason)
	}
	if eval.PnLPct < 0.49 || eval.PnLPct > 0.51 {
		t.Errorf("expected pnl ~0.5%%, got %.4f", eval.PnLPct)
	}
}

func TestEvaluateStopLoss(t *testing.T) {
	m := newTestManager(t, nil)
	pos := openPosition(time.Now())

	eval := m.Evaluate(pos, 90, time.Now()) // -10% vs -8% stop

	if eval.Signal != SignalStopLoss {
		t.Errorf("expected stop loss, got %s", eval.Signal)
	}
}

func TestEvaluateTakeProfit(t *testing.T) {
	m := newTestManager(t, nil)
	pos := openPosition(time.Now())

	eval := m.Evaluate(pos, 103, time.Now()) // +3% vs +2.5% target

	if eval.Signal != SignalTakeProfit {
		t.Errorf("expected take profit, got %s", eval.Signal)
	}
}

func TestEvaluateGuardHaltOutranksStopLoss(t *testing.T) {
	guard := NewEquityGuard(100, nil)
	guard.RecordPnL(context.Background(), -150)
	m := newTestManager(t, guard)
	pos := openPosition(time.Now())

	// Price deep below the stop: the halt must still win.
	eval := m.Evaluate(pos, 80, time.Now())

	if eval.Signal != SignalEquityGuardHalt {
		t.Errorf("expected equity guard halt, got %s", eval.Signal)
	}
}

func TestEvaluateMaxDuration(t *testing.T) {
	m := newTestManager(t, nil)
	pos := openPosition(time.Now().Add(-73 * time.Hour))

	eval := m.Evaluate(pos, 100, time.Now())

	if eval.Signal != SignalMaxDurationExit {
		t.Errorf("expected max duration exit, got %s", eval.Signal)
	}
}

func TestEvaluateTakeProfitOutranksMaxDuration(t *testing.T) {
	m := newTestManager(t, nil)
	pos := openPosition(time.Now().Add(-73 * time.Hour))

	eval := m.Evaluate(pos, 103, time.Now())

	if eval.Signal != SignalTakeProfit {
		t.Errorf("expected take profit to win over duration, got %s", eval.Signal)
	}
}

func TestEvaluateUsesPerPositionThresholds(t *testing.T) {
	m := newTestManager(t, nil)
	pos := openPosition(time.Now())
	pos.TargetProfitPct = 5.0 // volatility-scaled at entry

	eval := m.Evaluate(pos, 103, time.Now()) // +3% below the 5% target

	if eval.Signal == SignalTakeProfit {
		t.Error("take profit fired below the position's own target")
	}
}

// ============================================================================
// TRAILING STOP
// ============================================================================

func TestTrailingStopLifecycle(t *testing.T) {
	m := newTestManager(t, nil)
	pos := openPosition(time.Now())
	now := time.Now()

	// Below the arm threshold: stays disarmed.
	eval := m.Evaluate(pos, 101, now) // +1.0% < 1.5% arm
	if eval.Trailing.Armed {
		t.Fatal("trailing stop armed below the arm threshold")
	}
	pos.Trailing = eval.Trailing

	// Arms at +1.6% and records the high water mark.
	eval = m.Evaluate(pos, 101.6, now)
	if !eval.Trailing.Armed {
		t.Fatal("trailing stop did not arm at +1.6%")
	}
	if eval.Trailing.HighWaterMarkPct != eval.PnLPct {
		t.Errorf("high water mark %.4f != pnl %.4f", eval.Trailing.HighWaterMarkPct, eval.PnLPct)
	}
	pos.Trailing = eval.Trailing

	// Ratchets upward without exiting (still below the 2.5% target).
	eval = m.Evaluate(pos, 102, now)
	if eval.Exit() {
		t.Fatalf("unexpected exit while ratcheting: %s", eval.Signal)
	}
	if eval.Trailing.HighWaterMarkPct <= 1.6 {
		t.Errorf("high water mark did not ratchet, got %.4f", eval.Trailing.HighWaterMarkPct)
	}
	pos.Trailing = eval.Trailing

	// Drawdown of 0.9% from the 2.0% mark breaches the 0.8% trail.
	eval = m.Evaluate(pos, 101.1, now)
	if eval.Signal != SignalTrailingStopExit {
		t.Fatalf("expected trailing stop exit, got %s", eval.Signal)
	}
}

func TestTrailingStopNeverLowersMark(t *testing.T) {
	m := newTestManager(t, nil)
	pos := openPosition(time.Now())
	pos.Trailing = position.TrailingStop{Armed: true, HighWaterMarkPct: 2.0}

	// Small dip inside the trail distance keeps the mark where it was.
	eval := m.Evaluate(pos, 101.5, time.Now()) // pnl 1.5, drawdown 0.5 < 0.8

	if eval.Exit() {
		t.Fatalf("unexpected exit: %s", eval.Signal)
	}
	if eval.Trailing.HighWaterMarkPct != 2.0 {
		t.Errorf("high water mark moved to %.4f", eval.Trailing.HighWaterMarkPct)
	}
}

func TestEvaluateDoesNotMutatePosition(t *testing.T) {
	m := newTestManager(t, nil)
	pos := openPosition(time.Now())

	eval := m.Evaluate(pos, 102, time.Now()) // arms the trailing stop

	if !eval.Trailing.Armed {
		t.Fatal("expected armed trailing state in the evaluation")
	}
	if pos.Trailing.Armed {
		t.Error("Evaluate mutated the position's trailing state")
	}
}

// ============================================================================
// CONFIG + SCALING
// ============================================================================

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := DefaultConfig()
	bad.StopLossPercent = 0
	if bad.Validate() == nil {
		t.Error("zero stop loss accepted")
	}

	bad = DefaultConfig()
	bad.TrailingArmPercent = 0.5 // below trail distance
	if bad.Validate() == nil {
		t.Error("arm threshold below trail distance accepted")
	}

	bad = DefaultConfig()
	bad.MaxDuration = 0
	if bad.Validate() == nil {
		t.Error("zero max duration accepted")
	}
}

func TestScaledThresholds(t *testing.T) {
	cfg := DefaultConfig()

	stop, target := cfg.ScaledThresholds(3.5)
	if stop != 12.0 || target != 5.0 {
		t.Errorf("high volatility scaling wrong: stop=%.2f target=%.2f", stop, target)
	}

	stop, target = cfg.ScaledThresholds(0.4)
	if stop != 5.6 || target != 2.0 {
		t.Errorf("low volatility scaling wrong: stop=%.2f target=%.2f", stop, target)
	}

	stop, target = cfg.ScaledThresholds(1.5)
	if stop != cfg.StopLossPercent || target != cfg.TakeProfitPercent {
		t.Errorf("mid volatility should be unscaled: stop=%.2f target=%.2f", stop, target)
	}
}

func TestSizeAdjustmentDeratesOnDailyLosses(t *testing.T) {
	ctx := context.Background()
	guard := NewEquityGuard(DefaultConfig().DailyLossLimitUSD, nil)
	m := newTestManager(t, guard)

	if got := m.SizeAdjustment(); got != 1.0 {
		t.Errorf("flat day should be full size, got %.2f", got)
	}

	guard.RecordPnL(ctx, 80)
	if got := m.SizeAdjustment(); got != 1.0 {
		t.Errorf("green day should be full size, got %.2f", got)
	}

	// 80 - 330 = -250, half the 500 USD limit.
	guard.RecordPnL(ctx, -330)
	if got := m.SizeAdjustment(); got != 0.5 {
		t.Errorf("half the limit spent should halve size, got %.2f", got)
	}

	// Down 600 total, past the limit: clamped to the floor.
	guard.RecordPnL(ctx, -350)
	if got := m.SizeAdjustment(); got != 0.1 {
		t.Errorf("limit exhausted should floor at 0.1, got %.2f", got)
	}
}

func TestSizeAdjustmentWithoutGuard(t *testing.T) {
	m := newTestManager(t, nil)
	if got := m.SizeAdjustment(); got != 1.0 {
		t.Errorf("no guard means no adjustment, got %.2f", got)
	}
}

func TestClampSizeAdjustment(t *testing.T) {
	if got := ClampSizeAdjustment(0.05); got != 0.1 {
		t.Errorf("floor clamp: got %.2f", got)
	}
	if got := ClampSizeAdjustment(3.0); got != 1.5 {
		t.Errorf("ceiling clamp: got %.2f", got)
	}
	if got := ClampSizeAdjustment(1.0); got != 1.0 {
		t.Errorf("passthrough: got %.2f", got)
	}
}
