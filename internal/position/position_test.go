package position

import (
	"testing"
	"time"
)

// ============================================================================
// LIFECYCLE TRANSITIONS
// ============================================================================

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPlanning, StatusActive, true},
		{StatusPlanning, StatusAborted, true},
		{StatusPlanning, StatusRecalibrating, false},
		{StatusPlanning, StatusClosed, false},
		{StatusActive, StatusRecalibrating, true},
		{StatusActive, StatusClosing, true},
		{StatusActive, StatusAborted, true},
		{StatusActive, StatusClosed, false},
		{StatusRecalibrating, StatusActive, true},
		{StatusRecalibrating, StatusClosing, true},
		{StatusClosing, StatusClosed, true},
		{StatusClosing, StatusAborted, true},
		{StatusClosing, StatusActive, false},
		{StatusClosed, StatusActive, false},
		{StatusClosed, StatusAborted, false},
		{StatusAborted, StatusActive, false},
	}

	for _, tt := range tests {
		pos := &DcaPosition{Pair: "BTCUSDT", Status: tt.from}
		err := pos.Transition(tt.to)
		if tt.allowed && err != nil {
			t.Errorf("%s -> %s should be allowed: %v", tt.from, tt.to, err)
		}
		if !tt.allowed && err == nil {
			t.Errorf("%s -> %s should be rejected", tt.from, tt.to)
		}
		if !tt.allowed && pos.Status != tt.from {
			t.Errorf("rejected transition mutated status to %s", pos.Status)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, status := range []Status{StatusClosed, StatusAborted} {
		pos := &DcaPosition{Status: status}
		if !pos.Terminal() {
			t.Errorf("%s should be terminal", status)
		}
	}
	for _, status := range []Status{StatusPlanning, StatusActive, StatusRecalibrating, StatusClosing} {
		pos := &DcaPosition{Status: status}
		if pos.Terminal() {
			t.Errorf("%s should not be terminal", status)
		}
	}
}

// ============================================================================
// FILLS AND PNL
// ============================================================================

func twoLayerPosition() *DcaPosition {
	return &DcaPosition{
		ID:     "pos-1",
		Pair:   "BTCUSDT",
		Status: StatusActive,
		Layers: []GridLayer{
			{Index: 0, Price: 100, Quantity: 1, NotionalUSD: 100, Status: LayerPending, OrderID: "order-0"},
			{Index: 1, Price: 99, Quantity: 2, NotionalUSD: 198, Status: LayerPending, OrderID: "order-1"},
		},
		OpenedAt: time.Now().UTC(),
	}
}

func TestApplyFillPartialThenComplete(t *testing.T) {
	pos := twoLayerPosition()

	if err := pos.ApplyFill("order-0", 0.4, 100); err != nil {
		t.Fatalf("partial fill failed: %v", err)
	}
	if pos.Layers[0].Status != LayerPending {
		t.Error("layer flipped to filled on a partial execution")
	}

	if err := pos.ApplyFill("order-0", 0.6, 100); err != nil {
		t.Fatalf("completing fill failed: %v", err)
	}
	if pos.Layers[0].Status != LayerFilled {
		t.Error("layer did not flip to filled at full quantity")
	}
	if pos.Layers[0].FilledQuantity != 1 {
		t.Errorf("filled quantity = %.4f, want 1", pos.Layers[0].FilledQuantity)
	}
}

func TestApplyFillWeightedPrice(t *testing.T) {
	pos := twoLayerPosition()

	// Two partials at different prices: 0.5 @ 100 and 0.5 @ 98.
	if err := pos.ApplyFill("order-0", 0.5, 100); err != nil {
		t.Fatal(err)
	}
	if err := pos.ApplyFill("order-0", 0.5, 98); err != nil {
		t.Fatal(err)
	}

	if got := pos.Layers[0].FilledPrice; got != 99 {
		t.Errorf("weighted fill price = %.4f, want 99", got)
	}
}

func TestApplyFillUnknownOrder(t *testing.T) {
	pos := twoLayerPosition()

	if err := pos.ApplyFill("no-such-order", 1, 100); err == nil {
		t.Error("expected error for unknown order ID")
	}
}

func TestApplyFillCancelledLayer(t *testing.T) {
	pos := twoLayerPosition()
	pos.Layers[0].Status = LayerCancelled

	if err := pos.ApplyFill("order-0", 1, 100); err == nil {
		t.Error("expected error for fill on a cancelled layer")
	}
}

func TestAverageEntryAndPnL(t *testing.T) {
	pos := twoLayerPosition()

	// 1 @ 100 and 2 @ 99 invested: average entry (100+198)/3.
	if err := pos.ApplyFill("order-0", 1, 100); err != nil {
		t.Fatal(err)
	}
	if err := pos.ApplyFill("order-1", 2, 99); err != nil {
		t.Fatal(err)
	}

	wantAvg := (100.0 + 198.0) / 3.0
	if got := pos.AverageEntry(); got != wantAvg {
		t.Errorf("average entry = %.6f, want %.6f", got, wantAvg)
	}

	// At the average entry the PnL is zero.
	if pnl := pos.UnrealizedPnLPercent(wantAvg); pnl < -1e-9 || pnl > 1e-9 {
		t.Errorf("pnl at entry = %.6f, want 0", pnl)
	}
	if pnl := pos.UnrealizedPnLPercent(wantAvg * 1.02); pnl < 1.99 || pnl > 2.01 {
		t.Errorf("pnl at +2%% = %.4f", pnl)
	}
}

func TestPnLZeroBeforeAnyFill(t *testing.T) {
	pos := twoLayerPosition()

	if pos.AverageEntry() != 0 {
		t.Error("average entry should be zero with no fills")
	}
	if pos.UnrealizedPnLPercent(12345) != 0 {
		t.Error("pnl should be zero with no fills")
	}
}

func TestPendingAndFilledLayers(t *testing.T) {
	pos := twoLayerPosition()
	if err := pos.ApplyFill("order-0", 1, 100); err != nil {
		t.Fatal(err)
	}
	pos.Layers[1].Status = LayerCancelled

	if got := len(pos.PendingLayers()); got != 0 {
		t.Errorf("pending layers = %d, want 0", got)
	}
	if got := len(pos.FilledLayers()); got != 1 {
		t.Errorf("filled layers = %d, want 1", got)
	}
}
