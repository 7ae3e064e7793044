package position

import (
	"fmt"
	"math"
	"time"
)

// Status is the lifecycle state of a DCA position.
type Status string

const (
	StatusPlanning      Status = "planning"
	StatusActive        Status = "active"
	StatusRecalibrating Status = "recalibrating"
	StatusClosing       Status = "closing"
	StatusClosed        Status = "closed"
	StatusAborted       Status = "aborted"
)

// LayerStatus is the state of one grid layer order.
type LayerStatus string

const (
	LayerPending   LayerStatus = "pending"
	LayerFilled    LayerStatus = "filled"
	LayerCancelled LayerStatus = "cancelled"
)

// fillEpsilon absorbs exchange rounding on filled quantities.
const fillEpsilon = 1e-9

// transitions is the closed transition table for position statuses.
// Aborting is allowed from every non-terminal state.
var transitions = map[Status][]Status{
	StatusPlanning:      {StatusActive, StatusClosing, StatusAborted},
	StatusActive:        {StatusRecalibrating, StatusClosing, StatusAborted},
	StatusRecalibrating: {StatusActive, StatusClosing, StatusAborted},
	StatusClosing:       {StatusClosed, StatusAborted},
	StatusClosed:        {},
	StatusAborted:       {},
}

// GridLayer is one DCA entry order within a position.
type GridLayer struct {
	Index          int         `json:"index"` // 0 = base order
	Price          float64     `json:"price"`
	Quantity       float64     `json:"quantity"`
	FilledQuantity float64     `json:"filled_quantity"`
	FilledPrice    float64     `json:"filled_price"`
	NotionalUSD    float64     `json:"notional_usd"`
	Status         LayerStatus `json:"status"`
	OrderID        string      `json:"order_id,omitempty"`
}

// Filled reports whether the layer is completely filled.
func (l *GridLayer) Filled() bool {
	return l.Status == LayerFilled
}

// TrailingStop tracks the trailing-stop arming state for a position.
type TrailingStop struct {
	Armed bool `json:"armed"`
	// HighWaterMarkPct is the best unrealized PnL percent seen since the
	// stop armed.
	HighWaterMarkPct float64 `json:"high_water_mark_pct"`
}

// DcaPosition is a multi-layer DCA position under management. All writes go
// through the lifecycle controller; other components read it.
type DcaPosition struct {
	ID        string      `json:"id"`
	Pair      string      `json:"pair"`
	Exchange  string      `json:"exchange"`
	Direction string      `json:"direction"`
	Status    Status      `json:"status"`
	Layers    []GridLayer `json:"layers"`

	TargetProfitPct float64      `json:"target_profit_pct"`
	StopLossPct     float64      `json:"stop_loss_pct"`
	Trailing        TrailingStop `json:"trailing"`

	// SpacingPercent and Condition record the grid parameters in force,
	// used to detect regime changes between ticks.
	SpacingPercent float64 `json:"spacing_percent"`
	Condition      string  `json:"condition"`

	OpenedAt    time.Time `json:"opened_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`
	CloseReason string    `json:"close_reason,omitempty"`
	AbortReason string    `json:"abort_reason,omitempty"`

	// ExitOrderID records the exit order once placed, so a close interrupted
	// by a crash never sells twice on resume.
	ExitOrderID string `json:"exit_order_id,omitempty"`
}

// CanTransition reports whether moving to the target status is allowed.
func (p *DcaPosition) CanTransition(to Status) bool {
	for _, allowed := range transitions[p.Status] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the position to the target status or fails when the
// transition table does not allow it.
func (p *DcaPosition) Transition(to Status) error {
	if !p.CanTransition(to) {
		return fmt.Errorf("illegal position transition %s -> %s for %s", p.Status, to, p.Pair)
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Terminal reports whether the position has reached a final state.
func (p *DcaPosition) Terminal() bool {
	return p.Status == StatusClosed || p.Status == StatusAborted
}

// ApplyFill records an execution report against the layer holding orderID.
// Partial fills accumulate; the layer flips to filled only once the whole
// quantity is executed.
func (p *DcaPosition) ApplyFill(orderID string, quantity, price float64) error {
	for i := range p.Layers {
		l := &p.Layers[i]
		if l.OrderID != orderID {
			continue
		}
		if l.Status == LayerCancelled {
			return fmt.Errorf("fill reported for cancelled layer %d of %s", l.Index, p.Pair)
		}

		// Weighted fill price across partial executions.
		total := l.FilledQuantity + quantity
		if total > 0 {
			l.FilledPrice = (l.FilledPrice*l.FilledQuantity + price*quantity) / total
		}
		l.FilledQuantity = total
		if l.FilledQuantity >= l.Quantity-fillEpsilon {
			l.Status = LayerFilled
		}
		p.UpdatedAt = time.Now().UTC()
		return nil
	}
	return fmt.Errorf("no layer with order %s on %s", orderID, p.Pair)
}

// FilledQuantity returns the total executed base quantity.
func (p *DcaPosition) FilledQuantity() float64 {
	total := 0.0
	for _, l := range p.Layers {
		total += l.FilledQuantity
	}
	return total
}

// InvestedUSD returns the quote amount spent on executed fills.
func (p *DcaPosition) InvestedUSD() float64 {
	total := 0.0
	for _, l := range p.Layers {
		total += l.FilledQuantity * l.FilledPrice
	}
	return total
}

// AverageEntry returns the volume-weighted average entry price of the
// executed fills, or zero when nothing has filled.
func (p *DcaPosition) AverageEntry() float64 {
	qty := p.FilledQuantity()
	if qty <= 0 {
		return 0
	}
	return p.InvestedUSD() / qty
}

// UnrealizedPnLPercent returns the open PnL as a percent of invested quote,
// or zero when nothing has filled.
func (p *DcaPosition) UnrealizedPnLPercent(currentPrice float64) float64 {
	invested := p.InvestedUSD()
	if invested <= 0 {
		return 0
	}
	value := p.FilledQuantity() * currentPrice
	pnl := (value - invested) / invested * 100
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		return 0
	}
	return pnl
}

// PendingLayers returns the layers that have not filled or been cancelled.
func (p *DcaPosition) PendingLayers() []GridLayer {
	out := make([]GridLayer, 0, len(p.Layers))
	for _, l := range p.Layers {
		if l.Status == LayerPending {
			out = append(out, l)
		}
	}
	return out
}

// FilledLayers returns the layers with any executed quantity.
func (p *DcaPosition) FilledLayers() []GridLayer {
	out := make([]GridLayer, 0, len(p.Layers))
	for _, l := range p.Layers {
		if l.FilledQuantity > 0 {
			out = append(out, l)
		}
	}
	return out
}

// Age returns how long the position has been open.
func (p *DcaPosition) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}
