package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crypto-dca-engine/internal/grid"
)

// OrderExecutor is the slice of an exchange the controller needs. A paper
// executor satisfies it for dry runs.
type OrderExecutor interface {
	PlaceLimitBuy(ctx context.Context, pair string, price, quantity float64) (orderID string, err error)
	PlaceLimitSell(ctx context.Context, pair string, price, quantity float64) (orderID string, err error)
	PlaceMarketSell(ctx context.Context, pair string, quantity float64) (orderID string, err error)
	CancelOrder(ctx context.Context, pair, orderID string) error
	OrderStatus(ctx context.Context, pair, orderID string) (filledQuantity, avgPrice float64, done bool, err error)
}

// Store persists position state after every mutation.
type Store interface {
	SavePosition(ctx context.Context, pos *DcaPosition) error
}

// Controller owns all writes to DCA positions. The engine guarantees a single
// goroutine drives each position, so the controller itself holds no locks.
type Controller struct {
	exchange OrderExecutor
	store    Store
	logger   zerolog.Logger
}

// NewController wires the lifecycle controller. store may be nil when nothing
// persists positions (tests, paper runs without a database).
func NewController(exchange OrderExecutor, store Store) *Controller {
	return &Controller{
		exchange: exchange,
		store:    store,
		logger:   log.With().Str("component", "position").Logger(),
	}
}

// retryableError matches exchange errors that classify their own
// retryability, like the Binance API error type.
type retryableError interface {
	Retryable() bool
}

// abortWorthy reports whether an order error is terminal for the position.
// Transient failures (rate limits, exchange outages, unknown network faults)
// leave the position in its current state so the next cycle retries.
func abortWorthy(err error) bool {
	var r retryableError
	if errors.As(err, &r) {
		return !r.Retryable()
	}
	return false
}

// ===== OPENING =====

// Open creates a position from a grid plan and submits the base layer order.
// The position stays in planning until SyncFills confirms the first
// execution. Deeper layers stay unsubmitted until PlaceLayer is called for
// them after their own consensus round.
func (c *Controller) Open(ctx context.Context, plan *grid.Plan, exchangeName string, targetProfitPct, stopLossPct float64) (*DcaPosition, error) {
	pos := &DcaPosition{
		ID:              uuid.NewString(),
		Pair:            plan.Pair,
		Exchange:        exchangeName,
		Direction:       string(plan.Direction),
		Status:          StatusPlanning,
		Layers:          layersFromPlan(plan),
		TargetProfitPct: targetProfitPct,
		StopLossPct:     stopLossPct,
		SpacingPercent:  plan.SpacingPercent,
		Condition:       string(plan.Condition),
		OpenedAt:        time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}

	if err := c.PlaceLayer(ctx, pos, 0); err != nil {
		if abortWorthy(err) {
			pos.Status = StatusAborted
			pos.AbortReason = fmt.Sprintf("base order failed: %v", err)
			c.save(ctx, pos)
		}
		return nil, fmt.Errorf("failed to open %s: %w", plan.Pair, err)
	}
	c.save(ctx, pos)

	c.logger.Info().
		Str("pair", pos.Pair).
		Str("position_id", pos.ID).
		Int("layers", len(pos.Layers)).
		Float64("spacing_pct", pos.SpacingPercent).
		Msg("Position opened, awaiting base fill")
	return pos, nil
}

func layersFromPlan(plan *grid.Plan) []GridLayer {
	layers := make([]GridLayer, len(plan.Layers))
	for i, l := range plan.Layers {
		layers[i] = GridLayer{
			Index:       l.Index,
			Price:       l.Price,
			Quantity:    l.Quantity,
			NotionalUSD: l.NotionalUSD,
			Status:      LayerPending,
		}
	}
	return layers
}

// PlaceLayer submits the limit order for one pending layer. Calling it again
// for a layer that already has an order is a no-op, which makes retries after
// a crash safe.
func (c *Controller) PlaceLayer(ctx context.Context, pos *DcaPosition, index int) error {
	if index < 0 || index >= len(pos.Layers) {
		return fmt.Errorf("layer %d out of range on %s", index, pos.Pair)
	}
	layer := &pos.Layers[index]
	if layer.Status != LayerPending {
		return fmt.Errorf("layer %d of %s is %s, not pending", index, pos.Pair, layer.Status)
	}
	if layer.OrderID != "" {
		return nil
	}

	orderID, err := c.exchange.PlaceLimitBuy(ctx, pos.Pair, layer.Price, layer.Quantity)
	if err != nil {
		return fmt.Errorf("failed to place layer %d order: %w", index, err)
	}
	layer.OrderID = orderID
	pos.UpdatedAt = time.Now().UTC()
	c.save(ctx, pos)

	c.logger.Info().
		Str("pair", pos.Pair).
		Int("layer", index).
		Float64("price", layer.Price).
		Float64("quantity", layer.Quantity).
		Str("order_id", orderID).
		Msg("Layer order placed")
	return nil
}

// SyncFills polls order status for every submitted pending layer and applies
// any executions.
func (c *Controller) SyncFills(ctx context.Context, pos *DcaPosition) error {
	changed := false
	for i := range pos.Layers {
		layer := &pos.Layers[i]
		if layer.Status != LayerPending || layer.OrderID == "" {
			continue
		}
		filled, avgPrice, done, err := c.exchange.OrderStatus(ctx, pos.Pair, layer.OrderID)
		if err != nil {
			return fmt.Errorf("failed to query layer %d order: %w", i, err)
		}
		if delta := filled - layer.FilledQuantity; delta > 0 {
			if err := pos.ApplyFill(layer.OrderID, delta, avgPrice); err != nil {
				return err
			}
			changed = true
			c.logger.Info().
				Str("pair", pos.Pair).
				Int("layer", i).
				Float64("filled", layer.FilledQuantity).
				Float64("avg_price", layer.FilledPrice).
				Msg("Layer fill applied")
		}
		if done && layer.Status == LayerPending && layer.FilledQuantity > 0 {
			layer.Status = LayerFilled
			changed = true
		}
	}
	// First fill confirmation activates the position.
	if pos.Status == StatusPlanning && pos.FilledQuantity() > 0 {
		if err := pos.Transition(StatusActive); err != nil {
			return err
		}
		changed = true
		c.logger.Info().Str("pair", pos.Pair).Str("position_id", pos.ID).Msg("Base layer filled, position active")
	}
	if changed {
		c.save(ctx, pos)
	}
	return nil
}

// ===== RECALIBRATION =====

// Recalibrate cancels the unfilled layer orders and replaces them with the
// layers from a fresh grid plan. Filled layers are never touched. The
// position passes through recalibrating and returns to active.
func (c *Controller) Recalibrate(ctx context.Context, pos *DcaPosition, plan *grid.Plan) error {
	if err := pos.Transition(StatusRecalibrating); err != nil {
		return err
	}
	c.save(ctx, pos)

	if err := c.cancelPending(ctx, pos); err != nil {
		if abortWorthy(err) {
			pos.AbortReason = fmt.Sprintf("recalibration cancel failed: %v", err)
			_ = pos.Transition(StatusAborted)
			c.save(ctx, pos)
			return err
		}
		// Cancelled layers stay cancelled; the next cycle retries the rest.
		_ = pos.Transition(StatusActive)
		c.save(ctx, pos)
		return err
	}

	kept := make([]GridLayer, 0, len(pos.Layers)+len(plan.Layers))
	for _, l := range pos.Layers {
		if l.FilledQuantity > 0 {
			if l.Status == LayerCancelled {
				// Only the residual was cancelled. The executed part stands
				// and counts as this layer's final fill.
				l.Status = LayerFilled
			}
			kept = append(kept, l)
		}
	}
	for _, l := range plan.Layers {
		kept = append(kept, GridLayer{
			Index:       l.Index,
			Price:       l.Price,
			Quantity:    l.Quantity,
			NotionalUSD: l.NotionalUSD,
			Status:      LayerPending,
		})
	}
	pos.Layers = kept
	pos.SpacingPercent = plan.SpacingPercent
	pos.Condition = string(plan.Condition)

	if err := pos.Transition(StatusActive); err != nil {
		return err
	}
	c.save(ctx, pos)

	c.logger.Info().
		Str("pair", pos.Pair).
		Int("layers", len(pos.Layers)).
		Float64("spacing_pct", pos.SpacingPercent).
		Str("condition", pos.Condition).
		Msg("Position recalibrated")
	return nil
}

// ===== CLOSING =====

// Close unwinds the position: cancels pending entries, then exits the filled
// quantity. Market exits are used for urgent signals (stop loss, equity
// guard), limit-at-market otherwise. A position already in closing (a crash
// mid-unwind, observed after restore) resumes where it stopped; the
// per-order guards keep repeated calls from duplicating work. Terminal
// positions are a no-op.
func (c *Controller) Close(ctx context.Context, pos *DcaPosition, reason string, urgent bool, currentPrice float64) error {
	if pos.Terminal() {
		return nil
	}
	if pos.Status != StatusClosing {
		if err := pos.Transition(StatusClosing); err != nil {
			return err
		}
		pos.CloseReason = reason
		c.save(ctx, pos)
	}

	if err := c.cancelPending(ctx, pos); err != nil {
		if abortWorthy(err) {
			pos.AbortReason = fmt.Sprintf("close cancel failed: %v", err)
			_ = pos.Transition(StatusAborted)
			c.save(ctx, pos)
			return err
		}
		// Partial cancel progress is kept; the position stays in closing
		// and the next cycle resumes the unwind.
		c.save(ctx, pos)
		return err
	}

	quantity := pos.FilledQuantity()
	if quantity > 0 && pos.ExitOrderID == "" {
		var orderID string
		var err error
		if urgent {
			orderID, err = c.exchange.PlaceMarketSell(ctx, pos.Pair, quantity)
		} else {
			orderID, err = c.exchange.PlaceLimitSell(ctx, pos.Pair, currentPrice, quantity)
		}
		if err != nil {
			if abortWorthy(err) {
				pos.AbortReason = fmt.Sprintf("exit order failed: %v", err)
				_ = pos.Transition(StatusAborted)
				c.save(ctx, pos)
			}
			return fmt.Errorf("failed to exit %s: %w", pos.Pair, err)
		}
		pos.ExitOrderID = orderID
		c.save(ctx, pos)
	}

	if err := pos.Transition(StatusClosed); err != nil {
		return err
	}
	pos.ClosedAt = time.Now().UTC()
	c.save(ctx, pos)

	c.logger.Info().
		Str("pair", pos.Pair).
		Str("reason", reason).
		Bool("urgent", urgent).
		Float64("quantity", quantity).
		Msg("Position closed")
	return nil
}

// Abort force-terminates the position without placing exit orders. Pending
// orders are cancelled best-effort. Used for unrecoverable faults; any open
// inventory must be handled by the operator.
func (c *Controller) Abort(ctx context.Context, pos *DcaPosition, reason string) error {
	if pos.Terminal() {
		return nil
	}
	if err := c.cancelPending(ctx, pos); err != nil {
		c.logger.Warn().Err(err).Str("pair", pos.Pair).Msg("Cancel during abort failed")
	}
	pos.AbortReason = reason
	if err := pos.Transition(StatusAborted); err != nil {
		return err
	}
	c.save(ctx, pos)

	c.logger.Error().
		Str("pair", pos.Pair).
		Str("reason", reason).
		Float64("open_quantity", pos.FilledQuantity()).
		Msg("Position aborted")
	return nil
}

// cancelPending cancels every submitted unfilled layer order.
func (c *Controller) cancelPending(ctx context.Context, pos *DcaPosition) error {
	for i := range pos.Layers {
		layer := &pos.Layers[i]
		if layer.Status != LayerPending || layer.OrderID == "" {
			continue
		}
		if err := c.exchange.CancelOrder(ctx, pos.Pair, layer.OrderID); err != nil {
			return fmt.Errorf("failed to cancel layer %d order %s: %w", i, layer.OrderID, err)
		}
		layer.Status = LayerCancelled
	}
	return nil
}

func (c *Controller) save(ctx context.Context, pos *DcaPosition) {
	if c.store == nil {
		return
	}
	if err := c.store.SavePosition(ctx, pos); err != nil {
		c.logger.Warn().Err(err).Str("pair", pos.Pair).Msg("Failed to persist position")
	}
}
