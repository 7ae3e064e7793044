package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PriceSource is the read-only price feed a paper executor marks against.
type PriceSource interface {
	GetCurrentPrice(ctx context.Context, pair string) (float64, error)
}

type paperOrder struct {
	pair      string
	side      string
	orderType string
	price     float64
	quantity  float64
	filled    float64
	fillPrice float64
	done      bool
	cancelled bool
}

// PaperExecutor simulates order execution against live prices without
// touching the exchange. Limit buys fill once the market trades at or below
// the limit, limit sells at or above; market orders fill immediately.
type PaperExecutor struct {
	mu     sync.Mutex
	prices PriceSource
	orders map[string]*paperOrder
	logger zerolog.Logger
}

// NewPaperExecutor builds a paper executor over the given price feed.
func NewPaperExecutor(prices PriceSource) *PaperExecutor {
	return &PaperExecutor{
		prices: prices,
		orders: make(map[string]*paperOrder),
		logger: log.With().Str("component", "paper").Logger(),
	}
}

func (p *PaperExecutor) PlaceLimitBuy(ctx context.Context, pair string, price, quantity float64) (string, error) {
	return p.place(ctx, pair, "BUY", "LIMIT", price, quantity)
}

func (p *PaperExecutor) PlaceLimitSell(ctx context.Context, pair string, price, quantity float64) (string, error) {
	return p.place(ctx, pair, "SELL", "LIMIT", price, quantity)
}

func (p *PaperExecutor) PlaceMarketSell(ctx context.Context, pair string, quantity float64) (string, error) {
	return p.place(ctx, pair, "SELL", "MARKET", 0, quantity)
}

func (p *PaperExecutor) place(ctx context.Context, pair, side, orderType string, price, quantity float64) (string, error) {
	if quantity <= 0 {
		return "", fmt.Errorf("paper order quantity must be positive, got %f", quantity)
	}

	order := &paperOrder{
		pair:      pair,
		side:      side,
		orderType: orderType,
		price:     price,
		quantity:  quantity,
	}
	if orderType == "MARKET" {
		current, err := p.prices.GetCurrentPrice(ctx, pair)
		if err != nil {
			return "", fmt.Errorf("paper market order needs a price: %w", err)
		}
		order.filled = quantity
		order.fillPrice = current
		order.done = true
	}

	id := "paper-" + uuid.NewString()
	p.mu.Lock()
	p.orders[id] = order
	p.mu.Unlock()

	p.logger.Info().
		Str("pair", pair).
		Str("side", side).
		Str("type", orderType).
		Float64("price", price).
		Float64("quantity", quantity).
		Str("order_id", id).
		Msg("Paper order placed")
	return id, nil
}

// CancelOrder cancels an open paper order. Cancelling a finished order is a
// no-op, matching exchange semantics.
func (p *PaperExecutor) CancelOrder(ctx context.Context, pair, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown paper order %s", orderID)
	}
	if !order.done {
		order.cancelled = true
		order.done = true
	}
	return nil
}

// OrderStatus marks pending limit orders against the current price, then
// reports execution progress.
func (p *PaperExecutor) OrderStatus(ctx context.Context, pair, orderID string) (float64, float64, bool, error) {
	p.mu.Lock()
	order, ok := p.orders[orderID]
	p.mu.Unlock()
	if !ok {
		return 0, 0, false, fmt.Errorf("unknown paper order %s", orderID)
	}

	if !order.done {
		current, err := p.prices.GetCurrentPrice(ctx, pair)
		if err != nil {
			return 0, 0, false, err
		}
		p.mu.Lock()
		if !order.done && p.crossed(order, current) {
			order.filled = order.quantity
			order.fillPrice = order.price
			order.done = true
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return order.filled, order.fillPrice, order.done, nil
}

func (p *PaperExecutor) crossed(order *paperOrder, current float64) bool {
	if order.side == "BUY" {
		return current <= order.price
	}
	return current >= order.price
}
