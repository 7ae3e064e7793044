package exchange

import (
	"context"
	"errors"
	"testing"
)

// stubPrices is a settable price feed for paper trading tests.
type stubPrices struct {
	price float64
	err   error
}

func (s *stubPrices) GetCurrentPrice(_ context.Context, _ string) (float64, error) {
	return s.price, s.err
}

func TestPaperMarketSellFillsImmediately(t *testing.T) {
	prices := &stubPrices{price: 100}
	p := NewPaperExecutor(prices)
	ctx := context.Background()

	id, err := p.PlaceMarketSell(ctx, "BTCUSDT", 2)
	if err != nil {
		t.Fatalf("PlaceMarketSell failed: %v", err)
	}

	filled, avgPrice, done, err := p.OrderStatus(ctx, "BTCUSDT", id)
	if err != nil {
		t.Fatalf("OrderStatus failed: %v", err)
	}
	if !done || filled != 2 || avgPrice != 100 {
		t.Errorf("market order state: filled=%.2f price=%.2f done=%v", filled, avgPrice, done)
	}
}

func TestPaperLimitBuyFillsOnCross(t *testing.T) {
	prices := &stubPrices{price: 100}
	p := NewPaperExecutor(prices)
	ctx := context.Background()

	id, err := p.PlaceLimitBuy(ctx, "BTCUSDT", 98, 1)
	if err != nil {
		t.Fatalf("PlaceLimitBuy failed: %v", err)
	}

	// Market above the limit: stays open.
	filled, _, done, err := p.OrderStatus(ctx, "BTCUSDT", id)
	if err != nil {
		t.Fatal(err)
	}
	if done || filled != 0 {
		t.Errorf("limit buy filled above its price: filled=%.2f done=%v", filled, done)
	}

	// Market trades through the limit: fills at the limit price.
	prices.price = 97.5
	filled, avgPrice, done, err := p.OrderStatus(ctx, "BTCUSDT", id)
	if err != nil {
		t.Fatal(err)
	}
	if !done || filled != 1 || avgPrice != 98 {
		t.Errorf("limit buy fill state: filled=%.2f price=%.2f done=%v", filled, avgPrice, done)
	}
}

func TestPaperLimitSellFillsOnCross(t *testing.T) {
	prices := &stubPrices{price: 100}
	p := NewPaperExecutor(prices)
	ctx := context.Background()

	id, err := p.PlaceLimitSell(ctx, "BTCUSDT", 103, 1)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, done, _ := p.OrderStatus(ctx, "BTCUSDT", id); done {
		t.Error("limit sell filled below its price")
	}

	prices.price = 104
	_, avgPrice, done, err := p.OrderStatus(ctx, "BTCUSDT", id)
	if err != nil {
		t.Fatal(err)
	}
	if !done || avgPrice != 103 {
		t.Errorf("limit sell fill state: price=%.2f done=%v", avgPrice, done)
	}
}

func TestPaperCancelIdempotent(t *testing.T) {
	prices := &stubPrices{price: 100}
	p := NewPaperExecutor(prices)
	ctx := context.Background()

	id, err := p.PlaceLimitBuy(ctx, "BTCUSDT", 90, 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.CancelOrder(ctx, "BTCUSDT", id); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if err := p.CancelOrder(ctx, "BTCUSDT", id); err != nil {
		t.Fatalf("repeated CancelOrder failed: %v", err)
	}

	// A cancelled order never fills, even when the price crosses.
	prices.price = 80
	filled, _, done, err := p.OrderStatus(ctx, "BTCUSDT", id)
	if err != nil {
		t.Fatal(err)
	}
	if filled != 0 || !done {
		t.Errorf("cancelled order state: filled=%.2f done=%v", filled, done)
	}
}

func TestPaperCancelAfterFillKeepsFill(t *testing.T) {
	prices := &stubPrices{price: 95}
	p := NewPaperExecutor(prices)
	ctx := context.Background()

	id, err := p.PlaceLimitBuy(ctx, "BTCUSDT", 98, 1)
	if err != nil {
		t.Fatal(err)
	}
	// Crosses immediately.
	if _, _, done, _ := p.OrderStatus(ctx, "BTCUSDT", id); !done {
		t.Fatal("order should have filled")
	}

	if err := p.CancelOrder(ctx, "BTCUSDT", id); err != nil {
		t.Fatalf("cancel after fill errored: %v", err)
	}
	filled, _, _, _ := p.OrderStatus(ctx, "BTCUSDT", id)
	if filled != 1 {
		t.Errorf("cancel after fill erased the execution: filled=%.2f", filled)
	}
}

func TestPaperRejectsZeroQuantity(t *testing.T) {
	p := NewPaperExecutor(&stubPrices{price: 100})

	if _, err := p.PlaceLimitBuy(context.Background(), "BTCUSDT", 100, 0); err == nil {
		t.Error("zero quantity order accepted")
	}
}

func TestPaperUnknownOrder(t *testing.T) {
	p := NewPaperExecutor(&stubPrices{price: 100})

	if _, _, _, err := p.OrderStatus(context.Background(), "BTCUSDT", "missing"); err == nil {
		t.Error("expected error for unknown order")
	}
	if err := p.CancelOrder(context.Background(), "BTCUSDT", "missing"); err == nil {
		t.Error("expected error for cancelling unknown order")
	}
}

func TestPaperMarketOrderRequiresPrice(t *testing.T) {
	p := NewPaperExecutor(&stubPrices{err: errors.New("feed down")})

	if _, err := p.PlaceMarketSell(context.Background(), "BTCUSDT", 1); err == nil {
		t.Error("market order accepted without a price")
	}
}
