package market

import (
	"context"
	"errors"
	"time"
)

// ErrDataUnavailable is returned by a DataSource when candles for a pair
// cannot be fetched. Callers skip the current tick and retry on the next one.
var ErrDataUnavailable = errors.New("market data unavailable")

// Candle represents one OHLCV sample.
type Candle struct {
	OpenTime  int64   `json:"open_time"` // unix milliseconds
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
}

// Time returns the candle open time as time.Time.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.OpenTime)
}

// DataSource provides recent candles for a trading pair.
type DataSource interface {
	GetRecentCandles(ctx context.Context, pair, timeframe string, count int) (*PriceSeries, error)
	GetCurrentPrice(ctx context.Context, pair string) (float64, error)
}

// PriceSeries is a bounded, append-only window of candles for one pair.
// Appending beyond capacity evicts the oldest sample.
type PriceSeries struct {
	Pair      string
	Timeframe string
	capacity  int
	candles   []Candle
}

// NewPriceSeries creates an empty series with the given window capacity.
func NewPriceSeries(pair, timeframe string, capacity int) *PriceSeries {
	if capacity <= 0 {
		capacity = 500
	}
	return &PriceSeries{
		Pair:      pair,
		Timeframe: timeframe,
		capacity:  capacity,
		candles:   make([]Candle, 0, capacity),
	}
}

// NewPriceSeriesFrom builds a series pre-populated with candles. The window
// capacity is set to the initial length so later appends slide the window.
func NewPriceSeriesFrom(pair, timeframe string, candles []Candle) *PriceSeries {
	s := NewPriceSeries(pair, timeframe, len(candles))
	for _, c := range candles {
		s.Append(c)
	}
	return s
}

// Append adds a candle, evicting the oldest one when the window is full.
func (s *PriceSeries) Append(c Candle) {
	if len(s.candles) == s.capacity {
		copy(s.candles, s.candles[1:])
		s.candles[len(s.candles)-1] = c
		return
	}
	s.candles = append(s.candles, c)
}

// Len returns the number of candles in the window.
func (s *PriceSeries) Len() int {
	return len(s.candles)
}

// Candles returns the window contents, oldest first. The returned slice
// must not be mutated by callers.
func (s *PriceSeries) Candles() []Candle {
	return s.candles
}

// Last returns the most recent candle. ok is false for an empty series.
func (s *PriceSeries) Last() (Candle, bool) {
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// Closes returns the close prices, oldest first.
func (s *PriceSeries) Closes() []float64 {
	out := make([]float64, len(s.candles))
	for i, c := range s.candles {
		out[i] = c.Close
	}
	return out
}
