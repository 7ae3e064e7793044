package indicator

import (
	"errors"
	"time"

	"crypto-dca-engine/internal/market"
)

// ErrInsufficientData is returned by Compute when the series is shorter than
// the longest configured lookback. Callers skip the tick instead of computing
// on a truncated window.
var ErrInsufficientData = errors.New("insufficient candles for indicator window")

// MarketCondition classifies the current market regime.
type MarketCondition string

const (
	ConditionTrendingUp   MarketCondition = "trending_up"
	ConditionTrendingDown MarketCondition = "trending_down"
	ConditionRanging      MarketCondition = "ranging"
	ConditionVolatile     MarketCondition = "volatile"
	ConditionSqueeze      MarketCondition = "squeeze"
)

// Vote is a single indicator's directional opinion.
type Vote string

const (
	VoteBuy     Vote = "BUY"
	VoteSell    Vote = "SELL"
	VoteNeutral Vote = "NEUTRAL"
)

// Config holds the indicator lookback periods and thresholds.
type Config struct {
	RSIPeriod       int     `json:"rsi_period"`
	RSIOversold     float64 `json:"rsi_oversold"`
	RSIOverbought   float64 `json:"rsi_overbought"`
	MACDFastPeriod  int     `json:"macd_fast_period"`
	MACDSlowPeriod  int     `json:"macd_slow_period"`
	MACDSignal      int     `json:"macd_signal_period"`
	ATRPeriod       int     `json:"atr_period"`
	BollingerPeriod int     `json:"bollinger_period"`
	BollingerStdDev float64 `json:"bollinger_std_dev"`
	ADXPeriod       int     `json:"adx_period"`
	ADXStrongTrend  float64 `json:"adx_strong_trend"`
	StochKPeriod    int     `json:"stoch_k_period"`
	StochDPeriod    int     `json:"stoch_d_period"`
	StochOversold   float64 `json:"stoch_oversold"`
	StochOverbought float64 `json:"stoch_overbought"`
	MAShortPeriod   int     `json:"ma_short_period"`
	MALongPeriod    int     `json:"ma_long_period"`
	FibLookback     int     `json:"fib_lookback"`
	// BandwidthHistory is how many recent bandwidth samples the squeeze
	// detection ranks the current bandwidth against.
	BandwidthHistory int `json:"bandwidth_history"`
	// VolatileATRPercent is the ATR-as-percent-of-price threshold above
	// which the market is classified volatile.
	VolatileATRPercent float64 `json:"volatile_atr_percent"`
}

// DefaultConfig returns the standard indicator configuration.
func DefaultConfig() Config {
	return Config{
		RSIPeriod:          14,
		RSIOversold:        30,
		RSIOverbought:      70,
		MACDFastPeriod:     12,
		MACDSlowPeriod:     26,
		MACDSignal:         9,
		ATRPeriod:          14,
		BollingerPeriod:    20,
		BollingerStdDev:    2.0,
		ADXPeriod:          14,
		ADXStrongTrend:     25,
		StochKPeriod:       14,
		StochDPeriod:       3,
		StochOversold:      20,
		StochOverbought:    80,
		MAShortPeriod:      50,
		MALongPeriod:       200,
		FibLookback:        100,
		BandwidthHistory:   20,
		VolatileATRPercent: 3.0,
	}
}

// MaxLookback returns the longest window any configured indicator needs.
func (c Config) MaxLookback() int {
	max := c.MALongPeriod + 1 // slope needs one extra sample
	candidates := []int{
		c.RSIPeriod + 1,
		c.MACDSlowPeriod + c.MACDSignal,
		c.ATRPeriod + 1,
		c.BollingerPeriod + c.BandwidthHistory - 1,
		2*c.ADXPeriod + 1,
		c.StochKPeriod + c.StochDPeriod - 1,
		c.FibLookback,
	}
	for _, n := range candidates {
		if n > max {
			max = n
		}
	}
	return max
}

// Snapshot is the immutable indicator state computed from one price window.
// All fields are pure functions of the input series and configuration.
type Snapshot struct {
	Pair      string          `json:"pair"`
	Timestamp time.Time       `json:"timestamp"`
	Price     float64         `json:"price"`
	RSI       float64         `json:"rsi"`
	MACD      MACDResult      `json:"macd"`
	ATR       float64         `json:"atr"`
	// ATRPercent is the ATR expressed as a percentage of the last close.
	ATRPercent float64          `json:"atr_percent"`
	Bollinger  BollingerBands   `json:"bollinger"`
	ADX        ADXResult        `json:"adx"`
	Stochastic StochasticResult `json:"stochastic"`
	Fibonacci  FibonacciLevels  `json:"fibonacci"`
	SMAShort   float64          `json:"sma_short"`
	SMALong    float64          `json:"sma_long"`
	MASlope    float64          `json:"ma_slope"`
	Condition  MarketCondition  `json:"condition"`
	// OverallSignal aggregates the per-indicator votes; Confidence is the
	// fraction of indicators agreeing with it.
	OverallSignal Vote    `json:"overall_signal"`
	Confidence    float64 `json:"confidence"`
}

// Compute derives a Snapshot from the series. It fails with
// ErrInsufficientData when the window is shorter than Config.MaxLookback.
func Compute(series *market.PriceSeries, cfg Config) (*Snapshot, error) {
	if series == nil || series.Len() < cfg.MaxLookback() {
		return nil, ErrInsufficientData
	}

	candles := series.Candles()
	last := candles[len(candles)-1]

	snap := &Snapshot{
		Pair:       series.Pair,
		Timestamp:  last.Time(),
		Price:      last.Close,
		RSI:        CalculateRSI(candles, cfg.RSIPeriod),
		MACD:       CalculateMACD(candles, cfg.MACDFastPeriod, cfg.MACDSlowPeriod, cfg.MACDSignal),
		ATR:        CalculateATR(candles, cfg.ATRPeriod),
		Bollinger:  CalculateBollingerBands(candles, cfg.BollingerPeriod, cfg.BollingerStdDev),
		ADX:        CalculateADX(candles, cfg.ADXPeriod),
		Stochastic: CalculateStochastic(candles, cfg.StochKPeriod, cfg.StochDPeriod),
		Fibonacci:  CalculateFibonacciLevels(candles, cfg.FibLookback),
		SMAShort:   CalculateSMA(candles, cfg.MAShortPeriod),
		SMALong:    CalculateSMA(candles, cfg.MALongPeriod),
		MASlope:    SMASlope(candles, cfg.MAShortPeriod),
	}
	if snap.Price > 0 {
		snap.ATRPercent = snap.ATR / snap.Price * 100
	}

	snap.Condition = classifyCondition(snap, candles, cfg)
	snap.OverallSignal, snap.Confidence = aggregateVotes(snap, cfg)
	return snap, nil
}

// classifyCondition maps the snapshot onto exactly one MarketCondition.
// Rules are checked in a fixed order so every input resolves exactly once:
// squeeze, then volatile, then trending, with ranging as the default.
func classifyCondition(snap *Snapshot, candles []market.Candle, cfg Config) MarketCondition {
	history := bandwidthSeries(candles, cfg.BollingerPeriod, cfg.BollingerStdDev, cfg.BandwidthHistory)
	if len(history) > 0 && snap.Bollinger.Bandwidth <= percentile(history, 10) {
		return ConditionSqueeze
	}

	if snap.ATRPercent >= cfg.VolatileATRPercent {
		return ConditionVolatile
	}

	if snap.ADX.ADX > cfg.ADXStrongTrend {
		if snap.MASlope > 0 {
			return ConditionTrendingUp
		}
		return ConditionTrendingDown
	}

	return ConditionRanging
}

// percentile returns the p-th percentile of values (nearest-rank).
func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	rank := int(p/100*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// aggregateVotes collects one directional vote per indicator and reduces
// them to an overall signal. Three or more agreeing votes out of five make
// a directional signal; anything else is neutral.
func aggregateVotes(snap *Snapshot, cfg Config) (Vote, float64) {
	votes := []Vote{
		rsiVote(snap.RSI, cfg),
		macdVote(snap.MACD),
		bollingerVote(snap.Price, snap.Bollinger),
		maVote(snap.Price, snap.SMAShort, snap.SMALong),
		stochasticVote(snap.Stochastic, cfg),
	}

	buy, sell := 0, 0
	for _, v := range votes {
		switch v {
		case VoteBuy:
			buy++
		case VoteSell:
			sell++
		}
	}

	total := float64(len(votes))
	switch {
	case buy >= 3:
		return VoteBuy, float64(buy) / total
	case sell >= 3:
		return VoteSell, float64(sell) / total
	default:
		return VoteNeutral, 0.5
	}
}

func rsiVote(rsi float64, cfg Config) Vote {
	switch {
	case rsi < cfg.RSIOversold:
		return VoteBuy
	case rsi > cfg.RSIOverbought:
		return VoteSell
	default:
		return VoteNeutral
	}
}

func macdVote(m MACDResult) Vote {
	switch {
	case m.Histogram > 0 && m.PrevHistogram <= 0:
		return VoteBuy
	case m.Histogram < 0 && m.PrevHistogram >= 0:
		return VoteSell
	default:
		return VoteNeutral
	}
}

func bollingerVote(price float64, b BollingerBands) Vote {
	switch {
	case b.Lower > 0 && price <= b.Lower:
		return VoteBuy
	case b.Upper > 0 && price >= b.Upper:
		return VoteSell
	default:
		return VoteNeutral
	}
}

func maVote(price, short, long float64) Vote {
	switch {
	case short > long && price > short:
		return VoteBuy
	case short < long && price < short:
		return VoteSell
	default:
		return VoteNeutral
	}
}

func stochasticVote(s StochasticResult, cfg Config) Vote {
	switch {
	case s.K < cfg.StochOversold && s.D < cfg.StochOversold:
		return VoteBuy
	case s.K > cfg.StochOverbought && s.D > cfg.StochOverbought:
		return VoteSell
	default:
		return VoteNeutral
	}
}
