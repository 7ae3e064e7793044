package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-dca-engine/internal/market"
)

func seriesFromCloses(pair string, closes []float64) *market.PriceSeries {
	return market.NewPriceSeriesFrom(pair, "15m", candlesFromCloses(closes...))
}

func oscillatingCloses(n int, base, amplitude float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = base + amplitude*math.Sin(float64(i)/5)
	}
	return out
}

// ============================================================================
// COMPUTE
// ============================================================================

func TestComputeInsufficientData(t *testing.T) {
	cfg := DefaultConfig()
	series := seriesFromCloses("BTCUSDT", oscillatingCloses(50, 100, 2))

	_, err := Compute(series, cfg)
	require.ErrorIs(t, err, ErrInsufficientData)

	_, err = Compute(nil, cfg)
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestComputePopulatesSnapshot(t *testing.T) {
	cfg := DefaultConfig()
	closes := oscillatingCloses(cfg.MaxLookback()+10, 100, 3)
	series := seriesFromCloses("ETHUSDT", closes)

	snap, err := Compute(series, cfg)
	require.NoError(t, err)

	assert.Equal(t, "ETHUSDT", snap.Pair)
	assert.Equal(t, closes[len(closes)-1], snap.Price)
	assert.Greater(t, snap.RSI, 0.0)
	assert.Less(t, snap.RSI, 100.0)
	assert.Greater(t, snap.ATR, 0.0)
	assert.InDelta(t, snap.ATR/snap.Price*100, snap.ATRPercent, 1e-9)
	assert.Greater(t, snap.Bollinger.Upper, snap.Bollinger.Lower)
	assert.NotEmpty(t, snap.Condition)
	assert.NotEmpty(t, snap.OverallSignal)
}

func TestComputeDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	closes := oscillatingCloses(cfg.MaxLookback()+5, 250, 8)

	a, err := Compute(seriesFromCloses("SOLUSDT", closes), cfg)
	require.NoError(t, err)
	b, err := Compute(seriesFromCloses("SOLUSDT", closes), cfg)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestMaxLookbackCoversLongestWindow(t *testing.T) {
	cfg := DefaultConfig()

	// The 200-period MA slope needs the most data under defaults.
	assert.Equal(t, cfg.MALongPeriod+1, cfg.MaxLookback())

	cfg.FibLookback = 500
	assert.Equal(t, 500, cfg.MaxLookback())
}

// ============================================================================
// MARKET CONDITION CLASSIFICATION
// ============================================================================

func TestClassifyConditionOrder(t *testing.T) {
	cfg := DefaultConfig()
	// Too few candles for a bandwidth history, so the squeeze rule is
	// skipped and the remaining rules decide in order.
	candles := candlesFromCloses(1, 2, 3)

	tests := []struct {
		name string
		snap *Snapshot
		want MarketCondition
	}{
		{
			name: "volatile wins over trend",
			snap: &Snapshot{ATRPercent: 4.0, ADX: ADXResult{ADX: 40}, MASlope: 1},
			want: ConditionVolatile,
		},
		{
			name: "trending up",
			snap: &Snapshot{ATRPercent: 1.0, ADX: ADXResult{ADX: 30}, MASlope: 0.5},
			want: ConditionTrendingUp,
		},
		{
			name: "trending down",
			snap: &Snapshot{ATRPercent: 1.0, ADX: ADXResult{ADX: 30}, MASlope: -0.5},
			want: ConditionTrendingDown,
		},
		{
			name: "weak trend is ranging",
			snap: &Snapshot{ATRPercent: 1.0, ADX: ADXResult{ADX: 15}, MASlope: 0.5},
			want: ConditionRanging,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyCondition(tt.snap, candles, cfg))
		})
	}
}

func TestClassifyConditionSqueezeOnFlatSeries(t *testing.T) {
	cfg := DefaultConfig()
	// A flat series has zero bandwidth everywhere, so the current value
	// sits at the bottom of its history: a squeeze.
	candles := flatCandles(cfg.MaxLookback(), 100)
	snap := &Snapshot{Bollinger: CalculateBollingerBands(candles, cfg.BollingerPeriod, cfg.BollingerStdDev)}

	assert.Equal(t, ConditionSqueeze, classifyCondition(snap, candles, cfg))
}

// ============================================================================
// VOTE AGGREGATION
// ============================================================================

func TestAggregateVotesThreeBuys(t *testing.T) {
	cfg := DefaultConfig()
	snap := &Snapshot{
		Price: 95,
		RSI:   20,                                            // buy
		MACD:  MACDResult{Histogram: 1, PrevHistogram: -0.5}, // buy
		Bollinger: BollingerBands{ // price at lower band: buy
			Upper: 105, Middle: 100, Lower: 95,
		},
		SMAShort:   100, // price below short MA: neutral at best
		SMALong:    90,
		Stochastic: StochasticResult{K: 50, D: 50}, // neutral
	}

	vote, confidence := aggregateVotes(snap, cfg)

	assert.Equal(t, VoteBuy, vote)
	assert.InDelta(t, 0.6, confidence, 1e-9)
}

func TestAggregateVotesThreeSells(t *testing.T) {
	cfg := DefaultConfig()
	snap := &Snapshot{
		Price:      110,
		RSI:        85,                                         // sell
		MACD:       MACDResult{Histogram: -1, PrevHistogram: 0.5}, // sell
		Bollinger:  BollingerBands{Upper: 108, Middle: 100, Lower: 92}, // price above upper: sell
		SMAShort:   100,
		SMALong:    90,
		Stochastic: StochasticResult{K: 50, D: 50},
	}

	vote, confidence := aggregateVotes(snap, cfg)

	assert.Equal(t, VoteSell, vote)
	assert.InDelta(t, 0.6, confidence, 1e-9)
}

func TestAggregateVotesTwoBuysIsNeutral(t *testing.T) {
	cfg := DefaultConfig()
	snap := &Snapshot{
		Price:      100,
		RSI:        20,                                            // buy
		MACD:       MACDResult{Histogram: 1, PrevHistogram: -0.5}, // buy
		Bollinger:  BollingerBands{Upper: 110, Middle: 100, Lower: 90},
		SMAShort:   100,
		SMALong:    100,
		Stochastic: StochasticResult{K: 50, D: 50},
	}

	vote, confidence := aggregateVotes(snap, cfg)

	assert.Equal(t, VoteNeutral, vote)
	assert.Equal(t, 0.5, confidence)
}

func TestIndividualVotes(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, VoteBuy, rsiVote(25, cfg))
	assert.Equal(t, VoteSell, rsiVote(75, cfg))
	assert.Equal(t, VoteNeutral, rsiVote(50, cfg))

	assert.Equal(t, VoteBuy, macdVote(MACDResult{Histogram: 0.5, PrevHistogram: -0.1}))
	assert.Equal(t, VoteSell, macdVote(MACDResult{Histogram: -0.5, PrevHistogram: 0.1}))
	assert.Equal(t, VoteNeutral, macdVote(MACDResult{Histogram: 0.5, PrevHistogram: 0.4}))

	band := BollingerBands{Upper: 110, Middle: 100, Lower: 90}
	assert.Equal(t, VoteBuy, bollingerVote(89, band))
	assert.Equal(t, VoteSell, bollingerVote(111, band))
	assert.Equal(t, VoteNeutral, bollingerVote(100, band))
	assert.Equal(t, VoteNeutral, bollingerVote(0, BollingerBands{})) // no bands yet

	assert.Equal(t, VoteBuy, maVote(105, 101, 95))
	assert.Equal(t, VoteSell, maVote(90, 95, 101))
	assert.Equal(t, VoteNeutral, maVote(98, 101, 95))

	assert.Equal(t, VoteBuy, stochasticVote(StochasticResult{K: 10, D: 15}, cfg))
	assert.Equal(t, VoteSell, stochasticVote(StochasticResult{K: 90, D: 85}, cfg))
	assert.Equal(t, VoteNeutral, stochasticVote(StochasticResult{K: 10, D: 50}, cfg))
}
