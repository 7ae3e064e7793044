package indicator

import (
	"math"

	"crypto-dca-engine/internal/market"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// CalculateSMA calculates the Simple Moving Average over the last period closes.
func CalculateSMA(candles []market.Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}

// emaSeries computes the full EMA series for values, seeded with the SMA of
// the first period samples. The returned slice is aligned with values; the
// first period-1 entries are zero.
func emaSeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) < period || period <= 0 {
		return out
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)
	out[period-1] = ema

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		ema = (values[i] * multiplier) + (ema * (1 - multiplier))
		out[i] = ema
	}
	return out
}

// CalculateEMA calculates the Exponential Moving Average of the closes.
func CalculateEMA(candles []market.Candle, period int) float64 {
	closes := extractCloses(candles)
	series := emaSeries(closes, period)
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// SMASlope returns the difference between the current SMA and the SMA one
// candle earlier. A positive slope means the average is rising.
func SMASlope(candles []market.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	current := CalculateSMA(candles, period)
	previous := CalculateSMA(candles[:len(candles)-1], period)
	return current - previous
}

// ============================================================================
// RSI (Relative Strength Index, Wilder smoothing)
// ============================================================================

// CalculateRSI calculates the Relative Strength Index using Wilder's
// smoothed averages of gains and losses.
func CalculateRSI(candles []market.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 50.0
	}

	gains := 0.0
	losses := 0.0
	for i := 1; i <= period; i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	// Wilder smoothing over the remainder of the window
	for i := period + 1; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// MACD (Moving Average Convergence Divergence)
// ============================================================================

// MACDResult holds MACD indicator values.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
	// PrevHistogram is the histogram one candle earlier, used for
	// crossover detection.
	PrevHistogram float64
}

// CalculateMACD calculates the MACD line, signal line and histogram. The
// signal line is a true EMA over the MACD series, so the caller must supply
// at least slowPeriod+signalPeriod candles.
func CalculateMACD(candles []market.Candle, fastPeriod, slowPeriod, signalPeriod int) MACDResult {
	if len(candles) < slowPeriod+signalPeriod {
		return MACDResult{}
	}

	closes := extractCloses(candles)
	fast := emaSeries(closes, fastPeriod)
	slow := emaSeries(closes, slowPeriod)

	// MACD series starts where the slow EMA becomes defined.
	macd := make([]float64, 0, len(closes)-slowPeriod+1)
	for i := slowPeriod - 1; i < len(closes); i++ {
		macd = append(macd, fast[i]-slow[i])
	}

	signal := emaSeries(macd, signalPeriod)

	last := len(macd) - 1
	result := MACDResult{
		MACD:      macd[last],
		Signal:    signal[last],
		Histogram: macd[last] - signal[last],
	}
	if last > 0 && signal[last-1] != 0 {
		result.PrevHistogram = macd[last-1] - signal[last-1]
	}
	return result
}

// ============================================================================
// BOLLINGER BANDS
// ============================================================================

// BollingerBands holds Bollinger Band values for one window.
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
	// Bandwidth is (Upper-Lower)/Middle, a dimensionless width measure.
	Bandwidth float64
}

// CalculateBollingerBands calculates Bollinger Bands using the population
// standard deviation over the last period closes.
func CalculateBollingerBands(candles []market.Candle, period int, stdDevMultiplier float64) BollingerBands {
	if len(candles) < period {
		return BollingerBands{}
	}
	return bollingerAt(extractCloses(candles), len(candles)-1, period, stdDevMultiplier)
}

// bollingerAt computes the bands for the window ending at index end.
func bollingerAt(closes []float64, end, period int, mult float64) BollingerBands {
	start := end - period + 1
	if start < 0 {
		return BollingerBands{}
	}

	sum := 0.0
	for i := start; i <= end; i++ {
		sum += closes[i]
	}
	middle := sum / float64(period)

	variance := 0.0
	for i := start; i <= end; i++ {
		diff := closes[i] - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))

	upper := middle + stdDev*mult
	lower := middle - stdDev*mult

	bandwidth := 0.0
	if middle != 0 {
		bandwidth = (upper - lower) / middle
	}
	return BollingerBands{Upper: upper, Middle: middle, Lower: lower, Bandwidth: bandwidth}
}

// bandwidthSeries returns the Bollinger bandwidth for the last n windows,
// oldest first. Used to rank the current bandwidth against recent history.
func bandwidthSeries(candles []market.Candle, period int, mult float64, n int) []float64 {
	closes := extractCloses(candles)
	if len(closes) < period+n-1 {
		return nil
	}
	out := make([]float64, 0, n)
	for end := len(closes) - n; end < len(closes); end++ {
		out = append(out, bollingerAt(closes, end, period, mult).Bandwidth)
	}
	return out
}

// ============================================================================
// ATR (Average True Range, Wilder smoothing)
// ============================================================================

// trueRanges returns the true range series, one entry per candle transition.
func trueRanges(candles []market.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		high := candles[i].High
		low := candles[i].Low
		prevClose := candles[i-1].Close
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		out = append(out, tr)
	}
	return out
}

// CalculateATR calculates the Average True Range with Wilder smoothing.
func CalculateATR(candles []market.Candle, period int) float64 {
	trs := trueRanges(candles)
	if len(trs) < period {
		return 0
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += trs[i]
	}
	atr := sum / float64(period)

	for i := period; i < len(trs); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr
}

// ============================================================================
// ADX (Average Directional Index, Wilder smoothing)
// ============================================================================

// ADXResult holds the ADX value and its directional components.
type ADXResult struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// CalculateADX calculates the Average Directional Index with +DI/-DI.
// Requires at least 2*period+1 candles for a smoothed DX average.
func CalculateADX(candles []market.Candle, period int) ADXResult {
	if len(candles) < 2*period+1 {
		return ADXResult{}
	}

	trs := trueRanges(candles)
	plusDM := make([]float64, len(trs))
	minusDM := make([]float64, len(trs))
	for i := 1; i < len(candles); i++ {
		upMove := candles[i].High - candles[i-1].High
		downMove := candles[i-1].Low - candles[i].Low
		if upMove > downMove && upMove > 0 {
			plusDM[i-1] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i-1] = downMove
		}
	}

	// Wilder-smoothed TR and DM
	smTR := 0.0
	smPlus := 0.0
	smMinus := 0.0
	for i := 0; i < period; i++ {
		smTR += trs[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}

	dx := make([]float64, 0, len(trs)-period+1)
	var plusDI, minusDI float64
	appendDX := func() {
		if smTR == 0 {
			dx = append(dx, 0)
			return
		}
		plusDI = (smPlus / smTR) * 100
		minusDI = (smMinus / smTR) * 100
		sum := plusDI + minusDI
		if sum == 0 {
			dx = append(dx, 0)
			return
		}
		dx = append(dx, math.Abs(plusDI-minusDI)/sum*100)
	}
	appendDX()

	for i := period; i < len(trs); i++ {
		smTR = smTR - smTR/float64(period) + trs[i]
		smPlus = smPlus - smPlus/float64(period) + plusDM[i]
		smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		appendDX()
	}

	if len(dx) < period {
		return ADXResult{PlusDI: plusDI, MinusDI: minusDI}
	}

	adx := 0.0
	for i := 0; i < period; i++ {
		adx += dx[i]
	}
	adx /= float64(period)
	for i := period; i < len(dx); i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
	}

	return ADXResult{ADX: adx, PlusDI: plusDI, MinusDI: minusDI}
}

// ============================================================================
// STOCHASTIC OSCILLATOR
// ============================================================================

// StochasticResult holds Stochastic Oscillator values.
type StochasticResult struct {
	K float64
	D float64
}

// CalculateStochastic calculates %K and %D, where %D is the SMA of the last
// dPeriod %K values.
func CalculateStochastic(candles []market.Candle, kPeriod, dPeriod int) StochasticResult {
	if len(candles) < kPeriod+dPeriod-1 {
		return StochasticResult{K: 50, D: 50}
	}

	kValues := make([]float64, 0, dPeriod)
	for end := len(candles) - dPeriod; end < len(candles); end++ {
		window := candles[end-kPeriod+1 : end+1]
		highest := window[0].High
		lowest := window[0].Low
		for _, c := range window {
			if c.High > highest {
				highest = c.High
			}
			if c.Low < lowest {
				lowest = c.Low
			}
		}
		k := 50.0
		if highest != lowest {
			k = (candles[end].Close - lowest) / (highest - lowest) * 100
		}
		kValues = append(kValues, k)
	}

	dSum := 0.0
	for _, k := range kValues {
		dSum += k
	}

	return StochasticResult{
		K: kValues[len(kValues)-1],
		D: dSum / float64(len(kValues)),
	}
}

// ============================================================================
// FIBONACCI RETRACEMENT LEVELS
// ============================================================================

// FibonacciLevels holds retracement levels derived from the most recent
// swing high/low within the lookback window.
type FibonacciLevels struct {
	SwingHigh float64
	SwingLow  float64
	Level236  float64
	Level382  float64
	Level500  float64
	Level618  float64
	Level786  float64
	// UpSwing is true when the swing low precedes the swing high, i.e.
	// retracements are measured down from the high.
	UpSwing bool
}

// CalculateFibonacciLevels calculates retracement levels from the highest
// high and lowest low of the last lookback candles.
func CalculateFibonacciLevels(candles []market.Candle, lookback int) FibonacciLevels {
	if len(candles) < lookback || lookback <= 0 {
		return FibonacciLevels{}
	}

	window := candles[len(candles)-lookback:]
	high := window[0].High
	low := window[0].Low
	highIdx, lowIdx := 0, 0
	for i, c := range window {
		if c.High > high {
			high = c.High
			highIdx = i
		}
		if c.Low < low {
			low = c.Low
			lowIdx = i
		}
	}

	levels := FibonacciLevels{
		SwingHigh: high,
		SwingLow:  low,
		UpSwing:   lowIdx < highIdx,
	}
	diff := high - low
	if levels.UpSwing {
		levels.Level236 = high - diff*0.236
		levels.Level382 = high - diff*0.382
		levels.Level500 = high - diff*0.500
		levels.Level618 = high - diff*0.618
		levels.Level786 = high - diff*0.786
	} else {
		levels.Level236 = low + diff*0.236
		levels.Level382 = low + diff*0.382
		levels.Level500 = low + diff*0.500
		levels.Level618 = low + diff*0.618
		levels.Level786 = low + diff*0.786
	}
	return levels
}

func extractCloses(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
