package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crypto-dca-engine/internal/position"
)

// Signal is an exit or halt instruction produced by risk evaluation.
type Signal string

const (
	SignalNone             Signal = "none"
	SignalEquityGuardHalt  Signal = "equity_guard_halt"
	SignalStopLoss         Signal = "stop_loss"
	SignalTakeProfit       Signal = "take_profit"
	SignalTrailingStopExit Signal = "trailing_stop_exit"
	SignalMaxDurationExit  Signal = "max_duration_exit"
)

// Config holds the risk thresholds. Percent values are plain percents
// (1.0 means one percent).
type Config struct {
	TakeProfitPercent   float64       `json:"take_profit_percent"`
	StopLossPercent     float64       `json:"stop_loss_percent"`
	TrailingArmPercent  float64       `json:"trailing_arm_percent"`
	TrailingStopPercent float64       `json:"trailing_stop_percent"`
	MaxDuration         time.Duration `json:"max_duration"`
	DailyLossLimitUSD   float64       `json:"daily_loss_limit_usd"`
}

// DefaultConfig mirrors the shipped risk profile.
func DefaultConfig() Config {
	return Config{
		TakeProfitPercent:   2.5,
		StopLossPercent:     8.0,
		TrailingArmPercent:  1.5,
		TrailingStopPercent: 0.8,
		MaxDuration:         72 * time.Hour,
		DailyLossLimitUSD:   500,
	}
}

// Validate rejects configurations that would disarm the risk layer.
func (c Config) Validate() error {
	if c.TakeProfitPercent <= 0 {
		return fmt.Errorf("take_profit_percent must be positive, got %.2f", c.TakeProfitPercent)
	}
	if c.StopLossPercent <= 0 {
		return fmt.Errorf("stop_loss_percent must be positive, got %.2f", c.StopLossPercent)
	}
	if c.TrailingStopPercent <= 0 {
		return fmt.Errorf("trailing_stop_percent must be positive, got %.2f", c.TrailingStopPercent)
	}
	if c.TrailingArmPercent < c.TrailingStopPercent {
		return fmt.Errorf("trailing_arm_percent %.2f below trailing_stop_percent %.2f", c.TrailingArmPercent, c.TrailingStopPercent)
	}
	if c.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be positive, got %s", c.MaxDuration)
	}
	return nil
}

// Evaluation is the result of one risk pass over a position. Trailing is the
// updated trailing-stop state; the caller persists it onto the position so
// Evaluate itself stays side-effect free.
type Evaluation struct {
	Signal   Signal
	Reason   string
	PnLPct   float64
	Trailing position.TrailingStop
}

// Exit reports whether the evaluation demands the position be unwound.
func (e Evaluation) Exit() bool {
	return e.Signal != SignalNone
}

// Manager evaluates open positions against the configured thresholds.
type Manager struct {
	cfg    Config
	guard  *EquityGuard
	logger zerolog.Logger
}

// NewManager builds a risk manager. guard may be nil when the equity guard
// runs elsewhere.
func NewManager(cfg Config, guard *EquityGuard) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:    cfg,
		guard:  guard,
		logger: log.With().Str("component", "risk").Logger(),
	}, nil
}

// Config returns the thresholds in force.
func (m *Manager) Config() Config {
	return m.cfg
}

// Evaluate runs the fixed-priority risk checks for one position at the given
// price and time. The order is strict: equity guard halt, then stop loss,
// take profit, trailing stop, max duration. The first match wins and later
// checks are not consulted. Evaluate never mutates the position.
func (m *Manager) Evaluate(pos *position.DcaPosition, currentPrice float64, now time.Time) Evaluation {
	pnl := pos.UnrealizedPnLPercent(currentPrice)
	eval := Evaluation{
		Signal:   SignalNone,
		PnLPct:   pnl,
		Trailing: pos.Trailing,
	}

	if m.guard != nil && m.guard.Halted() {
		eval.Signal = SignalEquityGuardHalt
		eval.Reason = "daily loss limit reached"
		return eval
	}

	if pnl <= -pos.StopLossPct {
		eval.Signal = SignalStopLoss
		eval.Reason = fmt.Sprintf("pnl %.2f%% breached stop loss -%.2f%%", pnl, pos.StopLossPct)
		return eval
	}

	if pnl >= pos.TargetProfitPct {
		eval.Signal = SignalTakeProfit
		eval.Reason = fmt.Sprintf("pnl %.2f%% reached target %.2f%%", pnl, pos.TargetProfitPct)
		return eval
	}

	eval.Trailing = m.advanceTrailing(pos.Trailing, pnl)
	if eval.Trailing.Armed {
		drawdown := eval.Trailing.HighWaterMarkPct - pnl
		if drawdown >= m.cfg.TrailingStopPercent {
			eval.Signal = SignalTrailingStopExit
			eval.Reason = fmt.Sprintf("pnl %.2f%% fell %.2f%% from high water mark %.2f%%",
				pnl, drawdown, eval.Trailing.HighWaterMarkPct)
			return eval
		}
	}

	if pos.Age(now) >= m.cfg.MaxDuration {
		eval.Signal = SignalMaxDurationExit
		eval.Reason = fmt.Sprintf("position open %s, limit %s", pos.Age(now).Round(time.Minute), m.cfg.MaxDuration)
		return eval
	}

	return eval
}

// advanceTrailing arms the trailing stop once PnL reaches the arm threshold
// and ratchets the high water mark upward. It never disarms or lowers the
// mark.
func (m *Manager) advanceTrailing(state position.TrailingStop, pnl float64) position.TrailingStop {
	if !state.Armed {
		if pnl >= m.cfg.TrailingArmPercent {
			state.Armed = true
			state.HighWaterMarkPct = pnl
		}
		return state
	}
	if pnl > state.HighWaterMarkPct {
		state.HighWaterMarkPct = pnl
	}
	return state
}

// ===== VOLATILITY SCALING =====

// ScaledThresholds widens or tightens the stop loss and take profit for the
// ATR regime at entry. High volatility needs wider stops to survive noise,
// quiet markets get tighter ones.
func (c Config) ScaledThresholds(atrPercent float64) (stopLoss, takeProfit float64) {
	switch {
	case atrPercent >= 3.0:
		return c.StopLossPercent * 1.5, c.TakeProfitPercent * 2.0
	case atrPercent <= 0.5:
		return c.StopLossPercent * 0.7, c.TakeProfitPercent * 0.8
	default:
		return c.StopLossPercent, c.TakeProfitPercent
	}
}

// SizeAdjustment derates new-entry notional as the day's realized losses
// approach the daily limit: full size while the day is flat or green,
// shrinking linearly toward the floor as losses near the limit.
func (m *Manager) SizeAdjustment() float64 {
	if m.guard == nil || m.cfg.DailyLossLimitUSD <= 0 {
		return 1.0
	}
	realized := m.guard.RealizedUSD()
	if realized >= 0 {
		return 1.0
	}
	return ClampSizeAdjustment(1.0 + realized/m.cfg.DailyLossLimitUSD)
}

// ClampSizeAdjustment bounds a position size multiplier so a single bad
// input cannot blow past exposure planning.
func ClampSizeAdjustment(factor float64) float64 {
	if factor < 0.1 {
		return 0.1
	}
	if factor > 1.5 {
		return 1.5
	}
	return factor
}
