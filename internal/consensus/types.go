package consensus

import (
	"time"
)

// Reason classifies why a validation passed or failed.
type Reason string

const (
	ReasonApproved    Reason = "approved"
	ReasonRejection   Reason = "agent_rejection"
	ReasonTimeout     Reason = "agent_timeout"
	ReasonTransport   Reason = "transport_error"
	ReasonUnavailable Reason = "consensus_unavailable"
)

// TradeHypothesis is the candidate action submitted for validation. It
// carries everything the agents see; the validator adds nothing.
type TradeHypothesis struct {
	Pair            string  `json:"pair"`
	Action          string  `json:"action"` // "open_position" or "add_layer"
	Direction       string  `json:"direction"`
	Price           float64 `json:"price"`
	LayerIndex      int     `json:"layer_index"`
	NotionalUSD     float64 `json:"notional_usd"`
	Condition       string  `json:"condition"`
	OverallSignal   string  `json:"overall_signal"`
	Confidence      float64 `json:"confidence"`
	RSI             float64 `json:"rsi"`
	MACDHistogram   float64 `json:"macd_histogram"`
	ATRPercent      float64 `json:"atr_percent"`
	ADX             float64 `json:"adx"`
	FearGreedIndex  int     `json:"fear_greed_index"`
	FearGreedLabel  string  `json:"fear_greed_label"`
	OpenPositions   int     `json:"open_positions"`
	DailyPnLUSD     float64 `json:"daily_pnl_usd"`
	TargetProfitPct float64 `json:"target_profit_pct"`
	StopLossPct     float64 `json:"stop_loss_pct"`
}

// AgentVerdict is one agent's answer to a hypothesis.
type AgentVerdict struct {
	AgentID    string        `json:"agent_id"`
	Approve    bool          `json:"approve"`
	Confidence float64       `json:"confidence"`
	Rationale  string        `json:"rationale"`
	Latency    time.Duration `json:"latency"`
	Err        error         `json:"-"`
}

// Verdict is the combined outcome of a validation round.
type Verdict struct {
	Approved bool           `json:"approved"`
	Reason   Reason         `json:"reason"`
	Detail   string         `json:"detail"`
	Votes    []AgentVerdict `json:"votes"`
	Elapsed  time.Duration  `json:"elapsed"`
}
