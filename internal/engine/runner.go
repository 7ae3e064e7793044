package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crypto-dca-engine/internal/consensus"
	"crypto-dca-engine/internal/grid"
	"crypto-dca-engine/internal/indicator"
	"crypto-dca-engine/internal/market"
	"crypto-dca-engine/internal/position"
	"crypto-dca-engine/internal/risk"
	"crypto-dca-engine/internal/sentiment"
	"crypto-dca-engine/internal/storage"
)

// Approver validates trade hypotheses before capital is committed.
type Approver interface {
	Validate(ctx context.Context, hyp consensus.TradeHypothesis) consensus.Verdict
}

// SentimentGate decides whether market sentiment permits new entries.
type SentimentGate interface {
	AllowEntry(ctx context.Context) (bool, sentiment.Reading)
}

// trigger is one decision-cycle request. Generation increases monotonically;
// runners drop triggers older than the newest one they have seen.
type trigger struct {
	generation uint64
	issuedAt   time.Time
}

// pairRunner owns all state for one trading pair. It is the single writer
// for its position; nothing else mutates it.
type pairRunner struct {
	pair     string
	eng      *Engine
	pos      *position.DcaPosition
	triggers chan trigger
	lastGen  uint64
	logger   zerolog.Logger
}

func newPairRunner(pair string, eng *Engine, restored *position.DcaPosition) *pairRunner {
	return &pairRunner{
		pair: pair,
		eng:  eng,
		pos:  restored,
		// Capacity 1: a pending trigger is superseded, never queued behind.
		triggers: make(chan trigger, 1),
		logger:   eng.logger.With().Str("pair", pair).Logger(),
	}
}

// offer hands the runner a trigger, replacing any stale one still queued.
func (r *pairRunner) offer(t trigger) {
	for {
		select {
		case r.triggers <- t:
			return
		default:
			select {
			case <-r.triggers:
			default:
			}
		}
	}
}

// run processes triggers until the context ends. A panic in one cycle is
// contained to this pair.
func (r *pairRunner) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.triggers:
			if t.generation < r.lastGen {
				continue
			}
			r.lastGen = t.generation
			if age := time.Since(t.issuedAt); age > r.eng.cfg.StaleTickMaxAge {
				r.logger.Debug().Dur("age", age).Msg("Discarding stale decision trigger")
				continue
			}
			r.cycle(ctx)
		}
	}
}

// cycle runs one full decision pass for the pair.
func (r *pairRunner) cycle(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("Decision cycle panicked")
		}
	}()

	series, err := r.eng.data.GetRecentCandles(ctx, r.pair, r.eng.cfg.Timeframe, r.eng.cfg.CandleCount)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Candle fetch failed, skipping cycle")
		return
	}

	snap, err := indicator.Compute(series, r.eng.indicatorCfg)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Indicator computation failed, skipping cycle")
		return
	}

	price, err := r.currentPrice(ctx, series)
	if err != nil {
		r.logger.Warn().Err(err).Msg("No usable price, skipping cycle")
		return
	}

	if r.pos == nil || r.pos.Terminal() {
		r.considerEntry(ctx, snap, price)
		return
	}
	r.managePosition(ctx, snap, price)
}

// currentPrice prefers a fresh stream tick over a REST round trip.
func (r *pairRunner) currentPrice(ctx context.Context, series *market.PriceSeries) (float64, error) {
	if r.eng.prices != nil {
		if tick, ok := r.eng.prices.LastTick(r.pair); ok && time.Since(tick.Time) <= r.eng.cfg.StaleTickMaxAge {
			return tick.Price, nil
		}
	}
	if price, err := r.eng.data.GetCurrentPrice(ctx, r.pair); err == nil {
		return price, nil
	}
	last, ok := series.Last()
	if !ok {
		return 0, fmt.Errorf("%w: no price for %s", market.ErrDataUnavailable, r.pair)
	}
	return last.Close, nil
}

// ===== ENTRY =====

func (r *pairRunner) considerEntry(ctx context.Context, snap *indicator.Snapshot, price float64) {
	if r.eng.guard != nil && r.eng.guard.Halted() {
		r.record(ctx, "open_position", "blocked", "equity guard halted", nil, nil)
		return
	}
	if !r.eng.slotAvailable() {
		return
	}
	if snap.OverallSignal != indicator.VoteBuy {
		return
	}
	if snap.Condition == indicator.ConditionSqueeze {
		// Compression phase: spacing would be too tight to matter. Wait
		// for the band expansion.
		return
	}

	allowed, reading := r.eng.sentiment.AllowEntry(ctx)
	if !allowed {
		r.record(ctx, "open_position", "blocked",
			fmt.Sprintf("sentiment gate: index %d (%s)", reading.Value, reading.Label), nil, nil)
		return
	}

	plan, err := r.eng.planner.Plan(snap)
	if err != nil {
		r.logger.Info().Err(err).Msg("No grid plan for entry")
		return
	}

	// Shrink the grid when the day's realized losses are eating into the
	// guard limit.
	if factor := r.eng.risk.SizeAdjustment(); factor < 1.0 {
		plan.Derate(factor)
		r.logger.Info().Float64("factor", factor).Msg("Grid size derated by daily PnL")
	}

	stopLoss, takeProfit := r.eng.riskCfg.ScaledThresholds(snap.ATRPercent)
	hyp := r.hypothesis(snap, price, reading, "open_position", 0, plan.Layers[0].NotionalUSD, stopLoss, takeProfit)

	verdict := r.eng.validator.Validate(ctx, hyp)
	r.recordVerdict(ctx, "open_position", hyp, verdict)
	if !verdict.Approved {
		return
	}

	pos, err := r.eng.controller.Open(ctx, plan, r.eng.exchangeName, takeProfit, stopLoss)
	if err != nil {
		r.logger.Error().Err(err).Msg("Position open failed")
		r.eng.notifier.SendError("Position open failed", fmt.Sprintf("%s: %v", r.pair, err))
		return
	}
	r.pos = pos
	r.eng.openCount.Add(1)
	r.eng.notifier.SendPositionOpened(r.pair, len(plan.Layers), plan.AnchorPrice, plan.TotalUSD, string(plan.Condition))
}

// ===== ACTIVE POSITION =====

func (r *pairRunner) managePosition(ctx context.Context, snap *indicator.Snapshot, price float64) {
	pos := r.pos

	if pos.Status == position.StatusClosing {
		// A previous cycle started the unwind and stopped partway; resume
		// it. The recorded reason decides the exit style.
		reason := pos.CloseReason
		if reason == "" {
			reason = "resume close"
		}
		urgent := reason == string(risk.SignalStopLoss) || reason == string(risk.SignalEquityGuardHalt)
		r.finishClose(ctx, reason, urgent, price)
		return
	}

	filledBefore := countFilled(pos)
	if err := r.eng.controller.SyncFills(ctx, pos); err != nil {
		r.logger.Warn().Err(err).Msg("Fill sync failed, skipping cycle")
		return
	}
	if filled := pos.FilledLayers(); len(filled) > filledBefore {
		for _, l := range filled[filledBefore:] {
			r.eng.notifier.SendLayerFilled(r.pair, l.Index, l.FilledPrice, l.FilledQuantity)
		}
	}

	eval := r.eng.risk.Evaluate(pos, price, time.Now())
	pos.Trailing = eval.Trailing
	if eval.Exit() {
		urgent := eval.Signal == risk.SignalStopLoss || eval.Signal == risk.SignalEquityGuardHalt
		r.exit(ctx, eval, urgent, price)
		return
	}

	// Regime change invalidates the unfilled part of the grid.
	if string(snap.Condition) != pos.Condition && pos.Status == position.StatusActive {
		r.recalibrate(ctx, snap)
		return
	}

	r.maybePlaceNextLayer(ctx, snap, price)
}

func (r *pairRunner) exit(ctx context.Context, eval risk.Evaluation, urgent bool, price float64) {
	pos := r.pos
	avgEntry := pos.AverageEntry()
	invested := pos.InvestedUSD()

	if err := r.eng.controller.Close(ctx, pos, string(eval.Signal), urgent, price); err != nil {
		r.logger.Error().Err(err).Str("signal", string(eval.Signal)).Msg("Position close failed")
		r.eng.notifier.SendError("Position close failed", fmt.Sprintf("%s: %v", r.pair, err))
		if pos.Terminal() {
			r.clearPosition()
		}
		return
	}

	pnlUSD := invested * eval.PnLPct / 100
	if r.eng.guard != nil {
		r.eng.guard.RecordPnL(ctx, pnlUSD)
		if r.eng.guard.Halted() {
			r.eng.notifier.SendRiskHalt(r.eng.guard.RealizedUSD(), r.eng.riskCfg.DailyLossLimitUSD)
		}
	}
	r.record(ctx, "close", "executed", eval.Reason, nil, nil)
	r.eng.notifier.SendPositionClosed(r.pair, avgEntry, price, pnlUSD, eval.PnLPct, eval.Reason)
	r.clearPosition()
}

func (r *pairRunner) finishClose(ctx context.Context, reason string, urgent bool, price float64) {
	if err := r.eng.controller.Close(ctx, r.pos, reason, urgent, price); err != nil {
		r.logger.Error().Err(err).Msg("Close retry failed")
		return
	}
	r.clearPosition()
}

func (r *pairRunner) clearPosition() {
	r.pos = nil
	r.eng.openCount.Add(-1)
}

func (r *pairRunner) recalibrate(ctx context.Context, snap *indicator.Snapshot) {
	pos := r.pos
	filled := make([]grid.Layer, 0, len(pos.Layers))
	for _, l := range pos.FilledLayers() {
		filled = append(filled, grid.Layer{
			Index:       l.Index,
			Price:       l.FilledPrice,
			Quantity:    l.FilledQuantity,
			NotionalUSD: l.FilledQuantity * l.FilledPrice,
		})
	}

	plan, err := r.eng.planner.Recalibrate(snap, filled, len(pos.PendingLayers()))
	if err != nil {
		r.logger.Info().Err(err).Msg("Recalibration produced no plan, keeping current grid")
		pos.Condition = string(snap.Condition)
		return
	}
	if err := r.eng.controller.Recalibrate(ctx, pos, plan); err != nil {
		r.logger.Error().Err(err).Msg("Recalibration failed")
		if pos.Terminal() {
			r.clearPosition()
		}
		return
	}
	r.record(ctx, "recalibrate", "executed",
		fmt.Sprintf("condition %s, spacing %.2f%%", snap.Condition, plan.SpacingPercent), nil, nil)
}

// maybePlaceNextLayer submits the next unsubmitted grid layer once the one
// above it has filled. Every submission gets its own consensus round.
func (r *pairRunner) maybePlaceNextLayer(ctx context.Context, snap *indicator.Snapshot, price float64) {
	pos := r.pos
	next := -1
	for i := range pos.Layers {
		l := &pos.Layers[i]
		if l.Status == position.LayerPending && l.OrderID == "" {
			next = i
			break
		}
		if l.Status == position.LayerPending {
			// An order is already resting on the book.
			return
		}
	}
	if next <= 0 {
		return
	}
	if pos.Layers[next-1].Status != position.LayerFilled {
		return
	}

	allowed, reading := r.eng.sentiment.AllowEntry(ctx)
	if !allowed {
		r.record(ctx, "add_layer", "blocked",
			fmt.Sprintf("sentiment gate: index %d (%s)", reading.Value, reading.Label), nil, nil)
		return
	}

	hyp := r.hypothesis(snap, price, reading, "add_layer", next, pos.Layers[next].NotionalUSD,
		pos.StopLossPct, pos.TargetProfitPct)
	verdict := r.eng.validator.Validate(ctx, hyp)
	r.recordVerdict(ctx, "add_layer", hyp, verdict)
	if !verdict.Approved {
		return
	}

	if err := r.eng.controller.PlaceLayer(ctx, pos, next); err != nil {
		r.logger.Error().Err(err).Int("layer", next).Msg("Layer placement failed")
	}
}

// ===== HELPERS =====

func (r *pairRunner) hypothesis(snap *indicator.Snapshot, price float64, reading sentiment.Reading,
	action string, layerIndex int, notionalUSD, stopLoss, takeProfit float64) consensus.TradeHypothesis {

	daily := 0.0
	if r.eng.guard != nil {
		daily = r.eng.guard.RealizedUSD()
	}
	return consensus.TradeHypothesis{
		Pair:            r.pair,
		Action:          action,
		Direction:       string(grid.DirectionLong),
		Price:           price,
		LayerIndex:      layerIndex,
		NotionalUSD:     notionalUSD,
		Condition:       string(snap.Condition),
		OverallSignal:   string(snap.OverallSignal),
		Confidence:      snap.Confidence,
		RSI:             snap.RSI,
		MACDHistogram:   snap.MACD.Histogram,
		ATRPercent:      snap.ATRPercent,
		ADX:             snap.ADX.ADX,
		FearGreedIndex:  reading.Value,
		FearGreedLabel:  reading.Label,
		OpenPositions:   r.eng.openPositions(),
		DailyPnLUSD:     daily,
		TargetProfitPct: takeProfit,
		StopLossPct:     stopLoss,
	}
}

func (r *pairRunner) recordVerdict(ctx context.Context, action string, hyp consensus.TradeHypothesis, verdict consensus.Verdict) {
	outcome := "rejected"
	if verdict.Approved {
		outcome = "executed"
	}
	hypJSON, _ := json.Marshal(hyp)
	votesJSON, _ := json.Marshal(verdict.Votes)
	r.record(ctx, action, outcome, verdict.Detail, hypJSON, votesJSON)
}

func (r *pairRunner) record(ctx context.Context, action, outcome, detail string, hyp, votes json.RawMessage) {
	rec := storage.DecisionRecord{
		Pair:       r.pair,
		Action:     action,
		Outcome:    outcome,
		Detail:     detail,
		Hypothesis: hyp,
		Votes:      votes,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.eng.recorder.AppendDecision(ctx, rec); err != nil {
		r.logger.Warn().Err(err).Msg("Decision record write failed")
	}
}

func countFilled(pos *position.DcaPosition) int {
	n := 0
	for _, l := range pos.Layers {
		if l.FilledQuantity > 0 {
			n++
		}
	}
	return n
}
