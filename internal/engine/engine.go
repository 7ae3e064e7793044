package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crypto-dca-engine/internal/exchange"
	"crypto-dca-engine/internal/grid"
	"crypto-dca-engine/internal/indicator"
	"crypto-dca-engine/internal/market"
	"crypto-dca-engine/internal/notification"
	"crypto-dca-engine/internal/position"
	"crypto-dca-engine/internal/risk"
	"crypto-dca-engine/internal/storage"
)

// Config drives the decision loop.
type Config struct {
	Pairs            []string
	Timeframe        string
	CandleCount      int
	DecisionCron     string
	MaxOpenPositions int
	StaleTickMaxAge  time.Duration
}

// TickSource provides the freshest streamed price per pair.
type TickSource interface {
	LastTick(pair string) (exchange.Tick, bool)
}

// Deps bundles everything the engine coordinates.
type Deps struct {
	Data         market.DataSource
	Prices       TickSource // optional
	Planner      *grid.Planner
	Risk         *risk.Manager
	Guard        *risk.EquityGuard // optional
	Validator    Approver
	Sentiment    SentimentGate
	Controller   *position.Controller
	Recorder     storage.DecisionRecorder
	Notifier     *notification.Manager
	IndicatorCfg indicator.Config
	RiskCfg      risk.Config
	ExchangeName string
}

// Engine runs independent decision cycles per trading pair on a shared cron
// schedule. One slow or failing pair never stalls the others.
type Engine struct {
	cfg          Config
	data         market.DataSource
	prices       TickSource
	planner      *grid.Planner
	risk         *risk.Manager
	riskCfg      risk.Config
	guard        *risk.EquityGuard
	validator    Approver
	sentiment    SentimentGate
	controller   *position.Controller
	recorder     storage.DecisionRecorder
	notifier     *notification.Manager
	indicatorCfg indicator.Config
	exchangeName string
	logger       zerolog.Logger

	runners    map[string]*pairRunner
	generation atomic.Uint64
	// openCount tracks non-terminal positions across pairs. Runners update
	// it so the read never races their position pointers.
	openCount atomic.Int64
}

// New assembles the engine. restored holds positions recovered from storage,
// keyed to their pairs by the engine.
func New(cfg Config, deps Deps, restored []*position.DcaPosition) (*Engine, error) {
	if len(cfg.Pairs) == 0 {
		return nil, fmt.Errorf("engine needs at least one pair")
	}
	if deps.Data == nil || deps.Planner == nil || deps.Risk == nil ||
		deps.Validator == nil || deps.Sentiment == nil || deps.Controller == nil {
		return nil, fmt.Errorf("engine dependencies incomplete")
	}
	if deps.Recorder == nil {
		deps.Recorder = storage.NoopRecorder{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notification.NewManager()
	}
	if cfg.StaleTickMaxAge <= 0 {
		cfg.StaleTickMaxAge = 30 * time.Second
	}

	eng := &Engine{
		cfg:          cfg,
		data:         deps.Data,
		prices:       deps.Prices,
		planner:      deps.Planner,
		risk:         deps.Risk,
		riskCfg:      deps.RiskCfg,
		guard:        deps.Guard,
		validator:    deps.Validator,
		sentiment:    deps.Sentiment,
		controller:   deps.Controller,
		recorder:     deps.Recorder,
		notifier:     deps.Notifier,
		indicatorCfg: deps.IndicatorCfg,
		exchangeName: deps.ExchangeName,
		logger:       log.With().Str("component", "engine").Logger(),
		runners:      make(map[string]*pairRunner),
	}

	byPair := make(map[string]*position.DcaPosition, len(restored))
	for _, pos := range restored {
		byPair[pos.Pair] = pos
	}
	for _, pair := range cfg.Pairs {
		eng.runners[pair] = newPairRunner(pair, eng, byPair[pair])
		if byPair[pair] != nil {
			eng.openCount.Add(1)
			eng.logger.Info().Str("pair", pair).Str("status", string(byPair[pair].Status)).
				Msg("Restored open position")
		}
	}
	return eng, nil
}

// Run starts the runners and the cron schedule, then blocks until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, runner := range e.runners {
		wg.Add(1)
		go func(r *pairRunner) {
			defer wg.Done()
			r.run(ctx)
		}(runner)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(e.cfg.DecisionCron, e.TriggerCycle); err != nil {
		return fmt.Errorf("bad decision cron spec %q: %w", e.cfg.DecisionCron, err)
	}
	scheduler.Start()

	e.logger.Info().
		Strs("pairs", e.cfg.Pairs).
		Str("cron", e.cfg.DecisionCron).
		Str("timeframe", e.cfg.Timeframe).
		Msg("Engine started")

	// Kick one immediate cycle so a restart resumes position management
	// without waiting for the first cron fire.
	e.TriggerCycle()

	<-ctx.Done()
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	wg.Wait()
	e.logger.Info().Msg("Engine stopped")
	return nil
}

// TriggerCycle fans a new decision generation out to every pair runner.
func (e *Engine) TriggerCycle() {
	t := trigger{
		generation: e.generation.Add(1),
		issuedAt:   time.Now(),
	}
	for _, runner := range e.runners {
		runner.offer(t)
	}
}

// openPositions counts non-terminal positions across pairs.
func (e *Engine) openPositions() int {
	return int(e.openCount.Load())
}

// slotAvailable reports whether another position may open.
func (e *Engine) slotAvailable() bool {
	return e.cfg.MaxOpenPositions <= 0 || e.openPositions() < e.cfg.MaxOpenPositions
}
