package risk

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// GuardState is the persisted snapshot of the equity guard, shared across
// pair runners (and across processes when backed by redis).
type GuardState struct {
	Day         string    `json:"day"` // UTC date, YYYY-MM-DD
	RealizedUSD float64   `json:"realized_usd"`
	Halted      bool      `json:"halted"`
	HaltedAt    time.Time `json:"halted_at,omitempty"`
}

// GuardStore persists guard state so a restart mid-day cannot forget a halt.
type GuardStore interface {
	SaveGuardState(ctx context.Context, state GuardState) error
	LoadGuardState(ctx context.Context) (GuardState, bool, error)
}

// EquityGuard tracks realized PnL for the current UTC day and trips a global
// halt once losses exceed the daily limit. The halt stays up until an
// operator clears it or the UTC day rolls over.
type EquityGuard struct {
	mu       sync.RWMutex
	limitUSD float64
	state    GuardState
	store    GuardStore
	logger   zerolog.Logger
}

// NewEquityGuard builds a guard with the given daily loss limit. store may be
// nil for purely in-memory operation.
func NewEquityGuard(limitUSD float64, store GuardStore) *EquityGuard {
	return &EquityGuard{
		limitUSD: limitUSD,
		state:    GuardState{Day: utcDay(time.Now())},
		store:    store,
		logger:   log.With().Str("component", "equity_guard").Logger(),
	}
}

// Restore loads persisted state. Same-day state is restored in full; a stale
// day keeps only an active halt, since the halt outlives the day that
// tripped it.
func (g *EquityGuard) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	state, ok, err := g.store.LoadGuardState(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if state.Day != utcDay(time.Now()) {
		if !state.Halted {
			return nil
		}
		state = GuardState{
			Day:      utcDay(time.Now()),
			Halted:   true,
			HaltedAt: state.HaltedAt,
		}
	}
	g.mu.Lock()
	g.state = state
	g.mu.Unlock()
	if state.Halted {
		g.logger.Warn().Str("day", state.Day).Float64("realized_usd", state.RealizedUSD).
			Msg("Restored active equity guard halt")
	}
	return nil
}

// RecordPnL adds a realized trade result to the daily total and trips the
// halt when cumulative losses reach the limit. Profits offset losses.
func (g *EquityGuard) RecordPnL(ctx context.Context, realizedUSD float64) {
	g.mu.Lock()
	g.rollDayLocked(time.Now())
	g.state.RealizedUSD += realizedUSD
	tripped := false
	if !g.state.Halted && g.limitUSD > 0 && g.state.RealizedUSD <= -g.limitUSD {
		g.state.Halted = true
		g.state.HaltedAt = time.Now().UTC()
		tripped = true
	}
	snapshot := g.state
	g.mu.Unlock()

	if tripped {
		g.logger.Error().Float64("realized_usd", snapshot.RealizedUSD).
			Float64("limit_usd", g.limitUSD).
			Msg("Daily loss limit breached, halting all new entries")
	}
	g.persist(ctx, snapshot)
}

// Halted reports whether the guard is tripped. Rolls the day over first so a
// halt never outlives its UTC day.
func (g *EquityGuard) Halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(time.Now())
	return g.state.Halted
}

// RealizedUSD returns the running PnL total for the current day.
func (g *EquityGuard) RealizedUSD() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.RealizedUSD
}

// ClearHalt lifts the halt without resetting the daily total. Operator
// action only.
func (g *EquityGuard) ClearHalt(ctx context.Context) {
	g.mu.Lock()
	g.state.Halted = false
	g.state.HaltedAt = time.Time{}
	snapshot := g.state
	g.mu.Unlock()

	g.logger.Warn().Float64("realized_usd", snapshot.RealizedUSD).Msg("Equity guard halt cleared by operator")
	g.persist(ctx, snapshot)
}

// rollDayLocked resets the daily total when the UTC day changes. An active
// halt survives the roll; only the operator clears it. Caller holds the
// write lock.
func (g *EquityGuard) rollDayLocked(now time.Time) {
	day := utcDay(now)
	if g.state.Day == day {
		return
	}
	g.state = GuardState{
		Day:      day,
		Halted:   g.state.Halted,
		HaltedAt: g.state.HaltedAt,
	}
}

func (g *EquityGuard) persist(ctx context.Context, state GuardState) {
	if g.store == nil {
		return
	}
	if err := g.store.SaveGuardState(ctx, state); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to persist equity guard state")
	}
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
