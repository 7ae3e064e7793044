package risk

import (
	"context"
	"errors"
	"testing"
	"time"
)

// ============================================================================
// MOCK STORE
// ============================================================================

type mockGuardStore struct {
	state     GuardState
	hasState  bool
	loadErr   error
	saveCalls int
}

func (m *mockGuardStore) SaveGuardState(_ context.Context, state GuardState) error {
	m.state = state
	m.hasState = true
	m.saveCalls++
	return nil
}

func (m *mockGuardStore) LoadGuardState(_ context.Context) (GuardState, bool, error) {
	return m.state, m.hasState, m.loadErr
}

// ============================================================================
// TESTS
// ============================================================================

func TestGuardTripsAtLimit(t *testing.T) {
	g := NewEquityGuard(100, nil)
	ctx := context.Background()

	g.RecordPnL(ctx, -50)
	if g.Halted() {
		t.Fatal("halted before the limit")
	}

	g.RecordPnL(ctx, -60) // cumulative -110
	if !g.Halted() {
		t.Fatal("not halted past the limit")
	}
	if got := g.RealizedUSD(); got != -110 {
		t.Errorf("realized total = %.2f, want -110", got)
	}
}

func TestGuardProfitsOffsetLosses(t *testing.T) {
	g := NewEquityGuard(100, nil)
	ctx := context.Background()

	g.RecordPnL(ctx, -80)
	g.RecordPnL(ctx, 50)
	g.RecordPnL(ctx, -60) // cumulative -90, inside the limit

	if g.Halted() {
		t.Error("halted with losses inside the limit")
	}
}

func TestGuardClearHaltKeepsTotal(t *testing.T) {
	g := NewEquityGuard(100, nil)
	ctx := context.Background()

	g.RecordPnL(ctx, -150)
	if !g.Halted() {
		t.Fatal("not halted")
	}

	g.ClearHalt(ctx)
	if g.Halted() {
		t.Error("still halted after operator clear")
	}
	if got := g.RealizedUSD(); got != -150 {
		t.Errorf("clear reset the daily total to %.2f", got)
	}
}

func TestGuardZeroLimitNeverHalts(t *testing.T) {
	g := NewEquityGuard(0, nil)
	ctx := context.Background()

	g.RecordPnL(ctx, -1_000_000)
	if g.Halted() {
		t.Error("guard with zero limit halted")
	}
}

func TestGuardPersistsOnRecord(t *testing.T) {
	store := &mockGuardStore{}
	g := NewEquityGuard(100, store)

	g.RecordPnL(context.Background(), -150)

	if store.saveCalls != 1 {
		t.Fatalf("expected one save, got %d", store.saveCalls)
	}
	if !store.state.Halted || store.state.RealizedUSD != -150 {
		t.Errorf("persisted state wrong: %+v", store.state)
	}
}

func TestGuardRestoreSameDay(t *testing.T) {
	store := &mockGuardStore{
		state: GuardState{
			Day:         utcDay(time.Now()),
			RealizedUSD: -200,
			Halted:      true,
			HaltedAt:    time.Now().UTC(),
		},
		hasState: true,
	}
	g := NewEquityGuard(100, store)

	if err := g.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !g.Halted() {
		t.Error("restore dropped an active halt")
	}
	if g.RealizedUSD() != -200 {
		t.Errorf("restore dropped the daily total, got %.2f", g.RealizedUSD())
	}
}

func TestGuardRestoreStaleDayKeepsHaltDropsTotal(t *testing.T) {
	store := &mockGuardStore{
		state: GuardState{
			Day:         utcDay(time.Now().Add(-48 * time.Hour)),
			RealizedUSD: -200,
			Halted:      true,
		},
		hasState: true,
	}
	g := NewEquityGuard(100, store)

	if err := g.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !g.Halted() {
		t.Error("active halt must survive a restart across UTC days")
	}
	if g.RealizedUSD() != 0 {
		t.Errorf("stale daily total restored: %.2f", g.RealizedUSD())
	}
}

func TestGuardRestoreIgnoresStaleUntrippedState(t *testing.T) {
	store := &mockGuardStore{
		state: GuardState{
			Day:         utcDay(time.Now().Add(-48 * time.Hour)),
			RealizedUSD: -80,
		},
		hasState: true,
	}
	g := NewEquityGuard(100, store)

	if err := g.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if g.Halted() {
		t.Error("untripped stale state halted the guard")
	}
	if g.RealizedUSD() != 0 {
		t.Errorf("stale daily total restored: %.2f", g.RealizedUSD())
	}
}

func TestGuardRestorePropagatesStoreError(t *testing.T) {
	store := &mockGuardStore{loadErr: errors.New("redis down")}
	g := NewEquityGuard(100, store)

	if err := g.Restore(context.Background()); err == nil {
		t.Error("expected store error from Restore")
	}
}

func TestGuardDayRollover(t *testing.T) {
	ctx := context.Background()
	g := NewEquityGuard(100, nil)
	g.RecordPnL(ctx, -150)

	// Simulate the UTC day changing underneath a tripped guard.
	g.mu.Lock()
	g.state.Day = utcDay(time.Now().Add(-24 * time.Hour))
	g.mu.Unlock()

	if !g.Halted() {
		t.Error("halt must survive a UTC day rollover until the operator clears it")
	}
	if g.RealizedUSD() != 0 {
		t.Errorf("daily total survived rollover: %.2f", g.RealizedUSD())
	}

	g.ClearHalt(ctx)
	if g.Halted() {
		t.Error("operator clear did not lift the halt")
	}

	// A fresh day with no halt rolls cleanly.
	g.RecordPnL(ctx, -20)
	g.mu.Lock()
	g.state.Day = utcDay(time.Now().Add(-24 * time.Hour))
	g.mu.Unlock()
	if g.Halted() {
		t.Error("untripped guard halted after rollover")
	}
	if g.RealizedUSD() != 0 {
		t.Errorf("daily total survived second rollover: %.2f", g.RealizedUSD())
	}
}
