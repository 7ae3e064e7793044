package sentiment

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newTestGate points a gate at a stub API returning the given index value.
func newTestGate(t *testing.T, value int, label string) (*FearGreedGate, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"data":[{"value":"%d","value_classification":"%s"}]}`, value, label)
	}))
	t.Cleanup(server.Close)

	g := NewFearGreedGate(DefaultConfig())
	g.endpoint = server.URL
	return g, server
}

func TestAllowEntryBlocksExtremeGreed(t *testing.T) {
	g, _ := newTestGate(t, 85, "Extreme Greed")

	allowed, reading := g.AllowEntry(context.Background())

	if allowed {
		t.Error("entry allowed during extreme greed")
	}
	if reading.Value != 85 || reading.Label != "Extreme Greed" {
		t.Errorf("reading = %+v", reading)
	}
}

func TestAllowEntryPermitsFear(t *testing.T) {
	g, _ := newTestGate(t, 25, "Extreme Fear")

	allowed, reading := g.AllowEntry(context.Background())

	if !allowed {
		t.Error("entry blocked during fear, which is when DCA wants to buy")
	}
	if reading.Value != 25 {
		t.Errorf("reading value = %d", reading.Value)
	}
}

func TestAllowEntryAtThresholdBoundary(t *testing.T) {
	// Exactly at the threshold is still allowed; only values above block.
	g, _ := newTestGate(t, 80, "Greed")

	if allowed, _ := g.AllowEntry(context.Background()); !allowed {
		t.Error("entry blocked at the threshold value itself")
	}
}

func TestAllowEntryDisabledGate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	g := NewFearGreedGate(cfg)
	g.endpoint = "http://127.0.0.1:1" // must never be called

	allowed, reading := g.AllowEntry(context.Background())

	if !allowed {
		t.Error("disabled gate blocked an entry")
	}
	if reading.Value != 50 {
		t.Errorf("disabled gate reading = %+v, want neutral 50", reading)
	}
}

func TestAllowEntryFailsOpen(t *testing.T) {
	g := NewFearGreedGate(DefaultConfig())
	g.endpoint = "http://127.0.0.1:1" // unreachable

	allowed, reading := g.AllowEntry(context.Background())

	if !allowed {
		t.Error("unreachable index blocked entries; the gate must fail open")
	}
	if reading.Value != 50 {
		t.Errorf("fallback reading = %+v, want neutral 50", reading)
	}
}

func TestCurrentUsesCacheWithinTTL(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		fmt.Fprint(w, `{"data":[{"value":"40","value_classification":"Fear"}]}`)
	}))
	t.Cleanup(server.Close)

	g := NewFearGreedGate(DefaultConfig())
	g.endpoint = server.URL
	ctx := context.Background()

	if _, err := g.Current(ctx); err != nil {
		t.Fatalf("first Current failed: %v", err)
	}
	if _, err := g.Current(ctx); err != nil {
		t.Fatalf("second Current failed: %v", err)
	}

	if calls != 1 {
		t.Errorf("API called %d times within the TTL, want 1", calls)
	}
}

func TestCurrentFallsBackToStaleCache(t *testing.T) {
	g := NewFearGreedGate(DefaultConfig())
	g.endpoint = "http://127.0.0.1:1" // refresh will fail
	g.cached = Reading{Value: 30, Label: "Fear", UpdatedAt: time.Now().Add(-time.Hour)}

	reading, err := g.Current(context.Background())
	if err != nil {
		t.Fatalf("stale cache should mask the fetch error: %v", err)
	}
	if reading.Value != 30 {
		t.Errorf("reading = %+v, want the stale cached value", reading)
	}
}

func TestCurrentRejectsMalformedPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	}))
	t.Cleanup(server.Close)

	g := NewFearGreedGate(DefaultConfig())
	g.endpoint = server.URL

	if _, err := g.Current(context.Background()); err == nil {
		t.Error("expected error for empty data payload")
	}
}
