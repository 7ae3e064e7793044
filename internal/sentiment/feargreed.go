package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds sentiment gate configuration.
type Config struct {
	Enabled bool `json:"enabled"`
	// ExtremeGreedThreshold rejects new entries when the index exceeds it.
	ExtremeGreedThreshold int           `json:"extreme_greed_threshold"`
	CacheTTL              time.Duration `json:"cache_ttl"`
}

// DefaultConfig returns the shipped sentiment settings.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		ExtremeGreedThreshold: 80,
		CacheTTL:              15 * time.Minute,
	}
}

// Reading is one Fear & Greed index sample.
type Reading struct {
	Value     int       `json:"value"`
	Label     string    `json:"label"`
	UpdatedAt time.Time `json:"updated_at"`
}

// fearGreedResponse is the alternative.me payload.
type fearGreedResponse struct {
	Data []struct {
		Value               string `json:"value"`
		ValueClassification string `json:"value_classification"`
	} `json:"data"`
}

// FearGreedGate fetches the crypto Fear & Greed index and blocks new entries
// during extreme greed. Readings are cached; the index updates daily so a
// short TTL is plenty.
type FearGreedGate struct {
	cfg        Config
	endpoint   string
	httpClient *http.Client
	logger     zerolog.Logger

	mu     sync.RWMutex
	cached Reading
}

// NewFearGreedGate builds a gate against the alternative.me API.
func NewFearGreedGate(cfg Config) *FearGreedGate {
	return &FearGreedGate{
		cfg:        cfg,
		endpoint:   "https://api.alternative.me/fng/",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     log.With().Str("component", "sentiment").Logger(),
	}
}

// Current returns the cached reading, refreshing it when stale. A fetch
// failure with no cached value returns a neutral reading and an error so the
// caller decides whether to proceed.
func (g *FearGreedGate) Current(ctx context.Context) (Reading, error) {
	g.mu.RLock()
	cached := g.cached
	g.mu.RUnlock()

	if !cached.UpdatedAt.IsZero() && time.Since(cached.UpdatedAt) < g.cfg.CacheTTL {
		return cached, nil
	}

	reading, err := g.fetch(ctx)
	if err != nil {
		if !cached.UpdatedAt.IsZero() {
			g.logger.Warn().Err(err).Msg("Fear & Greed refresh failed, using cached reading")
			return cached, nil
		}
		return Reading{Value: 50, Label: "Neutral"}, err
	}

	g.mu.Lock()
	g.cached = reading
	g.mu.Unlock()
	return reading, nil
}

// AllowEntry reports whether sentiment permits opening a new position. The
// gate only blocks extreme greed; fear is when DCA entries are wanted. When
// the index cannot be fetched at all the gate stays open, the dual-AI
// validators still see the (neutral) reading.
func (g *FearGreedGate) AllowEntry(ctx context.Context) (bool, Reading) {
	if !g.cfg.Enabled {
		return true, Reading{Value: 50, Label: "Neutral"}
	}

	reading, err := g.Current(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Fear & Greed unavailable, not blocking entries")
		return true, reading
	}

	if reading.Value > g.cfg.ExtremeGreedThreshold {
		g.logger.Info().
			Int("index", reading.Value).
			Str("label", reading.Label).
			Int("threshold", g.cfg.ExtremeGreedThreshold).
			Msg("Entries blocked by extreme greed")
		return false, reading
	}
	return true, reading
}

func (g *FearGreedGate) fetch(ctx context.Context) (Reading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint, nil)
	if err != nil {
		return Reading{}, err
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Reading{}, fmt.Errorf("error fetching fear & greed index: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reading{}, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Reading{}, fmt.Errorf("fear & greed API error: %s", string(body))
	}

	var parsed fearGreedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Reading{}, fmt.Errorf("error parsing fear & greed response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return Reading{}, fmt.Errorf("empty fear & greed response")
	}

	value, err := strconv.Atoi(parsed.Data[0].Value)
	if err != nil {
		return Reading{}, fmt.Errorf("bad fear & greed value %q: %w", parsed.Data[0].Value, err)
	}

	return Reading{
		Value:     value,
		Label:     parsed.Data[0].ValueClassification,
		UpdatedAt: time.Now().UTC(),
	}, nil
}
