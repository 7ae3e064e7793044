package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Tick is one price update from the stream.
type Tick struct {
	Pair  string
	Price float64
	Time  time.Time
}

// PriceStream maintains a websocket subscription to miniTicker updates for a
// set of pairs and caches the last tick per pair. It reconnects with backoff
// until the context is cancelled.
type PriceStream struct {
	baseURL string
	pairs   []string
	logger  zerolog.Logger

	mu   sync.RWMutex
	last map[string]Tick
}

// NewPriceStream builds a stream for the given pairs. baseURL is the combined
// stream endpoint, e.g. wss://stream.binance.com:9443.
func NewPriceStream(baseURL string, pairs []string) *PriceStream {
	return &PriceStream{
		baseURL: baseURL,
		pairs:   pairs,
		logger:  log.With().Str("component", "price_stream").Logger(),
		last:    make(map[string]Tick),
	}
}

// LastTick returns the most recent tick seen for a pair.
func (s *PriceStream) LastTick(pair string) (Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tick, ok := s.last[strings.ToUpper(pair)]
	return tick, ok
}

// Run connects and pumps ticks until ctx is cancelled. Reconnects use capped
// exponential backoff.
func (s *PriceStream) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := s.connectAndPump(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("Stream disconnected, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// miniTickerEvent is the combined-stream envelope for <symbol>@miniTicker.
type miniTickerEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string  `json:"e"`
		EventTime int64   `json:"E"`
		Symbol    string  `json:"s"`
		Close     float64 `json:"c,string"`
	} `json:"data"`
}

func (s *PriceStream) connectAndPump(ctx context.Context) error {
	streams := make([]string, len(s.pairs))
	for i, pair := range s.pairs {
		streams[i] = strings.ToLower(pair) + "@miniTicker"
	}
	endpoint := fmt.Sprintf("%s/stream?streams=%s", s.baseURL, strings.Join(streams, "/"))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to dial stream: %w", err)
	}
	defer conn.Close()

	s.logger.Info().Int("pairs", len(s.pairs)).Msg("Price stream connected")

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("stream read failed: %w", err)
		}

		var event miniTickerEvent
		if err := json.Unmarshal(message, &event); err != nil || event.Data.Symbol == "" {
			continue
		}

		tick := Tick{
			Pair:  event.Data.Symbol,
			Price: event.Data.Close,
			Time:  time.UnixMilli(event.Data.EventTime),
		}

		s.mu.Lock()
		s.last[tick.Pair] = tick
		s.mu.Unlock()
	}
}
