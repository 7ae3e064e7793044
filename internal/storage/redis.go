// Redis-backed shared state for the equity guard, shared between processes
// pointing at the same account. When Redis is unavailable it falls back to
// an in-memory copy so a cache outage never stops risk enforcement.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crypto-dca-engine/internal/risk"
)

const (
	guardStateKey = "dca:equity_guard"
	guardStateTTL = 48 * time.Hour
)

// RedisGuardStore persists equity guard state in Redis with an in-memory
// fallback.
type RedisGuardStore struct {
	client    *redis.Client
	available atomic.Bool
	logger    zerolog.Logger

	mu       sync.RWMutex
	fallback *risk.GuardState
}

// NewRedisGuardStore wraps a Redis client. A nil client gives memory-only
// operation.
func NewRedisGuardStore(client *redis.Client) *RedisGuardStore {
	store := &RedisGuardStore{
		client: client,
		logger: log.With().Str("component", "redis_guard").Logger(),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			store.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory guard state")
		} else {
			store.available.Store(true)
			store.logger.Info().Msg("Redis connected")
		}
	}
	return store
}

// SaveGuardState writes the state to Redis and always to the fallback copy.
func (s *RedisGuardStore) SaveGuardState(ctx context.Context, state risk.GuardState) error {
	s.mu.Lock()
	copied := state
	s.fallback = &copied
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal guard state: %w", err)
	}

	if err := s.client.Set(ctx, guardStateKey, payload, guardStateTTL).Err(); err != nil {
		if s.available.Swap(false) {
			s.logger.Warn().Err(err).Msg("Redis write failed, guard state held in memory only")
		}
		return nil
	}
	s.available.Store(true)
	return nil
}

// LoadGuardState reads the state back, preferring Redis over the fallback.
func (s *RedisGuardStore) LoadGuardState(ctx context.Context) (risk.GuardState, bool, error) {
	if s.client != nil {
		payload, err := s.client.Get(ctx, guardStateKey).Bytes()
		switch {
		case err == nil:
			var state risk.GuardState
			if err := json.Unmarshal(payload, &state); err != nil {
				return risk.GuardState{}, false, fmt.Errorf("failed to unmarshal guard state: %w", err)
			}
			s.available.Store(true)
			return state, true, nil
		case err == redis.Nil:
			return risk.GuardState{}, false, nil
		default:
			if s.available.Swap(false) {
				s.logger.Warn().Err(err).Msg("Redis read failed, using in-memory guard state")
			}
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fallback == nil {
		return risk.GuardState{}, false, nil
	}
	return *s.fallback, true, nil
}
