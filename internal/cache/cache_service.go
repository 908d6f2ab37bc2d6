// Package cache provides the Redis-backed indicator cache with graceful degradation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"autotrader/config"
)

var (
	// ErrCacheUnavailable is returned while Redis is marked unhealthy
	ErrCacheUnavailable = errors.New("cache unavailable - redis is not healthy")

	// ErrMiss is returned when a key is not present
	ErrMiss = errors.New("cache miss")
)

// Service wraps a Redis client and stops calling it after repeated failures
// until a background ping succeeds again.
type Service struct {
	client       *redis.Client
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time
	logger       zerolog.Logger

	maxFailures   int
	checkInterval time.Duration
}

// NewService connects to Redis. A failed initial ping returns the service in
// degraded mode rather than an error.
func NewService(cfg config.RedisConfig, logger zerolog.Logger) *Service {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Service{
		client:        client,
		logger:        logger.With().Str("component", "cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Str("address", cfg.Address).Msg("Initial Redis connection failed, running degraded")
		s.lastCheck = time.Now()
		return s
	}

	s.healthy = true
	s.lastCheck = time.Now()
	s.logger.Info().Str("address", cfg.Address).Msg("Redis connected")
	return s
}

// IsHealthy returns whether Redis is currently considered available
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures {
		if s.healthy {
			s.logger.Warn().Int("failures", s.failureCount).Msg("Redis marked unhealthy")
		}
		s.healthy = false
		s.lastCheck = time.Now()
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		s.logger.Info().Msg("Redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

// checkHealth pings in the background when unhealthy and the check interval elapsed
func (s *Service) checkHealth() {
	s.mu.Lock()
	shouldCheck := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	if shouldCheck {
		s.lastCheck = time.Now()
	}
	s.mu.Unlock()

	if !shouldCheck {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.client.Ping(ctx).Err(); err == nil {
			s.recordSuccess()
		}
	}()
}

// Get returns the raw value for key
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	s.checkHealth()
	if !s.IsHealthy() {
		return "", ErrCacheUnavailable
	}

	result, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrMiss
		}
		s.recordFailure()
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	s.recordSuccess()
	return result, nil
}

// MGet returns the raw values for keys; missing keys yield nil entries
func (s *Service) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	s.checkHealth()
	if !s.IsHealthy() {
		return nil, ErrCacheUnavailable
	}

	result, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}

	s.recordSuccess()
	return result, nil
}

// Set stores value with a TTL, JSON-encoding anything that is not a string or bytes
func (s *Service) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	s.checkHealth()
	if !s.IsHealthy() {
		return ErrCacheUnavailable
	}

	var data string
	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		jsonData, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		data = string(jsonData)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// Delete removes key
func (s *Service) Delete(ctx context.Context, key string) error {
	s.checkHealth()
	if !s.IsHealthy() {
		return ErrCacheUnavailable
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// GetJSON reads key and unmarshals it into dest
func (s *Service) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (s *Service) Close() error {
	return s.client.Close()
}

// HealthCheck pings Redis
func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.recordFailure()
		return err
	}
	s.recordSuccess()
	return nil
}
