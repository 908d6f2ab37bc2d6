package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"autotrader/internal/market"
)

// Key formats
const (
	KeyIndicators  = "ind:%s:%s"  // symbol, timeframe
	KeyCorrelation = "corr:%s:%s" // symbol, bias symbol
)

// IndicatorCache stores the latest indicator set per (symbol, timeframe) and
// the per-symbol correlation to the bias asset. Reads are best effort: any
// failure is reported as a miss.
type IndicatorCache interface {
	SetIndicators(ctx context.Context, set *market.IndicatorSet) error
	GetIndicators(ctx context.Context, symbol, timeframe string) (*market.IndicatorSet, bool)
	GetIndicatorsMulti(ctx context.Context, keys []market.Key) map[market.Key]*market.IndicatorSet
	SetCorrelation(ctx context.Context, symbol, biasSymbol string, value float64) error
	GetCorrelation(ctx context.Context, symbol, biasSymbol string) (float64, bool)
}

// RedisIndicatorCache implements IndicatorCache on top of Service
type RedisIndicatorCache struct {
	svc            *Service
	indicatorTTL   time.Duration
	correlationTTL time.Duration
}

// NewRedisIndicatorCache creates a Redis-backed indicator cache
func NewRedisIndicatorCache(svc *Service, indicatorTTL, correlationTTL time.Duration) *RedisIndicatorCache {
	return &RedisIndicatorCache{
		svc:            svc,
		indicatorTTL:   indicatorTTL,
		correlationTTL: correlationTTL,
	}
}

func (c *RedisIndicatorCache) SetIndicators(ctx context.Context, set *market.IndicatorSet) error {
	return c.svc.Set(ctx, fmt.Sprintf(KeyIndicators, set.Symbol, set.Timeframe), set, c.indicatorTTL)
}

func (c *RedisIndicatorCache) GetIndicators(ctx context.Context, symbol, timeframe string) (*market.IndicatorSet, bool) {
	var set market.IndicatorSet
	if err := c.svc.GetJSON(ctx, fmt.Sprintf(KeyIndicators, symbol, timeframe), &set); err != nil {
		return nil, false
	}
	return &set, true
}

func (c *RedisIndicatorCache) GetIndicatorsMulti(ctx context.Context, keys []market.Key) map[market.Key]*market.IndicatorSet {
	out := make(map[market.Key]*market.IndicatorSet, len(keys))
	if len(keys) == 0 {
		return out
	}

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = fmt.Sprintf(KeyIndicators, k.Symbol, k.Timeframe)
	}

	values, err := c.svc.MGet(ctx, redisKeys...)
	if err != nil {
		return out
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok || raw == "" {
			continue
		}
		var set market.IndicatorSet
		if err := json.Unmarshal([]byte(raw), &set); err != nil {
			continue
		}
		out[keys[i]] = &set
	}
	return out
}

func (c *RedisIndicatorCache) SetCorrelation(ctx context.Context, symbol, biasSymbol string, value float64) error {
	return c.svc.Set(ctx, fmt.Sprintf(KeyCorrelation, symbol, biasSymbol),
		strconv.FormatFloat(value, 'f', -1, 64), c.correlationTTL)
}

func (c *RedisIndicatorCache) GetCorrelation(ctx context.Context, symbol, biasSymbol string) (float64, bool) {
	raw, err := c.svc.Get(ctx, fmt.Sprintf(KeyCorrelation, symbol, biasSymbol))
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// MemoryIndicatorCache is an in-process IndicatorCache used when Redis is
// disabled and in tests
type MemoryIndicatorCache struct {
	mu             sync.RWMutex
	sets           map[market.Key]*market.IndicatorSet
	correlations   map[string]memoryEntry
	correlationTTL time.Duration
	now            func() time.Time
}

type memoryEntry struct {
	value     float64
	expiresAt time.Time
}

// NewMemoryIndicatorCache creates an empty in-memory cache
func NewMemoryIndicatorCache(correlationTTL time.Duration) *MemoryIndicatorCache {
	return &MemoryIndicatorCache{
		sets:           make(map[market.Key]*market.IndicatorSet),
		correlations:   make(map[string]memoryEntry),
		correlationTTL: correlationTTL,
		now:            time.Now,
	}
}

func (c *MemoryIndicatorCache) SetIndicators(_ context.Context, set *market.IndicatorSet) error {
	if set == nil {
		return errors.New("nil indicator set")
	}
	cp := *set
	c.mu.Lock()
	c.sets[market.Key{Symbol: set.Symbol, Timeframe: set.Timeframe}] = &cp
	c.mu.Unlock()
	return nil
}

func (c *MemoryIndicatorCache) GetIndicators(_ context.Context, symbol, timeframe string) (*market.IndicatorSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.sets[market.Key{Symbol: symbol, Timeframe: timeframe}]
	if !ok {
		return nil, false
	}
	cp := *set
	return &cp, true
}

func (c *MemoryIndicatorCache) GetIndicatorsMulti(ctx context.Context, keys []market.Key) map[market.Key]*market.IndicatorSet {
	out := make(map[market.Key]*market.IndicatorSet, len(keys))
	for _, k := range keys {
		if set, ok := c.GetIndicators(ctx, k.Symbol, k.Timeframe); ok {
			out[k] = set
		}
	}
	return out
}

func (c *MemoryIndicatorCache) SetCorrelation(_ context.Context, symbol, biasSymbol string, value float64) error {
	c.mu.Lock()
	c.correlations[symbol+":"+biasSymbol] = memoryEntry{value: value, expiresAt: c.now().Add(c.correlationTTL)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryIndicatorCache) GetCorrelation(_ context.Context, symbol, biasSymbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.correlations[symbol+":"+biasSymbol]
	if !ok || (c.correlationTTL > 0 && c.now().After(e.expiresAt)) {
		return 0, false
	}
	return e.value, true
}

var (
	_ IndicatorCache = (*RedisIndicatorCache)(nil)
	_ IndicatorCache = (*MemoryIndicatorCache)(nil)
)
