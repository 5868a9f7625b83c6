package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vaultflow/internal/models"
)

// QuoteCache stores quotes for their validity window. Implementations treat
// every failure as a miss.
type QuoteCache interface {
	Get(ctx context.Context, key string) (*models.BridgeQuote, bool)
	Set(ctx context.Context, key string, quote *models.BridgeQuote, ttl time.Duration)
}

type memoryEntry struct {
	quote     models.BridgeQuote
	expiresAt time.Time
}

// MemoryQuoteCache is a process-local QuoteCache
type MemoryQuoteCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryQuoteCache creates an empty in-process cache
func NewMemoryQuoteCache() *MemoryQuoteCache {
	return &MemoryQuoteCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryQuoteCache) Get(_ context.Context, key string) (*models.BridgeQuote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	q := e.quote
	return &q, true
}

func (c *MemoryQuoteCache) Set(_ context.Context, key string, quote *models.BridgeQuote, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	// drop expired entries so the map stays bounded by the quote rate
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = memoryEntry{quote: *quote, expiresAt: now.Add(ttl)}
}

const redisQuotePrefix = "vaultflow:quote:"

// RedisQuoteCache shares quotes between service instances
type RedisQuoteCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisQuoteCache creates a cache on top of an existing redis client
func NewRedisQuoteCache(client *redis.Client, logger *zap.Logger) *RedisQuoteCache {
	return &RedisQuoteCache{client: client, logger: logger.Named("quote-cache")}
}

func (c *RedisQuoteCache) Get(ctx context.Context, key string) (*models.BridgeQuote, bool) {
	raw, err := c.client.Get(ctx, redisQuotePrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Quote cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	var quote models.BridgeQuote
	if err := json.Unmarshal(raw, &quote); err != nil {
		c.logger.Warn("Discarding malformed cached quote", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &quote, true
}

func (c *RedisQuoteCache) Set(ctx context.Context, key string, quote *models.BridgeQuote, ttl time.Duration) {
	raw, err := json.Marshal(quote)
	if err != nil {
		c.logger.Warn("Quote cache encode failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, redisQuotePrefix+key, raw, ttl).Err(); err != nil {
		c.logger.Warn("Quote cache write failed", zap.String("key", key), zap.Error(err))
	}
}
