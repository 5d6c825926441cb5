package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisQuoteCache keeps price lists as JSON under order_price:<rider> with an expiry.
type RedisQuoteCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisQuoteCache(client redis.Cmdable, ttl time.Duration) *RedisQuoteCache {
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	return &RedisQuoteCache{client: client, ttl: ttl}
}

func quoteKey(rider string) string { return "order_price:" + rider }

func (c *RedisQuoteCache) SetQuotes(ctx context.Context, rider string, quotes []Quote) error {
	payload, err := json.Marshal(quotes)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, quoteKey(rider), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("store quotes: %w", err)
	}
	return nil
}

func (c *RedisQuoteCache) IsQuoteValid(ctx context.Context, rider, fare string, price decimal.Decimal) (bool, error) {
	raw, err := c.client.Get(ctx, quoteKey(rider)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load quotes: %w", err)
	}
	var quotes []Quote
	if err := json.Unmarshal(raw, &quotes); err != nil {
		return false, fmt.Errorf("decode quotes: %w", err)
	}
	return matchQuote(quotes, fare, price), nil
}

// MemoryQuoteCache is the single-process QuoteCache.
type MemoryQuoteCache struct {
	mu      sync.RWMutex
	entries map[string]quoteEntry
	ttl     time.Duration
	now     func() time.Time
}

type quoteEntry struct {
	quotes  []Quote
	expires time.Time
}

func NewMemoryQuoteCache(ttl time.Duration) *MemoryQuoteCache {
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	return &MemoryQuoteCache{entries: make(map[string]quoteEntry), ttl: ttl, now: time.Now}
}

func (c *MemoryQuoteCache) SetQuotes(_ context.Context, rider string, quotes []Quote) error {
	cp := append([]Quote(nil), quotes...)
	c.mu.Lock()
	c.entries[rider] = quoteEntry{quotes: cp, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryQuoteCache) IsQuoteValid(_ context.Context, rider, fare string, price decimal.Decimal) (bool, error) {
	c.mu.RLock()
	e, ok := c.entries[rider]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if !c.now().Before(e.expires) {
		c.mu.Lock()
		delete(c.entries, rider)
		c.mu.Unlock()
		return false, nil
	}
	return matchQuote(e.quotes, fare, price), nil
}
