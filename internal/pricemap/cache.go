package pricemap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a Redis read-through, write-through layer over a Store.
type Cache struct {
	client *redis.Client
	next   Store
	ttl    time.Duration
	prefix string
}

// NewCache constructs a cache helper. A nil client turns it into a passthrough.
func NewCache(client *redis.Client, next Store, ttl time.Duration, prefix string) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if prefix == "" {
		prefix = "pricemap"
	}
	return &Cache{client: client, next: next, ttl: ttl, prefix: prefix}
}

// Key returns the Redis key of a product or variant map.
func (c *Cache) Key(productID, variantID int64) string {
	return fmt.Sprintf("%s:%d:%d", c.prefix, productID, variantID)
}

// Load returns the cached map, falling back to the underlying store on a miss.
func (c *Cache) Load(ctx context.Context, productID, variantID int64) (Map, error) {
	if c == nil {
		return Map{}, ErrNotFound
	}
	key := c.Key(productID, variantID)
	if c.client != nil {
		data, err := c.client.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			if m, decodeErr := Decode(data); decodeErr == nil {
				return m, nil
			}
		case !errors.Is(err, redis.Nil):
			return Map{}, err
		}
	}
	if c.next == nil {
		return Map{}, ErrNotFound
	}
	m, err := c.next.Load(ctx, productID, variantID)
	if err != nil {
		return Map{}, err
	}
	if err := c.set(ctx, key, m); err != nil {
		return Map{}, err
	}
	return m, nil
}

// Save writes through to the store and refreshes the cached copy.
func (c *Cache) Save(ctx context.Context, m Map) error {
	if c == nil {
		return nil
	}
	if c.next != nil {
		if err := c.next.Save(ctx, m); err != nil {
			return err
		}
	}
	return c.set(ctx, c.Key(m.ProductID, m.VariantID), m)
}

// Invalidate drops the cached copy of a map.
func (c *Cache) Invalidate(ctx context.Context, productID, variantID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.Key(productID, variantID)).Err()
}

func (c *Cache) set(ctx context.Context, key string, m Map) error {
	if c.client == nil {
		return nil
	}
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}
