package storage

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"subscription-proxy/domain"
)

type backend interface {
	Read(ctx context.Context, typ, id string, opts domain.ReadOptions) (*domain.Record, error)
	Create(ctx context.Context, rec *domain.Record, pre domain.Preconditions) (*domain.Record, error)
	Update(ctx context.Context, rec *domain.Record, pre domain.Preconditions) (*domain.Record, error)
	Delete(ctx context.Context, typ, id, ifMatch string) error
	Search(ctx context.Context, typ string, params url.Values) (*domain.Bundle, error)
	History(ctx context.Context, typ, id string, opts domain.HistoryOptions) (*domain.Bundle, error)
	Operation(ctx context.Context, typ, id, name string, params json.RawMessage) (*domain.Record, error)
	Validate(ctx context.Context, rec *domain.Record, mode domain.Mode) error
}

// Cache wraps a local store with a Redis read-through cache of current
// versions. Writes refresh the cached copy, deletes evict it.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) Read(ctx context.Context, typ, id string, opts domain.ReadOptions) (*domain.Record, error) {
	if opts.Version != "" || opts.Summary != "" {
		return c.base.Read(ctx, typ, id, opts)
	}
	if rec, ok := c.load(ctx, typ, id); ok {
		return rec, nil
	}
	rec, err := c.base.Read(ctx, typ, id, opts)
	if err != nil {
		return nil, err
	}
	c.store(ctx, rec)
	return rec, nil
}

func (c *Cache) Create(ctx context.Context, rec *domain.Record, pre domain.Preconditions) (*domain.Record, error) {
	out, err := c.base.Create(ctx, rec, pre)
	if err != nil {
		return nil, err
	}
	c.store(ctx, out)
	return out, nil
}

func (c *Cache) Update(ctx context.Context, rec *domain.Record, pre domain.Preconditions) (*domain.Record, error) {
	out, err := c.base.Update(ctx, rec, pre)
	if err != nil {
		// The cached copy may be the stale side of a lost race.
		c.evict(ctx, rec.Type, rec.ID)
		return nil, err
	}
	c.store(ctx, out)
	return out, nil
}

func (c *Cache) Delete(ctx context.Context, typ, id, ifMatch string) error {
	if err := c.base.Delete(ctx, typ, id, ifMatch); err != nil {
		return err
	}
	c.evict(ctx, typ, id)
	return nil
}

func (c *Cache) Search(ctx context.Context, typ string, params url.Values) (*domain.Bundle, error) {
	return c.base.Search(ctx, typ, params)
}

func (c *Cache) History(ctx context.Context, typ, id string, opts domain.HistoryOptions) (*domain.Bundle, error) {
	return c.base.History(ctx, typ, id, opts)
}

func (c *Cache) Operation(ctx context.Context, typ, id, name string, params json.RawMessage) (*domain.Record, error) {
	return c.base.Operation(ctx, typ, id, name, params)
}

func (c *Cache) Validate(ctx context.Context, rec *domain.Record, mode domain.Mode) error {
	return c.base.Validate(ctx, rec, mode)
}

func (c *Cache) load(ctx context.Context, typ, id string) (*domain.Record, bool) {
	if c.redis == nil {
		return nil, false
	}
	key := recordCacheKey(typ, id)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var rec domain.Record
	if err := sonic.Unmarshal(data, &rec); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return &rec, true
}

func (c *Cache) store(ctx context.Context, rec *domain.Record) {
	if c.redis == nil || c.ttl == 0 || rec == nil {
		return
	}
	data, err := sonic.Marshal(rec)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, recordCacheKey(rec.Type, rec.ID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, typ, id string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, recordCacheKey(typ, id)).Result()
}

func recordCacheKey(typ, id string) string {
	return "rec:" + typ + "/" + id
}
