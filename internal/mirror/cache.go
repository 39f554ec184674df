package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	cacheKeyPrefix = "nftescrow:mirror:deal:"
	cacheGenPrefix = "nftescrow:mirror:gen:"
	genTTL         = 24 * time.Hour
)

// Both keys of a deal share a hash slot so WATCH works on a cluster.
func cacheKey(id string) string { return cacheKeyPrefix + "{" + id + "}" }
func genKey(id string) string   { return cacheGenPrefix + "{" + id + "}" }

// CachedStore is a read-through Redis cache in front of another Store. Get
// is served from Redis when present. Every write bumps the deal's generation
// key and then deletes the cached row, after the underlying store commits.
// A read-through fill runs under WATCH on the generation key, so a fill
// that overlapped a write is dropped instead of caching the old row. Cache
// errors degrade to the inner store.
type CachedStore struct {
	Store
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore wraps inner with a Redis cache.
func NewCachedStore(inner Store, rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{Store: inner, rdb: rdb, ttl: ttl, logger: logger}
}

var _ Store = (*CachedStore)(nil)

func (c *CachedStore) Get(ctx context.Context, id string) (*Deal, error) {
	raw, err := c.rdb.Get(ctx, cacheKey(id)).Bytes()
	switch {
	case err == nil:
		var d Deal
		if jsonErr := json.Unmarshal(raw, &d); jsonErr == nil {
			return &d, nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("mirror cache read failed", "id", id, "error", err)
		return c.Store.Get(ctx, id)
	}

	var (
		d        *Deal
		storeErr error
	)
	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		if d, storeErr = c.Store.Get(ctx, id); storeErr != nil {
			return storeErr
		}
		b, err := json.Marshal(d)
		if err != nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, cacheKey(id), b, c.ttl)
			return nil
		})
		return err
	}, genKey(id))
	switch {
	case storeErr != nil:
		return nil, storeErr
	case d == nil:
		c.logger.Warn("mirror cache unavailable", "id", id, "error", err)
		return c.Store.Get(ctx, id)
	case errors.Is(err, redis.TxFailedErr):
		c.logger.Debug("mirror cache fill raced a write, skipped", "id", id)
	case err != nil:
		c.logger.Warn("mirror cache write failed", "id", id, "error", err)
	}
	return d, nil
}

func (c *CachedStore) Create(ctx context.Context, d *Deal, act *Activity) error {
	if err := c.Store.Create(ctx, d, act); err != nil {
		return err
	}
	c.invalidate(ctx, d.ID)
	return nil
}

func (c *CachedStore) Apply(ctx context.Context, id string, proof *Proof, fn MutateFunc) (*Deal, error) {
	d, err := c.Store.Apply(ctx, id, proof, fn)
	if err == nil {
		c.invalidate(ctx, id)
	}
	return d, err
}

// invalidate bumps the generation before deleting, so a fill that read
// the old row either fails its EXEC or lands before the delete.
func (c *CachedStore) invalidate(ctx context.Context, id string) {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, genKey(id))
		p.Expire(ctx, genKey(id), genTTL)
		p.Del(ctx, cacheKey(id))
		return nil
	})
	if err != nil {
		c.logger.Warn("mirror cache invalidation failed", "id", id, "error", err)
	}
}
