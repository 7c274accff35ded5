// Package cache keeps rendered record views in Redis and drops them when the
// workflow reports a change to the record.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"facilityops/api/internal/workflow"
)

// ViewCache stores the JSON body served for a record view.
type ViewCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewViewCache(client *redis.Client, ttl time.Duration, log *zap.Logger) *ViewCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &ViewCache{client: client, ttl: ttl, log: log}
}

func viewKey(key workflow.Key) string {
	return fmt.Sprintf("view:%s:%s:%s", key.Kind, key.TenantID, key.ID)
}

// genKey counts invalidations of a record. A view rendered under one
// generation is only stored while the counter still holds that value.
func genKey(key workflow.Key) string {
	return fmt.Sprintf("viewgen:%s:%s:%s", key.Kind, key.TenantID, key.ID)
}

// Get returns the cached body and whether it was present. Redis failures
// count as a miss.
func (c *ViewCache) Get(ctx context.Context, key workflow.Key) ([]byte, bool) {
	raw, err := c.client.Get(ctx, viewKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("view cache read failed", zap.String("key", key.String()), zap.Error(err))
		}
		return nil, false
	}
	return raw, true
}

// Generation reads the invalidation counter to pass to Set. It must be read
// before the view is rendered. ok is false when Redis cannot answer, in which
// case the caller skips Set.
func (c *ViewCache) Generation(ctx context.Context, key workflow.Key) (int64, bool) {
	gen, err := c.client.Get(ctx, genKey(key)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, true
	case err != nil:
		c.log.Warn("view cache generation read failed", zap.String("key", key.String()), zap.Error(err))
		return 0, false
	}
	return gen, true
}

// Set stores body unless the record was invalidated after gen was read.
func (c *ViewCache) Set(ctx context.Context, key workflow.Key, gen int64, body []byte) {
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey(key)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return errStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, viewKey(key), body, c.ttl)
			return nil
		})
		return err
	}, genKey(key))
	switch {
	case err == nil:
	case errors.Is(err, errStale), errors.Is(err, redis.TxFailedErr):
		c.log.Debug("view cache write skipped, record changed", zap.String("key", key.String()))
	default:
		c.log.Warn("view cache write failed", zap.String("key", key.String()), zap.Error(err))
	}
}

var errStale = errors.New("view generation changed")

// Invalidate bumps the generation and drops the stored view in one
// transaction.
func (c *ViewCache) Invalidate(ctx context.Context, key workflow.Key) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey(key))
		pipe.Del(ctx, viewKey(key))
		return nil
	})
	return err
}

// Observe drops the cached view on any committed change. Drafts of never
// published records are visible as provisional views, so edits count too.
func (c *ViewCache) Observe(ctx context.Context, ev workflow.Event) error {
	if err := c.Invalidate(ctx, ev.Key); err != nil {
		return fmt.Errorf("invalidate view %s: %w", ev.Key, err)
	}
	return nil
}
