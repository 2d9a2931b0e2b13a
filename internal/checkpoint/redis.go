package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/catalog-ingest-crawler/internal/catalog"
)

const redisKeyPrefix = "checkpoint:"

// Redis stores checkpoints as single string values so several runner hosts can
// share resume state. A SET replaces the whole document in one command.
type Redis struct {
	client    *redis.Client
	namespace string
	now       func() time.Time
}

// NewRedis constructs a Redis-backed checkpoint store. namespace separates
// catalogs sharing one Redis database.
func NewRedis(client *redis.Client, namespace string) *Redis {
	return &Redis{client: client, namespace: namespace, now: nowUTC}
}

func (r *Redis) key(flow catalog.Flow) string {
	if r.namespace == "" {
		return redisKeyPrefix + string(flow)
	}
	return fmt.Sprintf("%s%s:%s", redisKeyPrefix, r.namespace, flow)
}

// Load returns the stored checkpoint or (nil, nil) when none exists.
func (r *Redis) Load(ctx context.Context, flow catalog.Flow) (*catalog.Checkpoint, error) {
	data, err := r.client.Get(ctx, r.key(flow)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load %s checkpoint: %w", flow, err)
	}
	return decode(flow, data)
}

// Save overwrites the flow's checkpoint without expiry.
func (r *Redis) Save(ctx context.Context, flow catalog.Flow, cp *catalog.Checkpoint) error {
	data, err := encode(flow, cp, r.now())
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(flow), data, 0).Err(); err != nil {
		return fmt.Errorf("save %s checkpoint: %w", flow, err)
	}
	return nil
}

// IsComplete reports whether the flow's checkpoint is marked completed.
func (r *Redis) IsComplete(ctx context.Context, flow catalog.Flow) (bool, error) {
	cp, err := r.Load(ctx, flow)
	if err != nil {
		return false, err
	}
	return cp != nil && cp.Completed, nil
}

// Clear deletes the flow's checkpoint.
func (r *Redis) Clear(ctx context.Context, flow catalog.Flow) error {
	if err := r.client.Del(ctx, r.key(flow)).Err(); err != nil {
		return fmt.Errorf("clear %s checkpoint: %w", flow, err)
	}
	return nil
}

// Ping verifies connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}
