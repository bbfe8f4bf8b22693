package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "pubsub:dedupe:"

// Redis keeps claims in Redis so that every consumer of a subscription shares
// them.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type RedisOption func(*Redis)

func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

func NewRedis(client redis.UniversalClient, ttl time.Duration, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: defaultPrefix,
		ttl:    ttl,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) Claim(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrEmptyID
	}
	ok, err := r.client.SetNX(ctx, r.prefix+id, claimValue, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe: claim %s: %w", id, err)
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}
	if err := r.client.Del(ctx, r.prefix+id).Err(); err != nil {
		return fmt.Errorf("dedupe: release %s: %w", id, err)
	}
	return nil
}
