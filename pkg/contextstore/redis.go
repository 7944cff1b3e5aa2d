package contextstore

import (
	"context"
	"errors"
	"time"

	"github.com/StricklySoft/cell-sts/pkg/clients/redis"
)

// Redis keeps entries in a shared redis so that every replica of a cell's
// STS sees the same call chains. Expiry is delegated to redis (SET EX).
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = (*Redis)(nil)

// NewRedis returns a redis-backed store. ttl <= 0 selects [DefaultTTL].
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(id string) string { return r.prefix + id }

// Get implements [Store].
func (r *Redis) Get(ctx context.Context, id string) (string, bool, error) {
	tok, err := r.client.Get(ctx, r.key(id))
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return tok, true, nil
}

// Put implements [Store].
func (r *Redis) Put(ctx context.Context, id, token string) error {
	return r.client.Set(ctx, r.key(id), token, r.ttl)
}

// ContainsKey implements [Store].
func (r *Redis) ContainsKey(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(id))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
