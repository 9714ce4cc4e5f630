package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV adapts a redis client to the pipeline's key-value contract.
// INCR, SET NX and DEL are atomic server-side, which is what the
// pipeline relies on for its concurrency guarantees.
type KV struct {
	client *redis.Client
}

// NewKV wraps client as a pipeline store.
func NewKV(client *redis.Client) *KV {
	return &KV{client: client}
}

func (k *KV) Incr(ctx context.Context, key string) (int64, error) {
	return k.client.Incr(ctx, key).Result()
}

func (k *KV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return k.client.Expire(ctx, key, ttl).Err()
}

func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := k.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (k *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return k.client.Set(ctx, key, value, ttl).Err()
}

func (k *KV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return k.client.SetNX(ctx, key, value, ttl).Result()
}

func (k *KV) Del(ctx context.Context, key string) error {
	return k.client.Del(ctx, key).Err()
}
