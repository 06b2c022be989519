// Package kv is the fabric's KeyValue capability: a Redis-backed store
// supporting plain get/set-with-TTL for caching and idempotency, plus
// atomic server-side scripts for the flash-sale engine's
// reserve/release critical section.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyValue is the capability surface; concrete Lua scripts are
// registered by callers (internal/seckill) via NewScript and run
// through Eval, never assembled from separate Get/Set calls in a way
// that would reintroduce a race.
type KeyValue struct {
	Client *redis.Client
}

// New dials a Redis instance and verifies connectivity.
func New(addr string) (*KeyValue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &KeyValue{Client: client}, nil
}

func (kv *KeyValue) Close() error {
	return kv.Client.Close()
}

// Get returns (value, found, error). A cache miss is not an error.
func (kv *KeyValue) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := kv.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key with an optional ttl (0 = no expiry).
func (kv *KeyValue) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := kv.Client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// SetNX stores value under key only if absent, returning whether it
// was actually set. The distributed lock acquisition builds on this
// primitive; the fast idempotency path does not use it and writes its
// processed marker with a plain Set.
func (kv *KeyValue) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := kv.Client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv setnx %s: %w", key, err)
	}
	return ok, nil
}

// Del removes a key, tolerating its absence.
func (kv *KeyValue) Del(ctx context.Context, key string) error {
	if err := kv.Client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv del %s: %w", key, err)
	}
	return nil
}

// Eval runs a pre-registered script atomically against the given keys
// and args.
func (kv *KeyValue) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, kv.Client, keys, args...).Result()
}
