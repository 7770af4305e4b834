package redis

import (
	"context"
	"errors"

	"e2ee_messenger/internal/repository/kv"

	"github.com/redis/go-redis/v9"
)

type (
	// Store keeps every key under prefix so several clients can share one
	// redis database.
	Store struct {
		rdb    *redis.Client
		prefix string
	}
)

func NewStore(rdb *redis.Client, prefix string) *Store {
	return &Store{
		rdb:    rdb,
		prefix: prefix,
	}
}

func (r *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", kv.ErrNotFound
	}
	return v, err
}

func (r *Store) Set(ctx context.Context, key, value string) error {
	return r.rdb.Set(ctx, r.prefix+key, value, 0).Err()
}

func (r *Store) Remove(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.prefix+key).Err()
}

func (r *Store) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
