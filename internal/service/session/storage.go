package session

import (
	"context"
	"fmt"

	"e2ee_messenger/internal/config"
	"e2ee_messenger/internal/repository/kv"
	kvmongo "e2ee_messenger/internal/repository/kv/mongo"
	kvredis "e2ee_messenger/internal/repository/kv/redis"
	kvsqlite "e2ee_messenger/internal/repository/kv/sqlite"
	"e2ee_messenger/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPrefix = "e2ee:"

// OpenStore builds the configured kv backend. The returned func releases it.
func OpenStore(ctx context.Context, cfg config.Storage) (kv.Store, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.Backend {
	case config.StorageMemory:
		return kv.NewMemoryStore(), noop, nil

	case config.StorageRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := kvredis.NewStore(rdb, redisPrefix)
		if err := store.Ping(ctx); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		log.Info("using redis storage", zap.String("addr", cfg.RedisAddr))
		return store, func(context.Context) error { return rdb.Close() }, nil

	case config.StorageMongo:
		db, disconnect, err := kvmongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		log.Info("using mongo storage", zap.String("database", cfg.MongoDatabase))
		return kvmongo.NewStore(db), disconnect, nil

	case config.StorageSQLite:
		store, err := kvsqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using sqlite storage", zap.String("path", cfg.SQLitePath))
		return store, func(context.Context) error { return store.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}
