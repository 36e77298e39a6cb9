package redis

import (
	"context"

	"wisefido-chat/common/config"

	"github.com/go-redis/redis/v8"
)

// Client go-redis client alias
type Client = redis.Client

// NewRedisClient builds a client from config
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Ping checks connectivity
func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}
