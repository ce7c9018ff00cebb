package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// GoRedis adapts a go-redis client to RedisClient.
type GoRedis struct {
	client *redis.Client
}

// Dial parses a redis:// or rediss:// URL, connects and pings the server.
func Dial(ctx context.Context, redisURL string) (*GoRedis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &GoRedis{client: client}, nil
}

func (g *GoRedis) Get(ctx context.Context, key string) (string, error) {
	val, err := g.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	return val, err
}

func (g *GoRedis) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return g.client.Set(ctx, key, value, ttl).Err()
}

func (g *GoRedis) Del(ctx context.Context, keys ...string) error {
	return g.client.Del(ctx, keys...).Err()
}

func (g *GoRedis) Close() error {
	return g.client.Close()
}
