package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const dialCheckTimeout = 2 * time.Second

// Client holds the Redis connection shared by gateway replicas. It backs the
// distributed rate limiter only; response payloads stay in process.
type Client struct {
	rdb *redis.Client
}

// NewRedis connects and verifies the server answers within a short deadline
// derived from ctx.
func NewRedis(ctx context.Context, addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, dialCheckTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", addr, err)
	}

	log.Debug().Str("component", "cache").Str("address", addr).Int("db", db).Msg("redis connected")
	return &Client{rdb: rdb}, nil
}

// Redis exposes the underlying client for the rate limiter.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Ping backs the health check's redis field.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
