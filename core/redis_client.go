package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClientOptions configures the shared Redis client.
type RedisClientOptions struct {
	RedisURL  string
	Namespace string // Key namespace for organization
	Logger    Logger // Optional logger
}

// NewRedisClient parses the URL, connects, and verifies the connection.
// The returned client is shared by the queue, lease, idempotency and config
// stores; the namespace is applied by each store through FormatKey.
func NewRedisClient(opts RedisClientOptions) (*redis.Client, error) {
	if opts.RedisURL == "" {
		if opts.Logger != nil {
			opts.Logger.Error("Failed to initialize Redis client", map[string]interface{}{
				"error":      "Redis URL is required",
				"error_type": "ErrConfigInvalid",
			})
		}
		return nil, fmt.Errorf("redis URL is required: %w", ErrConfigInvalid)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		if opts.Logger != nil {
			opts.Logger.Error("Failed to parse Redis URL", map[string]interface{}{
				"error":      err,
				"error_type": fmt.Sprintf("%T", err),
				"redis_url":  opts.RedisURL,
			})
		}
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrConfigInvalid)
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if opts.Logger != nil {
			opts.Logger.Error("Failed to connect to Redis", map[string]interface{}{
				"error":      err,
				"error_type": fmt.Sprintf("%T", err),
				"namespace":  opts.Namespace,
			})
		}
		return nil, fmt.Errorf("failed to connect to Redis: %w", ErrTransient)
	}

	if opts.Logger != nil {
		opts.Logger.Info("Redis client connected", map[string]interface{}{
			"namespace": opts.Namespace,
		})
	}

	return client, nil
}

// FormatKey prefixes a key with a namespace.
func FormatKey(namespace, key string) string {
	if namespace == "" {
		return key
	}
	return namespace + ":" + key
}
