// Package flags reads boolean feature flags from an external key-value
// flag store. This service only reads flags; writing them is the flag
// service's concern.
package flags

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kmansel/jobdispatch/internal/cache"
	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when the flag store cannot be reached.
// Callers decide the fail-safe value; the routing policy falls back to
// the legacy backend.
var ErrUnavailable = errors.New("flag store unavailable")

// Client reads boolean feature flags.
type Client interface {
	Bool(ctx context.Context, name string) (bool, error)
}

// RedisClient reads flags from Redis keys of the form flag:<name>.
// Values true/1/on/enabled read as true; any other value or a missing
// key reads as false. Transport failures return ErrUnavailable.
type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

func (c *RedisClient) Bool(ctx context.Context, name string) (bool, error) {
	val, err := c.client.Get(ctx, cache.FlagKey(name)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "on", "enabled":
		return true, nil
	default:
		return false, nil
	}
}

// Static is a fixed flag set for tests and local development.
type Static map[string]bool

func (s Static) Bool(ctx context.Context, name string) (bool, error) {
	return s[name], nil
}
