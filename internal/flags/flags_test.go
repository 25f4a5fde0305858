package flags_test

import (
	"context"
	"testing"
	"time"

	"github.com/kmansel/jobdispatch/internal/cache"
	"github.com/kmansel/jobdispatch/internal/flags"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisClient_Bool(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rdb := setupTestRedis(t)
	fc := flags.NewRedisClient(rdb)
	ctx := context.Background()

	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"on", true},
		{"enabled", true},
		{"false", false},
		{"0", false},
		{"off", false},
		{"garbage", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			require.NoError(t, rdb.Set(ctx, cache.FlagKey("test-flag"), tt.value, 0).Err())
			got, err := fc.Bool(ctx, "test-flag")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRedisClient_MissingKeyIsFalse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	fc := flags.NewRedisClient(setupTestRedis(t))

	got, err := fc.Bool(context.Background(), "never-set")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestRedisClient_UnreachableIsErrUnavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	fc := flags.NewRedisClient(rdb)

	_, err := fc.Bool(context.Background(), "any")
	assert.ErrorIs(t, err, flags.ErrUnavailable)
}

func TestStatic(t *testing.T) {
	s := flags.Static{"a": true}
	got, err := s.Bool(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = s.Bool(context.Background(), "b")
	require.NoError(t, err)
	assert.False(t, got)
}
