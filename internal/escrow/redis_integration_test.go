//go:build integration

package escrow

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func redisTestClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	if url := os.Getenv("REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		require.NoError(t, err)
		return redis.NewClient(opts)
	}

	ctr, err := testcontainers.Run(ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")),
	)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	addr, err := ctr.Endpoint(ctx, "")
	require.NoError(t, err)
	return redis.NewClient(&redis.Options{Addr: addr})
}

func TestRedisStore_Integration(t *testing.T) {
	client := redisTestClient(t)
	defer client.Close()

	store := NewRedisStore(client)
	require.NoError(t, store.Ping(context.Background()))

	runStoreContract(t, func(t *testing.T) Store {
		require.NoError(t, client.FlushDB(context.Background()).Err())
		return store
	})
}
