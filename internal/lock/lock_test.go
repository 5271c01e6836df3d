package lock

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	appErr "github.com/quillhq/contextd/internal/pkg/errors"
)

func openTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping redis tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestMutexAcquireRelease(t *testing.T) {
	client := openTestRedis(t)
	mutex := NewMutex(client)
	ctx := context.Background()
	key := fmt.Sprintf("test:lock:%d", time.Now().UnixNano())

	release, err := mutex.Acquire(ctx, key)
	require.NoError(t, err)
	release(ctx)

	// released lock is immediately reacquirable
	release, err = mutex.Acquire(ctx, key)
	require.NoError(t, err)
	release(ctx)
}

func TestMutexBusy(t *testing.T) {
	client := openTestRedis(t)
	mutex := NewMutex(client)
	mutex.wait = 200 * time.Millisecond
	ctx := context.Background()
	key := fmt.Sprintf("test:lock:%d", time.Now().UnixNano())

	release, err := mutex.Acquire(ctx, key)
	require.NoError(t, err)
	defer release(ctx)

	_, err = mutex.Acquire(ctx, key)
	require.ErrorIs(t, err, appErr.ErrBusy)
}

func TestMutexReleaseIgnoresStolenLock(t *testing.T) {
	client := openTestRedis(t)
	mutex := NewMutex(client)
	ctx := context.Background()
	key := fmt.Sprintf("test:lock:%d", time.Now().UnixNano())

	release, err := mutex.Acquire(ctx, key)
	require.NoError(t, err)

	// simulate expiry plus takeover by another holder
	require.NoError(t, client.Set(ctx, key, "other-token", time.Minute).Err())
	release(ctx)
	val, err := client.Get(ctx, key).Result()
	require.NoError(t, err)
	require.Equal(t, "other-token", val)
	client.Del(ctx, key)
}
