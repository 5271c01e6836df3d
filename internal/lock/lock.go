package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/quillhq/contextd/internal/pkg/errors"
)

const (
	defaultTTL  = 10 * time.Second
	defaultWait = 1 * time.Second
	defaultPoll = 50 * time.Millisecond
)

// releaseScript deletes the key only when it still holds our token, so an
// expired lock grabbed by someone else is never released by us.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// Mutex hands out redis-backed locks with a bounded wait. A lock that
// cannot be acquired within the wait window fails fast with ErrBusy.
type Mutex struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

func NewMutex(client *redis.Client) *Mutex {
	return &Mutex{
		client: client,
		ttl:    defaultTTL,
		wait:   defaultWait,
		poll:   defaultPoll,
	}
}

// Acquire polls until the lock is taken or the wait window runs out. The
// returned function releases the lock and is safe to call once.
func (m *Mutex) Acquire(ctx context.Context, key string) (func(context.Context), error) {
	token := uuid.NewString()
	deadline := time.Now().Add(m.wait)
	for {
		ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, appErr.ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.poll):
		}
	}
	release := func(ctx context.Context) {
		if err := m.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
			logutil.GetLogger(ctx).Warn("release lock failed",
				zap.String("key", key), zap.Error(err))
		}
	}
	return release, nil
}
