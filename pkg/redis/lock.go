package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/recallguard/recallguard/internal/audit"
	"github.com/recallguard/recallguard/pkg/errors"
)

// releaseScript deletes the lock key only if it still holds this owner's
// token, so an expired-and-reacquired lock is never released by the old owner.
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

const (
	lockKeyPrefix    = "recallguard:lock:"
	lockTTL          = 30 * time.Second
	lockRetryBackoff = 50 * time.Millisecond
)

// Lock provides per-key mutual exclusion backed by Redis SET NX with a TTL.
type Lock struct {
	client *Client
	log    *zap.Logger
}

// NewLock creates a distributed lock manager on the given client.
func NewLock(client *Client, log *zap.Logger) *Lock {
	return &Lock{
		client: client,
		log:    log.With(zap.String("module", "redis_lock")),
	}
}

var _ audit.Locker = (*Lock)(nil)

// Acquire takes the lock for key, waiting up to timeout. The returned handle
// must be released by the caller; the TTL bounds the damage of a crashed holder.
func (l *Lock) Acquire(ctx context.Context, key string, timeout time.Duration) (audit.Unlocker, error) {
	token := uuid.NewString()
	redisKey := lockKeyPrefix + key
	deadline := time.Now().Add(timeout)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, lockTTL).Result()
		if err != nil {
			return nil, errors.Wrap(err, "lock acquire failed")
		}
		if ok {
			return &lockHandle{lock: l, key: redisKey, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryBackoff):
		}
	}
}

type lockHandle struct {
	lock  *Lock
	key   string
	token string
}

// Release frees the lock if this handle still owns it.
func (h *lockHandle) Release(ctx context.Context) error {
	released, err := releaseScript.Run(ctx, h.lock.client, []string{h.key}, h.token).Int()
	if err != nil {
		h.lock.log.Error("failed to release lock",
			zap.String("key", h.key),
			zap.Error(err),
		)
		return errors.Wrap(err, "lock release failed")
	}
	if released == 0 {
		h.lock.log.Warn("lock already expired at release", zap.String("key", h.key))
	}
	return nil
}
