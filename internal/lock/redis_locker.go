package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultLockTTL = 10 * time.Second
	backoffStep    = 10 * time.Millisecond
	backoffMax     = 100 * time.Millisecond
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ Locker = (*RedisLocker)(nil)

// RedisLocker is a distributed lock using SET NX PX with a per-holder token.
type RedisLocker struct {
	client *goredis.Client
	ttl    time.Duration
	logger *zap.Logger
	token  func() string
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRedisLocker(client *goredis.Client, ttl time.Duration, logger *zap.Logger) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisLocker{
		client: client,
		ttl:    ttl,
		logger: logger,
		token:  uuid.NewString,
		sleep:  sleepWithContext,
	}, nil
}

// TryLock makes a single acquisition attempt.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	token := l.token()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	return func() {
		// Release must succeed even when the caller's context is already done.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()

		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// Lock retries TryLock with linear backoff until acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	backoff := backoffStep
	for {
		release, err := l.TryLock(ctx, key)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}

		if err := l.sleep(ctx, backoff); err != nil {
			return nil, err
		}

		backoff += backoffStep
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
