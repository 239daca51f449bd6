// Package lock provides per-key critical sections for batch mutations.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	BackendRedis = "redis"
	BackendLocal = "local"
)

var ErrNotAcquired = errors.New("lock not acquired")

// Locker serializes work on a key. The returned release func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// BatchKey is the lock key guarding stats and decision writes for a batch.
func BatchKey(batchID string) string {
	return "qc:lock:batch:" + batchID
}

// New builds the Locker for backend. The local backend only serializes callers
// inside one process, so it is meant for single-replica deployments.
func New(backend string, client *goredis.Client, ttl time.Duration, logger *zap.Logger) (Locker, error) {
	switch backend {
	case BackendRedis, "":
		locker, err := NewRedisLocker(client, ttl, logger)
		if err != nil {
			return nil, err
		}
		return locker, nil
	case BackendLocal:
		return NewKeyedMutex(), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", backend)
	}
}
