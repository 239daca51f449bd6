package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultCandidateTTL = 5 * time.Second
	defaultOpTimeout    = 150 * time.Millisecond
	candidateKeyPrefix  = "qc:assign:"
)

// AssignmentCache holds short-lived candidate lists for review assignment.
// It is advisory: every entry is re-validated against the store before use.
type AssignmentCache struct {
	client    *goredis.Client
	ttl       time.Duration
	opTimeout time.Duration
}

func NewAssignmentCache(client *goredis.Client, ttl, opTimeout time.Duration) (*AssignmentCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultCandidateTTL
	}
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}

	return &AssignmentCache{
		client:    client,
		ttl:       ttl,
		opTimeout: opTimeout,
	}, nil
}

// Candidates returns the cached list for key. A missing key yields an empty list.
func (c *AssignmentCache) Candidates(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	ids, err := c.client.LRange(ctx, candidateKey(key), 0, -1).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read assignment candidates: %w", err)
	}
	return ids, nil
}

// StoreCandidates replaces the list for key.
func (c *AssignmentCache) StoreCandidates(ctx context.Context, key string, ids []string) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	redisKey := candidateKey(key)
	_, err := c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, redisKey)
		if len(ids) == 0 {
			return nil
		}

		values := make([]any, 0, len(ids))
		for _, id := range ids {
			values = append(values, id)
		}
		pipe.RPush(ctx, redisKey, values...)
		pipe.PExpire(ctx, redisKey, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store assignment candidates: %w", err)
	}
	return nil
}

// Remove drops a single id from the list for key.
func (c *AssignmentCache) Remove(ctx context.Context, key, id string) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.client.LRem(ctx, candidateKey(key), 0, id).Err(); err != nil {
		return fmt.Errorf("failed to remove assignment candidate: %w", err)
	}
	return nil
}

func (c *AssignmentCache) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

func candidateKey(key string) string {
	return candidateKeyPrefix + strings.TrimSpace(key)
}
