// Package redisstore holds the Redis-backed pieces of the service.
package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	callbackKeyPrefix = "callback:"
	processingPrefix  = "processing:"
	completedValue    = "done"
	DefaultReplayTTL  = 24 * time.Hour
)

var releaseClaimScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var completeClaimScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
	return 1
end
return 0
`)

// ReplayGuard claims gateway callbacks by payload digest so that concurrent
// deliveries of the same payload are not processed twice.
type ReplayGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewReplayGuard(client *redis.Client, ttl time.Duration) *ReplayGuard {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	return &ReplayGuard{client: client, ttl: ttl}
}

// Claim tries to take ownership of digest. It returns a non-empty token when the
// caller now owns the claim, inFlight when another delivery is still being
// processed, and neither when a previous delivery already completed.
func (g *ReplayGuard) Claim(ctx context.Context, digest string) (token string, inFlight bool, err error) {
	key := callbackKeyPrefix + digest
	token = processingPrefix + uuid.NewString()

	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim callback: %w", err)
	}
	if ok {
		return token, false, nil
	}

	current, err := g.client.Get(ctx, key).Result()
	switch {
	case err == redis.Nil:
		// The previous claim was released between SETNX and GET.
		return g.Claim(ctx, digest)
	case err != nil:
		return "", false, fmt.Errorf("read callback claim: %w", err)
	}
	return "", strings.HasPrefix(current, processingPrefix), nil
}

// Complete marks an owned claim as done and keeps it for the replay TTL.
func (g *ReplayGuard) Complete(ctx context.Context, digest, token string) error {
	key := callbackKeyPrefix + digest
	if err := completeClaimScript.Run(ctx, g.client, []string{key}, token, completedValue, g.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("complete callback claim: %w", err)
	}
	return nil
}

// Release drops an owned claim so the gateway can redeliver.
func (g *ReplayGuard) Release(ctx context.Context, digest, token string) error {
	key := callbackKeyPrefix + digest
	if err := releaseClaimScript.Run(ctx, g.client, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("release callback claim: %w", err)
	}
	return nil
}

func (g *ReplayGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}
