package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultCallsPerSec    int64 = 50
	backoffStep                 = 10 * time.Millisecond
	backoffMax                  = 50 * time.Millisecond
	throttleWindowSeconds       = 1
)

var throttleScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.Throttle = (*ProviderThrottle)(nil)

// ProviderThrottle caps outbound calls per provider per second across every
// worker process sharing the Redis instance.
type ProviderThrottle struct {
	client      *goredis.Client
	perSecond   int64
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	throttleLua *goredis.Script
}

func NewProviderThrottle(client *goredis.Client, perSecond int) (*ProviderThrottle, error) {
	return newProviderThrottle(client, int64(perSecond), time.Now, sleepWithContext)
}

func newProviderThrottle(
	client *goredis.Client,
	perSecond int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*ProviderThrottle, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if perSecond <= 0 {
		perSecond = defaultCallsPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &ProviderThrottle{
		client:      client,
		perSecond:   perSecond,
		now:         nowFn,
		sleep:       sleepFn,
		throttleLua: throttleScript,
	}, nil
}

// Allow takes one slot of the current second for provider.
func (t *ProviderThrottle) Allow(ctx context.Context, provider string) (bool, error) {
	if t == nil || t.client == nil {
		return false, fmt.Errorf("provider throttle is not initialized")
	}

	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return false, fmt.Errorf("provider is required")
	}

	key := fmt.Sprintf("throttle:%s:%d", provider, t.now().UTC().Unix())
	result, err := t.throttleLua.Run(ctx, t.client, []string{key}, t.perSecond, throttleWindowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate provider throttle: %w", err)
	}

	return result == 1, nil
}

// Wait blocks until provider has a free slot or ctx ends.
func (t *ProviderThrottle) Wait(ctx context.Context, provider string) error {
	backoff := backoffStep
	for {
		allowed, err := t.Allow(ctx, provider)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := t.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff = min(backoff+backoffStep, backoffMax)
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
