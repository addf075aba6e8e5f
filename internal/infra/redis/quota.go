package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	hourSeconds = 3600
	daySeconds  = 86400
	quotaKeyTTL = 2 * daySeconds
)

// quotaScript resets a window whose id no longer matches the current one,
// then grants as much of n as both windows still hold and increments by the
// grant. The whole sequence runs atomically inside Redis. A zero limit is
// unlimited. Without enforcement the full request is granted.
//
// Returns {granted, hourly_used, daily_used, hourly_over, daily_over}.
var quotaScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local n = tonumber(ARGV[2])
local hourly = tonumber(ARGV[3])
local daily = tonumber(ARGV[4])
local enforce = tonumber(ARGV[5])
local hw = math.floor(now / 3600)
local dw = math.floor(now / 86400)

local vals = redis.call("HMGET", KEYS[1], "hour_window", "hour_used", "day_window", "day_used")
local hu = tonumber(vals[2]) or 0
local du = tonumber(vals[4]) or 0
if tonumber(vals[1]) ~= hw then hu = 0 end
if tonumber(vals[3]) ~= dw then du = 0 end

local hourOver = 0
local dayOver = 0
if hourly > 0 and hu + n > hourly then hourOver = 1 end
if daily > 0 and du + n > daily then dayOver = 1 end

local granted = n
if enforce == 1 then
  if hourly > 0 then granted = math.min(granted, math.max(hourly - hu, 0)) end
  if daily > 0 then granted = math.min(granted, math.max(daily - du, 0)) end
end
hu = hu + granted
du = du + granted

redis.call("HSET", KEYS[1], "hour_window", hw, "hour_used", hu, "day_window", dw, "day_used", du)
redis.call("EXPIRE", KEYS[1], ARGV[6])
return {granted, hu, du, hourOver, dayOver}
`)

// releaseScript refunds units, but only in windows that are still current.
var releaseScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local n = tonumber(ARGV[2])
local hw = math.floor(now / 3600)
local dw = math.floor(now / 86400)

local vals = redis.call("HMGET", KEYS[1], "hour_window", "hour_used", "day_window", "day_used")
if tonumber(vals[1]) == hw then
  redis.call("HSET", KEYS[1], "hour_used", math.max((tonumber(vals[2]) or 0) - n, 0))
end
if tonumber(vals[3]) == dw then
  redis.call("HSET", KEYS[1], "day_used", math.max((tonumber(vals[4]) or 0) - n, 0))
end
return 1
`)

var _ ratelimit.Limiter = (*QuotaLimiter)(nil)

// QuotaLimiter keeps hourly and daily consumption counters per tenant and
// channel in a Redis hash.
type QuotaLimiter struct {
	client   *goredis.Client
	policies *ratelimit.Policies
	now      func() time.Time
}

func NewQuotaLimiter(client *goredis.Client, policies *ratelimit.Policies) (*QuotaLimiter, error) {
	return newQuotaLimiter(client, policies, time.Now)
}

func newQuotaLimiter(client *goredis.Client, policies *ratelimit.Policies, nowFn func() time.Time) (*QuotaLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if policies == nil {
		policies = ratelimit.NewPolicies(nil, ratelimit.Defaults{SoftCapEnforced: true})
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &QuotaLimiter{client: client, policies: policies, now: nowFn}, nil
}

func (l *QuotaLimiter) Reserve(ctx context.Context, tenantID string, channel domain.Channel, n int64) (domain.RateLimitDecision, error) {
	if n < 0 {
		return domain.RateLimitDecision{}, fmt.Errorf("%w: reserve count must not be negative", domain.ErrValidation)
	}

	policy, err := l.policies.Resolve(ctx, tenantID, channel)
	if err != nil {
		return domain.RateLimitDecision{}, err
	}

	now := l.now().UTC()
	enforce := 0
	if policy.SoftCapEnforced {
		enforce = 1
	}

	res, err := quotaScript.Run(ctx, l.client, []string{quotaKey(policy.TenantID, channel)},
		now.Unix(), n, policy.HourlyLimit, policy.DailyLimit, enforce, quotaKeyTTL).Int64Slice()
	if err != nil {
		return domain.RateLimitDecision{}, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if len(res) != 5 {
		return domain.RateLimitDecision{}, fmt.Errorf("unexpected rate limit script result: %v", res)
	}

	hourOver, dayOver := res[3] == 1, res[4] == 1
	decision := domain.RateLimitDecision{
		Granted:    res[0],
		HourlyUsed: res[1],
		DailyUsed:  res[2],
	}
	decision.Allowed = decision.Granted > 0 || n == 0
	decision.OverLimit = decision.Granted == n && (hourOver || dayOver)
	decision.Warning = crossed(decision.HourlyUsed, policy.HourlyLimit, policy) ||
		crossed(decision.DailyUsed, policy.DailyLimit, policy)

	if decision.Granted < n {
		// The window that is exhausted after the grant decides when the rest
		// can go out.
		switch {
		case policy.DailyLimit > 0 && decision.DailyUsed >= policy.DailyLimit:
			decision.RetryAt = nextWindow(now, daySeconds)
			decision.Reason = limitReason(channel, "daily", policy.DailyLimit, decision.DailyUsed-decision.Granted, decision.Granted, n)
		default:
			decision.RetryAt = nextWindow(now, hourSeconds)
			decision.Reason = limitReason(channel, "hourly", policy.HourlyLimit, decision.HourlyUsed-decision.Granted, decision.Granted, n)
		}
	} else if decision.OverLimit {
		window, limit := "hourly", policy.HourlyLimit
		if dayOver {
			window, limit = "daily", policy.DailyLimit
		}
		decision.Reason = fmt.Sprintf("%s %s limit of %d exceeded without enforcement (%d requested)", channel, window, limit, n)
	}

	return decision, nil
}

func (l *QuotaLimiter) Release(ctx context.Context, tenantID string, channel domain.Channel, n int64) error {
	if n <= 0 {
		return nil
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id is required", domain.ErrValidation)
	}

	err := releaseScript.Run(ctx, l.client, []string{quotaKey(tenantID, channel)}, l.now().UTC().Unix(), n).Err()
	if err != nil {
		return fmt.Errorf("failed to release rate limit units: %w", err)
	}
	return nil
}

func (l *QuotaLimiter) State(ctx context.Context, tenantID string, channel domain.Channel) (domain.RateLimitState, error) {
	policy, err := l.policies.Resolve(ctx, tenantID, channel)
	if err != nil {
		return domain.RateLimitState{}, err
	}

	vals, err := l.client.HMGet(ctx, quotaKey(policy.TenantID, channel), "hour_window", "hour_used", "day_window", "day_used").Result()
	if err != nil {
		return domain.RateLimitState{}, fmt.Errorf("failed to read rate limit state: %w", err)
	}

	now := l.now().UTC()
	state := domain.RateLimitState{
		TenantID:         policy.TenantID,
		Channel:          channel,
		HourlyLimit:      policy.HourlyLimit,
		HourlyResetAt:    nextWindow(now, hourSeconds),
		DailyLimit:       policy.DailyLimit,
		DailyResetAt:     nextWindow(now, daySeconds),
		SoftCapEnforced:  policy.SoftCapEnforced,
		WarningThreshold: policy.WarningThreshold,
	}
	if hashInt(vals[0]) == now.Unix()/hourSeconds {
		state.HourlyUsed = max(hashInt(vals[1]), 0)
	}
	if hashInt(vals[2]) == now.Unix()/daySeconds {
		state.DailyUsed = max(hashInt(vals[3]), 0)
	}
	return state, nil
}

func limitReason(channel domain.Channel, window string, limit, usedBefore, granted, requested int64) string {
	switch {
	case requested > limit:
		return fmt.Sprintf("%s requested %d exceeds the %s limit of %d; %d granted", channel, requested, window, limit, granted)
	case granted == 0:
		return fmt.Sprintf("%s %s limit of %d reached (%d used)", channel, window, limit, usedBefore)
	default:
		return fmt.Sprintf("%s %s limit of %d leaves room for %d of %d requested", channel, window, limit, granted, requested)
	}
}

func quotaKey(tenantID string, channel domain.Channel) string {
	return fmt.Sprintf("ratelimit:%s:%s", tenantID, channel)
}

func crossed(used, limit int64, policy domain.RateLimitPolicy) bool {
	return limit > 0 && used >= policy.WarningAt(limit)
}

func nextWindow(now time.Time, size int64) time.Time {
	return time.Unix((now.Unix()/size+1)*size, 0).UTC()
}

func hashInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
