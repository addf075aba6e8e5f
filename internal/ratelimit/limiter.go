package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
)

// Limiter enforces the per-tenant hourly and daily consumption quota of a
// channel.
type Limiter interface {
	// Reserve counts up to n units against both windows and reports how many
	// were granted. When the decision is not Allowed nothing was counted.
	Reserve(ctx context.Context, tenantID string, channel domain.Channel, n int64) (domain.RateLimitDecision, error)
	// Release refunds units reserved in the current windows that were not used.
	Release(ctx context.Context, tenantID string, channel domain.Channel, n int64) error
	State(ctx context.Context, tenantID string, channel domain.Channel) (domain.RateLimitState, error)
}

// Throttle paces calls to a provider to a fixed per-second throughput.
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}

// PolicySource loads a stored policy. It returns domain.ErrNotFound when the
// tenant has none for the channel.
type PolicySource interface {
	GetPolicy(ctx context.Context, tenantID string, channel domain.Channel) (*domain.RateLimitPolicy, error)
}

// Defaults applies to tenants without a stored policy.
type Defaults struct {
	HourlyLimit      int64
	DailyLimit       int64
	SoftCapEnforced  bool
	WarningThreshold int
}

// Policies resolves the effective policy for a tenant and channel.
type Policies struct {
	source   PolicySource
	defaults Defaults
}

func NewPolicies(source PolicySource, defaults Defaults) *Policies {
	return &Policies{source: source, defaults: defaults}
}

func (p *Policies) Resolve(ctx context.Context, tenantID string, channel domain.Channel) (domain.RateLimitPolicy, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.RateLimitPolicy{}, fmt.Errorf("%w: tenant id is required", domain.ErrValidation)
	}
	if !channel.IsValid() {
		return domain.RateLimitPolicy{}, fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, channel)
	}

	fallback := domain.RateLimitPolicy{
		TenantID:         tenantID,
		Channel:          channel,
		HourlyLimit:      p.defaults.HourlyLimit,
		DailyLimit:       p.defaults.DailyLimit,
		SoftCapEnforced:  p.defaults.SoftCapEnforced,
		WarningThreshold: p.defaults.WarningThreshold,
	}
	if p.source == nil {
		return fallback, nil
	}

	stored, err := p.source.GetPolicy(ctx, tenantID, channel)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && stored == nil) {
		return fallback, nil
	}
	if err != nil {
		return domain.RateLimitPolicy{}, fmt.Errorf("failed to load rate limit policy: %w", err)
	}

	policy := *stored
	if policy.HourlyLimit < 0 {
		policy.HourlyLimit = 0
	}
	if policy.DailyLimit < 0 {
		policy.DailyLimit = 0
	}
	if policy.WarningThreshold <= 0 {
		policy.WarningThreshold = fallback.WarningThreshold
	}
	return policy, nil
}
