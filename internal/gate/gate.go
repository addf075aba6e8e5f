package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/campaign-engine/internal/collab"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"github.com/kursadbilgin/campaign-engine/internal/ratelimit"
	"go.uber.org/zap"
)

// Validator checks whether a channel can dispatch with the given settings and
// names the provider it would use.
type Validator interface {
	Channel() domain.Channel
	ProviderName(settings *domain.ChannelSettings) string
	ValidateConfiguration(settings *domain.ChannelSettings) *domain.ConfigurationError
}

// Gate answers two questions before anything is sent: is the channel
// integration ready, and is there quota left.
type Gate struct {
	settings   collab.SettingsSource
	validators map[domain.Channel]Validator
	limiter    ratelimit.Limiter
	metrics    *observability.Metrics
	logger     *zap.Logger
}

func New(
	settings collab.SettingsSource,
	limiter ratelimit.Limiter,
	metrics *observability.Metrics,
	logger *zap.Logger,
	validators ...Validator,
) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}

	byChannel := make(map[domain.Channel]Validator, len(validators))
	for _, v := range validators {
		byChannel[v.Channel()] = v
	}

	return &Gate{
		settings:   settings,
		validators: byChannel,
		limiter:    limiter,
		metrics:    metrics,
		logger:     logger,
	}
}

// Validate reports the readiness of each requested channel. It never writes.
func (g *Gate) Validate(ctx context.Context, tenantID, workspaceID string, channels []domain.Channel) ([]domain.IntegrationStatus, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(workspaceID) == "" {
		return nil, fmt.Errorf("%w: tenant and workspace are required", domain.ErrValidation)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: at least one channel is required", domain.ErrValidation)
	}

	statuses := make([]domain.IntegrationStatus, 0, len(channels))
	for _, ch := range channels {
		status := domain.IntegrationStatus{Name: ch}

		settings, provider, err := g.Check(ctx, tenantID, workspaceID, ch)
		status.Provider = provider
		status.Configured = settings != nil
		if err != nil {
			status.Error = err.Error()
		} else {
			status.Ready = true
		}

		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Check loads the channel settings and validates them. A channel that cannot
// dispatch yields a *domain.ConfigurationError naming what is missing.
func (g *Gate) Check(ctx context.Context, tenantID, workspaceID string, channel domain.Channel) (*domain.ChannelSettings, string, error) {
	validator, ok := g.validators[channel]
	if !ok {
		return nil, "", &domain.ConfigurationError{Channel: channel, Reason: "channel is not supported by this deployment"}
	}

	settings, err := g.settings.GetChannelSettings(ctx, tenantID, workspaceID, channel)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, "", &domain.ConfigurationError{
			Channel: channel,
			Missing: []string{channel.String() + " integration"},
			Reason:  "connect the integration in workspace settings",
		}
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load %s settings: %w", channel, err)
	}

	provider := validator.ProviderName(settings)
	if cfgErr := validator.ValidateConfiguration(settings); cfgErr != nil {
		return settings, provider, cfgErr
	}
	return settings, provider, nil
}

// Reserve takes up to n units of the tenant's channel quota. A decision that
// is not Allowed consumed nothing; an allowed one may grant fewer than n.
func (g *Gate) Reserve(ctx context.Context, tenantID string, channel domain.Channel, n int64) (domain.RateLimitDecision, error) {
	if g.limiter == nil || n == 0 {
		return domain.RateLimitDecision{Allowed: true, Granted: n}, nil
	}

	decision, err := g.limiter.Reserve(ctx, tenantID, channel, n)
	if err != nil {
		return domain.RateLimitDecision{}, err
	}
	if decision.Allowed && decision.Granted == 0 {
		decision.Granted = n
	}

	logger := observability.WithContextLogger(g.logger, ctx)
	switch {
	case !decision.Allowed:
		g.metrics.IncRateLimitBlocked(channel.String())
		logger.Warn("rate limit reached",
			zap.String("channel", channel.String()),
			zap.Int64("requested", n),
			zap.Time("retryAt", decision.RetryAt),
			zap.String("reason", decision.Reason),
		)
	case decision.Granted < n:
		g.metrics.IncRateLimitBlocked(channel.String())
		logger.Info("rate limit granted part of the batch",
			zap.String("channel", channel.String()),
			zap.Int64("requested", n),
			zap.Int64("granted", decision.Granted),
			zap.Time("retryAt", decision.RetryAt),
		)
	case decision.OverLimit:
		logger.Warn("rate limit exceeded without enforcement",
			zap.String("channel", channel.String()),
			zap.Int64("hourlyUsed", decision.HourlyUsed),
			zap.Int64("dailyUsed", decision.DailyUsed),
		)
	case decision.Warning:
		g.metrics.IncRateLimitWarning(channel.String())
		logger.Info("rate limit soft cap reached",
			zap.String("channel", channel.String()),
			zap.Int64("hourlyUsed", decision.HourlyUsed),
			zap.Int64("dailyUsed", decision.DailyUsed),
		)
	}

	return decision, nil
}

// Release refunds quota reserved for recipients that were never sent to.
func (g *Gate) Release(ctx context.Context, tenantID string, channel domain.Channel, n int64) {
	if g.limiter == nil || n <= 0 {
		return
	}
	if err := g.limiter.Release(ctx, tenantID, channel, n); err != nil {
		observability.WithContextLogger(g.logger, ctx).Warn("failed to release rate limit units",
			zap.String("channel", channel.String()),
			zap.Int64("units", n),
			zap.Error(err),
		)
	}
}

// Usage returns the current quota state of a channel.
func (g *Gate) Usage(ctx context.Context, tenantID string, channel domain.Channel) (domain.RateLimitState, error) {
	if g.limiter == nil {
		return domain.RateLimitState{TenantID: tenantID, Channel: channel}, nil
	}
	return g.limiter.State(ctx, tenantID, channel)
}
