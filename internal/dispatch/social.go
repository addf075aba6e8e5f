package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/campaign-engine/internal/config"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/provider"
)

// SocialChannel publishes one post per connected account. Accounts without
// publishing rights get a pending_review entry and no provider call.
type SocialChannel struct {
	client provider.SocialClient
	creds  config.Providers
}

func NewSocialChannel(client provider.SocialClient, creds config.Providers) *SocialChannel {
	return &SocialChannel{client: client, creds: creds}
}

func (c *SocialChannel) Channel() domain.Channel { return domain.ChannelSocial }

func (c *SocialChannel) ProviderName(_ *domain.ChannelSettings) string {
	if c.client != nil {
		return c.client.Name()
	}
	return "social"
}

func (c *SocialChannel) ValidateConfiguration(settings *domain.ChannelSettings) *domain.ConfigurationError {
	cfgErr := &domain.ConfigurationError{Channel: domain.ChannelSocial}
	if settings == nil || !settings.Connected {
		cfgErr.Missing = append(cfgErr.Missing, "connected social account")
	}
	if settings == nil || strings.TrimSpace(settings.AccountID) == "" {
		cfgErr.Missing = append(cfgErr.Missing, "account id")
	}
	if settings != nil && settings.CanPost && c.client == nil {
		missing := provider.MissingCredentials(c.creds, "social")
		if len(missing) == 0 {
			cfgErr.Reason = "social provider client is not available"
		}
		cfgErr.Missing = append(cfgErr.Missing, missing...)
	}

	if len(cfgErr.Missing) == 0 && cfgErr.Reason == "" {
		return nil
	}
	return cfgErr
}

func (c *SocialChannel) ResolveRecipients(_ context.Context, job *domain.Job, settings *domain.ChannelSettings) ([]domain.Recipient, error) {
	payload, ok := job.Payload.(domain.SocialBatchPayload)
	if !ok {
		return nil, fmt.Errorf("%w: social job carries %T", domain.ErrValidation, job.Payload)
	}

	r := domain.Recipient{ID: payload.AccountID, Handle: payload.AccountID}
	if settings != nil && settings.Platform != "" {
		r.Name = settings.Platform
	}
	return []domain.Recipient{r}, nil
}

func (c *SocialChannel) SendOne(ctx context.Context, req SendRequest) (Outcome, error) {
	if !req.Settings.CanPost {
		return Outcome{Status: domain.OutboxStatusPendingReview}, nil
	}
	if c.client == nil {
		return Outcome{}, &domain.ConfigurationError{Channel: domain.ChannelSocial, Reason: "social provider client is not available"}
	}

	resp, err := c.client.Publish(ctx, provider.PostRequest{
		AccountID:      req.Recipient.ID,
		Platform:       req.Settings.Platform,
		Text:           req.Content.PostText,
		MediaURL:       req.Content.MediaURL,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: domain.OutboxStatusPosted, ProviderMessageID: resp.MessageID}, nil
}
