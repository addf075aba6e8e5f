package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/campaign-engine/internal/collab"
	"github.com/kursadbilgin/campaign-engine/internal/config"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/provider"
)

type EmailChannel struct {
	registry *provider.Registry
	creds    config.Providers
	leads    collab.LeadSource
}

func NewEmailChannel(registry *provider.Registry, creds config.Providers, leads collab.LeadSource) *EmailChannel {
	return &EmailChannel{registry: registry, creds: creds, leads: leads}
}

func (c *EmailChannel) Channel() domain.Channel { return domain.ChannelEmail }

// ProviderName returns the workspace's chosen provider, falling back to the
// only configured one.
func (c *EmailChannel) ProviderName(settings *domain.ChannelSettings) string {
	if settings != nil {
		if name := strings.ToLower(strings.TrimSpace(settings.Provider)); name != "" {
			return name
		}
	}
	if c.registry != nil && len(c.registry.Email) == 1 {
		for name := range c.registry.Email {
			return name
		}
	}
	return ""
}

func (c *EmailChannel) ValidateConfiguration(settings *domain.ChannelSettings) *domain.ConfigurationError {
	cfgErr := &domain.ConfigurationError{Channel: domain.ChannelEmail}
	if settings == nil || !settings.Connected {
		cfgErr.Missing = append(cfgErr.Missing, "connected email integration")
	}
	if settings == nil || strings.TrimSpace(settings.SenderEmail) == "" {
		cfgErr.Missing = append(cfgErr.Missing, "sender email")
	}

	name := c.ProviderName(settings)
	if name == "" {
		cfgErr.Missing = append(cfgErr.Missing, "email provider")
	} else if missing := provider.MissingCredentials(c.creds, name); len(missing) > 0 {
		cfgErr.Missing = append(cfgErr.Missing, missing...)
	} else if _, err := c.sender(name); err != nil {
		cfgErr.Reason = err.Error()
	}

	if len(cfgErr.Missing) == 0 && cfgErr.Reason == "" {
		return nil
	}
	return cfgErr
}

func (c *EmailChannel) ResolveRecipients(ctx context.Context, job *domain.Job, _ *domain.ChannelSettings) ([]domain.Recipient, error) {
	payload, ok := job.Payload.(domain.EmailBatchPayload)
	if !ok {
		return nil, fmt.Errorf("%w: email job carries %T", domain.ErrValidation, job.Payload)
	}
	return resolveLeads(ctx, c.leads, job, payload.LeadIDs, func(l domain.Lead) (string, string) {
		return strings.TrimSpace(l.Email), domain.SkipReasonMissingEmail
	})
}

func (c *EmailChannel) SendOne(ctx context.Context, req SendRequest) (Outcome, error) {
	sender, err := c.sender(c.ProviderName(req.Settings))
	if err != nil {
		return Outcome{}, err
	}

	resp, err := sender.SendEmail(ctx, provider.EmailMessage{
		FromEmail:      req.Settings.SenderEmail,
		FromName:       req.Settings.SenderName,
		ToEmail:        req.Recipient.Email,
		ToName:         req.Recipient.Name,
		Subject:        req.Content.Subject,
		HTML:           req.Content.HTMLBody,
		Text:           req.Content.TextBody,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: domain.OutboxStatusSent, ProviderMessageID: resp.MessageID}, nil
}

func (c *EmailChannel) sender(name string) (provider.EmailSender, error) {
	if c.registry == nil {
		return nil, fmt.Errorf("no email providers configured")
	}
	return c.registry.EmailSender(name)
}
