package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kursadbilgin/campaign-engine/internal/collab"
	"github.com/kursadbilgin/campaign-engine/internal/config"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
	"github.com/kursadbilgin/campaign-engine/internal/provider"
)

type VoiceChannel struct {
	client provider.VoiceClient
	creds  config.Providers
	leads  collab.LeadSource

	mu sync.Mutex
	// audio caches synthesized speech per campaign content version.
	audio map[string]string
}

// NewVoiceChannel accepts a nil client; the channel then reports itself as
// not configured.
func NewVoiceChannel(client provider.VoiceClient, creds config.Providers, leads collab.LeadSource) *VoiceChannel {
	return &VoiceChannel{client: client, creds: creds, leads: leads, audio: make(map[string]string)}
}

func (c *VoiceChannel) Channel() domain.Channel { return domain.ChannelVoice }

func (c *VoiceChannel) ProviderName(_ *domain.ChannelSettings) string {
	if c.client != nil {
		return c.client.Name()
	}
	return "voice"
}

func (c *VoiceChannel) ValidateConfiguration(settings *domain.ChannelSettings) *domain.ConfigurationError {
	cfgErr := &domain.ConfigurationError{Channel: domain.ChannelVoice}
	if settings == nil || !settings.Connected {
		cfgErr.Missing = append(cfgErr.Missing, "connected voice integration")
	}
	if settings == nil || strings.TrimSpace(settings.AssistantID) == "" {
		cfgErr.Missing = append(cfgErr.Missing, "assistant id")
	}
	if settings == nil || strings.TrimSpace(settings.PhoneNumberID) == "" {
		cfgErr.Missing = append(cfgErr.Missing, "phone number id")
	}
	if c.client == nil {
		missing := provider.MissingCredentials(c.creds, "voice")
		if len(missing) == 0 {
			cfgErr.Reason = "voice provider client is not available"
		}
		cfgErr.Missing = append(cfgErr.Missing, missing...)
	}

	if len(cfgErr.Missing) == 0 && cfgErr.Reason == "" {
		return nil
	}
	return cfgErr
}

func (c *VoiceChannel) ResolveRecipients(ctx context.Context, job *domain.Job, _ *domain.ChannelSettings) ([]domain.Recipient, error) {
	payload, ok := job.Payload.(domain.VoiceBatchPayload)
	if !ok {
		return nil, fmt.Errorf("%w: voice job carries %T", domain.ErrValidation, job.Payload)
	}
	return resolveLeads(ctx, c.leads, job, payload.LeadIDs, func(l domain.Lead) (string, string) {
		return strings.TrimSpace(l.Phone), domain.SkipReasonMissingPhone
	})
}

func (c *VoiceChannel) SendOne(ctx context.Context, req SendRequest) (Outcome, error) {
	if c.client == nil {
		return Outcome{}, &domain.ConfigurationError{Channel: domain.ChannelVoice, Reason: "voice provider client is not available"}
	}

	mode := voiceMode(req.Job, req.Settings)
	call := provider.CallRequest{
		Mode:           mode,
		AssistantID:    req.Settings.AssistantID,
		PhoneNumberID:  req.Settings.PhoneNumberID,
		ToPhone:        req.Recipient.Phone,
		CustomerName:   req.Recipient.Name,
		IdempotencyKey: req.IdempotencyKey,
	}
	if mode == domain.VoiceModeTTS {
		audioURL, err := c.synthesize(ctx, req)
		if err != nil {
			return Outcome{}, err
		}
		call.AudioURL = audioURL
	}

	resp, err := c.client.PlaceCall(ctx, call)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Status: domain.OutboxStatusCalled, ProviderMessageID: resp.MessageID}, nil
}

// synthesize generates the speech for a content version once and reuses it
// for every call of that version.
func (c *VoiceChannel) synthesize(ctx context.Context, req SendRequest) (string, error) {
	key := req.Content.CampaignID + ":" + req.Content.Version

	c.mu.Lock()
	defer c.mu.Unlock()

	if url, ok := c.audio[key]; ok {
		return url, nil
	}

	script := strings.TrimSpace(req.Content.VoiceScript)
	if script == "" {
		return "", fmt.Errorf("%w: campaign %s has no voice script", domain.ErrValidation, req.Content.CampaignID)
	}

	url, err := c.client.Synthesize(ctx, provider.SynthesisRequest{
		Text:           script,
		AssistantID:    req.Settings.AssistantID,
		IdempotencyKey: key,
	})
	if err != nil {
		return "", err
	}
	c.audio[key] = url
	return url, nil
}

func voiceMode(job *domain.Job, settings *domain.ChannelSettings) domain.VoiceMode {
	if payload, ok := job.Payload.(domain.VoiceBatchPayload); ok && payload.Mode.IsValid() {
		return payload.Mode
	}
	if settings != nil && settings.VoiceMode.IsValid() {
		return settings.VoiceMode
	}
	return domain.VoiceModeLive
}
