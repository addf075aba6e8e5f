package provider

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/campaign-engine/internal/config"
	"go.uber.org/zap"
)

// Registry holds the process-wide provider clients built from configuration.
// A nil entry means the provider has no credentials in this deployment.
type Registry struct {
	Email  map[string]EmailSender
	Voice  VoiceClient
	Social SocialClient
}

func NewRegistry(cfg config.Providers, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := &Registry{Email: make(map[string]EmailSender, 2)}

	if cfg.SendGridAPIKey != "" {
		sg, err := NewSendGridSender(cfg.SendGridAPIKey, cfg.SendGridBaseURL)
		if err != nil {
			return nil, err
		}
		reg.Email[sg.Name()] = WithEmailBreaker(sg, logger)
	}
	if cfg.MailgunAPIKey != "" || cfg.MailgunDomain != "" {
		mg, err := NewMailgunSender(cfg.MailgunDomain, cfg.MailgunAPIKey, "")
		if err != nil {
			return nil, err
		}
		reg.Email[mg.Name()] = WithEmailBreaker(mg, logger)
	}
	if cfg.VoiceAPIURL != "" {
		voice, err := NewHTTPVoiceClient(cfg.VoiceAPIURL, cfg.VoiceAPIKey, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		reg.Voice = WithVoiceBreaker(voice, logger)
	}
	if cfg.SocialAPIURL != "" {
		social, err := NewHTTPSocialClient(cfg.SocialAPIURL, cfg.SocialAPIKey, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		reg.Social = WithSocialBreaker(social, logger)
	}

	return reg, nil
}

// EmailSender returns the sender for the workspace's chosen provider, or the
// only configured one when the workspace did not choose.
func (r *Registry) EmailSender(name string) (EmailSender, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		if len(r.Email) == 1 {
			for _, sender := range r.Email {
				return sender, nil
			}
		}
		return nil, fmt.Errorf("no email provider selected")
	}

	sender, ok := r.Email[name]
	if !ok {
		return nil, fmt.Errorf("email provider %q has no credentials", name)
	}
	return sender, nil
}

// MissingCredentials names the environment settings a provider still needs.
func MissingCredentials(cfg config.Providers, provider string) []string {
	var missing []string
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case sendGridName:
		if cfg.SendGridAPIKey == "" {
			missing = append(missing, "SENDGRID_API_KEY")
		}
	case mailgunName:
		if cfg.MailgunAPIKey == "" {
			missing = append(missing, "MAILGUN_API_KEY")
		}
		if cfg.MailgunDomain == "" {
			missing = append(missing, "MAILGUN_DOMAIN")
		}
	case voiceName:
		if cfg.VoiceAPIURL == "" {
			missing = append(missing, "VOICE_API_URL")
		}
		if cfg.VoiceAPIKey == "" {
			missing = append(missing, "VOICE_API_KEY")
		}
	case socialName:
		if cfg.SocialAPIURL == "" {
			missing = append(missing, "SOCIAL_API_URL")
		}
		if cfg.SocialAPIKey == "" {
			missing = append(missing, "SOCIAL_API_KEY")
		}
	}
	return missing
}
