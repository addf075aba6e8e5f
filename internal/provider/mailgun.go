package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mailgun/mailgun-go/v4"
)

const mailgunName = "mailgun"

// MailgunSender delivers email through the Mailgun messages API.
type MailgunSender struct {
	mg *mailgun.MailgunImpl
}

func NewMailgunSender(domain, apiKey, apiBase string) (*MailgunSender, error) {
	domain = strings.TrimSpace(domain)
	apiKey = strings.TrimSpace(apiKey)
	if domain == "" || apiKey == "" {
		return nil, fmt.Errorf("mailgun domain and api key are required")
	}

	mg := mailgun.NewMailgun(domain, apiKey)
	if base := strings.TrimSpace(apiBase); base != "" {
		mg.SetAPIBase(base)
	}
	return &MailgunSender{mg: mg}, nil
}

func (s *MailgunSender) Name() string { return mailgunName }

func (s *MailgunSender) SendEmail(ctx context.Context, msg EmailMessage) (*ProviderResponse, error) {
	from := msg.FromEmail
	if name := strings.TrimSpace(msg.FromName); name != "" {
		from = fmt.Sprintf("%s <%s>", name, msg.FromEmail)
	}

	message := s.mg.NewMessage(from, msg.Subject, msg.Text)
	if err := message.AddRecipient(msg.ToEmail); err != nil {
		return nil, &ProviderError{Message: "invalid mailgun recipient", Reason: err.Error(), Cause: err}
	}
	if msg.HTML != "" {
		message.SetHtml(msg.HTML)
	}
	if msg.IdempotencyKey != "" {
		message.AddHeader("X-Idempotency-Key", msg.IdempotencyKey)
	}

	body, id, err := s.mg.Send(ctx, message)
	if err != nil {
		status := mailgun.GetStatusFromErr(err)
		if status <= 0 {
			return nil, &ProviderError{
				Message:   "mailgun request failed",
				Transient: !errors.Is(err, context.Canceled),
				Cause:     err,
			}
		}
		return nil, &ProviderError{
			StatusCode: status,
			Message:    providerErrorMessage(status, ""),
			Reason:     err.Error(),
			Transient:  isTransientHTTPStatus(status),
			Cause:      err,
		}
	}

	return &ProviderResponse{
		StatusCode: 200,
		Body:       body,
		MessageID:  strings.Trim(id, "<>"),
	}, nil
}
