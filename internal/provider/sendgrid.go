package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	sendGridName        = "sendgrid"
	sendGridDefaultHost = "https://api.sendgrid.com"
)

// SendGridSender delivers email through the SendGrid v3 mail API.
type SendGridSender struct {
	client *sendgrid.Client
}

func NewSendGridSender(apiKey, host string) (*SendGridSender, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		host = sendGridDefaultHost
	}

	req := sendgrid.GetRequest(apiKey, "/v3/mail/send", host)
	req.Method = "POST"

	return &SendGridSender{client: &sendgrid.Client{Request: req}}, nil
}

func (s *SendGridSender) Name() string { return sendGridName }

func (s *SendGridSender) SendEmail(ctx context.Context, msg EmailMessage) (*ProviderResponse, error) {
	from := mail.NewEmail(msg.FromName, msg.FromEmail)
	to := mail.NewEmail(msg.ToName, msg.ToEmail)
	message := mail.NewSingleEmail(from, msg.Subject, to, msg.Text, msg.HTML)

	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return nil, &ProviderError{
			Message:   "sendgrid request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
		var messageID string
		if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
			messageID = ids[0]
		}
		return &ProviderResponse{
			StatusCode: response.StatusCode,
			Body:       response.Body,
			MessageID:  messageID,
		}, nil
	}

	return nil, &ProviderError{
		StatusCode: response.StatusCode,
		Message:    providerErrorMessage(response.StatusCode, response.Body),
		Reason:     reasonFromBody(response.Body),
		Transient:  isTransientHTTPStatus(response.StatusCode),
	}
}
