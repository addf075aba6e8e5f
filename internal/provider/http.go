package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultHTTPTimeout = 15 * time.Second

// newRestyClient builds a client for a JSON provider API. Retries stay off;
// retry policy belongs to the job queue.
func newRestyClient(baseURL, apiKey string, timeout time.Duration) (*resty.Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("provider base url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid provider base url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	client := resty.New().
		SetBaseURL(trimmed).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")
	if key := strings.TrimSpace(apiKey); key != "" {
		client.SetAuthToken(key)
	}
	return client, nil
}

// postJSON sends body and classifies the result. A 2xx response is decoded
// into out when out is non-nil.
func postJSON(ctx context.Context, client *resty.Client, path, idempotencyKey string, body, out any) (*ProviderResponse, error) {
	req := client.R().SetContext(ctx).SetBody(body)
	if idempotencyKey != "" {
		req.SetHeader("Idempotency-Key", idempotencyKey)
	}
	if out != nil {
		req.SetResult(out)
	}

	response, err := req.Post(path)
	if err != nil {
		return nil, &ProviderError{
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &ProviderResponse{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  headerMessageID(response.Header()),
		}, nil
	}

	return nil, &ProviderError{
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, responseBody),
		Reason:     reasonFromBody(responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	if len(body) > 300 {
		body = body[:300]
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func headerMessageID(header http.Header) string {
	for _, key := range []string{"X-Message-Id", "X-Request-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(header.Get(key)); value != "" {
			return value
		}
	}
	return ""
}
