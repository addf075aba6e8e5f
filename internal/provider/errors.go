package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ProviderError classifies provider call failures as transient/permanent.
type ProviderError struct {
	StatusCode int
	Message    string
	// Reason is the provider's own explanation when the response carried one.
	Reason    string
	Transient bool
	Cause     error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "provider error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// Describe renders err as operator-facing text, e.g.
// "Provider rejected: invalid recipient domain (status 400)".
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return "Provider call timed out"
		}
		return err.Error()
	}

	reason := strings.TrimSpace(providerErr.Reason)
	if reason == "" {
		reason = strings.TrimSpace(providerErr.Message)
	}

	switch code := providerErr.StatusCode; {
	case code == http.StatusTooManyRequests:
		return fmt.Sprintf("Provider throttled the request: %s (status %d)", reason, code)
	case code >= http.StatusInternalServerError:
		return fmt.Sprintf("Provider unavailable: %s (status %d)", reason, code)
	case code >= http.StatusBadRequest:
		return fmt.Sprintf("Provider rejected: %s (status %d)", reason, code)
	}

	if providerErr.Cause != nil {
		if errors.Is(providerErr.Cause, context.DeadlineExceeded) {
			return "Provider call timed out"
		}
		return fmt.Sprintf("Provider unreachable: %s", providerErr.Cause.Error())
	}
	return fmt.Sprintf("Provider error: %s", reason)
}

// reasonFromBody pulls a human readable message out of a JSON error body.
func reasonFromBody(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		if len(body) > 200 {
			return body[:200]
		}
		return body
	}

	for _, key := range []string{"message", "error", "detail", "reason"} {
		switch v := payload[key].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		case map[string]any:
			if msg, ok := v["message"].(string); ok && strings.TrimSpace(msg) != "" {
				return strings.TrimSpace(msg)
			}
		}
	}

	// sendgrid: {"errors":[{"message":"..."}]}
	if list, ok := payload["errors"].([]any); ok && len(list) > 0 {
		if first, ok := list[0].(map[string]any); ok {
			if msg, ok := first["message"].(string); ok {
				return strings.TrimSpace(msg)
			}
		}
	}
	return ""
}
