package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "transient provider error", err: &ProviderError{StatusCode: 503, Transient: true}, want: true},
		{name: "permanent provider error", err: &ProviderError{StatusCode: 400}, want: false},
		{name: "wrapped transient", err: fmt.Errorf("send: %w", &ProviderError{Transient: true}), want: true},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "rejected with reason",
			err:  &ProviderError{StatusCode: 400, Message: "provider returned status 400", Reason: "invalid recipient domain"},
			want: "Provider rejected: invalid recipient domain (status 400)",
		},
		{
			name: "throttled",
			err:  &ProviderError{StatusCode: 429, Reason: "slow down"},
			want: "Provider throttled the request: slow down (status 429)",
		},
		{
			name: "unavailable falls back to message",
			err:  &ProviderError{StatusCode: 502, Message: "provider returned status 502"},
			want: "Provider unavailable: provider returned status 502 (status 502)",
		},
		{
			name: "network failure",
			err:  &ProviderError{Message: "provider request failed", Cause: errors.New("connection refused"), Transient: true},
			want: "Provider unreachable: connection refused",
		},
		{
			name: "timeout",
			err:  fmt.Errorf("call: %w", context.DeadlineExceeded),
			want: "Provider call timed out",
		},
		{
			name: "other error",
			err:  errors.New("email channel is not configured"),
			want: "email channel is not configured",
		},
		{
			name: "nil",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Describe(tt.err); got != tt.want {
				t.Fatalf("Describe() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReasonFromBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body string
		want string
	}{
		{body: `{"message":"invalid recipient domain"}`, want: "invalid recipient domain"},
		{body: `{"error":{"message":"number is not reachable"}}`, want: "number is not reachable"},
		{body: `{"errors":[{"message":"The from address does not match a verified Sender Identity."}]}`, want: "The from address does not match a verified Sender Identity."},
		{body: `not json at all`, want: "not json at all"},
		{body: ``, want: ""},
		{body: strings.Repeat("x", 250), want: strings.Repeat("x", 200)},
	}

	for _, tt := range tests {
		if got := reasonFromBody(tt.body); got != tt.want {
			t.Errorf("reasonFromBody(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}
