package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerSettings builds circuit breaker settings for one provider. Only
// transient failures count against the breaker; a permanent rejection of a
// single recipient says nothing about provider health.
func BreakerSettings(name string, logger *zap.Logger) gobreaker.Settings {
	if logger == nil {
		logger = zap.NewNop()
	}

	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
}

func execute[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T

	out, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, &ProviderError{
			Message:   fmt.Sprintf("%s circuit is open", cb.Name()),
			Reason:    "provider temporarily disabled after repeated failures",
			Transient: true,
			Cause:     err,
		}
	}
	if err != nil {
		return zero, err
	}

	result, ok := out.(T)
	if !ok {
		return zero, nil
	}
	return result, nil
}

type breakerEmailSender struct {
	inner EmailSender
	cb    *gobreaker.CircuitBreaker
}

// WithEmailBreaker guards sender with a circuit breaker.
func WithEmailBreaker(sender EmailSender, logger *zap.Logger) EmailSender {
	return &breakerEmailSender{
		inner: sender,
		cb:    gobreaker.NewCircuitBreaker(BreakerSettings(sender.Name(), logger)),
	}
}

func (b *breakerEmailSender) Name() string { return b.inner.Name() }

func (b *breakerEmailSender) SendEmail(ctx context.Context, msg EmailMessage) (*ProviderResponse, error) {
	return execute(b.cb, func() (*ProviderResponse, error) {
		return b.inner.SendEmail(ctx, msg)
	})
}

type breakerVoiceClient struct {
	inner VoiceClient
	cb    *gobreaker.CircuitBreaker
}

func WithVoiceBreaker(client VoiceClient, logger *zap.Logger) VoiceClient {
	return &breakerVoiceClient{
		inner: client,
		cb:    gobreaker.NewCircuitBreaker(BreakerSettings(client.Name(), logger)),
	}
}

func (b *breakerVoiceClient) Name() string { return b.inner.Name() }

func (b *breakerVoiceClient) PlaceCall(ctx context.Context, req CallRequest) (*ProviderResponse, error) {
	return execute(b.cb, func() (*ProviderResponse, error) {
		return b.inner.PlaceCall(ctx, req)
	})
}

func (b *breakerVoiceClient) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	return execute(b.cb, func() (string, error) {
		return b.inner.Synthesize(ctx, req)
	})
}

type breakerSocialClient struct {
	inner SocialClient
	cb    *gobreaker.CircuitBreaker
}

func WithSocialBreaker(client SocialClient, logger *zap.Logger) SocialClient {
	return &breakerSocialClient{
		inner: client,
		cb:    gobreaker.NewCircuitBreaker(BreakerSettings(client.Name(), logger)),
	}
}

func (b *breakerSocialClient) Name() string { return b.inner.Name() }

func (b *breakerSocialClient) Publish(ctx context.Context, req PostRequest) (*ProviderResponse, error) {
	return execute(b.cb, func() (*ProviderResponse, error) {
		return b.inner.Publish(ctx, req)
	})
}
