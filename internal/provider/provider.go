package provider

import (
	"context"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
)

// ProviderResponse stores provider call metadata for audit and persistence.
type ProviderResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}

type EmailMessage struct {
	FromEmail string
	FromName  string
	ToEmail   string
	ToName    string
	Subject   string
	HTML      string
	Text      string
	// IdempotencyKey is forwarded to providers that deduplicate on their side.
	IdempotencyKey string
}

// EmailSender delivers a single email.
type EmailSender interface {
	Name() string
	SendEmail(ctx context.Context, msg EmailMessage) (*ProviderResponse, error)
}

type CallRequest struct {
	Mode          domain.VoiceMode
	AssistantID   string
	PhoneNumberID string
	ToPhone       string
	CustomerName  string
	// AudioURL carries synthesized speech in tts mode.
	AudioURL       string
	IdempotencyKey string
}

type SynthesisRequest struct {
	Text           string
	AssistantID    string
	IdempotencyKey string
}

// VoiceClient places outbound calls, either driven live by an assistant or
// playing pre-generated speech.
type VoiceClient interface {
	Name() string
	PlaceCall(ctx context.Context, req CallRequest) (*ProviderResponse, error)
	Synthesize(ctx context.Context, req SynthesisRequest) (string, error)
}

type PostRequest struct {
	AccountID      string
	Platform       string
	Text           string
	MediaURL       string
	IdempotencyKey string
}

// SocialClient publishes a post on a connected account.
type SocialClient interface {
	Name() string
	Publish(ctx context.Context, req PostRequest) (*ProviderResponse, error)
}
