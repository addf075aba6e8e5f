package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/campaign-engine/internal/domain"
)

const voiceName = "voice"

type callCustomer struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
}

type callBody struct {
	Mode          string       `json:"mode"`
	AssistantID   string       `json:"assistantId,omitempty"`
	PhoneNumberID string       `json:"phoneNumberId"`
	Customer      callCustomer `json:"customer"`
	AudioURL      string       `json:"audioUrl,omitempty"`
}

type callResult struct {
	ID string `json:"id"`
}

type synthesisBody struct {
	Text        string `json:"text"`
	AssistantID string `json:"assistantId,omitempty"`
}

type synthesisResult struct {
	AudioURL string `json:"audioUrl"`
}

// HTTPVoiceClient talks to a JSON voice API: POST /call places a call and
// POST /tts synthesizes speech.
type HTTPVoiceClient struct {
	client *resty.Client
}

func NewHTTPVoiceClient(baseURL, apiKey string, timeout time.Duration) (*HTTPVoiceClient, error) {
	client, err := newRestyClient(baseURL, apiKey, timeout)
	if err != nil {
		return nil, fmt.Errorf("voice provider: %w", err)
	}
	return &HTTPVoiceClient{client: client}, nil
}

func (c *HTTPVoiceClient) Name() string { return voiceName }

func (c *HTTPVoiceClient) PlaceCall(ctx context.Context, req CallRequest) (*ProviderResponse, error) {
	if strings.TrimSpace(req.ToPhone) == "" {
		return nil, &ProviderError{Message: "call request has no phone number", Reason: "missing phone number"}
	}
	if req.Mode == domain.VoiceModeTTS && strings.TrimSpace(req.AudioURL) == "" {
		return nil, &ProviderError{Message: "tts call without audio", Reason: "no synthesized audio to play"}
	}

	var result callResult
	resp, err := postJSON(ctx, c.client, "/call", req.IdempotencyKey, callBody{
		Mode:          req.Mode.String(),
		AssistantID:   req.AssistantID,
		PhoneNumberID: req.PhoneNumberID,
		Customer:      callCustomer{Number: req.ToPhone, Name: req.CustomerName},
		AudioURL:      req.AudioURL,
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.ID != "" {
		resp.MessageID = result.ID
	}
	return resp, nil
}

func (c *HTTPVoiceClient) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", &ProviderError{Message: "nothing to synthesize", Reason: "voice script is empty"}
	}

	var result synthesisResult
	if _, err := postJSON(ctx, c.client, "/tts", req.IdempotencyKey, synthesisBody{
		Text:        req.Text,
		AssistantID: req.AssistantID,
	}, &result); err != nil {
		return "", err
	}
	if strings.TrimSpace(result.AudioURL) == "" {
		return "", &ProviderError{Message: "tts response has no audio url", Reason: "speech synthesis returned no audio", Transient: true}
	}
	return result.AudioURL, nil
}
