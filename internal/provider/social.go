package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const socialName = "social"

type postBody struct {
	AccountID string `json:"accountId"`
	Platform  string `json:"platform"`
	Text      string `json:"text"`
	MediaURL  string `json:"mediaUrl,omitempty"`
}

type postResult struct {
	ID string `json:"id"`
}

// HTTPSocialClient publishes through a JSON social API at POST /posts.
type HTTPSocialClient struct {
	client *resty.Client
}

func NewHTTPSocialClient(baseURL, apiKey string, timeout time.Duration) (*HTTPSocialClient, error) {
	client, err := newRestyClient(baseURL, apiKey, timeout)
	if err != nil {
		return nil, fmt.Errorf("social provider: %w", err)
	}
	return &HTTPSocialClient{client: client}, nil
}

func (c *HTTPSocialClient) Name() string { return socialName }

func (c *HTTPSocialClient) Publish(ctx context.Context, req PostRequest) (*ProviderResponse, error) {
	var result postResult
	resp, err := postJSON(ctx, c.client, "/posts", req.IdempotencyKey, postBody{
		AccountID: req.AccountID,
		Platform:  req.Platform,
		Text:      req.Text,
		MediaURL:  req.MediaURL,
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.ID != "" {
		resp.MessageID = result.ID
	}
	return resp, nil
}
