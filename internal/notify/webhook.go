package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Channel delivers rendered notification text.
type Channel interface {
	Send(ctx context.Context, content string) error
}

// WebhookChannel posts text messages to a chat-style webhook.
type WebhookChannel struct {
	url    string
	client *retryablehttp.Client
}

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
}

type webhookText struct {
	Content string `json:"content"`
}

// NewWebhookChannel constructs a webhook channel with a small retry budget.
func NewWebhookChannel(url string, retries int) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	if retries < 0 {
		retries = 0
	}
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil
	return &WebhookChannel{url: url, client: client}, nil
}

// Send posts content to the webhook.
func (c *WebhookChannel) Send(ctx context.Context, content string) error {
	if c == nil || c.url == "" {
		return errors.New("webhook channel: empty url")
	}
	body, err := json.Marshal(webhookPayload{MsgType: "text", Text: webhookText{Content: content}})
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: http %d", resp.StatusCode)
	}
	return nil
}
