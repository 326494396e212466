package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type messageResponse struct {
	MessageID string `json:"message_id"`
}

// SendSMS submits one SMS. Not replayable at this layer: delivery retries
// belong to the queue, which tracks retry_count per message.
func (c *Client) SendSMS(ctx context.Context, hostname, recipient string, body []byte) (string, error) {
	req := map[string]any{
		"hostname": hostname,
		"to":       recipient,
		"body":     json.RawMessage(body),
	}

	var resp ResponseWrapper[messageResponse]
	err := c.retry.Do(ctx, false, func() error {
		return c.doRequest(ctx, http.MethodPost, "/v1/messages/sms", req, &resp)
	})
	if err != nil {
		return "", fmt.Errorf("send sms: %w", err)
	}
	return resp.Data.MessageID, nil
}

// SendEmail submits one email through the provider.
func (c *Client) SendEmail(ctx context.Context, hostname, recipient, subject string, body []byte) (string, error) {
	req := map[string]any{
		"hostname": hostname,
		"to":       recipient,
		"subject":  subject,
		"body":     json.RawMessage(body),
	}

	var resp ResponseWrapper[messageResponse]
	err := c.retry.Do(ctx, false, func() error {
		return c.doRequest(ctx, http.MethodPost, "/v1/messages/email", req, &resp)
	})
	if err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	return resp.Data.MessageID, nil
}

// PostWebhook delivers a notification to a tenant-supplied URL. This bypasses
// the provider API entirely, so it skips the breaker and the provider limiter
// and only shares the HTTP client.
func (c *Client) PostWebhook(ctx context.Context, url string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("post webhook: status=%d", resp.StatusCode)
	}
	return resp.Header.Get("X-Request-Id"), nil
}
