package providerclient

import (
	"context"
	"fmt"
	"net/http"
)

type Call struct {
	ID          string `json:"id"`
	Hostname    string `json:"hostname"`
	PhoneNumber string `json:"phone_number"`
	Status      string `json:"status"`
}

type CreateCallParams struct {
	Hostname    string `json:"hostname"`
	PhoneNumber string `json:"phone_number"`
	ScriptID    string `json:"script_id,omitempty"`
}

// CreateCall asks the provider to originate an outbound call. Not replayable:
// a retry could dial the customer twice.
func (c *Client) CreateCall(ctx context.Context, params CreateCallParams) (*Call, error) {
	var resp ResponseWrapper[Call]
	err := c.retry.Do(ctx, false, func() error {
		return c.doRequest(ctx, http.MethodPost, "/v1/calls", params, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	return &resp.Data, nil
}

// GetCall reads call status. Reads are cached briefly: the reconciler polls
// the same calls every sweep.
func (c *Client) GetCall(ctx context.Context, id string) (*Call, error) {
	cacheKey := "call:" + id
	if cached, ok := c.cache.Get(cacheKey); ok {
		if call, ok := cached.(*Call); ok {
			return call, nil
		}
	}

	var resp ResponseWrapper[Call]
	err := c.retry.Do(ctx, true, func() error {
		return c.doRequest(ctx, http.MethodGet, "/v1/calls/"+id, nil, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}

	c.cache.Set(cacheKey, &resp.Data)
	return &resp.Data, nil
}
