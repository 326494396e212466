package providerclient

import (
	"context"
	"fmt"
	"net/http"
)

type PaymentSession struct {
	PaymentID string `json:"payment_id"`
	CallID    string `json:"call_id"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

// GetPaymentSession reads the provider's view of a hosted payment session.
// The reconcile sweep uses it to decide whether a silent session really died.
func (c *Client) GetPaymentSession(ctx context.Context, paymentID string) (*PaymentSession, error) {
	var resp ResponseWrapper[PaymentSession]
	err := c.retry.Do(ctx, true, func() error {
		return c.doRequest(ctx, http.MethodGet, "/v1/payments/"+paymentID, nil, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("get payment session: %w", err)
	}
	return &resp.Data, nil
}
