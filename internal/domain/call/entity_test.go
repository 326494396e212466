package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	c := New("call-abc", "tenant.example.com", "+15550100")

	assert.Equal(t, "call-abc", c.ProviderCallID)
	assert.Equal(t, PaymentStateNone, c.PaymentState)
	assert.False(t, c.PaymentInProgress)
	assert.Zero(t, c.PaymentAttemptCount)
	assert.Nil(t, c.PaymentSession)
}

func TestMarkPaymentRequested(t *testing.T) {
	c := New("call-abc", "tenant.example.com", "+15550100")

	c.MarkPaymentRequested(PaymentSession{PaymentID: "pay-1", Amount: 2500, Currency: "USD", Connector: "stripe"})

	assert.Equal(t, PaymentStateRequested, c.PaymentState)
	assert.True(t, c.PaymentInProgress)
	assert.Equal(t, 1, c.PaymentAttemptCount)
	assert.Equal(t, "pay-1", c.PaymentSession.PaymentID)
}

func TestCanRequestPayment(t *testing.T) {
	c := New("call-abc", "tenant.example.com", "+15550100")
	assert.True(t, c.CanRequestPayment())

	c.MarkPaymentRequested(PaymentSession{PaymentID: "pay-1"})
	assert.False(t, c.CanRequestPayment())

	c.MarkPaymentActive()
	assert.False(t, c.CanRequestPayment())

	c.MarkPaymentFailed("declined")
	assert.True(t, c.CanRequestPayment(), "failed sessions may retry")

	c.MarkPaymentRequested(PaymentSession{PaymentID: "pay-2"})
	c.MarkPaymentActive()
	c.MarkPaymentCompleted("CONF-9")
	assert.False(t, c.CanRequestPayment(), "completed sessions never restart")
	assert.True(t, c.PaymentTerminal())
	assert.False(t, c.PaymentInProgress)
	assert.Equal(t, "CONF-9", c.PaymentSession.ConfirmationCode)
	assert.Equal(t, 2, c.PaymentAttemptCount)
}
