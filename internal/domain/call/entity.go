package call

import (
	"errors"
	"time"
)

// PaymentState represents where a call's payment collection flow stands.
type PaymentState string

const (
	PaymentStateNone      PaymentState = "none"
	PaymentStateRequested PaymentState = "requested"
	PaymentStateActive    PaymentState = "active"
	PaymentStateCompleted PaymentState = "completed"
	PaymentStateFailed    PaymentState = "failed"
)

// TerminalPaymentStates are the states a session can never leave.
var TerminalPaymentStates = []PaymentState{PaymentStateCompleted, PaymentStateFailed}

// InProgressPaymentStates are eligible for reconciliation when the provider
// never calls back.
var InProgressPaymentStates = []PaymentState{PaymentStateRequested, PaymentStateActive}

var (
	ErrUnexpectedState = errors.New("unexpected payment state for transition")
)

// PaymentSession describes the provider-hosted collection attempt currently
// attached to a call.
type PaymentSession struct {
	PaymentID        string `json:"payment_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Connector        string `json:"connector"`
	ConfirmationCode string `json:"confirmation_code,omitempty"`
}

// Call is the runtime configuration record for one outbound call.
// It contains no database tags or infrastructure details.
type Call struct {
	ID             int64  `json:"id,string"`
	ProviderCallID string `json:"provider_call_id"`
	Hostname       string `json:"hostname"`
	PhoneNumber    string `json:"phone_number"`

	PaymentState        PaymentState    `json:"payment_state"`
	PaymentInProgress   bool            `json:"payment_in_progress"`
	PaymentAttemptCount int             `json:"payment_attempt_count"`
	PaymentSession      *PaymentSession `json:"payment_session,omitempty"`
	PaymentFailReason   string          `json:"payment_fail_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a call record with no payment session.
func New(providerCallID, hostname, phoneNumber string) *Call {
	return &Call{
		ProviderCallID: providerCallID,
		Hostname:       hostname,
		PhoneNumber:    phoneNumber,
		PaymentState:   PaymentStateNone,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
}

// CanRequestPayment reports whether a fresh payment attempt may start.
// A session that already completed stays completed; failed and none may retry.
func (c *Call) CanRequestPayment() bool {
	return c.PaymentState == PaymentStateNone || c.PaymentState == PaymentStateFailed
}

// PaymentTerminal reports whether the session reached a terminal state.
func (c *Call) PaymentTerminal() bool {
	return c.PaymentState == PaymentStateCompleted || c.PaymentState == PaymentStateFailed
}

// MarkPaymentRequested starts a new session and counts the attempt.
func (c *Call) MarkPaymentRequested(session PaymentSession) {
	c.PaymentState = PaymentStateRequested
	c.PaymentInProgress = true
	c.PaymentAttemptCount++
	c.PaymentSession = &session
	c.PaymentFailReason = ""
	c.UpdatedAt = time.Now().UTC()
}

// MarkPaymentActive transitions into the provider-hosted collection UI.
func (c *Call) MarkPaymentActive() {
	c.PaymentState = PaymentStateActive
	c.UpdatedAt = time.Now().UTC()
}

// MarkPaymentCompleted closes the session successfully.
func (c *Call) MarkPaymentCompleted(confirmationCode string) {
	c.PaymentState = PaymentStateCompleted
	c.PaymentInProgress = false
	if c.PaymentSession != nil {
		c.PaymentSession.ConfirmationCode = confirmationCode
	}
	c.UpdatedAt = time.Now().UTC()
}

// MarkPaymentFailed closes the session with a reason.
func (c *Call) MarkPaymentFailed(reason string) {
	c.PaymentState = PaymentStateFailed
	c.PaymentInProgress = false
	c.PaymentFailReason = reason
	c.UpdatedAt = time.Now().UTC()
}
