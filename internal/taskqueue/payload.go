package taskqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is one decoded job payload variant. Payloads are decoded at the
// queue boundary so handlers never see untyped blobs.
type Payload interface {
	Type() JobType
}

// CallFollowUpPayload schedules an outbound follow-up call.
type CallFollowUpPayload struct {
	CallID      int64  `json:"call_id,string"`
	PhoneNumber string `json:"phone_number"`
	Hostname    string `json:"hostname"`
}

func (CallFollowUpPayload) Type() JobType { return JobTypeCallFollowUp }

// ScheduledCallbackPayload schedules a callback the customer asked for.
type ScheduledCallbackPayload struct {
	CallID      int64     `json:"call_id,string"`
	PhoneNumber string    `json:"phone_number"`
	RequestedAt time.Time `json:"requested_at"`
}

func (ScheduledCallbackPayload) Type() JobType { return JobTypeScheduledCallback }

// PaymentReconcilePayload asks the payment state machine to force-close a
// session whose provider never called back.
type PaymentReconcilePayload struct {
	CallID int64  `json:"call_id,string"`
	Reason string `json:"reason"`
}

func (PaymentReconcilePayload) Type() JobType { return JobTypePaymentReconcile }

// Encode serializes a payload for enqueueing.
func Encode(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Type(), err)
	}
	return raw, nil
}

// Decode parses raw into the variant registered for jobType.
func Decode(jobType JobType, raw []byte) (Payload, error) {
	var p Payload
	switch jobType {
	case JobTypeCallFollowUp:
		p = &CallFollowUpPayload{}
	case JobTypeScheduledCallback:
		p = &ScheduledCallbackPayload{}
	case JobTypePaymentReconcile:
		p = &PaymentReconcilePayload{}
	default:
		return nil, fmt.Errorf("unknown job type: %s", jobType)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
	}
	return p, nil
}
