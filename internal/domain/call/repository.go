package call

import (
	"context"
	"time"
)

// Repository defines the interface for persisting Call entities.
type Repository interface {
	// FindByID retrieves a call by its ID. Returns (nil, nil) when absent.
	FindByID(ctx context.Context, id int64) (*Call, error)

	// FindByProviderCallID retrieves a call by the provider's call leg ID.
	FindByProviderCallID(ctx context.Context, providerCallID string) (*Call, error)

	// Save persists a call (create or update).
	Save(ctx context.Context, call *Call) error

	// TransitionPayment persists the payment fields of the call only if the
	// stored payment_state still matches from. Returns ErrUnexpectedState
	// when another transition won the race.
	TransitionPayment(ctx context.Context, call *Call, from PaymentState) error

	// ListStalePayments retrieves calls whose payment session has been stuck
	// in an in-progress state since before the cutoff.
	ListStalePayments(ctx context.Context, states []PaymentState, cutoff time.Time, limit int) ([]*Call, error)
}
