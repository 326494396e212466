package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/callkitelabs/callkite-cloud/internal/domain/call"
	"github.com/callkitelabs/callkite-cloud/internal/idempotency"
)

// Reason classifies why a transition was refused. Reasons are values, not
// errors: webhook handlers branch on them and must still acknowledge the
// provider.
type Reason string

const (
	ReasonFeatureDisabled    Reason = "payment_feature_disabled"
	ReasonAttemptLimit       Reason = "payment_attempt_limit"
	ReasonProviderNotAllowed Reason = "provider_not_allowed"
	ReasonUnexpectedState    Reason = "unexpected_state"
	ReasonCallNotFound       Reason = "call_not_found"
)

// Result reports the outcome of a state machine transition.
type Result struct {
	OK        bool              `json:"ok"`
	Duplicate bool              `json:"duplicate,omitempty"`
	Success   bool              `json:"success,omitempty"`
	Reason    Reason            `json:"reason,omitempty"`
	State     call.PaymentState `json:"state,omitempty"`
	PaymentID string            `json:"payment_id,omitempty"`
}

// RequestParams describes a new collection attempt.
type RequestParams struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Connector string `json:"connector"`
}

// CompletionPayload is the provider's completion webhook body, decoded by the
// HTTP layer before it reaches the core.
type CompletionPayload struct {
	PaymentID        string `json:"payment_id"`
	Success          bool   `json:"success"`
	Amount           int64  `json:"amount,omitempty"`
	Currency         string `json:"currency,omitempty"`
	ConfirmationCode string `json:"confirmation_code,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
}

// WebhookContext carries request-scoped identifiers from the HTTP layer.
type WebhookContext struct {
	PaymentID string
	Hostname  string
}

// Policy is the payment guard-rail configuration.
type Policy struct {
	Enabled            bool
	MaxAttemptsPerCall int
	AllowedConnectors  []string
}

// Guard is the idempotency surface completion handling depends on.
type Guard interface {
	Reserve(ctx context.Context, key, source string) (bool, error)
	Complete(ctx context.Context, key string, status idempotency.RecordStatus, responsePayload []byte, errMessage string) error
	Get(ctx context.Context, key string) (*idempotency.Record, error)
}

// Recorder persists the audit trail for transitions.
type Recorder interface {
	Record(ctx context.Context, callID int64, action, source string, detail any) error
}

// IDGenerator mints payment session IDs.
type IDGenerator interface {
	GenerateID() int64
}

// Provider-side statuses the reconcile sweep understands.
const (
	ProviderSessionSucceeded  = "succeeded"
	ProviderSessionProcessing = "processing"
	ProviderCallInProgress    = "in_progress"
)

// ProviderReader is the slice of the provider API the reconcile sweep
// consults before force-closing a session the provider never reported on.
// An empty status means the provider no longer knows the id.
type ProviderReader interface {
	PaymentSessionStatus(ctx context.Context, paymentID string) (string, error)
	CallStatus(ctx context.Context, providerCallID string) (string, error)
}

// Service is the payment session state machine. Every mutating transition
// verifies the persisted state it read before writing; a transition from an
// unexpected state is a refused no-op, never a silent overwrite, so webhook
// handlers can distinguish "already handled" from "something is wrong".
type Service struct {
	calls    call.Repository
	guard    Guard
	recorder Recorder
	ids      IDGenerator
	provider ProviderReader
	policy   Policy
	logger   *zap.Logger
}

func NewService(calls call.Repository, guard Guard, recorder Recorder, ids IDGenerator, provider ProviderReader, policy Policy, logger *zap.Logger) *Service {
	return &Service{
		calls:    calls,
		guard:    guard,
		recorder: recorder,
		ids:      ids,
		provider: provider,
		policy:   policy,
		logger:   logger.Named("payment"),
	}
}

// RequestPayment starts a new collection attempt on a call. All policy guards
// run before any state mutation.
func (s *Service) RequestPayment(ctx context.Context, callID int64, params RequestParams) (Result, error) {
	if !s.policy.Enabled {
		return Result{Reason: ReasonFeatureDisabled}, nil
	}
	if !slices.Contains(s.policy.AllowedConnectors, params.Connector) {
		return Result{Reason: ReasonProviderNotAllowed}, nil
	}

	c, err := s.calls.FindByID(ctx, callID)
	if err != nil {
		return Result{}, fmt.Errorf("load call %d: %w", callID, err)
	}
	if c == nil {
		return Result{Reason: ReasonCallNotFound}, nil
	}

	if c.PaymentAttemptCount >= s.policy.MaxAttemptsPerCall {
		return Result{Reason: ReasonAttemptLimit, State: c.PaymentState}, nil
	}
	if !c.CanRequestPayment() {
		return Result{Reason: ReasonUnexpectedState, State: c.PaymentState}, nil
	}

	from := c.PaymentState
	paymentID := fmt.Sprintf("pay_%d", s.ids.GenerateID())
	c.MarkPaymentRequested(call.PaymentSession{
		PaymentID: paymentID,
		Amount:    params.Amount,
		Currency:  params.Currency,
		Connector: params.Connector,
	})

	if err := s.calls.TransitionPayment(ctx, c, from); err != nil {
		if err == call.ErrUnexpectedState {
			return Result{Reason: ReasonUnexpectedState, State: from}, nil
		}
		return Result{}, fmt.Errorf("persist payment request: %w", err)
	}

	if err := s.recorder.Record(ctx, c.ID, "payment_requested", "api", params); err != nil {
		s.logger.Warn("audit_record_failed", zap.Int64("call_id", c.ID), zap.Error(err))
	}

	s.logger.Info("payment_requested",
		zap.Int64("call_id", c.ID),
		zap.String("payment_id", paymentID),
		zap.Int("attempt", c.PaymentAttemptCount),
	)

	return Result{OK: true, State: call.PaymentStateRequested, PaymentID: paymentID}, nil
}

// EnterCollection handles the provider webhook that fires as its hosted
// payment UI is about to be presented. Requires a requested session.
func (s *Service) EnterCollection(ctx context.Context, callID int64, wctx WebhookContext) (Result, error) {
	c, err := s.calls.FindByID(ctx, callID)
	if err != nil {
		return Result{}, fmt.Errorf("load call %d: %w", callID, err)
	}
	if c == nil {
		return Result{Reason: ReasonCallNotFound}, nil
	}
	if c.PaymentState != call.PaymentStateRequested {
		return Result{Reason: ReasonUnexpectedState, State: c.PaymentState}, nil
	}

	c.MarkPaymentActive()
	if err := s.calls.TransitionPayment(ctx, c, call.PaymentStateRequested); err != nil {
		if err == call.ErrUnexpectedState {
			return Result{Reason: ReasonUnexpectedState, State: call.PaymentStateRequested}, nil
		}
		return Result{}, fmt.Errorf("persist collection entry: %w", err)
	}

	if err := s.recorder.Record(ctx, c.ID, "payment_collection_entered", "webhook", wctx); err != nil {
		return Result{}, fmt.Errorf("record collection entry: %w", err)
	}

	return Result{OK: true, State: call.PaymentStateActive}, nil
}

// HandleCompletion finalizes a session from the provider's completion
// webhook. The provider retries on any non-2xx response, so completion is the
// one transition gated by the idempotency guard: the first invocation
// performs the full completion, every later one for the same key
// short-circuits to a duplicate result with the cached outcome.
func (s *Service) HandleCompletion(ctx context.Context, callID int64, payload CompletionPayload, wctx WebhookContext) (Result, error) {
	key := completionKey(payload.PaymentID, wctx)

	reserved, err := s.guard.Reserve(ctx, key, "payment_completion")
	if err != nil {
		return Result{}, fmt.Errorf("reserve completion key: %w", err)
	}
	if !reserved {
		return s.duplicateResult(ctx, key)
	}

	c, err := s.calls.FindByID(ctx, callID)
	if err != nil {
		return Result{}, fmt.Errorf("load call %d: %w", callID, err)
	}
	if c == nil || c.PaymentTerminal() || c.PaymentState == call.PaymentStateNone {
		reason := ReasonUnexpectedState
		if c == nil {
			reason = ReasonCallNotFound
		}
		// Resolve the reservation so retries observe the refusal instead of
		// waiting on a pending key forever.
		if err := s.guard.Complete(ctx, key, idempotency.StatusFailed, nil, string(reason)); err != nil {
			s.logger.Warn("guard_resolve_failed", zap.String("key", key), zap.Error(err))
		}
		result := Result{Reason: reason}
		if c != nil {
			result.State = c.PaymentState
		}
		return result, nil
	}

	from := c.PaymentState
	if payload.Success {
		c.MarkPaymentCompleted(payload.ConfirmationCode)
	} else {
		reason := payload.FailureReason
		if reason == "" {
			reason = "provider_reported_failure"
		}
		c.MarkPaymentFailed(reason)
	}
	if c.PaymentSession != nil {
		// The webhook carries the definitive charge figures.
		if payload.Amount > 0 {
			c.PaymentSession.Amount = payload.Amount
		}
		if payload.Currency != "" {
			c.PaymentSession.Currency = payload.Currency
		}
	}

	if err := s.calls.TransitionPayment(ctx, c, from); err != nil {
		if err == call.ErrUnexpectedState {
			if cerr := s.guard.Complete(ctx, key, idempotency.StatusFailed, nil, string(ReasonUnexpectedState)); cerr != nil {
				s.logger.Warn("guard_resolve_failed", zap.String("key", key), zap.Error(cerr))
			}
			return Result{Reason: ReasonUnexpectedState, State: from}, nil
		}
		// Leave the key pending: the reconcile sweep owns sessions whose
		// completion could not be durably recorded.
		return Result{}, fmt.Errorf("persist completion: %w", err)
	}

	cached, _ := json.Marshal(map[string]bool{"success": payload.Success})
	if err := s.guard.Complete(ctx, key, idempotency.StatusOK, cached, ""); err != nil {
		s.logger.Warn("guard_resolve_failed", zap.String("key", key), zap.Error(err))
	}

	if err := s.recorder.Record(ctx, c.ID, "payment_completed", "webhook", payload); err != nil {
		s.logger.Warn("audit_record_failed", zap.Int64("call_id", c.ID), zap.Error(err))
	}

	s.logger.Info("payment_completed",
		zap.Int64("call_id", c.ID),
		zap.String("payment_id", payload.PaymentID),
		zap.Bool("success", payload.Success),
	)

	return Result{OK: true, Success: payload.Success, State: c.PaymentState}, nil
}

// Reconcile closes out a session stuck in an in-progress state, driven by
// the out-of-band sweep rather than a webhook. The provider is consulted
// first: a session it reports as succeeded lost its completion webhook and is
// closed as completed, one still running on a live call is left for a later
// sweep, everything else force-fails. Terminal sessions are a no-op.
func (s *Service) Reconcile(ctx context.Context, callID int64, reason, source string) (Result, error) {
	c, err := s.calls.FindByID(ctx, callID)
	if err != nil {
		return Result{}, fmt.Errorf("load call %d: %w", callID, err)
	}
	if c == nil {
		return Result{Reason: ReasonCallNotFound}, nil
	}
	if c.PaymentTerminal() || c.PaymentState == call.PaymentStateNone {
		return Result{OK: true, State: c.PaymentState}, nil
	}

	if result, err := s.checkProvider(ctx, c); err != nil {
		return Result{}, err
	} else if result != nil {
		return *result, nil
	}

	from := c.PaymentState
	c.MarkPaymentFailed("reconciled: " + reason)
	if err := s.calls.TransitionPayment(ctx, c, from); err != nil {
		if err == call.ErrUnexpectedState {
			return Result{Reason: ReasonUnexpectedState, State: from}, nil
		}
		return Result{}, fmt.Errorf("persist reconcile: %w", err)
	}

	if err := s.recorder.Record(ctx, c.ID, "payment_reconciled", source, map[string]string{"reason": reason}); err != nil {
		s.logger.Warn("audit_record_failed", zap.Int64("call_id", c.ID), zap.Error(err))
	}

	s.logger.Warn("payment_reconciled",
		zap.Int64("call_id", c.ID),
		zap.String("reason", reason),
		zap.String("from_state", string(from)),
	)

	return Result{OK: true, State: call.PaymentStateFailed}, nil
}

// checkProvider asks the provider for its view of a stuck session. A non-nil
// result short-circuits the force-close; nil means the session really died.
// Provider errors propagate so the reconcile job retries instead of failing a
// session the provider might still settle.
func (s *Service) checkProvider(ctx context.Context, c *call.Call) (*Result, error) {
	if s.provider == nil || c.PaymentSession == nil || c.PaymentSession.PaymentID == "" {
		return nil, nil
	}

	status, err := s.provider.PaymentSessionStatus(ctx, c.PaymentSession.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("check provider session %s: %w", c.PaymentSession.PaymentID, err)
	}

	switch status {
	case ProviderSessionSucceeded:
		from := c.PaymentState
		c.MarkPaymentCompleted("")
		if err := s.calls.TransitionPayment(ctx, c, from); err != nil {
			if err == call.ErrUnexpectedState {
				return &Result{Reason: ReasonUnexpectedState, State: from}, nil
			}
			return nil, fmt.Errorf("persist recovered completion: %w", err)
		}
		if err := s.recorder.Record(ctx, c.ID, "payment_recovered", "sweep", map[string]string{"payment_id": c.PaymentSession.PaymentID}); err != nil {
			s.logger.Warn("audit_record_failed", zap.Int64("call_id", c.ID), zap.Error(err))
		}
		s.logger.Info("payment_recovered",
			zap.Int64("call_id", c.ID),
			zap.String("payment_id", c.PaymentSession.PaymentID),
		)
		return &Result{OK: true, Success: true, State: call.PaymentStateCompleted}, nil
	case ProviderSessionProcessing:
		if c.ProviderCallID == "" {
			return nil, nil
		}
		callStatus, err := s.provider.CallStatus(ctx, c.ProviderCallID)
		if err != nil {
			return nil, fmt.Errorf("check provider call %s: %w", c.ProviderCallID, err)
		}
		if callStatus == ProviderCallInProgress {
			// The customer may still be in the payment UI.
			return &Result{OK: true, State: c.PaymentState}, nil
		}
	}
	return nil, nil
}

// SessionView is the read-only payment status of a call.
type SessionView struct {
	State        call.PaymentState    `json:"state"`
	InProgress   bool                 `json:"in_progress"`
	AttemptCount int                  `json:"attempt_count"`
	Session      *call.PaymentSession `json:"session,omitempty"`
	FailReason   string               `json:"fail_reason,omitempty"`
}

// Session returns the current payment session state for status reporting.
func (s *Service) Session(ctx context.Context, callID int64) (*SessionView, error) {
	c, err := s.calls.FindByID(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("load call %d: %w", callID, err)
	}
	if c == nil {
		return nil, nil
	}
	return &SessionView{
		State:        c.PaymentState,
		InProgress:   c.PaymentInProgress,
		AttemptCount: c.PaymentAttemptCount,
		Session:      c.PaymentSession,
		FailReason:   c.PaymentFailReason,
	}, nil
}

// StalePayments lists sessions stuck in-progress since before now-window.
func (s *Service) StalePayments(ctx context.Context, window time.Duration, limit int) ([]*call.Call, error) {
	cutoff := time.Now().UTC().Add(-window)
	return s.calls.ListStalePayments(ctx, call.InProgressPaymentStates, cutoff, limit)
}

func (s *Service) duplicateResult(ctx context.Context, key string) (Result, error) {
	record, err := s.guard.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("load completion record: %w", err)
	}

	result := Result{OK: true, Duplicate: true}
	if record != nil && len(record.ResponsePayload) > 0 {
		var cached struct {
			Success bool `json:"success"`
		}
		if err := json.Unmarshal(record.ResponsePayload, &cached); err == nil {
			result.Success = cached.Success
		}
	}
	return result, nil
}

func completionKey(paymentID string, wctx WebhookContext) string {
	if paymentID == "" {
		paymentID = wctx.PaymentID
	}
	return "payment_completion:" + paymentID
}
