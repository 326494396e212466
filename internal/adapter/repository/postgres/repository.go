package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/callkitelabs/callkite-cloud/internal/domain/call"
)

// CallModel is the database DTO with Gorm tags.
type CallModel struct {
	ID             int64  `gorm:"primaryKey"`
	ProviderCallID string `gorm:"uniqueIndex;type:varchar(128)"`
	Hostname       string `gorm:"type:varchar(255);index"`
	PhoneNumber    string `gorm:"type:varchar(32)"`

	PaymentState        string `gorm:"type:varchar(20);index"`
	PaymentInProgress   bool
	PaymentAttemptCount int
	PaymentSession      []byte `gorm:"type:jsonb"`
	PaymentFailReason   string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (CallModel) TableName() string {
	return "calls"
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindByID(ctx context.Context, id int64) (*call.Call, error) {
	var model CallModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toDomain(model)
}

func (r *Repository) FindByProviderCallID(ctx context.Context, providerCallID string) (*call.Call, error) {
	var model CallModel
	if err := r.db.WithContext(ctx).Where("provider_call_id = ?", providerCallID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toDomain(model)
}

func (r *Repository) Save(ctx context.Context, entity *call.Call) error {
	model, err := toModel(entity)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return err
	}
	// Propagate ID back to entity if new
	entity.ID = model.ID
	return nil
}

// TransitionPayment writes the payment fields only when the stored state
// still matches from. Zero rows affected means another transition won.
func (r *Repository) TransitionPayment(ctx context.Context, entity *call.Call, from call.PaymentState) error {
	session, err := marshalSession(entity.PaymentSession)
	if err != nil {
		return err
	}

	res := r.db.WithContext(ctx).Model(&CallModel{}).
		Where("id = ? AND payment_state = ?", entity.ID, string(from)).
		Updates(map[string]any{
			"payment_state":         string(entity.PaymentState),
			"payment_in_progress":   entity.PaymentInProgress,
			"payment_attempt_count": entity.PaymentAttemptCount,
			"payment_session":       session,
			"payment_fail_reason":   entity.PaymentFailReason,
			"updated_at":            time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return call.ErrUnexpectedState
	}
	return nil
}

func (r *Repository) ListStalePayments(ctx context.Context, states []call.PaymentState, cutoff time.Time, limit int) ([]*call.Call, error) {
	if len(states) == 0 {
		return nil, nil
	}
	values := make([]string, 0, len(states))
	for _, state := range states {
		values = append(values, string(state))
	}

	query := r.db.WithContext(ctx).
		Where("payment_state IN ? AND updated_at < ?", values, cutoff).
		Order("updated_at asc")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []CallModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	items := make([]*call.Call, 0, len(models))
	for _, model := range models {
		entity, err := toDomain(model)
		if err != nil {
			return nil, err
		}
		items = append(items, entity)
	}
	return items, nil
}

// Mappers

func toDomain(m CallModel) (*call.Call, error) {
	var session *call.PaymentSession
	if len(m.PaymentSession) > 0 {
		session = &call.PaymentSession{}
		if err := json.Unmarshal(m.PaymentSession, session); err != nil {
			return nil, err
		}
	}
	return &call.Call{
		ID:                  m.ID,
		ProviderCallID:      m.ProviderCallID,
		Hostname:            m.Hostname,
		PhoneNumber:         m.PhoneNumber,
		PaymentState:        call.PaymentState(m.PaymentState),
		PaymentInProgress:   m.PaymentInProgress,
		PaymentAttemptCount: m.PaymentAttemptCount,
		PaymentSession:      session,
		PaymentFailReason:   m.PaymentFailReason,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}, nil
}

func toModel(e *call.Call) (CallModel, error) {
	session, err := marshalSession(e.PaymentSession)
	if err != nil {
		return CallModel{}, err
	}
	return CallModel{
		ID:                  e.ID,
		ProviderCallID:      e.ProviderCallID,
		Hostname:            e.Hostname,
		PhoneNumber:         e.PhoneNumber,
		PaymentState:        string(e.PaymentState),
		PaymentInProgress:   e.PaymentInProgress,
		PaymentAttemptCount: e.PaymentAttemptCount,
		PaymentSession:      session,
		PaymentFailReason:   e.PaymentFailReason,
		CreatedAt:           e.CreatedAt,
		UpdatedAt:           e.UpdatedAt,
	}, nil
}

func marshalSession(s *call.PaymentSession) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}
