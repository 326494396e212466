package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	minEventTTL = time.Second
	maxEventTTL = 24 * time.Hour
)

// Guard makes side-effecting operations safe to invoke more than once.
// Reserve/Complete cache a result payload per key; ReserveEvent is a
// lighter-weight dedupe for provider events where only "seen before" matters.
type Guard struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGuard(db *gorm.DB, logger *zap.Logger) *Guard {
	return &Guard{db: db, logger: logger.Named("idempotency")}
}

// Reserve attempts to claim key for the current caller. reserved=false means
// another caller already holds or has completed the key; the current caller
// must not execute the side effect and should Get the existing record if it
// needs the cached result.
func (g *Guard) Reserve(ctx context.Context, key, source string) (bool, error) {
	record := Record{
		IdempotencyKey: key,
		Source:         source,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}

	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&record)
	if res.Error != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", res.Error)
	}

	return res.RowsAffected > 0, nil
}

// Complete resolves key to a terminal status. When the key is absent a
// terminal record is inserted directly, which covers completions that arrive
// before their reservation on an out-of-order retry. On conflict, payload and
// error fields coalesce first-non-null so a later completion cannot erase an
// earlier caller's data.
func (g *Guard) Complete(ctx context.Context, key string, status RecordStatus, responsePayload []byte, errMessage string) error {
	now := time.Now().UTC()
	err := g.db.WithContext(ctx).Exec(
		`INSERT INTO idempotency_records (idempotency_key, status, response_payload, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO UPDATE SET
		   status = EXCLUDED.status,
		   response_payload = COALESCE(idempotency_records.response_payload, EXCLUDED.response_payload),
		   error_message = CASE WHEN idempotency_records.error_message = '' THEN EXCLUDED.error_message ELSE idempotency_records.error_message END,
		   updated_at = EXCLUDED.updated_at`,
		key, string(status), responsePayload, errMessage, now, now,
	).Error
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Get returns the record for key, or (nil, nil) when absent.
func (g *Guard) Get(ctx context.Context, key string) (*Record, error) {
	var record Record
	if err := g.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// ReserveEvent dedupes a provider event identified by source and payloadHash.
// An empty eventKey derives "source:payloadHash". The TTL is clamped to
// [1s, 24h] so misconfiguration can neither leak rows forever nor fail to
// dedupe a slow retry. Expired rows are swept opportunistically before the
// insert; reserved=true only when the insert actually added a row.
func (g *Guard) ReserveEvent(ctx context.Context, source, payloadHash, eventKey string, ttl time.Duration) (bool, error) {
	if eventKey == "" {
		eventKey = source + ":" + payloadHash
	}
	if ttl < minEventTTL {
		ttl = minEventTTL
	}
	if ttl > maxEventTTL {
		ttl = maxEventTTL
	}

	now := time.Now().UTC()
	if err := g.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&EventGuard{}).Error; err != nil {
		// Sweep is opportunistic; a failed sweep must not block dedupe.
		g.logger.Warn("event_guard_sweep_failed", zap.Error(err))
	}

	guard := EventGuard{
		EventKey:    eventKey,
		Source:      source,
		PayloadHash: payloadHash,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	}

	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_key"}},
		DoNothing: true,
	}).Create(&guard)
	if res.Error != nil {
		return false, fmt.Errorf("reserve event: %w", res.Error)
	}

	return res.RowsAffected > 0, nil
}
