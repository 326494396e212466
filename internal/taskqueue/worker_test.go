package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockStore is a simple in-memory queue store for testing
type mockStore struct {
	claimed      []Job
	rescheduled  []int64
	rescheduleAt []time.Time
	completed    map[int64]JobStatus
	dlq          []Job
	dlqReasons   []DeadLetterReason
}

func newMockStore() *mockStore {
	return &mockStore{completed: make(map[int64]JobStatus)}
}

func (m *mockStore) ClaimDue(ctx context.Context, limit int) ([]Job, error) {
	if len(m.claimed) > limit {
		return m.claimed[:limit], nil
	}
	return m.claimed, nil
}

func (m *mockStore) Reschedule(ctx context.Context, jobID int64, runAt time.Time, lastError string) error {
	m.rescheduled = append(m.rescheduled, jobID)
	m.rescheduleAt = append(m.rescheduleAt, runAt)
	return nil
}

func (m *mockStore) Complete(ctx context.Context, jobID int64, status JobStatus, lastError string) error {
	m.completed[jobID] = status
	return nil
}

func (m *mockStore) MoveToDLQ(ctx context.Context, job Job, reason DeadLetterReason, lastError string) error {
	m.dlq = append(m.dlq, job)
	m.dlqReasons = append(m.dlqReasons, reason)
	return nil
}

func newTestWorker(store Store) *Worker {
	return NewWorker(store, zap.NewNop(), time.Second, 10, 3, 30*time.Second)
}

func mustEncode(t *testing.T, p Payload) []byte {
	t.Helper()
	raw, err := Encode(p)
	require.NoError(t, err)
	return raw
}

func TestWorker_CompletesSuccessfulJob(t *testing.T) {
	store := newMockStore()
	store.claimed = []Job{{
		ID:       1,
		JobType:  JobTypeCallFollowUp,
		Payload:  mustEncode(t, &CallFollowUpPayload{CallID: 7}),
		Attempts: 1,
	}}

	w := newTestWorker(store)
	var handled int
	w.Register(JobTypeCallFollowUp, func(ctx context.Context, payload Payload) error {
		handled++
		return nil
	})

	require.NoError(t, w.processBatch(context.Background()))

	assert.Equal(t, 1, handled)
	assert.Equal(t, JobStatusCompleted, store.completed[1])
	assert.Empty(t, store.dlq)
}

func TestWorker_ReschedulesBelowAttemptCeiling(t *testing.T) {
	store := newMockStore()
	store.claimed = []Job{{
		ID:       2,
		JobType:  JobTypeCallFollowUp,
		Payload:  mustEncode(t, &CallFollowUpPayload{CallID: 7}),
		Attempts: 2, // below ceiling of 3
	}}

	w := newTestWorker(store)
	w.Register(JobTypeCallFollowUp, func(ctx context.Context, payload Payload) error {
		return errors.New("provider timeout")
	})

	require.NoError(t, w.processBatch(context.Background()))

	assert.Equal(t, []int64{2}, store.rescheduled)
	assert.Empty(t, store.dlq)
	assert.NotContains(t, store.completed, int64(2))
}

func TestWorker_DeadLettersAtAttemptCeiling(t *testing.T) {
	store := newMockStore()
	store.claimed = []Job{{
		ID:       3,
		JobType:  JobTypeCallFollowUp,
		Payload:  mustEncode(t, &CallFollowUpPayload{CallID: 7}),
		Attempts: 3, // post-claim count hit the ceiling
	}}

	w := newTestWorker(store)
	w.Register(JobTypeCallFollowUp, func(ctx context.Context, payload Payload) error {
		return errors.New("provider timeout")
	})

	require.NoError(t, w.processBatch(context.Background()))

	require.Len(t, store.dlq, 1)
	assert.Equal(t, int64(3), store.dlq[0].ID)
	assert.Equal(t, DLQReasonMaxAttempts, store.dlqReasons[0])
	assert.Equal(t, JobStatusFailed, store.completed[3])
	assert.Empty(t, store.rescheduled)
}

func TestWorker_BuriesCorruptPayloadWithoutRetry(t *testing.T) {
	store := newMockStore()
	store.claimed = []Job{{
		ID:       4,
		JobType:  JobTypeCallFollowUp,
		Payload:  []byte(`{broken`),
		Attempts: 1,
	}}

	w := newTestWorker(store)
	w.Register(JobTypeCallFollowUp, func(ctx context.Context, payload Payload) error {
		t.Fatal("handler must not run for a corrupt payload")
		return nil
	})

	require.NoError(t, w.processBatch(context.Background()))

	require.Len(t, store.dlq, 1)
	assert.Equal(t, DLQReasonInvalidPayload, store.dlqReasons[0])
	assert.Empty(t, store.rescheduled)
}

func TestWorker_UnknownTypeGoesToDLQ(t *testing.T) {
	store := newMockStore()
	store.claimed = []Job{{ID: 5, JobType: "send_fax", Payload: []byte(`{}`), Attempts: 1}}

	w := newTestWorker(store)

	require.NoError(t, w.processBatch(context.Background()))

	require.Len(t, store.dlq, 1)
	assert.Equal(t, DLQReasonUnknownType, store.dlqReasons[0])
}
