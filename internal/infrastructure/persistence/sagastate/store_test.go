package sagastate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderflow-backend/internal/domain/saga"
	apperrors "orderflow-backend/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(nil, zap.NewNop())
}

func TestStartAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst, err := store.Start(ctx, "saga-1", "ORDER_FULFILLMENT", "corr-1", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusStarted, inst.Status)
	assert.Equal(t, 3, inst.TotalSteps)
	assert.WithinDuration(t, time.Now().Add(time.Minute), inst.Deadline, 2*time.Second)

	got, err := store.Get(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, "ORDER_FULFILLMENT", got.SagaType)

	// Starting the same ID twice is a consistency violation.
	_, err = store.Start(ctx, "saga-1", "ORDER_FULFILLMENT", "corr-1", 3, time.Minute)
	assert.True(t, apperrors.IsConsistency(err))
}

func TestStepProgressionToCompleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Start(ctx, "saga-1", "ORDER_FULFILLMENT", "", 2, time.Minute)
	require.NoError(t, err)

	inst, err := store.RecordStepCompleted(ctx, "saga-1", 0, "INVENTORY_RESERVED", "inventory", "evt-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusInProgress, inst.Status)
	assert.Equal(t, 1, inst.CurrentStep)

	// Completing the final step is the COMPLETED transition.
	inst, err = store.RecordStepCompleted(ctx, "saga-1", 1, "PAYMENT_CAPTURED", "payment", "evt-2")
	require.NoError(t, err)
	assert.Len(t, inst.Steps, 2)
	assert.Equal(t, 2, inst.CurrentStep)
	assert.Equal(t, saga.StatusCompleted, inst.Status)
	require.NotNil(t, inst.CompletedAt)

	// Terminal statuses are absorbing.
	_, err = store.RecordStepCompleted(ctx, "saga-1", 2, "X", "x", "evt-3")
	assert.True(t, apperrors.IsConsistency(err))
	err = store.Complete(ctx, "saga-1", saga.StatusFailed)
	assert.True(t, apperrors.IsConsistency(err))
}

func TestFailureAndCompensationFlow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Start(ctx, "saga-1", "ORDER_FULFILLMENT", "", 3, time.Minute)
	require.NoError(t, err)
	_, err = store.RecordStepCompleted(ctx, "saga-1", 0, "INVENTORY_RESERVED", "inventory", "evt-1")
	require.NoError(t, err)

	inst, err := store.RecordStepFailed(ctx, "saga-1", 1, "PAYMENT_CAPTURED", "payment", "card declined")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensating, inst.Status)
	require.NotNil(t, inst.FailedAtStep)
	assert.Equal(t, 1, *inst.FailedAtStep)
	assert.Equal(t, "card declined", inst.FailureReason)

	// Compensating the last outstanding step is the COMPENSATED transition.
	inst, err = store.RecordCompensationStep(ctx, "saga-1", 0, "INVENTORY_RELEASED", "inventory")
	require.NoError(t, err)
	assert.True(t, inst.AllCompletedCompensated())
	assert.Equal(t, saga.StatusCompensated, inst.Status)
	require.NotNil(t, inst.CompletedAt)
}

func TestCompensationRequiresCompensatingStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Start(ctx, "saga-1", "ORDER_FULFILLMENT", "", 2, time.Minute)
	require.NoError(t, err)
	_, err = store.RecordStepCompleted(ctx, "saga-1", 0, "INVENTORY_RESERVED", "inventory", "evt-1")
	require.NoError(t, err)

	_, err = store.RecordCompensationStep(ctx, "saga-1", 0, "INVENTORY_RELEASED", "inventory")
	assert.True(t, apperrors.IsConsistency(err))
}

func TestCompareAndSetStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Start(ctx, "saga-1", "ORDER_FULFILLMENT", "", 1, time.Minute)
	require.NoError(t, err)

	ok, err := store.CompareAndSetStatus(ctx, "saga-1",
		[]saga.Status{saga.StatusStarted, saga.StatusInProgress}, saga.StatusTimedOut, "deadline elapsed")
	require.NoError(t, err)
	assert.True(t, ok)

	// The losing racer observes false without error.
	ok, err = store.CompareAndSetStatus(ctx, "saga-1",
		[]saga.Status{saga.StatusStarted, saga.StatusInProgress}, saga.StatusTimedOut, "deadline elapsed")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusTimedOut, got.Status)
	assert.Equal(t, "deadline elapsed", got.FailureReason)
}

func TestIndexesAndCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := store.Start(ctx, fmt.Sprintf("saga-%d", i), "ORDER_FULFILLMENT", "corr-1", 1, time.Minute)
		require.NoError(t, err)
	}
	_, err := store.Start(ctx, "saga-other", "REFUND", "corr-2", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "saga-0", saga.StatusCompleted))

	byType, err := store.ByType(ctx, "ORDER_FULFILLMENT")
	require.NoError(t, err)
	assert.Len(t, byType, 3)

	byCorr, err := store.ByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	assert.Len(t, byCorr, 3)

	started, err := store.ByStatus(ctx, saga.StatusStarted)
	require.NoError(t, err)
	assert.Len(t, started, 3)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[saga.StatusStarted])
	assert.Equal(t, 1, counts[saga.StatusCompleted])
}

func TestPastDeadlineUsesIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Start(ctx, "expired-1", "ORDER_FULFILLMENT", "", 1, -time.Second)
	require.NoError(t, err)
	_, err = store.Start(ctx, "expired-2", "ORDER_FULFILLMENT", "", 1, -2*time.Second)
	require.NoError(t, err)
	_, err = store.Start(ctx, "live", "ORDER_FULFILLMENT", "", 1, time.Hour)
	require.NoError(t, err)

	// A saga that reached a terminal status no longer times out.
	require.NoError(t, store.Complete(ctx, "expired-2", saga.StatusCompleted))

	expired, err := store.PastDeadline(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "expired-1", expired[0].SagaID)
}

func TestPurgeRemovesOldTerminalSagas(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Start(ctx, "done", "ORDER_FULFILLMENT", "", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "done", saga.StatusCompleted))
	_, err = store.Start(ctx, "running", "ORDER_FULFILLMENT", "", 1, time.Minute)
	require.NoError(t, err)

	removed, err := store.Purge(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.Get(ctx, "done")
	assert.True(t, apperrors.IsNotFound(err))
	_, err = store.Get(ctx, "running")
	assert.NoError(t, err)
}
