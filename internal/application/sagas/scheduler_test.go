package sagas

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/domain/events"
	"orderflow-backend/internal/domain/saga"
	"orderflow-backend/internal/infrastructure/messaging"
	"orderflow-backend/internal/infrastructure/persistence/sagastate"
)

func TestScanCompensatesOrchestratedSaga(t *testing.T) {
	store := sagastate.New(nil, zap.NewNop())
	orch := NewOrchestrator(store, testInvoker(), testSagaConfig(), zap.NewNop(), nil)

	compensated := 0
	def := &Definition{
		Type: "ORDER_FULFILLMENT",
		Steps: []Step{
			{
				Name:      "reserve",
				Service:   "inventory",
				EventType: "StockReserved",
				Forward: func(context.Context, *Context) (map[string]any, error) {
					return nil, nil
				},
				Compensate: func(context.Context, *Context) error {
					compensated++
					return nil
				},
			},
			{
				Name:      "pay",
				Service:   "payment",
				EventType: "PaymentProcessed",
				Forward: func(context.Context, *Context) (map[string]any, error) {
					return nil, nil
				},
			},
		},
	}
	require.NoError(t, orch.Register(def))

	ctx := context.Background()
	// A saga stalled after its first step, already past its deadline.
	_, err := store.Start(ctx, "stalled", "ORDER_FULFILLMENT", "", 2, -time.Second)
	require.NoError(t, err)
	_, err = store.RecordStepCompleted(ctx, "stalled", 0, "StockReserved", "inventory", "evt-1")
	require.NoError(t, err)

	sched := NewScheduler(store, orch, nil, testSagaConfig(), zap.NewNop(), nil)
	sched.Scan(ctx, time.Now())

	inst, err := store.Get(ctx, "stalled")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, inst.Status)
	assert.Contains(t, inst.FailureReason, "TIMEOUT")
	assert.Equal(t, 1, compensated)

	// A second sweep is a no-op: the trigger is at-most-once.
	sched.Scan(ctx, time.Now())
	assert.Equal(t, 1, compensated)
}

func TestScanEmitsChoreographedCompensations(t *testing.T) {
	store := sagastate.New(nil, zap.NewNop())
	bus := messaging.NewBus(zap.NewNop())
	tracker := NewTracker(store, bus, testSagaConfig(), zap.NewNop())
	require.NoError(t, tracker.Register(orderChoreography()))

	var published []*events.Envelope
	bus.Subscribe(ports.SagaTopic("ORDER"), func(_ context.Context, e *events.Envelope) {
		published = append(published, e)
	})

	ctx := context.Background()
	tracker.Observe(ctx, "ORDER", 1, sagaEvent("stalled", "StockReserved", 0, false))
	// Force the deadline into the past by recreating with a negative timeout.
	_, err := store.Start(ctx, "stalled-2", "ORDER_FULFILLMENT", "", 3, -time.Second)
	require.NoError(t, err)
	_, err = store.RecordStepCompleted(ctx, "stalled-2", 0, "StockReserved", "inventory", "evt-1")
	require.NoError(t, err)

	sched := NewScheduler(store, nil, tracker, testSagaConfig(), zap.NewNop(), nil)
	sched.Scan(ctx, time.Now())

	inst, err := store.Get(ctx, "stalled-2")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensating, inst.Status)
	require.Len(t, published, 1)
	assert.Equal(t, "StockReleased", published[0].EventType)
}

func TestScanWithoutAutoCompensateTimesOut(t *testing.T) {
	store := sagastate.New(nil, zap.NewNop())
	cfg := testSagaConfig()
	cfg.AutoCompensate = false

	ctx := context.Background()
	_, err := store.Start(ctx, "stalled", "ANY", "", 1, -time.Second)
	require.NoError(t, err)

	sched := NewScheduler(store, nil, nil, cfg, zap.NewNop(), nil)
	sched.Scan(ctx, time.Now())

	inst, err := store.Get(ctx, "stalled")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusTimedOut, inst.Status)
}

func TestSchedulerLoopFiresWithinTwoTicks(t *testing.T) {
	store := sagastate.New(nil, zap.NewNop())
	cfg := testSagaConfig()
	cfg.AutoCompensate = false
	cfg.SchedulerTick = 10 * time.Millisecond

	ctx := context.Background()
	_, err := store.Start(ctx, "stalled", "ANY", "", 1, time.Millisecond)
	require.NoError(t, err)

	sched := NewScheduler(store, nil, nil, cfg, zap.NewNop(), nil)
	sched.Start()
	defer sched.Stop()

	require.Eventually(t, func() bool {
		inst, err := store.Get(ctx, "stalled")
		return err == nil && inst.Status == saga.StatusTimedOut
	}, 500*time.Millisecond, 5*time.Millisecond)
}

func TestPurgeRunsWithRetention(t *testing.T) {
	store := sagastate.New(nil, zap.NewNop())
	cfg := testSagaConfig()
	cfg.Retention = time.Millisecond

	ctx := context.Background()
	_, err := store.Start(ctx, "done", "ANY", "", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "done", saga.StatusCompleted))
	time.Sleep(5 * time.Millisecond)

	sched := NewScheduler(store, nil, nil, cfg, zap.NewNop(), nil)
	sched.purge(ctx, time.Now())

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[saga.StatusCompleted])
}
