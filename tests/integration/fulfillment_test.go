// Package integration exercises the assembled runtime end to end on the
// in-memory tiers: pipeline, views, sagas, outbox and rebuild.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow-backend/internal/application/orderflow"
	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/application/sagas"
	"orderflow-backend/internal/config"
	"orderflow-backend/internal/di"
	"orderflow-backend/internal/domain/events"
	"orderflow-backend/internal/domain/saga"
	"orderflow-backend/internal/infrastructure/tracing"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Pipeline.PartitionCount = 4
	cfg.Pipeline.BackpressureWait = 200 * time.Millisecond
	cfg.Persistence.WriteDelay = 5 * time.Millisecond
	cfg.Saga.DefaultTimeout = time.Minute
	cfg.Saga.SchedulerTick = 20 * time.Millisecond
	cfg.Outbox.PollInterval = 20 * time.Millisecond
	cfg.Outbox.BaseBackoff = 10 * time.Millisecond
	cfg.Outbox.MaxBackoff = 20 * time.Millisecond
	return cfg
}

func newRuntime(t *testing.T, cfg *config.Config) *di.Container {
	t.Helper()
	ctx := context.Background()
	tp, err := tracing.Init(cfg.ServiceName, cfg.Environment, cfg.Tracing)
	require.NoError(t, err)
	c, err := di.InitializeContainer(ctx, cfg, tp)
	require.NoError(t, err)
	require.NoError(t, orderflow.Register(orderflow.Runtime{
		Engine:       c.Engine,
		Views:        c.Views,
		Schemas:      c.Schemas,
		ViewRegistry: c.ViewRegistry,
		Orchestrator: c.Orchestrator,
	}, c.Logger))
	c.Start()
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Shutdown(sctx)
	})
	return c
}

func submit(t *testing.T, c *di.Container, eventType, key string, payload map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := c.Engine.Submit(ctx, orderflow.Domain, events.NewEnvelope(eventType, "test-client", key, payload))
	require.NoError(t, err)
	_, err = h.Wait(ctx)
	require.NoError(t, err)
}

func seedCatalog(t *testing.T, c *di.Container) {
	submit(t, c, orderflow.EventCustomerCreated, "c1", map[string]any{
		"email": "a@x", "name": "A",
	})
	submit(t, c, orderflow.EventProductCreated, "p1", map[string]any{
		"sku": "S", "price": "10.00", "quantity": 100,
	})
}

func placeOrder(t *testing.T, c *di.Container, orderID, unitPrice string, qty int) {
	submit(t, c, orderflow.EventOrderCreated, orderID, map[string]any{
		"customer_id": "c1",
		"line_items": []map[string]any{
			{"product_id": "p1", "quantity": qty, "unit_price": unitPrice},
		},
		"shipping_address": "X",
	})
}

func sagaFor(t *testing.T, c *di.Container, orderID string) func() *saga.Instance {
	return func() *saga.Instance {
		list, err := c.SagaState.ByCorrelation(context.Background(), orderID)
		require.NoError(t, err)
		if len(list) == 0 {
			return nil
		}
		return list[0]
	}
}

func viewRecord(t *testing.T, c *di.Container, view, key string) map[string]any {
	t.Helper()
	rec, ok, err := c.Views.Get(context.Background(), view, key)
	require.NoError(t, err)
	require.True(t, ok, "missing %s[%s]", view, key)
	return rec
}

func TestHappyPathFulfillment(t *testing.T) {
	c := newRuntime(t, testConfig())
	seedCatalog(t, c)
	placeOrder(t, c, "o1", "10.00", 2)

	get := sagaFor(t, c, "o1")
	require.Eventually(t, func() bool {
		inst := get()
		return inst != nil && inst.Status == saga.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	inst := get()
	assert.Equal(t, 4, inst.TotalSteps)
	assert.Len(t, inst.Steps, 4)

	assert.Equal(t, "ACTIVE", viewRecord(t, c, orderflow.ViewCustomer, "c1")["status"])
	product := viewRecord(t, c, orderflow.ViewProduct, "p1")
	assert.Equal(t, 100.0, product["qty_on_hand"])
	assert.Equal(t, 2.0, product["qty_reserved"])
	assert.Equal(t, orderflow.OrderConfirmed, viewRecord(t, c, orderflow.ViewOrder, "o1")["status"])
}

func TestPaymentDeclineCompensates(t *testing.T) {
	c := newRuntime(t, testConfig())
	seedCatalog(t, c)
	// 2 x 5999.99 = 11999.98, past the 10000 payment limit.
	placeOrder(t, c, "o2", "5999.99", 2)

	get := sagaFor(t, c, "o2")
	require.Eventually(t, func() bool {
		inst := get()
		return inst != nil && inst.Status == saga.StatusCompensated
	}, 5*time.Second, 20*time.Millisecond)

	inst := get()
	assert.Contains(t, inst.FailureReason, "exceeds limit")
	require.NotNil(t, inst.FailedAtStep)
	assert.Equal(t, 2, *inst.FailedAtStep)

	// The reservation was undone and the order cancelled.
	require.Eventually(t, func() bool {
		rec := viewRecord(t, c, orderflow.ViewOrder, "o2")
		return rec["status"] == orderflow.OrderCancelled
	}, 5*time.Second, 20*time.Millisecond)
	product := viewRecord(t, c, orderflow.ViewProduct, "p1")
	assert.Equal(t, 0.0, product["qty_reserved"])

	// PaymentFailed made it into the log before the saga turned around.
	events, err := c.EventLog.GetByKey(context.Background(), orderflow.Domain, "o2")
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, orderflow.EventPaymentFailed)
}

func TestSagaTimeoutCompensates(t *testing.T) {
	cfg := testConfig()
	cfg.Saga.TimeoutOverrides = map[string]time.Duration{"STALL": 50 * time.Millisecond}
	c := newRuntime(t, cfg)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	compensated := make(chan struct{}, 1)
	def := &sagas.Definition{
		Type: "STALL",
		Steps: []sagas.Step{
			{
				Name:    "prepare",
				Service: "svc",
				Forward: func(context.Context, *sagas.Context) (map[string]any, error) {
					return nil, nil
				},
				Compensate: func(context.Context, *sagas.Context) error {
					compensated <- struct{}{}
					return nil
				},
			},
			{
				Name:    "stall",
				Service: "remote",
				Forward: func(ctx context.Context, _ *sagas.Context) (map[string]any, error) {
					select {
					case <-release:
					case <-ctx.Done():
					}
					return nil, ctx.Err()
				},
			},
		},
	}
	require.NoError(t, c.Orchestrator.Register(def))

	go func() {
		_, _ = c.Orchestrator.Run(context.Background(), "STALL", "stall-1", nil)
	}()

	require.Eventually(t, func() bool {
		list, err := c.SagaState.ByCorrelation(context.Background(), "stall-1")
		if err != nil || len(list) == 0 {
			return false
		}
		return list[0].Status == saga.StatusCompensated
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case <-compensated:
	case <-time.After(time.Second):
		t.Fatal("timeout compensation never ran")
	}
}

func TestRebuildReproducesProjections(t *testing.T) {
	c := newRuntime(t, testConfig())
	ctx := context.Background()
	seedCatalog(t, c)
	placeOrder(t, c, "o3", "10.00", 1)

	get := sagaFor(t, c, "o3")
	require.Eventually(t, func() bool {
		inst := get()
		return inst != nil && inst.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	before := viewRecord(t, c, orderflow.ViewProduct, "p1")
	require.NoError(t, c.Views.Put(ctx, orderflow.ViewProduct, "p1", map[string]any{"qty_reserved": 42.0}))

	require.NoError(t, c.Engine.RebuildViews(ctx, orderflow.Domain))
	assert.Equal(t, before, viewRecord(t, c, orderflow.ViewProduct, "p1"))
	assert.Equal(t, orderflow.OrderConfirmed, viewRecord(t, c, orderflow.ViewOrder, "o3")["status"])
}

func TestOutboxDeliversAtLeastOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.PublishMode = config.PublishOutbox
	c := newRuntime(t, cfg)

	received := make(chan *events.Envelope, 16)
	c.Bus.Subscribe(ports.EventsTopic(orderflow.Domain), func(_ context.Context, e *events.Envelope) {
		received <- e
	})

	submit(t, c, orderflow.EventCustomerCreated, "c9", map[string]any{
		"email": "b@x", "name": "B",
	})

	select {
	case e := <-received:
		assert.Equal(t, orderflow.EventCustomerCreated, e.EventType)
	case <-time.After(5 * time.Second):
		t.Fatal("outbox publisher never delivered the event")
	}

	// The staged row is marked off once delivered.
	require.Eventually(t, func() bool {
		due, err := c.Outbox.FetchDue(context.Background(), time.Now().Add(time.Hour), 10)
		return err == nil && len(due) == 0
	}, 5*time.Second, 20*time.Millisecond)
}
