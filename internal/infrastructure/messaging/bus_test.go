package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/domain/events"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	ctx := context.Background()

	var got1, got2 []string
	bus.Subscribe("ORDER_EVENTS", func(ctx context.Context, e *events.Envelope) {
		got1 = append(got1, e.EventID)
	})
	bus.Subscribe("ORDER_EVENTS", func(ctx context.Context, e *events.Envelope) {
		got2 = append(got2, e.EventID)
	})
	bus.Subscribe("PAYMENT_EVENTS", func(ctx context.Context, e *events.Envelope) {
		t.Error("wrong topic delivered")
	})

	env := events.NewEnvelope("ORDER_PLACED", "test", "order-1", nil)
	require.NoError(t, bus.Publish(ctx, "ORDER_EVENTS", env))

	assert.Equal(t, []string{env.EventID}, got1)
	assert.Equal(t, []string{env.EventID}, got2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(zap.NewNop())
	ctx := context.Background()

	calls := 0
	unsubscribe := bus.Subscribe("ORDER_EVENTS", func(ctx context.Context, e *events.Envelope) {
		calls++
	})

	require.NoError(t, bus.Publish(ctx, "ORDER_EVENTS", events.NewEnvelope("ORDER_PLACED", "test", "k", nil)))
	unsubscribe()
	require.NoError(t, bus.Publish(ctx, "ORDER_EVENTS", events.NewEnvelope("ORDER_PLACED", "test", "k", nil)))

	assert.Equal(t, 1, calls)
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	ctx := context.Background()

	delivered := false
	bus.Subscribe("ORDER_EVENTS", func(ctx context.Context, e *events.Envelope) {
		panic("boom")
	})
	bus.Subscribe("ORDER_EVENTS", func(ctx context.Context, e *events.Envelope) {
		delivered = true
	})

	require.NoError(t, bus.Publish(ctx, "ORDER_EVENTS", events.NewEnvelope("ORDER_PLACED", "test", "k", nil)))
	assert.True(t, delivered)
}

func TestTopicNaming(t *testing.T) {
	assert.Equal(t, "ORDER_EVENTS", ports.EventsTopic("ORDER"))
	assert.Equal(t, "ORDER_DLQ", ports.DLQTopic("ORDER"))
	assert.Equal(t, "ORDER_SAGA", ports.SagaTopic("ORDER"))
}
