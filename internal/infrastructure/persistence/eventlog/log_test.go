package eventlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderflow-backend/internal/config"
	"orderflow-backend/internal/domain/events"
	"orderflow-backend/internal/infrastructure/persistence/hotstore"
	"orderflow-backend/internal/infrastructure/persistence/memory"
	"orderflow-backend/internal/infrastructure/persistence/writebehind"
	apperrors "orderflow-backend/pkg/errors"
	"orderflow-backend/pkg/observability"
)

func newEnvelope(t *testing.T, eventType, key string) *events.Envelope {
	t.Helper()
	return events.NewEnvelope(eventType, "test", key, map[string]any{"v": "1"})
}

func newDurableLog(t *testing.T, maxHot int) (*Log, *memory.EventStore) {
	t.Helper()
	durable := memory.NewEventStore()
	hot := hotstore.New(4, maxHot, config.EvictLRU, observability.NopMetrics())
	log := New(hot, nil, durable, true, true, zap.NewNop())
	return log, durable
}

func TestAppendAssignsPerKeySequences(t *testing.T) {
	log, _ := newDurableLog(t, 0)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		seq, err := log.Append(ctx, "ORDER", "order-1", newEnvelope(t, "ORDER_PLACED", "order-1"))
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}

	// An unrelated key starts its own sequence.
	seq, err := log.Append(ctx, "ORDER", "order-2", newEnvelope(t, "ORDER_PLACED", "order-2"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestAppendRejectsDuplicateEventID(t *testing.T) {
	log, _ := newDurableLog(t, 0)
	ctx := context.Background()

	env := newEnvelope(t, "ORDER_PLACED", "order-1")
	_, err := log.Append(ctx, "ORDER", "order-1", env)
	require.NoError(t, err)

	dup := env.Clone()
	_, err = log.Append(ctx, "ORDER", "order-1", dup)
	require.Error(t, err)
	assert.True(t, apperrors.IsDuplicateEvent(err))

	// The rejected append must not consume a sequence number.
	seq, err := log.Append(ctx, "ORDER", "order-1", newEnvelope(t, "ORDER_SHIPPED", "order-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestGetByKeyReadsThroughAfterEviction(t *testing.T) {
	// A one-entry hot tier forces every earlier event out of memory.
	log, _ := newDurableLog(t, 1)
	ctx := context.Background()

	types := []string{"ORDER_PLACED", "ORDER_PAID", "ORDER_SHIPPED"}
	for _, et := range types {
		_, err := log.Append(ctx, "ORDER", "order-1", newEnvelope(t, et, "order-1"))
		require.NoError(t, err)
	}

	got, err := log.GetByKey(ctx, "ORDER", "order-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, et := range types {
		assert.Equal(t, et, got[i].EventType)
	}
}

func TestGetByKeyUnknownKeyIsEmpty(t *testing.T) {
	log, _ := newDurableLog(t, 0)
	got, err := log.GetByKey(context.Background(), "ORDER", "missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReplayAllVisitsAppendOrderExactlyOnce(t *testing.T) {
	log, _ := newDurableLog(t, 0)
	ctx := context.Background()

	var appended []string
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("order-%d", i%2)
		env := newEnvelope(t, "ORDER_PLACED", key)
		_, err := log.Append(ctx, "ORDER", key, env)
		require.NoError(t, err)
		appended = append(appended, env.EventID)
	}

	var visited []string
	err := log.ReplayAll(ctx, "ORDER", func(seq int64, event *events.Envelope) error {
		visited = append(visited, event.EventID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, appended, visited)
}

func TestHydrateFromDurableOnColdStart(t *testing.T) {
	log, durable := newDurableLog(t, 0)
	ctx := context.Background()
	env := newEnvelope(t, "ORDER_PLACED", "order-1")
	_, err := log.Append(ctx, "ORDER", "order-1", env)
	require.NoError(t, err)

	// A fresh log over the same durable tier continues the sequence and
	// still rejects the already stored event ID.
	hot := hotstore.New(4, 0, config.EvictLRU, observability.NopMetrics())
	restarted := New(hot, nil, durable, true, true, zap.NewNop())

	_, err = restarted.Append(ctx, "ORDER", "order-1", env.Clone())
	assert.True(t, apperrors.IsDuplicateEvent(err))

	seq, err := restarted.Append(ctx, "ORDER", "order-1", newEnvelope(t, "ORDER_PAID", "order-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	count, err := restarted.Count(ctx, "ORDER")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestWriteBehindAppendFlushesToDurable(t *testing.T) {
	durable := memory.NewEventStore()
	hot := hotstore.New(4, 0, config.EvictLRU, observability.NopMetrics())

	cfg := config.Default().Persistence
	cfg.WriteDelay = 10 * time.Millisecond
	cfg.BatchSize = 2
	batcher := writebehind.New(2, cfg, durable, zap.NewNop(), observability.NopMetrics(),
		writebehind.WithFlushedHook(FlushedHook(hot)))

	log := New(hot, batcher, durable, false, true, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := log.Append(ctx, "ORDER", "order-1", newEnvelope(t, "ORDER_PLACED", "order-1"))
		require.NoError(t, err)
	}

	// Read-your-writes holds before any flush happened.
	got, err := log.GetByKey(ctx, "ORDER", "order-1")
	require.NoError(t, err)
	assert.Len(t, got, 4)

	require.NoError(t, batcher.Close(ctx))

	count, err := durable.Count(ctx, "ORDER")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}
