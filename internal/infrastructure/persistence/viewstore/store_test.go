package viewstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/config"
	"orderflow-backend/internal/infrastructure/persistence/hotstore"
	"orderflow-backend/internal/infrastructure/persistence/memory"
	"orderflow-backend/internal/infrastructure/persistence/writebehind"
	"orderflow-backend/pkg/observability"
)

func newStore(t *testing.T, maxHot int) (*Store, *memory.ViewStore, *writebehind.Batcher) {
	t.Helper()
	durable := memory.NewViewStore()
	hot := hotstore.New(4, maxHot, config.EvictLRU, observability.NopMetrics())

	cfg := config.Default().Persistence
	cfg.WriteDelay = 10 * time.Millisecond
	batcher := writebehind.New(2, cfg, durable, zap.NewNop(), observability.NopMetrics(),
		writebehind.WithFlushedHook(FlushedHook(hot)))
	t.Cleanup(func() { batcher.Close(context.Background()) })

	return New(hot, batcher, durable, nil, true, zap.NewNop()), durable, batcher
}

func TestPutGetDelete(t *testing.T) {
	store, _, _ := newStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "order_summary", "order-1", map[string]any{"total": "10.00"}))

	record, ok, err := store.Get(ctx, "order_summary", "order-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.00", record["total"])

	require.NoError(t, store.Delete(ctx, "order_summary", "order-1"))
	_, ok, err = store.Get(ctx, "order_summary", "order-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is a no-op.
	require.NoError(t, store.Delete(ctx, "order_summary", "order-1"))
}

func TestGetReadsThroughAfterEviction(t *testing.T) {
	store, _, batcher := newStore(t, 1)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("order-%d", i)
		require.NoError(t, store.Put(ctx, "order_summary", key, map[string]any{"n": float64(i)}))
	}
	require.NoError(t, batcher.Close(ctx))

	// All five keys resolve even though the hot tier held at most a few.
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("order-%d", i)
		record, ok, err := store.Get(ctx, "order_summary", key)
		require.NoError(t, err)
		require.True(t, ok, key)
		assert.Equal(t, float64(i), record["n"])
	}
}

func TestScanSeesEveryRecord(t *testing.T) {
	store, _, _ := newStore(t, 0)
	ctx := context.Background()

	want := map[string]bool{}
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("order-%d", i)
		want[key] = true
		require.NoError(t, store.Put(ctx, "order_summary", key, map[string]any{"k": key}))
	}

	got := map[string]bool{}
	err := store.Scan(ctx, "order_summary", func(key string, record map[string]any) bool {
		got[key] = true
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestClearDropsAllTiers(t *testing.T) {
	store, durable, batcher := newStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "order_summary", "order-1", map[string]any{"n": 1.0}))
	require.NoError(t, batcher.Close(ctx))
	require.NoError(t, store.Clear(ctx, "order_summary"))

	_, ok, err := store.Get(ctx, "order_summary", "order-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = durable.Load(ctx, "order_summary", "order-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHydratesKeySetFromDurable(t *testing.T) {
	durable := memory.NewViewStore()
	ctx := context.Background()
	require.NoError(t, durable.Flush(ctx, []writebehind.Record{{
		Domain:  "order_summary",
		Key:     "order-1",
		Payload: []byte(`{"total":"10.00"}`),
	}}))

	hot := hotstore.New(4, 0, config.EvictLRU, observability.NopMetrics())
	cfg := config.Default().Persistence
	batcher := writebehind.New(1, cfg, durable, zap.NewNop(), observability.NopMetrics())
	t.Cleanup(func() { batcher.Close(ctx) })
	store := New(hot, batcher, durable, nil, true, zap.NewNop())

	record, ok, err := store.Get(ctx, "order_summary", "order-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.00", record["total"])
}

func TestAtomicUpdateSerializesPerKey(t *testing.T) {
	store, _, _ := newStore(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.AtomicUpdate(ctx, "counters", "hits", func(current map[string]any, exists bool) (map[string]any, ports.ViewOp) {
				n := 0.0
				if exists {
					n = current["n"].(float64)
				}
				return map[string]any{"n": n + 1}, ports.ViewOpPut
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	record, ok, err := store.Get(ctx, "counters", "hits")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 20.0, record["n"])
}

func TestAtomicUpdateDeleteAndNone(t *testing.T) {
	store, _, _ := newStore(t, 0)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "order_summary", "order-1", map[string]any{"n": 1.0}))

	// No-change outcome leaves the record alone.
	err := store.AtomicUpdate(ctx, "order_summary", "order-1", func(current map[string]any, exists bool) (map[string]any, ports.ViewOp) {
		return nil, ports.ViewOpNone
	})
	require.NoError(t, err)
	_, ok, err := store.Get(ctx, "order_summary", "order-1")
	require.NoError(t, err)
	assert.True(t, ok)

	err = store.AtomicUpdate(ctx, "order_summary", "order-1", func(current map[string]any, exists bool) (map[string]any, ports.ViewOp) {
		return nil, ports.ViewOpDelete
	})
	require.NoError(t, err)
	_, ok, err = store.Get(ctx, "order_summary", "order-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
