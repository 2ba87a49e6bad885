package views

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/domain/events"
	apperrors "orderflow-backend/pkg/errors"
)

func updater(view string, deps ...string) *Updater {
	return &Updater{
		View:      view,
		DependsOn: deps,
		KeyFor:    func(e *events.Envelope) (string, bool) { return e.Key, true },
		Reduce: func(current map[string]any, exists bool, e *events.Envelope) Outcome {
			return Unchanged()
		},
	}
}

func TestRegisterRejectsDuplicatesAndIncomplete(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("ORDER", updater("order_summary")))

	err := reg.Register("ORDER", updater("order_summary"))
	assert.True(t, apperrors.IsValidation(err))

	err = reg.Register("ORDER", &Updater{View: "half_built"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestRebuildOrderRespectsDependencies(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("ORDER", updater("daily_totals", "order_summary")))
	require.NoError(t, reg.Register("ORDER", updater("order_summary")))
	require.NoError(t, reg.Register("ORDER", updater("top_customers", "daily_totals")))

	order, err := reg.RebuildOrder("ORDER")
	require.NoError(t, err)
	require.Len(t, order, 3)

	position := map[string]int{}
	for i, u := range order {
		position[u.View] = i
	}
	assert.Less(t, position["order_summary"], position["daily_totals"])
	assert.Less(t, position["daily_totals"], position["top_customers"])
}

func TestRebuildOrderRejectsUnknownDependency(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("ORDER", updater("order_summary", "nonexistent")))

	_, err := reg.RebuildOrder("ORDER")
	assert.True(t, apperrors.IsValidation(err))
}

func TestRebuildOrderRejectsCycle(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("ORDER", updater("a", "b")))
	require.NoError(t, reg.Register("ORDER", updater("b", "a")))

	_, err := reg.RebuildOrder("ORDER")
	assert.True(t, apperrors.IsValidation(err))
}

func TestCrossDomainDependencyDoesNotOrderRebuild(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("PAYMENT", updater("payment_totals")))
	require.NoError(t, reg.Register("ORDER", updater("order_summary", "payment_totals")))

	order, err := reg.RebuildOrder("ORDER")
	require.NoError(t, err)
	require.Len(t, order, 1)
	assert.Equal(t, "order_summary", order[0].View)
}

func TestReducerOutcomes(t *testing.T) {
	u := &Updater{
		View:   "order_summary",
		KeyFor: func(e *events.Envelope) (string, bool) { return e.Key, true },
		Reduce: func(current map[string]any, exists bool, e *events.Envelope) Outcome {
			switch e.EventType {
			case "ORDER_PLACED":
				return Next(map[string]any{"status": "placed"})
			case "ORDER_CANCELLED":
				return Deleted()
			default:
				return Unchanged()
			}
		},
	}

	fn := u.UpdateFn(events.NewEnvelope("ORDER_PLACED", "test", "order-1", nil))
	record, op := fn(nil, false)
	assert.Equal(t, ports.ViewOpPut, op)
	assert.Equal(t, "placed", record["status"])

	fn = u.UpdateFn(events.NewEnvelope("ORDER_CANCELLED", "test", "order-1", nil))
	_, op = fn(record, true)
	assert.Equal(t, ports.ViewOpDelete, op)

	fn = u.UpdateFn(events.NewEnvelope("SOMETHING_ELSE", "test", "order-1", nil))
	_, op = fn(record, true)
	assert.Equal(t, ports.ViewOpNone, op)
}
