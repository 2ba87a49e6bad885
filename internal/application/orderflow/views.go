package orderflow

import (
	"orderflow-backend/internal/application/views"
	"orderflow-backend/internal/domain/events"
)

// Order lifecycle statuses as they appear in the Order view.
const (
	OrderPending   = "PENDING"
	OrderConfirmed = "CONFIRMED"
	OrderCancelled = "CANCELLED"
)

// RegisterViews binds the Customer, Product and Order projections to the
// order domain.
func RegisterViews(reg *views.Registry) error {
	for _, u := range []*views.Updater{customerView(), productView(), orderView()} {
		if err := reg.Register(Domain, u); err != nil {
			return err
		}
	}
	return nil
}

func customerView() *views.Updater {
	return &views.Updater{
		View: ViewCustomer,
		KeyFor: func(e *events.Envelope) (string, bool) {
			return e.Key, e.EventType == EventCustomerCreated
		},
		Reduce: func(_ map[string]any, _ bool, e *events.Envelope) views.Outcome {
			return views.Next(map[string]any{
				"email":  e.Payload["email"],
				"name":   e.Payload["name"],
				"status": "ACTIVE",
			})
		},
	}
}

// productView tracks on-hand and reserved quantities. Stock events are keyed
// by product, one event per line item.
func productView() *views.Updater {
	return &views.Updater{
		View: ViewProduct,
		KeyFor: func(e *events.Envelope) (string, bool) {
			switch e.EventType {
			case EventProductCreated, EventStockReserved, EventStockReleased:
				return e.Key, true
			}
			return "", false
		},
		Reduce: func(current map[string]any, exists bool, e *events.Envelope) views.Outcome {
			switch e.EventType {
			case EventProductCreated:
				return views.Next(map[string]any{
					"sku":          e.Payload["sku"],
					"price":        e.Payload["price"],
					"qty_on_hand":  asNumber(e.Payload["quantity"]),
					"qty_reserved": 0.0,
				})
			case EventStockReserved:
				if !exists {
					return views.Unchanged()
				}
				next := copyRecord(current)
				next["qty_reserved"] = asNumber(current["qty_reserved"]) + asNumber(e.Payload["quantity"])
				return views.Next(next)
			case EventStockReleased:
				if !exists {
					return views.Unchanged()
				}
				next := copyRecord(current)
				reserved := asNumber(current["qty_reserved"]) - asNumber(e.Payload["quantity"])
				if reserved < 0 {
					// Releases are idempotent; never go negative on a replayed undo.
					reserved = 0
				}
				next["qty_reserved"] = reserved
				return views.Next(next)
			}
			return views.Unchanged()
		},
	}
}

func orderView() *views.Updater {
	return &views.Updater{
		View:      ViewOrder,
		DependsOn: []string{ViewCustomer, ViewProduct},
		KeyFor: func(e *events.Envelope) (string, bool) {
			switch e.EventType {
			case EventOrderCreated:
				return e.Key, true
			case EventOrderConfirmed, EventOrderCancelled:
				if id, ok := e.Payload["order_id"].(string); ok {
					return id, true
				}
			}
			return "", false
		},
		Reduce: func(current map[string]any, exists bool, e *events.Envelope) views.Outcome {
			switch e.EventType {
			case EventOrderCreated:
				return views.Next(map[string]any{
					"customer_id": e.Payload["customer_id"],
					"line_items":  e.Payload["line_items"],
					"status":      OrderPending,
				})
			case EventOrderConfirmed:
				if !exists {
					return views.Unchanged()
				}
				next := copyRecord(current)
				next["status"] = OrderConfirmed
				return views.Next(next)
			case EventOrderCancelled:
				if !exists {
					return views.Unchanged()
				}
				next := copyRecord(current)
				next["status"] = OrderCancelled
				if reason, ok := e.Payload["reason"].(string); ok && reason != "" {
					next["cancel_reason"] = reason
				}
				return views.Next(next)
			}
			return views.Unchanged()
		},
	}
}

func copyRecord(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// asNumber tolerates the int/float split between in-process payloads and
// JSON round-trips.
func asNumber(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
