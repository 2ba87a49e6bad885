package orderflow

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"orderflow-backend/internal/application/pipeline"
	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/application/sagas"
	"orderflow-backend/internal/domain/events"
	apperrors "orderflow-backend/pkg/errors"
)

// SagaType is the fulfillment saga's type name.
const SagaType = "ORDER_FULFILLMENT"

// PaymentLimit is the business ceiling for a single order payment.
var PaymentLimit = decimal.RequireFromString("10000")

// Submitter admits events into the pipeline. *pipeline.Engine satisfies it.
type Submitter interface {
	Submit(ctx context.Context, domain string, event *events.Envelope) (*pipeline.Handle, error)
}

// FulfillmentInput builds the saga's initial context from an accepted
// OrderCreated event.
func FulfillmentInput(e *events.Envelope) map[string]any {
	return map[string]any{
		"order_id":    e.Key,
		"customer_id": e.Payload["customer_id"],
		"line_items":  e.Payload["line_items"],
	}
}

// FulfillmentSaga defines the orchestrated fulfillment flow: validate the
// order against the views, reserve stock, take payment, confirm. Stock and
// order changes travel as events through the pipeline so the views and the
// event log stay the system of record.
func FulfillmentSaga(submitter Submitter, viewStore ports.ViewStore) *sagas.Definition {
	return &sagas.Definition{
		Type: SagaType,
		Steps: []sagas.Step{
			{
				Name:      "validate-order",
				Service:   "order",
				EventType: EventOrderCreated,
				Forward: func(ctx context.Context, sc *sagas.Context) (map[string]any, error) {
					return validateOrder(ctx, viewStore, sc)
				},
				Compensate: func(ctx context.Context, sc *sagas.Context) error {
					return cancelOrder(ctx, submitter, sc)
				},
			},
			{
				Name:      "reserve-stock",
				Service:   "inventory",
				EventType: EventStockReserved,
				Forward: func(ctx context.Context, sc *sagas.Context) (map[string]any, error) {
					return nil, emitStockEvents(ctx, submitter, sc, EventStockReserved)
				},
				Compensate: func(ctx context.Context, sc *sagas.Context) error {
					return emitStockEvents(ctx, submitter, sc, EventStockReleased)
				},
			},
			{
				Name:      "process-payment",
				Service:   "payment",
				EventType: EventPaymentProcessed,
				Forward: func(ctx context.Context, sc *sagas.Context) (map[string]any, error) {
					return nil, processPayment(ctx, submitter, sc)
				},
			},
			{
				Name:      "confirm-order",
				Service:   "order",
				EventType: EventOrderConfirmed,
				Forward: func(ctx context.Context, sc *sagas.Context) (map[string]any, error) {
					orderID, _ := sc.GetString("order_id")
					return nil, submitAndWait(ctx, submitter, sc, EventOrderConfirmed, orderID, map[string]any{
						"order_id": orderID,
					})
				},
			},
		},
	}
}

func validateOrder(ctx context.Context, viewStore ports.ViewStore, sc *sagas.Context) (map[string]any, error) {
	customerID, _ := sc.GetString("customer_id")
	if _, ok, err := viewStore.Get(ctx, ViewCustomer, customerID); err != nil {
		return nil, err
	} else if !ok {
		return nil, apperrors.NewNonRetryableBusiness(fmt.Sprintf("unknown customer %s", customerID))
	}

	total := decimal.Zero
	for _, item := range lineItems(sc) {
		productID, _ := item["product_id"].(string)
		if _, ok, err := viewStore.Get(ctx, ViewProduct, productID); err != nil {
			return nil, err
		} else if !ok {
			return nil, apperrors.NewNonRetryableBusiness(fmt.Sprintf("unknown product %s", productID))
		}
		price, err := events.Money(item["unit_price"])
		if err != nil {
			return nil, apperrors.NewValidation(fmt.Sprintf("line item for %s: %v", productID, err))
		}
		qty := decimal.NewFromFloat(asNumber(item["quantity"]))
		total = total.Add(price.Mul(qty))
	}
	return map[string]any{"total": total.String()}, nil
}

func emitStockEvents(ctx context.Context, submitter Submitter, sc *sagas.Context, eventType string) error {
	orderID, _ := sc.GetString("order_id")
	for _, item := range lineItems(sc) {
		productID, _ := item["product_id"].(string)
		err := submitAndWait(ctx, submitter, sc, eventType, productID, map[string]any{
			"order_id": orderID,
			"quantity": item["quantity"],
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func processPayment(ctx context.Context, submitter Submitter, sc *sagas.Context) error {
	orderID, _ := sc.GetString("order_id")
	totalStr, _ := sc.GetString("total")
	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return apperrors.NewConsistency(fmt.Sprintf("order %s has no computed total", orderID))
	}

	if total.GreaterThan(PaymentLimit) {
		reason := fmt.Sprintf("payment declined: %s exceeds limit %s", total, PaymentLimit)
		if serr := submitAndWait(ctx, submitter, sc, EventPaymentFailed, orderID, map[string]any{
			"order_id": orderID,
			"reason":   reason,
		}); serr != nil {
			return serr
		}
		return apperrors.NewNonRetryableBusiness(reason)
	}
	return submitAndWait(ctx, submitter, sc, EventPaymentProcessed, orderID, map[string]any{
		"order_id": orderID,
		"amount":   total.String(),
	})
}

func cancelOrder(ctx context.Context, submitter Submitter, sc *sagas.Context) error {
	orderID, _ := sc.GetString("order_id")
	return submitAndWait(ctx, submitter, sc, EventOrderCancelled, orderID, map[string]any{
		"order_id": orderID,
		"reason":   "fulfillment aborted",
	})
}

func submitAndWait(ctx context.Context, submitter Submitter, sc *sagas.Context, eventType, key string, payload map[string]any) error {
	event := events.NewEnvelope(eventType, "saga-orchestrator", key, payload).
		WithCorrelation(sc.CorrelationID())
	h, err := submitter.Submit(ctx, Domain, event)
	if err != nil {
		return err
	}
	_, err = h.Wait(ctx)
	return err
}

// lineItems normalizes the two slice shapes a payload may carry: the typed
// in-process form and the []any form after a JSON round trip.
func lineItems(sc *sagas.Context) []map[string]any {
	raw, _ := sc.Get("line_items")
	switch items := raw.(type) {
	case []map[string]any:
		return items
	case []any:
		out := make([]map[string]any, 0, len(items))
		for _, item := range items {
			if rec, ok := item.(map[string]any); ok {
				out = append(out, rec)
			}
		}
		return out
	}
	return nil
}
