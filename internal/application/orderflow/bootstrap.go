package orderflow

import (
	"context"

	"go.uber.org/zap"

	"orderflow-backend/internal/application/pipeline"
	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/application/sagas"
	"orderflow-backend/internal/application/views"
	"orderflow-backend/internal/domain/events"
)

// Runtime is the slice of the container the order workflow needs.
type Runtime struct {
	Engine       *pipeline.Engine
	Views        ports.ViewStore
	Schemas      *events.SchemaRegistry
	ViewRegistry *views.Registry
	Orchestrator *sagas.Orchestrator
}

// Register wires the order-fulfillment domain: schemas, views, the saga
// definition, and the trigger that starts a fulfillment run for every
// accepted OrderCreated event.
func Register(rt Runtime, logger *zap.Logger) error {
	if err := RegisterSchemas(rt.Schemas); err != nil {
		return err
	}
	if err := RegisterViews(rt.ViewRegistry); err != nil {
		return err
	}
	if err := rt.Orchestrator.Register(FulfillmentSaga(rt.Engine, rt.Views)); err != nil {
		return err
	}

	rt.Engine.OnComplete(func(_ context.Context, domain string, _ int64, event *events.Envelope) {
		if domain != Domain || event.EventType != EventOrderCreated {
			return
		}
		input := FulfillmentInput(event)
		correlation := event.CorrelationID
		if correlation == "" {
			correlation = event.Key
		}
		// The saga submits further events; running it on the pipeline worker
		// would deadlock the partition.
		go func() {
			inst, err := rt.Orchestrator.Run(context.Background(), SagaType, correlation, input)
			if err != nil {
				status := ""
				if inst != nil {
					status = string(inst.Status)
				}
				logger.Warn("fulfillment did not complete",
					zap.String("order_id", event.Key),
					zap.String("status", status),
					zap.Error(err),
				)
				return
			}
			logger.Info("fulfillment completed", zap.String("order_id", event.Key))
		}()
	})
	return nil
}
