package sagas

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/config"
	"orderflow-backend/internal/domain/events"
	apperrors "orderflow-backend/pkg/errors"
)

// Choreography describes a saga coordinated by events alone. The tracker
// records transitions from saga-bearing events it observes; compensation is
// triggered by publishing the compensating event type of each completed step.
type Choreography struct {
	// Type is the unique saga type name.
	Type string
	// Domain is where the participating events live; compensating events are
	// published on the domain's saga topic.
	Domain string
	// TotalSteps is the forward step count.
	TotalSteps int
	// Compensations maps forward event types to their compensating types.
	Compensations map[string]string
	// FailureTypes lists event types that mean a step failed.
	FailureTypes map[string]struct{}
}

// Validate rejects choreographies the tracker cannot follow.
func (c *Choreography) Validate() error {
	if c.Type == "" || c.Domain == "" || c.TotalSteps <= 0 {
		return apperrors.NewValidation("choreography needs a type, a domain and a positive step count")
	}
	return nil
}

// Tracker follows choreographed sagas. It hangs off the pipeline's COMPLETE
// stage: every accepted event with saga metadata updates the state store.
type Tracker struct {
	store  ports.SagaStateStore
	bus    ports.EventBus
	cfg    config.SagaConfig
	logger *zap.Logger

	mu   sync.RWMutex
	defs map[string]*Choreography
}

// NewTracker creates a tracker. Choreographies register at startup.
func NewTracker(store ports.SagaStateStore, bus ports.EventBus, cfg config.SagaConfig, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:  store,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		defs:   make(map[string]*Choreography),
	}
}

// Register binds a choreography to its saga type.
func (t *Tracker) Register(c *Choreography) error {
	if err := c.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.defs[c.Type]; exists {
		return apperrors.NewValidation(fmt.Sprintf("choreography %s is already registered", c.Type))
	}
	t.defs[c.Type] = c
	return nil
}

// Knows reports whether the saga type is choreographed.
func (t *Tracker) Knows(sagaType string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.defs[sagaType]
	return ok
}

func (t *Tracker) definition(sagaType string) (*Choreography, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.defs[sagaType]
	return c, ok
}

// Observe is the pipeline completion hook. Events without saga metadata, or
// of unregistered types, pass through untouched.
func (t *Tracker) Observe(ctx context.Context, domain string, _ int64, event *events.Envelope) {
	meta := event.Saga
	if meta == nil || meta.SagaID == "" {
		return
	}
	def, ok := t.definition(meta.SagaType)
	if !ok {
		return
	}

	if err := t.ensureStarted(ctx, def, event); err != nil {
		t.logger.Error("could not start tracked saga",
			zap.String("saga_id", meta.SagaID), zap.Error(err))
		return
	}

	var err error
	switch {
	case meta.IsCompensating:
		_, err = t.store.RecordCompensationStep(ctx, meta.SagaID, meta.StepNumber, event.EventType, event.Source)
	case t.isFailure(def, event.EventType):
		reason := failureReason(event)
		if _, err = t.store.RecordStepFailed(ctx, meta.SagaID, meta.StepNumber, event.EventType, event.Source, reason); err == nil {
			err = t.TriggerCompensation(ctx, meta.SagaID)
		}
	default:
		_, err = t.store.RecordStepCompleted(ctx, meta.SagaID, meta.StepNumber, event.EventType, event.Source, event.EventID)
	}
	if err != nil && !apperrors.IsConsistency(err) {
		t.logger.Error("saga tracking update failed",
			zap.String("saga_id", meta.SagaID),
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
	}
}

// ensureStarted creates the instance on the first event of a saga.
func (t *Tracker) ensureStarted(ctx context.Context, def *Choreography, event *events.Envelope) error {
	meta := event.Saga
	if _, err := t.store.Get(ctx, meta.SagaID); err == nil {
		return nil
	} else if !apperrors.IsNotFound(err) {
		return err
	}
	_, err := t.store.Start(ctx, meta.SagaID, meta.SagaType, event.CorrelationID, def.TotalSteps, t.cfg.TimeoutFor(meta.SagaType))
	if err != nil && apperrors.IsConsistency(err) {
		// Lost a create race; the instance exists now.
		return nil
	}
	return err
}

func (t *Tracker) isFailure(def *Choreography, eventType string) bool {
	_, ok := def.FailureTypes[eventType]
	return ok
}

// TriggerCompensation publishes the compensating event for every completed
// step, newest first, on the domain's saga topic. Participants run their
// local undo and report back with is_compensating events.
func (t *Tracker) TriggerCompensation(ctx context.Context, sagaID string) error {
	inst, err := t.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	def, ok := t.definition(inst.SagaType)
	if !ok {
		return apperrors.NewNotFound(fmt.Sprintf("choreography %s is not registered", inst.SagaType))
	}

	completed := inst.CompletedSteps()
	for i := len(completed) - 1; i >= 0; i-- {
		rec := completed[i]
		compType, ok := def.Compensations[rec.EventType]
		if !ok {
			t.logger.Warn("no compensating event type for step",
				zap.String("saga_id", sagaID),
				zap.String("event_type", rec.EventType),
			)
			continue
		}
		comp := events.NewEnvelope(compType, "saga-tracker", inst.SagaID, map[string]any{
			"compensates_step": rec.StepNumber,
			"reason":           inst.FailureReason,
		}).WithCorrelation(inst.CorrelationID).WithSaga(events.SagaMeta{
			SagaID:         inst.SagaID,
			SagaType:       inst.SagaType,
			StepNumber:     rec.StepNumber,
			IsCompensating: true,
		})
		if err := t.bus.Publish(ctx, ports.SagaTopic(def.Domain), comp); err != nil {
			return apperrors.Wrap(err, fmt.Sprintf("could not publish compensating event %s", compType))
		}
	}
	return nil
}

func failureReason(event *events.Envelope) string {
	if r, ok := event.Payload["reason"].(string); ok && r != "" {
		return r
	}
	return event.EventType
}
