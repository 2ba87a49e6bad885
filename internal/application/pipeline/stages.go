package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/config"
	"orderflow-backend/internal/domain/events"
	apperrors "orderflow-backend/pkg/errors"
)

// Resource names used by the resilient invoker.
const (
	resourceEventLog  = "event-log"
	resourceViewStore = "view-store"
	resourceBus       = "event-bus"
)

// process runs one event through ENRICH..COMPLETE. SOURCE accounting
// happens on entry.
func (e *Engine) process(ctx context.Context, it item) {
	ctx, span := e.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("domain", it.domain),
			attribute.String("key", it.event.Key),
			attribute.String("event_type", it.event.EventType),
		),
	)
	defer span.End()

	// SOURCE: the wait between enqueue and the worker picking the event up.
	e.recordStage(it.domain, "source", time.Since(it.enqueuedAt), nil)

	enrichStart := time.Now()
	e.enrich(it.event)
	err := it.event.Validate()
	e.recordStage(it.domain, "enrich", time.Since(enrichStart), err)
	if err != nil {
		// Structurally invalid and never persisted; reject the submitter
		// directly instead of parking an unreplayable dead letter.
		it.handle.resolve(Result{Err: err})
		return
	}

	seq, err := e.persist(ctx, it)
	if err != nil {
		if apperrors.IsDuplicateEvent(err) {
			// Idempotent no-op: the event is already stored and processed.
			it.handle.resolve(Result{Duplicate: true})
			return
		}
		span.RecordError(err)
		e.divert(ctx, it, "persist", err)
		return
	}

	if err := e.updateViews(ctx, it); err != nil {
		span.RecordError(err)
		e.divert(ctx, it, "update_view", err)
		return
	}

	if err := e.publish(ctx, it); err != nil {
		span.RecordError(err)
		e.divert(ctx, it, "publish", err)
		return
	}

	e.complete(ctx, it, seq)
}

// enrich fills the envelope fields a sparse submission may omit.
func (e *Engine) enrich(env *events.Envelope) {
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.EventVersion == "" {
		env.EventVersion = events.DefaultEventVersion
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
}

// persist appends to the event log under the retry/breaker policy.
func (e *Engine) persist(ctx context.Context, it item) (int64, error) {
	start := time.Now()
	var seq int64
	err := e.invoker.Invoke(ctx, resourceEventLog, func(ctx context.Context) error {
		var appendErr error
		seq, appendErr = e.log.Append(ctx, it.domain, it.event.Key, it.event)
		return appendErr
	})
	e.recordStage(it.domain, "persist", time.Since(start), err)
	return seq, err
}

// updateViews runs every registered updater of the domain against the event.
func (e *Engine) updateViews(ctx context.Context, it item) error {
	start := time.Now()
	err := e.applyUpdaters(ctx, it.domain, it.event)
	e.recordStage(it.domain, "update_view", time.Since(start), err)
	return err
}

func (e *Engine) applyUpdaters(ctx context.Context, domain string, event *events.Envelope) error {
	for _, u := range e.registry.ForDomain(domain) {
		key, ok := u.KeyFor(event)
		if !ok {
			continue
		}
		updater := u
		err := e.invoker.Invoke(ctx, resourceViewStore, func(ctx context.Context) error {
			return e.views.AtomicUpdate(ctx, updater.View, key, updater.UpdateFn(event))
		})
		if err != nil {
			return apperrors.Wrap(err, fmt.Sprintf("view %s rejected event %s", updater.View, event.EventID))
		}
	}
	return nil
}

// publish broadcasts directly or stages through the outbox, per config.
func (e *Engine) publish(ctx context.Context, it item) error {
	start := time.Now()
	topic := ports.EventsTopic(it.domain)
	var err error
	if e.cfg.PublishMode == config.PublishOutbox {
		err = e.stageOutbox(ctx, topic, it.event)
	} else {
		err = e.invoker.Invoke(ctx, resourceBus, func(ctx context.Context) error {
			return e.bus.Publish(ctx, topic, it.event)
		})
	}
	e.recordStage(it.domain, "publish", time.Since(start), err)
	return err
}

func (e *Engine) stageOutbox(ctx context.Context, topic string, event *events.Envelope) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return apperrors.NewValidation(fmt.Sprintf("event %s is not serializable: %v", event.EventID, err))
	}
	_, err = e.outbox.Stage(ctx, topic, payload)
	return err
}

// complete resolves the submitter's handle and notifies observers.
func (e *Engine) complete(ctx context.Context, it item, seq int64) {
	start := time.Now()
	it.handle.resolve(Result{Sequence: seq})
	e.mu.Lock()
	observers := append([]CompletionObserver(nil), e.observers...)
	e.mu.Unlock()
	for _, fn := range observers {
		fn(ctx, it.domain, seq, it.event)
	}
	e.recordStage(it.domain, "complete", time.Since(start), nil)
}

// divert parks a failed event in the dead letters and rejects the handle.
// Retryable errors that exhausted their budget stay replayable.
func (e *Engine) divert(ctx context.Context, it item, stage string, cause error) {
	replayable := !isFinal(cause)
	payload, merr := json.Marshal(it.event)
	if merr != nil {
		payload = []byte(fmt.Sprintf("%v", it.event))
	}
	_, err := e.dlq.Add(ctx, &ports.DeadLetterEntry{
		Source:     ports.EventsTopic(it.domain),
		Payload:    payload,
		Reason:     fmt.Sprintf("%s: %v", stage, cause),
		FirstSeen:  time.Now().UTC(),
		Replayable: replayable,
	})
	if err != nil {
		e.logger.Error("failed to dead-letter event",
			zap.String("event_id", it.event.EventID),
			zap.String("stage", stage),
			zap.Error(err),
		)
	}
	e.logger.Warn("event diverted to dead letters",
		zap.String("domain", it.domain),
		zap.String("key", it.event.Key),
		zap.String("event_id", it.event.EventID),
		zap.String("stage", stage),
		zap.Bool("replayable", replayable),
		zap.Error(cause),
	)
	it.handle.resolve(Result{Err: cause})
}

// isFinal reports whether the error can never succeed on replay.
func isFinal(err error) bool {
	return apperrors.IsValidation(err) ||
		apperrors.IsNonRetryableBusiness(err) ||
		apperrors.IsConsistency(err) ||
		apperrors.IsPoisoned(err)
}

func (e *Engine) recordStage(domain, stage string, d time.Duration, err error) {
	if e.metrics != nil {
		e.metrics.RecordStage(domain, stage, d, err)
	}
}
