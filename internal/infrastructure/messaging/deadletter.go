package messaging

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/domain/events"
	apperrors "orderflow-backend/pkg/errors"
)

// DeadLetterQueue is the operator surface over parked payloads.
type DeadLetterQueue struct {
	store  ports.DeadLetterStore
	outbox ports.OutboxStore
	logger *zap.Logger
}

// NewDeadLetterQueue wraps a store and the outbox used for replay.
func NewDeadLetterQueue(store ports.DeadLetterStore, outbox ports.OutboxStore, logger *zap.Logger) *DeadLetterQueue {
	return &DeadLetterQueue{store: store, outbox: outbox, logger: logger}
}

// List returns parked entries oldest first.
func (q *DeadLetterQueue) List(ctx context.Context, limit int) ([]*ports.DeadLetterEntry, error) {
	return q.store.List(ctx, limit)
}

// Get returns one entry.
func (q *DeadLetterQueue) Get(ctx context.Context, id int64) (*ports.DeadLetterEntry, error) {
	return q.store.Get(ctx, id)
}

// Replay re-enqueues an entry as a PENDING outbox row bound for its original
// destination and removes it from the queue. The entry stays parked when
// staging fails.
func (q *DeadLetterQueue) Replay(ctx context.Context, id int64) error {
	entry, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !entry.Replayable {
		return apperrors.NewNonRetryableBusiness("dead-letter entry is not replayable")
	}
	env := &events.Envelope{}
	if err := json.Unmarshal(entry.Payload, env); err != nil {
		return apperrors.NewPoisoned("dead-letter payload is not an event envelope", err)
	}
	outboxID, err := q.outbox.Stage(ctx, entry.Source, entry.Payload)
	if err != nil {
		return apperrors.Wrap(err, "failed to re-enqueue dead-letter entry")
	}
	if err := q.store.Delete(ctx, id); err != nil {
		// The row is staged; a duplicate on the next replay attempt is
		// absorbed by event-ID dedup downstream.
		q.logger.Warn("replayed dead-letter entry could not be removed",
			zap.Int64("id", id), zap.Error(err))
	}
	q.logger.Info("dead-letter entry re-enqueued for delivery",
		zap.Int64("id", id),
		zap.Int64("outbox_id", outboxID),
		zap.String("destination", entry.Source),
	)
	return nil
}

// Discard drops an entry without replaying it.
func (q *DeadLetterQueue) Discard(ctx context.Context, id int64) error {
	if err := q.store.Delete(ctx, id); err != nil {
		return err
	}
	q.logger.Info("dead-letter entry discarded", zap.Int64("id", id))
	return nil
}
