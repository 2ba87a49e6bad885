package messaging

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/config"
	"orderflow-backend/internal/domain/events"
	"orderflow-backend/pkg/observability"
)

// OutboxPublisher drains staged rows to the bus. Delivery is at-least-once:
// a crash between Publish and MarkPublished re-delivers on the next poll.
type OutboxPublisher struct {
	store   ports.OutboxStore
	dlq     ports.DeadLetterStore
	bus     ports.EventBus
	cfg     config.OutboxConfig
	logger  *zap.Logger
	metrics *observability.Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewOutboxPublisher creates a stopped publisher.
func NewOutboxPublisher(store ports.OutboxStore, dlq ports.DeadLetterStore, bus ports.EventBus, cfg config.OutboxConfig, logger *zap.Logger, metrics *observability.Metrics) *OutboxPublisher {
	return &OutboxPublisher{
		store:   store,
		dlq:     dlq,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the poll loop.
func (p *OutboxPublisher) Start() {
	go p.run()
}

// Stop drains the current batch and stops the loop.
func (p *OutboxPublisher) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *OutboxPublisher) run() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			p.Drain(context.Background())
			return
		case <-ticker.C:
			p.Drain(context.Background())
		}
	}
}

// Drain publishes one batch of due rows. Exposed for the shutdown sequence
// and for tests.
func (p *OutboxPublisher) Drain(ctx context.Context) {
	due, err := p.store.FetchDue(ctx, time.Now().UTC(), p.cfg.BatchSize)
	if err != nil {
		p.logger.Warn("failed to fetch due outbox rows", zap.Error(err))
		return
	}
	for _, entry := range due {
		p.publishOne(ctx, entry)
	}
}

func (p *OutboxPublisher) publishOne(ctx context.Context, entry *ports.OutboxEntry) {
	err := p.deliver(ctx, entry)
	if err == nil {
		if err := p.store.MarkPublished(ctx, entry.ID); err != nil {
			p.logger.Warn("failed to mark outbox row published; row will re-deliver",
				zap.Int64("id", entry.ID), zap.Error(err))
		}
		if p.metrics != nil {
			p.metrics.RecordOutboxPublished()
		}
		return
	}

	attempts := entry.Attempts + 1
	if p.metrics != nil {
		p.metrics.RecordOutboxFailure()
	}
	if attempts >= p.cfg.MaxAttempts {
		p.park(ctx, entry, attempts, err)
		return
	}
	next := time.Now().UTC().Add(p.backoff(attempts))
	if err := p.store.MarkFailed(ctx, entry.ID, attempts, next, err.Error()); err != nil {
		p.logger.Warn("failed to reschedule outbox row", zap.Int64("id", entry.ID), zap.Error(err))
	}
}

func (p *OutboxPublisher) deliver(ctx context.Context, entry *ports.OutboxEntry) error {
	env := &events.Envelope{}
	if err := json.Unmarshal(entry.Payload, env); err != nil {
		return err
	}
	return p.bus.Publish(ctx, entry.Destination, env)
}

// park moves an exhausted row to the dead letters and marks it FAILED.
func (p *OutboxPublisher) park(ctx context.Context, entry *ports.OutboxEntry, attempts int, cause error) {
	_, err := p.dlq.Add(ctx, &ports.DeadLetterEntry{
		Source:     entry.Destination,
		Payload:    entry.Payload,
		Reason:     cause.Error(),
		FirstSeen:  entry.CreatedAt,
		Attempts:   attempts,
		Replayable: true,
	})
	if err != nil {
		p.logger.Error("failed to dead-letter outbox row; leaving it FAILED",
			zap.Int64("id", entry.ID), zap.Error(err))
	}
	if err := p.store.MarkFailed(ctx, entry.ID, attempts, time.Time{}, cause.Error()); err != nil {
		p.logger.Warn("failed to park outbox row", zap.Int64("id", entry.ID), zap.Error(err))
	}
	if p.metrics != nil {
		p.metrics.RecordOutboxDeadLetter()
	}
	p.logger.Error("outbox row exhausted delivery attempts",
		zap.Int64("id", entry.ID),
		zap.String("destination", entry.Destination),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
}

func (p *OutboxPublisher) backoff(attempts int) time.Duration {
	d := time.Duration(float64(p.cfg.BaseBackoff) * math.Pow(2, float64(attempts-1)))
	if d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}
	return d
}
