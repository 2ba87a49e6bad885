package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"orderflow-backend/internal/domain/events"
	apperrors "orderflow-backend/pkg/errors"
)

// RebuildViews suspends ingestion for the domain, clears its views in
// dependency order and replays the event log through UPDATE_VIEW only.
// PUBLISH and COMPLETE never run during a rebuild, so no event is
// re-broadcast and no completion marker is rewritten.
func (e *Engine) RebuildViews(ctx context.Context, domain string) error {
	order, err := e.registry.RebuildOrder(domain)
	if err != nil {
		return err
	}
	if len(order) == 0 {
		return nil
	}

	// Taking the write side waits for in-flight events of this domain and
	// holds back queued ones until the rebuild finishes.
	l := e.domainLock(domain)
	l.Lock()
	defer l.Unlock()

	start := time.Now()
	e.logger.Info("view rebuild started",
		zap.String("domain", domain),
		zap.Int("views", len(order)),
	)

	for _, u := range order {
		if err := e.views.Clear(ctx, u.View); err != nil {
			return apperrors.Wrap(err, "rebuild aborted while clearing views")
		}
	}

	replayed := 0
	err = e.log.ReplayAll(ctx, domain, func(seq int64, event *events.Envelope) error {
		for _, u := range order {
			key, ok := u.KeyFor(event)
			if !ok {
				continue
			}
			if err := e.views.AtomicUpdate(ctx, u.View, key, u.UpdateFn(event)); err != nil {
				return err
			}
		}
		replayed++
		return nil
	})
	if err != nil {
		return apperrors.Wrap(err, "rebuild aborted during replay")
	}

	e.logger.Info("view rebuild finished",
		zap.String("domain", domain),
		zap.Int("events", replayed),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}
