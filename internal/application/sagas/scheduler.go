package sagas

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/config"
	"orderflow-backend/internal/domain/saga"
	"orderflow-backend/pkg/observability"
)

// Scheduler scans for sagas past their deadline and fires compensation. The
// compare-and-set on status makes the trigger at-most-once even when an
// orchestrator is concurrently finishing the same saga.
type Scheduler struct {
	store   ports.SagaStateStore
	orch    *Orchestrator
	tracker *Tracker
	cfg     config.SagaConfig
	logger  *zap.Logger
	metrics *observability.Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. Either coordinator may be nil when the
// deployment runs only one saga style.
func NewScheduler(store ports.SagaStateStore, orch *Orchestrator, tracker *Tracker, cfg config.SagaConfig, logger *zap.Logger, metrics *observability.Metrics) *Scheduler {
	return &Scheduler{
		store:   store,
		orch:    orch,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the scan loop.
func (s *Scheduler) Start() {
	tick := s.cfg.SchedulerTick
	if tick <= 0 {
		tick = 5 * time.Second
	}
	s.wg.Add(1)
	go s.run(tick)
}

// Stop halts the loop and waits for an in-flight scan.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) run(tick time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx := context.Background()
			s.Scan(ctx, time.Now())
			s.purge(ctx, time.Now())
		}
	}
}

// Scan handles every saga past its deadline at now. Exposed for tests and
// for a forced sweep on demand.
func (s *Scheduler) Scan(ctx context.Context, now time.Time) {
	expired, err := s.store.PastDeadline(ctx, now)
	if err != nil {
		s.logger.Error("deadline scan failed", zap.Error(err))
		return
	}
	for _, inst := range expired {
		s.handleExpired(ctx, inst)
	}
}

func (s *Scheduler) handleExpired(ctx context.Context, inst *saga.Instance) {
	from := []saga.Status{saga.StatusStarted, saga.StatusInProgress}

	if !s.cfg.AutoCompensate {
		won, err := s.store.CompareAndSetStatus(ctx, inst.SagaID, from, saga.StatusTimedOut, "deadline elapsed")
		if err != nil {
			s.logger.Error("timeout transition failed", zap.String("saga_id", inst.SagaID), zap.Error(err))
		} else if won {
			s.logger.Warn("saga timed out", zap.String("saga_id", inst.SagaID))
		}
		return
	}

	won, err := s.store.CompareAndSetStatus(ctx, inst.SagaID, from, saga.StatusCompensating, "TIMEOUT: deadline elapsed")
	if err != nil {
		s.logger.Error("timeout transition failed", zap.String("saga_id", inst.SagaID), zap.Error(err))
		return
	}
	if !won {
		// The saga terminalized between the scan and the CAS.
		return
	}

	s.logger.Warn("saga deadline elapsed, compensating",
		zap.String("saga_id", inst.SagaID),
		zap.String("saga_type", inst.SagaType),
	)
	if err := s.compensate(ctx, inst); err != nil {
		s.logger.Error("timeout compensation failed",
			zap.String("saga_id", inst.SagaID), zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSagaCompensated(inst.SagaType)
	}
}

func (s *Scheduler) compensate(ctx context.Context, inst *saga.Instance) error {
	if s.orch != nil && s.orch.Knows(inst.SagaType) {
		return s.orch.Compensate(ctx, inst.SagaID)
	}
	if s.tracker != nil && s.tracker.Knows(inst.SagaType) {
		return s.tracker.TriggerCompensation(ctx, inst.SagaID)
	}
	// Nobody owns the type anymore; park it terminally.
	return s.store.Complete(ctx, inst.SagaID, saga.StatusTimedOut)
}

func (s *Scheduler) purge(ctx context.Context, now time.Time) {
	if s.cfg.Retention <= 0 {
		return
	}
	removed, err := s.store.Purge(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		s.logger.Error("saga purge failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("purged terminal sagas", zap.Int("removed", removed))
	}
}
