package sagas

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/config"
	"orderflow-backend/internal/domain/saga"
	"orderflow-backend/internal/infrastructure/resilience"
	apperrors "orderflow-backend/pkg/errors"
	"orderflow-backend/pkg/observability"
)

// Orchestrator is the centralized saga executor: forward steps under the
// resilience policy, reverse compensation on failure, terminal bookkeeping in
// the state store.
type Orchestrator struct {
	store   ports.SagaStateStore
	invoker *resilience.Invoker
	cfg     config.SagaConfig
	logger  *zap.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	defs     map[string]*Definition
	contexts map[string]*Context
}

// NewOrchestrator creates an orchestrator. Definitions register at startup.
func NewOrchestrator(store ports.SagaStateStore, invoker *resilience.Invoker, cfg config.SagaConfig, logger *zap.Logger, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		store:    store,
		invoker:  invoker,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		defs:     make(map[string]*Definition),
		contexts: make(map[string]*Context),
	}
}

// Register binds a saga definition to its type name.
func (o *Orchestrator) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.defs[def.Type]; exists {
		return apperrors.NewValidation(fmt.Sprintf("saga type %s is already registered", def.Type))
	}
	o.defs[def.Type] = def
	return nil
}

// Knows reports whether the type runs under this orchestrator.
func (o *Orchestrator) Knows(sagaType string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.defs[sagaType]
	return ok
}

func (o *Orchestrator) definition(sagaType string) (*Definition, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	def, ok := o.defs[sagaType]
	if !ok {
		return nil, apperrors.NewNotFound(fmt.Sprintf("saga type %s is not registered", sagaType))
	}
	return def, nil
}

// Run executes one saga instance to a terminal status and returns its final
// state. The returned error reflects the business outcome: nil for COMPLETED,
// the causing failure for COMPENSATED and FAILED.
func (o *Orchestrator) Run(ctx context.Context, sagaType, correlationID string, initial map[string]any) (*saga.Instance, error) {
	def, err := o.definition(sagaType)
	if err != nil {
		return nil, err
	}

	sagaID := uuid.NewString()
	timeout := o.cfg.TimeoutFor(sagaType)
	if _, err := o.store.Start(ctx, sagaID, sagaType, correlationID, len(def.Steps), timeout); err != nil {
		return nil, err
	}
	sc := NewContext(sagaID, correlationID, initial)
	o.trackContext(sagaID, sc)
	defer o.dropContext(sagaID)

	o.logger.Info("saga started",
		zap.String("saga_id", sagaID),
		zap.String("saga_type", sagaType),
		zap.Int("total_steps", len(def.Steps)),
	)

	for i, step := range def.Steps {
		if ferr := o.forward(ctx, def, sagaID, i, step, sc); ferr != nil {
			if _, serr := o.store.RecordStepFailed(ctx, sagaID, i, step.EventType, step.Service, ferr.Error()); serr != nil {
				// The CAS race: the scheduler may have moved the saga first.
				o.logger.Warn("could not record step failure",
					zap.String("saga_id", sagaID), zap.Error(serr))
			}
			o.logger.Warn("saga step failed, compensating",
				zap.String("saga_id", sagaID),
				zap.String("step", step.Name),
				zap.Error(ferr),
			)
			if cerr := o.compensateSteps(ctx, def, sagaID, sc); cerr != nil {
				return o.finalState(ctx, sagaID), cerr
			}
			if o.metrics != nil {
				o.metrics.RecordSagaCompensated(sagaType)
			}
			return o.finalState(ctx, sagaID), ferr
		}
	}

	// The final record_step_completed already terminalized the saga.
	if o.metrics != nil {
		o.metrics.RecordSagaCompleted(sagaType)
	}
	o.logger.Info("saga completed", zap.String("saga_id", sagaID))
	return o.finalState(ctx, sagaID), nil
}

func (o *Orchestrator) forward(ctx context.Context, def *Definition, sagaID string, stepNumber int, step Step, sc *Context) error {
	stepCtx, cancel := o.stepContext(ctx, step)
	defer cancel()

	var delta map[string]any
	err := o.invoker.Invoke(stepCtx, def.resourceFor(step), func(ctx context.Context) error {
		var ferr error
		delta, ferr = step.Forward(ctx, sc)
		return ferr
	})
	if err != nil {
		return err
	}
	sc.Merge(delta)
	if _, err := o.store.RecordStepCompleted(ctx, sagaID, stepNumber, step.EventType, step.Service, ""); err != nil {
		return err
	}
	return nil
}

// Compensate reverses a saga's completed steps. The scheduler calls it for
// timed-out sagas; Run calls it after a step failure. The instance must
// already be COMPENSATING.
func (o *Orchestrator) Compensate(ctx context.Context, sagaID string) error {
	inst, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	def, err := o.definition(inst.SagaType)
	if err != nil {
		return err
	}
	sc := o.contextFor(sagaID, inst)
	return o.compensateSteps(ctx, def, sagaID, sc)
}

func (o *Orchestrator) compensateSteps(ctx context.Context, def *Definition, sagaID string, sc *Context) error {
	inst, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	completed := inst.CompletedSteps()
	for i := len(completed) - 1; i >= 0; i-- {
		rec := completed[i]
		if rec.StepNumber < 0 || rec.StepNumber >= len(def.Steps) {
			return apperrors.NewConsistency(fmt.Sprintf("saga %s records unknown step %d", sagaID, rec.StepNumber))
		}
		step := def.Steps[rec.StepNumber]
		if step.Compensate == nil {
			if _, err := o.store.RecordCompensationStep(ctx, sagaID, rec.StepNumber, step.EventType, step.Service); err != nil {
				return err
			}
			continue
		}

		stepCtx, cancel := o.stepContext(ctx, step)
		err := o.invoker.Invoke(stepCtx, def.resourceFor(step), func(ctx context.Context) error {
			return step.Compensate(ctx, sc)
		})
		cancel()
		if err != nil {
			// A step that cannot be undone needs an operator; the saga parks
			// in FAILED with the reason on record.
			o.logger.Error("compensation failed, saga needs intervention",
				zap.String("saga_id", sagaID),
				zap.String("step", step.Name),
				zap.Error(err),
			)
			if cerr := o.store.Complete(ctx, sagaID, saga.StatusFailed); cerr != nil {
				o.logger.Warn("could not mark saga failed", zap.String("saga_id", sagaID), zap.Error(cerr))
			}
			return apperrors.Wrap(err, fmt.Sprintf("compensation of step %s failed", step.Name))
		}
		if _, err := o.store.RecordCompensationStep(ctx, sagaID, rec.StepNumber, step.EventType, step.Service); err != nil {
			return err
		}
	}

	// With no completed steps the compensation records never fire the
	// COMPENSATED transition; terminalize explicitly.
	final, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if final.Status == saga.StatusCompensating {
		return o.store.Complete(ctx, sagaID, saga.StatusCompensated)
	}
	return nil
}

func (o *Orchestrator) stepContext(ctx context.Context, step Step) (context.Context, context.CancelFunc) {
	if step.Timeout > 0 {
		return context.WithTimeout(ctx, step.Timeout)
	}
	return context.WithCancel(ctx)
}

func (o *Orchestrator) trackContext(sagaID string, sc *Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.contexts[sagaID] = sc
}

func (o *Orchestrator) dropContext(sagaID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.contexts, sagaID)
}

// contextFor returns the live context of an in-process saga, or a bag seeded
// from the instance when the process restarted since the saga began.
func (o *Orchestrator) contextFor(sagaID string, inst *saga.Instance) *Context {
	o.mu.RLock()
	sc, ok := o.contexts[sagaID]
	o.mu.RUnlock()
	if ok {
		return sc
	}
	return NewContext(sagaID, inst.CorrelationID, nil)
}

func (o *Orchestrator) finalState(ctx context.Context, sagaID string) *saga.Instance {
	inst, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil
	}
	return inst
}
