package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"orderflow-backend/internal/config"
	apperrors "orderflow-backend/pkg/errors"
	"orderflow-backend/pkg/observability"
)

// Invoker is the single entry point for calls to downstream resources. Every
// attempt passes through the resource's circuit breaker; retryable failures
// are retried per the resource policy.
type Invoker struct {
	breakers *Breakers
	cfg      func(resource string) config.ResourceConfig
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewInvoker creates an invoker over a breaker registry.
func NewInvoker(breakers *Breakers, rc config.ResilienceConfig, logger *zap.Logger, metrics *observability.Metrics) *Invoker {
	cfg := rc
	inv := &Invoker{
		breakers: breakers,
		cfg:      func(resource string) config.ResourceConfig { return cfg.For(resource) },
		logger:   logger,
		metrics:  metrics,
	}
	return inv
}

// Reconfigure swaps the retry policies and rebuilds the breakers.
func (i *Invoker) Reconfigure(rc config.ResilienceConfig) {
	i.cfg = func(resource string) config.ResourceConfig { return rc.For(resource) }
	i.breakers.Reconfigure(rc)
}

// Invoke runs fn against the named resource. It returns CIRCUIT_OPEN when
// the breaker rejects the call, the underlying error for non-retryable
// failures, and RETRIES_EXHAUSTED when the retry budget runs out.
func (i *Invoker) Invoke(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	rc := i.cfg(resource)
	cb := i.breakers.For(resource)

	return Retry(ctx, rc, func() error {
		_, err := cb.Execute(func() (any, error) {
			return nil, fn(ctx)
		})
		if i.metrics != nil {
			i.metrics.RecordInvokeAttempt(resource, err)
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: resource %s", apperrors.ErrCircuitOpen, resource)
		}
		return err
	})
}

// State returns the breaker state for a resource, for health reporting.
func (i *Invoker) State(resource string) gobreaker.State {
	return i.breakers.For(resource).State()
}
