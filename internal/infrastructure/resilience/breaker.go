// Package resilience wraps calls to downstream resources with a circuit
// breaker and classified retries.
package resilience

import (
	"sync"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"orderflow-backend/internal/config"
	apperrors "orderflow-backend/pkg/errors"
	"orderflow-backend/pkg/observability"
)

// breakerStateValue maps gobreaker states to the gauge encoding
// 0=closed, 1=half-open, 2=open.
func breakerStateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// Breakers holds one circuit breaker per named resource. Policies can be
// retuned at runtime via Reconfigure.
type Breakers struct {
	mu       sync.Mutex
	cfg      config.ResilienceConfig
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewBreakers creates an empty registry.
func NewBreakers(cfg config.ResilienceConfig, logger *zap.Logger, metrics *observability.Metrics) *Breakers {
	return &Breakers{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
		metrics:  metrics,
	}
}

// For returns the breaker guarding a resource, creating it on first use.
func (b *Breakers) For(resource string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[resource]
	if !ok {
		cb = b.build(resource, b.cfg.For(resource))
		b.breakers[resource] = cb
	}
	return cb
}

// Reconfigure replaces the policy set. Existing breakers are rebuilt lazily;
// a rebuilt breaker starts closed.
func (b *Breakers) Reconfigure(cfg config.ResilienceConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	b.breakers = make(map[string]*gobreaker.CircuitBreaker)
	b.logger.Info("circuit breaker policies reloaded")
}

func (b *Breakers) build(resource string, rc config.ResourceConfig) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        resource,
		MaxRequests: rc.ProbeCount,
		Interval:    rc.SlidingWindow,
		Timeout:     rc.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < rc.MinCalls {
				return false
			}
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRate >= rc.FailureRateThreshold
		},
		// Business rejections are not resource failures; only retryable
		// errors count toward the failure rate.
		IsSuccessful: func(err error) bool {
			return err == nil || !apperrors.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed",
				zap.String("resource", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if b.metrics != nil {
				b.metrics.SetBreakerState(name, breakerStateValue(to))
			}
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}
