// Package sagas implements the orchestrated saga executor, the choreographed
// saga tracker and the timeout scheduler over the saga state store.
package sagas

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "orderflow-backend/pkg/errors"
)

// Context is the mutable bag of values a saga accumulates across steps.
// Forward actions return deltas that are merged in; compensations read the
// bag to undo their step. All methods are safe for concurrent use.
type Context struct {
	sagaID        string
	correlationID string

	mu     sync.RWMutex
	values map[string]any
}

// NewContext creates a context seeded with the initial values.
func NewContext(sagaID, correlationID string, initial map[string]any) *Context {
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &Context{sagaID: sagaID, correlationID: correlationID, values: values}
}

func (c *Context) SagaID() string        { return c.sagaID }
func (c *Context) CorrelationID() string { return c.correlationID }

// Get returns the value stored under key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the value under key when it is a string.
func (c *Context) GetString(key string) (string, bool) {
	v, ok := c.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set stores one value.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Merge folds a step's delta into the bag. Later steps win key conflicts.
func (c *Context) Merge(delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range delta {
		c.values[k] = v
	}
}

// Snapshot returns a copy of the current values.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// ForwardFunc performs a step's work and returns the delta to merge into the
// saga context. A NonRetryableBusiness error triggers compensation without
// retries; other errors are retried per the step's resource policy.
type ForwardFunc func(ctx context.Context, sc *Context) (map[string]any, error)

// CompensateFunc undoes a completed step. It must be idempotent: the
// scheduler may re-trigger compensation after a crash.
type CompensateFunc func(ctx context.Context, sc *Context) error

// Step is one forward/undo pair of an orchestrated saga.
type Step struct {
	// Name identifies the step in state records and logs.
	Name string
	// Service tags the owning participant.
	Service string
	// EventType is recorded on the step's state entries.
	EventType string
	// Forward performs the step.
	Forward ForwardFunc
	// Compensate undoes the step. Nil means nothing to undo.
	Compensate CompensateFunc
	// Timeout bounds one forward or compensating invocation. Zero means the
	// caller's context governs.
	Timeout time.Duration
	// Resource names the resilience policy and breaker the step runs under.
	// Empty falls back to the saga type.
	Resource string
}

// Definition is an ordered list of steps executed by the orchestrator.
type Definition struct {
	// Type is the unique saga type name.
	Type string
	// Steps run in order; compensation runs in reverse.
	Steps []Step
}

// Validate rejects definitions the orchestrator cannot execute.
func (d *Definition) Validate() error {
	if d.Type == "" {
		return apperrors.NewValidation("saga definition needs a type")
	}
	if len(d.Steps) == 0 {
		return apperrors.NewValidation(fmt.Sprintf("saga %s has no steps", d.Type))
	}
	for i, s := range d.Steps {
		if s.Name == "" || s.Forward == nil {
			return apperrors.NewValidation(fmt.Sprintf("saga %s step %d needs a name and a forward action", d.Type, i))
		}
	}
	return nil
}

func (d *Definition) resourceFor(s Step) string {
	if s.Resource != "" {
		return s.Resource
	}
	return "saga:" + d.Type
}
