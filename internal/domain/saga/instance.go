// Package saga models saga instances, their step records and the status
// lattice enforced by the state store.
package saga

import (
	"time"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
	StatusTimedOut     Status = "TIMED_OUT"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// lattice holds the allowed forward edges of the status graph.
var lattice = map[Status][]Status{
	StatusStarted:      {StatusInProgress, StatusCompleted, StatusCompensating, StatusFailed, StatusTimedOut},
	StatusInProgress:   {StatusInProgress, StatusCompleted, StatusCompensating, StatusFailed, StatusTimedOut},
	StatusCompensating: {StatusCompensated, StatusFailed, StatusTimedOut},
}

// CanTransitionTo reports whether the lattice permits s -> next.
// Terminal statuses are absorbing.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	for _, allowed := range lattice[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepStatus is the state of a single step record.
type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepCompleted   StepStatus = "COMPLETED"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
)

// StepRecord tracks one executed (or attempted) step of a saga.
type StepRecord struct {
	StepNumber    int        `json:"step_number"`
	StepName      string     `json:"step_name"`
	Service       string     `json:"service"`
	EventType     string     `json:"event_type"`
	Status        StepStatus `json:"status"`
	EventID       string     `json:"event_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// Instance is the durable tracking record of one saga execution.
type Instance struct {
	SagaID        string       `json:"saga_id"`
	SagaType      string       `json:"saga_type"`
	Status        Status       `json:"status"`
	TotalSteps    int          `json:"total_steps"`
	CurrentStep   int          `json:"current_step"`
	Steps         []StepRecord `json:"steps"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	Deadline      time.Time    `json:"deadline"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	FailedAtStep  *int         `json:"failed_at_step,omitempty"`
}

// Clone returns an independent copy safe to hand to callers.
func (i *Instance) Clone() *Instance {
	cp := *i
	cp.Steps = make([]StepRecord, len(i.Steps))
	copy(cp.Steps, i.Steps)
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		cp.CompletedAt = &t
	}
	if i.FailedAtStep != nil {
		n := *i.FailedAtStep
		cp.FailedAtStep = &n
	}
	return &cp
}

// CompletedSteps returns the step records that finished forward execution,
// in execution order.
func (i *Instance) CompletedSteps() []StepRecord {
	out := make([]StepRecord, 0, len(i.Steps))
	for _, s := range i.Steps {
		if s.Status == StepCompleted {
			out = append(out, s)
		}
	}
	return out
}

// AllCompletedCompensated reports whether every step that completed forward
// execution has since been compensated.
func (i *Instance) AllCompletedCompensated() bool {
	for _, s := range i.Steps {
		if s.Status == StepCompleted {
			return false
		}
	}
	return true
}
