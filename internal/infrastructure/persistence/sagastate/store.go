// Package sagastate implements the saga tracking store. The in-memory image
// is authoritative for the running process; an optional relational mirror
// makes instances survive restarts.
package sagastate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/domain/saga"
	apperrors "orderflow-backend/pkg/errors"
)

// Mirror is the relational write-through behind the store.
type Mirror interface {
	Save(ctx context.Context, instance *saga.Instance) error
	Remove(ctx context.Context, sagaID string) error
	LoadAll(ctx context.Context) ([]*saga.Instance, error)
}

type deadlineEntry struct {
	at     time.Time
	sagaID string
}

// Store implements ports.SagaStateStore.
type Store struct {
	mu            sync.Mutex
	byID          map[string]*saga.Instance
	byStatus      map[saga.Status]map[string]struct{}
	byType        map[string]map[string]struct{}
	byCorrelation map[string]map[string]struct{}
	// deadlines is kept sorted by time; terminal sagas are removed eagerly,
	// so a deadline query is a prefix walk.
	deadlines []deadlineEntry

	mirror Mirror
	logger *zap.Logger
}

// New creates an empty store. mirror may be nil.
func New(mirror Mirror, logger *zap.Logger) *Store {
	return &Store{
		byID:          make(map[string]*saga.Instance),
		byStatus:      make(map[saga.Status]map[string]struct{}),
		byType:        make(map[string]map[string]struct{}),
		byCorrelation: make(map[string]map[string]struct{}),
		mirror:        mirror,
		logger:        logger,
	}
}

// Hydrate loads all mirrored instances into the in-memory image. Called once
// at startup before any traffic.
func (s *Store) Hydrate(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	instances, err := s.mirror.LoadAll(ctx)
	if err != nil {
		return apperrors.NewStorage("failed to hydrate saga state", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range instances {
		s.index(inst)
	}
	s.logger.Info("saga state hydrated", zap.Int("instances", len(instances)))
	return nil
}

// index inserts an instance into every lookup structure. Caller holds s.mu.
func (s *Store) index(inst *saga.Instance) {
	s.byID[inst.SagaID] = inst
	s.addSet(s.statusSet(inst.Status), inst.SagaID)
	s.addSet(s.typeSet(inst.SagaType), inst.SagaID)
	if inst.CorrelationID != "" {
		s.addSet(s.correlationSet(inst.CorrelationID), inst.SagaID)
	}
	if !inst.Status.Terminal() {
		s.insertDeadline(inst.Deadline, inst.SagaID)
	}
}

func (s *Store) statusSet(st saga.Status) map[string]struct{} {
	set, ok := s.byStatus[st]
	if !ok {
		set = make(map[string]struct{})
		s.byStatus[st] = set
	}
	return set
}

func (s *Store) typeSet(t string) map[string]struct{} {
	set, ok := s.byType[t]
	if !ok {
		set = make(map[string]struct{})
		s.byType[t] = set
	}
	return set
}

func (s *Store) correlationSet(c string) map[string]struct{} {
	set, ok := s.byCorrelation[c]
	if !ok {
		set = make(map[string]struct{})
		s.byCorrelation[c] = set
	}
	return set
}

func (s *Store) addSet(set map[string]struct{}, id string) { set[id] = struct{}{} }

func (s *Store) insertDeadline(at time.Time, sagaID string) {
	i := sort.Search(len(s.deadlines), func(i int) bool {
		return s.deadlines[i].at.After(at)
	})
	s.deadlines = append(s.deadlines, deadlineEntry{})
	copy(s.deadlines[i+1:], s.deadlines[i:])
	s.deadlines[i] = deadlineEntry{at: at, sagaID: sagaID}
}

func (s *Store) removeDeadline(sagaID string) {
	for i := range s.deadlines {
		if s.deadlines[i].sagaID == sagaID {
			s.deadlines = append(s.deadlines[:i], s.deadlines[i+1:]...)
			return
		}
	}
}

// setStatus moves an instance between status sets. Caller holds s.mu.
func (s *Store) setStatus(inst *saga.Instance, to saga.Status) {
	delete(s.statusSet(inst.Status), inst.SagaID)
	inst.Status = to
	s.addSet(s.statusSet(to), inst.SagaID)
	if to.Terminal() {
		now := time.Now().UTC()
		inst.CompletedAt = &now
		s.removeDeadline(inst.SagaID)
	}
}

// save mirrors the instance after an in-memory mutation.
func (s *Store) save(ctx context.Context, inst *saga.Instance) error {
	if s.mirror == nil {
		return nil
	}
	if err := s.mirror.Save(ctx, inst.Clone()); err != nil {
		return apperrors.NewStorage(fmt.Sprintf("failed to persist saga %s", inst.SagaID), err)
	}
	return nil
}

// Start creates a new STARTED instance with its timeout deadline.
func (s *Store) Start(ctx context.Context, sagaID, sagaType, correlationID string, totalSteps int, timeout time.Duration) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[sagaID]; exists {
		return nil, apperrors.NewConsistency(fmt.Sprintf("saga %s already exists", sagaID))
	}
	now := time.Now().UTC()
	inst := &saga.Instance{
		SagaID:        sagaID,
		SagaType:      sagaType,
		Status:        saga.StatusStarted,
		TotalSteps:    totalSteps,
		CorrelationID: correlationID,
		StartedAt:     now,
		Deadline:      now.Add(timeout),
	}
	s.index(inst)
	if err := s.save(ctx, inst); err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

func (s *Store) mustGet(sagaID string) (*saga.Instance, error) {
	inst, ok := s.byID[sagaID]
	if !ok {
		return nil, apperrors.NewNotFound(fmt.Sprintf("saga %s not found", sagaID))
	}
	return inst, nil
}

// RecordStepCompleted appends a completed step record. Step numbers are
// zero-based; completing the final step moves the saga to COMPLETED,
// otherwise to IN_PROGRESS.
func (s *Store) RecordStepCompleted(ctx context.Context, sagaID string, stepNumber int, eventType, service, eventID string) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.mustGet(sagaID)
	if err != nil {
		return nil, err
	}
	if !inst.Status.CanTransitionTo(saga.StatusInProgress) {
		return nil, apperrors.NewConsistency(fmt.Sprintf("saga %s is %s, cannot record step", sagaID, inst.Status))
	}
	inst.Steps = append(inst.Steps, saga.StepRecord{
		StepNumber: stepNumber,
		StepName:   eventType,
		Service:    service,
		EventType:  eventType,
		Status:     saga.StepCompleted,
		EventID:    eventID,
		Timestamp:  time.Now().UTC(),
	})
	inst.CurrentStep = stepNumber + 1
	if inst.CurrentStep >= inst.TotalSteps {
		s.setStatus(inst, saga.StatusCompleted)
	} else {
		s.setStatus(inst, saga.StatusInProgress)
	}
	if err := s.save(ctx, inst); err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

// RecordStepFailed appends a failed step record and moves the saga to
// COMPENSATING.
func (s *Store) RecordStepFailed(ctx context.Context, sagaID string, stepNumber int, eventType, service, reason string) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.mustGet(sagaID)
	if err != nil {
		return nil, err
	}
	if !inst.Status.CanTransitionTo(saga.StatusCompensating) {
		return nil, apperrors.NewConsistency(fmt.Sprintf("saga %s is %s, cannot fail step", sagaID, inst.Status))
	}
	inst.Steps = append(inst.Steps, saga.StepRecord{
		StepNumber:    stepNumber,
		Service:       service,
		EventType:     eventType,
		Status:        saga.StepFailed,
		FailureReason: reason,
		Timestamp:     time.Now().UTC(),
	})
	inst.CurrentStep = stepNumber
	inst.FailureReason = reason
	failed := stepNumber
	inst.FailedAtStep = &failed
	s.setStatus(inst, saga.StatusCompensating)
	if err := s.save(ctx, inst); err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

// RecordCompensationStep marks the forward step as compensated. The saga must
// already be COMPENSATING.
func (s *Store) RecordCompensationStep(ctx context.Context, sagaID string, stepNumber int, eventType, service string) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.mustGet(sagaID)
	if err != nil {
		return nil, err
	}
	if inst.Status != saga.StatusCompensating {
		return nil, apperrors.NewConsistency(fmt.Sprintf("saga %s is %s, cannot compensate", sagaID, inst.Status))
	}
	found := false
	for i := range inst.Steps {
		if inst.Steps[i].StepNumber == stepNumber && inst.Steps[i].Status == saga.StepCompleted {
			inst.Steps[i].Status = saga.StepCompensated
			inst.Steps[i].EventType = eventType
			inst.Steps[i].Service = service
			inst.Steps[i].Timestamp = time.Now().UTC()
			found = true
			break
		}
	}
	if !found {
		return nil, apperrors.NewConsistency(fmt.Sprintf("saga %s has no completed step %d to compensate", sagaID, stepNumber))
	}
	if inst.AllCompletedCompensated() {
		s.setStatus(inst, saga.StatusCompensated)
	}
	if err := s.save(ctx, inst); err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

// Complete forces a terminal status.
func (s *Store) Complete(ctx context.Context, sagaID string, terminal saga.Status) error {
	if !terminal.Terminal() {
		return apperrors.NewValidation(fmt.Sprintf("%s is not a terminal status", terminal))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.mustGet(sagaID)
	if err != nil {
		return err
	}
	if !inst.Status.CanTransitionTo(terminal) {
		return apperrors.NewConsistency(fmt.Sprintf("saga %s cannot go %s -> %s", sagaID, inst.Status, terminal))
	}
	s.setStatus(inst, terminal)
	return s.save(ctx, inst)
}

// TimedOut moves a non-terminal saga to TIMED_OUT.
func (s *Store) TimedOut(ctx context.Context, sagaID string) error {
	return s.Complete(ctx, sagaID, saga.StatusTimedOut)
}

// CompareAndSetStatus transitions only when the current status is one of
// from. The loser of a concurrent race observes false, nil.
func (s *Store) CompareAndSetStatus(ctx context.Context, sagaID string, from []saga.Status, to saga.Status, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.mustGet(sagaID)
	if err != nil {
		return false, err
	}
	matched := false
	for _, f := range from {
		if inst.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	if !inst.Status.CanTransitionTo(to) {
		return false, apperrors.NewConsistency(fmt.Sprintf("saga %s cannot go %s -> %s", sagaID, inst.Status, to))
	}
	if reason != "" {
		inst.FailureReason = reason
	}
	s.setStatus(inst, to)
	if err := s.save(ctx, inst); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns a copy of one instance.
func (s *Store) Get(ctx context.Context, sagaID string) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.mustGet(sagaID)
	if err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

func (s *Store) collect(ids map[string]struct{}) []*saga.Instance {
	out := make([]*saga.Instance, 0, len(ids))
	for id := range ids {
		if inst, ok := s.byID[id]; ok {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ByStatus returns all instances with the given status.
func (s *Store) ByStatus(ctx context.Context, status saga.Status) ([]*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(s.byStatus[status]), nil
}

// ByCorrelation returns all instances sharing a correlation ID.
func (s *Store) ByCorrelation(ctx context.Context, correlationID string) ([]*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(s.byCorrelation[correlationID]), nil
}

// ByType returns all instances of a saga type.
func (s *Store) ByType(ctx context.Context, sagaType string) ([]*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(s.byType[sagaType]), nil
}

// PastDeadline returns non-terminal sagas whose deadline elapsed. The sorted
// index makes this a prefix walk, not a table scan.
func (s *Store) PastDeadline(ctx context.Context, now time.Time) ([]*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := sort.Search(len(s.deadlines), func(i int) bool {
		return s.deadlines[i].at.After(now)
	})
	var out []*saga.Instance
	for _, de := range s.deadlines[:n] {
		inst, ok := s.byID[de.sagaID]
		if !ok || inst.Status.Terminal() {
			continue
		}
		out = append(out, inst.Clone())
	}
	return out, nil
}

// Counts returns the instance count per status.
func (s *Store) Counts(ctx context.Context) (map[saga.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[saga.Status]int, len(s.byStatus))
	for st, set := range s.byStatus {
		if len(set) == 0 {
			continue
		}
		out[st] = len(set)
	}
	return out, nil
}

// Purge removes terminal sagas completed before the cutoff.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, inst := range s.byID {
		if !inst.Status.Terminal() || inst.CompletedAt == nil || !inst.CompletedAt.Before(olderThan) {
			continue
		}
		delete(s.byID, id)
		delete(s.statusSet(inst.Status), id)
		delete(s.typeSet(inst.SagaType), id)
		if inst.CorrelationID != "" {
			delete(s.correlationSet(inst.CorrelationID), id)
		}
		if s.mirror != nil {
			if err := s.mirror.Remove(ctx, id); err != nil {
				s.logger.Warn("failed to purge mirrored saga", zap.String("saga_id", id), zap.Error(err))
			}
		}
		removed++
	}
	return removed, nil
}

var _ ports.SagaStateStore = (*Store)(nil)
