// Package ports declares the interfaces the application layer depends on.
// Infrastructure packages provide the implementations; the application layer
// never imports them directly.
package ports

import (
	"context"
	"time"

	"orderflow-backend/internal/domain/events"
	"orderflow-backend/internal/domain/saga"
	"orderflow-backend/internal/infrastructure/persistence/writebehind"
)

// Topic naming for the event bus.

func EventsTopic(domain string) string { return domain + "_EVENTS" }
func DLQTopic(domain string) string    { return domain + "_DLQ" }
func SagaTopic(domain string) string   { return domain + "_SAGA" }

// EventHandler consumes one published envelope.
type EventHandler func(ctx context.Context, event *events.Envelope)

// EventBus is the broadcast transport between services. Publication order is
// per-partition, not global.
type EventBus interface {
	Publish(ctx context.Context, topic string, event *events.Envelope) error
	Subscribe(topic string, handler EventHandler) (unsubscribe func())
}

// EventLog is the append-only, per-key ordered store of immutable events.
type EventLog interface {
	// Append assigns the next sequence for (domain, key) and persists the
	// event. A repeated event_id fails with a DUPLICATE_EVENT error.
	Append(ctx context.Context, domain, key string, event *events.Envelope) (int64, error)
	GetByKey(ctx context.Context, domain, key string) ([]*events.Envelope, error)
	// ReplayAll visits every event of the domain exactly once, in append order.
	ReplayAll(ctx context.Context, domain string, visit func(seq int64, event *events.Envelope) error) error
	Count(ctx context.Context, domain string) (int64, error)
}

// ViewOp is the outcome of a view update function.
type ViewOp int

const (
	ViewOpNone ViewOp = iota
	ViewOpPut
	ViewOpDelete
)

// ViewUpdateFn observes the current projection record and returns the next
// one, a deletion, or no change.
type ViewUpdateFn func(current map[string]any, exists bool) (next map[string]any, op ViewOp)

// ViewStore holds keyed projection records with per-key atomic update.
type ViewStore interface {
	Get(ctx context.Context, view, key string) (map[string]any, bool, error)
	Put(ctx context.Context, view, key string, record map[string]any) error
	Delete(ctx context.Context, view, key string) error
	Clear(ctx context.Context, view string) error
	Scan(ctx context.Context, view string, visit func(key string, record map[string]any) bool) error
	AtomicUpdate(ctx context.Context, view, key string, fn ViewUpdateFn) error
}

// SagaStateStore is the durable tracking of saga instances (component D).
type SagaStateStore interface {
	Start(ctx context.Context, sagaID, sagaType, correlationID string, totalSteps int, timeout time.Duration) (*saga.Instance, error)
	RecordStepCompleted(ctx context.Context, sagaID string, stepNumber int, eventType, service, eventID string) (*saga.Instance, error)
	RecordStepFailed(ctx context.Context, sagaID string, stepNumber int, eventType, service, reason string) (*saga.Instance, error)
	RecordCompensationStep(ctx context.Context, sagaID string, stepNumber int, eventType, service string) (*saga.Instance, error)
	// Complete forces a terminal status; non-terminal targets are rejected.
	Complete(ctx context.Context, sagaID string, terminal saga.Status) error
	TimedOut(ctx context.Context, sagaID string) error
	// CompareAndSetStatus transitions only when the current status is one of
	// from; the loser of a race observes false.
	CompareAndSetStatus(ctx context.Context, sagaID string, from []saga.Status, to saga.Status, reason string) (bool, error)

	Get(ctx context.Context, sagaID string) (*saga.Instance, error)
	ByStatus(ctx context.Context, status saga.Status) ([]*saga.Instance, error)
	ByCorrelation(ctx context.Context, correlationID string) ([]*saga.Instance, error)
	ByType(ctx context.Context, sagaType string) ([]*saga.Instance, error)
	// PastDeadline returns non-terminal sagas whose deadline elapsed,
	// answered from the sorted deadline index.
	PastDeadline(ctx context.Context, now time.Time) ([]*saga.Instance, error)
	Counts(ctx context.Context) (map[saga.Status]int, error)
	// Purge removes terminal sagas older than the retention cutoff.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxEntry is one staged outbound message.
type OutboxEntry struct {
	ID            int64
	Destination   string
	Payload       []byte
	Status        OutboxStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

// OutboxStore stages messages for at-least-once delivery.
type OutboxStore interface {
	Stage(ctx context.Context, destination string, payload []byte) (int64, error)
	// FetchDue returns PENDING rows with next_attempt_at <= now ordered by
	// created_at, up to limit.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]*OutboxEntry, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error
	Delete(ctx context.Context, id int64) error
	CleanupPublished(ctx context.Context, olderThan time.Time) (int, error)
}

// DeadLetterEntry is a parked, undeliverable payload.
type DeadLetterEntry struct {
	ID         int64
	Source     string
	Payload    []byte
	Reason     string
	FirstSeen  time.Time
	Attempts   int
	Replayable bool
}

// DeadLetterStore persists parked messages for operator inspection.
type DeadLetterStore interface {
	Add(ctx context.Context, entry *DeadLetterEntry) (int64, error)
	List(ctx context.Context, limit int) ([]*DeadLetterEntry, error)
	Get(ctx context.Context, id int64) (*DeadLetterEntry, error)
	Delete(ctx context.Context, id int64) error
}

// StoredEvent is a durable event row read back from the relational tier.
type StoredEvent struct {
	Domain   string
	Key      string
	Sequence int64
	Envelope *events.Envelope
}

// EventDurable is the relational tier behind the event log.
type EventDurable interface {
	writebehind.Flusher
	// Append writes a single row synchronously (durable-append mode).
	Append(ctx context.Context, rec writebehind.Record) error
	LoadByKey(ctx context.Context, domain, key string) ([]StoredEvent, error)
	LoadDomain(ctx context.Context, domain string, visit func(StoredEvent) error) error
	Count(ctx context.Context, domain string) (int64, error)
}

// ViewDurable is the relational tier behind the view store.
type ViewDurable interface {
	writebehind.Flusher
	Load(ctx context.Context, view, key string) (map[string]any, bool, error)
	// ScanAll visits every durable record of the view, in no particular order.
	ScanAll(ctx context.Context, view string, visit func(key string, record map[string]any) error) error
	Clear(ctx context.Context, view string) error
}

// ProjectionCache is an optional remote read cache in front of view loads.
type ProjectionCache interface {
	Get(ctx context.Context, view, key string) (map[string]any, bool, error)
	Set(ctx context.Context, view, key string, record map[string]any) error
	Invalidate(ctx context.Context, view, key string) error
}
