// Package events defines the immutable event envelope persisted by the
// event log and the schema registry that types its payloads.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	apperrors "orderflow-backend/pkg/errors"
)

// DefaultEventVersion is assigned by the ENRICH stage when the submitter
// left the version empty. Versions are monotone strings; schema evolution
// is additive only.
const DefaultEventVersion = "1.0"

// SagaMeta carries the optional saga coordination fields of an event.
// It is a distinct struct on the envelope rather than a mandatory base type,
// so plain domain events carry no saga baggage.
type SagaMeta struct {
	SagaID         string `json:"saga_id"`
	SagaType       string `json:"saga_type"`
	StepNumber     int    `json:"step_number"`
	IsCompensating bool   `json:"is_compensating"`
}

// Envelope is the wire and storage representation of a domain event.
// Once accepted by the event log an envelope is immutable.
type Envelope struct {
	EventID       string         `json:"event_id" validate:"required"`
	EventType     string         `json:"event_type" validate:"required"`
	EventVersion  string         `json:"event_version"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source" validate:"required"`
	Key           string         `json:"key" validate:"required"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Saga          *SagaMeta      `json:"-"`
	Payload       map[string]any `json:"payload"`
}

// NewEnvelope builds an envelope with a fresh event ID and ingest timestamp.
func NewEnvelope(eventType, source, key string, payload map[string]any) *Envelope {
	return &Envelope{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		EventVersion: DefaultEventVersion,
		Timestamp:    time.Now().UTC(),
		Source:       source,
		Key:          key,
		Payload:      payload,
	}
}

var validate = validator.New()

// Validate checks the envelope's structural requirements. The ENRICH stage
// fills event_id, so only submissions past enrichment are held to it.
func (e *Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return apperrors.NewValidation(fmt.Sprintf("envelope field %s failed %s", f.Field(), f.Tag()))
		}
		return apperrors.NewValidation(err.Error())
	}
	return nil
}

// WithSaga attaches saga metadata and returns the envelope for chaining.
func (e *Envelope) WithSaga(meta SagaMeta) *Envelope {
	e.Saga = &meta
	return e
}

// WithCorrelation sets the correlation ID and returns the envelope.
func (e *Envelope) WithCorrelation(id string) *Envelope {
	e.CorrelationID = id
	return e
}

// envelopeJSON is the flat persisted form. The saga fields sit at the top
// level of the JSON document with stable names, absent for non-saga events.
type envelopeJSON struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	EventVersion   string         `json:"event_version"`
	Timestamp      time.Time      `json:"timestamp"`
	Source         string         `json:"source"`
	Key            string         `json:"key"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	SagaID         string         `json:"saga_id,omitempty"`
	SagaType       string         `json:"saga_type,omitempty"`
	StepNumber     *int           `json:"step_number,omitempty"`
	IsCompensating *bool          `json:"is_compensating,omitempty"`
	Payload        map[string]any `json:"payload"`
}

// MarshalJSON flattens the optional saga struct into the envelope document.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	doc := envelopeJSON{
		EventID:       e.EventID,
		EventType:     e.EventType,
		EventVersion:  e.EventVersion,
		Timestamp:     e.Timestamp,
		Source:        e.Source,
		Key:           e.Key,
		CorrelationID: e.CorrelationID,
		Payload:       e.Payload,
	}
	if e.Saga != nil {
		doc.SagaID = e.Saga.SagaID
		doc.SagaType = e.Saga.SagaType
		doc.StepNumber = &e.Saga.StepNumber
		doc.IsCompensating = &e.Saga.IsCompensating
	}
	return json.Marshal(doc)
}

// UnmarshalJSON reconstructs the saga struct from the flat document.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var doc envelopeJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	e.EventID = doc.EventID
	e.EventType = doc.EventType
	e.EventVersion = doc.EventVersion
	e.Timestamp = doc.Timestamp
	e.Source = doc.Source
	e.Key = doc.Key
	e.CorrelationID = doc.CorrelationID
	e.Payload = doc.Payload
	e.Saga = nil
	if doc.SagaID != "" {
		meta := SagaMeta{SagaID: doc.SagaID, SagaType: doc.SagaType}
		if doc.StepNumber != nil {
			meta.StepNumber = *doc.StepNumber
		}
		if doc.IsCompensating != nil {
			meta.IsCompensating = *doc.IsCompensating
		}
		e.Saga = &meta
	}
	return nil
}

// Clone returns a deep-enough copy for cross-goroutine handoff. Payload maps
// are copied one level deep; nested records are treated as immutable.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	if e.Saga != nil {
		meta := *e.Saga
		cp.Saga = &meta
	}
	if e.Payload != nil {
		cp.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}
