package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "orderflow-backend/pkg/errors"
)

func TestNewEnvelopeFillsIdentity(t *testing.T) {
	e := NewEnvelope("ORDER_CREATED", "api", "o1", map[string]any{"customer_id": "c1"})

	assert.NotEmpty(t, e.EventID)
	assert.Equal(t, DefaultEventVersion, e.EventVersion)
	assert.False(t, e.Timestamp.IsZero())
	require.NoError(t, e.Validate())
}

func TestValidateRejectsMissingFields(t *testing.T) {
	e := NewEnvelope("ORDER_CREATED", "api", "", nil)
	err := e.Validate()
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Contains(t, err.Error(), "Key")

	e = NewEnvelope("", "api", "o1", nil)
	assert.True(t, apperrors.IsValidation(e.Validate()))
}

func TestSagaMetaFlattensIntoDocument(t *testing.T) {
	e := NewEnvelope("STOCK_RESERVED", "saga-orchestrator", "p1", map[string]any{"quantity": 2}).
		WithCorrelation("o1").
		WithSaga(SagaMeta{SagaID: "s1", SagaType: "ORDER_FULFILLMENT", StepNumber: 1})

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "s1", doc["saga_id"])
	assert.Equal(t, "ORDER_FULFILLMENT", doc["saga_type"])
	assert.Equal(t, 1.0, doc["step_number"])
	assert.Equal(t, false, doc["is_compensating"])
	assert.NotContains(t, doc, "Saga")

	var back Envelope
	require.NoError(t, json.Unmarshal(data, &back))
	require.NotNil(t, back.Saga)
	assert.Equal(t, *e.Saga, *back.Saga)
	assert.Equal(t, "o1", back.CorrelationID)
}

func TestPlainEnvelopeCarriesNoSagaFields(t *testing.T) {
	e := NewEnvelope("CUSTOMER_CREATED", "api", "c1", map[string]any{"email": "a@x"})

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.NotContains(t, doc, "saga_id")
	assert.NotContains(t, doc, "step_number")

	var back Envelope
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Nil(t, back.Saga)
}

func TestCloneIsolatesPayloadAndSaga(t *testing.T) {
	e := NewEnvelope("ORDER_CREATED", "api", "o1", map[string]any{"total": "10.00"}).
		WithSaga(SagaMeta{SagaID: "s1"})

	cp := e.Clone()
	cp.Payload["total"] = "99.00"
	cp.Saga.SagaID = "s2"

	assert.Equal(t, "10.00", e.Payload["total"])
	assert.Equal(t, "s1", e.Saga.SagaID)
}
