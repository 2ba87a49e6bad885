package events

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "orderflow-backend/pkg/errors"
)

func orderSchema() *Schema {
	return &Schema{
		Name: "order_created",
		Fields: []Field{
			{Name: "customer_id", Type: FieldString, Required: true},
			{Name: "total", Type: FieldMoney},
			{Name: "priority", Type: FieldInt},
			{Name: "gift", Type: FieldBool},
			{Name: "line_items", Type: FieldRecordArray, Required: true, Elem: &Schema{
				Name: "line_item",
				Fields: []Field{
					{Name: "product_id", Type: FieldString, Required: true},
					{Name: "quantity", Type: FieldInt, Required: true},
				},
			}},
		},
	}
}

func validOrderPayload() map[string]any {
	return map[string]any{
		"customer_id": "c1",
		"total":       "19.98",
		"line_items": []any{
			map[string]any{"product_id": "p1", "quantity": 2},
		},
	}
}

func TestSchemaAcceptsValidPayload(t *testing.T) {
	require.NoError(t, orderSchema().Validate(validOrderPayload()))
}

func TestSchemaRejectsMissingRequiredField(t *testing.T) {
	payload := validOrderPayload()
	delete(payload, "customer_id")
	err := orderSchema().Validate(payload)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Contains(t, err.Error(), "customer_id")
}

func TestSchemaRejectsWrongTypes(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value any
	}{
		{"string field", "customer_id", 42},
		{"money not a string", "total", 19.98},
		{"money not a decimal", "total", "nineteen"},
		{"fractional int", "priority", 1.5},
		{"bool field", "gift", "yes"},
		{"array field", "line_items", "p1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := validOrderPayload()
			payload[tc.key] = tc.value
			err := orderSchema().Validate(payload)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
		})
	}
}

func TestSchemaValidatesNestedRecords(t *testing.T) {
	payload := validOrderPayload()
	payload["line_items"] = []any{
		map[string]any{"product_id": "p1"},
	}
	err := orderSchema().Validate(payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quantity")

	// The concrete in-process slice shape is accepted too.
	payload["line_items"] = []map[string]any{
		{"product_id": "p1", "quantity": 3},
	}
	assert.NoError(t, orderSchema().Validate(payload))
}

func TestSchemaAllowsUnknownKeys(t *testing.T) {
	payload := validOrderPayload()
	payload["note"] = "leave at door"
	assert.NoError(t, orderSchema().Validate(payload))
}

func TestSchemaTreatsWholeFloatsAsIntegers(t *testing.T) {
	// JSON decoding produces float64 for every number.
	payload := validOrderPayload()
	payload["priority"] = 2.0
	assert.NoError(t, orderSchema().Validate(payload))
}

func TestMoneyParsesDecimalStrings(t *testing.T) {
	d, err := Money("10000.01")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("10000.01")))

	_, err = Money(100.0)
	assert.Error(t, err)
}

func TestRegistryValidatesByEventType(t *testing.T) {
	r := NewSchemaRegistry()
	require.NoError(t, r.Register("ORDER_CREATED", orderSchema()))

	err := r.Register("ORDER_CREATED", orderSchema())
	assert.Error(t, err, "double registration is a wiring bug")

	e := NewEnvelope("ORDER_CREATED", "api", "o1", validOrderPayload())
	assert.NoError(t, r.Validate(e))

	unknown := NewEnvelope("ORDER_TELEPORTED", "api", "o1", nil)
	err = r.Validate(unknown)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}
