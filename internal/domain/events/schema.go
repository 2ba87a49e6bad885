package events

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	apperrors "orderflow-backend/pkg/errors"
)

// FieldType enumerates the payload field types a schema may declare.
// Monetary values travel as decimal strings and are parsed, never floated.
type FieldType int

const (
	FieldString FieldType = iota
	FieldInt
	FieldLong
	FieldBool
	FieldMoney
	FieldRecordArray
)

// Field is one typed slot of a schema.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	// Elem types the records of a FieldRecordArray field.
	Elem *Schema
}

// Schema is a named payload shape declared per event type.
type Schema struct {
	Name   string
	Fields []Field
}

// Validate checks a payload against the schema. Unknown keys are allowed
// (additive evolution); declared keys must match their type.
func (s *Schema) Validate(payload map[string]any) error {
	for _, f := range s.Fields {
		v, ok := payload[f.Name]
		if !ok || v == nil {
			if f.Required {
				return apperrors.NewValidation(fmt.Sprintf("schema %s: missing required field %q", s.Name, f.Name))
			}
			continue
		}
		if err := f.check(v); err != nil {
			return apperrors.NewValidation(fmt.Sprintf("schema %s: field %q: %v", s.Name, f.Name, err))
		}
	}
	return nil
}

func (f Field) check(v any) error {
	switch f.Type {
	case FieldString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
	case FieldInt, FieldLong:
		switch n := v.(type) {
		case int, int32, int64:
		case float64:
			if n != float64(int64(n)) {
				return fmt.Errorf("expected integer, got fractional %v", n)
			}
		default:
			return fmt.Errorf("expected integer, got %T", v)
		}
	case FieldBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
	case FieldMoney:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected decimal string, got %T", v)
		}
		if _, err := decimal.NewFromString(s); err != nil {
			return fmt.Errorf("invalid decimal %q", s)
		}
	case FieldRecordArray:
		items, ok := v.([]any)
		if !ok {
			// Accept the concrete slice shape produced in-process.
			typed, ok2 := v.([]map[string]any)
			if !ok2 {
				return fmt.Errorf("expected array of records, got %T", v)
			}
			for i, rec := range typed {
				if f.Elem != nil {
					if err := f.Elem.Validate(rec); err != nil {
						return fmt.Errorf("element %d: %w", i, err)
					}
				}
			}
			return nil
		}
		for i, item := range items {
			rec, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("element %d: expected record, got %T", i, item)
			}
			if f.Elem != nil {
				if err := f.Elem.Validate(rec); err != nil {
					return fmt.Errorf("element %d: %w", i, err)
				}
			}
		}
	}
	return nil
}

// Money parses a monetary payload value into a decimal.
func Money(v any) (decimal.Decimal, error) {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero, fmt.Errorf("monetary value must be a decimal string, got %T", v)
	}
	return decimal.NewFromString(s)
}

// SchemaRegistry maps event types to their declared schemas. Events with an
// unregistered type are rejected at ingress.
type SchemaRegistry struct {
	mu     sync.RWMutex
	byType map[string]*Schema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{byType: make(map[string]*Schema)}
}

// Register binds an event type to a schema.
func (r *SchemaRegistry) Register(eventType string, schema *Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byType[eventType]; exists {
		return fmt.Errorf("schema for event type %q already registered", eventType)
	}
	r.byType[eventType] = schema
	return nil
}

// Lookup returns the schema for an event type.
func (r *SchemaRegistry) Lookup(eventType string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byType[eventType]
	return s, ok
}

// Validate checks an envelope payload against the registered schema.
func (r *SchemaRegistry) Validate(e *Envelope) error {
	schema, ok := r.Lookup(e.EventType)
	if !ok {
		return apperrors.NewValidation(fmt.Sprintf("unknown event type %q", e.EventType))
	}
	return schema.Validate(e.Payload)
}
