// Package views holds the materialized view contracts: updaters, their
// registry and the rebuild ordering.
package views

import (
	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/domain/events"
)

// Outcome is what a reducer decides for one (event, record) pair.
type Outcome struct {
	op     ports.ViewOp
	record map[string]any
}

// Next replaces the record.
func Next(record map[string]any) Outcome {
	return Outcome{op: ports.ViewOpPut, record: record}
}

// Deleted removes the record.
func Deleted() Outcome {
	return Outcome{op: ports.ViewOpDelete}
}

// Unchanged leaves the record as it is.
func Unchanged() Outcome {
	return Outcome{op: ports.ViewOpNone}
}

// Op returns the view operation the outcome carries.
func (o Outcome) Op() ports.ViewOp { return o.op }

// Record returns the replacement record, valid only for Next outcomes.
func (o Outcome) Record() map[string]any { return o.record }

// KeyFunc extracts the record key an event affects. Returning false skips
// the event for this view.
type KeyFunc func(event *events.Envelope) (string, bool)

// ReduceFunc folds one event into the current record. It must be pure:
// the same record and event always produce the same outcome, and neither
// input may be mutated.
type ReduceFunc func(current map[string]any, exists bool, event *events.Envelope) Outcome

// Updater declares one materialized view over a domain's events.
type Updater struct {
	// View is the unique view name.
	View string
	// DependsOn lists views whose rebuilt state this updater reads. It
	// controls rebuild order only; reducers still receive just the event
	// and their own record.
	DependsOn []string
	KeyFor    KeyFunc
	Reduce    ReduceFunc
}

// UpdateFn adapts the reducer for one event to the view store contract.
func (u *Updater) UpdateFn(event *events.Envelope) ports.ViewUpdateFn {
	return func(current map[string]any, exists bool) (map[string]any, ports.ViewOp) {
		out := u.Reduce(current, exists, event)
		return out.record, out.op
	}
}
