package memory

import (
	"context"
	"sort"
	"sync"

	"orderflow-backend/internal/application/ports"
	apperrors "orderflow-backend/pkg/errors"
)

// DeadLetter is the in-memory parking lot for undeliverable payloads.
type DeadLetter struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*ports.DeadLetterEntry
}

// NewDeadLetter creates an empty dead-letter store.
func NewDeadLetter() *DeadLetter {
	return &DeadLetter{rows: make(map[int64]*ports.DeadLetterEntry)}
}

// Add parks an entry and returns its assigned ID.
func (d *DeadLetter) Add(ctx context.Context, entry *ports.DeadLetterEntry) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	copied := *entry
	copied.ID = d.nextID
	copied.Payload = append([]byte(nil), entry.Payload...)
	d.rows[d.nextID] = &copied
	return d.nextID, nil
}

// List returns entries oldest first, up to limit.
func (d *DeadLetter) List(ctx context.Context, limit int) ([]*ports.DeadLetterEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*ports.DeadLetterEntry, 0, len(d.rows))
	for _, row := range d.rows {
		copied := *row
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns one entry by ID.
func (d *DeadLetter) Get(ctx context.Context, id int64) (*ports.DeadLetterEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.rows[id]
	if !ok {
		return nil, apperrors.NewNotFound("dead-letter entry not found")
	}
	copied := *row
	return &copied, nil
}

// Delete removes an entry, used by both replay and discard.
func (d *DeadLetter) Delete(ctx context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rows[id]; !ok {
		return apperrors.NewNotFound("dead-letter entry not found")
	}
	delete(d.rows, id)
	return nil
}

var _ ports.DeadLetterStore = (*DeadLetter)(nil)
