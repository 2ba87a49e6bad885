package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"orderflow-backend/internal/application/ports"
	apperrors "orderflow-backend/pkg/errors"
)

// Outbox is the in-memory staging table for at-least-once publication.
type Outbox struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*ports.OutboxEntry
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{rows: make(map[int64]*ports.OutboxEntry)}
}

// Stage inserts a PENDING row due immediately.
func (o *Outbox) Stage(ctx context.Context, destination string, payload []byte) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	now := time.Now().UTC()
	o.rows[o.nextID] = &ports.OutboxEntry{
		ID:            o.nextID,
		Destination:   destination,
		Payload:       append([]byte(nil), payload...),
		Status:        ports.OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	return o.nextID, nil
}

// FetchDue returns due PENDING rows in creation order, up to limit.
func (o *Outbox) FetchDue(ctx context.Context, now time.Time, limit int) ([]*ports.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var due []*ports.OutboxEntry
	for _, row := range o.rows {
		if row.Status == ports.OutboxPending && !row.NextAttemptAt.After(now) {
			copied := *row
			due = append(due, &copied)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// MarkPublished transitions a row to PUBLISHED.
func (o *Outbox) MarkPublished(ctx context.Context, id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok {
		return apperrors.NewNotFound("outbox row not found")
	}
	row.Status = ports.OutboxPublished
	return nil
}

// MarkFailed records a failed attempt and reschedules or parks the row.
// Attempts at or beyond the caller's cap arrive as a FAILED transition via
// the attempts count; the row stays PENDING until then.
func (o *Outbox) MarkFailed(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok {
		return apperrors.NewNotFound("outbox row not found")
	}
	row.Attempts = attempts
	row.NextAttemptAt = nextAttempt
	row.LastError = lastError
	if nextAttempt.IsZero() {
		row.Status = ports.OutboxFailed
	}
	return nil
}

// Delete removes a row outright.
func (o *Outbox) Delete(ctx context.Context, id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.rows, id)
	return nil
}

// CleanupPublished drops PUBLISHED rows older than the cutoff.
func (o *Outbox) CleanupPublished(ctx context.Context, olderThan time.Time) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for id, row := range o.rows {
		if row.Status == ports.OutboxPublished && row.CreatedAt.Before(olderThan) {
			delete(o.rows, id)
			removed++
		}
	}
	return removed, nil
}

var _ ports.OutboxStore = (*Outbox)(nil)
