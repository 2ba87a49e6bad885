// Package memory provides in-process implementations of the durable-tier
// ports. They back single-node deployments and tests where Postgres is not
// configured; semantics match the relational implementations.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/domain/events"
	"orderflow-backend/internal/infrastructure/persistence/writebehind"
	apperrors "orderflow-backend/pkg/errors"
)

type eventRow struct {
	domain   string
	key      string
	sequence int64
	envelope *events.Envelope
	at       time.Time
}

// EventStore is the in-memory relational tier behind the event log.
type EventStore struct {
	mu    sync.RWMutex
	rows  map[string]map[string]*eventRow // domain -> "key|seq" -> row
	order map[string][]string             // domain -> locs in first-write order
}

// NewEventStore creates an empty event store.
func NewEventStore() *EventStore {
	return &EventStore{
		rows:  make(map[string]map[string]*eventRow),
		order: make(map[string][]string),
	}
}

func eventLoc(key string, seq int64) string { return fmt.Sprintf("%s|%d", key, seq) }

// Flush upserts a batch. Re-flushing the same rows is idempotent, so flush
// retries after partial failures are safe.
func (s *EventStore) Flush(ctx context.Context, records []writebehind.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.Sequence == nil {
			return apperrors.NewValidation("event record without sequence")
		}
		env := &events.Envelope{}
		if err := json.Unmarshal(rec.Payload, env); err != nil {
			return apperrors.NewPoisoned(fmt.Sprintf("undecodable event payload for %s/%s", rec.Domain, rec.Key), err)
		}
		loc := eventLoc(rec.Key, *rec.Sequence)
		byLoc, ok := s.rows[rec.Domain]
		if !ok {
			byLoc = make(map[string]*eventRow)
			s.rows[rec.Domain] = byLoc
		}
		if _, exists := byLoc[loc]; !exists {
			s.order[rec.Domain] = append(s.order[rec.Domain], loc)
		}
		byLoc[loc] = &eventRow{
			domain:   rec.Domain,
			key:      rec.Key,
			sequence: *rec.Sequence,
			envelope: env,
			at:       rec.UpdatedAt,
		}
	}
	return nil
}

// Append writes one row synchronously.
func (s *EventStore) Append(ctx context.Context, rec writebehind.Record) error {
	return s.Flush(ctx, []writebehind.Record{rec})
}

// LoadByKey returns all rows for (domain, key) ordered by sequence.
func (s *EventStore) LoadByKey(ctx context.Context, domain, key string) ([]ports.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ports.StoredEvent
	for _, loc := range s.order[domain] {
		row := s.rows[domain][loc]
		if row.key != key {
			continue
		}
		out = append(out, ports.StoredEvent{
			Domain:   row.domain,
			Key:      row.key,
			Sequence: row.sequence,
			Envelope: row.envelope,
		})
	}
	// First-write order per key is sequence order; no sort needed.
	return out, nil
}

// LoadDomain visits all rows of a domain in write order.
func (s *EventStore) LoadDomain(ctx context.Context, domain string, visit func(ports.StoredEvent) error) error {
	s.mu.RLock()
	snapshot := make([]*eventRow, 0, len(s.order[domain]))
	for _, loc := range s.order[domain] {
		snapshot = append(snapshot, s.rows[domain][loc])
	}
	s.mu.RUnlock()
	for _, row := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := visit(ports.StoredEvent{
			Domain:   row.domain,
			Key:      row.key,
			Sequence: row.sequence,
			Envelope: row.envelope,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of rows in the domain.
func (s *EventStore) Count(ctx context.Context, domain string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.order[domain])), nil
}

var _ ports.EventDurable = (*EventStore)(nil)
