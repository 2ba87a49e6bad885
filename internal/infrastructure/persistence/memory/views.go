package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/infrastructure/persistence/writebehind"
	apperrors "orderflow-backend/pkg/errors"
)

// ViewStore is the in-memory relational tier behind the view store. Records
// are keyed by (view, key); the record Domain carries the view name.
type ViewStore struct {
	mu   sync.RWMutex
	rows map[string][]byte // "view|key" -> JSON record
}

// NewViewStore creates an empty view store.
func NewViewStore() *ViewStore {
	return &ViewStore{rows: make(map[string][]byte)}
}

func viewLoc(view, key string) string { return view + "|" + key }

// Flush applies a batch of puts and deletes. Last write wins per location.
func (s *ViewStore) Flush(ctx context.Context, records []writebehind.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		loc := viewLoc(rec.Domain, rec.Key)
		if rec.Delete {
			delete(s.rows, loc)
			continue
		}
		if !json.Valid(rec.Payload) {
			return apperrors.NewPoisoned(fmt.Sprintf("undecodable view record for %s", loc), nil)
		}
		s.rows[loc] = append([]byte(nil), rec.Payload...)
	}
	return nil
}

// Load returns the durable record for (view, key).
func (s *ViewStore) Load(ctx context.Context, view, key string) (map[string]any, bool, error) {
	s.mu.RLock()
	raw, ok := s.rows[viewLoc(view, key)]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, apperrors.NewStorage("corrupt view record", err)
	}
	return record, true, nil
}

// ScanAll visits every record of the view.
func (s *ViewStore) ScanAll(ctx context.Context, view string, visit func(key string, record map[string]any) error) error {
	prefix := view + "|"
	s.mu.RLock()
	snapshot := make(map[string][]byte)
	for loc, raw := range s.rows {
		if strings.HasPrefix(loc, prefix) {
			snapshot[loc[len(prefix):]] = raw
		}
	}
	s.mu.RUnlock()
	for key, raw := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		var record map[string]any
		if err := json.Unmarshal(raw, &record); err != nil {
			return apperrors.NewStorage("corrupt view record", err)
		}
		if err := visit(key, record); err != nil {
			return err
		}
	}
	return nil
}

// Clear drops every record of the view.
func (s *ViewStore) Clear(ctx context.Context, view string) error {
	prefix := view + "|"
	s.mu.Lock()
	defer s.mu.Unlock()
	for loc := range s.rows {
		if strings.HasPrefix(loc, prefix) {
			delete(s.rows, loc)
		}
	}
	return nil
}

var _ ports.ViewDurable = (*ViewStore)(nil)
