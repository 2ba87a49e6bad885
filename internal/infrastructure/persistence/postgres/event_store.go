package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/domain/events"
	"orderflow-backend/internal/infrastructure/persistence/writebehind"
	apperrors "orderflow-backend/pkg/errors"
)

const pgUniqueViolation = "23505"

// EventStore persists event rows. Rows are immutable; re-flushing a batch
// after a partial failure is a no-op on the rows already written.
type EventStore struct {
	db *sqlx.DB
}

// NewEventStore wraps a connection pool.
func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{db: db}
}

type eventRow struct {
	Domain    string `db:"domain"`
	Key       string `db:"key"`
	Sequence  int64  `db:"sequence"`
	EventID   string `db:"event_id"`
	EventType string `db:"event_type"`
	Payload   []byte `db:"payload"`
}

const insertEvent = `
	INSERT INTO event_store (domain, key, sequence, event_id, event_type, payload, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (domain, key, sequence) DO NOTHING`

// Flush writes a batch in one transaction.
func (s *EventStore) Flush(ctx context.Context, records []writebehind.Record) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.NewTransient("failed to begin event flush", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if err := s.insert(ctx, tx, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.NewTransient("failed to commit event flush", err)
	}
	return nil
}

// Append writes one row outside a batch (durable-append mode).
func (s *EventStore) Append(ctx context.Context, rec writebehind.Record) error {
	return s.insert(ctx, s.db, rec)
}

func (s *EventStore) insert(ctx context.Context, ext sqlx.ExtContext, rec writebehind.Record) error {
	if rec.Sequence == nil {
		return apperrors.NewValidation("event record without sequence")
	}
	env := &events.Envelope{}
	if err := json.Unmarshal(rec.Payload, env); err != nil {
		return apperrors.NewPoisoned(fmt.Sprintf("undecodable event payload for %s/%s", rec.Domain, rec.Key), err)
	}
	_, err := ext.ExecContext(ctx, insertEvent,
		rec.Domain, rec.Key, *rec.Sequence, env.EventID, env.EventType, rec.Payload, rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// Same event_id at a different location; the row can never land.
			return apperrors.NewPoisoned(fmt.Sprintf("event %s conflicts with a stored row", env.EventID), err)
		}
		return apperrors.NewTransient("failed to insert event row", err)
	}
	return nil
}

// LoadByKey returns all rows for (domain, key) ordered by sequence.
func (s *EventStore) LoadByKey(ctx context.Context, domain, key string) ([]ports.StoredEvent, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT domain, key, sequence, event_id, event_type, payload
		 FROM event_store WHERE domain = $1 AND key = $2 ORDER BY sequence`,
		domain, key)
	if err != nil {
		return nil, apperrors.NewTransient("failed to load events by key", err)
	}
	return decodeRows(rows)
}

// LoadDomain visits every row of the domain in write order.
func (s *EventStore) LoadDomain(ctx context.Context, domain string, visit func(ports.StoredEvent) error) error {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT domain, key, sequence, event_id, event_type, payload
		 FROM event_store WHERE domain = $1 ORDER BY ordinal`,
		domain)
	if err != nil {
		return apperrors.NewTransient("failed to load domain events", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row eventRow
		if err := rows.StructScan(&row); err != nil {
			return apperrors.NewTransient("failed to scan event row", err)
		}
		se, err := decodeRow(row)
		if err != nil {
			return err
		}
		if err := visit(se); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return apperrors.NewTransient("failed while iterating domain events", err)
	}
	return nil
}

// Count returns the number of rows in the domain.
func (s *EventStore) Count(ctx context.Context, domain string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM event_store WHERE domain = $1`, domain)
	if err != nil {
		return 0, apperrors.NewTransient("failed to count events", err)
	}
	return n, nil
}

func decodeRows(rows []eventRow) ([]ports.StoredEvent, error) {
	out := make([]ports.StoredEvent, 0, len(rows))
	for _, row := range rows {
		se, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, nil
}

func decodeRow(row eventRow) (ports.StoredEvent, error) {
	env := &events.Envelope{}
	if err := json.Unmarshal(row.Payload, env); err != nil {
		return ports.StoredEvent{}, apperrors.NewStorage(fmt.Sprintf("corrupt event row %s", row.EventID), err)
	}
	return ports.StoredEvent{
		Domain:   row.Domain,
		Key:      row.Key,
		Sequence: row.Sequence,
		Envelope: env,
	}, nil
}

var _ ports.EventDurable = (*EventStore)(nil)
