package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"orderflow-backend/internal/application/ports"
	apperrors "orderflow-backend/pkg/errors"
)

// DeadLetterStore persists parked payloads.
type DeadLetterStore struct {
	db *sqlx.DB
}

// NewDeadLetterStore wraps a connection pool.
func NewDeadLetterStore(db *sqlx.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

type deadLetterRow struct {
	ID         int64     `db:"id"`
	Source     string    `db:"source"`
	Payload    []byte    `db:"payload"`
	Reason     string    `db:"reason"`
	FirstSeen  time.Time `db:"first_seen"`
	Attempts   int       `db:"attempts"`
	Replayable bool      `db:"replayable"`
}

// Add parks an entry and returns its assigned ID.
func (s *DeadLetterStore) Add(ctx context.Context, entry *ports.DeadLetterEntry) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		`INSERT INTO dead_letter (source, payload, reason, first_seen, attempts, replayable)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		entry.Source, entry.Payload, entry.Reason, entry.FirstSeen, entry.Attempts, entry.Replayable)
	if err != nil {
		return 0, apperrors.NewTransient("failed to add dead-letter row", err)
	}
	return id, nil
}

// List returns entries oldest first, up to limit.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]*ports.DeadLetterEntry, error) {
	var rows []deadLetterRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, source, payload, reason, first_seen, attempts, replayable
		 FROM dead_letter ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, apperrors.NewTransient("failed to list dead-letter rows", err)
	}
	out := make([]*ports.DeadLetterEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToEntry(row))
	}
	return out, nil
}

// Get returns one entry by ID.
func (s *DeadLetterStore) Get(ctx context.Context, id int64) (*ports.DeadLetterEntry, error) {
	var row deadLetterRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, source, payload, reason, first_seen, attempts, replayable
		 FROM dead_letter WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFound("dead-letter entry not found")
	}
	if err != nil {
		return nil, apperrors.NewTransient("failed to get dead-letter row", err)
	}
	return rowToEntry(row), nil
}

// Delete removes an entry, used by both replay and discard.
func (s *DeadLetterStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter WHERE id = $1`, id)
	if err != nil {
		return apperrors.NewTransient("failed to delete dead-letter row", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.NewTransient("failed to read affected rows", err)
	}
	if n == 0 {
		return apperrors.NewNotFound("dead-letter entry not found")
	}
	return nil
}

func rowToEntry(row deadLetterRow) *ports.DeadLetterEntry {
	return &ports.DeadLetterEntry{
		ID:         row.ID,
		Source:     row.Source,
		Payload:    row.Payload,
		Reason:     row.Reason,
		FirstSeen:  row.FirstSeen,
		Attempts:   row.Attempts,
		Replayable: row.Replayable,
	}
}

var _ ports.DeadLetterStore = (*DeadLetterStore)(nil)
