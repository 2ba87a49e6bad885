package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"orderflow-backend/internal/application/ports"
	apperrors "orderflow-backend/pkg/errors"
)

// OutboxStore persists staged outbound messages.
type OutboxStore struct {
	db *sqlx.DB
}

// NewOutboxStore wraps a connection pool.
func NewOutboxStore(db *sqlx.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

type outboxRow struct {
	ID            int64     `db:"id"`
	Destination   string    `db:"destination"`
	Payload       []byte    `db:"payload"`
	Status        string    `db:"status"`
	Attempts      int       `db:"attempts"`
	NextAttemptAt time.Time `db:"next_attempt_at"`
	LastError     string    `db:"last_error"`
	CreatedAt     time.Time `db:"created_at"`
}

// Stage inserts a PENDING row due immediately.
func (s *OutboxStore) Stage(ctx context.Context, destination string, payload []byte) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		`INSERT INTO outbox (destination, payload) VALUES ($1, $2) RETURNING id`,
		destination, payload)
	if err != nil {
		return 0, apperrors.NewTransient("failed to stage outbox row", err)
	}
	return id, nil
}

// FetchDue returns due PENDING rows in creation order, up to limit.
func (s *OutboxStore) FetchDue(ctx context.Context, now time.Time, limit int) ([]*ports.OutboxEntry, error) {
	var rows []outboxRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, destination, payload, status, attempts, next_attempt_at, last_error, created_at
		 FROM outbox
		 WHERE status = 'PENDING' AND next_attempt_at <= $1
		 ORDER BY created_at, id
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, apperrors.NewTransient("failed to fetch due outbox rows", err)
	}
	out := make([]*ports.OutboxEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, &ports.OutboxEntry{
			ID:            row.ID,
			Destination:   row.Destination,
			Payload:       row.Payload,
			Status:        ports.OutboxStatus(row.Status),
			Attempts:      row.Attempts,
			NextAttemptAt: row.NextAttemptAt,
			LastError:     row.LastError,
			CreatedAt:     row.CreatedAt,
		})
	}
	return out, nil
}

// MarkPublished transitions a row to PUBLISHED.
func (s *OutboxStore) MarkPublished(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = 'PUBLISHED' WHERE id = $1`, id)
	if err != nil {
		return apperrors.NewTransient("failed to mark outbox row published", err)
	}
	return requireRow(res)
}

// MarkFailed records a failed attempt. A zero nextAttempt parks the row as
// FAILED; otherwise it stays PENDING and is rescheduled.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error {
	var res sql.Result
	var err error
	if nextAttempt.IsZero() {
		res, err = s.db.ExecContext(ctx,
			`UPDATE outbox SET status = 'FAILED', attempts = $2, last_error = $3 WHERE id = $1`,
			id, attempts, lastError)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE outbox SET attempts = $2, next_attempt_at = $3, last_error = $4 WHERE id = $1`,
			id, attempts, nextAttempt, lastError)
	}
	if err != nil {
		return apperrors.NewTransient("failed to mark outbox row failed", err)
	}
	return requireRow(res)
}

// Delete removes a row outright.
func (s *OutboxStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = $1`, id); err != nil {
		return apperrors.NewTransient("failed to delete outbox row", err)
	}
	return nil
}

// CleanupPublished drops PUBLISHED rows older than the cutoff.
func (s *OutboxStore) CleanupPublished(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE status = 'PUBLISHED' AND created_at < $1`, olderThan)
	if err != nil {
		return 0, apperrors.NewTransient("failed to clean up outbox", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.NewTransient("failed to count cleaned outbox rows", err)
	}
	return int(n), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.NewTransient("failed to read affected rows", err)
	}
	if n == 0 {
		return apperrors.NewNotFound("outbox row not found")
	}
	return nil
}

var _ ports.OutboxStore = (*OutboxStore)(nil)
