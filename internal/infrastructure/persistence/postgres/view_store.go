package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"orderflow-backend/internal/application/ports"
	"orderflow-backend/internal/infrastructure/persistence/writebehind"
	apperrors "orderflow-backend/pkg/errors"
)

// ViewStore persists projection records.
type ViewStore struct {
	db *sqlx.DB
}

// NewViewStore wraps a connection pool.
func NewViewStore(db *sqlx.DB) *ViewStore {
	return &ViewStore{db: db}
}

const upsertView = `
	INSERT INTO view_store (view_name, key, record, updated_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (view_name, key)
	DO UPDATE SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`

// Flush applies a batch of upserts and deletes in one transaction.
func (s *ViewStore) Flush(ctx context.Context, records []writebehind.Record) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.NewTransient("failed to begin view flush", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if rec.Delete {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM view_store WHERE view_name = $1 AND key = $2`, rec.Domain, rec.Key)
		} else {
			if !json.Valid(rec.Payload) {
				return apperrors.NewPoisoned(fmt.Sprintf("undecodable view record for %s/%s", rec.Domain, rec.Key), nil)
			}
			_, err = tx.ExecContext(ctx, upsertView, rec.Domain, rec.Key, rec.Payload, rec.UpdatedAt)
		}
		if err != nil {
			return apperrors.NewTransient("failed to write view row", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.NewTransient("failed to commit view flush", err)
	}
	return nil
}

// Load returns the record for (view, key).
func (s *ViewStore) Load(ctx context.Context, view, key string) (map[string]any, bool, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw,
		`SELECT record FROM view_store WHERE view_name = $1 AND key = $2`, view, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.NewTransient("failed to load view row", err)
	}
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, apperrors.NewStorage("corrupt view row", err)
	}
	return record, true, nil
}

// ScanAll visits every record of the view.
func (s *ViewStore) ScanAll(ctx context.Context, view string, visit func(key string, record map[string]any) error) error {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT key, record FROM view_store WHERE view_name = $1`, view)
	if err != nil {
		return apperrors.NewTransient("failed to scan view rows", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return apperrors.NewTransient("failed to scan view row", err)
		}
		var record map[string]any
		if err := json.Unmarshal(raw, &record); err != nil {
			return apperrors.NewStorage("corrupt view row", err)
		}
		if err := visit(key, record); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return apperrors.NewTransient("failed while iterating view rows", err)
	}
	return nil
}

// Clear drops every record of the view.
func (s *ViewStore) Clear(ctx context.Context, view string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM view_store WHERE view_name = $1`, view); err != nil {
		return apperrors.NewTransient("failed to clear view", err)
	}
	return nil
}

var _ ports.ViewDurable = (*ViewStore)(nil)
