package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"orderflow-backend/internal/domain/saga"
	"orderflow-backend/internal/infrastructure/persistence/sagastate"
	apperrors "orderflow-backend/pkg/errors"
)

// SagaStore mirrors saga instances to the saga_state table.
type SagaStore struct {
	db *sqlx.DB
}

// NewSagaStore wraps a connection pool.
func NewSagaStore(db *sqlx.DB) *SagaStore {
	return &SagaStore{db: db}
}

type sagaRow struct {
	SagaID        string         `db:"saga_id"`
	SagaType      string         `db:"saga_type"`
	Status        string         `db:"status"`
	CorrelationID sql.NullString `db:"correlation_id"`
	TotalSteps    int            `db:"total_steps"`
	CurrentStep   int            `db:"current_step"`
	Steps         []byte         `db:"steps"`
	StartedAt     time.Time      `db:"started_at"`
	Deadline      time.Time      `db:"deadline"`
	CompletedAt   sql.NullTime   `db:"completed_at"`
	FailureReason sql.NullString `db:"failure_reason"`
	FailedAtStep  sql.NullInt32  `db:"failed_at_step"`
}

const upsertSaga = `
	INSERT INTO saga_state (saga_id, saga_type, status, correlation_id, total_steps,
		current_step, steps, started_at, deadline, completed_at, failure_reason, failed_at_step)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (saga_id) DO UPDATE SET
		status = EXCLUDED.status,
		current_step = EXCLUDED.current_step,
		steps = EXCLUDED.steps,
		completed_at = EXCLUDED.completed_at,
		failure_reason = EXCLUDED.failure_reason,
		failed_at_step = EXCLUDED.failed_at_step`

// Save upserts one instance.
func (s *SagaStore) Save(ctx context.Context, inst *saga.Instance) error {
	steps, err := json.Marshal(inst.Steps)
	if err != nil {
		return apperrors.NewInternal("failed to encode saga steps", err)
	}
	var completedAt sql.NullTime
	if inst.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *inst.CompletedAt, Valid: true}
	}
	var failedAt sql.NullInt32
	if inst.FailedAtStep != nil {
		failedAt = sql.NullInt32{Int32: int32(*inst.FailedAtStep), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, upsertSaga,
		inst.SagaID, inst.SagaType, string(inst.Status),
		nullString(inst.CorrelationID), inst.TotalSteps, inst.CurrentStep,
		steps, inst.StartedAt, inst.Deadline, completedAt,
		nullString(inst.FailureReason), failedAt)
	if err != nil {
		return apperrors.NewTransient("failed to save saga row", err)
	}
	return nil
}

// Remove deletes one instance.
func (s *SagaStore) Remove(ctx context.Context, sagaID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM saga_state WHERE saga_id = $1`, sagaID); err != nil {
		return apperrors.NewTransient("failed to remove saga row", err)
	}
	return nil
}

// LoadAll returns every mirrored instance, for startup hydration.
func (s *SagaStore) LoadAll(ctx context.Context) ([]*saga.Instance, error) {
	var rows []sagaRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT saga_id, saga_type, status, correlation_id, total_steps, current_step,
			steps, started_at, deadline, completed_at, failure_reason, failed_at_step
		 FROM saga_state`)
	if err != nil {
		return nil, apperrors.NewTransient("failed to load saga rows", err)
	}
	out := make([]*saga.Instance, 0, len(rows))
	for _, row := range rows {
		inst := &saga.Instance{
			SagaID:        row.SagaID,
			SagaType:      row.SagaType,
			Status:        saga.Status(row.Status),
			CorrelationID: row.CorrelationID.String,
			TotalSteps:    row.TotalSteps,
			CurrentStep:   row.CurrentStep,
			StartedAt:     row.StartedAt,
			Deadline:      row.Deadline,
			FailureReason: row.FailureReason.String,
		}
		if err := json.Unmarshal(row.Steps, &inst.Steps); err != nil {
			return nil, apperrors.NewStorage("corrupt saga steps", err)
		}
		if row.CompletedAt.Valid {
			t := row.CompletedAt.Time
			inst.CompletedAt = &t
		}
		if row.FailedAtStep.Valid {
			n := int(row.FailedAtStep.Int32)
			inst.FailedAtStep = &n
		}
		out = append(out, inst)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ sagastate.Mirror = (*SagaStore)(nil)
