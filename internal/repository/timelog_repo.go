package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/worklane/backend/internal/apperr"
	"github.com/worklane/backend/internal/models"
)

const timeLogColumns = `id, contract_id, freelancer_id, start_time, end_time, duration_minutes,
	description, is_billable, is_approved, approved_by_id, approved_at, rejected_at,
	rejection_reason, created_at, updated_at`

type TimeLogRepo struct {
	pool *pgxpool.Pool
}

func NewTimeLogRepo(pool *pgxpool.Pool) *TimeLogRepo {
	return &TimeLogRepo{pool: pool}
}

func scanTimeLog(row pgx.Row) (*models.ContractTimeLog, error) {
	var t models.ContractTimeLog
	err := row.Scan(&t.ID, &t.ContractID, &t.FreelancerID, &t.StartTime, &t.EndTime, &t.DurationMinutes,
		&t.Description, &t.IsBillable, &t.IsApproved, &t.ApprovedByID, &t.ApprovedAt,
		&t.RejectedAt, &t.RejectionReason, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.E(apperr.ErrNotFound, "time log not found")
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TimeLogRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.ContractTimeLog) error {
	return tx.QueryRow(ctx, `
		INSERT INTO contract_time_logs (id, contract_id, freelancer_id, start_time, end_time, duration_minutes, description, is_billable)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, t.ID, t.ContractID, t.FreelancerID, t.StartTime, t.EndTime, t.DurationMinutes,
		t.Description, t.IsBillable).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *TimeLogRepo) Get(ctx context.Context, id uuid.UUID) (*models.ContractTimeLog, error) {
	return scanTimeLog(r.pool.QueryRow(ctx, `SELECT `+timeLogColumns+` FROM contract_time_logs WHERE id = $1`, id))
}

// GetForUpdateTx locks the time log row so the approve-then-pay check cannot race.
func (r *TimeLogRepo) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.ContractTimeLog, error) {
	return scanTimeLog(tx.QueryRow(ctx, `SELECT `+timeLogColumns+` FROM contract_time_logs WHERE id = $1 FOR UPDATE`, id))
}

func (r *TimeLogRepo) UpdateTx(ctx context.Context, tx pgx.Tx, t *models.ContractTimeLog) error {
	_, err := tx.Exec(ctx, `
		UPDATE contract_time_logs SET is_approved = $2, approved_by_id = $3, approved_at = $4,
			rejected_at = $5, rejection_reason = $6, updated_at = now()
		WHERE id = $1
	`, t.ID, t.IsApproved, t.ApprovedByID, t.ApprovedAt, t.RejectedAt, t.RejectionReason)
	return err
}

func (r *TimeLogRepo) ListByContract(ctx context.Context, contractID uuid.UUID) ([]*models.ContractTimeLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+timeLogColumns+` FROM contract_time_logs
		WHERE contract_id = $1 ORDER BY start_time DESC
	`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.ContractTimeLog
	for rows.Next() {
		t, err := scanTimeLog(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
