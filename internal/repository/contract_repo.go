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

const contractColumns = `id, client_id, freelancer_id, company_id, project_id, proposal_id,
	title, description, terms, contract_type, status, total_amount, currency,
	hourly_rate, weekly_limit, signed_by_client_at, signed_by_freelancer_at,
	start_date, end_date, completed_at, cancelled_at, cancelled_by,
	cancellation_reason, created_at, updated_at`

type ContractRepo struct {
	pool *pgxpool.Pool
}

func NewContractRepo(pool *pgxpool.Pool) *ContractRepo {
	return &ContractRepo{pool: pool}
}

func scanContract(row pgx.Row) (*models.Contract, error) {
	var c models.Contract
	err := row.Scan(&c.ID, &c.ClientID, &c.FreelancerID, &c.CompanyID, &c.ProjectID, &c.ProposalID,
		&c.Title, &c.Description, &c.Terms, &c.ContractType, &c.Status, &c.TotalAmount, &c.Currency,
		&c.HourlyRate, &c.WeeklyLimit, &c.SignedByClientAt, &c.SignedByFreelancerAt,
		&c.StartDate, &c.EndDate, &c.CompletedAt, &c.CancelledAt, &c.CancelledBy,
		&c.CancellationReason, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.E(apperr.ErrNotFound, "contract not found")
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ContractRepo) CreateTx(ctx context.Context, tx pgx.Tx, c *models.Contract) error {
	return tx.QueryRow(ctx, `
		INSERT INTO contracts (id, client_id, freelancer_id, company_id, project_id, proposal_id,
			title, description, terms, contract_type, status, total_amount, currency, hourly_rate, weekly_limit,
			start_date, end_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at
	`, c.ID, c.ClientID, c.FreelancerID, c.CompanyID, c.ProjectID, c.ProposalID,
		c.Title, c.Description, c.Terms, c.ContractType, c.Status, c.TotalAmount, c.Currency,
		c.HourlyRate, c.WeeklyLimit, c.StartDate, c.EndDate).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *ContractRepo) Get(ctx context.Context, id uuid.UUID) (*models.Contract, error) {
	return r.get(ctx, r.pool, id, "")
}

func (r *ContractRepo) GetTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Contract, error) {
	return r.get(ctx, tx, id, "")
}

// GetForUpdateTx locks the contract row for the duration of the transaction.
func (r *ContractRepo) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Contract, error) {
	return r.get(ctx, tx, id, " FOR UPDATE")
}

func (r *ContractRepo) get(ctx context.Context, q querier, id uuid.UUID, suffix string) (*models.Contract, error) {
	return scanContract(q.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`+suffix, id))
}

func (r *ContractRepo) UpdateTx(ctx context.Context, tx pgx.Tx, c *models.Contract) error {
	_, err := tx.Exec(ctx, `
		UPDATE contracts SET title = $2, description = $3, terms = $4, status = $5,
			total_amount = $6, hourly_rate = $7, weekly_limit = $8,
			signed_by_client_at = $9, signed_by_freelancer_at = $10,
			start_date = $11, end_date = $12, completed_at = $13,
			cancelled_at = $14, cancelled_by = $15, cancellation_reason = $16,
			updated_at = now()
		WHERE id = $1
	`, c.ID, c.Title, c.Description, c.Terms, c.Status,
		c.TotalAmount, c.HourlyRate, c.WeeklyLimit,
		c.SignedByClientAt, c.SignedByFreelancerAt,
		c.StartDate, c.EndDate, c.CompletedAt,
		c.CancelledAt, c.CancelledBy, c.CancellationReason)
	return err
}

// SetTotalAmountTx persists the recomputed milestone total on the contract.
func (r *ContractRepo) SetTotalAmountTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, total int64) error {
	_, err := tx.Exec(ctx, `UPDATE contracts SET total_amount = $2, updated_at = now() WHERE id = $1`, id, total)
	return err
}

func (r *ContractRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Contract, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+contractColumns+` FROM contracts
		WHERE client_id = $1 OR freelancer_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}
