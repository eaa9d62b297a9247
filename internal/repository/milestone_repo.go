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

const milestoneColumns = `id, contract_id, title, description, amount, currency, status, order_index,
	due_date, submitted_at, approved_at, approved_by_id, rejected_at, rejected_by_id,
	rejection_reason, attachment_urls, created_at, updated_at`

type MilestoneRepo struct {
	pool *pgxpool.Pool
}

func NewMilestoneRepo(pool *pgxpool.Pool) *MilestoneRepo {
	return &MilestoneRepo{pool: pool}
}

func scanMilestone(row pgx.Row) (*models.ContractMilestone, error) {
	var m models.ContractMilestone
	err := row.Scan(&m.ID, &m.ContractID, &m.Title, &m.Description, &m.Amount, &m.Currency, &m.Status,
		&m.OrderIndex, &m.DueDate, &m.SubmittedAt, &m.ApprovedAt, &m.ApprovedByID,
		&m.RejectedAt, &m.RejectedByID, &m.RejectionReason, &m.AttachmentURLs,
		&m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.E(apperr.ErrNotFound, "milestone not found")
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MilestoneRepo) CreateTx(ctx context.Context, tx pgx.Tx, m *models.ContractMilestone) error {
	return tx.QueryRow(ctx, `
		INSERT INTO contract_milestones (id, contract_id, title, description, amount, currency, status, order_index, due_date, attachment_urls)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, m.ID, m.ContractID, m.Title, m.Description, m.Amount, m.Currency, m.Status, m.OrderIndex,
		m.DueDate, m.AttachmentURLs).Scan(&m.CreatedAt, &m.UpdatedAt)
}

func (r *MilestoneRepo) Get(ctx context.Context, id uuid.UUID) (*models.ContractMilestone, error) {
	return r.get(ctx, r.pool, id, "")
}

// GetForUpdateTx locks the milestone row; funding and approval checks read
// through this lock so two concurrent operations on the same milestone
// serialize at the store.
func (r *MilestoneRepo) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.ContractMilestone, error) {
	return r.get(ctx, tx, id, " FOR UPDATE")
}

func (r *MilestoneRepo) get(ctx context.Context, q querier, id uuid.UUID, suffix string) (*models.ContractMilestone, error) {
	return scanMilestone(q.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM contract_milestones WHERE id = $1`+suffix, id))
}

func (r *MilestoneRepo) UpdateTx(ctx context.Context, tx pgx.Tx, m *models.ContractMilestone) error {
	_, err := tx.Exec(ctx, `
		UPDATE contract_milestones SET title = $2, description = $3, amount = $4, status = $5,
			order_index = $6, due_date = $7, submitted_at = $8, approved_at = $9, approved_by_id = $10,
			rejected_at = $11, rejected_by_id = $12, rejection_reason = $13, attachment_urls = $14,
			updated_at = now()
		WHERE id = $1
	`, m.ID, m.Title, m.Description, m.Amount, m.Status, m.OrderIndex, m.DueDate,
		m.SubmittedAt, m.ApprovedAt, m.ApprovedByID, m.RejectedAt, m.RejectedByID,
		m.RejectionReason, m.AttachmentURLs)
	return err
}

func (r *MilestoneRepo) DeleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `DELETE FROM contract_milestones WHERE id = $1`, id)
	return err
}

// SetStatusTx updates only the status column.
func (r *MilestoneRepo) SetStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error {
	_, err := tx.Exec(ctx, `UPDATE contract_milestones SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return err
}

func (r *MilestoneRepo) ListByContract(ctx context.Context, contractID uuid.UUID) ([]*models.ContractMilestone, error) {
	return r.list(ctx, r.pool, contractID)
}

func (r *MilestoneRepo) ListByContractTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) ([]*models.ContractMilestone, error) {
	return r.list(ctx, tx, contractID)
}

func (r *MilestoneRepo) list(ctx context.Context, q querier, contractID uuid.UUID) ([]*models.ContractMilestone, error) {
	rows, err := q.Query(ctx, `
		SELECT `+milestoneColumns+` FROM contract_milestones
		WHERE contract_id = $1 ORDER BY order_index
	`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.ContractMilestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// FirstByContract returns the milestone with the lowest order index, or nil.
func (r *MilestoneRepo) FirstByContract(ctx context.Context, contractID uuid.UUID) (*models.ContractMilestone, error) {
	m, err := scanMilestone(r.pool.QueryRow(ctx, `
		SELECT `+milestoneColumns+` FROM contract_milestones
		WHERE contract_id = $1 ORDER BY order_index LIMIT 1
	`, contractID))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// NextOrderIndexTx returns max(order_index)+1 for the contract, 0 when empty.
func (r *MilestoneRepo) NextOrderIndexTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (int32, error) {
	var next int32
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(order_index) + 1, 0) FROM contract_milestones WHERE contract_id = $1
	`, contractID).Scan(&next)
	return next, err
}

// SumAmountsTx returns the sum of milestone amounts for the contract.
func (r *MilestoneRepo) SumAmountsTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (int64, error) {
	var total int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM contract_milestones WHERE contract_id = $1
	`, contractID).Scan(&total)
	return total, err
}

// ReindexTx rewrites order_index values to be contiguous 0..n-1, preserving order.
func (r *MilestoneRepo) ReindexTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE contract_milestones m
		SET order_index = s.rn - 1, updated_at = now()
		FROM (
			SELECT id, row_number() OVER (ORDER BY order_index) AS rn
			FROM contract_milestones WHERE contract_id = $1
		) s
		WHERE m.id = s.id AND m.order_index <> s.rn - 1
	`, contractID)
	return err
}

// CountNotApprovedTx counts milestones the contract cannot complete with.
func (r *MilestoneRepo) CountNotApprovedTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM contract_milestones WHERE contract_id = $1 AND status <> $2
	`, contractID, models.MilestoneStatusApproved).Scan(&n)
	return n, err
}
