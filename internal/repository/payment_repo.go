package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/worklane/backend/internal/apperr"
	"github.com/worklane/backend/internal/models"
)

// Partial unique index names from the schema; inserts that violate them are
// mapped back onto the uniqueness sentinels.
const (
	idxActiveEscrowPerMilestone = "ux_payments_active_escrow_per_milestone"
	idxActivePerTimeLog         = "ux_payments_active_per_time_log"
)

const paymentColumns = `id, contract_id, milestone_id, time_log_id, payer_id, payee_id, company_id,
	amount, currency, status, is_escrow, fee_amount, description, initiated_at,
	processed_at, completed_at, failed_at, refunded_at, failure_reason`

type PaymentRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentRepo(pool *pgxpool.Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.ContractID, &p.MilestoneID, &p.TimeLogID, &p.PayerID, &p.PayeeID, &p.CompanyID,
		&p.Amount, &p.Currency, &p.Status, &p.IsEscrow, &p.FeeAmount, &p.Description, &p.InitiatedAt,
		&p.ProcessedAt, &p.CompletedAt, &p.FailedAt, &p.RefundedAt, &p.FailureReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.E(apperr.ErrNotFound, "payment not found")
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepo) CreateTx(ctx context.Context, tx pgx.Tx, p *models.Payment) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO payments (id, contract_id, milestone_id, time_log_id, payer_id, payee_id, company_id,
			amount, currency, status, is_escrow, fee_amount, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING initiated_at
	`, p.ID, p.ContractID, p.MilestoneID, p.TimeLogID, p.PayerID, p.PayeeID, p.CompanyID,
		p.Amount, p.Currency, p.Status, p.IsEscrow, p.FeeAmount, p.Description).Scan(&p.InitiatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case idxActiveEscrowPerMilestone:
				return apperr.ErrAlreadyFunded
			case idxActivePerTimeLog:
				return apperr.ErrAlreadyPaid
			}
		}
		return err
	}
	return nil
}

func (r *PaymentRepo) Get(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (r *PaymentRepo) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payment, error) {
	return scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

// ActiveEscrowForMilestoneTx returns the non-failed, non-refunded escrow
// payment for the milestone, or nil when none exists. At most one can exist.
func (r *PaymentRepo) ActiveEscrowForMilestoneTx(ctx context.Context, tx pgx.Tx, milestoneID uuid.UUID) (*models.Payment, error) {
	p, err := scanPayment(tx.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE milestone_id = $1 AND is_escrow
		  AND status NOT IN ($2, $3)
	`, milestoneID, models.PaymentStatusFailed, models.PaymentStatusRefunded))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// ActiveReleaseForMilestoneTx returns the non-failed, non-refunded release
// (non-escrow) payment for the milestone, or nil when none exists.
func (r *PaymentRepo) ActiveReleaseForMilestoneTx(ctx context.Context, tx pgx.Tx, milestoneID uuid.UUID) (*models.Payment, error) {
	p, err := scanPayment(tx.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE milestone_id = $1 AND NOT is_escrow
		  AND status NOT IN ($2, $3)
		LIMIT 1
	`, milestoneID, models.PaymentStatusFailed, models.PaymentStatusRefunded))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// ActiveForTimeLogTx returns the non-failed, non-refunded payment for the
// time log, or nil when none exists.
func (r *PaymentRepo) ActiveForTimeLogTx(ctx context.Context, tx pgx.Tx, timeLogID uuid.UUID) (*models.Payment, error) {
	p, err := scanPayment(tx.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE time_log_id = $1 AND status NOT IN ($2, $3)
	`, timeLogID, models.PaymentStatusFailed, models.PaymentStatusRefunded))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// ListUnreleasedEscrowForContractTx returns completed escrow payments whose
// milestone has no completed release payment yet. Used to unwind escrow when
// a contract is cancelled.
func (r *PaymentRepo) ListUnreleasedEscrowForContractTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) ([]*models.Payment, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments p
		WHERE p.contract_id = $1 AND p.is_escrow AND p.status = $2
		  AND NOT EXISTS (
			SELECT 1 FROM payments r
			WHERE r.milestone_id = p.milestone_id AND NOT r.is_escrow AND r.status = $2
		  )
		FOR UPDATE OF p
	`, contractID, models.PaymentStatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// MarkProcessingTx advances pending -> processing, stamping processed_at.
func (r *PaymentRepo) MarkProcessingTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	return r.advance(ctx, tx, `
		UPDATE payments SET status = $2, processed_at = now()
		WHERE id = $1 AND status = $3
	`, id, models.PaymentStatusProcessing, models.PaymentStatusPending)
}

// MarkCompletedTx advances processing -> completed, stamping completed_at.
func (r *PaymentRepo) MarkCompletedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	return r.advance(ctx, tx, `
		UPDATE payments SET status = $2, completed_at = now()
		WHERE id = $1 AND status = $3
	`, id, models.PaymentStatusCompleted, models.PaymentStatusProcessing)
}

// MarkFailedTx moves a pending or processing payment to failed with a reason.
func (r *PaymentRepo) MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) error {
	return r.advance(ctx, tx, `
		UPDATE payments SET status = $2, failed_at = now(), failure_reason = $3
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.PaymentStatusFailed, reason, models.PaymentStatusPending, models.PaymentStatusProcessing)
}

// MarkRefundedTx moves a completed payment to refunded.
func (r *PaymentRepo) MarkRefundedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	return r.advance(ctx, tx, `
		UPDATE payments SET status = $2, refunded_at = now()
		WHERE id = $1 AND status = $3
	`, id, models.PaymentStatusRefunded, models.PaymentStatusCompleted)
}

func (r *PaymentRepo) advance(ctx context.Context, tx pgx.Tx, sql string, args ...any) error {
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.E(apperr.ErrInvalidState, "payment is not in a state that allows this transition")
	}
	return nil
}

// ListFilter narrows ListForUser results.
type ListFilter struct {
	ContractID *uuid.UUID
	Status     string
}

// ListForUser returns payments where the user is payer or payee.
func (r *PaymentRepo) ListForUser(ctx context.Context, userID uuid.UUID, f ListFilter) ([]*models.Payment, error) {
	sql := `SELECT ` + paymentColumns + ` FROM payments WHERE (payer_id = $1 OR payee_id = $1)`
	args := []any{userID}
	if f.ContractID != nil {
		args = append(args, *f.ContractID)
		sql += fmt.Sprintf(" AND contract_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		sql += fmt.Sprintf(" AND status = $%d", len(args))
	}
	sql += " ORDER BY initiated_at DESC"

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
