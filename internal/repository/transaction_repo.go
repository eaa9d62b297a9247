package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/worklane/backend/internal/models"
)

// TransactionRepo is append-only: ledger entries are never updated or deleted,
// so no such methods exist here.
type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// CreateTx inserts a ledger entry inside the given transaction. Ledger writes
// only ever happen alongside a payment state change in the same transaction.
func (r *TransactionRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO transactions (id, payment_id, user_id, type, amount, currency, balance_after, description, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, t.ID, t.PaymentID, t.UserID, t.Type, t.Amount, t.Currency, t.BalanceAfter,
		t.Description, t.ReferenceID).Scan(&t.CreatedAt)
}

func (r *TransactionRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, payment_id, user_id, type, amount, currency, balance_after, description, reference_id, created_at
		FROM transactions WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.PaymentID, &t.UserID, &t.Type, &t.Amount, &t.Currency,
			&t.BalanceAfter, &t.Description, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
