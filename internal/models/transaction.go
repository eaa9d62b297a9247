package models

import (
	"time"

	"github.com/google/uuid"
)

// Transaction type enums.
const (
	TransactionTypePayment       = "payment"
	TransactionTypeEscrowFunding = "escrow_funding"
	TransactionTypeEscrowRelease = "escrow_release"
	TransactionTypeRefund        = "refund"
	TransactionTypeWithdrawal    = "withdrawal"
	TransactionTypeFee           = "fee"
	TransactionTypeBonus         = "bonus"
)

// Transaction is an immutable, append-only ledger entry recording one side of
// a money movement for one user. Transactions are never updated or deleted.
// ReferenceID is the idempotency token for a future asynchronous processor.
type Transaction struct {
	ID           uuid.UUID  `json:"id"`
	PaymentID    *uuid.UUID `json:"payment_id,omitempty"`
	UserID       uuid.UUID  `json:"user_id"`
	Type         string     `json:"type"`
	Amount       int64      `json:"amount"`
	Currency     string     `json:"currency"`
	BalanceAfter *int64     `json:"balance_after,omitempty"`
	Description  string     `json:"description"`
	ReferenceID  uuid.UUID  `json:"reference_id"`
	CreatedAt    time.Time  `json:"created_at"`
}
