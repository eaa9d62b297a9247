package models

import (
	"time"

	"github.com/google/uuid"
)

// Payment status enums. Valid transitions:
// pending -> processing -> completed, pending/processing -> failed,
// completed -> refunded.
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
	PaymentStatusRefunded   = "refunded"
)

// Payment is a single directed money movement between a payer and a payee.
// Amounts are integer minor currency units.
type Payment struct {
	ID            uuid.UUID  `json:"id"`
	ContractID    *uuid.UUID `json:"contract_id,omitempty"`
	MilestoneID   *uuid.UUID `json:"milestone_id,omitempty"`
	TimeLogID     *uuid.UUID `json:"time_log_id,omitempty"`
	PayerID       uuid.UUID  `json:"payer_id"`
	PayeeID       uuid.UUID  `json:"payee_id"`
	CompanyID     *uuid.UUID `json:"company_id,omitempty"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	IsEscrow      bool       `json:"is_escrow"`
	FeeAmount     int64      `json:"fee_amount"`
	Description   string     `json:"description"`
	InitiatedAt   time.Time  `json:"initiated_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	RefundedAt    *time.Time `json:"refunded_at,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
}
