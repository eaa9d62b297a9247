package models

import (
	"time"

	"github.com/google/uuid"
)

// Milestone status enums.
const (
	MilestoneStatusPending    = "pending"
	MilestoneStatusInProgress = "in_progress"
	MilestoneStatusSubmitted  = "submitted"
	MilestoneStatusApproved   = "approved"
	MilestoneStatusRejected   = "rejected"
)

// ContractMilestone is an ordered deliverable-payment unit of a fixed-price
// contract. OrderIndex values are kept contiguous 0..n-1 within a contract.
type ContractMilestone struct {
	ID              uuid.UUID  `json:"id"`
	ContractID      uuid.UUID  `json:"contract_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	OrderIndex      int32      `json:"order_index"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	ApprovedByID    *uuid.UUID `json:"approved_by_id,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectedByID    *uuid.UUID `json:"rejected_by_id,omitempty"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`
	AttachmentURLs  []string   `json:"attachment_urls,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
