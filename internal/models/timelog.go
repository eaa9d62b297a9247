package models

import (
	"time"

	"github.com/google/uuid"
)

// ContractTimeLog is a freelancer-reported work interval on an hourly
// contract. IsApproved is tri-state: nil = pending review, true = approved,
// false = rejected.
type ContractTimeLog struct {
	ID              uuid.UUID  `json:"id"`
	ContractID      uuid.UUID  `json:"contract_id"`
	FreelancerID    uuid.UUID  `json:"freelancer_id"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         time.Time  `json:"end_time"`
	DurationMinutes int32      `json:"duration_minutes"`
	Description     string     `json:"description,omitempty"`
	IsBillable      bool       `json:"is_billable"`
	IsApproved      *bool      `json:"is_approved,omitempty"`
	ApprovedByID    *uuid.UUID `json:"approved_by_id,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
