package models

import (
	"time"

	"github.com/google/uuid"
)

// Contract type enums.
const (
	ContractTypeFixed    = "fixed"
	ContractTypeHourly   = "hourly"
	ContractTypeRetainer = "retainer"
)

// Contract status enums. Transitions only move forward:
// draft -> pending -> active -> completed/disputed; cancelled is reachable
// from any non-terminal state.
const (
	ContractStatusDraft     = "draft"
	ContractStatusPending   = "pending"
	ContractStatusActive    = "active"
	ContractStatusCompleted = "completed"
	ContractStatusCancelled = "cancelled"
	ContractStatusDisputed  = "disputed"
)

type Contract struct {
	ID                   uuid.UUID  `json:"id"`
	ClientID             uuid.UUID  `json:"client_id"`
	FreelancerID         uuid.UUID  `json:"freelancer_id"`
	CompanyID            *uuid.UUID `json:"company_id,omitempty"`
	ProjectID            *uuid.UUID `json:"project_id,omitempty"`
	ProposalID           *uuid.UUID `json:"proposal_id,omitempty"`
	Title                string     `json:"title"`
	Description          string     `json:"description,omitempty"`
	Terms                string     `json:"terms,omitempty"`
	ContractType         string     `json:"contract_type"`
	Status               string     `json:"status"`
	TotalAmount          *int64     `json:"total_amount,omitempty"`
	Currency             string     `json:"currency"`
	HourlyRate           *int64     `json:"hourly_rate,omitempty"`
	WeeklyLimit          *int32     `json:"weekly_limit,omitempty"`
	SignedByClientAt     *time.Time `json:"signed_by_client_at,omitempty"`
	SignedByFreelancerAt *time.Time `json:"signed_by_freelancer_at,omitempty"`
	StartDate            *time.Time `json:"start_date,omitempty"`
	EndDate              *time.Time `json:"end_date,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy          *uuid.UUID `json:"cancelled_by,omitempty"`
	CancellationReason   *string    `json:"cancellation_reason,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// IsTerminal reports whether no further status transition is allowed.
func (c *Contract) IsTerminal() bool {
	return c.Status == ContractStatusCompleted || c.Status == ContractStatusCancelled
}

// IsParty reports whether userID is the client or the freelancer on the contract.
func (c *Contract) IsParty(userID uuid.UUID) bool {
	return userID == c.ClientID || userID == c.FreelancerID
}

// Counterparty returns the other party of the contract relative to userID.
func (c *Contract) Counterparty(userID uuid.UUID) uuid.UUID {
	if userID == c.ClientID {
		return c.FreelancerID
	}
	return c.ClientID
}
