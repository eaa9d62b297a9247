package contracts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/worklane/backend/internal/apperr"
	"github.com/worklane/backend/internal/models"
	"github.com/worklane/backend/internal/notifications"
)

type DB interface {
	InTx(ctx context.Context, fn func(pgx.Tx) error) error
}

type ContractStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, c *models.Contract) error
	Get(ctx context.Context, id uuid.UUID) (*models.Contract, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Contract, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, c *models.Contract) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Contract, error)
}

type MilestoneStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, m *models.ContractMilestone) error
	ListByContract(ctx context.Context, contractID uuid.UUID) ([]*models.ContractMilestone, error)
	FirstByContract(ctx context.Context, contractID uuid.UUID) (*models.ContractMilestone, error)
	CountNotApprovedTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (int, error)
}

// Escrow is the slice of the payment engine the contract lifecycle drives:
// funding the first milestone on activation and unwinding held escrow on
// cancellation.
type Escrow interface {
	FundMilestone(ctx context.Context, milestoneID, payerID uuid.UUID) (*models.Payment, error)
	RefundContractEscrowTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID, reason string) ([]*models.Payment, error)
}

// Service owns the contract state machine: draft -> pending -> active ->
// completed, with cancelled reachable from every non-terminal state.
type Service struct {
	db         DB
	contracts  ContractStore
	milestones MilestoneStore
	escrow     Escrow
	notifier   notifications.Dispatcher
	log        *slog.Logger
}

func NewService(db DB, contracts ContractStore, milestones MilestoneStore, escrow Escrow, notifier notifications.Dispatcher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, contracts: contracts, milestones: milestones, escrow: escrow, notifier: notifier, log: log}
}

type MilestoneInput struct {
	Title       string
	Description string
	Amount      int64
	DueDate     *time.Time
}

type CreateInput struct {
	ClientID     uuid.UUID
	FreelancerID uuid.UUID
	ProjectID    *uuid.UUID
	ProposalID   *uuid.UUID
	Title        string
	Description  string
	Terms        string
	ContractType string
	Currency     string
	TotalAmount  *int64
	HourlyRate   *int64
	WeeklyLimit  *int32
	EndDate      *time.Time
	Milestones   []MilestoneInput
}

// Create opens a contract in draft. Only the client named on the contract may
// create it. Fixed-price contracts get their milestone plan up front; a fixed
// contract created with a total amount and no explicit milestones gets a
// single milestone covering the whole amount.
func (s *Service) Create(ctx context.Context, creatorID uuid.UUID, in CreateInput) (*models.Contract, error) {
	if creatorID != in.ClientID {
		return nil, apperr.E(apperr.ErrForbidden, "only the client can create a contract")
	}
	if in.ClientID == in.FreelancerID {
		return nil, apperr.E(apperr.ErrBadRequest, "client and freelancer must differ")
	}
	if in.Title == "" {
		return nil, apperr.E(apperr.ErrBadRequest, "title is required")
	}
	switch in.ContractType {
	case models.ContractTypeFixed:
		if in.TotalAmount == nil && len(in.Milestones) == 0 {
			return nil, apperr.E(apperr.ErrBadRequest, "fixed contract needs a total amount or milestones")
		}
	case models.ContractTypeHourly, models.ContractTypeRetainer:
		if in.HourlyRate == nil || *in.HourlyRate <= 0 {
			return nil, apperr.E(apperr.ErrBadRequest, "hourly contract needs a positive hourly rate")
		}
	default:
		return nil, apperr.E(apperr.ErrBadRequest, "invalid contract type")
	}
	for _, m := range in.Milestones {
		if m.Title == "" || m.Amount <= 0 {
			return nil, apperr.E(apperr.ErrBadRequest, "milestones need a title and a positive amount")
		}
	}
	currency := in.Currency
	if currency == "" {
		currency = "USD"
	}

	c := &models.Contract{
		ID:           uuid.New(),
		ClientID:     in.ClientID,
		FreelancerID: in.FreelancerID,
		ProjectID:    in.ProjectID,
		ProposalID:   in.ProposalID,
		Title:        in.Title,
		Description:  in.Description,
		Terms:        in.Terms,
		ContractType: in.ContractType,
		Status:       models.ContractStatusDraft,
		TotalAmount:  in.TotalAmount,
		Currency:     currency,
		HourlyRate:   in.HourlyRate,
		WeeklyLimit:  in.WeeklyLimit,
		EndDate:      in.EndDate,
	}

	plan := in.Milestones
	if in.ContractType == models.ContractTypeFixed && len(plan) == 0 {
		plan = []MilestoneInput{{Title: "Full payment", Amount: *in.TotalAmount}}
	}
	if in.ContractType == models.ContractTypeFixed {
		var total int64
		for _, m := range plan {
			total += m.Amount
		}
		c.TotalAmount = &total
	}

	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		if err := s.contracts.CreateTx(ctx, tx, c); err != nil {
			return err
		}
		for i, m := range plan {
			ms := &models.ContractMilestone{
				ID:          uuid.New(),
				ContractID:  c.ID,
				Title:       m.Title,
				Description: m.Description,
				Amount:      m.Amount,
				Currency:    currency,
				Status:      models.MilestoneStatusPending,
				OrderIndex:  int32(i),
				DueDate:     m.DueDate,
			}
			if err := s.milestones.CreateTx(ctx, tx, ms); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, c.FreelancerID, models.NotificationContractCreated,
		fmt.Sprintf("New contract %q was drafted for you", c.Title),
		"/contracts/"+c.ID.String(), map[string]any{"contract_id": c.ID})
	return c, nil
}

type UpdateInput struct {
	Title       *string
	Description *string
	Terms       *string
	TotalAmount *int64
	HourlyRate  *int64
	WeeklyLimit *int32
	EndDate     *time.Time
	Status      *string
}

// Update edits a draft contract. Only the client may edit, and only while the
// contract has not been sent for signing. The one status change allowed here
// is draft -> pending, which sends the contract out for signatures.
func (s *Service) Update(ctx context.Context, contractID, userID uuid.UUID, in UpdateInput) (*models.Contract, error) {
	var c *models.Contract
	sentForSigning := false
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		c, err = s.contracts.GetForUpdateTx(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if c.ClientID != userID {
			return apperr.E(apperr.ErrForbidden, "only the client can edit the contract")
		}
		if c.Status != models.ContractStatusDraft {
			return apperr.Ef(apperr.ErrInvalidState, "contract is %s, only drafts can be edited", c.Status)
		}
		if in.Title != nil {
			if *in.Title == "" {
				return apperr.E(apperr.ErrBadRequest, "title cannot be empty")
			}
			c.Title = *in.Title
		}
		if in.Description != nil {
			c.Description = *in.Description
		}
		if in.Terms != nil {
			c.Terms = *in.Terms
		}
		if in.TotalAmount != nil {
			if c.ContractType == models.ContractTypeFixed {
				return apperr.E(apperr.ErrBadRequest, "fixed-price totals are derived from milestones, edit the milestones instead")
			}
			c.TotalAmount = in.TotalAmount
		}
		if in.HourlyRate != nil {
			c.HourlyRate = in.HourlyRate
		}
		if in.WeeklyLimit != nil {
			c.WeeklyLimit = in.WeeklyLimit
		}
		if in.EndDate != nil {
			c.EndDate = in.EndDate
		}
		if in.Status != nil {
			if *in.Status != models.ContractStatusPending {
				return apperr.E(apperr.ErrBadRequest, "only a move to pending is allowed here")
			}
			c.Status = models.ContractStatusPending
			sentForSigning = true
		}
		return s.contracts.UpdateTx(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}
	if sentForSigning {
		s.notifier.Notify(ctx, c.FreelancerID, models.NotificationContractReady,
			fmt.Sprintf("Contract %q is ready for your signature", c.Title),
			"/contracts/"+c.ID.String(), map[string]any{"contract_id": c.ID})
	}
	return c, nil
}

// Sign records the caller's signature on a pending contract. When both
// parties have signed the contract becomes active, the start date defaults to
// now, and on fixed contracts the first milestone is funded best-effort in
// its own transaction. A funding failure never undoes the activation; the
// client retries by funding the milestone directly.
func (s *Service) Sign(ctx context.Context, contractID, userID uuid.UUID) (*models.Contract, error) {
	var c *models.Contract
	activated := false
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		c, err = s.contracts.GetForUpdateTx(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if !c.IsParty(userID) {
			return apperr.E(apperr.ErrForbidden, "not a party to this contract")
		}
		if c.Status != models.ContractStatusPending {
			return apperr.Ef(apperr.ErrInvalidState, "contract is %s, only pending contracts can be signed", c.Status)
		}
		now := time.Now()
		switch userID {
		case c.ClientID:
			if c.SignedByClientAt != nil {
				return apperr.E(apperr.ErrInvalidState, "client has already signed")
			}
			c.SignedByClientAt = &now
		case c.FreelancerID:
			if c.SignedByFreelancerAt != nil {
				return apperr.E(apperr.ErrInvalidState, "freelancer has already signed")
			}
			c.SignedByFreelancerAt = &now
		}
		if c.SignedByClientAt != nil && c.SignedByFreelancerAt != nil {
			c.Status = models.ContractStatusActive
			if c.StartDate == nil {
				c.StartDate = &now
			}
			activated = true
		}
		return s.contracts.UpdateTx(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}

	other := c.Counterparty(userID)
	if activated {
		if c.ContractType == models.ContractTypeFixed {
			s.fundFirstMilestone(ctx, c)
		}
		s.notifier.Notify(ctx, other, models.NotificationContractActivated,
			fmt.Sprintf("Contract %q is now active", c.Title),
			"/contracts/"+c.ID.String(), map[string]any{"contract_id": c.ID})
	} else {
		s.notifier.Notify(ctx, other, models.NotificationContractSigned,
			fmt.Sprintf("Contract %q was signed, your signature is still needed", c.Title),
			"/contracts/"+c.ID.String(), map[string]any{"contract_id": c.ID})
	}
	return c, nil
}

func (s *Service) fundFirstMilestone(ctx context.Context, c *models.Contract) {
	first, err := s.milestones.FirstByContract(ctx, c.ID)
	if err != nil {
		s.log.Warn("lookup first milestone for funding failed", "contract_id", c.ID, "error", err)
		return
	}
	if first == nil {
		return
	}
	if _, err := s.escrow.FundMilestone(ctx, first.ID, c.ClientID); err != nil {
		s.log.Warn("auto-fund first milestone failed", "contract_id", c.ID, "milestone_id", first.ID, "error", err)
	}
}

// Cancel terminates a non-terminal contract. Any party may cancel. Escrow
// that was funded but never released is refunded to the client inside the
// same transaction, so a cancelled contract can never strand client money.
func (s *Service) Cancel(ctx context.Context, contractID, userID uuid.UUID, reason string) (*models.Contract, error) {
	var c *models.Contract
	var refunded []*models.Payment
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		c, err = s.contracts.GetForUpdateTx(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if !c.IsParty(userID) {
			return apperr.E(apperr.ErrForbidden, "not a party to this contract")
		}
		if c.IsTerminal() {
			return apperr.Ef(apperr.ErrInvalidState, "contract is already %s", c.Status)
		}
		now := time.Now()
		c.Status = models.ContractStatusCancelled
		c.CancelledAt = &now
		c.CancelledBy = &userID
		if reason != "" {
			c.CancellationReason = &reason
		}
		if err := s.contracts.UpdateTx(ctx, tx, c); err != nil {
			return err
		}
		refunded, err = s.escrow.RefundContractEscrowTx(ctx, tx, c.ID, "contract cancelled")
		return err
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, c.Counterparty(userID), models.NotificationContractCancelled,
		fmt.Sprintf("Contract %q was cancelled", c.Title),
		"/contracts/"+c.ID.String(),
		map[string]any{"contract_id": c.ID, "refunded_payments": len(refunded)})
	return c, nil
}

// Complete closes out an active contract. Only the client completes, and only
// once every milestone has been approved; outstanding milestones block
// completion so no funded work can be silently abandoned.
func (s *Service) Complete(ctx context.Context, contractID, userID uuid.UUID) (*models.Contract, error) {
	var c *models.Contract
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		c, err = s.contracts.GetForUpdateTx(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if c.ClientID != userID {
			return apperr.E(apperr.ErrForbidden, "only the client can complete the contract")
		}
		if c.Status != models.ContractStatusActive {
			return apperr.Ef(apperr.ErrInvalidState, "contract is %s, only active contracts can be completed", c.Status)
		}
		open, err := s.milestones.CountNotApprovedTx(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if open > 0 {
			return apperr.Ef(apperr.ErrInvalidState, "%d milestones are not approved yet", open)
		}
		now := time.Now()
		c.Status = models.ContractStatusCompleted
		c.CompletedAt = &now
		if c.EndDate == nil {
			c.EndDate = &now
		}
		return s.contracts.UpdateTx(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, c.FreelancerID, models.NotificationContractCompleted,
		fmt.Sprintf("Contract %q was completed", c.Title),
		"/contracts/"+c.ID.String(), map[string]any{"contract_id": c.ID})
	return c, nil
}

// Get returns the contract to either party.
func (s *Service) Get(ctx context.Context, contractID, userID uuid.UUID) (*models.Contract, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !c.IsParty(userID) {
		return nil, apperr.E(apperr.ErrForbidden, "not a party to this contract")
	}
	return c, nil
}

// List returns every contract the user is a party to.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]*models.Contract, error) {
	return s.contracts.ListByUser(ctx, userID)
}

// Milestones returns the contract's milestone plan in order.
func (s *Service) Milestones(ctx context.Context, contractID, userID uuid.UUID) ([]*models.ContractMilestone, error) {
	if _, err := s.Get(ctx, contractID, userID); err != nil {
		return nil, err
	}
	return s.milestones.ListByContract(ctx, contractID)
}
