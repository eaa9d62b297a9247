package milestones

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
	"github.com/worklane/backend/internal/payments"
)

type DB interface {
	InTx(ctx context.Context, fn func(pgx.Tx) error) error
}

type ContractStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Contract, error)
	GetTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Contract, error)
	SetTotalAmountTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, total int64) error
}

type MilestoneStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, m *models.ContractMilestone) error
	Get(ctx context.Context, id uuid.UUID) (*models.ContractMilestone, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.ContractMilestone, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, m *models.ContractMilestone) error
	DeleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	NextOrderIndexTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (int32, error)
	SumAmountsTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) (int64, error)
	ReindexTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) error
}

// Escrow is the slice of the payment engine the milestone workflow drives.
// Funding runs in its own transaction; release is composed into the approval
// transaction so approval and payout commit or roll back together.
type Escrow interface {
	FundMilestone(ctx context.Context, milestoneID, payerID uuid.UUID) (*models.Payment, error)
	ReleaseMilestonePaymentTx(ctx context.Context, tx pgx.Tx, milestoneID, releasedBy uuid.UUID) (*models.Payment, error)
}

// Service owns the milestone workflow of fixed-price contracts: plan edits
// while the contract is not yet active, then the
// pending -> in_progress -> submitted -> approved/rejected cycle.
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

type AddInput struct {
	Title       string
	Description string
	Amount      int64
	DueDate     *time.Time
}

// Add appends a milestone to a fixed-price contract that has not been
// activated yet. The contract total is recomputed from the milestone amounts
// so the two can never drift apart.
func (s *Service) Add(ctx context.Context, contractID, userID uuid.UUID, in AddInput) (*models.ContractMilestone, error) {
	if in.Title == "" || in.Amount <= 0 {
		return nil, apperr.E(apperr.ErrBadRequest, "milestone needs a title and a positive amount")
	}
	var m *models.ContractMilestone
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		c, err := s.contracts.GetTx(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if c.ClientID != userID {
			return apperr.E(apperr.ErrForbidden, "only the client can edit the milestone plan")
		}
		if c.ContractType != models.ContractTypeFixed {
			return apperr.E(apperr.ErrBadRequest, "only fixed contracts have milestones")
		}
		if c.Status != models.ContractStatusDraft && c.Status != models.ContractStatusPending {
			return apperr.Ef(apperr.ErrInvalidState, "contract is %s, milestones can only be added before activation", c.Status)
		}
		idx, err := s.milestones.NextOrderIndexTx(ctx, tx, contractID)
		if err != nil {
			return err
		}
		m = &models.ContractMilestone{
			ID:          uuid.New(),
			ContractID:  contractID,
			Title:       in.Title,
			Description: in.Description,
			Amount:      in.Amount,
			Currency:    c.Currency,
			Status:      models.MilestoneStatusPending,
			OrderIndex:  idx,
			DueDate:     in.DueDate,
		}
		if err := s.milestones.CreateTx(ctx, tx, m); err != nil {
			return err
		}
		return s.recomputeTotal(ctx, tx, contractID)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

type UpdateInput struct {
	Title       *string
	Description *string
	Amount      *int64
	DueDate     *time.Time
}

// Update edits milestone details. Amount changes are only allowed before the
// contract activates, since activation makes the amount the basis of escrow.
func (s *Service) Update(ctx context.Context, milestoneID, userID uuid.UUID, in UpdateInput) (*models.ContractMilestone, error) {
	var m *models.ContractMilestone
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		m, err = s.milestones.GetForUpdateTx(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		c, err := s.contracts.GetTx(ctx, tx, m.ContractID)
		if err != nil {
			return err
		}
		if c.ClientID != userID {
			return apperr.E(apperr.ErrForbidden, "only the client can edit milestones")
		}
		if m.Status == models.MilestoneStatusApproved {
			return apperr.E(apperr.ErrInvalidState, "approved milestones cannot be edited")
		}
		if in.Title != nil {
			if *in.Title == "" {
				return apperr.E(apperr.ErrBadRequest, "title cannot be empty")
			}
			m.Title = *in.Title
		}
		if in.Description != nil {
			m.Description = *in.Description
		}
		if in.DueDate != nil {
			m.DueDate = in.DueDate
		}
		if in.Amount != nil {
			if *in.Amount <= 0 {
				return apperr.E(apperr.ErrBadRequest, "amount must be positive")
			}
			if c.Status != models.ContractStatusDraft && c.Status != models.ContractStatusPending {
				return apperr.Ef(apperr.ErrInvalidState, "contract is %s, amounts are frozen after activation", c.Status)
			}
			m.Amount = *in.Amount
		}
		if err := s.milestones.UpdateTx(ctx, tx, m); err != nil {
			return err
		}
		if in.Amount != nil {
			return s.recomputeTotal(ctx, tx, m.ContractID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Delete removes a milestone from a draft contract, closes the order-index
// gap and recomputes the contract total.
func (s *Service) Delete(ctx context.Context, milestoneID, userID uuid.UUID) error {
	return s.db.InTx(ctx, func(tx pgx.Tx) error {
		m, err := s.milestones.GetForUpdateTx(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		c, err := s.contracts.GetTx(ctx, tx, m.ContractID)
		if err != nil {
			return err
		}
		if c.ClientID != userID {
			return apperr.E(apperr.ErrForbidden, "only the client can delete milestones")
		}
		if c.Status != models.ContractStatusDraft {
			return apperr.Ef(apperr.ErrInvalidState, "contract is %s, milestones can only be deleted from drafts", c.Status)
		}
		if err := s.milestones.DeleteTx(ctx, tx, milestoneID); err != nil {
			return err
		}
		if err := s.milestones.ReindexTx(ctx, tx, m.ContractID); err != nil {
			return err
		}
		return s.recomputeTotal(ctx, tx, m.ContractID)
	})
}

type StatusInput struct {
	Status          string
	AttachmentURLs  []string
	RejectionReason string
}

// SetStatus drives the milestone work cycle on an active contract.
//
//	pending -> in_progress        client starts work by funding escrow
//	rejected -> in_progress       freelancer picks rejected work back up
//	pending/in_progress -> submitted   freelancer submits the deliverable
//	submitted -> approved         client approves; escrow releases in the same transaction
//	submitted -> rejected         client rejects with a reason
func (s *Service) SetStatus(ctx context.Context, milestoneID, userID uuid.UUID, in StatusInput) (*models.ContractMilestone, error) {
	switch in.Status {
	case models.MilestoneStatusInProgress:
		return s.start(ctx, milestoneID, userID)
	case models.MilestoneStatusSubmitted:
		return s.submit(ctx, milestoneID, userID, in.AttachmentURLs)
	case models.MilestoneStatusApproved:
		return s.approve(ctx, milestoneID, userID)
	case models.MilestoneStatusRejected:
		return s.reject(ctx, milestoneID, userID, in.RejectionReason)
	default:
		return nil, apperr.E(apperr.ErrBadRequest, "invalid milestone status")
	}
}

func (s *Service) start(ctx context.Context, milestoneID, userID uuid.UUID) (*models.ContractMilestone, error) {
	m, err := s.milestones.Get(ctx, milestoneID)
	if err != nil {
		return nil, err
	}

	// Rejected work goes back in progress without new funding; the original
	// escrow is still held.
	if m.Status == models.MilestoneStatusRejected {
		err := s.db.InTx(ctx, func(tx pgx.Tx) error {
			var err error
			m, err = s.milestones.GetForUpdateTx(ctx, tx, milestoneID)
			if err != nil {
				return err
			}
			c, err := s.contracts.GetTx(ctx, tx, m.ContractID)
			if err != nil {
				return err
			}
			if c.FreelancerID != userID {
				return apperr.E(apperr.ErrForbidden, "only the freelancer can resume rejected work")
			}
			if c.Status != models.ContractStatusActive {
				return apperr.Ef(apperr.ErrInvalidState, "contract is %s", c.Status)
			}
			if m.Status != models.MilestoneStatusRejected {
				return apperr.Ef(apperr.ErrInvalidState, "milestone is %s", m.Status)
			}
			m.Status = models.MilestoneStatusInProgress
			return s.milestones.UpdateTx(ctx, tx, m)
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	}

	c, err := s.contracts.Get(ctx, m.ContractID)
	if err != nil {
		return nil, err
	}

	// The freelancer may start pending work without moving money; funding is
	// the client's act.
	if c.FreelancerID == userID {
		err := s.db.InTx(ctx, func(tx pgx.Tx) error {
			var err error
			m, err = s.milestones.GetForUpdateTx(ctx, tx, milestoneID)
			if err != nil {
				return err
			}
			c, err = s.contracts.GetTx(ctx, tx, m.ContractID)
			if err != nil {
				return err
			}
			if c.Status != models.ContractStatusActive {
				return apperr.Ef(apperr.ErrInvalidState, "contract is %s", c.Status)
			}
			if m.Status != models.MilestoneStatusPending {
				return apperr.Ef(apperr.ErrInvalidState, "milestone is %s", m.Status)
			}
			m.Status = models.MilestoneStatusInProgress
			return s.milestones.UpdateTx(ctx, tx, m)
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	}

	// The client starts a pending milestone by funding it. The engine checks
	// the caller is the client and moves the milestone to in_progress itself.
	if _, err := s.escrow.FundMilestone(ctx, milestoneID, userID); err != nil {
		return nil, err
	}
	return s.milestones.Get(ctx, milestoneID)
}

func (s *Service) submit(ctx context.Context, milestoneID, userID uuid.UUID, attachments []string) (*models.ContractMilestone, error) {
	var m *models.ContractMilestone
	var clientID uuid.UUID
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		m, err = s.milestones.GetForUpdateTx(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		c, err := s.contracts.GetTx(ctx, tx, m.ContractID)
		if err != nil {
			return err
		}
		if c.FreelancerID != userID {
			return apperr.E(apperr.ErrForbidden, "only the freelancer can submit work")
		}
		if c.Status != models.ContractStatusActive {
			return apperr.Ef(apperr.ErrInvalidState, "contract is %s", c.Status)
		}
		if m.Status != models.MilestoneStatusPending && m.Status != models.MilestoneStatusInProgress {
			return apperr.Ef(apperr.ErrInvalidState, "milestone is %s, cannot be submitted", m.Status)
		}
		now := time.Now()
		m.Status = models.MilestoneStatusSubmitted
		m.SubmittedAt = &now
		if len(attachments) > 0 {
			m.AttachmentURLs = attachments
		}
		clientID = c.ClientID
		return s.milestones.UpdateTx(ctx, tx, m)
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, clientID, models.NotificationMilestoneSubmit,
		fmt.Sprintf("Milestone %q was submitted for review", m.Title),
		"/milestones/"+m.ID.String(), map[string]any{"milestone_id": m.ID, "contract_id": m.ContractID})
	return m, nil
}

func (s *Service) approve(ctx context.Context, milestoneID, userID uuid.UUID) (*models.ContractMilestone, error) {
	var m *models.ContractMilestone
	var freelancerID uuid.UUID
	var released *models.Payment
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		m, err = s.milestones.GetForUpdateTx(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		c, err := s.contracts.GetTx(ctx, tx, m.ContractID)
		if err != nil {
			return err
		}
		if c.ClientID != userID {
			return apperr.E(apperr.ErrForbidden, "only the client can approve milestones")
		}
		if m.Status != models.MilestoneStatusSubmitted {
			return apperr.Ef(apperr.ErrInvalidState, "milestone is %s, only submitted milestones can be approved", m.Status)
		}
		now := time.Now()
		m.Status = models.MilestoneStatusApproved
		m.ApprovedAt = &now
		m.ApprovedByID = &userID
		if err := s.milestones.UpdateTx(ctx, tx, m); err != nil {
			return err
		}

		// Approval and payout are one atomic step. If the release cannot
		// settle the approval does not happen.
		released, err = s.escrow.ReleaseMilestonePaymentTx(ctx, tx, milestoneID, userID)
		if err != nil {
			return err
		}
		if released.Status != models.PaymentStatusCompleted {
			reason := "settlement did not complete"
			if released.FailureReason != nil {
				reason = *released.FailureReason
			}
			return fmt.Errorf("%w: %s", payments.ErrSettlementFailed, reason)
		}
		freelancerID = c.FreelancerID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, freelancerID, models.NotificationMilestoneApproved,
		fmt.Sprintf("Milestone %q was approved and %d %s released", m.Title, released.Amount, released.Currency),
		"/milestones/"+m.ID.String(),
		map[string]any{"milestone_id": m.ID, "contract_id": m.ContractID, "payment_id": released.ID})
	return m, nil
}

func (s *Service) reject(ctx context.Context, milestoneID, userID uuid.UUID, reason string) (*models.ContractMilestone, error) {
	if reason == "" {
		return nil, apperr.E(apperr.ErrBadRequest, "a rejection reason is required")
	}
	var m *models.ContractMilestone
	var freelancerID uuid.UUID
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		m, err = s.milestones.GetForUpdateTx(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		c, err := s.contracts.GetTx(ctx, tx, m.ContractID)
		if err != nil {
			return err
		}
		if c.ClientID != userID {
			return apperr.E(apperr.ErrForbidden, "only the client can reject milestones")
		}
		if m.Status != models.MilestoneStatusSubmitted {
			return apperr.Ef(apperr.ErrInvalidState, "milestone is %s, only submitted milestones can be rejected", m.Status)
		}
		now := time.Now()
		m.Status = models.MilestoneStatusRejected
		m.RejectedAt = &now
		m.RejectedByID = &userID
		m.RejectionReason = &reason
		freelancerID = c.FreelancerID
		return s.milestones.UpdateTx(ctx, tx, m)
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, freelancerID, models.NotificationMilestoneRejected,
		fmt.Sprintf("Milestone %q was rejected: %s", m.Title, reason),
		"/milestones/"+m.ID.String(), map[string]any{"milestone_id": m.ID, "contract_id": m.ContractID})
	return m, nil
}

// Get returns the milestone to either contract party.
func (s *Service) Get(ctx context.Context, milestoneID, userID uuid.UUID) (*models.ContractMilestone, error) {
	m, err := s.milestones.Get(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	c, err := s.contracts.Get(ctx, m.ContractID)
	if err != nil {
		return nil, err
	}
	if !c.IsParty(userID) {
		return nil, apperr.E(apperr.ErrForbidden, "not a party to this contract")
	}
	return m, nil
}

func (s *Service) recomputeTotal(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) error {
	total, err := s.milestones.SumAmountsTx(ctx, tx, contractID)
	if err != nil {
		return err
	}
	return s.contracts.SetTotalAmountTx(ctx, tx, contractID, total)
}
