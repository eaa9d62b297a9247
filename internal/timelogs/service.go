package timelogs

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
}

type TimeLogStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.ContractTimeLog) error
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.ContractTimeLog, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, t *models.ContractTimeLog) error
	ListByContract(ctx context.Context, contractID uuid.UUID) ([]*models.ContractTimeLog, error)
}

// Escrow pays an approved billable time log inside the review transaction.
type Escrow interface {
	PayTimeLogTx(ctx context.Context, tx pgx.Tx, timeLogID, payerID uuid.UUID) (*models.Payment, error)
}

// Service owns time tracking on hourly contracts: the freelancer logs work
// intervals, the client reviews them, and approval of a billable log pays it
// out in the same transaction.
type Service struct {
	db        DB
	contracts ContractStore
	timeLogs  TimeLogStore
	escrow    Escrow
	notifier  notifications.Dispatcher
	log       *slog.Logger
}

func NewService(db DB, contracts ContractStore, timeLogs TimeLogStore, escrow Escrow, notifier notifications.Dispatcher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, contracts: contracts, timeLogs: timeLogs, escrow: escrow, notifier: notifier, log: log}
}

type CreateInput struct {
	StartTime   time.Time
	EndTime     time.Time
	Description string
	IsBillable  bool
}

// Create logs a work interval. Only the contract's freelancer logs time, only
// on active hourly contracts. Duration is derived from the interval, rounded
// to the nearest minute; it is never accepted from the caller.
func (s *Service) Create(ctx context.Context, contractID, freelancerID uuid.UUID, in CreateInput) (*models.ContractTimeLog, error) {
	if !in.EndTime.After(in.StartTime) {
		return nil, apperr.E(apperr.ErrBadRequest, "end time must be after start time")
	}
	var t *models.ContractTimeLog
	var clientID uuid.UUID
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		c, err := s.contracts.GetTx(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if c.FreelancerID != freelancerID {
			return apperr.E(apperr.ErrForbidden, "only the contract freelancer can log time")
		}
		if c.Status != models.ContractStatusActive {
			return apperr.Ef(apperr.ErrInvalidState, "contract is %s, time can only be logged on active contracts", c.Status)
		}
		if c.ContractType != models.ContractTypeHourly && c.ContractType != models.ContractTypeRetainer {
			return apperr.E(apperr.ErrBadRequest, "time logs are only for hourly and retainer contracts")
		}
		t = &models.ContractTimeLog{
			ID:              uuid.New(),
			ContractID:      contractID,
			FreelancerID:    freelancerID,
			StartTime:       in.StartTime,
			EndTime:         in.EndTime,
			DurationMinutes: roundToMinutes(in.EndTime.Sub(in.StartTime)),
			Description:     in.Description,
			IsBillable:      in.IsBillable,
		}
		clientID = c.ClientID
		return s.timeLogs.CreateTx(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, clientID, models.NotificationTimeLogCreated,
		fmt.Sprintf("%d minutes of work were logged", t.DurationMinutes),
		"/contracts/"+contractID.String()+"/time-logs",
		map[string]any{"time_log_id": t.ID, "contract_id": contractID})
	return t, nil
}

type ReviewInput struct {
	Approve         bool
	RejectionReason string
}

// Review settles a pending time log. Only the client reviews, each log is
// reviewed once. Approving a billable log pays it in the same transaction;
// if that payment cannot settle the review does not happen. Rejections
// require a reason.
func (s *Service) Review(ctx context.Context, timeLogID, reviewerID uuid.UUID, in ReviewInput) (*models.ContractTimeLog, error) {
	if !in.Approve && in.RejectionReason == "" {
		return nil, apperr.E(apperr.ErrBadRequest, "a rejection reason is required")
	}
	var t *models.ContractTimeLog
	var freelancerID uuid.UUID
	var paid *models.Payment
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		t, err = s.timeLogs.GetForUpdateTx(ctx, tx, timeLogID)
		if err != nil {
			return err
		}
		c, err := s.contracts.GetTx(ctx, tx, t.ContractID)
		if err != nil {
			return err
		}
		if c.ClientID != reviewerID {
			return apperr.E(apperr.ErrForbidden, "only the client can review time logs")
		}
		if c.Status != models.ContractStatusActive {
			return apperr.Ef(apperr.ErrInvalidState, "contract is %s", c.Status)
		}
		if t.IsApproved != nil {
			return apperr.E(apperr.ErrInvalidState, "time log has already been reviewed")
		}
		now := time.Now()
		approved := in.Approve
		t.IsApproved = &approved
		if in.Approve {
			t.ApprovedByID = &reviewerID
			t.ApprovedAt = &now
		} else {
			t.RejectedAt = &now
			t.RejectionReason = &in.RejectionReason
		}
		if err := s.timeLogs.UpdateTx(ctx, tx, t); err != nil {
			return err
		}

		if in.Approve && t.IsBillable {
			paid, err = s.escrow.PayTimeLogTx(ctx, tx, timeLogID, reviewerID)
			if err != nil {
				return err
			}
			if paid.Status != models.PaymentStatusCompleted {
				reason := "settlement did not complete"
				if paid.FailureReason != nil {
					reason = *paid.FailureReason
				}
				return fmt.Errorf("%w: %s", payments.ErrSettlementFailed, reason)
			}
		}
		freelancerID = c.FreelancerID
		return nil
	})
	if err != nil {
		return nil, err
	}

	msg := "Your time log was rejected: " + in.RejectionReason
	data := map[string]any{"time_log_id": t.ID, "contract_id": t.ContractID, "approved": in.Approve}
	if in.Approve {
		msg = "Your time log was approved"
		if paid != nil {
			msg = fmt.Sprintf("Your time log was approved and %d %s paid", paid.Amount, paid.Currency)
			data["payment_id"] = paid.ID
		}
	}
	s.notifier.Notify(ctx, freelancerID, models.NotificationTimeLogReviewed, msg,
		"/contracts/"+t.ContractID.String()+"/time-logs", data)
	return t, nil
}

// List returns the contract's time logs to either party.
func (s *Service) List(ctx context.Context, contractID, userID uuid.UUID) ([]*models.ContractTimeLog, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !c.IsParty(userID) {
		return nil, apperr.E(apperr.ErrForbidden, "not a party to this contract")
	}
	return s.timeLogs.ListByContract(ctx, contractID)
}

func roundToMinutes(d time.Duration) int32 {
	return int32((d + 30*time.Second) / time.Minute)
}
