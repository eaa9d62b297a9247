package payments

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
	"github.com/worklane/backend/internal/repository"
)

// DB abstracts the transaction boundary so tests can run the service against
// in-memory stores.
type DB interface {
	InTx(ctx context.Context, fn func(pgx.Tx) error) error
}

// ContractStore is the minimal contract access the engine needs.
type ContractStore interface {
	GetTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Contract, error)
}

// MilestoneStore locks and advances milestones during funding.
type MilestoneStore interface {
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.ContractMilestone, error)
	SetStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string) error
}

// TimeLogStore locks time logs during payment.
type TimeLogStore interface {
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.ContractTimeLog, error)
}

// PaymentStore is the payment side of the ledger store.
type PaymentStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, p *models.Payment) error
	Get(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payment, error)
	ActiveEscrowForMilestoneTx(ctx context.Context, tx pgx.Tx, milestoneID uuid.UUID) (*models.Payment, error)
	ActiveReleaseForMilestoneTx(ctx context.Context, tx pgx.Tx, milestoneID uuid.UUID) (*models.Payment, error)
	ActiveForTimeLogTx(ctx context.Context, tx pgx.Tx, timeLogID uuid.UUID) (*models.Payment, error)
	ListUnreleasedEscrowForContractTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID) ([]*models.Payment, error)
	MarkProcessingTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	MarkCompletedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) error
	MarkRefundedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	ListForUser(ctx context.Context, userID uuid.UUID, f repository.ListFilter) ([]*models.Payment, error)
}

// TransactionStore appends ledger entries. There is no update or delete.
type TransactionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Transaction, error)
}

// Service is the escrow ledger engine. It is the only component that creates
// Payment and Transaction records; every mutating operation runs as a single
// transaction against the store, with the uniqueness checks performed inside
// that transaction on locked rows.
type Service struct {
	db           DB
	contracts    ContractStore
	milestones   MilestoneStore
	timeLogs     TimeLogStore
	payments     PaymentStore
	transactions TransactionStore
	settler      Settler
	notifier     notifications.Dispatcher
	feeBps       int64
	log          *slog.Logger
}

func NewService(
	db DB,
	contracts ContractStore,
	milestones MilestoneStore,
	timeLogs TimeLogStore,
	payments PaymentStore,
	transactions TransactionStore,
	settler Settler,
	notifier notifications.Dispatcher,
	feeBps int64,
	log *slog.Logger,
) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:           db,
		contracts:    contracts,
		milestones:   milestones,
		timeLogs:     timeLogs,
		payments:     payments,
		transactions: transactions,
		settler:      settler,
		notifier:     notifier,
		feeBps:       feeBps,
		log:          log,
	}
}

// fee computes the platform cut in minor units, rounded to the nearest unit.
// Applied once, when funds first enter escrow or are paid directly; never
// re-applied on release.
func (s *Service) fee(amount int64) int64 {
	return (amount*s.feeBps + 5000) / 10000
}

// settleTx runs the settlement strategy and advances the payment
// pending -> processing -> completed within the caller's transaction. A
// strategy rejection marks the payment failed (with failure_reason) instead of
// returning an error, so the caller can commit the failed record; storage
// errors are returned as-is.
func (s *Service) settleTx(ctx context.Context, tx pgx.Tx, p *models.Payment) error {
	now := time.Now()
	if err := s.settler.Authorize(ctx, p); err != nil {
		return s.recordFailure(ctx, tx, p, err)
	}
	if err := s.payments.MarkProcessingTx(ctx, tx, p.ID); err != nil {
		return err
	}
	p.Status = models.PaymentStatusProcessing
	p.ProcessedAt = &now

	if err := s.settler.Capture(ctx, p); err != nil {
		return s.recordFailure(ctx, tx, p, err)
	}
	if err := s.payments.MarkCompletedTx(ctx, tx, p.ID); err != nil {
		return err
	}
	p.Status = models.PaymentStatusCompleted
	p.CompletedAt = &now
	return nil
}

func (s *Service) recordFailure(ctx context.Context, tx pgx.Tx, p *models.Payment, cause error) error {
	reason := cause.Error()
	if err := s.payments.MarkFailedTx(ctx, tx, p.ID, reason); err != nil {
		return err
	}
	now := time.Now()
	p.Status = models.PaymentStatusFailed
	p.FailedAt = &now
	p.FailureReason = &reason
	return nil
}

// settled converts a non-completed payment into an ErrSettlementFailed result
// for callers that require the money to have moved.
func settled(p *models.Payment) (*models.Payment, error) {
	if p.Status != models.PaymentStatusCompleted {
		reason := "unknown"
		if p.FailureReason != nil {
			reason = *p.FailureReason
		}
		return p, fmt.Errorf("%w: %s", ErrSettlementFailed, reason)
	}
	return p, nil
}

// FundMilestoneTx creates and settles the escrow payment for a milestone
// inside the caller's transaction. Funding is not idempotent: a second attempt
// fails with ErrAlreadyFunded.
func (s *Service) FundMilestoneTx(ctx context.Context, tx pgx.Tx, milestoneID, payerID uuid.UUID) (*models.Payment, error) {
	ms, err := s.milestones.GetForUpdateTx(ctx, tx, milestoneID)
	if err != nil {
		return nil, err
	}
	c, err := s.contracts.GetTx(ctx, tx, ms.ContractID)
	if err != nil {
		return nil, err
	}
	if payerID != c.ClientID {
		return nil, apperr.E(apperr.ErrForbidden, "only the client can fund a milestone")
	}
	if c.Status != models.ContractStatusActive {
		return nil, apperr.E(apperr.ErrInvalidState, "contract must be active to fund a milestone")
	}
	existing, err := s.payments.ActiveEscrowForMilestoneTx(ctx, tx, ms.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.ErrAlreadyFunded
	}

	p := &models.Payment{
		ID:          uuid.New(),
		ContractID:  &c.ID,
		MilestoneID: &ms.ID,
		PayerID:     c.ClientID,
		PayeeID:     c.FreelancerID,
		CompanyID:   c.CompanyID,
		Amount:      ms.Amount,
		Currency:    ms.Currency,
		Status:      models.PaymentStatusPending,
		IsEscrow:    true,
		FeeAmount:   s.fee(ms.Amount),
		Description: fmt.Sprintf("Escrow funding for milestone %q", ms.Title),
	}
	if err := s.payments.CreateTx(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := s.transactions.CreateTx(ctx, tx, &models.Transaction{
		ID:          uuid.New(),
		PaymentID:   &p.ID,
		UserID:      payerID,
		Type:        models.TransactionTypeEscrowFunding,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Description: p.Description,
		ReferenceID: uuid.New(),
	}); err != nil {
		return nil, err
	}
	if err := s.settleTx(ctx, tx, p); err != nil {
		return nil, err
	}
	if p.Status == models.PaymentStatusCompleted && ms.Status == models.MilestoneStatusPending {
		if err := s.milestones.SetStatusTx(ctx, tx, ms.ID, models.MilestoneStatusInProgress); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// FundMilestone funds a milestone as its own atomic operation and notifies
// the freelancer on success.
func (s *Service) FundMilestone(ctx context.Context, milestoneID, payerID uuid.UUID) (*models.Payment, error) {
	var p *models.Payment
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		p, err = s.FundMilestoneTx(ctx, tx, milestoneID, payerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if p, err = settled(p); err != nil {
		return p, err
	}
	s.notifier.Notify(ctx, p.PayeeID, models.NotificationMilestoneFunded,
		"A milestone on your contract has been funded", paymentLink(p), map[string]any{
			"payment_id":   p.ID,
			"milestone_id": p.MilestoneID,
			"amount":       p.Amount,
			"currency":     p.Currency,
		})
	return p, nil
}

// ReleaseMilestonePaymentTx moves already-escrowed funds to the freelancer
// inside the caller's transaction. The fee was taken at funding time, so the
// release carries none.
func (s *Service) ReleaseMilestonePaymentTx(ctx context.Context, tx pgx.Tx, milestoneID, releasedBy uuid.UUID) (*models.Payment, error) {
	ms, err := s.milestones.GetForUpdateTx(ctx, tx, milestoneID)
	if err != nil {
		return nil, err
	}
	c, err := s.contracts.GetTx(ctx, tx, ms.ContractID)
	if err != nil {
		return nil, err
	}
	if releasedBy != c.ClientID {
		return nil, apperr.E(apperr.ErrForbidden, "only the client can release a milestone payment")
	}
	funded, err := s.payments.ActiveEscrowForMilestoneTx(ctx, tx, ms.ID)
	if err != nil {
		return nil, err
	}
	if funded == nil || funded.Status != models.PaymentStatusCompleted {
		return nil, apperr.ErrNoFundedEscrow
	}
	released, err := s.payments.ActiveReleaseForMilestoneTx(ctx, tx, ms.ID)
	if err != nil {
		return nil, err
	}
	if released != nil {
		return nil, apperr.E(apperr.ErrInvalidState, "milestone payment already released")
	}

	p := &models.Payment{
		ID:          uuid.New(),
		ContractID:  &c.ID,
		MilestoneID: &ms.ID,
		PayerID:     c.ClientID,
		PayeeID:     c.FreelancerID,
		CompanyID:   c.CompanyID,
		Amount:      funded.Amount,
		Currency:    funded.Currency,
		Status:      models.PaymentStatusPending,
		IsEscrow:    false,
		FeeAmount:   0,
		Description: fmt.Sprintf("Escrow release for milestone %q", ms.Title),
	}
	if err := s.payments.CreateTx(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := s.transactions.CreateTx(ctx, tx, &models.Transaction{
		ID:          uuid.New(),
		PaymentID:   &p.ID,
		UserID:      c.FreelancerID,
		Type:        models.TransactionTypeEscrowRelease,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Description: p.Description,
		ReferenceID: uuid.New(),
	}); err != nil {
		return nil, err
	}
	if err := s.settleTx(ctx, tx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ReleaseMilestonePayment releases a funded milestone as its own atomic
// operation and notifies the freelancer.
func (s *Service) ReleaseMilestonePayment(ctx context.Context, milestoneID, releasedBy uuid.UUID) (*models.Payment, error) {
	var p *models.Payment
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		p, err = s.ReleaseMilestonePaymentTx(ctx, tx, milestoneID, releasedBy)
		return err
	})
	if err != nil {
		return nil, err
	}
	if p, err = settled(p); err != nil {
		return p, err
	}
	s.notifier.Notify(ctx, p.PayeeID, models.NotificationPaymentReceived,
		"Escrowed funds for your milestone have been released", paymentLink(p), map[string]any{
			"payment_id":   p.ID,
			"milestone_id": p.MilestoneID,
			"amount":       p.Amount,
			"currency":     p.Currency,
		})
	return p, nil
}

// PayTimeLogTx creates and settles the one-off payment for a billable time
// log inside the caller's transaction. At most one active payment may
// reference a time log; a second attempt fails with ErrAlreadyPaid.
func (s *Service) PayTimeLogTx(ctx context.Context, tx pgx.Tx, timeLogID, payerID uuid.UUID) (*models.Payment, error) {
	tl, err := s.timeLogs.GetForUpdateTx(ctx, tx, timeLogID)
	if err != nil {
		return nil, err
	}
	c, err := s.contracts.GetTx(ctx, tx, tl.ContractID)
	if err != nil {
		return nil, err
	}
	if payerID != c.ClientID {
		return nil, apperr.E(apperr.ErrForbidden, "only the client can pay a time log")
	}
	if c.Status != models.ContractStatusActive {
		return nil, apperr.E(apperr.ErrInvalidState, "contract must be active to pay a time log")
	}
	if c.ContractType != models.ContractTypeHourly && c.ContractType != models.ContractTypeRetainer {
		return nil, apperr.E(apperr.ErrInvalidState, "time logs are only payable on hourly and retainer contracts")
	}
	if c.HourlyRate == nil {
		return nil, apperr.E(apperr.ErrInvalidState, "contract has no hourly rate")
	}
	if !tl.IsBillable {
		return nil, apperr.E(apperr.ErrBadRequest, "time log is not billable")
	}
	existing, err := s.payments.ActiveForTimeLogTx(ctx, tx, tl.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.ErrAlreadyPaid
	}

	amount := (*c.HourlyRate*int64(tl.DurationMinutes) + 30) / 60
	p := &models.Payment{
		ID:          uuid.New(),
		ContractID:  &c.ID,
		TimeLogID:   &tl.ID,
		PayerID:     c.ClientID,
		PayeeID:     tl.FreelancerID,
		CompanyID:   c.CompanyID,
		Amount:      amount,
		Currency:    c.Currency,
		Status:      models.PaymentStatusPending,
		IsEscrow:    false,
		FeeAmount:   s.fee(amount),
		Description: fmt.Sprintf("Payment for %d minutes of logged work", tl.DurationMinutes),
	}
	if err := s.payments.CreateTx(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := s.transactions.CreateTx(ctx, tx, &models.Transaction{
		ID:          uuid.New(),
		PaymentID:   &p.ID,
		UserID:      p.PayeeID,
		Type:        models.TransactionTypePayment,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Description: p.Description,
		ReferenceID: uuid.New(),
	}); err != nil {
		return nil, err
	}
	if err := s.settleTx(ctx, tx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// PayTimeLog pays a billable time log as its own atomic operation.
func (s *Service) PayTimeLog(ctx context.Context, timeLogID, payerID uuid.UUID) (*models.Payment, error) {
	var p *models.Payment
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		p, err = s.PayTimeLogTx(ctx, tx, timeLogID, payerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if p, err = settled(p); err != nil {
		return p, err
	}
	s.notifier.Notify(ctx, p.PayeeID, models.NotificationPaymentReceived,
		"You have been paid for logged time", paymentLink(p), map[string]any{
			"payment_id":  p.ID,
			"time_log_id": p.TimeLogID,
			"amount":      p.Amount,
			"currency":    p.Currency,
		})
	return p, nil
}

// CreateManualPayment makes a direct client-to-freelancer payment on an
// active contract, outside milestone and time-log workflows.
func (s *Service) CreateManualPayment(ctx context.Context, contractID uuid.UUID, amount int64, description string, payerID uuid.UUID) (*models.Payment, error) {
	if amount <= 0 {
		return nil, apperr.E(apperr.ErrBadRequest, "amount must be positive")
	}
	var p *models.Payment
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		c, err := s.contracts.GetTx(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if payerID != c.ClientID {
			return apperr.E(apperr.ErrForbidden, "only the client can create a payment")
		}
		if c.Status != models.ContractStatusActive {
			return apperr.E(apperr.ErrInvalidState, "contract must be active to create a payment")
		}
		if description == "" {
			description = "Manual contract payment"
		}
		p = &models.Payment{
			ID:          uuid.New(),
			ContractID:  &c.ID,
			PayerID:     c.ClientID,
			PayeeID:     c.FreelancerID,
			CompanyID:   c.CompanyID,
			Amount:      amount,
			Currency:    c.Currency,
			Status:      models.PaymentStatusPending,
			IsEscrow:    false,
			FeeAmount:   s.fee(amount),
			Description: description,
		}
		if err := s.payments.CreateTx(ctx, tx, p); err != nil {
			return err
		}
		if err := s.transactions.CreateTx(ctx, tx, &models.Transaction{
			ID:          uuid.New(),
			PaymentID:   &p.ID,
			UserID:      p.PayeeID,
			Type:        models.TransactionTypePayment,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Description: p.Description,
			ReferenceID: uuid.New(),
		}); err != nil {
			return err
		}
		return s.settleTx(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}
	if p, err = settled(p); err != nil {
		return p, err
	}
	s.notifier.Notify(ctx, p.PayeeID, models.NotificationPaymentReceived,
		"You have received a payment", paymentLink(p), map[string]any{
			"payment_id": p.ID,
			"amount":     p.Amount,
			"currency":   p.Currency,
		})
	return p, nil
}

// Refund refunds a completed non-escrow payment to the original payer.
// Escrow payments must be unwound through milestone or contract cancellation.
func (s *Service) Refund(ctx context.Context, paymentID, requesterID uuid.UUID, reason string) (*models.Payment, error) {
	var p *models.Payment
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		p, err = s.payments.GetForUpdateTx(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if requesterID != p.PayerID {
			return apperr.E(apperr.ErrForbidden, "only the original payer can request a refund")
		}
		if p.IsEscrow {
			return apperr.E(apperr.ErrInvalidState, "escrow payments cannot be refunded directly; cancel the milestone or contract instead")
		}
		if p.Status != models.PaymentStatusCompleted {
			return apperr.E(apperr.ErrInvalidState, "only completed payments can be refunded")
		}
		if err := s.payments.MarkRefundedTx(ctx, tx, p.ID); err != nil {
			return err
		}
		now := time.Now()
		p.Status = models.PaymentStatusRefunded
		p.RefundedAt = &now
		desc := "Refund of payment " + p.ID.String()
		if reason != "" {
			desc += ": " + reason
		}
		return s.transactions.CreateTx(ctx, tx, &models.Transaction{
			ID:          uuid.New(),
			PaymentID:   &p.ID,
			UserID:      p.PayerID,
			Type:        models.TransactionTypeRefund,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Description: desc,
			ReferenceID: uuid.New(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, p.PayeeID, models.NotificationPaymentRefunded,
		"A payment you received has been refunded", paymentLink(p), map[string]any{
			"payment_id": p.ID,
			"amount":     p.Amount,
			"currency":   p.Currency,
		})
	return p, nil
}

// RefundContractEscrowTx refunds every funded-but-unreleased escrow payment
// on a contract inside the caller's transaction. Used when a contract is
// cancelled so escrowed money never stays in limbo.
func (s *Service) RefundContractEscrowTx(ctx context.Context, tx pgx.Tx, contractID uuid.UUID, reason string) ([]*models.Payment, error) {
	list, err := s.payments.ListUnreleasedEscrowForContractTx(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, p := range list {
		if err := s.payments.MarkRefundedTx(ctx, tx, p.ID); err != nil {
			return nil, err
		}
		p.Status = models.PaymentStatusRefunded
		p.RefundedAt = &now
		desc := "Escrow refund on contract cancellation"
		if reason != "" {
			desc += ": " + reason
		}
		if err := s.transactions.CreateTx(ctx, tx, &models.Transaction{
			ID:          uuid.New(),
			PaymentID:   &p.ID,
			UserID:      p.PayerID,
			Type:        models.TransactionTypeRefund,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Description: desc,
			ReferenceID: uuid.New(),
		}); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// GetPayment returns the payment if userID is the payer or payee.
func (s *Service) GetPayment(ctx context.Context, id, userID uuid.UUID) (*models.Payment, error) {
	p, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != p.PayerID && userID != p.PayeeID {
		return nil, apperr.E(apperr.ErrForbidden, "payment is only visible to its payer and payee")
	}
	return p, nil
}

// ListPayments returns payments where the user is payer or payee.
func (s *Service) ListPayments(ctx context.Context, userID uuid.UUID, f repository.ListFilter) ([]*models.Payment, error) {
	return s.payments.ListForUser(ctx, userID, f)
}

// ListTransactions returns the user's ledger history, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID) ([]*models.Transaction, error) {
	return s.transactions.ListByUser(ctx, userID)
}

func paymentLink(p *models.Payment) string {
	return "/payments/" + p.ID.String()
}
