package milestones

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/worklane/backend/internal/apperr"
	"github.com/worklane/backend/internal/models"
	"github.com/worklane/backend/internal/payments"
)

// ---------------------------------------------------------------------------
// In-memory mocks
// ---------------------------------------------------------------------------

type fakeDB struct{ mu sync.Mutex }

func (d *fakeDB) InTx(_ context.Context, fn func(pgx.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(nil)
}

type fakeContractStore struct {
	contracts map[uuid.UUID]*models.Contract
	totals    map[uuid.UUID]int64
}

func newFakeContractStore() *fakeContractStore {
	return &fakeContractStore{
		contracts: make(map[uuid.UUID]*models.Contract),
		totals:    make(map[uuid.UUID]int64),
	}
}

func (f *fakeContractStore) Get(_ context.Context, id uuid.UUID) (*models.Contract, error) {
	c, ok := f.contracts[id]
	if !ok {
		return nil, apperr.E(apperr.ErrNotFound, "contract not found")
	}
	cp := *c
	return &cp, nil
}

func (f *fakeContractStore) GetTx(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Contract, error) {
	return f.Get(ctx, id)
}

func (f *fakeContractStore) SetTotalAmountTx(_ context.Context, _ pgx.Tx, id uuid.UUID, total int64) error {
	f.totals[id] = total
	c, ok := f.contracts[id]
	if ok {
		c.TotalAmount = &total
	}
	return nil
}

type fakeMilestoneStore struct {
	milestones map[uuid.UUID]*models.ContractMilestone
	reindexed  int
}

func newFakeMilestoneStore() *fakeMilestoneStore {
	return &fakeMilestoneStore{milestones: make(map[uuid.UUID]*models.ContractMilestone)}
}

func (f *fakeMilestoneStore) CreateTx(_ context.Context, _ pgx.Tx, m *models.ContractMilestone) error {
	cp := *m
	f.milestones[m.ID] = &cp
	return nil
}

func (f *fakeMilestoneStore) Get(_ context.Context, id uuid.UUID) (*models.ContractMilestone, error) {
	m, ok := f.milestones[id]
	if !ok {
		return nil, apperr.E(apperr.ErrNotFound, "milestone not found")
	}
	cp := *m
	return &cp, nil
}

func (f *fakeMilestoneStore) GetForUpdateTx(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.ContractMilestone, error) {
	return f.Get(ctx, id)
}

func (f *fakeMilestoneStore) UpdateTx(_ context.Context, _ pgx.Tx, m *models.ContractMilestone) error {
	if _, ok := f.milestones[m.ID]; !ok {
		return apperr.E(apperr.ErrNotFound, "milestone not found")
	}
	cp := *m
	f.milestones[m.ID] = &cp
	return nil
}

func (f *fakeMilestoneStore) DeleteTx(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	delete(f.milestones, id)
	return nil
}

func (f *fakeMilestoneStore) NextOrderIndexTx(_ context.Context, _ pgx.Tx, contractID uuid.UUID) (int32, error) {
	var next int32
	for _, m := range f.milestones {
		if m.ContractID == contractID && m.OrderIndex >= next {
			next = m.OrderIndex + 1
		}
	}
	return next, nil
}

func (f *fakeMilestoneStore) SumAmountsTx(_ context.Context, _ pgx.Tx, contractID uuid.UUID) (int64, error) {
	var sum int64
	for _, m := range f.milestones {
		if m.ContractID == contractID {
			sum += m.Amount
		}
	}
	return sum, nil
}

func (f *fakeMilestoneStore) ReindexTx(_ context.Context, _ pgx.Tx, _ uuid.UUID) error {
	f.reindexed++
	return nil
}

// fakeEscrow mimics the engine: funding moves a pending milestone to
// in_progress, release returns a configurable payment.
type fakeEscrow struct {
	store      *fakeMilestoneStore
	fundCalls  int
	fundErr    error
	releaseErr error
	released   *models.Payment
}

func (f *fakeEscrow) FundMilestone(_ context.Context, milestoneID, _ uuid.UUID) (*models.Payment, error) {
	f.fundCalls++
	if f.fundErr != nil {
		return nil, f.fundErr
	}
	if m, ok := f.store.milestones[milestoneID]; ok && m.Status == models.MilestoneStatusPending {
		m.Status = models.MilestoneStatusInProgress
	}
	return &models.Payment{ID: uuid.New(), Status: models.PaymentStatusCompleted}, nil
}

func (f *fakeEscrow) ReleaseMilestonePaymentTx(_ context.Context, _ pgx.Tx, _, _ uuid.UUID) (*models.Payment, error) {
	if f.releaseErr != nil {
		return nil, f.releaseErr
	}
	if f.released != nil {
		return f.released, nil
	}
	return &models.Payment{ID: uuid.New(), Status: models.PaymentStatusCompleted, Amount: 50000, Currency: "USD"}, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	types []string
}

func (f *fakeNotifier) Notify(_ context.Context, _ uuid.UUID, ntype, _, _ string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, ntype)
}

func (f *fakeNotifier) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.types) == 0 {
		return ""
	}
	return f.types[len(f.types)-1]
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	svc        *Service
	contracts  *fakeContractStore
	milestones *fakeMilestoneStore
	escrow     *fakeEscrow
	notifier   *fakeNotifier

	client     uuid.UUID
	freelancer uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		contracts:  newFakeContractStore(),
		milestones: newFakeMilestoneStore(),
		notifier:   &fakeNotifier{},
		client:     uuid.New(),
		freelancer: uuid.New(),
	}
	f.escrow = &fakeEscrow{store: f.milestones}
	f.svc = NewService(&fakeDB{}, f.contracts, f.milestones, f.escrow, f.notifier, nil)
	return f
}

func (f *fixture) addContract(status string) *models.Contract {
	c := &models.Contract{
		ID:           uuid.New(),
		ClientID:     f.client,
		FreelancerID: f.freelancer,
		Title:        "Website build",
		ContractType: models.ContractTypeFixed,
		Status:       status,
		Currency:     "USD",
	}
	f.contracts.contracts[c.ID] = c
	return c
}

func (f *fixture) addMilestone(c *models.Contract, amount int64, status string) *models.ContractMilestone {
	m := &models.ContractMilestone{
		ID:         uuid.New(),
		ContractID: c.ID,
		Title:      "Design phase",
		Amount:     amount,
		Currency:   c.Currency,
		Status:     status,
	}
	f.milestones.milestones[m.ID] = m
	return m
}

// ---------------------------------------------------------------------------
// Plan edits
// ---------------------------------------------------------------------------

func TestAdd_RecomputesTotal(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusDraft)
	f.addMilestone(c, 30000, models.MilestoneStatusPending)

	m, err := f.svc.Add(context.Background(), c.ID, f.client, AddInput{Title: "Build", Amount: 70000})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if m.OrderIndex != 1 {
		t.Errorf("order index: got %d, want 1", m.OrderIndex)
	}
	if got := f.contracts.totals[c.ID]; got != 100000 {
		t.Errorf("contract total: got %d, want 100000", got)
	}
}

func TestAdd_ActiveContractRejected(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusActive)

	_, err := f.svc.Add(context.Background(), c.ID, f.client, AddInput{Title: "Extra", Amount: 1000})
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got: %v", err)
	}
}

func TestAdd_OnlyClient(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusDraft)

	_, err := f.svc.Add(context.Background(), c.ID, f.freelancer, AddInput{Title: "Extra", Amount: 1000})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got: %v", err)
	}
}

func TestUpdate_AmountFrozenAfterActivation(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusActive)
	m := f.addMilestone(c, 30000, models.MilestoneStatusPending)

	amount := int64(99999)
	_, err := f.svc.Update(context.Background(), m.ID, f.client, UpdateInput{Amount: &amount})
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got: %v", err)
	}

	// Non-amount edits are still fine.
	title := "Design and wireframes"
	updated, err := f.svc.Update(context.Background(), m.ID, f.client, UpdateInput{Title: &title})
	if err != nil {
		t.Fatalf("title update: %v", err)
	}
	if updated.Title != title {
		t.Errorf("title: got %q, want %q", updated.Title, title)
	}
}

func TestUpdate_ApprovedFrozen(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusActive)
	m := f.addMilestone(c, 30000, models.MilestoneStatusApproved)

	title := "New title"
	_, err := f.svc.Update(context.Background(), m.ID, f.client, UpdateInput{Title: &title})
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got: %v", err)
	}
}

func TestUpdate_AmountRecomputesTotal(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusDraft)
	m := f.addMilestone(c, 30000, models.MilestoneStatusPending)

	amount := int64(45000)
	if _, err := f.svc.Update(context.Background(), m.ID, f.client, UpdateInput{Amount: &amount}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := f.contracts.totals[c.ID]; got != 45000 {
		t.Errorf("contract total: got %d, want 45000", got)
	}
}

func TestDelete_DraftOnly(t *testing.T) {
	f := newFixture(t)
	draft := f.addContract(models.ContractStatusDraft)
	m := f.addMilestone(draft, 30000, models.MilestoneStatusPending)

	if err := f.svc.Delete(context.Background(), m.ID, f.client); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := f.milestones.milestones[m.ID]; ok {
		t.Error("milestone should be gone")
	}
	if f.milestones.reindexed != 1 {
		t.Error("remaining milestones should be reindexed")
	}
	if got := f.contracts.totals[draft.ID]; got != 0 {
		t.Errorf("contract total: got %d, want 0", got)
	}

	active := f.addContract(models.ContractStatusActive)
	m2 := f.addMilestone(active, 10000, models.MilestoneStatusPending)
	if err := f.svc.Delete(context.Background(), m2.ID, f.client); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Work cycle
// ---------------------------------------------------------------------------

func TestSetStatus_StartFundsMilestone(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusActive)
	m := f.addMilestone(c, 30000, models.MilestoneStatusPending)

	got, err := f.svc.SetStatus(context.Background(), m.ID, f.client, StatusInput{Status: models.MilestoneStatusInProgress})
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if got.Status != models.MilestoneStatusInProgress {
		t.Errorf("status: got %s, want in_progress", got.Status)
	}
	if f.escrow.fundCalls != 1 {
		t.Errorf("funding calls: got %d, want 1", f.escrow.fundCalls)
	}
}

func TestSetStatus_StartByFreelancerSkipsFunding(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusActive)
	m := f.addMilestone(c, 30000, models.MilestoneStatusPending)

	got, err := f.svc.SetStatus(context.Background(), m.ID, f.freelancer, StatusInput{Status: models.MilestoneStatusInProgress})
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if got.Status != models.MilestoneStatusInProgress {
		t.Errorf("status: got %s, want in_progress", got.Status)
	}
	if f.escrow.fundCalls != 0 {
		t.Errorf("funding calls: got %d, want 0", f.escrow.fundCalls)
	}
}

func TestSetStatus_StartByFreelancerInactiveContract(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusPending)
	m := f.addMilestone(c, 30000, models.MilestoneStatusPending)

	_, err := f.svc.SetStatus(context.Background(), m.ID, f.freelancer, StatusInput{Status: models.MilestoneStatusInProgress})
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got: %v", err)
	}
}

func TestSetStatus_StartFundingFails(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusActive)
	m := f.addMilestone(c, 30000, models.MilestoneStatusPending)
	f.escrow.fundErr = apperr.ErrAlreadyFunded

	_, err := f.svc.SetStatus(context.Background(), m.ID, f.client, StatusInput{Status: models.MilestoneStatusInProgress})
	if !errors.Is(err, apperr.ErrAlreadyFunded) {
		t.Errorf("expected ErrAlreadyFunded to surface, got: %v", err)
	}
}

func TestSetStatus_ReworkAfterRejection(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusActive)
	m := f.addMilestone(c, 30000, models.MilestoneStatusRejected)

	got, err := f.svc.SetStatus(context.Background(), m.ID, f.freelancer, StatusInput{Status: models.MilestoneStatusInProgress})
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if got.Status != models.MilestoneStatusInProgress {
		t.Errorf("status: got %s, want in_progress", got.Status)
	}

	// The client cannot resume the freelancer's work.
	m2 := f.addMilestone(c, 30000, models.MilestoneStatusRejected)
	_, err = f.svc.SetStatus(context.Background(), m2.ID, f.client, StatusInput{Status: models.MilestoneStatusInProgress})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got: %v", err)
	}
}

func TestSetStatus_Submit(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusActive)
	m := f.addMilestone(c, 30000, models.MilestoneStatusInProgress)

	got, err := f.svc.SetStatus(context.Background(), m.ID, f.freelancer, StatusInput{
		Status:         models.MilestoneStatusSubmitted,
		AttachmentURLs: []string{"https://files.example.com/design.pdf"},
	})
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if got.Status != models.MilestoneStatusSubmitted {
		t.Errorf("status: got %s, want submitted", got.Status)
	}
	if got.SubmittedAt == nil {
		t.Error("submitted_at should be set")
	}
	if len(got.AttachmentURLs) != 1 {
		t.Error("attachments should be stored")
	}
	if f.notifier.last() != models.NotificationMilestoneSubmit {
		t.Errorf("notification: got %s, want milestone_submitted", f.notifier.last())
	}
}

func TestSetStatus_SubmitByClientForbidden(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusActive)
	m := f.addMilestone(c, 30000, models.MilestoneStatusInProgress)

	_, err := f.svc.SetStatus(context.Background(), m.ID, f.client, StatusInput{Status: models.MilestoneStatusSubmitted})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got: %v", err)
	}
}

func TestSetStatus_ApproveReleasesEscrow(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusActive)
	m := f.addMilestone(c, 30000, models.MilestoneStatusSubmitted)

	got, err := f.svc.SetStatus(context.Background(), m.ID, f.client, StatusInput{Status: models.MilestoneStatusApproved})
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if got.Status != models.MilestoneStatusApproved {
		t.Errorf("status: got %s, want approved", got.Status)
	}
	if got.ApprovedByID == nil || *got.ApprovedByID != f.client {
		t.Error("approved_by should record the client")
	}
	if f.notifier.last() != models.NotificationMilestoneApproved {
		t.Errorf("notification: got %s, want milestone_approved", f.notifier.last())
	}
}

func TestSetStatus_ApproveFailsWhenReleaseFails(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusActive)
	m := f.addMilestone(c, 30000, models.MilestoneStatusSubmitted)
	f.escrow.releaseErr = apperr.ErrNoFundedEscrow

	_, err := f.svc.SetStatus(context.Background(), m.ID, f.client, StatusInput{Status: models.MilestoneStatusApproved})
	if !errors.Is(err, apperr.ErrNoFundedEscrow) {
		t.Errorf("expected ErrNoFundedEscrow, got: %v", err)
	}
}

func TestSetStatus_ApproveFailsWhenSettlementFails(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusActive)
	m := f.addMilestone(c, 30000, models.MilestoneStatusSubmitted)
	reason := "card declined"
	f.escrow.released = &models.Payment{ID: uuid.New(), Status: models.PaymentStatusFailed, FailureReason: &reason}

	_, err := f.svc.SetStatus(context.Background(), m.ID, f.client, StatusInput{Status: models.MilestoneStatusApproved})
	if !errors.Is(err, payments.ErrSettlementFailed) {
		t.Errorf("expected ErrSettlementFailed, got: %v", err)
	}
}

func TestSetStatus_ApproveByFreelancerForbidden(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusActive)
	m := f.addMilestone(c, 30000, models.MilestoneStatusSubmitted)

	_, err := f.svc.SetStatus(context.Background(), m.ID, f.freelancer, StatusInput{Status: models.MilestoneStatusApproved})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got: %v", err)
	}
}

func TestSetStatus_RejectNeedsReason(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusActive)
	m := f.addMilestone(c, 30000, models.MilestoneStatusSubmitted)

	_, err := f.svc.SetStatus(context.Background(), m.ID, f.client, StatusInput{Status: models.MilestoneStatusRejected})
	if !errors.Is(err, apperr.ErrBadRequest) {
		t.Errorf("expected ErrBadRequest, got: %v", err)
	}

	got, err := f.svc.SetStatus(context.Background(), m.ID, f.client, StatusInput{
		Status:          models.MilestoneStatusRejected,
		RejectionReason: "missing mobile layout",
	})
	if err != nil {
		t.Fatalf("reject with reason: %v", err)
	}
	if got.Status != models.MilestoneStatusRejected {
		t.Errorf("status: got %s, want rejected", got.Status)
	}
	if got.RejectionReason == nil || *got.RejectionReason != "missing mobile layout" {
		t.Error("rejection reason should be stored")
	}
	if f.notifier.last() != models.NotificationMilestoneRejected {
		t.Errorf("notification: got %s, want milestone_rejected", f.notifier.last())
	}
}

func TestSetStatus_InvalidStatus(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusActive)
	m := f.addMilestone(c, 30000, models.MilestoneStatusPending)

	_, err := f.svc.SetStatus(context.Background(), m.ID, f.client, StatusInput{Status: "archived"})
	if !errors.Is(err, apperr.ErrBadRequest) {
		t.Errorf("expected ErrBadRequest, got: %v", err)
	}
}

func TestSetStatus_ApproveOnlyFromSubmitted(t *testing.T) {
	f := newFixture(t)
	c := f.addContract(models.ContractStatusActive)
	m := f.addMilestone(c, 30000, models.MilestoneStatusInProgress)

	_, err := f.svc.SetStatus(context.Background(), m.ID, f.client, StatusInput{Status: models.MilestoneStatusApproved})
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got: %v", err)
	}
}
