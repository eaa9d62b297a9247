package contracts

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/worklane/backend/internal/apperr"
	"github.com/worklane/backend/internal/models"
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
}

func newFakeContractStore() *fakeContractStore {
	return &fakeContractStore{contracts: make(map[uuid.UUID]*models.Contract)}
}

func (f *fakeContractStore) CreateTx(_ context.Context, _ pgx.Tx, c *models.Contract) error {
	cp := *c
	f.contracts[c.ID] = &cp
	return nil
}

func (f *fakeContractStore) Get(_ context.Context, id uuid.UUID) (*models.Contract, error) {
	c, ok := f.contracts[id]
	if !ok {
		return nil, apperr.E(apperr.ErrNotFound, "contract not found")
	}
	cp := *c
	return &cp, nil
}

func (f *fakeContractStore) GetForUpdateTx(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Contract, error) {
	return f.Get(ctx, id)
}

func (f *fakeContractStore) UpdateTx(_ context.Context, _ pgx.Tx, c *models.Contract) error {
	if _, ok := f.contracts[c.ID]; !ok {
		return apperr.E(apperr.ErrNotFound, "contract not found")
	}
	cp := *c
	f.contracts[c.ID] = &cp
	return nil
}

func (f *fakeContractStore) ListByUser(_ context.Context, userID uuid.UUID) ([]*models.Contract, error) {
	var out []*models.Contract
	for _, c := range f.contracts {
		if c.IsParty(userID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeMilestoneStore struct {
	milestones  map[uuid.UUID]*models.ContractMilestone
	notApproved int
}

func newFakeMilestoneStore() *fakeMilestoneStore {
	return &fakeMilestoneStore{milestones: make(map[uuid.UUID]*models.ContractMilestone)}
}

func (f *fakeMilestoneStore) CreateTx(_ context.Context, _ pgx.Tx, m *models.ContractMilestone) error {
	cp := *m
	f.milestones[m.ID] = &cp
	return nil
}

func (f *fakeMilestoneStore) ListByContract(_ context.Context, contractID uuid.UUID) ([]*models.ContractMilestone, error) {
	var out []*models.ContractMilestone
	for _, m := range f.milestones {
		if m.ContractID == contractID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeMilestoneStore) FirstByContract(_ context.Context, contractID uuid.UUID) (*models.ContractMilestone, error) {
	var first *models.ContractMilestone
	for _, m := range f.milestones {
		if m.ContractID != contractID {
			continue
		}
		if first == nil || m.OrderIndex < first.OrderIndex {
			first = m
		}
	}
	if first == nil {
		return nil, nil
	}
	cp := *first
	return &cp, nil
}

func (f *fakeMilestoneStore) CountNotApprovedTx(_ context.Context, _ pgx.Tx, _ uuid.UUID) (int, error) {
	return f.notApproved, nil
}

type fakeEscrow struct {
	funded   []uuid.UUID
	fundErr  error
	refunded []uuid.UUID
	toRefund []*models.Payment
}

func (f *fakeEscrow) FundMilestone(_ context.Context, milestoneID, _ uuid.UUID) (*models.Payment, error) {
	if f.fundErr != nil {
		return nil, f.fundErr
	}
	f.funded = append(f.funded, milestoneID)
	return &models.Payment{ID: uuid.New(), Status: models.PaymentStatusCompleted}, nil
}

func (f *fakeEscrow) RefundContractEscrowTx(_ context.Context, _ pgx.Tx, contractID uuid.UUID, _ string) ([]*models.Payment, error) {
	f.refunded = append(f.refunded, contractID)
	return f.toRefund, nil
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
	store      *fakeContractStore
	milestones *fakeMilestoneStore
	escrow     *fakeEscrow
	notifier   *fakeNotifier

	client     uuid.UUID
	freelancer uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:      newFakeContractStore(),
		milestones: newFakeMilestoneStore(),
		escrow:     &fakeEscrow{},
		notifier:   &fakeNotifier{},
		client:     uuid.New(),
		freelancer: uuid.New(),
	}
	f.svc = NewService(&fakeDB{}, f.store, f.milestones, f.escrow, f.notifier, nil)
	return f
}

func (f *fixture) fixedInput(amount int64) CreateInput {
	return CreateInput{
		ClientID:     f.client,
		FreelancerID: f.freelancer,
		Title:        "Website build",
		ContractType: models.ContractTypeFixed,
		TotalAmount:  &amount,
	}
}

func (f *fixture) pendingContract(t *testing.T) *models.Contract {
	t.Helper()
	c, err := f.svc.Create(context.Background(), f.client, f.fixedInput(100000))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	status := models.ContractStatusPending
	c, err = f.svc.Update(context.Background(), c.ID, f.client, UpdateInput{Status: &status})
	if err != nil {
		t.Fatalf("send for signing: %v", err)
	}
	return c
}

func (f *fixture) activeContract(t *testing.T) *models.Contract {
	t.Helper()
	c := f.pendingContract(t)
	ctx := context.Background()
	if _, err := f.svc.Sign(ctx, c.ID, f.client); err != nil {
		t.Fatalf("client sign: %v", err)
	}
	c, err := f.svc.Sign(ctx, c.ID, f.freelancer)
	if err != nil {
		t.Fatalf("freelancer sign: %v", err)
	}
	return c
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreate(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.Create(context.Background(), f.client, f.fixedInput(100000))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.Status != models.ContractStatusDraft {
		t.Errorf("status: got %s, want draft", c.Status)
	}
	// A fixed contract with no explicit plan gets one milestone for the full
	// amount.
	plan, _ := f.milestones.ListByContract(context.Background(), c.ID)
	if len(plan) != 1 {
		t.Fatalf("milestones: got %d, want 1", len(plan))
	}
	if plan[0].Amount != 100000 {
		t.Errorf("milestone amount: got %d, want 100000", plan[0].Amount)
	}
	if f.notifier.last() != models.NotificationContractCreated {
		t.Errorf("notification: got %s, want contract_created", f.notifier.last())
	}
}

func TestCreate_TotalFromMilestones(t *testing.T) {
	f := newFixture(t)
	in := CreateInput{
		ClientID:     f.client,
		FreelancerID: f.freelancer,
		Title:        "Website build",
		ContractType: models.ContractTypeFixed,
		Milestones: []MilestoneInput{
			{Title: "Design", Amount: 30000},
			{Title: "Build", Amount: 70000},
		},
	}
	c, err := f.svc.Create(context.Background(), f.client, in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.TotalAmount == nil || *c.TotalAmount != 100000 {
		t.Errorf("total amount should be the milestone sum, got %v", c.TotalAmount)
	}
}

func TestCreate_OnlyNamedClient(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), f.freelancer, f.fixedInput(100000))
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got: %v", err)
	}
}

func TestCreate_SelfContract(t *testing.T) {
	f := newFixture(t)
	in := f.fixedInput(100000)
	in.FreelancerID = f.client
	_, err := f.svc.Create(context.Background(), f.client, in)
	if !errors.Is(err, apperr.ErrBadRequest) {
		t.Errorf("expected ErrBadRequest, got: %v", err)
	}
}

func TestCreate_HourlyNeedsRate(t *testing.T) {
	f := newFixture(t)
	in := CreateInput{
		ClientID:     f.client,
		FreelancerID: f.freelancer,
		Title:        "Support retainer",
		ContractType: models.ContractTypeHourly,
	}
	_, err := f.svc.Create(context.Background(), f.client, in)
	if !errors.Is(err, apperr.ErrBadRequest) {
		t.Errorf("expected ErrBadRequest, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

func TestUpdate_DraftOnly(t *testing.T) {
	f := newFixture(t)
	c := f.pendingContract(t)

	title := "New title"
	_, err := f.svc.Update(context.Background(), c.ID, f.client, UpdateInput{Title: &title})
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got: %v", err)
	}
}

func TestUpdate_OnlyClient(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.Create(context.Background(), f.client, f.fixedInput(100000))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	title := "New title"
	_, err = f.svc.Update(context.Background(), c.ID, f.freelancer, UpdateInput{Title: &title})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got: %v", err)
	}
}

func TestUpdate_FixedTotalRejected(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.Create(context.Background(), f.client, f.fixedInput(100000))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	total := int64(200000)
	_, err = f.svc.Update(context.Background(), c.ID, f.client, UpdateInput{TotalAmount: &total})
	if !errors.Is(err, apperr.ErrBadRequest) {
		t.Errorf("expected ErrBadRequest, got: %v", err)
	}
}

func TestUpdate_SendForSigning(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.Create(context.Background(), f.client, f.fixedInput(100000))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	status := models.ContractStatusPending
	c, err = f.svc.Update(context.Background(), c.ID, f.client, UpdateInput{Status: &status})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if c.Status != models.ContractStatusPending {
		t.Errorf("status: got %s, want pending", c.Status)
	}
	if f.notifier.last() != models.NotificationContractReady {
		t.Errorf("notification: got %s, want contract_ready", f.notifier.last())
	}
}

// ---------------------------------------------------------------------------
// Sign
// ---------------------------------------------------------------------------

func TestSign_BothPartiesActivate(t *testing.T) {
	f := newFixture(t)
	c := f.pendingContract(t)

	ctx := context.Background()
	c1, err := f.svc.Sign(ctx, c.ID, f.freelancer)
	if err != nil {
		t.Fatalf("freelancer sign: %v", err)
	}
	if c1.Status != models.ContractStatusPending {
		t.Errorf("after one signature: got %s, want pending", c1.Status)
	}
	if f.notifier.last() != models.NotificationContractSigned {
		t.Errorf("notification: got %s, want contract_signed", f.notifier.last())
	}

	c2, err := f.svc.Sign(ctx, c.ID, f.client)
	if err != nil {
		t.Fatalf("client sign: %v", err)
	}
	if c2.Status != models.ContractStatusActive {
		t.Errorf("after both signatures: got %s, want active", c2.Status)
	}
	if c2.StartDate == nil {
		t.Error("start date should default to the activation time")
	}
	// Activation of a fixed contract auto-funds the first milestone.
	if len(f.escrow.funded) != 1 {
		t.Errorf("funded milestones: got %d, want 1", len(f.escrow.funded))
	}
	if f.notifier.last() != models.NotificationContractActivated {
		t.Errorf("notification: got %s, want contract_activated", f.notifier.last())
	}
}

func TestSign_DraftRejected(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.Create(context.Background(), f.client, f.fixedInput(100000))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = f.svc.Sign(context.Background(), c.ID, f.client)
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got: %v", err)
	}
}

func TestSign_Twice(t *testing.T) {
	f := newFixture(t)
	c := f.pendingContract(t)

	ctx := context.Background()
	if _, err := f.svc.Sign(ctx, c.ID, f.client); err != nil {
		t.Fatalf("first sign: %v", err)
	}
	_, err := f.svc.Sign(ctx, c.ID, f.client)
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got: %v", err)
	}
}

func TestSign_Stranger(t *testing.T) {
	f := newFixture(t)
	c := f.pendingContract(t)
	_, err := f.svc.Sign(context.Background(), c.ID, uuid.New())
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got: %v", err)
	}
}

func TestSign_FundingFailureDoesNotUndoActivation(t *testing.T) {
	f := newFixture(t)
	c := f.pendingContract(t)
	f.escrow.fundErr = errors.New("settlement failed")

	ctx := context.Background()
	if _, err := f.svc.Sign(ctx, c.ID, f.freelancer); err != nil {
		t.Fatalf("freelancer sign: %v", err)
	}
	signed, err := f.svc.Sign(ctx, c.ID, f.client)
	if err != nil {
		t.Fatalf("client sign should succeed despite funding failure: %v", err)
	}
	if signed.Status != models.ContractStatusActive {
		t.Errorf("status: got %s, want active", signed.Status)
	}
}

// ---------------------------------------------------------------------------
// Cancel / Complete
// ---------------------------------------------------------------------------

func TestCancel_RefundsEscrow(t *testing.T) {
	f := newFixture(t)
	c := f.activeContract(t)
	f.escrow.toRefund = []*models.Payment{{ID: uuid.New()}}

	cancelled, err := f.svc.Cancel(context.Background(), c.ID, f.freelancer, "scope changed")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.ContractStatusCancelled {
		t.Errorf("status: got %s, want cancelled", cancelled.Status)
	}
	if cancelled.CancelledBy == nil || *cancelled.CancelledBy != f.freelancer {
		t.Error("cancelled_by should record the cancelling party")
	}
	if len(f.escrow.refunded) != 1 || f.escrow.refunded[0] != c.ID {
		t.Error("held escrow should be refunded during cancellation")
	}
	if f.notifier.last() != models.NotificationContractCancelled {
		t.Errorf("notification: got %s, want contract_cancelled", f.notifier.last())
	}
}

func TestCancel_TerminalRejected(t *testing.T) {
	f := newFixture(t)
	c := f.activeContract(t)

	ctx := context.Background()
	if _, err := f.svc.Cancel(ctx, c.ID, f.client, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := f.svc.Cancel(ctx, c.ID, f.client, "")
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got: %v", err)
	}
}

func TestComplete(t *testing.T) {
	f := newFixture(t)
	c := f.activeContract(t)
	f.milestones.notApproved = 0

	done, err := f.svc.Complete(context.Background(), c.ID, f.client)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.ContractStatusCompleted {
		t.Errorf("status: got %s, want completed", done.Status)
	}
	if done.CompletedAt == nil {
		t.Error("completed_at should be set")
	}
	if f.notifier.last() != models.NotificationContractCompleted {
		t.Errorf("notification: got %s, want contract_completed", f.notifier.last())
	}
}

func TestComplete_BlockedByOpenMilestones(t *testing.T) {
	f := newFixture(t)
	c := f.activeContract(t)
	f.milestones.notApproved = 2

	_, err := f.svc.Complete(context.Background(), c.ID, f.client)
	if !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got: %v", err)
	}
}

func TestComplete_OnlyClient(t *testing.T) {
	f := newFixture(t)
	c := f.activeContract(t)

	_, err := f.svc.Complete(context.Background(), c.ID, f.freelancer)
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Visibility
// ---------------------------------------------------------------------------

func TestGet_PartiesOnly(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.Create(context.Background(), f.client, f.fixedInput(100000))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.Get(context.Background(), c.ID, f.freelancer); err != nil {
		t.Errorf("freelancer should see the contract: %v", err)
	}
	if _, err := f.svc.Get(context.Background(), c.ID, uuid.New()); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("stranger: expected ErrForbidden, got %v", err)
	}
}
